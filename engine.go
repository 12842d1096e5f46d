package caravan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Engine-level stream handling. The engine retries a failed LLM stream
// once, and only while nothing has been forwarded for the current
// assistant message; the idle timeout treats a silent stream as broken.
const (
	DefaultIdleTimeout = 60 * time.Second

	engineRetryBase = 500 * time.Millisecond
)

// RunEngine drives runs to termination: it interleaves LLM calls,
// streaming response parsing, tool dispatch, and context management,
// persisting messages and reporting every step on the event sink.
//
// The engine is stateless across runs and safe to share; all per-run
// state lives in Run's locals. Within one run the engine is the only
// writer of the run record, the assistant shells, and the sink.
type RunEngine struct {
	client   LLMClient
	store    Store
	provider ToolProvider
	sink     EventSink
	logger   *slog.Logger
	tracer   Tracer // nil = no tracing
	idle     time.Duration
}

// EngineOption configures a RunEngine.
type EngineOption func(*RunEngine)

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *RunEngine) { e.logger = l }
}

// WithEngineTracer sets the tracer for run and turn spans.
func WithEngineTracer(t Tracer) EngineOption {
	return func(e *RunEngine) { e.tracer = t }
}

// WithIdleTimeout overrides the stream idle timeout.
func WithIdleTimeout(d time.Duration) EngineOption {
	return func(e *RunEngine) { e.idle = d }
}

// NewRunEngine builds an engine over its collaborators. provider may be
// nil for a run without tools; sink may be NopSink.
func NewRunEngine(client LLMClient, store Store, provider ToolProvider, sink EventSink, opts ...EngineOption) *RunEngine {
	e := &RunEngine{
		client:   client,
		store:    store,
		provider: provider,
		sink:     sink,
		logger:   nopLogger,
		idle:     DefaultIdleTimeout,
	}
	if e.sink == nil {
		e.sink = NopSink{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one run to rest: completed, failed, cancelled, expired,
// or parked at requires_action. inputs are this run's incoming messages
// (the user message, or resumed tool outputs); the engine persists them
// before the first turn. The returned error is the terminal failure, nil
// when the run completed or parked.
//
// Run never closes the sink; that is the caller's side of the contract.
func (e *RunEngine) Run(ctx context.Context, run *AgentRun, inputs []Message) error {
	cfg := run.Config.withDefaults()

	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "run.execute",
			StringAttr("run_id", run.ID),
			StringAttr("thread_id", run.ThreadID),
			StringAttr("agent_type", run.AgentType))
		defer span.End()
	}

	err := e.execute(ctx, run, cfg, inputs)
	if err != nil && span != nil {
		span.Error(err)
	}
	return err
}

func (e *RunEngine) execute(ctx context.Context, run *AgentRun, cfg RunConfig, inputs []Message) error {
	if cfg.Model == "" {
		return e.failRun(ctx, run, &ConfigError{Msg: "run has no model"})
	}

	thread, err := e.store.GetThread(ctx, run.ThreadID)
	if err != nil {
		return e.failRun(ctx, run, &StorageError{Op: "get thread", Err: err})
	}

	e.setStatus(ctx, run, RunInProgress, nil)

	for i := range inputs {
		msg := &inputs[i]
		if msg.Attributes.RunID == "" {
			msg.Attributes.RunID = run.ID
		}
		if err := e.store.AddMessage(ctx, msg); err != nil {
			return e.failRun(ctx, run, &StorageError{Op: "add message", Err: err})
		}
		e.emit(ctx, run, EventMessageCreated, map[string]any{
			"message_id": msg.ID,
			"role":       string(msg.Role),
		})
	}

	contexts := NewContextManager(e.client, e.store, cfg, WithContextLogger(e.logger))
	executor := NewToolExecutor(e.provider, e.sink, run.ID, run.ThreadID, cfg.ToolExecutor,
		WithExecutorLogger(e.logger))

	var totals Usage
	for turn := 1; ; turn++ {
		if turn > cfg.MaxToolCallContinuations {
			limitErr := &ContinuationLimitError{Limit: cfg.MaxToolCallContinuations}
			e.setStatus(ctx, run, RunRequiresAction, &RunError{
				Code:    CodeContinuationLimit,
				Message: limitErr.Error(),
			})
			e.emit(ctx, run, EventRunRequiresAction, map[string]any{
				"reason": "limit_exceeded",
				"limit":  cfg.MaxToolCallContinuations,
			})
			return nil
		}
		if cause, done := e.cancelled(ctx); done {
			return e.finishCancelled(ctx, run, cause)
		}

		history, err := e.history(ctx, run.ThreadID, inputs)
		if err != nil {
			return e.failRun(ctx, run, err)
		}
		msgs, err := contexts.Assemble(ctx, thread, history, inputs)
		if err != nil {
			return e.failRun(ctx, run, err)
		}
		defs := e.toolDefs(ctx)

		e.emit(ctx, run, EventRunStatusChanged, map[string]any{
			"status": "llm_call",
			"turn":   turn,
		})
		stepID := NewID()
		e.emit(ctx, run, EventRunStepCreated, map[string]any{
			"step_id": stepID,
			"turn":    turn,
		})

		outcome, err := e.turn(ctx, run, cfg, msgs, defs, stepID, turn)
		if err != nil {
			if cause, done := e.cancelled(ctx); done {
				return e.finishCancelled(ctx, run, cause)
			}
			return e.failRun(ctx, run, err)
		}
		if outcome.usage != nil {
			totals.PromptTokens += outcome.usage.PromptTokens
			totals.CompletionTokens += outcome.usage.CompletionTokens
			totals.TotalTokens += outcome.usage.TotalTokens
		}

		if len(outcome.calls) == 0 {
			switch outcome.finish {
			case FinishStop, FinishLength, FinishContentFilter:
				e.setStatus(ctx, run, RunCompleted, nil)
				e.emit(ctx, run, EventRunCompleted, map[string]any{"usage": totals})
				return nil
			default:
				return e.failRun(ctx, run, &LLMError{
					Kind:    LLMErrSDK,
					Message: fmt.Sprintf("unexpected finish reason %q", outcome.finish),
				})
			}
		}

		if cause, done := e.cancelled(ctx); done {
			return e.finishCancelled(ctx, run, cause)
		}
		e.emit(ctx, run, EventRunRequiresAction, map[string]any{
			"submit_tool_outputs": outcome.calls,
		})

		toolCtx := WithAuthOverrides(ctx, cfg.RequestAuthOverrides)
		toolCtx = WithRunContext(toolCtx, RunContext{
			RunID:    run.ID,
			ThreadID: run.ThreadID,
			StepID:   stepID,
			Config:   cfg,
			Sink:     e.sink,
		})
		results := executor.ExecuteBatch(toolCtx, outcome.calls)

		toolMsgs := make([]Message, 0, len(results))
		for i, call := range outcome.calls {
			msg := NewToolMessage(run.ThreadID, call.ID, call.Function.Name, renderToolResult(results[i]))
			msg.Attributes.RunID = run.ID
			msg.Attributes.StepID = stepID
			if err := e.store.AddMessage(ctx, msg); err != nil {
				return e.failRun(ctx, run, &StorageError{Op: "add message", Err: err})
			}
			e.emit(ctx, run, EventMessageCreated, map[string]any{
				"message_id": msg.ID,
				"role":       string(msg.Role),
			})
			toolMsgs = append(toolMsgs, *msg)
		}
		inputs = toolMsgs
	}
}

// turnOutcome is what one LLM turn produced.
type turnOutcome struct {
	finish string
	calls  []ToolCall
	usage  *Usage
}

// turnState accumulates the assistant message during streaming.
type turnState struct {
	shellID   string
	text      strings.Builder
	calls     []ToolCall
	seen      map[int]bool
	finish    string
	usage     *Usage
	emitted   bool
	completed bool
}

// turn runs one LLM call: persist the assistant shell, stream the
// response through the parser, finalize the shell. A stream that fails
// before anything was forwarded is retried once with backoff.
func (e *RunEngine) turn(ctx context.Context, run *AgentRun, cfg RunConfig, msgs []Message, defs []ToolDefinition, stepID string, turn int) (turnOutcome, error) {
	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "run.turn", IntAttr("turn", turn))
		defer span.End()
	}

	now := NowUnix()
	shell := &Message{
		ID:       NewID(),
		ThreadID: run.ThreadID,
		Role:     RoleAssistant,
		Attributes: MessageAttributes{
			RunID:  run.ID,
			StepID: stepID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.AddMessage(ctx, shell); err != nil {
		return turnOutcome{}, &StorageError{Op: "add message", Err: err}
	}
	e.emit(ctx, run, EventMessageCreated, map[string]any{
		"message_id": shell.ID,
		"role":       string(RoleAssistant),
		"status":     "in_progress",
	})

	req := GenerateRequest{
		Model:       cfg.Model,
		Messages:    msgs,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	if len(defs) > 0 {
		req.Tools = defs
		req.ToolChoice = cfg.ToolChoice
	}

	st := &turnState{shellID: shell.ID, seen: make(map[int]bool)}
	for attempt := 0; ; attempt++ {
		err := e.streamTurn(ctx, run, cfg, req, st)
		if err == nil {
			break
		}
		if st.emitted || attempt >= 1 || !retriableStreamErr(err) {
			// Keep what streamed for the record before failing the turn.
			shell.Content = TextContent(st.text.String())
			shell.UpdatedAt = NowUnix()
			if uerr := e.store.UpdateMessage(context.WithoutCancel(ctx), shell); uerr != nil {
				e.logger.Warn("assistant shell update failed", "message_id", shell.ID, "error", uerr)
			}
			return turnOutcome{}, err
		}
		e.logger.Warn("llm stream failed before any output, retrying", "turn", turn, "error", err)
		timer := time.NewTimer(retryBackoff(engineRetryBase, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return turnOutcome{}, context.Cause(ctx)
		case <-timer.C:
		}
	}

	shell.Content = TextContent(st.text.String())
	shell.Attributes.ToolCalls = st.calls
	shell.UpdatedAt = NowUnix()
	if err := e.store.UpdateMessage(ctx, shell); err != nil {
		return turnOutcome{}, &StorageError{Op: "update message", Err: err}
	}
	e.emit(ctx, run, EventMessageCompleted, map[string]any{
		"message_id":    shell.ID,
		"content":       st.text.String(),
		"finish_reason": st.finish,
	})

	return turnOutcome{finish: st.finish, calls: st.calls, usage: st.usage}, nil
}

// streamTurn runs one streaming attempt against the client and folds
// every chunk through the response parser into st.
func (e *RunEngine) streamTurn(ctx context.Context, run *AgentRun, cfg RunConfig, req GenerateRequest, st *turnState) error {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := e.client.GenerateStream(callCtx, req)
	if err != nil {
		return err
	}
	parser := NewResponseParser(cfg.ResponseProcessor, WithParserLogger(e.logger))

	idle := time.NewTimer(e.idle)
	defer idle.Stop()
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				if !st.completed {
					// Some backends close the stream without a finish
					// chunk; treat that as a plain stop so held-back
					// scanner text still flushes.
					e.logger.Warn("stream ended without finish reason", "run_id", run.ID)
					if err := e.apply(ctx, run, st, parser.Feed(LLMChunk{FinishReason: FinishStop})); err != nil {
						return err
					}
				}
				if u := parser.Usage(); u != nil {
					st.usage = u
				}
				return nil
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(e.idle)
			if chunk.Err != nil {
				return chunk.Err
			}
			if err := e.apply(ctx, run, st, parser.Feed(chunk)); err != nil {
				return err
			}
		case <-idle.C:
			cancel()
			return &LLMError{
				Kind:    LLMErrTimeout,
				Message: fmt.Sprintf("no stream activity for %s", e.idle),
			}
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// apply folds parse events into the turn state and mirrors them onto the
// event stream. Cancellation is re-checked after every event.
func (e *RunEngine) apply(ctx context.Context, run *AgentRun, st *turnState, events []ParseEvent) error {
	for _, ev := range events {
		if st.completed && ev.Kind != ParseCompleted {
			e.logger.Warn("parse event after completion ignored", "kind", ev.Kind.String())
			continue
		}
		switch ev.Kind {
		case ParseText:
			st.text.WriteString(ev.Text)
			st.emitted = true
			e.emit(ctx, run, EventMessageDelta, map[string]any{
				"message_id":    st.shellID,
				"content_chunk": ev.Text,
			})
		case ParseToolCallDelta:
			if !st.seen[ev.Delta.Index] {
				st.seen[ev.Delta.Index] = true
				data := map[string]any{
					"message_id": st.shellID,
					"index":      ev.Delta.Index,
				}
				if ev.Delta.ID != "" {
					data["tool_call_id"] = ev.Delta.ID
				}
				if ev.Delta.Name != "" {
					data["name"] = ev.Delta.Name
				}
				e.emit(ctx, run, EventToolCallCreated, data)
			}
			st.emitted = true
			e.emit(ctx, run, EventMessageDelta, map[string]any{
				"message_id":       st.shellID,
				"tool_calls_chunk": ev.Delta,
			})
		case ParseToolCallFinalized:
			if !st.seen[ev.Index] {
				// Scanner-synthesized calls have no preceding deltas;
				// announce them before completing them.
				st.seen[ev.Index] = true
				e.emit(ctx, run, EventToolCallCreated, map[string]any{
					"message_id":   st.shellID,
					"index":        ev.Index,
					"tool_call_id": ev.Call.ID,
					"name":         ev.Call.Function.Name,
				})
			}
			st.calls = append(st.calls, ev.Call)
			st.emitted = true
			e.emit(ctx, run, EventToolCallCompletedByLLM, map[string]any{
				"message_id":   st.shellID,
				"tool_call_id": ev.Call.ID,
				"name":         ev.Call.Function.Name,
				"index":        ev.Index,
			})
		case ParseCompleted:
			st.completed = true
			st.finish = ev.FinishReason
			if ev.Usage != nil {
				st.usage = ev.Usage
			}
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
	}
	return nil
}

// history returns the thread's stored messages minus the current turn's
// inputs, which the context manager receives separately.
func (e *RunEngine) history(ctx context.Context, threadID string, inputs []Message) ([]Message, error) {
	stored, err := e.store.GetMessages(ctx, threadID, MessageQuery{})
	if err != nil {
		return nil, &StorageError{Op: "get messages", Err: err}
	}
	skip := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		skip[in.ID] = true
	}
	history := make([]Message, 0, len(stored))
	for _, m := range stored {
		if skip[m.ID] {
			continue
		}
		history = append(history, *m)
	}
	return history, nil
}

// toolDefs lists the provider's tools. A listing failure downgrades the
// run to zero tools rather than failing it.
func (e *RunEngine) toolDefs(ctx context.Context) []ToolDefinition {
	if e.provider == nil {
		return nil
	}
	defs, err := e.provider.Tools(ctx)
	if err != nil {
		e.logger.Warn("tool listing failed, continuing without tools", "error", err)
		return nil
	}
	return defs
}

// setStatus writes a best-effort status snapshot to the run store and
// keeps the in-memory record coherent either way.
func (e *RunEngine) setStatus(ctx context.Context, run *AgentRun, status RunStatus, runErr *RunError) {
	updated, err := e.store.UpdateRunStatus(ctx, run.ID, status, runErr)
	if err != nil {
		e.logger.Warn("run status update failed",
			"run_id", run.ID, "status", string(status), "error", err)
		run.Status = status
		if runErr != nil {
			run.LastError = runErr
		}
		return
	}
	*run = *updated
}

func (e *RunEngine) failRun(ctx context.Context, run *AgentRun, err error) error {
	ctx = context.WithoutCancel(ctx)
	runErr := NewRunError(err)
	e.logger.Error("run failed", "run_id", run.ID, "code", runErr.Code, "error", err)
	e.setStatus(ctx, run, RunFailed, runErr)
	e.emit(ctx, run, EventRunFailed, map[string]any{
		"code":    runErr.Code,
		"message": runErr.Message,
	})
	return err
}

// finishCancelled ends a run whose context was cancelled, either by a
// caller or by the expiry timer.
func (e *RunEngine) finishCancelled(ctx context.Context, run *AgentRun, cause error) error {
	ctx = context.WithoutCancel(ctx)
	status, code := RunCancelled, CodeCancelled
	if errors.Is(cause, ErrRunExpired) {
		status, code = RunExpired, CodeExpired
	}
	if cause == nil {
		cause = context.Canceled
	}
	e.logger.Info("run stopped", "run_id", run.ID, "status", string(status))
	e.setStatus(ctx, run, status, &RunError{Code: code, Message: cause.Error()})
	e.emit(ctx, run, EventRunStatusChanged, map[string]any{"status": string(status)})
	e.emit(ctx, run, EventRunFailed, map[string]any{"code": code, "message": cause.Error()})
	return cause
}

func (e *RunEngine) cancelled(ctx context.Context) (error, bool) {
	if ctx.Err() == nil {
		return nil, false
	}
	return context.Cause(ctx), true
}

// retriableStreamErr reports whether a stream failure is worth the
// engine's single silent retry. Cancellation never is.
func retriableStreamErr(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, ErrRunExpired)
}

func (e *RunEngine) emit(ctx context.Context, run *AgentRun, t EventType, data map[string]any) {
	if err := e.sink.Send(ctx, NewEvent(t, run.ID, run.ThreadID, data)); err != nil {
		e.logger.Debug("event emission aborted", "type", string(t), "error", err)
	}
}

// RunContext identifies the run, step, and event stream a tool executes
// within. The engine attaches it to the context before dispatching a
// turn's tool batch; tools that spawn sub-runs read it to forward their
// events and derive their config.
type RunContext struct {
	RunID    string
	ThreadID string
	StepID   string
	Config   RunConfig
	Sink     EventSink
}

type runContextKey struct{}

// WithRunContext attaches rc to ctx.
func WithRunContext(ctx context.Context, rc RunContext) context.Context {
	return context.WithValue(ctx, runContextKey{}, rc)
}

// RunContextFrom extracts the executing run's context, if any.
func RunContextFrom(ctx context.Context) (RunContext, bool) {
	rc, ok := ctx.Value(runContextKey{}).(RunContext)
	return rc, ok
}

// renderToolResult flattens a ToolResult into tool-message content:
// strings pass through, other payloads are encoded as JSON, failures
// carry their error text.
func renderToolResult(res ToolResult) string {
	if !res.Success {
		if res.Error != "" {
			return "error: " + res.Error
		}
		return "error: tool failed"
	}
	switch data := res.Data.(type) {
	case nil:
		return ""
	case string:
		return data
	default:
		out, err := json.Marshal(data)
		if err != nil {
			return fmt.Sprint(data)
		}
		return string(out)
	}
}
