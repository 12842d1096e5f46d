package caravan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultEventBuffer is the channel depth of a run's event stream.
// Once full, the engine blocks on emission, which throttles the run.
const DefaultEventBuffer = 256

// ToolOutput is a caller-supplied result for one pending tool call of a
// run parked at requires_action.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Output     string `json:"output"`
}

// RunHandle is the caller's side of a started run: the run id, its event
// stream, and the levers to wait for rest or cancel. The stream must be
// drained or released with Close, otherwise emission backpressure stalls
// the run.
type RunHandle struct {
	ID       string
	ThreadID string

	sink   *ChannelSink
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu  sync.Mutex
	run *AgentRun
	err error
}

// Events returns the run's event stream. The channel closes when the
// run reaches rest.
func (h *RunHandle) Events() <-chan Event { return h.sink.Events() }

// Done closes when the run has reached rest.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Await blocks until the run reaches rest or ctx is done. It returns
// the final run record and the terminal error, nil when the run
// completed or parked at requires_action.
func (h *RunHandle) Await(ctx context.Context) (*AgentRun, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.run, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cooperative cancellation. The engine transitions the
// run to cancelled at its next checkpoint.
func (h *RunHandle) Cancel() { h.cancel(context.Canceled) }

// Close releases the event stream without cancelling the run. Later
// events are dropped instead of blocking the engine.
func (h *RunHandle) Close() { h.sink.Detach() }

// Coordinator is the runtime API: it creates threads, starts, resumes,
// and cancels runs, and hands each caller a live event stream. Every
// run executes in its own goroutine against the shared store.
type Coordinator struct {
	client   LLMClient
	store    Store
	provider ToolProvider
	guards   *GuardChain
	defaults RunConfig
	ttl      time.Duration
	idle     time.Duration
	logger   *slog.Logger
	tracer   Tracer

	mu   sync.Mutex
	live map[string]context.CancelCauseFunc
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the logger passed down to every run.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithCoordinatorTracer sets the tracer passed down to every run.
func WithCoordinatorTracer(t Tracer) CoordinatorOption {
	return func(c *Coordinator) { c.tracer = t }
}

// WithGuards installs the input guard chain applied to user messages
// before a run is created.
func WithGuards(g *GuardChain) CoordinatorOption {
	return func(c *Coordinator) { c.guards = g }
}

// WithDefaultConfig sets the server-side run config that per-run
// overrides are merged onto.
func WithDefaultConfig(cfg RunConfig) CoordinatorOption {
	return func(c *Coordinator) { c.defaults = cfg }
}

// WithRunTTL sets expires_at on every new run to now+ttl. Zero disables
// expiry.
func WithRunTTL(ttl time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.ttl = ttl }
}

// WithRunIdleTimeout overrides the engine's stream idle timeout for
// every run this coordinator launches.
func WithRunIdleTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.idle = d }
}

// NewCoordinator wires the runtime API over a client, a store, and a
// tool provider.
func NewCoordinator(client LLMClient, store Store, provider ToolProvider, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		client:   client,
		store:    store,
		provider: provider,
		logger:   nopLogger,
		live:     make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateThread starts an empty conversation.
func (c *Coordinator) CreateThread(ctx context.Context, ownerID, title string) (*Thread, error) {
	thread := &Thread{OwnerID: ownerID, Title: title}
	if err := c.store.CreateThread(ctx, thread); err != nil {
		return nil, &StorageError{Op: "create thread", Err: err}
	}
	return thread, nil
}

// StartRun creates a run on the thread, seeds it with the user message,
// and begins executing it. The returned handle carries the run id and
// the lazy event stream; agent.run.created is its first event.
func (c *Coordinator) StartRun(ctx context.Context, threadID, userMessage string, overrides *RunConfig) (*RunHandle, error) {
	if strings.TrimSpace(userMessage) == "" {
		return nil, &ValidationError{Field: "user_message", Msg: "must not be empty"}
	}
	if _, err := c.store.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	if c.guards != nil {
		if err := c.guards.Check(ctx, userMessage); err != nil {
			c.logger.Warn("run rejected by input guard", "thread_id", threadID, "error", err)
			return nil, err
		}
	}

	cfg := c.defaults.merge(overrides).withDefaults()
	run := &AgentRun{
		ID:        NewID(),
		ThreadID:  threadID,
		AgentType: AgentTypePlanner,
		Status:    RunQueued,
		CreatedAt: NowUnix(),
		Config:    cfg,
	}
	if c.ttl > 0 {
		run.ExpiresAt = time.Now().Add(c.ttl).Unix()
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, &StorageError{Op: "create run", Err: err}
	}

	inputs := []Message{*NewUserMessage(threadID, userMessage)}
	return c.launch(run, inputs), nil
}

// ResumeRun restarts a run parked at requires_action by feeding the
// supplied tool outputs back as role=tool messages. The resumed leg
// gets a fresh continuation budget.
func (c *Coordinator) ResumeRun(ctx context.Context, runID string, outputs []ToolOutput) (*RunHandle, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != RunRequiresAction {
		return nil, &ValidationError{
			Field: "run_id",
			Msg:   fmt.Sprintf("run is %s, resume requires %s", run.Status, RunRequiresAction),
		}
	}
	if len(outputs) == 0 {
		return nil, &ValidationError{Field: "tool_outputs", Msg: "must not be empty"}
	}
	inputs := make([]Message, 0, len(outputs))
	for _, out := range outputs {
		if out.ToolCallID == "" {
			return nil, &ValidationError{Field: "tool_outputs", Msg: "tool_call_id is required"}
		}
		inputs = append(inputs, *NewToolMessage(run.ThreadID, out.ToolCallID, out.Name, out.Output))
	}
	return c.launch(run, inputs), nil
}

// CancelRun flips the run's cooperative cancellation flag. A live run
// transitions to cancelled at its next checkpoint; a parked run is
// cancelled directly. Cancelling a terminal run is a no-op.
func (c *Coordinator) CancelRun(ctx context.Context, runID string) error {
	c.mu.Lock()
	cancel, ok := c.live[runID]
	c.mu.Unlock()
	if ok {
		cancel(context.Canceled)
		return nil
	}

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	_, err = c.store.UpdateRunStatus(ctx, runID, RunCancelled, &RunError{
		Code:    CodeCancelled,
		Message: "cancelled before execution",
	})
	if err != nil {
		return &StorageError{Op: "cancel run", Err: err}
	}
	return nil
}

// GetRun returns the stored run record.
func (c *Coordinator) GetRun(ctx context.Context, runID string) (*AgentRun, error) {
	return c.store.GetRun(ctx, runID)
}

// IsLive reports whether the run is executing in this process. The
// janitor consults it before declaring a run orphaned.
func (c *Coordinator) IsLive(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.live[runID]
	return ok
}

// Close cancels every live run. Callers that need the final records
// wait on their handles.
func (c *Coordinator) Close() {
	c.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(c.live))
	for _, cancel := range c.live {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel(context.Canceled)
	}
}

// launch runs the engine in its own goroutine. The run's lifetime is
// bound to a background-rooted context so a caller disconnect does not
// kill the run; cancellation happens via CancelRun, the handle, or the
// expiry timer.
func (c *Coordinator) launch(run *AgentRun, inputs []Message) *RunHandle {
	runCtx, cancel := context.WithCancelCause(context.Background())
	sink := NewChannelSink(DefaultEventBuffer)
	h := &RunHandle{
		ID:       run.ID,
		ThreadID: run.ThreadID,
		sink:     sink,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.live[run.ID] = cancel
	c.mu.Unlock()

	var expiry *time.Timer
	if run.ExpiresAt > 0 {
		wait := time.Until(time.Unix(run.ExpiresAt, 0))
		if wait < 0 {
			wait = 0
		}
		expiry = time.AfterFunc(wait, func() { cancel(ErrRunExpired) })
	}

	created := NewEvent(EventRunCreated, run.ID, run.ThreadID, map[string]any{
		"agent_type": run.AgentType,
		"model":      run.Config.Model,
	})
	if err := sink.Send(runCtx, created); err != nil {
		c.logger.Debug("run created event dropped", "run_id", run.ID, "error", err)
	}

	eopts := []EngineOption{
		WithEngineLogger(c.logger),
		WithEngineTracer(c.tracer),
	}
	if c.idle > 0 {
		eopts = append(eopts, WithIdleTimeout(c.idle))
	}
	engine := NewRunEngine(c.client, c.store, c.provider, sink, eopts...)

	go func() {
		defer func() {
			if expiry != nil {
				expiry.Stop()
			}
			c.mu.Lock()
			delete(c.live, run.ID)
			c.mu.Unlock()
			cancel(nil)
			sink.Close()
			close(h.done)
		}()

		err := engine.Run(runCtx, run, inputs)
		if err != nil {
			c.logger.Warn("run ended with error",
				"run_id", run.ID,
				"status", string(run.Status),
				"error", err)
		}
		h.mu.Lock()
		h.run = run
		h.err = err
		h.mu.Unlock()
	}()
	return h
}
