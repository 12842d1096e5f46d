package caravan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolExecutor resolves and runs the tool calls of one run. It is bound
// to the run so every execution can be reported on the run's event
// stream. Failures never escape as errors: each call yields a
// ToolResult, failed or not, and the loop moves on.
type ToolExecutor struct {
	provider ToolProvider
	sink     EventSink
	runID    string
	threadID string
	cfg      ToolExecutorConfig
	logger   *slog.Logger

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema // nil entry: schema did not compile, skip validation
}

// ExecutorOption configures a ToolExecutor.
type ExecutorOption func(*ToolExecutor)

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *ToolExecutor) { e.logger = l }
}

// NewToolExecutor builds an executor for one run. The sink receives a
// started and a completed event per call; pass NopSink to discard them.
func NewToolExecutor(provider ToolProvider, sink EventSink, runID, threadID string, cfg ToolExecutorConfig, opts ...ExecutorOption) *ToolExecutor {
	if cfg.ExecutionStrategy == "" {
		cfg.ExecutionStrategy = ExecutionSequential
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.ToolTimeoutSeconds <= 0 {
		cfg.ToolTimeoutSeconds = DefaultToolTimeoutSecs
	}
	if sink == nil {
		sink = NopSink{}
	}
	e := &ToolExecutor{
		provider: provider,
		sink:     sink,
		runID:    runID,
		threadID: threadID,
		cfg:      cfg,
		logger:   nopLogger,
		schemas:  make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one tool call through lookup, argument parsing, schema
// validation, and invocation, normalizing every failure into the result.
func (e *ToolExecutor) Execute(ctx context.Context, call ToolCall) ToolResult {
	start := time.Now()
	e.emit(ctx, EventToolExecutionStarted, map[string]any{
		"tool_call_id": call.ID,
		"name":         call.Function.Name,
	})

	res := e.run(ctx, call)

	data := map[string]any{
		"tool_call_id": call.ID,
		"name":         call.Function.Name,
		"success":      res.Success,
		"duration_ms":  time.Since(start).Milliseconds(),
	}
	if res.Error != "" {
		data["error"] = res.Error
	}
	e.emit(ctx, EventToolExecutionCompleted, data)
	return res
}

// ExecuteBatch runs a turn's tool calls per the configured strategy.
// Results are returned in input order either way; in parallel mode only
// the executions overlap.
func (e *ToolExecutor) ExecuteBatch(ctx context.Context, calls []ToolCall) []ToolResult {
	if len(calls) == 0 {
		return nil
	}
	if e.cfg.ExecutionStrategy == ExecutionParallel && len(calls) > 1 {
		return e.executeParallel(ctx, calls)
	}
	results := make([]ToolResult, len(calls))
	for i, call := range calls {
		if ctx.Err() != nil {
			results[i] = cancelledResult(ctx.Err())
			continue
		}
		results[i] = e.Execute(ctx, call)
	}
	return results
}

// executeParallel fans calls out to a fixed worker pool of
// min(len(calls), MaxConcurrency) goroutines pulling from a shared work
// channel. The collection loop is context-aware: cancellation mid-batch
// fills the outstanding slots with error results instead of blocking.
func (e *ToolExecutor) executeParallel(ctx context.Context, calls []ToolCall) []ToolResult {
	type workItem struct {
		idx  int
		call ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, call := range calls {
		workCh <- workItem{idx: i, call: call}
	}
	close(workCh)

	type indexedResult struct {
		idx    int
		result ToolResult
	}
	resultCh := make(chan indexedResult, len(calls))

	workers := min(len(calls), e.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedResult{w.idx, cancelledResult(ctx.Err())}
					continue
				}
				resultCh <- indexedResult{w.idx, e.Execute(ctx, w.call)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]ToolResult, len(calls))
	seen := make([]bool, len(calls))
collect:
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break collect
			}
			results[r.idx] = r.result
			seen[r.idx] = true
		case <-ctx.Done():
			for i := range results {
				if !seen[i] {
					results[i] = cancelledResult(ctx.Err())
				}
			}
			return results
		}
	}
	for i := range results {
		if !seen[i] {
			results[i] = ToolResult{
				Error:      "result not received",
				Attributes: map[string]any{"category": string(ToolErrUnknown)},
			}
		}
	}
	return results
}

func (e *ToolExecutor) run(ctx context.Context, call ToolCall) ToolResult {
	name := call.Function.Name

	tool, err := e.provider.Tool(ctx, name)
	if err != nil {
		var nf *ToolNotFoundError
		if errors.As(err, &nf) {
			e.logger.Warn("tool not found", "tool", name)
			return ToolResult{Error: CodeToolNotFound, Attributes: map[string]any{"tool": name}}
		}
		return normalizeToolError(name, err)
	}

	args := make(map[string]any)
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			e.logger.Warn("tool arguments unparseable", "tool", name, "error", err)
			return ToolResult{
				Error:      CodeInvalidArguments,
				Attributes: map[string]any{"tool": name, "detail": err.Error()},
			}
		}
	}

	if schema := e.schemaFor(tool, name); schema != nil {
		if err := schema.Validate(args); err != nil {
			e.logger.Warn("tool arguments rejected by schema", "tool", name, "error", err)
			return ToolResult{
				Error:      CodeInvalidArguments,
				Attributes: map[string]any{"tool": name, "detail": err.Error()},
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.ToolTimeoutSeconds)*time.Second)
	defer cancel()

	res, err := invokeTool(callCtx, tool, name, args)
	if err != nil {
		e.logger.Warn("tool execution failed", "tool", name, "error", err)
		return normalizeToolError(name, err)
	}
	return res
}

// schemaFor returns the compiled parameter schema for name, compiling
// and caching on first use. Definitions whose schema does not compile
// are cached as nil and skipped rather than blocking every call.
func (e *ToolExecutor) schemaFor(tool Tool, name string) *jsonschema.Schema {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.schemas[name]; ok {
		return s
	}

	var def ToolDefinition
	found := false
	for _, d := range tool.Definitions() {
		if d.Name == name {
			def, found = d, true
			break
		}
	}
	if !found {
		e.schemas[name] = nil
		return nil
	}

	compiled, err := compileToolSchema(name, def.Schema())
	if err != nil {
		e.logger.Warn("tool schema does not compile, skipping validation", "tool", name, "error", err)
		e.schemas[name] = nil
		return nil
	}
	e.schemas[name] = compiled
	return compiled
}

func compileToolSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// invokeTool calls the tool body, converting a panic into an error so a
// misbehaving tool cannot take the run down.
func invokeTool(ctx context.Context, tool Tool, name string, args map[string]any) (res ToolResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = ToolResult{}
			err = fmt.Errorf("tool %q panic: %v", name, p)
		}
	}()
	return tool.Execute(ctx, name, args)
}

// normalizeToolError folds an error from a tool body into a failed
// result carrying the error category.
func normalizeToolError(name string, err error) ToolResult {
	category := ToolErrUnknown
	var te *ToolExecutionError
	switch {
	case errors.As(err, &te):
		category = te.Kind
	case errors.Is(err, context.DeadlineExceeded):
		category = ToolErrTimeout
	}
	return ToolResult{
		Error:      err.Error(),
		Attributes: map[string]any{"tool": name, "category": string(category)},
	}
}

func cancelledResult(err error) ToolResult {
	return ToolResult{
		Error:      err.Error(),
		Attributes: map[string]any{"category": CodeCancelled},
	}
}

func (e *ToolExecutor) emit(ctx context.Context, t EventType, data map[string]any) {
	if err := e.sink.Send(ctx, NewEvent(t, e.runID, e.threadID, data)); err != nil {
		e.logger.Debug("event emission aborted", "type", string(t), "error", err)
	}
}
