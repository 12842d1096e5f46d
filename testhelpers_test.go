package caravan

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

// scriptedClient is an LLMClient that plays pre-recorded stream scripts
// in order: call n first consults errs[n] (a dial failure), then plays
// scripts[n] and closes the stream. Requests are captured for
// assertions. An LLMChunk with Err set delivers an in-band failure
// mid-stream, exactly like a real transport.
type scriptedClient struct {
	scripts [][]LLMChunk
	errs    []error

	generateFn    func(req GenerateRequest) (*LLMResponse, error)
	countTokensFn func(msgs []Message) (int, error)

	mu       sync.Mutex
	calls    int
	requests []GenerateRequest
	genReqs  []GenerateRequest
}

func (c *scriptedClient) GenerateStream(_ context.Context, req GenerateRequest) (<-chan LLMChunk, error) {
	c.mu.Lock()
	n := c.calls
	c.calls++
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if n < len(c.errs) && c.errs[n] != nil {
		return nil, c.errs[n]
	}
	var script []LLMChunk
	if n < len(c.scripts) {
		script = c.scripts[n]
	}
	ch := make(chan LLMChunk, len(script))
	for _, chunk := range script {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (c *scriptedClient) Generate(_ context.Context, req GenerateRequest) (*LLMResponse, error) {
	c.mu.Lock()
	c.genReqs = append(c.genReqs, req)
	c.mu.Unlock()
	if c.generateFn != nil {
		return c.generateFn(req)
	}
	return &LLMResponse{Content: "ok", FinishReason: FinishStop}, nil
}

func (c *scriptedClient) CountTokens(_ context.Context, msgs []Message, _ string) (int, error) {
	if c.countTokensFn != nil {
		return c.countTokensFn(msgs)
	}
	return EstimateMessageTokens(msgs), nil
}

func (c *scriptedClient) FormatTools(tools []ToolDefinition) (json.RawMessage, error) {
	return json.Marshal(tools)
}

func (c *scriptedClient) streamCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *scriptedClient) request(n int) GenerateRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[n]
}

// replyScript is a stream that says one thing and stops.
func replyScript(text string) []LLMChunk {
	return []LLMChunk{{Content: text}, {FinishReason: FinishStop}}
}

// callScript is a stream that requests the given tool calls in one chunk.
func callScript(calls ...ToolCallDelta) []LLMChunk {
	return []LLMChunk{{ToolCalls: calls}, {FinishReason: FinishToolCalls}}
}

func callDelta(index int, id, name, args string) ToolCallDelta {
	return ToolCallDelta{Index: index, ID: id, Name: name, Arguments: args}
}

// capturingSink records every event it is sent.
type capturingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *capturingSink) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *capturingSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *capturingSink) ofType(t EventType) []Event {
	var out []Event
	for _, ev := range s.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (s *capturingSink) types() []EventType {
	events := s.all()
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// --- Tool fakes (shared across executor, engine, and delegate tests) ---

// echoTool returns its text argument as the result data.
type echoTool struct{}

func (echoTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        "echo",
		Description: "Echo the text back",
		Parameters:  []ToolParameter{{Name: "text", Type: "string"}},
	}}
}

func (echoTool) Execute(_ context.Context, _ string, args map[string]any) (ToolResult, error) {
	text, _ := args["text"].(string)
	return ToolResult{Success: true, Data: "echo: " + text}, nil
}

// strictTool declares a required integer parameter, so schema validation
// has something to reject.
type strictTool struct{}

func (strictTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        "strict",
		Description: "Requires a count",
		Parameters:  []ToolParameter{{Name: "count", Type: "integer", Required: true}},
	}}
}

func (strictTool) Execute(_ context.Context, _ string, args map[string]any) (ToolResult, error) {
	return ToolResult{Success: true, Data: args["count"]}, nil
}

// errTool always fails from the tool body with the configured error.
type errTool struct {
	err error
}

func (t errTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "fail", Description: "Always fails"}}
}

func (t errTool) Execute(context.Context, string, map[string]any) (ToolResult, error) {
	return ToolResult{}, t.err
}

// panicTool panics from the tool body.
type panicTool struct{}

func (panicTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "explode", Description: "Panics"}}
}

func (panicTool) Execute(context.Context, string, map[string]any) (ToolResult, error) {
	panic("tool exploded")
}

// slowTool blocks until its context is done.
type slowTool struct{}

func (slowTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "slow", Description: "Blocks until cancelled"}}
}

func (slowTool) Execute(ctx context.Context, _ string, _ map[string]any) (ToolResult, error) {
	<-ctx.Done()
	return ToolResult{}, ctx.Err()
}

// barrierTool blocks each Execute until every concurrent call has
// started. If calls run sequentially, this deadlocks (caught by the
// test timeout).
type barrierTool struct {
	name    string
	barrier chan struct{}
	started chan struct{}
}

func (b *barrierTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: b.name, Description: "barrier tool"}}
}

func (b *barrierTool) Execute(context.Context, string, map[string]any) (ToolResult, error) {
	b.started <- struct{}{}
	<-b.barrier
	return ToolResult{Success: true, Data: "done from " + b.name}, nil
}

// multiTool serves several definitions from one value and records the
// order calls arrive in.
type multiTool struct {
	names []string

	mu   sync.Mutex
	seen []string
}

func (m *multiTool) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, len(m.names))
	for i, n := range m.names {
		defs[i] = ToolDefinition{Name: n, Description: "records " + n}
	}
	return defs
}

func (m *multiTool) Execute(_ context.Context, name string, _ map[string]any) (ToolResult, error) {
	m.mu.Lock()
	m.seen = append(m.seen, name)
	m.mu.Unlock()
	return ToolResult{Success: true, Data: "did " + name}, nil
}

func (m *multiTool) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.seen...)
}

// --- Store fakes ---

// flakyStore wraps a MemoryStore and fails selected operations.
type flakyStore struct {
	*MemoryStore
	addMessageErr    error
	updateThreadErr  error
	failRunStatusFor string // run id whose status updates fail
}

func (s *flakyStore) AddMessage(ctx context.Context, msg *Message) error {
	if s.addMessageErr != nil {
		return s.addMessageErr
	}
	return s.MemoryStore.AddMessage(ctx, msg)
}

func (s *flakyStore) UpdateThread(ctx context.Context, id string, update ThreadUpdate) error {
	if s.updateThreadErr != nil {
		return s.updateThreadErr
	}
	return s.MemoryStore.UpdateThread(ctx, id, update)
}

func (s *flakyStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus, lastErr *RunError) (*AgentRun, error) {
	if s.failRunStatusFor != "" && id == s.failRunStatusFor {
		return nil, context.DeadlineExceeded
	}
	return s.MemoryStore.UpdateRunStatus(ctx, id, status, lastErr)
}

// newTestThread creates a store holding one empty thread.
func newTestThread(t *testing.T) (*MemoryStore, *Thread) {
	t.Helper()
	store := NewMemoryStore()
	thread := &Thread{Title: "test thread"}
	if err := store.CreateThread(context.Background(), thread); err != nil {
		t.Fatal(err)
	}
	return store, thread
}

// newTestRun creates a queued run on the thread. A missing model is
// filled in so the engine accepts it.
func newTestRun(t *testing.T, store RunStore, threadID string, cfg RunConfig) *AgentRun {
	t.Helper()
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	run := &AgentRun{
		ID:        NewID(),
		ThreadID:  threadID,
		AgentType: AgentTypePlanner,
		Status:    RunQueued,
		CreatedAt: NowUnix(),
		Config:    cfg.withDefaults(),
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	return run
}
