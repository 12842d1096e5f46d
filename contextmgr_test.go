package caravan

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// pad40 pads text to 40 characters so each message estimates to exactly
// 14 tokens.
func pad40(text string) string {
	return text + strings.Repeat(".", 40-len(text))
}

func userMsg(threadID, text string) Message {
	return *NewUserMessage(threadID, text)
}

func historyOf40s(threadID string, n int) []Message {
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = userMsg(threadID, pad40("history message "+string(rune('0'+i))))
	}
	return msgs
}

func TestContextAssemblePassthrough(t *testing.T) {
	store, thread := newTestThread(t)
	client := &scriptedClient{}
	mgr := NewContextManager(client, store, RunConfig{Model: "test-model"}.withDefaults())

	history := []Message{userMsg(thread.ID, "hello"), userMsg(thread.ID, "hi")}
	inputs := []Message{userMsg(thread.ID, "next")}
	msgs, err := mgr.Assemble(context.Background(), thread, history, inputs)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[0].Role != RoleSystem || msgs[0].Content.String() != DefaultSystemPrompt {
		t.Errorf("msgs[0] = %q %q", msgs[0].Role, msgs[0].Content.String())
	}
	if msgs[3].Content.String() != "next" {
		t.Errorf("msgs[3] = %q, want the input last", msgs[3].Content.String())
	}
	if len(client.genReqs) != 0 {
		t.Error("summarization ran under the trigger")
	}
}

func TestContextCustomSystemPrompt(t *testing.T) {
	store, thread := newTestThread(t)
	cfg := RunConfig{Model: "test-model", SystemPrompt: "Answer in French."}.withDefaults()
	mgr := NewContextManager(&scriptedClient{}, store, cfg)

	msgs, err := mgr.Assemble(context.Background(), thread, nil, []Message{userMsg(thread.ID, "hi")})
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Content.String() != "Answer in French." {
		t.Errorf("system prompt = %q", msgs[0].Content.String())
	}
}

func TestContextSummaryNote(t *testing.T) {
	store, thread := newTestThread(t)
	thread.Summary = "prior facts"
	mgr := NewContextManager(&scriptedClient{}, store, RunConfig{Model: "test-model"}.withDefaults())

	msgs, err := mgr.Assemble(context.Background(), thread, nil, []Message{userMsg(thread.ID, "hi")})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want system/note/input", len(msgs))
	}
	if msgs[1].Role != RoleSystem || msgs[1].Content.String() != summaryNote("prior facts") {
		t.Errorf("msgs[1] = %q %q", msgs[1].Role, msgs[1].Content.String())
	}
}

func TestContextDisabledPassthrough(t *testing.T) {
	store, thread := newTestThread(t)
	client := &scriptedClient{countTokensFn: func([]Message) (int, error) {
		return 1 << 30, nil
	}}
	off := false
	cfg := RunConfig{Model: "test-model", EnableContextManagement: &off}.withDefaults()
	mgr := NewContextManager(client, store, cfg)

	history := historyOf40s(thread.ID, 8)
	msgs, err := mgr.Assemble(context.Background(), thread, history, []Message{userMsg(thread.ID, "hi")})
	if err != nil {
		t.Fatalf("Assemble with management off: %v", err)
	}
	if len(msgs) != 10 {
		t.Errorf("got %d messages, want all 10 untouched", len(msgs))
	}
}

func overflowConfig() RunConfig {
	return RunConfig{
		Model: "test-model",
		ContextManager: ContextManagerConfig{
			MaxInputTokens: 100,
			PreserveLastN:  2,
		},
	}.withDefaults()
}

func TestContextSummarizationTriggers(t *testing.T) {
	store, thread := newTestThread(t)
	client := &scriptedClient{generateFn: func(GenerateRequest) (*LLMResponse, error) {
		return &LLMResponse{Content: "compact summary", FinishReason: FinishStop}, nil
	}}
	mgr := NewContextManager(client, store, overflowConfig())

	history := historyOf40s(thread.ID, 8)
	input := userMsg(thread.ID, pad40("latest user question"))
	msgs, err := mgr.Assemble(context.Background(), thread, history, []Message{input})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	// system, summary note, two preserved history messages, the input.
	if len(msgs) != 5 {
		t.Fatalf("got %d messages %v, want 5", len(msgs), msgs)
	}
	if msgs[1].Content.String() != summaryNote("compact summary") {
		t.Errorf("note = %q", msgs[1].Content.String())
	}
	if got := msgs[2].Content.String(); got != pad40("history message 6") {
		t.Errorf("msgs[2] = %q, want preserved history message 6", got)
	}
	if got := msgs[4].Content.String(); got != input.Content.String() {
		t.Errorf("msgs[4] = %q, want the input", got)
	}

	stored, err := store.GetThread(context.Background(), thread.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Summary != "compact summary" {
		t.Errorf("stored summary = %q", stored.Summary)
	}

	if len(client.genReqs) != 1 {
		t.Fatalf("got %d summarization calls, want 1", len(client.genReqs))
	}
	req := client.genReqs[0]
	if req.Messages[0].Content.String() != summarizePrompt {
		t.Errorf("summarization system prompt = %q", req.Messages[0].Content.String())
	}
	transcript := req.Messages[1].Content.String()
	if !strings.Contains(transcript, "history message 0") {
		t.Error("transcript is missing the oldest message")
	}
	if strings.Contains(transcript, "history message 6") {
		t.Error("transcript includes a preserved message")
	}
}

func TestContextSummarizeFailureFallsBackToTruncation(t *testing.T) {
	store, thread := newTestThread(t)
	client := &scriptedClient{generateFn: func(GenerateRequest) (*LLMResponse, error) {
		return nil, &LLMError{Kind: LLMErrAPI, Status: 503, Message: "overloaded"}
	}}
	mgr := NewContextManager(client, store, overflowConfig())

	history := historyOf40s(thread.ID, 8)
	input := userMsg(thread.ID, pad40("latest user question"))
	msgs, err := mgr.Assemble(context.Background(), thread, history, []Message{input})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	// No summary note; the oldest six history messages dropped instead.
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if got := msgs[1].Content.String(); got != pad40("history message 6") {
		t.Errorf("msgs[1] = %q, want history message 6", got)
	}

	stored, err := store.GetThread(context.Background(), thread.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Summary != "" {
		t.Errorf("summary written despite the failure: %q", stored.Summary)
	}
}

func TestContextOverflowError(t *testing.T) {
	store, thread := newTestThread(t)
	cfg := RunConfig{
		Model:          "test-model",
		ContextManager: ContextManagerConfig{MaxInputTokens: 20},
	}.withDefaults()
	mgr := NewContextManager(&scriptedClient{}, store, cfg)

	input := userMsg(thread.ID, strings.Repeat("long input ", 20))
	_, err := mgr.Assemble(context.Background(), thread, nil, []Message{input})
	var overflow *ContextOverflowError
	if !errors.As(err, &overflow) {
		t.Fatalf("Assemble error = %v, want *ContextOverflowError", err)
	}
	if overflow.Limit != 20 || overflow.Tokens <= overflow.Limit {
		t.Errorf("overflow = %+v", overflow)
	}
}

func TestContextPairPreservation(t *testing.T) {
	store, thread := newTestThread(t)
	client := &scriptedClient{generateFn: func(GenerateRequest) (*LLMResponse, error) {
		return &LLMResponse{Content: "summary!", FinishReason: FinishStop}, nil
	}}
	mgr := NewContextManager(client, store, overflowConfig())

	assistant := Message{
		ID:       NewID(),
		ThreadID: thread.ID,
		Role:     RoleAssistant,
		Attributes: MessageAttributes{ToolCalls: []ToolCall{{
			ID:       "tc-1",
			Type:     "function",
			Function: FunctionCall{Name: "search", Arguments: `{"q": "x"}`},
		}}},
	}
	toolResult := *NewToolMessage(thread.ID, "tc-1", "search", "found it")
	history := []Message{
		userMsg(thread.ID, strings.Repeat("old question ", 12)+"????"),
		assistant,
		toolResult,
		userMsg(thread.ID, "ok then"),
	}
	input := userMsg(thread.ID, pad40("latest user question"))

	msgs, err := mgr.Assemble(context.Background(), thread, history, []Message{input})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	// Preserving the tool result pulls its assistant caller along, so only
	// the oldest user message is summarized away.
	transcript := client.genReqs[0].Messages[1].Content.String()
	if !strings.Contains(transcript, "old question") {
		t.Error("transcript is missing the summarized message")
	}
	if strings.Contains(transcript, "found it") {
		t.Error("tool result was split from its assistant call")
	}

	var keptAssistant, keptTool bool
	for _, m := range msgs {
		if m.Role == RoleAssistant && len(m.Attributes.ToolCalls) > 0 {
			keptAssistant = true
		}
		if m.Role == RoleTool && m.Attributes.ToolCallID == "tc-1" {
			keptTool = true
		}
	}
	if !keptAssistant || !keptTool {
		t.Errorf("tool-call pair broken: assistant=%v tool=%v", keptAssistant, keptTool)
	}
}

func TestContextSummaryWriteFailure(t *testing.T) {
	store, thread := newTestThread(t)
	flaky := &flakyStore{MemoryStore: store, updateThreadErr: errors.New("disk full")}
	client := &scriptedClient{generateFn: func(GenerateRequest) (*LLMResponse, error) {
		return &LLMResponse{Content: "summary", FinishReason: FinishStop}, nil
	}}
	mgr := NewContextManager(client, flaky, overflowConfig())

	history := historyOf40s(thread.ID, 8)
	_, err := mgr.Assemble(context.Background(), thread, history, []Message{userMsg(thread.ID, pad40("input"))})
	var storeErr *StorageError
	if !errors.As(err, &storeErr) {
		t.Fatalf("Assemble error = %v, want *StorageError", err)
	}
}

func TestContextCountTokensFallback(t *testing.T) {
	store, thread := newTestThread(t)
	client := &scriptedClient{countTokensFn: func([]Message) (int, error) {
		return 0, errors.New("tokenizer unavailable")
	}}
	mgr := NewContextManager(client, store, RunConfig{Model: "test-model"}.withDefaults())

	msgs, err := mgr.Assemble(context.Background(), thread, nil, []Message{userMsg(thread.ID, "hi")})
	if err != nil {
		t.Fatalf("Assemble with broken tokenizer: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("got %d messages, want 2", len(msgs))
	}
}
