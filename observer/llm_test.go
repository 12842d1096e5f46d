package observer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	caravan "github.com/nevindra/caravan"

	"go.opentelemetry.io/otel/codes"
)

// fakeLLM returns canned responses and records the last request.
type fakeLLM struct {
	resp      *caravan.LLMResponse
	err       error
	chunks    []caravan.LLMChunk
	streamErr error
	gotReq    caravan.GenerateRequest
}

func (f *fakeLLM) Generate(_ context.Context, req caravan.GenerateRequest) (*caravan.LLMResponse, error) {
	f.gotReq = req
	return f.resp, f.err
}

func (f *fakeLLM) GenerateStream(_ context.Context, req caravan.GenerateRequest) (<-chan caravan.LLMChunk, error) {
	f.gotReq = req
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan caravan.LLMChunk, len(f.chunks))
	for _, chunk := range f.chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (f *fakeLLM) CountTokens(_ context.Context, _ []caravan.Message, _ string) (int, error) {
	return 42, nil
}

func (f *fakeLLM) FormatTools(_ []caravan.ToolDefinition) (json.RawMessage, error) {
	return json.RawMessage(`["ok"]`), nil
}

func TestObservedClientGenerate(t *testing.T) {
	inst, rec := testInstruments(t)
	inner := &fakeLLM{resp: &caravan.LLMResponse{
		Content:      "hello",
		FinishReason: caravan.FinishStop,
		Usage:        &caravan.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}}
	client := WrapLLMClient(inner, "openai", inst)

	resp, err := client.Generate(context.Background(), caravan.GenerateRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp != inner.resp {
		t.Error("response not passed through unchanged")
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "llm.generate" {
		t.Errorf("span name = %q, want llm.generate", span.Name())
	}
	if got := attrValue(t, span, AttrLLMModel).AsString(); got != "gpt-4o" {
		t.Errorf("llm.model = %q, want gpt-4o", got)
	}
	if got := attrValue(t, span, AttrLLMProvider).AsString(); got != "openai" {
		t.Errorf("llm.provider = %q, want openai", got)
	}
	if got := attrValue(t, span, AttrTokensPrompt).AsInt64(); got != 100 {
		t.Errorf("llm.tokens.prompt = %d, want 100", got)
	}
	if got := attrValue(t, span, AttrTokensCompletion).AsInt64(); got != 50 {
		t.Errorf("llm.tokens.completion = %d, want 50", got)
	}
	// 100 prompt and 50 completion tokens of gpt-4o.
	if got := attrValue(t, span, AttrCostUSD).AsFloat64(); !almostEqual(got, 0.00075) {
		t.Errorf("llm.cost_usd = %v, want 0.00075", got)
	}
}

func TestObservedClientGenerateWithTools(t *testing.T) {
	inst, rec := testInstruments(t)
	inner := &fakeLLM{resp: &caravan.LLMResponse{FinishReason: caravan.FinishToolCalls}}
	client := WrapLLMClient(inner, "openai", inst)

	_, err := client.Generate(context.Background(), caravan.GenerateRequest{
		Model: "gpt-4o-mini",
		Tools: []caravan.ToolDefinition{{Name: "search"}, {Name: "fetch"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "llm.generate_with_tools" {
		t.Errorf("span name = %q, want llm.generate_with_tools", span.Name())
	}
	if got := attrValue(t, span, AttrToolCount).AsInt64(); got != 2 {
		t.Errorf("llm.tool_count = %d, want 2", got)
	}
	names := attrValue(t, span, AttrToolNames).AsStringSlice()
	if len(names) != 2 || names[0] != "search" || names[1] != "fetch" {
		t.Errorf("llm.tool_names = %v, want [search fetch]", names)
	}
}

func TestObservedClientGenerateError(t *testing.T) {
	inst, rec := testInstruments(t)
	wantErr := errors.New("boom")
	client := WrapLLMClient(&fakeLLM{err: wantErr}, "openai", inst)

	_, err := client.Generate(context.Background(), caravan.GenerateRequest{Model: "gpt-4o"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Generate error = %v, want %v", err, wantErr)
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if status := spans[0].Status(); status.Code != codes.Error || status.Description != "boom" {
		t.Errorf("span status = %+v, want Error/boom", status)
	}
}

func TestObservedClientStream(t *testing.T) {
	inst, rec := testInstruments(t)
	inner := &fakeLLM{chunks: []caravan.LLMChunk{
		{Content: "Hel"},
		{Content: "lo"},
		{FinishReason: caravan.FinishStop, Usage: &caravan.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	}}
	client := WrapLLMClient(inner, "openrouter", inst)

	ch, err := client.GenerateStream(context.Background(), caravan.GenerateRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	var got []caravan.LLMChunk
	for chunk := range ch {
		got = append(got, chunk)
	}
	if len(got) != 3 {
		t.Fatalf("forwarded %d chunks, want 3", len(got))
	}
	if got[0].Content != "Hel" || got[1].Content != "lo" {
		t.Errorf("content chunks = %q %q, want Hel lo", got[0].Content, got[1].Content)
	}
	if got[2].Usage == nil || got[2].Usage.TotalTokens != 15 {
		t.Errorf("usage chunk = %+v, want total 15", got[2].Usage)
	}

	// The span ends after the source channel closes.
	span := waitForSpans(t, rec, 1)[0]
	if span.Name() != "llm.generate_stream" {
		t.Errorf("span name = %q, want llm.generate_stream", span.Name())
	}
	if got := attrValue(t, span, AttrStreamChunks).AsInt64(); got != 3 {
		t.Errorf("llm.stream_chunks = %d, want 3", got)
	}
	if got := attrValue(t, span, AttrTokensPrompt).AsInt64(); got != 10 {
		t.Errorf("llm.tokens.prompt = %d, want 10", got)
	}
	if got := attrValue(t, span, AttrLLMProvider).AsString(); got != "openrouter" {
		t.Errorf("llm.provider = %q, want openrouter", got)
	}
}

func TestObservedClientStreamError(t *testing.T) {
	inst, rec := testInstruments(t)
	inner := &fakeLLM{chunks: []caravan.LLMChunk{
		{Content: "partial"},
		{Err: errors.New("connection reset")},
	}}
	client := WrapLLMClient(inner, "openai", inst)

	ch, err := client.GenerateStream(context.Background(), caravan.GenerateRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	var count int
	for range ch {
		count++
	}
	if count != 2 {
		t.Fatalf("forwarded %d chunks, want 2", count)
	}

	span := waitForSpans(t, rec, 1)[0]
	if status := span.Status(); status.Code != codes.Error {
		t.Errorf("span status = %+v, want Error after in-band chunk error", status)
	}
}

func TestObservedClientStreamStartError(t *testing.T) {
	inst, rec := testInstruments(t)
	wantErr := errors.New("rate limited")
	client := WrapLLMClient(&fakeLLM{streamErr: wantErr}, "openai", inst)

	ch, err := client.GenerateStream(context.Background(), caravan.GenerateRequest{Model: "gpt-4o"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("GenerateStream error = %v, want %v", err, wantErr)
	}
	if ch != nil {
		t.Error("channel is not nil on startup failure")
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if status := spans[0].Status(); status.Code != codes.Error {
		t.Errorf("span status = %+v, want Error", status)
	}
}

func TestObservedClientDelegates(t *testing.T) {
	inst, _ := testInstruments(t)
	client := WrapLLMClient(&fakeLLM{}, "openai", inst)

	n, err := client.CountTokens(context.Background(), nil, "gpt-4o")
	if err != nil || n != 42 {
		t.Errorf("CountTokens = %d, %v, want 42, nil", n, err)
	}
	data, err := client.FormatTools(nil)
	if err != nil || string(data) != `["ok"]` {
		t.Errorf("FormatTools = %s, %v", data, err)
	}
}
