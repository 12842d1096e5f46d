package openaicompat

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	caravan "github.com/nevindra/caravan"
)

func floatPtr(f float64) *float64 { return &f }

func TestBuildMessages(t *testing.T) {
	in := []caravan.Message{
		{Role: caravan.RoleSystem, Content: caravan.TextContent("Be brief.")},
		{Role: caravan.RoleUser, Content: caravan.TextContent("hi")},
		{
			Role:    caravan.RoleAssistant,
			Content: caravan.TextContent("checking"),
			Attributes: caravan.MessageAttributes{
				ToolCalls: []caravan.ToolCall{{
					ID:       "call-1",
					Type:     "function",
					Function: caravan.FunctionCall{Name: "search", Arguments: `{"q":"go"}`},
				}},
			},
		},
		{
			Role:       caravan.RoleTool,
			Content:    caravan.TextContent("42"),
			Attributes: caravan.MessageAttributes{ToolCallID: "call-1"},
		},
		{
			Role: caravan.RoleUser,
			Content: caravan.Content{Parts: []caravan.Part{
				{Type: caravan.PartText, Text: "what is this?"},
				{Type: caravan.PartImage, Image: "https://example.com/cat.png", Detail: "low"},
			}},
		},
	}

	out := buildMessages(in)
	if len(out) != 5 {
		t.Fatalf("got %d messages, want 5", len(out))
	}

	if out[0].Role != "system" || out[0].Content != "Be brief." {
		t.Errorf("system = %+v", out[0])
	}
	if out[1].Role != "user" || out[1].Content != "hi" {
		t.Errorf("user = %+v", out[1])
	}

	asst := out[2]
	if asst.Role != "assistant" || asst.Content != "checking" {
		t.Errorf("assistant = %+v", asst)
	}
	wantCalls := []ToolCallRequest{{
		ID:       "call-1",
		Type:     "function",
		Function: FunctionCall{Name: "search", Arguments: `{"q":"go"}`},
	}}
	if !reflect.DeepEqual(asst.ToolCalls, wantCalls) {
		t.Errorf("assistant tool calls = %+v", asst.ToolCalls)
	}

	tool := out[3]
	if tool.Role != "tool" || tool.Content != "42" || tool.ToolCallID != "call-1" {
		t.Errorf("tool = %+v", tool)
	}

	parts, ok := out[4].Content.([]ContentPart)
	if !ok || len(parts) != 2 {
		t.Fatalf("multimodal content = %+v", out[4].Content)
	}
	if parts[0].Type != "text" || parts[0].Text != "what is this?" {
		t.Errorf("text part = %+v", parts[0])
	}
	if parts[1].Type != "image_url" || parts[1].ImageURL == nil ||
		parts[1].ImageURL.URL != "https://example.com/cat.png" || parts[1].ImageURL.Detail != "low" {
		t.Errorf("image part = %+v", parts[1])
	}
}

func TestBuildMessagesToolCallsWithoutText(t *testing.T) {
	out := buildMessages([]caravan.Message{{
		Role: caravan.RoleAssistant,
		Attributes: caravan.MessageAttributes{
			ToolCalls: []caravan.ToolCall{{ID: "c1", Function: caravan.FunctionCall{Name: "f", Arguments: "{}"}}},
		},
	}})
	if len(out) != 1 {
		t.Fatalf("got %d messages", len(out))
	}
	if out[0].Content != nil {
		t.Errorf("Content = %v, want it omitted for a tool-call-only turn", out[0].Content)
	}
}

func TestBuildBodyAppliesOptions(t *testing.T) {
	client := NewClient("", "http://localhost", WithRequestOptions(
		WithTemperature(0.2),
		WithTopP(0.9),
		WithMaxTokens(50),
		WithStop("END"),
		WithSeed(7),
		WithFrequencyPenalty(0.5),
		WithPresencePenalty(-0.5),
	))

	body, err := client.buildBody(caravan.GenerateRequest{
		Model:       "gpt-test",
		Messages:    []caravan.Message{{Role: caravan.RoleUser, Content: caravan.TextContent("hi")}},
		Temperature: floatPtr(0.8),
		MaxTokens:   100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if body.Model != "gpt-test" {
		t.Errorf("Model = %q", body.Model)
	}
	// Per-call fields override the client-level options.
	if body.Temperature == nil || *body.Temperature != 0.8 {
		t.Errorf("Temperature = %v, want the per-call value", body.Temperature)
	}
	if body.MaxTokens != 100 {
		t.Errorf("MaxTokens = %d", body.MaxTokens)
	}
	if body.TopP == nil || *body.TopP != 0.9 {
		t.Errorf("TopP = %v", body.TopP)
	}
	if len(body.Stop) != 1 || body.Stop[0] != "END" {
		t.Errorf("Stop = %v", body.Stop)
	}
	if body.Seed == nil || *body.Seed != 7 {
		t.Errorf("Seed = %v", body.Seed)
	}
	if body.FrequencyPenalty == nil || *body.FrequencyPenalty != 0.5 {
		t.Errorf("FrequencyPenalty = %v", body.FrequencyPenalty)
	}
	if body.PresencePenalty == nil || *body.PresencePenalty != -0.5 {
		t.Errorf("PresencePenalty = %v", body.PresencePenalty)
	}
	if body.Tools != nil || body.ToolChoice != nil {
		t.Errorf("tools set without definitions: %+v", body)
	}

	// Without per-call overrides the client-level options stand.
	body, err = client.buildBody(caravan.GenerateRequest{Model: "gpt-test"})
	if err != nil {
		t.Fatal(err)
	}
	if body.Temperature == nil || *body.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want the client option", body.Temperature)
	}
	if body.MaxTokens != 50 {
		t.Errorf("MaxTokens = %d, want the client option", body.MaxTokens)
	}
}

func TestBuildBodyTools(t *testing.T) {
	client := NewClient("", "http://localhost")
	body, err := client.buildBody(caravan.GenerateRequest{
		Model: "gpt-test",
		Tools: []caravan.ToolDefinition{{
			Name:        "echo",
			Description: "Echo the text back",
			Parameters:  []caravan.ToolParameter{{Name: "text", Required: true}},
		}},
		ToolChoice: caravan.ToolChoice{Mode: caravan.ToolChoiceRequired},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(body.Tools) != 1 || body.Tools[0].Type != "function" || body.Tools[0].Function.Name != "echo" {
		t.Fatalf("Tools = %+v", body.Tools)
	}
	if !strings.Contains(string(body.Tools[0].Function.Parameters), `"text"`) {
		t.Errorf("Parameters = %s", body.Tools[0].Function.Parameters)
	}
	if body.ToolChoice != "required" {
		t.Errorf("ToolChoice = %v", body.ToolChoice)
	}
}

func TestBuildToolChoice(t *testing.T) {
	tests := []struct {
		in   caravan.ToolChoice
		want any
	}{
		{caravan.ToolChoice{}, "auto"},
		{caravan.ToolChoice{Mode: caravan.ToolChoiceAuto}, "auto"},
		{caravan.ToolChoice{Mode: caravan.ToolChoiceNone}, "none"},
		{caravan.ToolChoice{Mode: caravan.ToolChoiceRequired}, "required"},
		{
			caravan.ToolChoice{Name: "search"},
			map[string]any{"type": "function", "function": map[string]any{"name": "search"}},
		},
	}
	for _, tt := range tests {
		if got := buildToolChoice(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("buildToolChoice(%+v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBuildToolsRejectsInvalidName(t *testing.T) {
	_, err := buildTools([]caravan.ToolDefinition{{Name: "has space"}})
	var llmErr *caravan.LLMError
	if !errors.As(err, &llmErr) || llmErr.Kind != caravan.LLMErrInvalidRequest {
		t.Fatalf("error = %v", err)
	}
	if !strings.Contains(llmErr.Message, `invalid tool name "has space"`) {
		t.Errorf("Message = %q", llmErr.Message)
	}
}

func TestFormatTools(t *testing.T) {
	client := NewClient("", "http://localhost")
	raw, err := client.FormatTools([]caravan.ToolDefinition{{
		Name:        "search",
		Description: "Search the index",
	}})
	if err != nil {
		t.Fatal(err)
	}
	var wire []Tool
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatal(err)
	}
	if len(wire) != 1 || wire[0].Type != "function" || wire[0].Function.Name != "search" {
		t.Errorf("wire = %+v", wire)
	}

	if _, err := client.FormatTools([]caravan.ToolDefinition{{Name: "no good"}}); err == nil {
		t.Error("invalid name accepted")
	}
}

func TestParseResponse(t *testing.T) {
	out := parseResponse(ChatResponse{
		Choices: []Choice{{
			Message: &ChoiceMessage{
				Content: "Hello",
				ToolCalls: []ToolCallRequest{{
					ID:       "c1",
					Function: FunctionCall{Name: "f", Arguments: "not json"},
				}},
			},
			FinishReason: "tool_calls",
		}},
		Usage: &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	})

	if out.Content != "Hello" || out.FinishReason != "tool_calls" {
		t.Errorf("response = %+v", out)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].ID != "c1" {
		t.Fatalf("ToolCalls = %+v", out.ToolCalls)
	}
	// Unparseable arguments are normalized to an empty object.
	if out.ToolCalls[0].Function.Arguments != "{}" {
		t.Errorf("Arguments = %q", out.ToolCalls[0].Function.Arguments)
	}
	if out.Usage == nil || out.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v", out.Usage)
	}

	empty := parseResponse(ChatResponse{})
	if empty.Content != "" || empty.ToolCalls != nil || empty.Usage != nil {
		t.Errorf("empty response = %+v", empty)
	}
}

func TestWithResponseFormat(t *testing.T) {
	var r ChatRequest
	WithResponseFormat("plan", json.RawMessage(`{"type":"object"}`))(&r)

	if r.ResponseFormat == nil || r.ResponseFormat.Type != "json_schema" {
		t.Fatalf("ResponseFormat = %+v", r.ResponseFormat)
	}
	js := r.ResponseFormat.JSONSchema
	if js == nil || js.Name != "plan" || !js.Strict {
		t.Errorf("JSONSchema = %+v", js)
	}
	if string(js.Schema) != `{"type":"object"}` {
		t.Errorf("Schema = %s", js.Schema)
	}
}
