package caravan

import (
	"context"
	"encoding/json"
)

// Usage reports token consumption for one LLM call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Finish reasons reported by LLM backends.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
	FinishToolCalls     = "tool_calls"
)

// ToolCallDelta is one streamed fragment of a tool call. Fragments for
// the same call share an Index; id and name usually arrive on the first
// fragment while Arguments accumulates across many.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Type      string `json:"type,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// LLMChunk is one partial payload of a streaming LLM response. A chunk
// may carry any combination of text, tool-call fragments, a finish
// reason, and usage. Err, when set, reports a transport failure; it is
// always the last chunk before the stream closes.
type LLMChunk struct {
	Role         string          `json:"role,omitempty"`
	Content      string          `json:"content,omitempty"`
	ToolCalls    []ToolCallDelta `json:"tool_calls,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`
	Err          error           `json:"-"`
}

// GenerateRequest is the provider-neutral input for one LLM call. The
// message slice already includes the system prompt; clients map it to
// their wire format.
type GenerateRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	ToolChoice  ToolChoice
	Temperature *float64
	MaxTokens   int
}

// LLMResponse is a complete, non-streamed LLM reply.
type LLMResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *Usage
}

// LLMClient is the chat completion backend consumed by the runtime.
// Implementations map provider failures to *LLMError.
type LLMClient interface {
	// Generate performs a blocking call and returns the full reply.
	Generate(ctx context.Context, req GenerateRequest) (*LLMResponse, error)

	// GenerateStream starts a streaming call. The returned channel closes
	// when the stream ends; a transport failure is delivered in-band as a
	// final chunk with Err set.
	GenerateStream(ctx context.Context, req GenerateRequest) (<-chan LLMChunk, error)

	// CountTokens estimates the token footprint of messages under model.
	// The estimate may be approximate; callers treat it as advisory.
	CountTokens(ctx context.Context, messages []Message, model string) (int, error)

	// FormatTools renders tool definitions in the provider's wire format.
	// Tool names must match [A-Za-z0-9_-]{1,64}.
	FormatTools(tools []ToolDefinition) (json.RawMessage, error)
}

// EstimateTokens approximates the token count of a text: one token per
// four bytes plus a small per-text overhead. Context budgeting tolerates
// the estimation error; see ContextManagerConfig.SummaryTriggerRatio.
func EstimateTokens(text string) int {
	return len(text)/4 + 4
}

// EstimateMessageTokens approximates the token footprint of messages the
// way EstimateTokens does for text, counting content, tool-call
// arguments, and linking ids.
func EstimateMessageTokens(messages []Message) int {
	var total int
	for _, m := range messages {
		total += EstimateTokens(m.Content.String())
		for _, tc := range m.Attributes.ToolCalls {
			total += EstimateTokens(tc.Function.Name)
			total += EstimateTokens(tc.Function.Arguments)
		}
		if m.Attributes.ToolCallID != "" {
			total += EstimateTokens(m.Attributes.ToolCallID)
		}
	}
	return total
}
