package openaicompat

import (
	"encoding/json"
	"fmt"

	caravan "github.com/nevindra/caravan"
)

// buildBody converts a provider-neutral request into the OpenAI wire
// format. Client-level options apply first; per-call fields override.
func (c *Client) buildBody(req caravan.GenerateRequest) (ChatRequest, error) {
	out := ChatRequest{Model: req.Model}
	for _, opt := range c.opts {
		opt(&out)
	}

	out.Messages = buildMessages(req.Messages)

	if len(req.Tools) > 0 {
		tools, err := buildTools(req.Tools)
		if err != nil {
			return ChatRequest{}, err
		}
		out.Tools = tools
		out.ToolChoice = buildToolChoice(req.ToolChoice)
	}
	if req.Temperature != nil {
		out.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	return out, nil
}

// buildMessages maps thread messages onto OpenAI chat roles. Assistant
// tool calls and tool results keep their linking ids.
func buildMessages(messages []caravan.Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		switch {
		case m.Role == caravan.RoleSystem:
			out = append(out, Message{Role: "system", Content: m.Content.String()})

		case m.Role == caravan.RoleAssistant && len(m.Attributes.ToolCalls) > 0:
			tcs := make([]ToolCallRequest, 0, len(m.Attributes.ToolCalls))
			for _, tc := range m.Attributes.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			msg := Message{Role: "assistant", ToolCalls: tcs}
			if text := m.Content.String(); text != "" {
				msg.Content = text
			}
			out = append(out, msg)

		case m.Role == caravan.RoleTool:
			out = append(out, Message{
				Role:       "tool",
				Content:    m.Content.String(),
				ToolCallID: m.Attributes.ToolCallID,
			})

		default:
			if len(m.Content.Parts) > 0 {
				out = append(out, Message{Role: string(m.Role), Content: buildParts(m.Content)})
			} else {
				out = append(out, Message{Role: string(m.Role), Content: m.Content.Text})
			}
		}
	}
	return out
}

func buildParts(content caravan.Content) []ContentPart {
	var blocks []ContentPart
	if content.Text != "" {
		blocks = append(blocks, ContentPart{Type: "text", Text: content.Text})
	}
	for _, p := range content.Parts {
		switch p.Type {
		case caravan.PartText:
			blocks = append(blocks, ContentPart{Type: "text", Text: p.Text})
		case caravan.PartImage:
			blocks = append(blocks, ContentPart{
				Type:     "image_url",
				ImageURL: &ImageURL{URL: p.Image, Detail: p.Detail},
			})
		}
	}
	return blocks
}

// buildTools converts tool definitions to the OpenAI function format.
// Names outside [A-Za-z0-9_-]{1,64} are rejected.
func buildTools(tools []caravan.ToolDefinition) ([]Tool, error) {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if !caravan.ValidToolName(t.Name) {
			return nil, &caravan.LLMError{
				Kind:    caravan.LLMErrInvalidRequest,
				Message: fmt.Sprintf("invalid tool name %q", t.Name),
			}
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema(),
			},
		})
	}
	return out, nil
}

func buildToolChoice(choice caravan.ToolChoice) any {
	if choice.Name != "" {
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": choice.Name},
		}
	}
	switch choice.Mode {
	case caravan.ToolChoiceNone:
		return "none"
	case caravan.ToolChoiceRequired:
		return "required"
	default:
		return "auto"
	}
}

// parseResponse maps a complete chat response to the neutral form.
func parseResponse(resp ChatResponse) *caravan.LLMResponse {
	out := &caravan.LLMResponse{}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.FinishReason = choice.FinishReason
		if choice.Message != nil {
			out.Content = choice.Message.Content
			out.ToolCalls = parseToolCalls(choice.Message.ToolCalls)
		}
	}
	if resp.Usage != nil {
		out.Usage = &caravan.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out
}

// parseToolCalls converts wire tool calls. Arguments that are not valid
// JSON are replaced with an empty object so downstream parsing has a
// well-formed document to reject or accept on its own terms.
func parseToolCalls(tcs []ToolCallRequest) []caravan.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]caravan.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := tc.Function.Arguments
		if !json.Valid([]byte(args)) {
			args = "{}"
		}
		out = append(out, caravan.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: caravan.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: args,
			},
		})
	}
	return out
}
