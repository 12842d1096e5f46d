package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	caravan "github.com/nevindra/caravan"
)

// readStream scans SSE lines from body and forwards each payload as a
// neutral chunk until the [DONE] sentinel or EOF.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, ch chan<- caravan.LLMChunk) {
	defer close(ch)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			return
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream chunk", "provider", c.name, "error", err)
			continue
		}

		out, ok := convertChunk(chunk)
		if !ok {
			continue
		}
		select {
		case ch <- out:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case ch <- caravan.LLMChunk{Err: transportErr(err)}:
		case <-ctx.Done():
		}
	}
}

// convertChunk maps one wire chunk to the neutral form. Chunks carrying
// neither content, tool fragments, a finish reason, nor usage are
// dropped (keep-alives, empty role-only frames from some providers).
func convertChunk(chunk ChatResponse) (caravan.LLMChunk, bool) {
	var out caravan.LLMChunk

	// Usage-only chunks arrive last when stream_options requests them.
	if chunk.Usage != nil {
		out.Usage = &caravan.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}

	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		out.FinishReason = choice.FinishReason
		if choice.Delta != nil {
			out.Role = choice.Delta.Role
			out.Content = choice.Delta.Content
			for _, tc := range choice.Delta.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, caravan.ToolCallDelta{
					Index:     tc.Index,
					ID:        tc.ID,
					Type:      tc.Type,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}
	}

	empty := out.Content == "" && len(out.ToolCalls) == 0 &&
		out.FinishReason == "" && out.Usage == nil
	return out, !empty
}
