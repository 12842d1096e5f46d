package caravan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// DefaultSystemPrompt is used when a run does not set one.
const DefaultSystemPrompt = "You are a helpful assistant."

// summarizePrompt instructs the model during history compaction.
const summarizePrompt = "Summarize the conversation below into a concise paragraph. " +
	"Preserve facts, decisions, names, numbers, and unresolved questions. " +
	"Reply with the summary only."

// ContextManager assembles the LLM input for each turn of a run: system
// prompt, stored summary, history, and the turn's new inputs, kept under
// the configured token ceiling by summarizing and then dropping the
// oldest messages. Assistant tool_calls messages and their tool results
// are preserved or discarded together, never split.
type ContextManager struct {
	client  LLMClient
	threads ThreadStore
	model   string
	system  string
	cfg     ContextManagerConfig
	enabled bool
	logger  *slog.Logger
}

// ContextOption configures a ContextManager.
type ContextOption func(*ContextManager)

// WithContextLogger sets the manager's logger.
func WithContextLogger(l *slog.Logger) ContextOption {
	return func(m *ContextManager) { m.logger = l }
}

// NewContextManager builds a manager for one run from its config.
func NewContextManager(client LLMClient, threads ThreadStore, cfg RunConfig, opts ...ContextOption) *ContextManager {
	system := cfg.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	m := &ContextManager{
		client:  client,
		threads: threads,
		model:   cfg.Model,
		system:  system,
		cfg:     cfg.ContextManager,
		enabled: cfg.ContextManagementEnabled(),
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Assemble builds the message sequence for the next LLM call. history is
// the thread's stored messages in insertion order; inputs are this
// turn's new messages, which are always kept. The returned sequence fits
// MaxInputTokens or the call fails with *ContextOverflowError.
func (m *ContextManager) Assemble(ctx context.Context, thread *Thread, history, inputs []Message) ([]Message, error) {
	msgs := m.compose(thread.Summary, history, inputs)
	if !m.enabled {
		return msgs, nil
	}

	tokens := m.countTokens(ctx, msgs)
	trigger := int(float64(m.cfg.MaxInputTokens) * m.cfg.SummaryTriggerRatio)
	if tokens < trigger {
		return msgs, nil
	}
	m.logger.Info("context budget reached",
		"tokens", tokens, "trigger", trigger, "max", m.cfg.MaxInputTokens)

	// Work over history+inputs with a preservation mask: the turn's
	// inputs and the trailing window always survive, then tool-call
	// pairs are closed over.
	body := make([]Message, 0, len(history)+len(inputs))
	body = append(body, history...)
	body = append(body, inputs...)
	preserved := make([]bool, len(body))
	for i := len(history); i < len(body); i++ {
		preserved[i] = true
	}
	for i := max(0, len(history)-m.cfg.PreserveLastN); i < len(history); i++ {
		preserved[i] = true
	}
	expandPairs(body, preserved)

	summary := thread.Summary
	if text, ok := m.summarize(ctx, summary, collect(body, preserved, false)); ok {
		summary = text
		update := ThreadUpdate{Summary: &summary}
		if err := m.threads.UpdateThread(ctx, thread.ID, update); err != nil {
			return nil, &StorageError{Op: "update thread summary", Err: err}
		}
		thread.Summary = summary
		// Summarized messages leave the assembled input.
		body = collect(body, preserved, true)
		preserved = make([]bool, len(body))
		for i := range preserved {
			preserved[i] = true
		}
	}

	msgs = m.composeBody(summary, body)
	tokens = m.countTokens(ctx, msgs)

	// Still over the ceiling: drop the oldest droppable messages until
	// the estimate reaches the post-truncation target.
	if tokens > m.cfg.MaxInputTokens {
		body = m.dropOldest(summary, body, preserved)
		msgs = m.composeBody(summary, body)
		tokens = m.countTokens(ctx, msgs)
	}

	if tokens > m.cfg.MaxInputTokens {
		return nil, &ContextOverflowError{Tokens: tokens, Limit: m.cfg.MaxInputTokens}
	}
	return msgs, nil
}

// compose builds system prompt + summary note + body.
func (m *ContextManager) compose(summary string, history, inputs []Message) []Message {
	msgs := make([]Message, 0, len(history)+len(inputs)+2)
	msgs = append(msgs, SystemMessage(m.system))
	if summary != "" {
		msgs = append(msgs, SystemMessage(summaryNote(summary)))
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, inputs...)
	return msgs
}

func (m *ContextManager) composeBody(summary string, body []Message) []Message {
	return m.compose(summary, body, nil)
}

// summarize asks the model to compact msgs, folding in the previous
// summary so nothing already compacted is lost. A summarization failure
// is not fatal: the caller falls back to dropping messages.
func (m *ContextManager) summarize(ctx context.Context, prior string, msgs []Message) (string, bool) {
	if len(msgs) == 0 {
		return "", false
	}
	var b strings.Builder
	if prior != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(prior)
		b.WriteString("\n\nConversation:\n")
	}
	b.WriteString(renderTranscript(msgs))

	resp, err := m.client.Generate(ctx, GenerateRequest{
		Model: m.model,
		Messages: []Message{
			SystemMessage(summarizePrompt),
			{Role: RoleUser, Content: TextContent(b.String())},
		},
	})
	if err != nil {
		m.logger.Warn("summarization failed, falling back to truncation", "error", err)
		return "", false
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		m.logger.Warn("summarization returned empty text, falling back to truncation")
		return "", false
	}
	m.logger.Info("history summarized", "messages", len(msgs), "summary_len", len(text))
	return text, true
}

// dropOldest removes droppable messages oldest-first until the estimated
// size reaches TargetAfterTruncation. An assistant message with tool
// calls takes its tool results with it.
func (m *ContextManager) dropOldest(summary string, body []Message, preserved []bool) []Message {
	estimate := func(msgs []Message) int {
		return EstimateMessageTokens(m.composeBody(summary, msgs))
	}
	dropped := make([]bool, len(body))
	for i := range body {
		if estimate(collect(body, dropped, false)) <= m.cfg.TargetAfterTruncation {
			break
		}
		if preserved[i] || dropped[i] {
			continue
		}
		dropped[i] = true
		if body[i].Role == RoleAssistant && len(body[i].Attributes.ToolCalls) > 0 {
			ids := callIDSet(body[i])
			for j := i + 1; j < len(body); j++ {
				if body[j].Role == RoleTool && ids[body[j].Attributes.ToolCallID] {
					dropped[j] = true
				}
			}
		}
	}
	kept := collect(body, dropped, false)
	if n := len(body) - len(kept); n > 0 {
		m.logger.Info("dropped oldest messages", "count", n)
	}
	return kept
}

// countTokens asks the client, falling back to the local estimate when
// the client cannot answer.
func (m *ContextManager) countTokens(ctx context.Context, msgs []Message) int {
	n, err := m.client.CountTokens(ctx, msgs, m.model)
	if err != nil {
		m.logger.Warn("token count failed, using estimate", "error", err)
		return EstimateMessageTokens(msgs)
	}
	return n
}

// expandPairs grows the preservation mask until tool-call pairs are
// closed: a preserved assistant message keeps its tool results, and a
// preserved tool result keeps the assistant message that called it
// (which in turn keeps the sibling results).
func expandPairs(body []Message, preserved []bool) {
	for changed := true; changed; {
		changed = false
		for i, msg := range body {
			if !preserved[i] {
				continue
			}
			switch {
			case msg.Role == RoleAssistant && len(msg.Attributes.ToolCalls) > 0:
				ids := callIDSet(msg)
				for j := i + 1; j < len(body); j++ {
					if !preserved[j] && body[j].Role == RoleTool && ids[body[j].Attributes.ToolCallID] {
						preserved[j] = true
						changed = true
					}
				}
			case msg.Role == RoleTool && msg.Attributes.ToolCallID != "":
				for j := i - 1; j >= 0; j-- {
					if body[j].Role != RoleAssistant {
						continue
					}
					if callIDSet(body[j])[msg.Attributes.ToolCallID] {
						if !preserved[j] {
							preserved[j] = true
							changed = true
						}
						break
					}
				}
			}
		}
	}
}

func callIDSet(msg Message) map[string]bool {
	ids := make(map[string]bool, len(msg.Attributes.ToolCalls))
	for _, tc := range msg.Attributes.ToolCalls {
		ids[tc.ID] = true
	}
	return ids
}

// collect returns the messages whose mask value equals want.
func collect(body []Message, mask []bool, want bool) []Message {
	var out []Message
	for i, msg := range body {
		if mask[i] == want {
			out = append(out, msg)
		}
	}
	return out
}

// renderTranscript flattens messages into role-prefixed lines for the
// summarization prompt.
func renderTranscript(msgs []Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		text := msg.Content.String()
		if text == "" && len(msg.Attributes.ToolCalls) > 0 {
			names := make([]string, len(msg.Attributes.ToolCalls))
			for i, tc := range msg.Attributes.ToolCalls {
				names[i] = tc.Function.Name
			}
			text = fmt.Sprintf("[called tools: %s]", strings.Join(names, ", "))
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String()
}

func summaryNote(summary string) string {
	return "Summary of the conversation so far:\n" + summary
}
