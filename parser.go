package caravan

import (
	"log/slog"
	"sort"
	"strings"
)

// ParseEventKind discriminates ParseEvent payloads.
type ParseEventKind int

const (
	// ParseText carries a fragment of assistant text.
	ParseText ParseEventKind = iota
	// ParseToolCallDelta carries the tool-call fields present in one chunk.
	ParseToolCallDelta
	// ParseToolCallFinalized marks one assembled tool call as complete.
	ParseToolCallFinalized
	// ParseCompleted ends the message with a finish reason.
	ParseCompleted
)

func (k ParseEventKind) String() string {
	switch k {
	case ParseText:
		return "text"
	case ParseToolCallDelta:
		return "tool_call_delta"
	case ParseToolCallFinalized:
		return "tool_call_finalized"
	case ParseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// ParseEvent is one typed event demultiplexed from the LLM stream.
type ParseEvent struct {
	Kind         ParseEventKind
	Text         string        // ParseText
	Delta        ToolCallDelta // ParseToolCallDelta: only fields seen in this chunk
	Index        int           // ParseToolCallFinalized
	Call         ToolCall      // ParseToolCallFinalized: the full record
	FinishReason string        // ParseCompleted
	Usage        *Usage        // ParseCompleted, when the provider reported it
}

// partialToolCall accumulates one tool call across chunks. Fields may be
// split arbitrarily: the id on one chunk, the name on another, and the
// arguments string spread over many.
type partialToolCall struct {
	id   string
	name string
	typ  string
	args strings.Builder
}

// ResponseParser incrementally demultiplexes a streaming LLM response
// into typed events. Tool calls are keyed by their chunk index; indexes
// may arrive out of order. Calls are finalized only when the stream
// finishes with reason tool_calls; a plain stop leaves partial calls
// unfinalized and they are discarded with the parser.
//
// The parser is deterministic: feeding the same chunk sequence twice
// yields the same event sequence.
type ResponseParser struct {
	native    bool
	calls     map[int]*partialToolCall
	xml       *xmlScanner
	lastUsage *Usage
	logger    *slog.Logger
}

// ParserOption configures a ResponseParser.
type ParserOption func(*ResponseParser)

// WithParserLogger sets the logger for skipped-chunk warnings.
func WithParserLogger(l *slog.Logger) ParserOption {
	return func(p *ResponseParser) { p.logger = l }
}

// NewResponseParser builds a parser for one assistant message.
func NewResponseParser(cfg ResponseProcessorConfig, opts ...ParserOption) *ResponseParser {
	p := &ResponseParser{
		native: cfg.NativeToolCalling(),
		calls:  make(map[int]*partialToolCall),
		logger: nopLogger,
	}
	if cfg.EnableXMLToolCalling {
		p.xml = newXMLScanner(cfg.MaxXMLToolCalls)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Feed consumes one chunk and returns the events it produced, possibly
// none. Transport errors (chunk.Err) are the caller's concern and are
// not interpreted here.
func (p *ResponseParser) Feed(chunk LLMChunk) []ParseEvent {
	var events []ParseEvent

	if chunk.Usage != nil {
		p.lastUsage = chunk.Usage
	}

	if chunk.Content != "" {
		if p.xml != nil {
			events = append(events, p.xml.feed(chunk.Content)...)
		} else {
			events = append(events, ParseEvent{Kind: ParseText, Text: chunk.Content})
		}
	}

	if p.native {
		for _, delta := range chunk.ToolCalls {
			if delta.Index < 0 {
				p.logger.Warn("skipping tool call delta with negative index", "index", delta.Index)
				continue
			}
			call, ok := p.calls[delta.Index]
			if !ok {
				call = &partialToolCall{}
				p.calls[delta.Index] = call
			}
			if delta.ID != "" {
				call.id = delta.ID
			}
			if delta.Type != "" {
				call.typ = delta.Type
			}
			if delta.Name != "" {
				call.name = delta.Name
			}
			if delta.Arguments != "" {
				call.args.WriteString(delta.Arguments)
			}
			events = append(events, ParseEvent{Kind: ParseToolCallDelta, Delta: delta})
		}
	}

	// Providers may send an empty delta together with the finish reason;
	// the reason alone ends the message.
	if chunk.FinishReason != "" {
		if p.xml != nil {
			events = append(events, p.xml.finish()...)
		}
		if chunk.FinishReason == FinishToolCalls {
			events = append(events, p.finalizeAll()...)
		}
		usage := chunk.Usage
		if usage == nil {
			usage = p.lastUsage
		}
		events = append(events, ParseEvent{
			Kind:         ParseCompleted,
			FinishReason: chunk.FinishReason,
			Usage:        usage,
		})
	}

	return events
}

// Usage returns the last usage payload seen on the stream, if any.
// Providers that report usage on a trailing chunk deliver it after the
// finish reason; callers read it here once the stream has drained.
func (p *ResponseParser) Usage() *Usage { return p.lastUsage }

// finalizeAll emits one finalization per accumulated call, in ascending
// index order, and resets the accumulator.
func (p *ResponseParser) finalizeAll() []ParseEvent {
	if len(p.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(p.calls))
	for idx := range p.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	events := make([]ParseEvent, 0, len(indexes))
	for _, idx := range indexes {
		call := p.calls[idx]
		typ := call.typ
		if typ == "" {
			typ = "function"
		}
		events = append(events, ParseEvent{
			Kind:  ParseToolCallFinalized,
			Index: idx,
			Call: ToolCall{
				ID:   call.id,
				Type: typ,
				Function: FunctionCall{
					Name:      call.name,
					Arguments: call.args.String(),
				},
			},
		})
	}
	p.calls = make(map[int]*partialToolCall)
	return events
}
