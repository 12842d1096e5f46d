package caravan

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"
)

// Index base for tool calls synthesized from XML regions, kept clear of
// provider-native indexes so the two can coexist on one message.
const xmlIndexBase = 1000

var (
	xmlToolOpenRE = regexp.MustCompile(`^<tool\s+name="([A-Za-z0-9_-]{1,64})"\s*>`)
	xmlArgRE      = regexp.MustCompile(`(?s)<arg\s+name="([^"]*)"\s*>(.*?)</arg>`)
)

// xmlScanner extracts <tool name="..."><arg name="...">...</arg></tool>
// regions from streamed text and synthesizes tool calls from them. Only
// complete regions are converted; a half-open tag is held back until
// more text arrives and re-emitted as plain text if the stream ends
// first. Text outside the extracted regions passes through untouched.
type xmlScanner struct {
	pending  string
	maxCalls int // 0 = unlimited
	count    int
}

func newXMLScanner(maxCalls int) *xmlScanner {
	return &xmlScanner{maxCalls: maxCalls}
}

// feed appends text and returns the events that can be decided so far.
func (x *xmlScanner) feed(text string) []ParseEvent {
	x.pending += text
	var events []ParseEvent

	for {
		if x.capped() {
			// Budget used up: everything left is plain text.
			events = x.emitText(events, x.pending)
			x.pending = ""
			return events
		}

		start := strings.Index(x.pending, "<tool")
		if start == -1 {
			hold := tagPrefixLen(x.pending)
			events = x.emitText(events, x.pending[:len(x.pending)-hold])
			x.pending = x.pending[len(x.pending)-hold:]
			return events
		}

		// Text before the candidate is safe to release.
		events = x.emitText(events, x.pending[:start])
		x.pending = x.pending[start:]

		// Disqualify the candidate as soon as the character after
		// "<tool" proves it is something else (e.g. "<toolbox>").
		if len(x.pending) > len("<tool") {
			next := x.pending[len("<tool")]
			if next != ' ' && next != '\t' && next != '\n' && next != '\r' {
				events = x.emitText(events, "<")
				x.pending = x.pending[1:]
				continue
			}
		}

		end := strings.Index(x.pending, "</tool>")
		if end == -1 {
			// Open region: wait for more text.
			return events
		}

		region := x.pending[:end+len("</tool>")]
		call, ok := x.synthesize(region)
		if !ok {
			// Malformed region: release one character and rescan so the
			// raw text survives verbatim.
			events = x.emitText(events, "<")
			x.pending = x.pending[1:]
			continue
		}

		index := xmlIndexBase + x.count
		x.count++
		events = append(events,
			ParseEvent{
				Kind: ParseToolCallDelta,
				Delta: ToolCallDelta{
					Index:     index,
					ID:        call.ID,
					Type:      call.Type,
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				},
			},
			ParseEvent{Kind: ParseToolCallFinalized, Index: index, Call: call},
		)
		x.pending = x.pending[end+len("</tool>"):]
	}
}

// finish releases whatever is still held back. A half-open tag at end of
// stream is plain text.
func (x *xmlScanner) finish() []ParseEvent {
	events := x.emitText(nil, x.pending)
	x.pending = ""
	return events
}

func (x *xmlScanner) capped() bool {
	return x.maxCalls > 0 && x.count >= x.maxCalls
}

func (x *xmlScanner) emitText(events []ParseEvent, text string) []ParseEvent {
	if text == "" {
		return events
	}
	return append(events, ParseEvent{Kind: ParseText, Text: text})
}

// synthesize converts one complete <tool>...</tool> region into a tool
// call. Call ids are deterministic so replaying a stream reproduces the
// same events.
func (x *xmlScanner) synthesize(region string) (ToolCall, bool) {
	open := xmlToolOpenRE.FindStringSubmatch(region)
	if open == nil {
		return ToolCall{}, false
	}
	name := open[1]
	inner := region[len(open[0]) : len(region)-len("</tool>")]

	args := make(map[string]any)
	for _, m := range xmlArgRE.FindAllStringSubmatch(inner, -1) {
		args[m[1]] = decodeArgValue(html.UnescapeString(m[2]))
	}
	argJSON, err := json.Marshal(args)
	if err != nil {
		return ToolCall{}, false
	}

	return ToolCall{
		ID:   fmt.Sprintf("xmlcall_%d", x.count+1),
		Type: "function",
		Function: FunctionCall{
			Name:      name,
			Arguments: string(argJSON),
		},
	}, true
}

// tagPrefixLen returns the length of the longest suffix of s that could
// still grow into a "<tool" opening tag once more text arrives.
func tagPrefixLen(s string) int {
	const tag = "<tool"
	longest := min(len(s), len(tag)-1)
	for n := longest; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}

// decodeArgValue keeps numbers, booleans, and nested JSON written inside
// arg elements typed; everything else stays a string.
func decodeArgValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	switch trimmed[0] {
	case '{', '[', 't', 'f', 'n', '-', '+',
		'0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return raw
}
