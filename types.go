package caravan

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Thread is a persistent conversation. A thread owns its messages:
// deleting the thread cascades to them.
type Thread struct {
	ID         string         `json:"id"`
	OwnerID    string         `json:"owner_id,omitempty"`
	Title      string         `json:"title,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// PartType identifies the kind of a content part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is one element of multi-part message content.
type Part struct {
	Type   PartType `json:"type"`
	Text   string   `json:"text,omitempty"`
	Image  string   `json:"image,omitempty"`  // URL or data reference
	Detail string   `json:"detail,omitempty"` // image detail hint: low, high, auto
}

// Content is a message body: plain text, an ordered list of parts, or
// empty for an assistant message that only carries tool calls. It
// marshals to a JSON string, a JSON array, or null respectively.
type Content struct {
	Text  string
	Parts []Part
}

// TextContent wraps a plain string as message content.
func TextContent(s string) Content { return Content{Text: s} }

// String flattens the content to text. Parts of type image contribute
// nothing; text parts are concatenated in order.
func (c Content) String() string {
	if len(c.Parts) == 0 {
		return c.Text
	}
	var b strings.Builder
	b.WriteString(c.Text)
	for _, p := range c.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Empty reports whether the content carries neither text nor parts.
func (c Content) Empty() bool { return c.Text == "" && len(c.Parts) == 0 }

func (c Content) MarshalJSON() ([]byte, error) {
	if len(c.Parts) > 0 {
		return json.Marshal(c.Parts)
	}
	if c.Text != "" {
		return json.Marshal(c.Text)
	}
	return []byte("null"), nil
}

func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null" || trimmed == "":
		*c = Content{}
		return nil
	case strings.HasPrefix(trimmed, "\""):
		*c = Content{}
		return json.Unmarshal(data, &c.Text)
	case strings.HasPrefix(trimmed, "["):
		*c = Content{}
		return json.Unmarshal(data, &c.Parts)
	default:
		return fmt.Errorf("content: expected string, array, or null, got %.20q", trimmed)
	}
}

// MessageAttributes carries the structured extras of a message: tool
// calls on assistant messages, the tool_call_id linking a tool result
// back to its call, and the run/step that produced the message.
type MessageAttributes struct {
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	RunID      string     `json:"run_id,omitempty"`
	StepID     string     `json:"step_id,omitempty"`
}

// Message is one entry in a thread. Messages are append-only; only an
// assistant message's content and attributes may be updated, and only
// while its streaming assembly is in flight.
//
// Invariants: a role=tool message carries ToolCallID and string content;
// an assistant message with non-empty ToolCalls may have empty content.
type Message struct {
	ID         string            `json:"id"`
	ThreadID   string            `json:"thread_id"`
	Role       Role              `json:"role"`
	Content    Content           `json:"content"`
	Attributes MessageAttributes `json:"attributes,omitzero"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// NewUserMessage builds a persistable user message on a thread.
func NewUserMessage(threadID, text string) *Message {
	now := NowUnix()
	return &Message{
		ID:        NewID(),
		ThreadID:  threadID,
		Role:      RoleUser,
		Content:   TextContent(text),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewToolMessage builds a persistable tool-result message. Every tool
// message must reference the tool call it answers.
func NewToolMessage(threadID, toolCallID, name, content string) *Message {
	now := NowUnix()
	return &Message{
		ID:       NewID(),
		ThreadID: threadID,
		Role:     RoleTool,
		Content:  TextContent(content),
		Attributes: MessageAttributes{
			ToolCallID: toolCallID,
			Name:       name,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SystemMessage builds a transient system message for LLM input. It has
// no id and is never persisted.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: TextContent(text)}
}

// ToolCall is a model-emitted request to invoke a tool. Arguments is the
// raw JSON document the model produced; it is not assumed well-formed
// until the executor parses it.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its argument document.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

var toolNameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidToolName reports whether name satisfies the tool-name constraint:
// 1-64 characters from [A-Za-z0-9_-].
func ValidToolName(name string) bool { return toolNameRE.MatchString(name) }

// ToolParameter describes one input of a tool. When Schema is set it is
// used verbatim as the parameter's JSON-Schema fragment; otherwise a
// fragment is derived from Type and Description.
type ToolParameter struct {
	Name        string          `json:"name"`
	Type        string          `json:"type,omitempty"` // JSON-Schema primitive, defaults to string
	Description string          `json:"description,omitempty"`
	Required    bool            `json:"required,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  []ToolParameter `json:"parameters,omitempty"`
}

// Schema derives the JSON-Schema object for the definition's parameters:
// one property per parameter and a required list sorted by name.
func (d ToolDefinition) Schema() json.RawMessage {
	properties := make(map[string]json.RawMessage, len(d.Parameters))
	var required []string
	for _, p := range d.Parameters {
		properties[p.Name] = p.fragment()
		if p.Required {
			required = append(required, p.Name)
		}
	}
	sort.Strings(required)

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	out, err := json.Marshal(schema)
	if err != nil {
		// Only reachable if a verbatim fragment is invalid JSON.
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return out
}

// fragment returns the parameter's JSON-Schema fragment, deriving one
// from Type and Description when no verbatim schema is present.
func (p ToolParameter) fragment() json.RawMessage {
	if len(p.Schema) > 0 {
		return p.Schema
	}
	typ := p.Type
	if typ == "" {
		typ = "string"
	}
	frag := map[string]any{"type": typ}
	if p.Description != "" {
		frag["description"] = p.Description
	}
	out, _ := json.Marshal(frag)
	return out
}

// ToolResult is the normalized outcome of one tool execution. On failure
// Data may still carry a partial output.
type ToolResult struct {
	Success    bool           `json:"success"`
	Data       any            `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Toolset is a named group of tools addressable by id. Tool definition
// names within a toolset are unique.
type Toolset struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Tools       []Tool         `json:"-"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// Definitions returns the definitions of every tool in the set, in
// registration order.
func (t Toolset) Definitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, tool := range t.Tools {
		defs = append(defs, tool.Definitions()...)
	}
	return defs
}

// AuthKind identifies an authentication scheme for HTTP tool sources.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthAPIKey AuthKind = "api_key"
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	AuthOAuth2 AuthKind = "oauth2" // carried as a bearer token on the wire
)

// AuthSpec is a concrete credential for an HTTP tool source. A run may
// override a source's static credential via RunConfig.RequestAuthOverrides
// keyed by source id.
type AuthSpec struct {
	Kind  AuthKind `json:"kind"`
	Name  string   `json:"name,omitempty"`  // api_key: parameter name
	In    string   `json:"in,omitempty"`    // api_key: header, query, or cookie
	Value string   `json:"value,omitempty"` // api_key value or bearer/oauth2 token
	User  string   `json:"user,omitempty"`  // basic auth
	Pass  string   `json:"pass,omitempty"`  // basic auth
}

type authOverridesKey struct{}

// WithAuthOverrides returns a context carrying per-request credential
// overrides keyed by tool source id. The engine sets this before tool
// execution; HTTP-backed providers prefer an override over their static
// credential.
func WithAuthOverrides(ctx context.Context, overrides map[string]AuthSpec) context.Context {
	if len(overrides) == 0 {
		return ctx
	}
	return context.WithValue(ctx, authOverridesKey{}, overrides)
}

// AuthOverridesFrom extracts credential overrides from ctx, or nil.
func AuthOverridesFrom(ctx context.Context) map[string]AuthSpec {
	overrides, _ := ctx.Value(authOverridesKey{}).(map[string]AuthSpec)
	return overrides
}
