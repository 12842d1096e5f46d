// Package openapi compiles OpenAPI documents into agent tools: a parser
// that extracts operations from a spec, and a connector that executes
// them as HTTP calls.
package openapi

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sort"
	"strings"

	caravan "github.com/nevindra/caravan"
)

var nopLogger = slog.New(slog.DiscardHandler)

// HTTP methods recognized on a path item, in emission order.
var httpMethods = []string{"get", "post", "put", "delete", "patch", "options", "head", "trace"}

// maxSchemaDepth bounds $ref chasing inside schemas.
const maxSchemaDepth = 64

// Parameter is one input of an operation.
type Parameter struct {
	Name        string
	In          string // path, query, header, or cookie
	Description string
	Required    bool
	Schema      map[string]any
}

// Operation is one callable endpoint extracted from a document.
type Operation struct {
	Method              string
	Path                string
	OperationID         string
	Summary             string
	Description         string
	Tags                []string
	Parameters          []Parameter
	RequestBodySchema   map[string]any
	RequestBodyRequired bool
}

// Info is the document's identity block.
type Info struct {
	Title       string
	Description string
	Version     string
}

// Document is a decoded OpenAPI document. Operations are emitted with
// paths in lexicographic order and methods in a fixed order, so repeated
// parses of the same bytes yield the same tool list.
type Document struct {
	raw    map[string]any
	logger *slog.Logger
}

// ParseOption configures Parse.
type ParseOption func(*Document)

// WithParserLogger sets the logger for skip warnings.
func WithParserLogger(l *slog.Logger) ParseOption {
	return func(d *Document) { d.logger = l }
}

// Parse decodes and validates an OpenAPI document. A document without an
// openapi version or a paths object is rejected.
func Parse(data []byte, opts ...ParseOption) (*Document, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &caravan.ConfigError{Msg: "openapi document: " + err.Error()}
	}
	if v, _ := raw["openapi"].(string); v == "" {
		return nil, &caravan.ConfigError{Msg: "openapi document: missing openapi version"}
	}
	if _, ok := raw["paths"].(map[string]any); !ok {
		return nil, &caravan.ConfigError{Msg: "openapi document: missing paths"}
	}
	d := &Document{raw: raw, logger: nopLogger}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// ParseDocument is the one-shot form: decode, validate, and extract the
// operations matching tagFilter (empty keeps all).
func ParseDocument(data []byte, tagFilter string, opts ...ParseOption) ([]Operation, error) {
	d, err := Parse(data, opts...)
	if err != nil {
		return nil, err
	}
	return d.Operations(tagFilter), nil
}

// ListTags returns the document's tags in first-seen operation order.
func ListTags(data []byte, opts ...ParseOption) ([]string, error) {
	d, err := Parse(data, opts...)
	if err != nil {
		return nil, err
	}
	return d.Tags(), nil
}

// Info returns the document's identity block.
func (d *Document) Info() Info {
	info, _ := d.raw["info"].(map[string]any)
	return Info{
		Title:       str(info["title"]),
		Description: str(info["description"]),
		Version:     str(info["version"]),
	}
}

// Servers returns the declared server URLs in document order.
func (d *Document) Servers() []string {
	raw, _ := d.raw["servers"].([]any)
	var out []string
	for _, entry := range raw {
		server, _ := entry.(map[string]any)
		if u := str(server["url"]); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// Operations extracts the document's operations. Operations without an
// operationId are skipped with a warning; when tagFilter is non-empty,
// operations not carrying it are skipped silently.
func (d *Document) Operations(tagFilter string) []Operation {
	paths, _ := d.raw["paths"].(map[string]any)
	var out []Operation
	for _, path := range sortedKeys(paths) {
		item, ok := d.deref(paths[path]).(map[string]any)
		if !ok {
			d.logger.Warn("openapi: unresolvable path item skipped", "path", path)
			continue
		}
		shared := d.parameters(item["parameters"])
		for _, method := range httpMethods {
			rawOp, present := item[method]
			if !present {
				continue
			}
			opNode, ok := d.deref(rawOp).(map[string]any)
			if !ok {
				d.logger.Warn("openapi: unresolvable operation skipped", "path", path, "method", method)
				continue
			}
			id := str(opNode["operationId"])
			if id == "" {
				d.logger.Warn("openapi: operation without operationId skipped", "path", path, "method", method)
				continue
			}
			tags := strSlice(opNode["tags"])
			if tagFilter != "" && !slices.Contains(tags, tagFilter) {
				continue
			}
			bodySchema, bodyRequired := d.requestBody(opNode["requestBody"])
			out = append(out, Operation{
				Method:              strings.ToUpper(method),
				Path:                path,
				OperationID:         id,
				Summary:             str(opNode["summary"]),
				Description:         str(opNode["description"]),
				Tags:                tags,
				Parameters:          mergeParameters(shared, d.parameters(opNode["parameters"])),
				RequestBodySchema:   bodySchema,
				RequestBodyRequired: bodyRequired,
			})
		}
	}
	return out
}

// Tags returns the tags of the document's operations in first-seen
// order, walking operations the same way Operations does.
func (d *Document) Tags() []string {
	var out []string
	seen := make(map[string]bool)
	for _, op := range d.Operations("") {
		for _, tag := range op.Tags {
			if !seen[tag] {
				seen[tag] = true
				out = append(out, tag)
			}
		}
	}
	return out
}

// resolve follows an internal JSON pointer. External references and
// missing targets yield nil.
func (d *Document) resolve(ref string) any {
	if !strings.HasPrefix(ref, "#/") {
		return nil
	}
	var node any = d.raw
	for _, token := range strings.Split(ref[2:], "/") {
		token = strings.ReplaceAll(token, "~1", "/")
		token = strings.ReplaceAll(token, "~0", "~")
		obj, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node, ok = obj[token]
		if !ok {
			return nil
		}
	}
	return node
}

// deref resolves a single $ref layer; non-ref nodes pass through.
func (d *Document) deref(node any) any {
	obj, ok := node.(map[string]any)
	if !ok {
		return node
	}
	ref, ok := obj["$ref"].(string)
	if !ok {
		return node
	}
	target := d.resolve(ref)
	if target == nil {
		d.logger.Warn("openapi: reference refused", "ref", ref)
	}
	return target
}

// resolveSchema deep-resolves $refs inside a schema so the result stands
// alone. Cycles break to an empty schema; external refs become null.
func (d *Document) resolveSchema(node any, seen map[string]bool, depth int) any {
	if depth > maxSchemaDepth {
		return nil
	}
	switch v := node.(type) {
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok {
			if seen[ref] {
				return map[string]any{}
			}
			target := d.resolve(ref)
			if target == nil {
				d.logger.Warn("openapi: schema reference refused", "ref", ref)
				return nil
			}
			seen[ref] = true
			out := d.resolveSchema(target, seen, depth+1)
			delete(seen, ref)
			return out
		}
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[key] = d.resolveSchema(val, seen, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = d.resolveSchema(val, seen, depth+1)
		}
		return out
	default:
		return v
	}
}

// parameters extracts a parameter list node.
func (d *Document) parameters(node any) []Parameter {
	raw, _ := node.([]any)
	var out []Parameter
	for _, entry := range raw {
		param, ok := d.deref(entry).(map[string]any)
		if !ok {
			d.logger.Warn("openapi: unresolvable parameter skipped")
			continue
		}
		name := str(param["name"])
		if name == "" {
			continue
		}
		schema, _ := d.resolveSchema(param["schema"], map[string]bool{}, 0).(map[string]any)
		required, _ := param["required"].(bool)
		out = append(out, Parameter{
			Name:        name,
			In:          str(param["in"]),
			Description: str(param["description"]),
			Required:    required,
			Schema:      schema,
		})
	}
	return out
}

// requestBody extracts the application/json schema of a request body.
// Other media types yield no schema.
func (d *Document) requestBody(node any) (map[string]any, bool) {
	if node == nil {
		return nil, false
	}
	body, ok := d.deref(node).(map[string]any)
	if !ok {
		return nil, false
	}
	required, _ := body["required"].(bool)
	content, _ := body["content"].(map[string]any)
	media, _ := content["application/json"].(map[string]any)
	if media == nil {
		return nil, false
	}
	schema, _ := d.resolveSchema(media["schema"], map[string]bool{}, 0).(map[string]any)
	if schema == nil {
		return nil, false
	}
	return schema, required
}

// mergeParameters overlays operation-level parameters onto the path
// item's shared ones. An operation parameter replaces a shared one with
// the same name and location; new parameters append in order.
func mergeParameters(shared, own []Parameter) []Parameter {
	if len(shared) == 0 {
		return own
	}
	out := make([]Parameter, len(shared), len(shared)+len(own))
	copy(out, shared)
	for _, p := range own {
		replaced := false
		for i, existing := range out {
			if existing.Name == p.Name && existing.In == p.In {
				out[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, p)
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strSlice(v any) []string {
	raw, _ := v.([]any)
	var out []string
	for _, entry := range raw {
		if s, ok := entry.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// SanitizeToolName maps an operationId to a valid tool name: runes
// outside [A-Za-z0-9_-] become underscores and the result is capped at
// 64 characters.
func SanitizeToolName(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if len(name) > 64 {
		name = name[:64]
	}
	if name == "" {
		name = "operation"
	}
	return name
}
