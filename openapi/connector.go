package openapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	caravan "github.com/nevindra/caravan"
)

// GenericToolName is the catch-all HTTP tool a connector exposes when
// IncludeGeneric is set and no tag filter narrows the surface.
const GenericToolName = "genericHttpRequest"

const (
	defaultRequestTimeout = 30 * time.Second

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 8 << 20

	// errorBodyLimit bounds how much body text is echoed into the
	// failure reason handed back to the model.
	errorBodyLimit = 512
)

// Config describes one API source a Connector exposes as tools.
type Config struct {
	// SourceID identifies the source for logging and for matching
	// per-request credential overrides.
	SourceID string

	// SpecData is the raw OpenAPI document. When empty, SpecURL is
	// fetched on first initialization instead.
	SpecData []byte
	SpecURL  string

	// BaseURL overrides the document's servers entry. Required when
	// the document declares no servers.
	BaseURL string

	// TagFilter restricts the exposed operations to one tag. A
	// filtered connector never exposes the generic HTTP tool.
	TagFilter string

	// Auth is the source's static credential. Callers can override it
	// per request via caravan.WithAuthOverrides keyed by SourceID.
	Auth caravan.AuthSpec

	// IncludeGeneric adds the genericHttpRequest escape hatch.
	IncludeGeneric bool

	// Timeout bounds each outgoing request. Defaults to 30s.
	Timeout time.Duration
}

// inflight is a single in-progress initialization shared by all waiters.
type inflight struct {
	done chan struct{}
	err  error
}

// Connector turns an OpenAPI document into executable agent tools. It
// implements caravan.Tool for dispatch, caravan.ToolProvider for lazy
// listing, and caravan.Initializer so registries can warm it eagerly.
//
// Initialization is deduplicated: concurrent callers share one document
// load, a successful load is cached, and a failed one is retried by the
// next caller.
type Connector struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	loaded  bool
	flight  *inflight
	baseURL string
	ops     map[string]Operation
	defs    []caravan.ToolDefinition
}

var (
	_ caravan.Tool         = (*Connector)(nil)
	_ caravan.ToolProvider = (*Connector)(nil)
	_ caravan.Initializer  = (*Connector)(nil)
)

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithHTTPClient replaces the connector's HTTP client.
func WithHTTPClient(client *http.Client) ConnectorOption {
	return func(c *Connector) {
		if client != nil {
			c.client = client
		}
	}
}

// WithLogger attaches a structured logger to the connector.
func WithLogger(logger *slog.Logger) ConnectorOption {
	return func(c *Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConnector builds a connector for one API source. The document is
// not parsed until the first call that needs it.
func NewConnector(cfg Config, opts ...ConnectorOption) *Connector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	c := &Connector{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureInitialized loads and compiles the OpenAPI document exactly once
// per attempt. Concurrent callers wait on the same load; failure leaves
// the connector uninitialized so a later call can retry.
func (c *Connector) EnsureInitialized(ctx context.Context) error {
	c.mu.Lock()
	if c.loaded {
		c.mu.Unlock()
		return nil
	}
	if c.flight != nil {
		fl := c.flight
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	c.flight = fl
	c.mu.Unlock()

	err := c.load(ctx)

	c.mu.Lock()
	c.flight = nil
	if err == nil {
		c.loaded = true
	}
	c.mu.Unlock()

	fl.err = err
	close(fl.done)
	return err
}

// load fetches and compiles the document, then publishes the tool table.
func (c *Connector) load(ctx context.Context) error {
	data := c.cfg.SpecData
	if len(data) == 0 {
		if c.cfg.SpecURL == "" {
			return &caravan.ConfigError{Msg: "openapi connector " + c.cfg.SourceID + ": no spec data or spec url"}
		}
		fetched, err := fetchDocument(ctx, c.client, c.cfg.SpecURL)
		if err != nil {
			return err
		}
		data = fetched
	}

	doc, err := Parse(data, WithParserLogger(c.logger))
	if err != nil {
		return err
	}
	ops := doc.Operations(c.cfg.TagFilter)

	baseURL := c.cfg.BaseURL
	if baseURL == "" {
		if servers := doc.Servers(); len(servers) > 0 {
			baseURL = servers[0]
		}
	}
	if baseURL == "" {
		return &caravan.ConfigError{Msg: "openapi connector " + c.cfg.SourceID + ": no base url configured and document declares no servers"}
	}
	baseURL = strings.TrimRight(baseURL, "/")

	byName := make(map[string]Operation, len(ops))
	defs := make([]caravan.ToolDefinition, 0, len(ops)+1)
	for _, op := range ops {
		name := SanitizeToolName(op.OperationID)
		if _, dup := byName[name]; dup {
			c.logger.Warn("openapi: duplicate tool name, keeping first",
				"source", c.cfg.SourceID, "tool", name, "operation_id", op.OperationID)
			continue
		}
		byName[name] = op
		defs = append(defs, operationDefinition(name, op))
	}
	if c.exposesGeneric() {
		defs = append(defs, genericDefinition())
	}

	c.mu.Lock()
	c.baseURL = baseURL
	c.ops = byName
	c.defs = defs
	c.mu.Unlock()

	c.logger.Info("openapi: connector initialized",
		"source", c.cfg.SourceID, "tools", len(defs), "base_url", baseURL)
	return nil
}

func (c *Connector) exposesGeneric() bool {
	return c.cfg.IncludeGeneric && c.cfg.TagFilter == ""
}

// fetchDocument retrieves a remote OpenAPI document.
func fetchDocument(ctx context.Context, client *http.Client, specURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, specURL, nil)
	if err != nil {
		return nil, &caravan.ConfigError{Msg: "openapi: bad spec url " + specURL}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openapi: fetch spec %s: %w", specURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openapi: fetch spec %s: http %d", specURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("openapi: read spec %s: %w", specURL, err)
	}
	return data, nil
}

// Definitions returns the compiled tool definitions. Empty until the
// connector has been initialized.
func (c *Connector) Definitions() []caravan.ToolDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]caravan.ToolDefinition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Tools initializes the connector if needed and lists its definitions.
func (c *Connector) Tools(ctx context.Context) ([]caravan.ToolDefinition, error) {
	if err := c.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	return c.Definitions(), nil
}

// Tool resolves one tool by name, initializing the connector if needed.
func (c *Connector) Tool(ctx context.Context, name string) (caravan.Tool, error) {
	if err := c.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	_, ok := c.ops[name]
	c.mu.Unlock()
	if ok || (c.exposesGeneric() && name == GenericToolName) {
		return c, nil
	}
	return nil, &caravan.ToolNotFoundError{Name: name}
}

// Execute performs the HTTP operation behind the named tool. HTTP-level
// failures come back as unsuccessful results rather than errors so the
// model can read the status and react.
func (c *Connector) Execute(ctx context.Context, name string, args map[string]any) (caravan.ToolResult, error) {
	if err := c.EnsureInitialized(ctx); err != nil {
		return caravan.ToolResult{}, err
	}
	if c.exposesGeneric() && name == GenericToolName {
		return c.executeGeneric(ctx, args)
	}
	c.mu.Lock()
	op, ok := c.ops[name]
	c.mu.Unlock()
	if !ok {
		return caravan.ToolResult{}, &caravan.ToolNotFoundError{Name: name}
	}
	return c.executeOperation(ctx, op, args)
}

// executeOperation maps tool arguments onto the operation's parameters
// and performs the request.
func (c *Connector) executeOperation(ctx context.Context, op Operation, args map[string]any) (caravan.ToolResult, error) {
	path := op.Path
	query := url.Values{}
	headers := http.Header{}
	var cookies []*http.Cookie

	for _, p := range op.Parameters {
		value, present := args[p.Name]
		if !present || value == nil {
			if p.Required && p.In == "path" {
				return failure(fmt.Sprintf("missing required path parameter %q", p.Name), caravan.ToolErrUnknown), nil
			}
			continue
		}
		switch p.In {
		case "path":
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(stringify(value)))
		case "query":
			if list, ok := value.([]any); ok {
				for _, item := range list {
					query.Add(p.Name, stringify(item))
				}
			} else {
				query.Set(p.Name, stringify(value))
			}
		case "header":
			headers.Set(p.Name, stringify(value))
		case "cookie":
			cookies = append(cookies, &http.Cookie{Name: p.Name, Value: stringify(value)})
		}
	}

	var body io.Reader
	contentType := ""
	if raw, ok := args["requestBody"]; ok && raw != nil {
		payload, err := json.Marshal(raw)
		if err != nil {
			return failure("encode request body: "+err.Error(), caravan.ToolErrUnknown), nil
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}

	return c.send(ctx, op.Method, path, query, headers, cookies, body, contentType)
}

// executeGeneric handles the genericHttpRequest escape hatch.
func (c *Connector) executeGeneric(ctx context.Context, args map[string]any) (caravan.ToolResult, error) {
	method := strings.ToUpper(strings.TrimSpace(str(args["method"])))
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete,
		http.MethodPatch, http.MethodHead, http.MethodOptions:
	default:
		return failure("unsupported method "+method, caravan.ToolErrUnknown), nil
	}

	path := str(args["path"])
	if path == "" {
		return failure("path is required", caravan.ToolErrUnknown), nil
	}
	if strings.Contains(path, "://") {
		return failure("path must be relative to the base URL", caravan.ToolErrUnknown), nil
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	query := url.Values{}
	if qp, ok := args["query_params"].(map[string]any); ok {
		for key, value := range qp {
			if list, isList := value.([]any); isList {
				for _, item := range list {
					query.Add(key, stringify(item))
				}
				continue
			}
			query.Set(key, stringify(value))
		}
	}

	headers := http.Header{}
	if hs, ok := args["headers"].(map[string]any); ok {
		for key, value := range hs {
			headers.Set(key, stringify(value))
		}
	}

	var body io.Reader
	contentType := ""
	if raw, ok := args["request_body"]; ok && raw != nil {
		payload, err := json.Marshal(raw)
		if err != nil {
			return failure("encode request body: "+err.Error(), caravan.ToolErrUnknown), nil
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}

	return c.send(ctx, method, path, query, headers, nil, body, contentType)
}

// send issues the request and normalizes the response into a ToolResult.
func (c *Connector) send(ctx context.Context, method, path string, query url.Values, headers http.Header, cookies []*http.Cookie, body io.Reader, contentType string) (caravan.ToolResult, error) {
	c.mu.Lock()
	base := c.baseURL
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return failure("build request: "+err.Error(), caravan.ToolErrUnknown), nil
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	for key, vals := range headers {
		for _, v := range vals {
			req.Header.Add(key, v)
		}
	}
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	applyAuth(req, resolveAuth(caravan.AuthOverridesFrom(ctx), c.cfg.SourceID, c.cfg.Auth))

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("openapi: request failed",
			"source", c.cfg.SourceID, "method", method, "path", path, "error", err)
		return failure(err.Error(), transportCategory(err)), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return failure("read response: "+err.Error(), transportCategory(err)), nil
	}

	c.logger.Debug("openapi: request done",
		"source", c.cfg.SourceID, "method", method, "path", path,
		"status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	attrs := map[string]any{
		"status":  resp.StatusCode,
		"headers": firstHeaderValues(resp.Header),
	}

	isJSON := strings.Contains(resp.Header.Get("Content-Type"), "json")
	var data any
	if isJSON && len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			attrs["category"] = string(caravan.ToolErrUnknown)
			return caravan.ToolResult{
				Success:    false,
				Data:       string(raw),
				Error:      "invalid json response: " + err.Error(),
				Attributes: attrs,
			}, nil
		}
	} else if len(raw) > 0 {
		data = string(raw)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		attrs["category"] = string(statusCategory(resp.StatusCode))
		return caravan.ToolResult{
			Success:    false,
			Data:       data,
			Error:      httpFailureReason(resp.StatusCode, raw),
			Attributes: attrs,
		}, nil
	}
	return caravan.ToolResult{Success: true, Data: data, Attributes: attrs}, nil
}

// failure builds an unsuccessful result with a category attribute.
func failure(reason string, category caravan.ToolErrorKind) caravan.ToolResult {
	return caravan.ToolResult{
		Success:    false,
		Error:      reason,
		Attributes: map[string]any{"category": string(category)},
	}
}

// transportCategory classifies a client.Do error.
func transportCategory(err error) caravan.ToolErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return caravan.ToolErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return caravan.ToolErrTimeout
	}
	return caravan.ToolErrHTTP
}

// statusCategory classifies a non-2xx status line.
func statusCategory(status int) caravan.ToolErrorKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return caravan.ToolErrAuth
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return caravan.ToolErrTimeout
	default:
		return caravan.ToolErrHTTP
	}
}

func httpFailureReason(status int, body []byte) string {
	reason := fmt.Sprintf("http %d %s", status, http.StatusText(status))
	snippet := strings.TrimSpace(string(body))
	if snippet == "" {
		return reason
	}
	if len(snippet) > errorBodyLimit {
		snippet = snippet[:errorBodyLimit]
	}
	return reason + ": " + snippet
}

// firstHeaderValues flattens response headers to their first value.
func firstHeaderValues(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, vals := range h {
		if len(vals) > 0 {
			out[key] = vals[0]
		}
	}
	return out
}

// operationDefinition turns a compiled operation into a tool definition.
func operationDefinition(name string, op Operation) caravan.ToolDefinition {
	params := make([]caravan.ToolParameter, 0, len(op.Parameters)+1)
	for _, p := range op.Parameters {
		tp := caravan.ToolParameter{
			Name:        p.Name,
			Description: p.Description,
			Required:    p.Required,
		}
		if p.Schema != nil {
			schema := maps.Clone(p.Schema)
			if _, ok := schema["description"]; !ok && p.Description != "" {
				schema["description"] = p.Description
			}
			if frag, err := json.Marshal(schema); err == nil {
				tp.Schema = frag
			}
		} else {
			tp.Type = "string"
		}
		params = append(params, tp)
	}
	if op.RequestBodySchema != nil {
		tp := caravan.ToolParameter{
			Name:        "requestBody",
			Description: "JSON request body.",
			Required:    op.RequestBodyRequired,
		}
		if frag, err := json.Marshal(op.RequestBodySchema); err == nil {
			tp.Schema = frag
		}
		params = append(params, tp)
	}
	return caravan.ToolDefinition{
		Name:        name,
		Description: operationDescription(op),
		Parameters:  params,
	}
}

func operationDescription(op Operation) string {
	desc := op.Summary
	if desc == "" {
		desc = op.Description
	}
	if desc == "" {
		return op.Method + " " + op.Path
	}
	return desc + " (" + op.Method + " " + op.Path + ")"
}

// genericDefinition describes the catch-all HTTP tool.
func genericDefinition() caravan.ToolDefinition {
	return caravan.ToolDefinition{
		Name:        GenericToolName,
		Description: "Perform an arbitrary HTTP request against the API base URL. Prefer a dedicated operation tool when one matches.",
		Parameters: []caravan.ToolParameter{
			{Name: "method", Type: "string", Description: "HTTP method: GET, POST, PUT, DELETE, PATCH, HEAD or OPTIONS.", Required: true},
			{Name: "path", Type: "string", Description: "Request path relative to the base URL, starting with /.", Required: true},
			{Name: "query_params", Type: "object", Description: "Query parameters. Array values repeat the key."},
			{Name: "headers", Type: "object", Description: "Additional request headers."},
			{Name: "request_body", Type: "object", Description: "JSON request body."},
		},
	}
}

// stringify renders a decoded JSON value for use in a URL or header.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}
