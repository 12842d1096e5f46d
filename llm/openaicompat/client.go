package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	caravan "github.com/nevindra/caravan"
)

// DefaultBaseURL is the OpenAI API base used when none is configured.
const DefaultBaseURL = "https://api.openai.com/v1"

// errorBodyLimit bounds how much of an error response body is read.
const errorBodyLimit = 64 << 10

var nopLogger = slog.New(slog.DiscardHandler)

// Client talks to an OpenAI-compatible chat completions endpoint.
// The /chat/completions path is appended to the configured base URL.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
	logger  *slog.Logger
}

var _ caravan.LLMClient = (*Client)(nil)

// ClientOption configures a Client instance.
type ClientOption func(*Client)

// WithName sets the provider name used in logs (default "openai").
func WithName(name string) ClientOption {
	return func(c *Client) { c.name = name }
}

// WithHTTPClient sets a custom HTTP client (e.g. for proxies). Leave
// the client's Timeout at zero when streaming long responses.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithLogger attaches a structured logger to the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRequestOptions appends request-level options (top_p, stop, seed,
// response format) applied to every request made by this client.
func WithRequestOptions(opts ...Option) ClientOption {
	return func(c *Client) { c.opts = append(c.opts, opts...) }
}

// NewClient creates an OpenAI-compatible chat client.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://openrouter.ai/api/v1", "http://localhost:11434/v1"). Empty
// means DefaultBaseURL.
func NewClient(apiKey, baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		name:    "openai",
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate sends a non-streaming chat request and returns the full
// reply. When req.Tools is non-empty the reply may contain tool calls.
func (c *Client) Generate(ctx context.Context, req caravan.GenerateRequest) (*caravan.LLMResponse, error) {
	body, err := c.buildBody(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.sendHTTP(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.httpErr(resp)
	}

	var chat ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, &caravan.LLMError{
			Kind:    caravan.LLMErrSDK,
			Message: fmt.Sprintf("decode response: %v", err),
			Err:     err,
		}
	}
	return parseResponse(chat), nil
}

// GenerateStream starts a streaming chat request. Wire chunks are
// forwarded as-is; assembling them into a message is the response
// processor's job. The channel closes when the stream ends, with a
// transport failure delivered in-band as a final chunk with Err set.
func (c *Client) GenerateStream(ctx context.Context, req caravan.GenerateRequest) (<-chan caravan.LLMChunk, error) {
	body, err := c.buildBody(req)
	if err != nil {
		return nil, err
	}
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := c.sendHTTP(ctx, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.httpErr(resp)
	}

	ch := make(chan caravan.LLMChunk, 16)
	go c.readStream(ctx, resp.Body, ch)
	return ch, nil
}

// CountTokens estimates the token footprint of messages. The estimate
// is heuristic; context budgeting tolerates the error margin.
func (c *Client) CountTokens(_ context.Context, messages []caravan.Message, _ string) (int, error) {
	return caravan.EstimateMessageTokens(messages), nil
}

// FormatTools renders tool definitions in the OpenAI function format.
func (c *Client) FormatTools(tools []caravan.ToolDefinition) (json.RawMessage, error) {
	wire, err := buildTools(tools)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

// sendHTTP marshals the body and posts it to the completions endpoint.
func (c *Client) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &caravan.LLMError{
			Kind:    caravan.LLMErrSDK,
			Message: fmt.Sprintf("marshal request: %v", err),
			Err:     err,
		}
	}

	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &caravan.LLMError{
			Kind:    caravan.LLMErrSDK,
			Message: fmt.Sprintf("create request: %v", err),
			Err:     err,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, transportErr(err)
	}
	return resp, nil
}

// httpErr reads the response body and maps the status to an LLMError.
// The Retry-After header is parsed when present (429/503 responses).
func (c *Client) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	msg := apiErrorMessage(body)
	llmErr := &caravan.LLMError{
		Kind:       statusKind(resp.StatusCode),
		Status:     resp.StatusCode,
		Message:    msg,
		RetryAfter: caravan.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
	c.logger.Warn("llm request failed",
		"provider", c.name, "status", resp.StatusCode, "kind", string(llmErr.Kind), "error", msg)
	return llmErr
}

func statusKind(status int) caravan.LLMErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return caravan.LLMErrAuthentication
	case status == http.StatusTooManyRequests:
		return caravan.LLMErrRateLimit
	case status == http.StatusRequestTimeout:
		return caravan.LLMErrTimeout
	case status >= 400 && status < 500:
		return caravan.LLMErrInvalidRequest
	default:
		return caravan.LLMErrAPI
	}
}

// apiErrorMessage extracts the message from an OpenAI error envelope,
// falling back to a body snippet for non-conforming backends.
func apiErrorMessage(body []byte) string {
	var envelope struct {
		Error *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	if snippet == "" {
		return "request failed"
	}
	return snippet
}

func transportErr(err error) *caravan.LLMError {
	kind := caravan.LLMErrNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		kind = caravan.LLMErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = caravan.LLMErrTimeout
	}
	return &caravan.LLMError{Kind: kind, Message: err.Error(), Err: err}
}
