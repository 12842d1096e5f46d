// Package web provides a tool that fetches web pages and extracts their
// readable text content.
package web

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/go-shiori/go-readability"

	caravan "github.com/nevindra/caravan"
)

// ToolName is the definition name the model calls.
const ToolName = "fetchWebPage"

const (
	defaultTimeout = 15 * time.Second
	maxFetchBytes  = 1 << 20 // page download cap
	maxResultChars = 8000    // keeps tool output inside the context budget
)

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client *http.Client
}

var _ caravan.Tool = (*Tool)(nil)

// Option configures a Tool.
type Option func(*Tool)

// WithHTTPClient replaces the fetch client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// New creates a web fetch tool with a 15-second timeout.
func New(opts ...Option) *Tool {
	t := &Tool{
		client: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Definitions() []caravan.ToolDefinition {
	return []caravan.ToolDefinition{{
		Name: ToolName,
		Description: "Fetch a URL and extract its readable text content. " +
			"Use for reading web pages, articles, documentation.",
		Parameters: []caravan.ToolParameter{{
			Name:        "url",
			Type:        "string",
			Description: "Absolute http(s) URL to fetch.",
			Required:    true,
		}},
	}}
}

func (t *Tool) Execute(ctx context.Context, name string, args map[string]any) (caravan.ToolResult, error) {
	if name != ToolName {
		return caravan.ToolResult{}, &caravan.ToolNotFoundError{Name: name}
	}
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return caravan.ToolResult{Error: "missing required parameter: url"}, nil
	}

	content, err := t.Fetch(ctx, rawURL)
	if err != nil {
		return caravan.ToolResult{Error: err.Error()}, nil
	}

	if len(content) > maxResultChars {
		content = content[:maxResultChars] + "\n... (truncated)"
	}
	return caravan.ToolResult{Success: true, Data: content}, nil
}

// Fetch downloads a URL and extracts readable text. Exported for use by
// other tools.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme %q", parsedURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; CaravanBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	page := string(body)
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/plain") {
		return strings.TrimSpace(page), nil
	}

	article, err := readability.FromReader(strings.NewReader(page), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}

	// Readability gives up on pages without an article body; fall back
	// to plain tag stripping.
	return stripTags(page), nil
}

// stripTags removes markup, script and style bodies, and decodes
// entities. Block-level tags become newlines so the text keeps some
// structure.
func stripTags(content string) string {
	var b strings.Builder
	b.Grow(len(content))

	skipDepth := 0 // inside <script> or <style>
	for i := 0; i < len(content); {
		if content[i] != '<' {
			if skipDepth == 0 {
				b.WriteByte(content[i])
			}
			i++
			continue
		}
		end := strings.IndexByte(content[i:], '>')
		if end < 0 {
			break
		}
		tag := strings.ToLower(strings.TrimSpace(content[i+1 : i+end]))
		name, _, _ := strings.Cut(tag, " ")
		switch name {
		case "script", "style":
			skipDepth++
		case "/script", "/style":
			if skipDepth > 0 {
				skipDepth--
			}
		}
		if isBlockTag(strings.TrimPrefix(name, "/")) {
			b.WriteByte('\n')
		}
		i += end + 1
	}

	return collapseWhitespace(html.UnescapeString(b.String()))
}

func isBlockTag(tag string) bool {
	switch tag {
	case "p", "div", "br", "hr", "h1", "h2", "h3", "h4", "h5", "h6",
		"li", "ul", "ol", "table", "tr", "blockquote", "pre",
		"section", "article", "header", "footer", "nav", "main":
		return true
	}
	return false
}

// collapseWhitespace squeezes runs of spaces and blank lines.
func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	newlines := 0
	space := false
	for _, r := range s {
		switch {
		case r == '\n':
			newlines++
			space = false
		case unicode.IsSpace(r):
			space = true
		default:
			if newlines > 0 {
				if b.Len() > 0 {
					b.WriteByte('\n')
					if newlines > 1 {
						b.WriteByte('\n')
					}
				}
				newlines = 0
				space = false
			} else if space {
				b.WriteByte(' ')
				space = false
			}
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
