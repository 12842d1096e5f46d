// Package document provides a tool that reads local documents and
// returns their text: PDF, Markdown, and plain text files under a
// configured root directory.
package document

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	caravan "github.com/nevindra/caravan"
)

// ToolName is the definition name the model calls.
const ToolName = "readLocalDocument"

const (
	defaultMaxFileBytes = 16 << 20
	maxResultChars      = 16000
)

// Tool reads documents under a root directory. Paths in tool arguments
// are relative to that root and may not escape it.
type Tool struct {
	root     string
	maxBytes int64
}

var _ caravan.Tool = (*Tool)(nil)

// Option configures a Tool.
type Option func(*Tool)

// WithMaxFileSize caps the size of documents the tool will open.
func WithMaxFileSize(n int64) Option {
	return func(t *Tool) { t.maxBytes = n }
}

// New creates a document reader rooted at dir.
func New(dir string, opts ...Option) *Tool {
	t := &Tool{
		root:     dir,
		maxBytes: defaultMaxFileBytes,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Definitions() []caravan.ToolDefinition {
	return []caravan.ToolDefinition{{
		Name: ToolName,
		Description: "Read a document from the local document directory and return its " +
			"text. Supports PDF, Markdown, and plain text files.",
		Parameters: []caravan.ToolParameter{
			{
				Name:        "path",
				Type:        "string",
				Description: "Path of the document, relative to the document directory.",
				Required:    true,
			},
			{
				Name:        "pages",
				Type:        "string",
				Description: "For PDFs: a page or page range to read, e.g. \"3\" or \"2-5\". Defaults to the whole document.",
			},
		},
	}}
}

func (t *Tool) Execute(_ context.Context, name string, args map[string]any) (caravan.ToolResult, error) {
	if name != ToolName {
		return caravan.ToolResult{}, &caravan.ToolNotFoundError{Name: name}
	}
	rel, _ := args["path"].(string)
	if rel == "" {
		return failure("missing required parameter: path"), nil
	}
	if !filepath.IsLocal(rel) {
		return failure(fmt.Sprintf("path %q must stay inside the document directory", rel)), nil
	}

	full := filepath.Join(t.root, rel)
	info, err := os.Stat(full)
	if err != nil {
		return failure(fmt.Sprintf("document not found: %s", rel)), nil
	}
	if info.IsDir() {
		return failure(fmt.Sprintf("%s is a directory", rel)), nil
	}
	if info.Size() > t.maxBytes {
		return failure(fmt.Sprintf("document exceeds the %d byte limit", t.maxBytes)), nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return failure("read error: " + err.Error()), nil
	}

	format := "text"
	var content string
	switch strings.ToLower(filepath.Ext(full)) {
	case ".pdf":
		format = "pdf"
		pages, _ := args["pages"].(string)
		content, err = extractPDF(data, pages)
		if err != nil {
			return failure(err.Error()), nil
		}
	case ".md", ".markdown":
		format = "markdown"
		content = markdownToText(data)
	default:
		if !utf8.Valid(data) {
			return failure(fmt.Sprintf("%s is not a text document", rel)), nil
		}
		content = strings.TrimSpace(string(data))
	}

	if len(content) > maxResultChars {
		content = content[:maxResultChars] + "\n... (truncated)"
	}
	return caravan.ToolResult{
		Success: true,
		Data:    content,
		Attributes: map[string]any{
			"path":   rel,
			"format": format,
		},
	}, nil
}

func failure(reason string) caravan.ToolResult {
	return caravan.ToolResult{Error: reason}
}

// extractPDF pulls plain text page by page. Pages that fail to decode
// are skipped rather than failing the whole document.
func extractPDF(data []byte, pages string) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	first, last := 1, r.NumPage()
	if pages != "" {
		first, last, err = parsePageRange(pages)
		if err != nil {
			return "", err
		}
		if last > r.NumPage() {
			last = r.NumPage()
		}
	}

	var out strings.Builder
	for i := first; i <= last; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if out.Len() > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString(pageText)
	}
	return out.String(), nil
}

// parsePageRange accepts "N" or "N-M", one-based and inclusive.
func parsePageRange(s string) (int, int, error) {
	lo, hi, found := strings.Cut(s, "-")
	first, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil || first < 1 {
		return 0, 0, fmt.Errorf("invalid page range %q", s)
	}
	if !found {
		return first, first, nil
	}
	last, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil || last < first {
		return 0, 0, fmt.Errorf("invalid page range %q", s)
	}
	return first, last, nil
}

// markdownToText renders markdown as plain text by walking the parsed
// AST: headings and paragraphs become line breaks, list items keep
// their markers, code blocks pass through verbatim, table cells are
// tab-separated.
func markdownToText(source []byte) string {
	md := goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Table))
	root := md.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	b.Grow(len(source))
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(source))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
		case *ast.Heading, *ast.Paragraph:
			if !entering {
				b.WriteString("\n\n")
			}
		case *ast.TextBlock:
			// List items break their own lines.
			if !entering && node.Parent() != nil && node.Parent().Kind() != ast.KindListItem {
				b.WriteByte('\n')
			}
		case *ast.ListItem:
			if entering {
				if list, ok := node.Parent().(*ast.List); ok && list.IsOrdered() {
					idx := list.Start
					for s := node.PreviousSibling(); s != nil; s = s.PreviousSibling() {
						idx++
					}
					fmt.Fprintf(&b, "%d. ", idx)
				} else {
					b.WriteString("- ")
				}
			} else {
				b.WriteByte('\n')
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(source))
				}
				b.WriteByte('\n')
				return ast.WalkSkipChildren, nil
			}
		case *ast.ThematicBreak:
			if entering {
				b.WriteString("\n---\n")
			}
		case *extast.TableCell:
			if !entering {
				b.WriteByte('\t')
			}
		case *extast.TableRow, *extast.TableHeader:
			if !entering {
				b.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(b.String())
}
