package document

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	caravan "github.com/nevindra/caravan"
)

func writeDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func execute(t *testing.T, tool *Tool, args map[string]any) caravan.ToolResult {
	t.Helper()
	res, err := tool.Execute(context.Background(), ToolName, args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return res
}

func TestToolDefinitions(t *testing.T) {
	defs := New(t.TempDir()).Definitions()
	if len(defs) != 1 {
		t.Fatalf("got %d definitions, want 1", len(defs))
	}
	def := defs[0]
	if def.Name != ToolName {
		t.Errorf("Name = %q, want %q", def.Name, ToolName)
	}
	if len(def.Parameters) != 2 {
		t.Fatalf("got %d parameters, want 2", len(def.Parameters))
	}
	if def.Parameters[0].Name != "path" || !def.Parameters[0].Required {
		t.Errorf("first parameter = %+v, want required path", def.Parameters[0])
	}
	if def.Parameters[1].Name != "pages" || def.Parameters[1].Required {
		t.Errorf("second parameter = %+v, want optional pages", def.Parameters[1])
	}
}

func TestExecuteReadsPlainText(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "notes.txt", "hello world\n")
	tool := New(root)

	res := execute(t, tool, map[string]any{"path": "notes.txt"})
	if !res.Success || res.Data != "hello world" {
		t.Errorf("result = %+v, want trimmed file content", res)
	}
	if res.Attributes["path"] != "notes.txt" || res.Attributes["format"] != "text" {
		t.Errorf("attributes = %v", res.Attributes)
	}
}

func TestExecuteReadsNestedPath(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, filepath.Join("reports", "q3.txt"), "quarterly numbers")
	tool := New(root)

	res := execute(t, tool, map[string]any{"path": "reports/q3.txt"})
	if !res.Success || res.Data != "quarterly numbers" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteReadsMarkdown(t *testing.T) {
	source := `# Release Notes

The parser now handles **nested** tables.

- faster startup
- smaller binary

1. unpack
2. run the installer

` + "```" + `
caravan serve --config caravan.toml
` + "```" + `

| Version | Date |
| ------- | ---- |
| 1.2     | June |
`
	root := t.TempDir()
	writeDoc(t, root, "notes.md", source)
	tool := New(root)

	res := execute(t, tool, map[string]any{"path": "notes.md"})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Attributes["format"] != "markdown" {
		t.Errorf("format = %v, want markdown", res.Attributes["format"])
	}
	got, ok := res.Data.(string)
	if !ok {
		t.Fatalf("Data is %T, want string", res.Data)
	}
	for _, want := range []string{
		"Release Notes",
		"nested tables",
		"- faster startup",
		"1. unpack",
		"2. run the installer",
		"caravan serve --config caravan.toml",
		"Version\tDate",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("text missing %q:\n%s", want, got)
		}
	}
	for _, banned := range []string{"#", "**", "|"} {
		if strings.Contains(got, banned) {
			t.Errorf("text still contains markup %q:\n%s", banned, got)
		}
	}
}

func TestMarkdownToText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"heading and paragraph", "# Title\n\nBody text.", "Title\n\nBody text."},
		{"bullets", "- a\n- b", "- a\n- b"},
		{"ordered offset", "3. x\n4. y", "3. x\n4. y"},
		{"emphasis stripped", "some *emphasized* words", "some emphasized words"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := markdownToText([]byte(tt.in)); got != tt.want {
				t.Errorf("markdownToText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExecutePathConfinement(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "ok.txt", "fine")
	tool := New(root)

	for _, path := range []string{"../secret.txt", "/etc/passwd", "a/../../b.txt"} {
		res := execute(t, tool, map[string]any{"path": path})
		if res.Success || !strings.Contains(res.Error, "must stay inside") {
			t.Errorf("path %q: result = %+v, want confinement error", path, res)
		}
	}
}

func TestExecuteMissingPath(t *testing.T) {
	tool := New(t.TempDir())

	res := execute(t, tool, nil)
	if res.Error != "missing required parameter: path" {
		t.Errorf("result error = %q", res.Error)
	}
}

func TestExecuteMissingDocument(t *testing.T) {
	tool := New(t.TempDir())

	res := execute(t, tool, map[string]any{"path": "nope.txt"})
	if !strings.Contains(res.Error, "document not found: nope.txt") {
		t.Errorf("result error = %q", res.Error)
	}
}

func TestExecuteDirectory(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	tool := New(root)

	res := execute(t, tool, map[string]any{"path": "sub"})
	if !strings.Contains(res.Error, "sub is a directory") {
		t.Errorf("result error = %q", res.Error)
	}
}

func TestExecuteSizeLimit(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "big.txt", strings.Repeat("x", 64))
	tool := New(root, WithMaxFileSize(10))

	res := execute(t, tool, map[string]any{"path": "big.txt"})
	if !strings.Contains(res.Error, "exceeds the 10 byte limit") {
		t.Errorf("result error = %q", res.Error)
	}
}

func TestExecuteBinaryFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "blob.bin"), []byte{0xff, 0xfe, 0x00, 0x80}, 0o644); err != nil {
		t.Fatal(err)
	}
	tool := New(root)

	res := execute(t, tool, map[string]any{"path": "blob.bin"})
	if !strings.Contains(res.Error, "not a text document") {
		t.Errorf("result error = %q", res.Error)
	}
}

func TestExecuteCorruptPDF(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "broken.pdf", "this is not a pdf")
	tool := New(root)

	res := execute(t, tool, map[string]any{"path": "broken.pdf"})
	if res.Success || !strings.Contains(res.Error, "open pdf") {
		t.Errorf("result = %+v, want open pdf error", res)
	}
}

func TestExecuteTruncatesLongContent(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "long.txt", strings.Repeat("a", maxResultChars+500))
	tool := New(root)

	res := execute(t, tool, map[string]any{"path": "long.txt"})
	got, ok := res.Data.(string)
	if !ok {
		t.Fatalf("Data is %T, want string", res.Data)
	}
	if !strings.HasSuffix(got, "... (truncated)") {
		t.Error("long content not marked truncated")
	}
	if want := maxResultChars + len("\n... (truncated)"); len(got) != want {
		t.Errorf("truncated length = %d, want %d", len(got), want)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	_, err := New(t.TempDir()).Execute(context.Background(), "otherTool", nil)
	var nf *caravan.ToolNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want *ToolNotFoundError", err)
	}
}

func TestParsePageRange(t *testing.T) {
	tests := []struct {
		in      string
		first   int
		last    int
		wantErr bool
	}{
		{"3", 3, 3, false},
		{"2-5", 2, 5, false},
		{" 2 - 5 ", 2, 5, false},
		{"0", 0, 0, true},
		{"5-2", 0, 0, true},
		{"x", 0, 0, true},
		{"2-", 0, 0, true},
		{"", 0, 0, true},
	}
	for _, tt := range tests {
		first, last, err := parsePageRange(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parsePageRange(%q) expected error, got %d-%d", tt.in, first, last)
			}
			continue
		}
		if err != nil {
			t.Errorf("parsePageRange(%q): %v", tt.in, err)
			continue
		}
		if first != tt.first || last != tt.last {
			t.Errorf("parsePageRange(%q) = %d-%d, want %d-%d", tt.in, first, last, tt.first, tt.last)
		}
	}
}
