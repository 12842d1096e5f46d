package openapi

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strconv"
	"strings"

	caravan "github.com/nevindra/caravan"
)

// Grouping strategies for BuildToolsets.
const (
	// StrategyAllInOne exposes every operation of a source as one toolset.
	StrategyAllInOne = "allInOne"

	// StrategyByTag builds one toolset per declared tag. Operations
	// without tags are not exposed under this strategy.
	StrategyByTag = "byTag"
)

// SourceConfig describes one API source and how to group its tools.
type SourceConfig struct {
	// ID names the source. Toolset IDs derive from it.
	ID string

	// Type discriminates the source kind. Empty means "openapi", the
	// only kind currently supported.
	Type string

	// Connector configures the underlying connector. Its SourceID is
	// filled from ID when empty.
	Connector Config

	// Strategy selects the grouping, allInOne by default.
	Strategy string

	// MaxToolsPerGroup splits any toolset exceeding the limit into
	// uniform parts. Zero disables splitting.
	MaxToolsPerGroup int
}

type builder struct {
	client *http.Client
	logger *slog.Logger
}

// BuildOption configures BuildToolsets.
type BuildOption func(*builder)

// WithBuildLogger attaches a structured logger to the build.
func WithBuildLogger(logger *slog.Logger) BuildOption {
	return func(b *builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBuildHTTPClient replaces the HTTP client used for spec fetches
// and handed to the built connectors.
func WithBuildHTTPClient(client *http.Client) BuildOption {
	return func(b *builder) {
		if client != nil {
			b.client = client
		}
	}
}

// BuildToolsets compiles every configured source into registry-ready
// toolsets. Connectors are initialized eagerly so a broken document or
// unreachable spec URL fails the build instead of the first run.
func BuildToolsets(ctx context.Context, sources []SourceConfig, opts ...BuildOption) ([]caravan.Toolset, error) {
	b := &builder{
		client: &http.Client{Timeout: defaultRequestTimeout},
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}

	var out []caravan.Toolset
	for _, src := range sources {
		sets, err := b.buildSource(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("toolset source %s: %w", src.ID, err)
		}
		out = append(out, sets...)
	}
	return out, nil
}

func (b *builder) buildSource(ctx context.Context, src SourceConfig) ([]caravan.Toolset, error) {
	if src.ID == "" {
		return nil, &caravan.ConfigError{Msg: "source id is required"}
	}
	if src.Type != "" && src.Type != "openapi" {
		return nil, &caravan.ConfigError{Msg: "unsupported source type " + src.Type}
	}

	cfg := src.Connector
	if cfg.SourceID == "" {
		cfg.SourceID = src.ID
	}

	// Resolve the document bytes once so byTag connectors share them
	// instead of refetching per tag.
	if len(cfg.SpecData) == 0 {
		if cfg.SpecURL == "" {
			return nil, &caravan.ConfigError{Msg: "no spec data or spec url"}
		}
		data, err := fetchDocument(ctx, b.client, cfg.SpecURL)
		if err != nil {
			return nil, err
		}
		cfg.SpecData = data
	}

	doc, err := Parse(cfg.SpecData, WithParserLogger(b.logger))
	if err != nil {
		return nil, err
	}

	switch src.Strategy {
	case "", StrategyAllInOne:
		return b.buildAllInOne(ctx, src, cfg, doc)
	case StrategyByTag:
		tags := doc.Tags()
		if len(tags) == 0 {
			b.logger.Warn("openapi: document declares no tags, building a single toolset", "source", src.ID)
			return b.buildAllInOne(ctx, src, cfg, doc)
		}
		return b.buildByTag(ctx, src, cfg, doc, tags)
	default:
		return nil, &caravan.ConfigError{Msg: "unknown strategy " + src.Strategy}
	}
}

func (b *builder) buildAllInOne(ctx context.Context, src SourceConfig, cfg Config, doc *Document) ([]caravan.Toolset, error) {
	conn := NewConnector(cfg, WithHTTPClient(b.client), WithLogger(b.logger))
	if err := conn.EnsureInitialized(ctx); err != nil {
		return nil, err
	}

	info := doc.Info()
	name := info.Title
	if name == "" {
		name = src.ID
	}
	ts := caravan.Toolset{
		ID:          src.ID,
		Name:        name,
		Description: describeToolset(info, ""),
		Tools:       []caravan.Tool{conn},
		Attributes: map[string]any{
			"source_id": src.ID,
			"strategy":  StrategyAllInOne,
		},
	}
	return b.partition(ts, src.MaxToolsPerGroup), nil
}

func (b *builder) buildByTag(ctx context.Context, src SourceConfig, cfg Config, doc *Document, tags []string) ([]caravan.Toolset, error) {
	untagged := 0
	for _, op := range doc.Operations("") {
		if len(op.Tags) == 0 {
			untagged++
		}
	}
	if untagged > 0 {
		b.logger.Warn("openapi: operations without tags are not exposed under byTag",
			"source", src.ID, "operations", untagged)
	}

	info := doc.Info()
	title := info.Title
	if title == "" {
		title = src.ID
	}

	var out []caravan.Toolset
	for _, tag := range tags {
		tagCfg := cfg
		tagCfg.TagFilter = tag
		conn := NewConnector(tagCfg, WithHTTPClient(b.client), WithLogger(b.logger))
		if err := conn.EnsureInitialized(ctx); err != nil {
			return nil, fmt.Errorf("tag %s: %w", tag, err)
		}
		if len(conn.Definitions()) == 0 {
			b.logger.Warn("openapi: tag has no operations, skipping", "source", src.ID, "tag", tag)
			continue
		}
		ts := caravan.Toolset{
			ID:          src.ID + "-" + SanitizeToolName(tag),
			Name:        title + ": " + tag,
			Description: describeToolset(info, tag),
			Tools:       []caravan.Tool{conn},
			Attributes: map[string]any{
				"source_id": src.ID,
				"strategy":  StrategyByTag,
				"tag":       tag,
			},
		}
		out = append(out, b.partition(ts, src.MaxToolsPerGroup)...)
	}
	return out, nil
}

func describeToolset(info Info, tag string) string {
	desc := strings.TrimSpace(info.Description)
	if tag == "" {
		return desc
	}
	scoped := "Operations tagged " + strconv.Quote(tag) + "."
	if desc == "" {
		return scoped
	}
	return scoped + " " + desc
}

// partition splits a toolset whose definition count exceeds max into
// uniform parts, each a subset view over the same underlying tools.
func (b *builder) partition(ts caravan.Toolset, max int) []caravan.Toolset {
	defs := ts.Definitions()
	if max <= 0 || len(defs) <= max {
		return []caravan.Toolset{ts}
	}

	owner := make(map[string]caravan.Tool, len(defs))
	for _, tool := range ts.Tools {
		for _, def := range tool.Definitions() {
			if _, ok := owner[def.Name]; !ok {
				owner[def.Name] = tool
			}
		}
	}

	groups := (len(defs) + max - 1) / max
	base := len(defs) / groups
	rem := len(defs) % groups

	out := make([]caravan.Toolset, 0, groups)
	offset := 0
	for i := 0; i < groups; i++ {
		size := base
		if i < rem {
			size++
		}
		chunk := defs[offset : offset+size]
		offset += size

		view := &subsetTool{
			defs:   append([]caravan.ToolDefinition(nil), chunk...),
			owners: make(map[string]caravan.Tool, len(chunk)),
		}
		for _, def := range chunk {
			view.owners[def.Name] = owner[def.Name]
		}

		attrs := maps.Clone(ts.Attributes)
		if attrs == nil {
			attrs = map[string]any{}
		}
		attrs["part"] = i + 1
		attrs["parts"] = groups

		out = append(out, caravan.Toolset{
			ID:          fmt.Sprintf("%s-%d", ts.ID, i+1),
			Name:        fmt.Sprintf("%s (part %d of %d)", ts.Name, i+1, groups),
			Description: ts.Description,
			Tools:       []caravan.Tool{view},
			Attributes:  attrs,
		})
	}
	b.logger.Info("openapi: split toolset", "toolset", ts.ID, "tools", len(defs), "parts", groups)
	return out
}

// subsetTool exposes a slice of a larger tool surface and refuses
// names outside it.
type subsetTool struct {
	defs   []caravan.ToolDefinition
	owners map[string]caravan.Tool
}

var _ caravan.Tool = (*subsetTool)(nil)

func (s *subsetTool) Definitions() []caravan.ToolDefinition {
	out := make([]caravan.ToolDefinition, len(s.defs))
	copy(out, s.defs)
	return out
}

func (s *subsetTool) Execute(ctx context.Context, name string, args map[string]any) (caravan.ToolResult, error) {
	tool, ok := s.owners[name]
	if !ok {
		return caravan.ToolResult{}, &caravan.ToolNotFoundError{Name: name}
	}
	return tool.Execute(ctx, name, args)
}
