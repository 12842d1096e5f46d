package caravan

import (
	"context"
	"log/slog"
	"sync"
)

// Tool is a named capability the model may invoke. One Tool value may
// serve several definitions (an HTTP connector exposes one per API
// operation); Execute dispatches on name.
//
// Execute receives already-parsed arguments. It returns an error only
// for infrastructure failures; a tool-level failure belongs in
// ToolResult.Error so the model can react to it.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args map[string]any) (ToolResult, error)
}

// ToolProvider is the uniform lookup surface over a tool source.
type ToolProvider interface {
	// Tools lists the definitions of every tool the provider serves.
	Tools(ctx context.Context) ([]ToolDefinition, error)
	// Tool resolves a definition name to its executable tool. Unknown
	// names yield *ToolNotFoundError.
	Tool(ctx context.Context, name string) (Tool, error)
}

// Initializer is implemented by providers that load lazily, such as an
// OpenAPI connector fetching its document. EnsureInitialized is
// idempotent and deduplicates concurrent calls.
type Initializer interface {
	EnsureInitialized(ctx context.Context) error
}

// ToolRegistry is a static ToolProvider over in-process tools.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  []Tool
	logger *slog.Logger
}

// RegistryOption configures a ToolRegistry.
type RegistryOption func(*ToolRegistry)

// WithRegistryLogger sets the logger used for duplicate-name warnings.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *ToolRegistry) { r.logger = l }
}

// NewToolRegistry builds a registry over the given tools.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{logger: nopLogger}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register appends a tool. Definition names should be unique within the
// registry; duplicates are logged and the earlier tool keeps winning
// lookups.
func (r *ToolRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	for _, existing := range r.tools {
		for _, def := range existing.Definitions() {
			seen[def.Name] = true
		}
	}
	for _, def := range t.Definitions() {
		if seen[def.Name] {
			r.logger.Warn("duplicate tool name registered", "tool", def.Name)
		}
	}
	r.tools = append(r.tools, t)
}

// Tools implements ToolProvider. Duplicate names are collapsed, earliest
// registration winning.
func (r *ToolRegistry) Tools(ctx context.Context) ([]ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []ToolDefinition
	seen := make(map[string]bool)
	for _, t := range r.tools {
		for _, def := range t.Definitions() {
			if seen[def.Name] {
				continue
			}
			seen[def.Name] = true
			defs = append(defs, def)
		}
	}
	return defs, nil
}

// Tool implements ToolProvider.
func (r *ToolRegistry) Tool(ctx context.Context, name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.tools {
		for _, def := range t.Definitions() {
			if def.Name == name {
				return t, nil
			}
		}
	}
	return nil, &ToolNotFoundError{Name: name}
}

var _ ToolProvider = (*ToolRegistry)(nil)
