package caravan

import (
	"log/slog"
	"sync"
)

// ToolsetRegistry holds the named toolsets a deployment exposes to the
// delegation tool. Registration order is preserved; it decides the order
// of specialist ids offered to the model.
type ToolsetRegistry struct {
	mu     sync.RWMutex
	sets   map[string]Toolset
	order  []string
	logger *slog.Logger
}

// ToolsetRegistryOption configures a ToolsetRegistry.
type ToolsetRegistryOption func(*ToolsetRegistry)

// WithToolsetLogger sets the logger used for registration warnings.
func WithToolsetLogger(l *slog.Logger) ToolsetRegistryOption {
	return func(r *ToolsetRegistry) { r.logger = l }
}

// NewToolsetRegistry builds a registry over the given toolsets.
func NewToolsetRegistry(sets []Toolset, opts ...ToolsetRegistryOption) *ToolsetRegistry {
	r := &ToolsetRegistry{
		sets:   make(map[string]Toolset),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, ts := range sets {
		r.Register(ts)
	}
	return r
}

// Register adds a toolset. A toolset without an id is rejected; an id
// seen before replaces the earlier toolset and keeps its position.
func (r *ToolsetRegistry) Register(ts Toolset) {
	if ts.ID == "" {
		r.logger.Warn("toolset without id ignored", "name", ts.Name)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sets[ts.ID]; !exists {
		r.order = append(r.order, ts.ID)
	} else {
		r.logger.Warn("toolset replaced", "id", ts.ID)
	}
	r.sets[ts.ID] = ts
}

// Get returns the toolset with the given id.
func (r *ToolsetRegistry) Get(id string) (Toolset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.sets[id]
	return ts, ok
}

// IDs returns the registered toolset ids in registration order.
func (r *ToolsetRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// List returns the toolsets in registration order.
func (r *ToolsetRegistry) List() []Toolset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Toolset, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sets[id])
	}
	return out
}

// Len returns the number of registered toolsets.
func (r *ToolsetRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
