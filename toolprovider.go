package caravan

import (
	"context"
	"errors"
	"log/slog"
)

// Aggregator merges several providers behind one ToolProvider. Name
// collisions resolve to the earliest provider in construction order; the
// loser is logged and never served.
type Aggregator struct {
	providers []ToolProvider
	logger    *slog.Logger
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithAggregatorLogger sets the logger for collision and availability
// warnings.
func WithAggregatorLogger(l *slog.Logger) AggregatorOption {
	return func(a *Aggregator) { a.logger = l }
}

// NewAggregator builds an aggregator over the given providers. Order
// matters: it decides collision winners.
func NewAggregator(providers []ToolProvider, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{providers: providers, logger: nopLogger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Tools lists definitions across all providers, first occurrence of each
// name winning. A provider that fails to list is skipped with a warning
// so one broken source does not take down the rest; the error is
// returned only when every provider fails.
func (a *Aggregator) Tools(ctx context.Context) ([]ToolDefinition, error) {
	var (
		defs    []ToolDefinition
		seen    = make(map[string]int) // name -> provider index
		lastErr error
		failed  int
	)
	for i, p := range a.providers {
		list, err := p.Tools(ctx)
		if err != nil {
			a.logger.Warn("tool provider listing failed", "provider", i, "error", err)
			lastErr = err
			failed++
			continue
		}
		for _, def := range list {
			if prev, ok := seen[def.Name]; ok {
				a.logger.Warn("tool name collision",
					"tool", def.Name, "kept_provider", prev, "dropped_provider", i)
				continue
			}
			seen[def.Name] = i
			defs = append(defs, def)
		}
	}
	if failed > 0 && failed == len(a.providers) {
		return nil, lastErr
	}
	return defs, nil
}

// Tool resolves name against providers in order, honoring the same
// first-wins rule as Tools. Providers that fail lookup with an error
// other than not-found abort resolution.
func (a *Aggregator) Tool(ctx context.Context, name string) (Tool, error) {
	for _, p := range a.providers {
		t, err := p.Tool(ctx, name)
		if err != nil {
			var nf *ToolNotFoundError
			if errors.As(err, &nf) {
				continue
			}
			return nil, err
		}
		return t, nil
	}
	return nil, &ToolNotFoundError{Name: name}
}

// EnsureInitialized fans initialization out to every provider that
// supports it. The first error aborts.
func (a *Aggregator) EnsureInitialized(ctx context.Context) error {
	for _, p := range a.providers {
		init, ok := p.(Initializer)
		if !ok {
			continue
		}
		if err := init.EnsureInitialized(ctx); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ ToolProvider = (*Aggregator)(nil)
	_ Initializer  = (*Aggregator)(nil)
)
