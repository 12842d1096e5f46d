package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	caravan "github.com/nevindra/caravan"
	"github.com/nevindra/caravan/internal/app"
	"github.com/nevindra/caravan/internal/config"
	"github.com/nevindra/caravan/llm/openaicompat"
	"github.com/nevindra/caravan/observer"
	"github.com/nevindra/caravan/openapi"
	"github.com/nevindra/caravan/store/postgres"
	"github.com/nevindra/caravan/store/sqlite"
	"github.com/nevindra/caravan/tools/document"
	"github.com/nevindra/caravan/tools/web"
)

func main() {
	ctx := context.Background()

	// 1. Load config + logger
	cfg := config.Load(os.Getenv("CARAVAN_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 2. Observability (optional)
	var inst *observer.Instruments
	var tracer caravan.Tracer
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		observed, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer: %v", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Error("observer shutdown failed", "error", err)
			}
		}()
		inst = observed
		tracer = observer.NewTracer()
	}

	// 3. LLM client
	var client caravan.LLMClient = openaicompat.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL,
		openaicompat.WithName(cfg.LLM.Provider),
		openaicompat.WithLogger(logger),
	)
	if inst != nil {
		client = observer.WrapLLMClient(client, cfg.LLM.Provider, inst)
	}

	// 4. Store
	store, closeStore, err := buildStore(ctx, cfg.Storage, logger)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeStore()
	if inst != nil {
		store = observer.WrapStore(store, inst)
	}

	// 5. Toolsets from configured OpenAPI sources
	sources, err := toolSources(cfg.Sources)
	if err != nil {
		log.Fatalf("tool sources: %v", err)
	}
	sets, err := openapi.BuildToolsets(ctx, sources, openapi.WithBuildLogger(logger))
	if err != nil {
		log.Fatalf("toolsets: %v", err)
	}
	toolsets := caravan.NewToolsetRegistry(sets, caravan.WithToolsetLogger(logger))

	// 6. Direct tools
	var tools []caravan.Tool
	if cfg.Tools.EnableWebFetch {
		tools = append(tools, web.New())
	}
	if cfg.Tools.DocumentDir != "" {
		tools = append(tools, document.New(cfg.Tools.DocumentDir))
	}
	if toolsets.Len() > 0 {
		tools = append(tools, caravan.NewDelegationTool(client, toolsets,
			caravan.WithDelegationLogger(logger)))
	}
	if inst != nil {
		for i, t := range tools {
			tools[i] = observer.WrapTool(t, inst)
		}
	}
	registry := caravan.NewToolRegistry(tools...)

	// 7. Run
	srv := app.New(cfg, app.Deps{
		Client:   client,
		Store:    store,
		Provider: registry,
		Toolsets: toolsets,
		Tracer:   tracer,
		Logger:   logger,
	})
	log.Fatal(srv.RunWithSignal())
}

// buildStore opens the configured storage backend and returns it with
// its cleanup function.
func buildStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (caravan.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		return caravan.NewMemoryStore(), func() {}, nil
	case "", "sqlite":
		s := sqlite.New(cfg.Path, sqlite.WithLogger(logger))
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return postgres.New(pool), pool.Close, nil
	default:
		return nil, nil, &caravan.ConfigError{Msg: "unknown storage driver " + cfg.Driver}
	}
}

// toolSources converts configured sources into build inputs, reading
// spec files from disk.
func toolSources(sources []config.SourceConfig) ([]openapi.SourceConfig, error) {
	out := make([]openapi.SourceConfig, 0, len(sources))
	for _, src := range sources {
		conn := openapi.Config{
			SourceID:       src.ID,
			SpecURL:        src.SpecURL,
			BaseURL:        src.BaseURL,
			IncludeGeneric: src.IncludeGeneric,
			Auth:           authSpec(src.Auth),
		}
		if src.SpecPath != "" {
			data, err := os.ReadFile(src.SpecPath)
			if err != nil {
				return nil, err
			}
			conn.SpecData = data
		}
		if src.TimeoutSeconds > 0 {
			conn.Timeout = time.Duration(src.TimeoutSeconds) * time.Second
		}
		out = append(out, openapi.SourceConfig{
			ID:               src.ID,
			Connector:        conn,
			Strategy:         src.Strategy,
			MaxToolsPerGroup: src.MaxToolsPerGroup,
		})
	}
	return out, nil
}

func authSpec(a config.AuthConfig) caravan.AuthSpec {
	return caravan.AuthSpec{
		Kind:  caravan.AuthKind(a.Kind),
		Name:  a.Name,
		In:    a.In,
		Value: a.Value,
		User:  a.User,
		Pass:  a.Pass,
	}
}
