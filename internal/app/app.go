// Package app wires the caravan runtime into an HTTP server: the run
// coordinator, input guards, the janitor, and the REST+SSE surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	caravan "github.com/nevindra/caravan"
	"github.com/nevindra/caravan/internal/config"
)

// Deps holds injected dependencies for the App.
type Deps struct {
	Client   caravan.LLMClient
	Store    caravan.Store
	Provider caravan.ToolProvider
	Toolsets *caravan.ToolsetRegistry
	Tracer   caravan.Tracer
	Logger   *slog.Logger
}

// App is the caravan server application.
type App struct {
	cfg         config.Config
	store       caravan.Store
	coordinator *caravan.Coordinator
	janitor     *caravan.Janitor
	toolsets    *caravan.ToolsetRegistry
	logger      *slog.Logger
	mux         *http.ServeMux
}

// New creates the App: coordinator, guards, and janitor built from cfg,
// routes registered on an internal mux.
func New(cfg config.Config, deps Deps) *App {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	copts := []caravan.CoordinatorOption{
		caravan.WithCoordinatorLogger(logger),
		caravan.WithDefaultConfig(runDefaults(cfg)),
	}
	if guards := buildGuards(cfg.Guard); guards != nil {
		copts = append(copts, caravan.WithGuards(guards))
	}
	if cfg.Run.TTLMinutes > 0 {
		copts = append(copts, caravan.WithRunTTL(time.Duration(cfg.Run.TTLMinutes)*time.Minute))
	}
	if cfg.Run.IdleTimeoutSeconds > 0 {
		copts = append(copts, caravan.WithRunIdleTimeout(time.Duration(cfg.Run.IdleTimeoutSeconds)*time.Second))
	}
	if deps.Tracer != nil {
		copts = append(copts, caravan.WithCoordinatorTracer(deps.Tracer))
	}
	coordinator := caravan.NewCoordinator(deps.Client, deps.Store, deps.Provider, copts...)

	jopts := []caravan.JanitorOption{
		caravan.WithLiveCheck(coordinator.IsLive),
		caravan.WithJanitorLogger(logger),
	}
	if cfg.Run.SweepIntervalSeconds > 0 {
		jopts = append(jopts, caravan.WithSweepInterval(time.Duration(cfg.Run.SweepIntervalSeconds)*time.Second))
	}

	a := &App{
		cfg:         cfg,
		store:       deps.Store,
		coordinator: coordinator,
		janitor:     caravan.NewJanitor(deps.Store, jopts...),
		toolsets:    deps.Toolsets,
		logger:      logger,
	}
	a.mux = a.routes()
	return a
}

// Handler returns the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler { return a.mux }

// Run starts the application: init storage, start the janitor, serve
// HTTP until ctx is done, then shut down gracefully.
func (a *App) Run(ctx context.Context) error {
	if init, ok := a.store.(interface{ Init(context.Context) error }); ok {
		if err := init.Init(ctx); err != nil {
			return fmt.Errorf("store init: %w", err)
		}
	}

	go a.janitor.Run(ctx)

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.logger.Info("caravan server listening", "addr", a.cfg.Server.Addr)

	select {
	case <-ctx.Done():
		a.logger.Info("caravan: shutting down")
		// Cancelling live runs closes their sinks, which ends any open
		// SSE handlers, so Shutdown can drain.
		a.coordinator.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// RunWithSignal wraps Run with OS signal handling for graceful shutdown.
func (a *App) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

// buildGuards assembles the input guard chain from config. Returns nil
// when every guard is disabled.
func buildGuards(cfg config.GuardConfig) *caravan.GuardChain {
	var guards []caravan.InputGuard
	if !cfg.DisableInjectionGuard {
		guards = append(guards, caravan.NewInjectionGuard())
	}
	if cfg.MaxInputRunes > 0 {
		guards = append(guards, caravan.NewLengthGuard(cfg.MaxInputRunes))
	}
	if len(cfg.BlockedKeywords) > 0 {
		guards = append(guards, caravan.NewKeywordGuard(cfg.BlockedKeywords...))
	}
	if len(guards) == 0 {
		return nil
	}
	return caravan.NewGuardChain(guards...)
}

// runDefaults maps the config file's run settings onto the server-side
// RunConfig that per-run overrides merge into.
func runDefaults(cfg config.Config) caravan.RunConfig {
	out := caravan.RunConfig{
		Model:                    cfg.LLM.Model,
		SystemPrompt:             cfg.Run.SystemPrompt,
		MaxToolCallContinuations: cfg.Run.MaxContinuations,
	}
	out.ToolExecutor.ExecutionStrategy = cfg.Run.ExecutionStrategy
	out.ToolExecutor.ToolTimeoutSeconds = cfg.Run.ToolTimeoutSeconds
	out.ContextManager.MaxInputTokens = cfg.Context.MaxInputTokens
	out.ContextManager.PreserveLastN = cfg.Context.PreserveLastN
	out.ContextManager.SummaryTriggerRatio = cfg.Context.SummaryTriggerRatio
	if !cfg.Context.Enabled {
		disabled := false
		out.EnableContextManagement = &disabled
	}
	return out
}
