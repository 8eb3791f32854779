// Package app wires all well-scenario subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithHistory,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang/freetype/truetype"

	"github.com/sakihiromi/well-scenario/internal/api"
	"github.com/sakihiromi/well-scenario/internal/config"
	"github.com/sakihiromi/well-scenario/internal/health"
	"github.com/sakihiromi/well-scenario/internal/observe"
	"github.com/sakihiromi/well-scenario/internal/overlay/chartrender"
	"github.com/sakihiromi/well-scenario/internal/scenario"
	"github.com/sakihiromi/well-scenario/internal/store"
	"github.com/sakihiromi/well-scenario/internal/store/postgres"
	"github.com/sakihiromi/well-scenario/internal/store/sqlite"
)

// drainTimeout bounds how long Run waits for in-flight requests.
const drainTimeout = 15 * time.Second

// App owns all subsystem lifetimes and serves the scenario API.
type App struct {
	reg        *config.Registry
	metrics    *observe.Metrics
	level      *slog.LevelVar
	metricsOut http.Handler

	mu  sync.Mutex
	cfg *config.Config

	// reloadMu serialises configuration and definitions reloads.
	reloadMu sync.Mutex

	profiles  *store.Profiles
	outputs   *store.Outputs
	history   store.History
	defs      *scenario.Definitions
	chartFont *truetype.Font

	api     *api.Server
	handler http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistory injects an edit history store instead of opening one from config.
func WithHistory(h store.History) Option {
	return func(a *App) { a.history = h }
}

// WithMetrics injects the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the /metrics handler, normally
// [observe.Telemetry.Handler]. Defaults to [observe.MetricsHandler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsOut = h }
}

// WithLevelVar lets configuration reloads change the log level of the
// handler built around lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. LLM providers are
// created through reg from the provider entries of cfg.
//
// New performs all initialisation synchronously: output directory creation,
// history store connection, metric definition and font loading, provider
// construction and route registration.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		reg: reg,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsOut == nil {
		a.metricsOut = observe.MetricsHandler()
	}

	// ── 1. File stores ───────────────────────────────────────────────────
	a.profiles = store.NewProfiles(cfg.Storage.ProfilesDir)
	a.outputs = store.NewOutputs(cfg.Storage.OutputsDir)
	if err := os.MkdirAll(cfg.Storage.OutputsDir, 0o755); err != nil {
		return nil, fmt.Errorf("app: create outputs dir: %w", err)
	}
	if _, err := os.Stat(cfg.Storage.ProfilesDir); err != nil {
		slog.Warn("profile directory unavailable", "path", cfg.Storage.ProfilesDir, "err", err)
	}

	// ── 2. Edit history ──────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 3. Metric definitions and chart font ─────────────────────────────
	a.initDefinitions()
	if path := cfg.Storage.ChartFont; path != "" {
		f, err := chartrender.LoadFont(path)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.chartFont = f
	}

	// ── 4. Providers ─────────────────────────────────────────────────────
	pipeline, err := a.buildPipeline(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: build pipeline: %w", err)
	}

	// ── 5. Routes ────────────────────────────────────────────────────────
	a.api = api.New(api.Deps{
		Profiles:    a.profiles,
		Outputs:     a.outputs,
		MetricsFile: cfg.Storage.MetricsFile,
		History:     a.history,
		Pipeline:    pipeline,
	},
		api.WithMetrics(a.metrics),
		api.WithGenerationTimeout(cfg.Generation.Timeout),
		api.WithDefaultUtterances(cfg.Generation.DefaultNumUtterances),
		api.WithChartFont(a.chartFont),
	)

	// Saves and metric definitions degrade gracefully, so their checks
	// never take the instance out of rotation.
	checkers := []health.Checker{
		health.Dir("profiles_dir", cfg.Storage.ProfilesDir),
		health.WritableDir("outputs_dir", cfg.Storage.OutputsDir),
	}
	if cfg.Storage.MetricsFile != "" {
		checkers = append(checkers, health.File("metrics_file", cfg.Storage.MetricsFile).AsOptional())
	}
	if a.history != nil {
		checkers = append(checkers, health.Ping("history", a.history).AsOptional())
	}

	mux := http.NewServeMux()
	a.api.Register(mux)
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", a.metricsOut)
	a.handler = observe.Middleware(a.metrics,
		observe.WithQuietRoutes("/healthz", "/readyz", "/metrics"),
	)(mux)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHistory opens the configured edit history backend. PostgreSQL wins
// when both backends are configured; with neither, history is disabled.
func (a *App) initHistory(ctx context.Context) error {
	if a.history != nil {
		return nil // injected
	}

	switch {
	case a.cfg.Storage.PostgresDSN != "":
		h, err := postgres.NewHistory(ctx, a.cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		a.history = h
		slog.Info("edit history enabled", "backend", "postgres")
	case a.cfg.Storage.HistorySQLite != "":
		h, err := sqlite.Open(a.cfg.Storage.HistorySQLite)
		if err != nil {
			return err
		}
		a.history = h
		slog.Info("edit history enabled", "backend", "sqlite", "path", a.cfg.Storage.HistorySQLite)
	default:
		slog.Info("edit history disabled")
		return nil
	}

	a.closers = append(a.closers, a.history.Close)
	return nil
}

// initDefinitions loads the metric definitions embedded in annotation
// prompts. A missing or broken file only degrades prompt quality.
func (a *App) initDefinitions() {
	defs, err := scenario.LoadDefinitions(a.cfg.Storage.MetricsFile)
	if err != nil {
		slog.Warn("metric definitions unavailable, annotating without them",
			"path", a.cfg.Storage.MetricsFile, "err", err)
		return
	}
	a.defs = defs
}

func (a *App) definitions() *scenario.Definitions {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.defs
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the fully instrumented HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a new configuration. It is
// the change callback of a [config.Watcher]. The log level takes effect
// immediately; sanitize mode and temperature changes swap the generation
// pipeline for subsequent requests. Other changes are logged and wait for a
// restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	d := config.Diff(old, new)
	for _, field := range d.RestartRequired {
		slog.Warn("config change requires restart", "field", field)
	}
	if !d.Changed() {
		return
	}

	a.mu.Lock()
	cur := *a.cfg
	a.mu.Unlock()

	if d.LogLevelChanged {
		cur.Server.LogLevel = d.NewLogLevel
		if a.level != nil {
			a.level.Set(SlogLevel(d.NewLogLevel))
		}
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.SanitizeChanged || d.TemperaturesChanged {
		cur.Generation.SanitizeMode = new.Generation.SanitizeMode
		cur.Generation.ScenarioTemperature = new.Generation.ScenarioTemperature
		cur.Generation.AnnotationTemperature = new.Generation.AnnotationTemperature
		p, err := a.buildPipeline(&cur)
		if err != nil {
			slog.Error("config reload: rebuild pipeline", "err", err)
			return
		}
		a.api.SetPipeline(p)
		slog.Info("generation settings reloaded",
			"sanitize", cur.Generation.Sanitize(),
		)
	}

	a.mu.Lock()
	a.cfg = &cur
	a.mu.Unlock()
}

// ReloadDefinitions replaces the metric definitions embedded in annotation
// prompts and swaps the pipeline. It is the definitions callback of a
// [config.Watcher]. Content that does not parse is logged and the previous
// definitions stay in effect.
func (a *App) ReloadDefinitions(data []byte) {
	defs, err := scenario.ParseDefinitions(data)
	if err != nil {
		slog.Warn("metric definitions reload rejected", "err", err)
		return
	}

	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	a.mu.Lock()
	a.defs = defs
	cfg := a.cfg
	a.mu.Unlock()

	p, err := a.buildPipeline(cfg)
	if err != nil {
		slog.Error("definitions reload: rebuild pipeline", "err", err)
		return
	}
	a.api.SetPipeline(p)
	slog.Info("metric definitions reloaded")
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and blocks until ctx is
// cancelled, then drains in-flight requests. A clean stop returns nil.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config()
	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	cfg := a.Config()
	srv := &http.Server{
		Handler:      a.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	slog.Info("app running", "addr", ln.Addr().String(), "tls", cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: drain http: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: serve: %w", err)
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config.LogLevel to the slog level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
