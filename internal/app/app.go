// Package app wires the speech-query server subsystems into a running
// application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithSessionStore, WithMetrics, WithMetricsHandler, WithListener). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/speechquery/internal/config"
	"github.com/MrWong99/speechquery/internal/conversation"
	"github.com/MrWong99/speechquery/internal/gateway"
	"github.com/MrWong99/speechquery/internal/health"
	"github.com/MrWong99/speechquery/internal/observe"
	"github.com/MrWong99/speechquery/pkg/memory"
	"github.com/MrWong99/speechquery/pkg/memory/postgres"
	"github.com/MrWong99/speechquery/pkg/provider/llm"
	"github.com/MrWong99/speechquery/pkg/provider/stt"
	"github.com/MrWong99/speechquery/pkg/wire"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
}

// App owns all subsystem lifetimes of the speech-query server.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems are initialised in New and torn down in Shutdown.
	sessions memory.SessionStore
	settings *conversation.SettingsStore
	gateway  *gateway.Gateway
	health   *health.Handler
	metrics  *observe.Metrics
	scrape   http.Handler
	level    *slog.LevelVar
	server   *http.Server
	listener net.Listener
	checkers []health.Checker

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of creating one from config.
func WithSessionStore(s memory.SessionStore) Option {
	return func(a *App) { a.sessions = s }
}

// WithMetrics injects the metric instruments instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics instead of the default Prometheus
// registry, normally [observe.Telemetry.MetricsHandler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithListener makes Run serve on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithLogLevel lets [App.ApplyConfig] change the level of the process logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an llm provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}

	// ── 1. Session store ─────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. Gateway ───────────────────────────────────────────────────────
	a.initGateway()

	// ── 3. HTTP ──────────────────────────────────────────────────────────
	a.health = health.New(append(a.checkers,
		health.Configured("llm", func() bool { return a.providers.LLM != nil }, "no llm provider configured"),
	)...)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory sets up the PostgreSQL turn log, or an in-memory one when no DSN
// is configured.
func (a *App) initMemory(ctx context.Context) error {
	if a.sessions != nil {
		return nil // injected
	}

	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		slog.Info("memory.postgres_dsn not set, keeping turns in memory")
		a.sessions = memory.NewMemStore()
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.sessions = store
	a.checkers = append(a.checkers, health.Ping("session_store", store.Ping))
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initGateway builds the shared conversation settings and the WebSocket
// gateway.
func (a *App) initGateway() {
	conv := a.cfg.Conversation
	a.settings = conversation.NewSettingsStore(conversation.Settings{
		SystemPrompt: conv.SystemPrompt,
		Temperature:  conv.Temperature,
		MaxTokens:    conv.MaxResponseTokens,
	})

	window := conv.ContextWindow
	if window == 0 {
		window = a.providers.LLM.Capabilities().ContextWindow
	}
	if window == 0 {
		window = config.DefaultContextWindow
	}

	opts := []gateway.Option{
		gateway.WithStore(a.sessions),
		gateway.WithSettings(a.settings),
		gateway.WithMetrics(a.metrics),
		gateway.WithHistory(conversation.ContextManagerConfig{
			MaxTokens:      window,
			ThresholdRatio: conv.ThresholdRatio,
			Summariser:     conversation.NewLLMSummariser(a.providers.LLM),
			Counter:        a.providers.LLM,
		}),
	}
	if a.providers.STT != nil {
		opts = append(opts,
			gateway.WithSTT(a.providers.STT, a.cfg.Client.Recognition.Language, a.cfg.Client.Audio.SampleRate),
			gateway.WithKeywords(a.cfg.Client.Recognition.KeywordBoosts()),
		)
	}
	a.gateway = gateway.New(a.providers.LLM, opts...)
}

// Handler returns the HTTP handler with every route mounted.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(wire.Path, a.gateway)
	mux.HandleFunc("GET /healthz", a.health.Healthz)
	mux.HandleFunc("GET /readyz", a.health.Readyz)
	mux.Handle("GET /metrics", a.scrape)

	if dir := a.cfg.Server.StaticDir; dir != "" {
		mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(dir))))
		mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, filepath.Join(dir, "index.html"))
		})
	}
	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP (or HTTPS when server.tls is set) and blocks until ctx is
// cancelled or the server fails. Cancellation is not an error; call Shutdown
// afterwards to close open connections.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	slog.Info("listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ApplyConfig applies the hot-reloadable fields of a changed config file. It
// is the callback of a [config.Watcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(LogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SystemPromptChanged {
		a.settings.SetSystemPrompt(d.NewSystemPrompt)
		slog.Info("system prompt changed", "len", len(d.NewSystemPrompt))
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: readiness goes to failing,
// open WebSocket connections are closed, the HTTP server stops, then the
// closers run. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "connections", a.gateway.Active(), "closers", len(a.closers))
		a.health.SetDraining()

		if err := a.gateway.Shutdown(ctx); err != nil {
			slog.Warn("gateway shutdown incomplete", "err", err)
		}
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

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

// LogLevel converts a config level to an slog level. Unknown values map to
// info.
func LogLevel(level config.LogLevel) slog.Level {
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
