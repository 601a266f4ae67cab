// Package app wires all voicecoach subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the stores, the live
// provider and the HTTP handlers, Run serves until the context is cancelled,
// and Shutdown releases everything in order.
//
// For testing, inject implementations via functional options
// (WithChatLog, WithLiveProvider, WithListener, ...). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicecoach/internal/config"
	"github.com/MrWong99/voicecoach/internal/health"
	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/internal/resilience"
	"github.com/MrWong99/voicecoach/internal/web"
	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/audio/capture"
	"github.com/MrWong99/voicecoach/pkg/chat"
	"github.com/MrWong99/voicecoach/pkg/provider/live"
	"github.com/MrWong99/voicecoach/pkg/store/postgres"
)

// shutdownGrace bounds how long in-flight HTTP requests may take once Run's
// context is cancelled.
const shutdownGrace = 10 * time.Second

// App owns all subsystem lifetimes of the voicecoach server.
type App struct {
	cfg atomic.Pointer[config.Config]

	registry *config.Registry
	watcher  *config.Watcher
	level    *slog.LevelVar
	metrics  *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	chat     chat.Log
	profiles web.ProfileStore
	pinger   health.Pinger
	live     live.Provider
	fallback *resilience.LiveFallback
	listener net.Listener
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithChatLog injects a chat log instead of creating one from config.
func WithChatLog(l chat.Log) Option {
	return func(a *App) { a.chat = l }
}

// WithProfileStore injects a profile store. It is only used together with
// WithChatLog.
func WithProfileStore(s web.ProfileStore) Option {
	return func(a *App) { a.profiles = s }
}

// WithLiveProvider injects the primary live provider instead of creating it
// through the registry. Configured fallbacks are still created.
func WithLiveProvider(p live.Provider) Option {
	return func(a *App) { a.live = p }
}

// WithRegistry sets the provider registry. Defaults to one holding the
// built-in providers, see [RegisterBuiltinProviders].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithWatcher makes Run poll the config file. Register [App.Reload] as the
// watcher's change callback.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithLogLevel sets the level variable adjusted when the config's log level
// changes on reload.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener makes Run serve on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. On error everything
// created so far is released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
		RegisterBuiltinProviders(a.registry)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(ParseLevel(cfg.Server.LogLevel))
	}

	// ── 1. Chat log and profiles ─────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Live provider with failover ───────────────────────────────────
	if err := a.initLive(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init live provider: %w", err)
	}

	// ── 3. HTTP ──────────────────────────────────────────────────────────
	handler, err := a.initHTTP()
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init http: %w", err)
	}
	a.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL or falls back to an in-memory chat log.
func (a *App) initStore(ctx context.Context) error {
	if a.chat != nil {
		return nil
	}
	dsn := a.cfg.Load().Store.PostgresDSN
	if dsn == "" {
		a.chat = &chat.MemoryLog{}
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.chat = store.Chat()
	a.profiles = store.Profiles()
	a.pinger = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("connected to postgres store")
	return nil
}

// initLive builds the primary provider and its fallbacks behind one
// breaker-protected [resilience.LiveFallback].
func (a *App) initLive() error {
	pc := a.cfg.Load().Providers
	primary := a.live
	if primary == nil {
		p, err := a.registry.CreateLive(pc.Live)
		if err != nil {
			return err
		}
		primary = p
	}

	a.fallback = resilience.NewLiveFallback(primary, pc.Live.Name, resilience.FallbackConfig{
		OnFailure: func(name string, err error) {
			a.metrics.RecordProviderError(context.Background(), name, "connect")
			slog.Warn("live provider connect failed", "provider", name, "err", err)
		},
	})
	for _, entry := range pc.LiveFallbacks {
		p, err := a.registry.CreateLive(entry)
		if err != nil {
			return fmt.Errorf("fallback: %w", err)
		}
		a.fallback.AddFallback(entry.Name, p)
	}
	slog.Info("live provider ready", "primary", pc.Live.Name, "fallbacks", len(pc.LiveFallbacks))
	return nil
}

// initHTTP assembles the voice, REST, health and metrics routes.
func (a *App) initHTTP() (http.Handler, error) {
	cfg := a.cfg.Load()
	opts := []web.Option{
		web.WithSettings(a.settings),
		web.WithMetrics(a.metrics),
		web.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	}
	if a.profiles != nil {
		opts = append(opts, web.WithProfiles(a.profiles))
	}
	srv, err := web.NewServer(a.fallback, a.chat, opts...)
	if err != nil {
		return nil, err
	}

	checkers := []health.Checker{health.BreakerChecker("live", a.fallback.States)}
	if a.pinger != nil {
		checkers = append(checkers, health.PingChecker("store", a.pinger))
	}

	mux := http.NewServeMux()
	srv.Register(mux)
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	return observe.Middleware(a.metrics)(mux), nil
}

// settings derives per-connection voice settings from the current config.
func (a *App) settings() web.Settings {
	cfg := a.cfg.Load()
	return web.Settings{
		DefaultProfile: cfg.Profile,
		Voice:          cfg.Voice.Name,
		Framing: capture.FramingConfig{
			FrameSize:  cfg.Voice.FrameSize,
			SampleRate: cfg.Voice.CaptureSampleRate,
		},
		Output: audio.Format{
			SampleRate: cfg.Voice.OutputSampleRate,
			Channels:   cfg.Voice.OutputChannels,
		},
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, and polls the config file when a watcher is set, until
// ctx is cancelled or the server fails. It returns nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %q: %w", cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown incomplete", "err", err)
		}
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.Server.TLS != nil)
	return g.Wait()
}

// Reload applies a changed config. Log level changes take effect at once;
// profile and voice changes reach sessions started afterwards. Sections only
// read at startup are reported and otherwise ignored.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.level.Set(ParseLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ProfileChanged || d.VoiceChanged {
		slog.Info("config reloaded; new voice sessions use the updated settings",
			"profile_changed", d.ProfileChanged,
			"voice_changed", d.VoiceChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
	a.cfg.Store(new)
}

// LiveStates returns the circuit breaker state of every live backend.
func (a *App) LiveStates() map[string]resilience.State { return a.fallback.States() }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases all subsystems. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
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

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}

// ParseLevel maps a config log level to its slog level. Unknown values map
// to Info.
func ParseLevel(level config.LogLevel) slog.Level {
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
