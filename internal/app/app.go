// Package app wires all analyzer subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until the context is canceled, and
// Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithStore,
// WithRegistry, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/wallbounce/wallbounce/internal/approval"
	"github.com/wallbounce/wallbounce/internal/config"
	"github.com/wallbounce/wallbounce/internal/eventbus"
	"github.com/wallbounce/wallbounce/internal/health"
	"github.com/wallbounce/wallbounce/internal/httpapi"
	"github.com/wallbounce/wallbounce/internal/observe"
	"github.com/wallbounce/wallbounce/internal/orchestrator"
	"github.com/wallbounce/wallbounce/internal/registry"
	"github.com/wallbounce/wallbounce/internal/secret"
	"github.com/wallbounce/wallbounce/internal/session"
	"github.com/wallbounce/wallbounce/pkg/embeddings/openai"
	"github.com/wallbounce/wallbounce/pkg/kv"
	"github.com/wallbounce/wallbounce/pkg/kv/inmem"
	kvredis "github.com/wallbounce/wallbounce/pkg/kv/redis"
	"github.com/wallbounce/wallbounce/pkg/retriever"
	"github.com/wallbounce/wallbounce/pkg/retriever/pgvector"
	"github.com/wallbounce/wallbounce/pkg/types"
)

// shutdownGrace bounds the HTTP server drain during Run teardown.
const shutdownGrace = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	// cfgMu guards the hot-reloadable parts of cfg (log level, defaults).
	cfgMu sync.Mutex
	cfg   *config.Config

	secrets   secret.Store
	registry  *registry.Registry
	store     kv.Store
	bus       *eventbus.Bus
	approvals *approval.Manager
	sessions  *session.Manager
	retr      retriever.Retriever
	orch      *orchestrator.Orchestrator
	api       *httpapi.Server
	metrics   *observe.Metrics

	logLevel *slog.LevelVar
	watcher  *config.Watcher

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSecretStore injects a secret store instead of the process environment.
func WithSecretStore(s secret.Store) Option {
	return func(a *App) { a.secrets = s }
}

// WithRegistry injects a provider registry instead of building one from config.
func WithRegistry(r *registry.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithStore injects a KV store instead of creating one from config.
func WithStore(s kv.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRetriever injects a context retriever instead of creating one from config.
func WithRetriever(r retriever.Retriever) Option {
	return func(a *App) { a.retr = r }
}

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: telemetry, provider construction, store connection, retriever
// connection, and HTTP surface assembly all happen here.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, logLevel: &slog.LevelVar{}}
	for _, o := range opts {
		o(a)
	}
	if a.secrets == nil {
		a.secrets = secret.EnvStore{}
	}

	a.initLogging()

	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	a.bus = eventbus.New()
	a.approvals = approval.New(a.bus)

	if err := a.initRegistry(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	if err := a.initSessions(ctx); err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}
	if err := a.initRetriever(ctx); err != nil {
		return nil, fmt.Errorf("app: init retriever: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Registry:      a.registry,
		Bus:           a.bus,
		Approvals:     a.approvals,
		Sessions:      a.sessions,
		Retriever:     a.retr,
		RetrieveLimit: cfg.Retriever.Limit,
		Metrics:       a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}
	a.orch = orch

	if err := a.initAPI(); err != nil {
		return nil, fmt.Errorf("app: init http api: %w", err)
	}
	return a, nil
}

// Orchestrator exposes the analysis facade for one-shot CLI use.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Sessions exposes the session manager for one-shot CLI use.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Options returns the configured per-call option defaults, reflecting any
// hot-reloaded values.
func (a *App) Options() types.Options {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.cfg.Options()
}

func (a *App) initLogging() {
	a.logLevel.Set(a.cfg.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: a.logLevel,
	})))
}

func (a *App) initTelemetry(ctx context.Context) error {
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		c, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return shutdown(c)
	})

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

func (a *App) initRegistry() error {
	if a.registry != nil {
		return nil
	}
	gate := &approval.Gate{
		Manager:  a.approvals,
		AutoMode: a.cfg.Approvals.AutoMode,
		Timeout:  a.cfg.Approvals.Timeout.Std(),
	}
	reg, err := config.BuildRegistry(a.cfg, a.secrets, gate)
	if err != nil {
		return err
	}
	a.registry = reg
	return nil
}

func (a *App) initSessions(ctx context.Context) error {
	if a.store == nil {
		if rc := a.cfg.Sessions.Redis; rc != nil {
			password, err := config.ResolveMaybe(rc.Password, a.secrets)
			if err != nil {
				return fmt.Errorf("redis password: %w", err)
			}
			store, err := kvredis.New(ctx, kvredis.Config{
				Addr:     rc.Addr,
				Password: password,
				DB:       rc.DB,
			})
			if err != nil {
				return err
			}
			a.store = store
			a.closers = append(a.closers, store.Close)
			slog.Info("session store connected", "backend", "redis", "addr", rc.Addr)
		} else {
			a.store = inmem.New()
			slog.Info("session store running in process memory; sessions will not survive restarts")
		}
	}

	vendors := make(map[string]string, len(a.registry.Descriptors()))
	for _, d := range a.registry.Descriptors() {
		vendors[d.ID] = d.Vendor
	}
	mgr, err := session.NewManager(session.Config{
		Store: a.store,
		TTL:   a.cfg.Sessions.TTL.Std(),
		VendorOf: func(providerID string) string {
			if v, ok := vendors[providerID]; ok {
				return v
			}
			return providerID
		},
	})
	if err != nil {
		return err
	}
	a.sessions = mgr
	return nil
}

func (a *App) initRetriever(ctx context.Context) error {
	if a.retr != nil || a.cfg.Retriever.PostgresDSN == "" {
		return nil
	}

	key, err := a.secrets.Resolve(a.cfg.Retriever.Embeddings.APIKey)
	if err != nil {
		return err
	}
	var embOpts []openai.Option
	if a.cfg.Retriever.Embeddings.BaseURL != "" {
		embOpts = append(embOpts, openai.WithBaseURL(a.cfg.Retriever.Embeddings.BaseURL))
	}
	embedder, err := openai.New(key, a.cfg.Retriever.Embeddings.Model, embOpts...)
	if err != nil {
		return err
	}

	dsn, err := config.ResolveMaybe(a.cfg.Retriever.PostgresDSN, a.secrets)
	if err != nil {
		return err
	}
	retr, err := pgvector.New(ctx, pgvector.Config{
		DSN:      dsn,
		Embedder: embedder,
		Table:    a.cfg.Retriever.Table,
	})
	if err != nil {
		return err
	}
	a.retr = retr
	a.closers = append(a.closers, func() error {
		retr.Close()
		return nil
	})
	slog.Info("context retriever connected", "table", a.cfg.Retriever.Table)
	return nil
}

func (a *App) initAPI() error {
	checkers := []health.Checker{
		health.Providers(a.registry, a.cfg.Options().MinProviders),
		health.KV(a.store),
	}
	if p, ok := a.retr.(health.Pinger); ok && p != nil {
		checkers = append(checkers, health.Retriever(p))
	}

	api, err := httpapi.New(httpapi.Config{
		Orchestrator: a.orch,
		Registry:     a.registry,
		Approvals:    a.approvals,
		Sessions:     a.sessions,
		Health:       health.New(checkers...),
		Metrics:      a.metrics,
	})
	if err != nil {
		return err
	}
	a.api = api
	return nil
}

// WatchConfig starts hot-reloading the config file at path. Log level and
// per-call defaults apply immediately; provider changes are reported but
// require a restart.
func (a *App) WatchConfig(path string, opts ...config.WatcherOption) error {
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			a.cfgMu.Lock()
			a.cfg.Server.LogLevel = d.NewLogLevel
			a.cfgMu.Unlock()
			a.logLevel.Set(new.SlogLevel())
			slog.Info("log level reloaded", "level", d.NewLogLevel)
		}
		if d.DefaultsChanged {
			a.cfgMu.Lock()
			a.cfg.Defaults = new.Defaults
			a.cfgMu.Unlock()
			slog.Info("per-call defaults reloaded")
		}
		if d.ProvidersChanged {
			slog.Warn("provider configuration changed on disk; restart to apply",
				"changes", len(d.ProviderChanges))
		}
	}, opts...)
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

// Run serves the HTTP API until ctx is canceled, then drains in-flight
// requests.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("serving", "addr", a.cfg.Server.ListenAddr,
		"providers", len(a.registry.Descriptors()))

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	drain, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(drain); err != nil {
		slog.Warn("http drain incomplete", "err", err)
	}
	return ctx.Err()
}

// Shutdown tears down all subsystems in order. It respects the context
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
