// Package server assembles a runnable unitledger service from config:
// store backend, idempotency guard, metrics and audit plugins, the engine
// and its HTTP API.
//
// Configuration comes from a config.Config; Option functions supply
// programmatic overrides such as a pre-built store or extra plugins.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/xraph/grove"

	"github.com/xraph/unitledger"
	"github.com/xraph/unitledger/api"
	"github.com/xraph/unitledger/config"
	"github.com/xraph/unitledger/idempotency"
	"github.com/xraph/unitledger/observability"
	"github.com/xraph/unitledger/store"
	"github.com/xraph/unitledger/store/memory"
	"github.com/xraph/unitledger/store/mongo"
	"github.com/xraph/unitledger/store/postgres"
	"github.com/xraph/unitledger/store/sqlite"
)

// Name is reported by the health endpoint.
const Name = "unitledger"

// Version is the semantic version.
const Version = "0.1.0"

// Server owns the engine and everything it is wired to.
type Server struct {
	config config.Config
	logger *slog.Logger

	store   store.Store
	redis   redis.UniversalClient
	guard   idempotency.Guard
	metrics *observability.PrometheusFactory
	engine  *unitledger.Ledger

	ledgerOpts []unitledger.Option
	clock      func() time.Time
}

// New creates a Server. Nothing is opened until Open.
func New(cfg config.Config, opts ...Option) *Server {
	s := &Server{
		config: cfg,
		logger: slog.Default(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Engine returns the underlying Ledger. It is nil until Open succeeds.
func (s *Server) Engine() *unitledger.Ledger { return s.engine }

// Metrics returns the Prometheus factory, or nil when metrics are off.
func (s *Server) Metrics() *observability.PrometheusFactory { return s.metrics }

// Open connects the configured backends and builds the engine.
func (s *Server) Open(ctx context.Context) error {
	if s.store == nil {
		st, err := OpenStore(ctx, s.config.Store)
		if err != nil {
			return err
		}
		s.store = st
	}

	if s.guard == nil {
		guard, err := s.openGuard(ctx)
		if err != nil {
			return err
		}
		s.guard = guard
	}

	opts := []unitledger.Option{
		unitledger.WithLogger(s.logger),
		unitledger.WithIdempotencyGuard(s.guard),
	}
	opts = append(opts, s.config.LedgerOptions()...)

	if s.config.Metrics.Enabled {
		s.metrics = observability.NewPrometheusFactory(nil)
		opts = append(opts, unitledger.WithPlugin(observability.NewMetricsExtension(s.metrics)))
	}

	// Pass-through options last so they win over config.
	opts = append(opts, s.ledgerOpts...)

	s.engine = unitledger.New(s.store, opts...)
	return nil
}

// OpenStore opens the backend named by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		st, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "mongo":
		st, err := mongo.Open(ctx, cfg.DSN, cfg.Database)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, &unitledger.ConfigurationError{Field: "store.driver", Message: fmt.Sprintf("unknown driver %q", cfg.Driver)}
	}
}

// StoreFromGrove builds the backend matching the driver of an already
// opened grove database.
func StoreFromGrove(db *grove.DB) (store.Store, error) {
	switch name := db.Driver().Name(); name {
	case "sqlite":
		return sqlite.New(db), nil
	case "pg":
		return postgres.New(db), nil
	case "mongo":
		return mongo.New(db), nil
	default:
		return nil, &unitledger.ConfigurationError{Field: "store.driver", Message: fmt.Sprintf("unsupported grove driver %q", name)}
	}
}

func (s *Server) openGuard(ctx context.Context) (idempotency.Guard, error) {
	cfg := s.config.Idempotency
	if cfg.Driver != "redis" {
		return idempotency.NewMemory(cfg.TTL), nil
	}

	if s.redis == nil {
		s.redis = redis.NewClient(&redis.Options{Addr: cfg.Addr})
	}
	guard := idempotency.NewRedis(s.redis, cfg.Prefix, cfg.TTL)
	if err := guard.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unitledger: redis %s: %w", cfg.Addr, err)
	}
	return guard, nil
}

// Start migrates the store when enabled and starts the engine's plugins.
func (s *Server) Start(ctx context.Context) error {
	if s.engine == nil {
		return errors.New("unitledger: server not opened")
	}
	if !s.config.Store.Migrate {
		s.engine.Plugins().EmitInit(ctx, s.engine)
		return nil
	}
	return s.engine.Start(ctx)
}

// Stop shuts the engine down and closes every backend.
func (s *Server) Stop() error {
	var errs []error
	if s.engine != nil {
		errs = append(errs, s.engine.Stop())
	} else if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	return errors.Join(errs...)
}

// Health pings the store and, when used, Redis.
func (s *Server) Health(ctx context.Context) error {
	if s.store == nil {
		return errors.New("unitledger: store not initialized")
	}
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	if r, ok := s.guard.(*idempotency.Redis); ok {
		return r.Ping(ctx)
	}
	return nil
}

// Handler returns the root HTTP handler: the API under the configured base
// path, a health check and, when enabled, the metrics endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := s.Health(req.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(Name + " " + Version + " ok\n")) //nolint:errcheck // client gone
	})

	if s.metrics != nil {
		r.Handle(s.config.Metrics.Path, s.metrics.Handler())
	}

	r.Mount(s.config.Server.BasePath, s.APIHandler())

	return r
}

// APIHandler returns the API routes rooted at "/", without the base path,
// health check or metrics endpoint.
func (s *Server) APIHandler() http.Handler {
	return api.New(s.engine,
		api.WithLogger(s.logger),
		api.WithCurrency(s.config.Billing.Currency),
		api.WithStripeWebhookSecret(s.config.Payments.StripeWebhookSecret),
		api.WithClock(s.clock),
	).Routes()
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Server.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", srv.Addr, "base_path", s.config.Server.BasePath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down http server")
	return srv.Shutdown(shutdownCtx)
}
