package server

import (
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/unitledger"
	audithook "github.com/xraph/unitledger/audit_hook"
	"github.com/xraph/unitledger/idempotency"
	"github.com/xraph/unitledger/plugin"
	"github.com/xraph/unitledger/store"
)

// Option configures a Server.
type Option func(*Server)

// WithStore uses s instead of opening the configured backend.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithRedis uses client for the redis idempotency guard.
func WithRedis(client redis.UniversalClient) Option {
	return func(s *Server) { s.redis = client }
}

// WithGuard overrides the configured idempotency guard.
func WithGuard(g idempotency.Guard) Option {
	return func(s *Server) { s.guard = g }
}

// WithLogger sets the logger for the server and engine.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithLedgerOption passes a unitledger.Option through to the engine.
func WithLedgerOption(opt unitledger.Option) Option {
	return func(s *Server) { s.ledgerOpts = append(s.ledgerOpts, opt) }
}

// WithPlugin registers an engine plugin.
func WithPlugin(p plugin.Plugin) Option {
	return WithLedgerOption(unitledger.WithPlugin(p))
}

// WithAuditRecorder registers the audit hook writing to r.
func WithAuditRecorder(r audithook.Recorder, opts ...audithook.Option) Option {
	return WithPlugin(audithook.New(r, opts...))
}

// WithClock overrides the time source of the engine and API.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		s.clock = clock
		s.ledgerOpts = append(s.ledgerOpts, unitledger.WithClock(clock))
	}
}
