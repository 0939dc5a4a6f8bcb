package extension

import (
	"log/slog"

	"github.com/xraph/unitledger"
	"github.com/xraph/unitledger/plugin"
	"github.com/xraph/unitledger/server"
	"github.com/xraph/unitledger/store"
)

// Option configures the unitledger Forge extension.
type Option func(*Extension)

// WithStore sets the store for the unitledger engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithLedgerOption passes a unitledger.Option through to the underlying engine.
func WithLedgerOption(opt unitledger.Option) Option {
	return func(e *Extension) {
		e.serverOpts = append(e.serverOpts, server.WithLedgerOption(opt))
	}
}

// WithPlugin registers a unitledger plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.serverOpts = append(e.serverOpts, server.WithPlugin(p))
	}
}

// WithLogger sets the structured logger handed to the engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) {
		e.serverOpts = append(e.serverOpts, server.WithLogger(l))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents HTTP route registration.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithBasePath sets the URL prefix for unitledger routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithTaxRate sets the invoice tax rate.
func WithTaxRate(rate float64) Option {
	return func(e *Extension) { e.config.TaxRate = rate }
}

// WithCurrency sets the default currency.
func WithCurrency(currency string) Option {
	return func(e *Extension) { e.config.Currency = currency }
}

// WithGroveDatabase sets the name of the grove.DB to resolve from the DI container.
// The extension constructs the matching store backend (postgres/sqlite/mongo)
// from the grove driver. Pass an empty string to use the default (unnamed) grove.DB.
func WithGroveDatabase(name string) Option {
	return func(e *Extension) {
		e.config.GroveDatabase = name
		e.useGrove = true
	}
}
