package extension

import (
	"github.com/xraph/unitledger/config"
)

// Config holds the unitledger extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.unitledger" or "unitledger" keys).
type Config struct {
	// DisableRoutes prevents HTTP route registration.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for unitledger routes (default: "/unitledger").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// Currency is the ISO code used when a request omits one (default: "usd").
	Currency string `json:"currency" mapstructure:"currency" yaml:"currency"`

	// TaxRate is applied to every invoice subtotal (default: 0.06).
	TaxRate float64 `json:"tax_rate" mapstructure:"tax_rate" yaml:"tax_rate"`

	// OverageMultiplier scales the unit price of enterprise overage (default: 1.5).
	OverageMultiplier float64 `json:"overage_multiplier" mapstructure:"overage_multiplier" yaml:"overage_multiplier"`

	// HorizonPeriods is how many periods an open-ended subscription
	// generates (default: 12).
	HorizonPeriods int `json:"horizon_periods" mapstructure:"horizon_periods" yaml:"horizon_periods"`

	// MaxRetries bounds version-conflict retries per operation (default: 3).
	MaxRetries int `json:"max_retries" mapstructure:"max_retries" yaml:"max_retries"`

	// StripeWebhookSecret enables the payment webhook route when set.
	StripeWebhookSecret string `json:"stripe_webhook_secret" mapstructure:"stripe_webhook_secret" yaml:"stripe_webhook_secret"`

	// GroveDatabase is the name of a grove.DB registered in the DI container.
	// When set, the extension resolves this named database and constructs
	// the matching store for its driver (pg/sqlite/mongo).
	// When empty and WithGroveDatabase was called, the default (unnamed) DB is used.
	GroveDatabase string `json:"grove_database" mapstructure:"grove_database" yaml:"grove_database"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	billing := config.Default().Billing
	return Config{
		BasePath:          "/unitledger",
		Currency:          billing.Currency,
		TaxRate:           billing.TaxRate,
		OverageMultiplier: billing.OverageMultiplier,
		HorizonPeriods:    billing.HorizonPeriods,
		MaxRetries:        billing.MaxRetries,
	}
}

// serverConfig maps the extension config onto a server configuration
// with an in-memory store. A store supplied by option or resolved from
// grove replaces it.
func (c Config) serverConfig() config.Config {
	cfg := config.Default()
	cfg.Server.BasePath = c.BasePath
	cfg.Store = config.StoreConfig{Driver: "memory", Migrate: !c.DisableMigrate}
	cfg.Billing = config.BillingConfig{
		TaxRate:           c.TaxRate,
		OverageMultiplier: c.OverageMultiplier,
		HorizonPeriods:    c.HorizonPeriods,
		MaxRetries:        c.MaxRetries,
		Currency:          c.Currency,
	}
	cfg.Payments.StripeWebhookSecret = c.StripeWebhookSecret
	cfg.Metrics.Enabled = false
	return cfg
}
