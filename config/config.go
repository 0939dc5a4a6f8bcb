// Package config loads unitledger server configuration from YAML, a .env
// file and UNITLEDGER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/xraph/unitledger"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Billing     BillingConfig     `yaml:"billing"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Payments    PaymentsConfig    `yaml:"payments"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	BasePath        string        `yaml:"base_path"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver   string `yaml:"driver"` // memory, sqlite, postgres, mongo
	DSN      string `yaml:"dsn"`
	Database string `yaml:"database"` // mongo only
	Migrate  bool   `yaml:"migrate"`
}

// BillingConfig carries the engine's billing policy.
type BillingConfig struct {
	TaxRate           float64 `yaml:"tax_rate"`
	OverageMultiplier float64 `yaml:"overage_multiplier"`
	HorizonPeriods    int     `yaml:"horizon_periods"`
	MaxRetries        int     `yaml:"max_retries"`
	Currency          string  `yaml:"currency"`
}

// IdempotencyConfig configures transaction-confirmation dedupe.
type IdempotencyConfig struct {
	Driver string        `yaml:"driver"` // memory or redis
	Addr   string        `yaml:"addr"`
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// PaymentsConfig configures the processor webhook. An empty secret
// disables the webhook route.
type PaymentsConfig struct {
	StripeWebhookSecret string `yaml:"stripe_webhook_secret"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			BasePath:        "/v1",
		},
		Store: StoreConfig{
			Driver:   "sqlite",
			DSN:      "unitledger.db",
			Database: "unitledger",
			Migrate:  true,
		},
		Billing: BillingConfig{
			TaxRate:           0.06,
			OverageMultiplier: 1.5,
			HorizonPeriods:    12,
			MaxRetries:        3,
			Currency:          "usd",
		},
		Idempotency: IdempotencyConfig{
			Driver: "memory",
			Prefix: "unitledger:txn:",
			TTL:    72 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads configuration from a YAML file layered over Default, then
// applies environment overrides and validates. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = []byte(os.ExpandEnv(string(data)))
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads the first .env file found into the process environment.
// Variables already set are not overwritten. Missing files are not an
// error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
		return nil
	}
	return nil
}

// applyEnvOverrides applies UNITLEDGER_* environment variables.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("UNITLEDGER_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("UNITLEDGER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	// Store
	if v := os.Getenv("UNITLEDGER_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("UNITLEDGER_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("UNITLEDGER_STORE_DATABASE"); v != "" {
		cfg.Store.Database = v
	}

	// Billing
	if v := os.Getenv("UNITLEDGER_TAX_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Billing.TaxRate = f
		}
	}
	if v := os.Getenv("UNITLEDGER_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Billing.MaxRetries = n
		}
	}

	// Idempotency
	if v := os.Getenv("UNITLEDGER_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Driver = v
	}
	if v := os.Getenv("UNITLEDGER_REDIS_ADDR"); v != "" {
		cfg.Idempotency.Addr = v
	}

	// Payments
	if v := os.Getenv("UNITLEDGER_STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Payments.StripeWebhookSecret = v
	}

	// Logging
	if v := os.Getenv("UNITLEDGER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("UNITLEDGER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics
	if v := os.Getenv("UNITLEDGER_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

// Validate checks the configuration and returns a
// *unitledger.ConfigurationError naming the first bad field.
func (c *Config) Validate() error {
	bad := func(field, format string, args ...any) error {
		return &unitledger.ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return bad("server.port", "must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres", "mongo":
		if c.Store.DSN == "" {
			return bad("store.dsn", "required for driver %q", c.Store.Driver)
		}
	default:
		return bad("store.driver", "must be memory, sqlite, postgres or mongo, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "mongo" && c.Store.Database == "" {
		return bad("store.database", "required for driver mongo")
	}

	if c.Billing.TaxRate < 0 || c.Billing.TaxRate >= 1 {
		return bad("billing.tax_rate", "must be in [0, 1), got %v", c.Billing.TaxRate)
	}
	if c.Billing.OverageMultiplier < 1 {
		return bad("billing.overage_multiplier", "must be at least 1, got %v", c.Billing.OverageMultiplier)
	}
	if c.Billing.HorizonPeriods <= 0 {
		return bad("billing.horizon_periods", "must be positive, got %d", c.Billing.HorizonPeriods)
	}
	if c.Billing.MaxRetries <= 0 {
		return bad("billing.max_retries", "must be positive, got %d", c.Billing.MaxRetries)
	}
	if c.Billing.Currency == "" {
		return bad("billing.currency", "required")
	}

	switch c.Idempotency.Driver {
	case "memory":
	case "redis":
		if c.Idempotency.Addr == "" {
			return bad("idempotency.addr", "required for driver redis")
		}
	default:
		return bad("idempotency.driver", "must be memory or redis, got %q", c.Idempotency.Driver)
	}
	if c.Idempotency.TTL <= 0 {
		return bad("idempotency.ttl", "must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return bad("logging.level", "must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return bad("logging.format", "must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

// LedgerOptions converts the billing section into engine options.
func (c *Config) LedgerOptions() []unitledger.Option {
	return []unitledger.Option{
		unitledger.WithTaxRate(decimal.NewFromFloat(c.Billing.TaxRate)),
		unitledger.WithOverageMultiplier(decimal.NewFromFloat(c.Billing.OverageMultiplier)),
		unitledger.WithHorizon(c.Billing.HorizonPeriods),
		unitledger.WithMaxRetries(c.Billing.MaxRetries),
	}
}
