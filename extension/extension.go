// Package extension provides the Forge extension adapter for unitledger.
//
// It implements the forge.Extension interface to integrate the usage
// ledger into a Forge application with grove database discovery, DI
// registration, route mounting and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.unitledger" or
// "unitledger" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/xraph/unitledger"
	"github.com/xraph/unitledger/server"
	"github.com/xraph/unitledger/store"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "unitledger"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Usage-period accounting for prepaid unit subscriptions"

// ExtensionVersion is the semantic version.
const ExtensionVersion = server.Version

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts unitledger as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	server     *server.Server
	store      store.Store
	useGrove   bool
	serverOpts []server.Option
}

// New creates a new unitledger Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Ledger instance.
// This is nil until Register is called.
func (e *Extension) Engine() *unitledger.Ledger {
	if e.server == nil {
		return nil
	}
	return e.server.Engine()
}

// Config returns the resolved configuration.
func (e *Extension) Config() Config { return e.config }

// Register implements [forge.Extension]. It loads configuration, opens
// the engine on the resolved store, registers it in the DI container and
// mounts the HTTP API.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil && e.useGrove {
		st, err := e.resolveGroveStore(fapp)
		if err != nil {
			return err
		}
		e.store = st
	}

	opts := append([]server.Option(nil), e.serverOpts...)
	if e.store != nil {
		opts = append(opts, server.WithStore(e.store))
	}

	srv := server.New(e.config.serverConfig(), opts...)
	if err := srv.Open(context.Background()); err != nil {
		return fmt.Errorf("unitledger: open engine: %w", err)
	}
	e.server = srv

	if err := vessel.Provide(fapp.Container(), func() (*unitledger.Ledger, error) {
		return e.server.Engine(), nil
	}); err != nil {
		return err
	}

	if e.config.DisableRoutes {
		return nil
	}
	base := strings.TrimSuffix(e.config.BasePath, "/")
	return fapp.Router().Handle(base, http.StripPrefix(base, e.server.APIHandler()))
}

// resolveGroveStore resolves a *grove.DB from the DI container and builds
// the matching store backend.
func (e *Extension) resolveGroveStore(fapp forge.App) (store.Store, error) {
	var (
		db  *grove.DB
		err error
	)
	if e.config.GroveDatabase != "" {
		db, err = vessel.InjectNamed[*grove.DB](fapp.Container(), e.config.GroveDatabase)
	} else {
		db, err = vessel.Inject[*grove.DB](fapp.Container())
	}
	if err != nil {
		return nil, fmt.Errorf("unitledger: resolve grove database %q: %w", e.config.GroveDatabase, err)
	}
	return server.StoreFromGrove(db)
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.server == nil {
		return errors.New("unitledger: extension not initialized")
	}

	if err := e.server.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.server != nil {
		if err := e.server.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.server == nil {
		return errors.New("unitledger: store not initialized")
	}
	return e.server.Health(ctx)
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("unitledger: configuration is required but not found in config files; " +
				"ensure 'extensions.unitledger' or 'unitledger' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("unitledger: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("currency", e.config.Currency),
		forge.F("tax_rate", e.config.TaxRate),
		forge.F("grove_database", e.config.GroveDatabase),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	if cm == nil {
		return Config{}, false
	}

	for _, key := range []string{"extensions." + ExtensionName, ExtensionName} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("unitledger: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("unitledger: loaded config from file", forge.F("key", key))
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.Currency == "" {
		cfg.Currency = defaults.Currency
	}
	if cfg.TaxRate == 0 {
		cfg.TaxRate = defaults.TaxRate
	}
	if cfg.OverageMultiplier == 0 {
		cfg.OverageMultiplier = defaults.OverageMultiplier
	}
	if cfg.HorizonPeriods == 0 {
		cfg.HorizonPeriods = defaults.HorizonPeriods
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic bool flags fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	if yamlConfig.BasePath == "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}
	if yamlConfig.Currency == "" {
		yamlConfig.Currency = programmaticConfig.Currency
	}
	if yamlConfig.StripeWebhookSecret == "" {
		yamlConfig.StripeWebhookSecret = programmaticConfig.StripeWebhookSecret
	}
	if yamlConfig.GroveDatabase == "" {
		yamlConfig.GroveDatabase = programmaticConfig.GroveDatabase
	}

	if yamlConfig.TaxRate == 0 {
		yamlConfig.TaxRate = programmaticConfig.TaxRate
	}
	if yamlConfig.OverageMultiplier == 0 {
		yamlConfig.OverageMultiplier = programmaticConfig.OverageMultiplier
	}
	if yamlConfig.HorizonPeriods == 0 {
		yamlConfig.HorizonPeriods = programmaticConfig.HorizonPeriods
	}
	if yamlConfig.MaxRetries == 0 {
		yamlConfig.MaxRetries = programmaticConfig.MaxRetries
	}

	return mergeWithDefaults(yamlConfig)
}
