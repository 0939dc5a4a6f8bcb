package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/xraph/forge"

	"github.com/xraph/unitledger/config"
	"github.com/xraph/unitledger/extension"
	"github.com/xraph/unitledger/server"
	"github.com/xraph/unitledger/store"
)

var forgeCmd = &cobra.Command{
	Use:   "forge",
	Short: "Run the HTTP API as a Forge application",
	Long: `forge hosts the unitledger API as an extension of a Forge application,
which adds Forge's health, metrics and lifecycle management. The store,
billing policy and base path come from the same config as serve.`,
	RunE: runForge,
}

func init() {
	rootCmd.AddCommand(forgeCmd)
}

func runForge(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := server.OpenStore(background(cmd), cfg.Store)
	if err != nil {
		return err
	}

	app := forge.New(
		forge.WithAppName(server.Name),
		forge.WithAppVersion(server.Version),
		forge.WithHTTPAddress(cfg.Server.Addr()),
		forge.WithExtensions(newExtension(cfg, st)),
	)
	return app.Run()
}

// newExtension maps the CLI config onto the Forge extension.
func newExtension(cfg *config.Config, st store.Store) *extension.Extension {
	return extension.New(
		extension.WithStore(st),
		extension.WithLogger(server.NewLogger(cfg.Logging, os.Stderr)),
		extension.WithConfig(extension.Config{
			DisableMigrate:      !cfg.Store.Migrate,
			BasePath:            cfg.Server.BasePath,
			Currency:            cfg.Billing.Currency,
			TaxRate:             cfg.Billing.TaxRate,
			OverageMultiplier:   cfg.Billing.OverageMultiplier,
			HorizonPeriods:      cfg.Billing.HorizonPeriods,
			MaxRetries:          cfg.Billing.MaxRetries,
			StripeWebhookSecret: cfg.Payments.StripeWebhookSecret,
		}),
	)
}
