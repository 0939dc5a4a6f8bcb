package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xraph/unitledger/server"
)

var (
	// Set via ldflags at build time
	version   = server.Version
	commit    = "none"
	buildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "unitledger %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "  commit:  %s\n", commit)
		fmt.Fprintf(cmd.OutOrStdout(), "  built:   %s\n", buildDate)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("configuration invalid: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "configuration valid")
		fmt.Fprintf(out, "  store:       %s\n", cfg.Store.Driver)
		fmt.Fprintf(out, "  idempotency: %s\n", cfg.Idempotency.Driver)
		fmt.Fprintf(out, "  listen:      %s%s\n", cfg.Server.Addr(), cfg.Server.BasePath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd, validateCmd)
}
