package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/xraph/unitledger/config"
	"github.com/xraph/unitledger/server"
)

var (
	// Global flags
	cfgFile string
	envFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "unitledger",
	Short: "Usage-period accounting for prepaid unit subscriptions",
	Long: `unitledger tracks prepaid unit pools sliced into usage periods,
records consumption against them and reconciles invoices and payments.

Quick start:
  unitledger migrate   # Create or upgrade the schema
  unitledger serve     # Start the HTTP API

Scheduled tasks:
  unitledger invoices mark-overdue
  unitledger invoices generate-due --company=acme

Administration:
  unitledger subscriptions show --company=acme
  unitledger subscriptions regenerate-periods --company=acme --units-per-period=2000`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "unitledger.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
}

// loadConfig reads the .env file and the config file. A missing default
// config file falls back to defaults and environment variables.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}

	path := cfgFile
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		path = ""
	}
	return config.Load(path)
}

// openServer loads config and opens every backend. The caller must Stop
// the returned server.
func openServer(cmd *cobra.Command) (*server.Server, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := server.NewLogger(cfg.Logging, os.Stderr)

	s := server.New(*cfg, server.WithLogger(logger))
	if err := s.Open(cmd.Context()); err != nil {
		_ = s.Stop() //nolint:errcheck // already failing
		return nil, nil, err
	}
	return s, cfg, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func background(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
