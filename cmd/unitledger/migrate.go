package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	s, cfg, err := openServer(cmd)
	if err != nil {
		return err
	}
	defer s.Stop() //nolint:errcheck // one-shot command

	if err := s.Engine().Store().Migrate(background(cmd)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "migrated %s store\n", cfg.Store.Driver)
	return nil
}
