package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(background(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	s, _, err := openServer(cmd)
	if err != nil {
		return err
	}
	defer s.Stop() //nolint:errcheck // shutdown path

	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Run(ctx)
}
