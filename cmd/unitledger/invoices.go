package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var invoicesCmd = &cobra.Command{
	Use:   "invoices",
	Short: "Invoice maintenance tasks",
	Long: `Invoice tasks meant to be driven by an external scheduler.

Examples:
  unitledger invoices mark-overdue
  unitledger invoices mark-overdue --at=2025-03-01T00:00:00Z
  unitledger invoices generate-due --company=acme`,
}

var markOverdueCmd = &cobra.Command{
	Use:   "mark-overdue",
	Short: "Mark open invoices past their due date as overdue",
	RunE:  runMarkOverdue,
}

var generateDueCmd = &cobra.Command{
	Use:   "generate-due",
	Short: "Invoice every completed billing cycle of a company",
	RunE:  runGenerateDue,
}

var (
	invoicesAt      string
	invoicesCompany string
)

func init() {
	rootCmd.AddCommand(invoicesCmd)
	invoicesCmd.AddCommand(markOverdueCmd, generateDueCmd)

	invoicesCmd.PersistentFlags().StringVar(&invoicesAt, "at", "", "evaluate as of this RFC 3339 instant (default now)")
	generateDueCmd.Flags().StringVar(&invoicesCompany, "company", "", "company id")
	_ = generateDueCmd.MarkFlagRequired("company") //nolint:errcheck // flag exists
}

func asOf() (time.Time, error) {
	if invoicesAt == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, invoicesAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("--at: %w", err)
	}
	return t.UTC(), nil
}

func runMarkOverdue(cmd *cobra.Command, _ []string) error {
	at, err := asOf()
	if err != nil {
		return err
	}
	s, _, err := openServer(cmd)
	if err != nil {
		return err
	}
	defer s.Stop() //nolint:errcheck // one-shot command

	n, err := s.Engine().MarkOverdue(background(cmd), at)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "marked %d invoice(s) overdue\n", n)
	return nil
}

func runGenerateDue(cmd *cobra.Command, _ []string) error {
	at, err := asOf()
	if err != nil {
		return err
	}
	s, _, err := openServer(cmd)
	if err != nil {
		return err
	}
	defer s.Stop() //nolint:errcheck // one-shot command

	invs, err := s.Engine().GenerateDueInvoices(background(cmd), invoicesCompany, at)
	if err != nil {
		return err
	}
	for _, inv := range invs {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  periods=%v  total=%s\n",
			inv.InvoiceNumber, inv.BillingPeriod.PeriodNumbers, inv.TotalAmount)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "generated %d invoice(s)\n", len(invs))
	return nil
}
