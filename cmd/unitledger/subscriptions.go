package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/unitledger"
	"github.com/xraph/unitledger/subscription"
	"github.com/xraph/unitledger/types"
)

var subscriptionsCmd = &cobra.Command{
	Use:     "subscriptions",
	Aliases: []string{"subs"},
	Short:   "Inspect and administer subscriptions",
}

var showSubscriptionCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a subscription and its periods as JSON",
	RunE:  runShowSubscription,
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate-periods",
	Short: "Rebuild a subscription's periods from changed terms",
	Long: `Rebuild a subscription's periods from its current terms with the
given flags applied, then re-apply its historical usage earliest-first.

Only flags that are set change the terms. The unit type cannot change.

Examples:
  unitledger subscriptions regenerate-periods --company=acme --units-per-period=2000
  unitledger subscriptions regenerate-periods --company=acme --end=2025-12-31T00:00:00Z`,
	RunE: runRegenerate,
}

var (
	subCompany        string
	subUnitsPerPeriod int64
	subPromotional    int64
	subPrice          string
	subStart          string
	subEnd            string
	subFrequency      string
	subTermsDays      int
	subEnterprise     bool
	subDryRun         bool
)

func init() {
	rootCmd.AddCommand(subscriptionsCmd)
	subscriptionsCmd.AddCommand(showSubscriptionCmd, regenerateCmd)

	subscriptionsCmd.PersistentFlags().StringVar(&subCompany, "company", "", "company id")
	_ = subscriptionsCmd.MarkPersistentFlagRequired("company") //nolint:errcheck // flag exists

	f := regenerateCmd.Flags()
	f.Int64Var(&subUnitsPerPeriod, "units-per-period", 0, "units allocated per period")
	f.Int64Var(&subPromotional, "promotional-units", 0, "promotional units spread over all periods")
	f.StringVar(&subPrice, "price", "", "price per unit, in the subscription currency")
	f.StringVar(&subStart, "start", "", "start date (RFC 3339)")
	f.StringVar(&subEnd, "end", "", "end date (RFC 3339), empty for open-ended")
	f.StringVar(&subFrequency, "billing-frequency", "", "monthly, quarterly or yearly")
	f.IntVar(&subTermsDays, "payment-terms-days", 0, "days between issue and due date")
	f.BoolVar(&subEnterprise, "enterprise", false, "allow overdraft")
	f.BoolVar(&subDryRun, "dry-run", false, "print the regenerated periods without saving")
}

func runShowSubscription(cmd *cobra.Command, _ []string) error {
	s, _, err := openServer(cmd)
	if err != nil {
		return err
	}
	defer s.Stop() //nolint:errcheck // one-shot command

	sub, err := s.Engine().GetSubscription(background(cmd), subCompany)
	if err != nil {
		return err
	}
	return printJSON(cmd, sub)
}

func runRegenerate(cmd *cobra.Command, _ []string) error {
	s, cfg, err := openServer(cmd)
	if err != nil {
		return err
	}
	defer s.Stop() //nolint:errcheck // one-shot command

	ctx := background(cmd)
	sub, err := s.Engine().GetSubscription(ctx, subCompany)
	if err != nil {
		return err
	}

	t, err := termsFromFlags(cmd, sub)
	if err != nil {
		return err
	}

	if subDryRun {
		preview, err := unitledger.Regenerate(sub, t, cfg.Billing.HorizonPeriods, time.Now().UTC())
		if err != nil {
			return err
		}
		return printJSON(cmd, preview.Periods)
	}

	updated, err := s.Engine().RegeneratePeriods(ctx, subCompany, t)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "regenerated %d period(s) for %s, balance %d\n",
		len(updated.Periods), updated.CompanyID, unitledger.AvailableBalance(updated))
	return nil
}

// termsFromFlags starts from the subscription's current terms and applies
// every flag that was set.
func termsFromFlags(cmd *cobra.Command, sub *subscription.Subscription) (unitledger.Terms, error) {
	t := unitledger.Terms{
		CompanyID:             sub.CompanyID,
		UnitType:              sub.UnitType,
		UnitsPerPeriod:        sub.UnitsPerPeriod,
		PromotionalUnitsTotal: sub.PromotionalUnitsTotal,
		PricePerUnit:          sub.PricePerUnit,
		StartDate:             sub.StartDate,
		EndDate:               sub.EndDate,
		Horizon:               len(sub.Periods),
		BillingFrequency:      sub.BillingFrequency,
		PaymentTermsDays:      sub.PaymentTermsDays,
		IsEnterprise:          sub.IsEnterprise,
		Metadata:              sub.Metadata,
	}

	f := cmd.Flags()
	if f.Changed("units-per-period") {
		t.UnitsPerPeriod = subUnitsPerPeriod
	}
	if f.Changed("promotional-units") {
		t.PromotionalUnitsTotal = subPromotional
	}
	if f.Changed("price") {
		price, err := types.Parse(subPrice, sub.PricePerUnit.Currency)
		if err != nil {
			return t, fmt.Errorf("--price: %w", err)
		}
		t.PricePerUnit = price
	}
	if f.Changed("start") {
		start, err := time.Parse(time.RFC3339, subStart)
		if err != nil {
			return t, fmt.Errorf("--start: %w", err)
		}
		t.StartDate = start.UTC()
	}
	if f.Changed("end") {
		if subEnd == "" {
			t.EndDate = nil
		} else {
			end, err := time.Parse(time.RFC3339, subEnd)
			if err != nil {
				return t, fmt.Errorf("--end: %w", err)
			}
			end = end.UTC()
			t.EndDate = &end
		}
	}
	if f.Changed("billing-frequency") {
		t.BillingFrequency = subscription.BillingFrequency(subFrequency)
	}
	if f.Changed("payment-terms-days") {
		t.PaymentTermsDays = subTermsDays
	}
	if f.Changed("enterprise") {
		t.IsEnterprise = subEnterprise
	}
	return t, nil
}
