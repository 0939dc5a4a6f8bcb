package unitledger_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/unitledger"
	"github.com/xraph/unitledger/idempotency"
	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/store/memory"
	"github.com/xraph/unitledger/subscription"
	"github.com/xraph/unitledger/types"
)

// TestDocumentationExamples walks through the package documentation's
// Quick Start end to end.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		now := start
		store := memory.New()

		l := unitledger.New(store,
			unitledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
			unitledger.WithTaxRate(decimal.RequireFromString("0.06")),
			unitledger.WithIdempotencyGuard(idempotency.NewMemory(time.Hour)),
			unitledger.WithClock(func() time.Time { return now }),
		)

		ctx := context.Background()
		require.NoError(t, l.Start(ctx))
		defer l.Stop()

		sub, err := l.CreateSubscription(ctx, unitledger.Terms{
			CompanyID:             "acme",
			UnitType:              subscription.UnitPage,
			UnitsPerPeriod:        1000,
			PromotionalUnitsTotal: 100,
			PricePerUnit:          types.USD("0.10"),
			StartDate:             start,
			BillingFrequency:      subscription.BillingMonthly,
			PaymentTermsDays:      30,
		})
		require.NoError(t, err)
		require.Len(t, sub.Periods, unitledger.DefaultHorizon)
		assert.Equal(t, int64(9), sub.Periods[0].PromotionalUnits)
		assert.Equal(t, int64(8), sub.Periods[11].PromotionalUnits)

		receipt, err := l.RecordUsage(ctx, unitledger.UsageRequest{
			CompanyID:     "acme",
			Units:         950,
			TransactionID: "txn_123",
		})
		require.NoError(t, err)
		require.Len(t, receipt.Periods, 1)
		assert.Equal(t, int64(9), receipt.Periods[0].PromotionalDeducted)
		assert.Equal(t, int64(941), receipt.Periods[0].BaseDeducted)

		_, err = l.RecordUsage(ctx, unitledger.UsageRequest{CompanyID: "acme", Units: 950, TransactionID: "txn_123"})
		assert.ErrorIs(t, err, unitledger.ErrDuplicateEvent)

		got, err := l.GetSubscription(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, int64(59), got.Periods[0].UnitsRemaining())

		now = start.AddDate(0, 1, 0)
		inv, err := l.GenerateInvoice(ctx, "acme", []int{1})
		require.NoError(t, err)
		assert.Equal(t, invoice.StatusSent, inv.Status)
		assert.True(t, inv.TotalAmount.Equal(types.USD("106.00")), inv.TotalAmount.String())

		pay, err := l.RecordPayment(ctx, unitledger.PaymentRequest{
			CompanyID: "acme",
			IntentID:  "pi_1",
			Amount:    types.USD("60.00"),
		})
		require.NoError(t, err)
		_, err = l.ConfirmPayment(ctx, pay.ID)
		require.NoError(t, err)

		inv, err = l.ApplyPayment(ctx, inv.ID, pay.ID, types.USD("60.00"))
		require.NoError(t, err)
		assert.Equal(t, invoice.StatusPartiallyPaid, inv.Status)
	})
}
