package unitledger

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/unitledger/id"
	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/payment"
	"github.com/xraph/unitledger/types"
)

func taxPolicy(rate string) BillingPolicy {
	p := DefaultBillingPolicy()
	p.TaxRate = decimal.RequireFromString(rate)
	return p
}

func settledPayment(amount string) *payment.Payment {
	return &payment.Payment{
		ID:             id.NewPaymentID(),
		CompanyID:      "acme",
		Amount:         types.USD(amount),
		Status:         payment.StatusCompleted,
		RefundedAmount: types.Zero("usd"),
	}
}

func sentInvoice(t *testing.T, now time.Time) *invoice.Invoice {
	t.Helper()
	sub := periodsSub(t, false, 1000, 0, 3)
	draft, err := BuildInvoice(sub, []int{1}, nil, taxPolicy("0.06"), now)
	require.NoError(t, err)
	inv, err := SendInvoice(draft, now)
	require.NoError(t, err)
	return inv
}

func TestBuildInvoiceBaseAndTax(t *testing.T) {
	sub := periodsSub(t, false, 1000, 0, 3)
	now := date(2025, 2, 1)

	inv, err := BuildInvoice(sub, []int{1}, nil, taxPolicy("0.06"), now)
	require.NoError(t, err)

	assert.Equal(t, invoice.StatusDraft, inv.Status)
	require.Len(t, inv.LineItems, 1)
	assert.Equal(t, invoice.LineItemBase, inv.LineItems[0].Type)
	assert.Equal(t, int64(1000), inv.LineItems[0].Quantity)
	assert.True(t, inv.Subtotal.Equal(types.USD("100")))
	assert.True(t, inv.TaxAmount.Equal(types.USD("6")))
	assert.True(t, inv.TotalAmount.Equal(types.USD("106.00")))
	assert.True(t, inv.AmountPaid.IsZero())
	assert.Equal(t, sub.Periods[0].PeriodStart, inv.BillingPeriod.Start)
	assert.Equal(t, sub.Periods[0].PeriodEnd, inv.BillingPeriod.End)
}

func TestBuildInvoiceOverage(t *testing.T) {
	sub := periodsSub(t, true, 100, 20, 2)
	sub.Periods[0].UnitsUsed = 150
	sub.Periods[1].UnitsUsed = 140

	policy := DefaultBillingPolicy()
	policy.OverageMultiplier = decimal.RequireFromString("1.5")

	inv, err := BuildInvoice(sub, []int{1, 2}, nil, policy, date(2025, 3, 1))
	require.NoError(t, err)
	require.Len(t, inv.LineItems, 2)

	over := inv.LineItems[1]
	assert.Equal(t, invoice.LineItemOverage, over.Type)
	assert.Equal(t, int64(70), over.Quantity)
	assert.True(t, over.UnitPrice.Equal(types.USD("0.15")))
	assert.True(t, over.Amount.Equal(types.USD("10.50")))
	assert.True(t, inv.Subtotal.Equal(types.USD("30.50")))
	assert.True(t, strings.Contains(over.Description, "periods 1-2"))
}

func TestBuildInvoiceRejectsBadRanges(t *testing.T) {
	sub := periodsSub(t, false, 100, 0, 3)
	now := date(2025, 4, 1)

	for name, nums := range map[string][]int{
		"empty":          nil,
		"gap":            {1, 3},
		"descending":     {2, 1},
		"missing period": {3, 4},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := BuildInvoice(sub, nums, nil, DefaultBillingPolicy(), now)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestBuildInvoiceDuplicate(t *testing.T) {
	sub := periodsSub(t, false, 100, 0, 3)
	now := date(2025, 4, 1)

	first, err := BuildInvoice(sub, []int{1, 2}, nil, DefaultBillingPolicy(), now)
	require.NoError(t, err)
	first.InvoiceNumber = "INV-202504-AAAAAAAA"

	_, err = BuildInvoice(sub, []int{2, 3}, []*invoice.Invoice{first}, DefaultBillingPolicy(), now)
	var dup *DuplicateInvoiceError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, []int{2}, dup.PeriodNumbers)
	assert.Equal(t, "INV-202504-AAAAAAAA", dup.InvoiceNumber)

	first.Status = invoice.StatusCancelled
	_, err = BuildInvoice(sub, []int{2, 3}, []*invoice.Invoice{first}, DefaultBillingPolicy(), now)
	assert.NoError(t, err, "cancelled invoices release their periods")
}

func TestInvoiceNumberFormat(t *testing.T) {
	n := InvoiceNumber(date(2025, 3, 9))
	assert.Regexp(t, `^INV-202503-[0-9A-F]{8}$`, n)
}

func TestSendInvoice(t *testing.T) {
	now := date(2025, 2, 1)
	inv := sentInvoice(t, now)

	assert.Equal(t, invoice.StatusSent, inv.Status)
	require.NotNil(t, inv.DueDate)
	assert.Equal(t, now.AddDate(0, 0, 30), *inv.DueDate)
	assert.Equal(t, now, *inv.IssuedAt)

	_, err := SendInvoice(inv, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApplyPaymentStateMachine(t *testing.T) {
	now := date(2025, 2, 1)
	inv := sentInvoice(t, now)

	first := settledPayment("60.00")
	inv, err := ApplyPayment(inv, first, types.USD("60.00"), now)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPartiallyPaid, inv.Status)
	assert.True(t, inv.AmountDue().Equal(types.USD("46")))

	second := settledPayment("46.00")
	inv, err = ApplyPayment(inv, second, types.USD("46.00"), now.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, inv.Status)
	require.NotNil(t, inv.PaidAt)
	assert.Len(t, inv.PaymentApplications, 2)

	_, err = ApplyPayment(inv, settledPayment("1.00"), types.USD("1.00"), now)
	assert.ErrorIs(t, err, ErrInvoiceTerminal)
}

func TestApplyPaymentRejectsOtherCompany(t *testing.T) {
	now := date(2025, 2, 1)
	inv := sentInvoice(t, now)

	foreign := settledPayment("50.00")
	foreign.CompanyID = "globex"
	_, err := ApplyPayment(inv, foreign, types.USD("50.00"), now)
	require.ErrorIs(t, err, ErrInvalidInput)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "company_id", verr.Field)
}

func TestApplyPaymentOverpaymentClampsAtPaid(t *testing.T) {
	now := date(2025, 2, 1)
	inv := sentInvoice(t, now)

	inv, err := ApplyPayment(inv, settledPayment("150.00"), types.USD("150.00"), now)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, inv.Status)
	assert.True(t, inv.Overpayment().Equal(types.USD("44")))
	assert.True(t, inv.AmountDue().IsZero())
}

func TestApplyPaymentValidation(t *testing.T) {
	now := date(2025, 2, 1)
	inv := sentInvoice(t, now)

	pay := settledPayment("50.00")
	pay.RefundedAmount = types.USD("20.00")
	pay.Status = payment.StatusPartiallyRefunded

	_, err := ApplyPayment(inv, pay, types.USD("30.01"), now)
	assert.ErrorIs(t, err, ErrInvalidInput, "more than the net amount")

	partial, err := ApplyPayment(inv, pay, types.USD("20.00"), now)
	require.NoError(t, err)
	_, err = ApplyPayment(partial, pay, types.USD("10.01"), now)
	assert.ErrorIs(t, err, ErrInvalidInput, "earlier applications count")
	_, err = ApplyPayment(partial, pay, types.USD("10.00"), now)
	assert.NoError(t, err)

	_, err = ApplyPayment(inv, settledPayment("5"), types.USD("0"), now)
	assert.ErrorIs(t, err, ErrInvalidInput)

	pending := settledPayment("5")
	pending.Status = payment.StatusPending
	_, err = ApplyPayment(inv, pending, types.USD("5"), now)
	assert.ErrorIs(t, err, ErrPaymentNotSettled)

	linked := settledPayment("5")
	linked.InvoiceID = id.NewInvoiceID()
	_, err = ApplyPayment(inv, linked, types.USD("5"), now)
	assert.ErrorIs(t, err, ErrInvalidInput)

	euro := &payment.Payment{ID: id.NewPaymentID(), Amount: types.EUR("5"), Status: payment.StatusCompleted, RefundedAmount: types.Zero("eur")}
	_, err = ApplyPayment(inv, euro, types.EUR("5"), now)
	assert.ErrorIs(t, err, ErrInvalidInput)

	draft := inv.Clone()
	draft.Status = invoice.StatusDraft
	_, err = ApplyPayment(draft, settledPayment("5"), types.USD("5"), now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDeriveStatusOverdue(t *testing.T) {
	now := date(2025, 2, 1)
	inv := sentInvoice(t, now)

	assert.Equal(t, invoice.StatusSent, DeriveStatus(inv, now.AddDate(0, 0, 30)))
	assert.Equal(t, invoice.StatusOverdue, DeriveStatus(inv, now.AddDate(0, 0, 31)))

	overdue, changed := RefreshStatus(inv, now.AddDate(0, 0, 31))
	require.True(t, changed)
	assert.Equal(t, invoice.StatusOverdue, overdue.Status)
	assert.Equal(t, invoice.StatusSent, inv.Status)

	paid, err := ApplyPayment(overdue, settledPayment("106"), types.USD("106"), now.AddDate(0, 0, 40))
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, paid.Status)
	assert.Equal(t, invoice.StatusPaid, DeriveStatus(paid, now.AddDate(1, 0, 0)))
}

func TestCancelInvoice(t *testing.T) {
	now := date(2025, 2, 1)
	inv := sentInvoice(t, now)

	cancelled, err := CancelInvoice(inv, "customer churned", now)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusCancelled, cancelled.Status)
	assert.Equal(t, "customer churned", cancelled.CancelReason)

	_, err = CancelInvoice(cancelled, "again", now)
	assert.ErrorIs(t, err, ErrInvoiceTerminal)
	assert.Equal(t, invoice.StatusCancelled, DeriveStatus(cancelled, now.AddDate(1, 0, 0)))
}

func TestPaymentLifecycle(t *testing.T) {
	now := date(2025, 2, 1)
	pay := &payment.Payment{
		ID:             id.NewPaymentID(),
		Amount:         types.USD("80"),
		Status:         payment.StatusPending,
		RefundedAmount: types.Zero("usd"),
	}

	_, err := RefundPayment(pay, types.USD("10"))
	assert.ErrorIs(t, err, ErrPaymentNotSettled)

	confirmed, changed, err := ConfirmPayment(pay, now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, payment.StatusCompleted, confirmed.Status)

	_, changed, err = ConfirmPayment(confirmed, now)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = FailPayment(confirmed, "card declined")
	assert.ErrorIs(t, err, ErrInvalidInput)

	partial, err := RefundPayment(confirmed, types.USD("30"))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPartiallyRefunded, partial.Status)
	assert.True(t, partial.Net().Equal(types.USD("50")))

	_, err = RefundPayment(partial, types.USD("50.01"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	full, err := RefundPayment(partial, types.USD("50"))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefunded, full.Status)

	_, err = RefundPayment(full, types.USD("1"))
	assert.ErrorIs(t, err, ErrPaymentImmutable)

	failed, err := FailPayment(pay, "card declined")
	require.NoError(t, err)
	assert.Equal(t, "card declined", failed.FailureReason)
}
