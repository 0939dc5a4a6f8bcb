package audithook

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/unitledger/id"
	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/payment"
	"github.com/xraph/unitledger/subscription"
	"github.com/xraph/unitledger/types"
)

type sink struct {
	events []*AuditEvent
}

func (s *sink) recorder() Recorder {
	return RecorderFunc(func(_ context.Context, e *AuditEvent) error {
		s.events = append(s.events, e)
		return nil
	})
}

func testSub() *subscription.Subscription {
	return &subscription.Subscription{
		ID:             id.NewSubscriptionID(),
		CompanyID:      "acme",
		UnitType:       subscription.UnitPage,
		UnitsPerPeriod: 1000,
		Status:         subscription.StatusActive,
	}
}

func TestUsageRecorded(t *testing.T) {
	s := &sink{}
	ext := New(s.recorder())

	sub := testSub()
	r := &subscription.Receipt{ID: id.NewReceiptID(), TransactionID: "txn-1", Units: 40, BalanceAfter: 960}
	require.NoError(t, ext.OnUsageRecorded(context.Background(), sub, r))

	require.Len(t, s.events, 1)
	e := s.events[0]
	assert.Equal(t, ActionUsageRecorded, e.Action)
	assert.Equal(t, ResourceUsage, e.Resource)
	assert.Equal(t, r.ID.String(), e.ResourceID)
	assert.Equal(t, OutcomeSuccess, e.Outcome)
	assert.Equal(t, "acme", e.Metadata["company_id"])
	assert.Equal(t, int64(40), e.Metadata["units"])
}

func TestInsufficientUnitsIsFailure(t *testing.T) {
	s := &sink{}
	ext := New(s.recorder())

	require.NoError(t, ext.OnInsufficientUnits(context.Background(), "acme", 200, 50))

	require.Len(t, s.events, 1)
	assert.Equal(t, OutcomeFailure, s.events[0].Outcome)
	assert.Equal(t, SeverityWarning, s.events[0].Severity)
	assert.Equal(t, "requested 200 units, 50 available", s.events[0].Reason)
}

func TestPaymentFailedCarriesReason(t *testing.T) {
	s := &sink{}
	ext := New(s.recorder())

	p := &payment.Payment{
		ID:             id.NewPaymentID(),
		CompanyID:      "acme",
		Amount:         types.USD("106"),
		RefundedAmount: types.Zero("usd"),
		Status:         payment.StatusFailed,
		FailureReason:  "card_declined",
	}
	require.NoError(t, ext.OnPaymentStatusChanged(context.Background(), p, payment.StatusPending))

	require.Len(t, s.events, 1)
	assert.Equal(t, SeverityError, s.events[0].Severity)
	assert.Equal(t, "card_declined", s.events[0].Reason)
	assert.Equal(t, "pending", s.events[0].Metadata["from"])
}

func TestEnabledActions(t *testing.T) {
	s := &sink{}
	ext := New(s.recorder(), WithEnabledActions(ActionInvoicePaid))

	inv := &invoice.Invoice{
		ID:          id.NewInvoiceID(),
		TotalAmount: types.USD("106"),
		AmountPaid:  types.USD("106"),
	}
	require.NoError(t, ext.OnInvoiceSent(context.Background(), inv))
	require.NoError(t, ext.OnInvoicePaid(context.Background(), inv))

	require.Len(t, s.events, 1)
	assert.Equal(t, ActionInvoicePaid, s.events[0].Action)
}

func TestDisabledActions(t *testing.T) {
	s := &sink{}
	ext := New(s.recorder(), WithDisabledActions(ActionConcurrencyConflict))

	ctx := context.Background()
	require.NoError(t, ext.OnConcurrencyConflict(ctx, "subscription", "acme", 2))
	require.NoError(t, ext.OnOverdraftWarning(ctx, testSub(), -150))

	require.Len(t, s.events, 1)
	assert.Equal(t, ActionOverdraftWarning, s.events[0].Action)
	assert.Equal(t, int64(-150), s.events[0].Metadata["balance"])
}

func TestRecorderErrorIsSwallowed(t *testing.T) {
	ext := New(RecorderFunc(func(context.Context, *AuditEvent) error {
		return errors.New("audit store down")
	}))
	assert.NoError(t, ext.OnSubscriptionCreated(context.Background(), testSub()))
}
