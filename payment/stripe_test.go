package payment

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"

	"github.com/xraph/unitledger/types"
)

func TestMapIntentStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   stripe.PaymentIntentStatus
		expected EventKind
	}{
		{"succeeded", stripe.PaymentIntentStatusSucceeded, EventSucceeded},
		{"canceled", stripe.PaymentIntentStatusCanceled, EventFailed},
		{"requires payment method", stripe.PaymentIntentStatusRequiresPaymentMethod, EventFailed},
		{"processing", stripe.PaymentIntentStatusProcessing, EventIgnored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, mapIntentStatus(tt.status))
		})
	}
}

func TestFromPaymentIntent(t *testing.T) {
	pi := &stripe.PaymentIntent{
		ID:             "pi_123",
		Amount:         10600,
		AmountReceived: 10600,
		Currency:       stripe.CurrencyUSD,
		Status:         stripe.PaymentIntentStatusSucceeded,
		Metadata:       map[string]string{MetaCompanyID: "acme", MetaInvoiceNumber: "INV-202501-ABCD1234"},
	}

	ev := FromPaymentIntent(pi)

	assert.Equal(t, EventSucceeded, ev.Kind)
	assert.Equal(t, "pi_123", ev.IntentID)
	assert.Equal(t, "acme", ev.CompanyID)
	assert.Equal(t, "INV-202501-ABCD1234", ev.InvoiceNumber)
	assert.True(t, ev.Amount.Equal(types.USD("106.00")), "amount %s", ev.Amount)
	assert.True(t, ev.RefundedAmount.IsZero())
}

func TestFromStripeEvent(t *testing.T) {
	charge := map[string]any{
		"id":              "ch_1",
		"object":          "charge",
		"amount":          6000,
		"amount_refunded": 1500,
		"currency":        "usd",
		"payment_intent":  "pi_456",
		"metadata":        map[string]string{MetaCompanyID: "acme"},
	}
	raw, err := json.Marshal(charge)
	require.NoError(t, err)

	ev, err := FromStripeEvent(&stripe.Event{
		ID:   "evt_1",
		Type: "charge.refunded",
		Data: &stripe.EventData{Raw: raw},
	})
	require.NoError(t, err)

	assert.Equal(t, EventRefunded, ev.Kind)
	assert.Equal(t, "pi_456", ev.IntentID)
	assert.True(t, ev.Amount.Equal(types.USD("60")))
	assert.True(t, ev.RefundedAmount.Equal(types.USD("15")))
}

func TestFromStripeEvent_Ignored(t *testing.T) {
	ev, err := FromStripeEvent(&stripe.Event{
		ID:   "evt_2",
		Type: "customer.created",
		Data: &stripe.EventData{Raw: []byte(`{}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, EventIgnored, ev.Kind)
}

func TestPaymentPredicates(t *testing.T) {
	p := &Payment{
		Amount:         types.USD("100"),
		RefundedAmount: types.USD("0"),
		Status:         StatusCompleted,
	}
	assert.True(t, p.IsSettled())
	assert.False(t, p.IsImmutable())
	assert.False(t, p.IsLinked())

	p.RefundedAmount = types.USD("100")
	assert.True(t, p.IsImmutable())
	assert.True(t, p.Net().IsZero())
}
