package payment

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/xraph/unitledger/types"
)

// EventKind classifies a processor notification the engine acts on.
type EventKind string

const (
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
	EventRefunded  EventKind = "refunded"
	EventIgnored   EventKind = "ignored"
)

// Metadata keys read from the processor object.
const (
	MetaCompanyID     = "company_id"
	MetaInvoiceNumber = "invoice_number"
)

// ProcessorEvent is a processor notification reduced to what the ledger
// consumes: an amount and a confirmation, failure or refund signal.
type ProcessorEvent struct {
	Kind           EventKind
	Type           string
	IntentID       string
	CompanyID      string
	InvoiceNumber  string
	Amount         types.Money
	RefundedAmount types.Money
	FailureReason  string
}

// ParseStripeWebhook verifies the signature on a Stripe webhook payload
// and maps it to a ProcessorEvent. Unhandled event types return an event
// of kind EventIgnored.
func ParseStripeWebhook(payload []byte, signature, secret string) (*ProcessorEvent, error) {
	event, err := webhook.ConstructEvent(payload, signature, secret)
	if err != nil {
		return nil, fmt.Errorf("payment: stripe webhook: %w", err)
	}
	return FromStripeEvent(&event)
}

// FromStripeEvent maps an already-verified Stripe event.
func FromStripeEvent(event *stripe.Event) (*ProcessorEvent, error) {
	if event.Data == nil {
		return nil, fmt.Errorf("payment: stripe event %s has no data", event.ID)
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("payment: decode payment intent: %w", err)
		}
		ev := FromPaymentIntent(&pi)
		ev.Type = string(event.Type)
		return ev, nil

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("payment: decode charge: %w", err)
		}
		ev := FromRefundedCharge(&ch)
		ev.Type = string(event.Type)
		return ev, nil
	}

	return &ProcessorEvent{Kind: EventIgnored, Type: string(event.Type)}, nil
}

// FromPaymentIntent maps a PaymentIntent to a confirmation or failure.
func FromPaymentIntent(pi *stripe.PaymentIntent) *ProcessorEvent {
	currency := string(pi.Currency)
	amount := pi.AmountReceived
	if amount == 0 {
		amount = pi.Amount
	}

	ev := &ProcessorEvent{
		Kind:           mapIntentStatus(pi.Status),
		IntentID:       pi.ID,
		CompanyID:      pi.Metadata[MetaCompanyID],
		InvoiceNumber:  pi.Metadata[MetaInvoiceNumber],
		Amount:         types.FromMinor(amount, currency),
		RefundedAmount: types.Zero(currency),
	}
	if pi.LastPaymentError != nil {
		ev.FailureReason = pi.LastPaymentError.Msg
	}
	return ev
}

// FromRefundedCharge maps a refunded charge back to its PaymentIntent.
func FromRefundedCharge(ch *stripe.Charge) *ProcessorEvent {
	currency := string(ch.Currency)
	ev := &ProcessorEvent{
		Kind:           EventRefunded,
		CompanyID:      ch.Metadata[MetaCompanyID],
		Amount:         types.FromMinor(ch.Amount, currency),
		RefundedAmount: types.FromMinor(ch.AmountRefunded, currency),
	}
	if ch.PaymentIntent != nil {
		ev.IntentID = ch.PaymentIntent.ID
	}
	return ev
}

func mapIntentStatus(status stripe.PaymentIntentStatus) EventKind {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return EventSucceeded
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		return EventFailed
	default:
		return EventIgnored
	}
}
