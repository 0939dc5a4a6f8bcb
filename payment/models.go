// Package payment defines settlement events received from the payment
// processor and their lifecycle.
package payment

import (
	"time"

	"github.com/xraph/unitledger/id"
	"github.com/xraph/unitledger/types"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
)

// Payment is a settlement from the processor. It links to at most one
// invoice once applied.
type Payment struct {
	types.Entity
	ID                    id.PaymentID      `json:"payment_id"`
	StripePaymentIntentID string            `json:"stripe_payment_intent_id,omitempty"`
	CompanyID             string            `json:"company_id"`
	Amount                types.Money       `json:"amount"`
	Status                Status            `json:"status"`
	InvoiceID             id.InvoiceID      `json:"invoice_id"`
	SubscriptionID        id.SubscriptionID `json:"subscription_id"`
	RefundedAmount        types.Money       `json:"refunded_amount"`
	ConfirmedAt           *time.Time        `json:"confirmed_at,omitempty"`
	FailureReason         string            `json:"failure_reason,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// Currency returns the ISO currency of the payment amount.
func (p *Payment) Currency() string { return p.Amount.Currency }

// IsSettled reports whether funds from the payment may be applied.
func (p *Payment) IsSettled() bool {
	return p.Status == StatusCompleted || p.Status == StatusPartiallyRefunded
}

// IsImmutable is true once the whole amount has been refunded.
func (p *Payment) IsImmutable() bool {
	return p.Status == StatusRefunded ||
		(p.Amount.IsPositive() && p.RefundedAmount.Equal(p.Amount))
}

// Net returns the amount minus refunds.
func (p *Payment) Net() types.Money {
	return p.Amount.Subtract(p.RefundedAmount)
}

// IsLinked reports whether the payment has been applied to an invoice.
func (p *Payment) IsLinked() bool { return !p.InvoiceID.IsNil() }

func (p *Payment) Clone() *Payment {
	c := *p
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		c.ConfirmedAt = &t
	}
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
