package invoice

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/unitledger/id"
	"github.com/xraph/unitledger/types"
)

type Status string

const (
	StatusDraft         Status = "draft"
	StatusSent          Status = "sent"
	StatusPartiallyPaid Status = "partially_paid"
	StatusPaid          Status = "paid"
	StatusOverdue       Status = "overdue"
	StatusCancelled     Status = "cancelled"
)

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

type LineItemType string

const (
	LineItemBase    LineItemType = "base"
	LineItemOverage LineItemType = "overage"
)

type Invoice struct {
	types.Entity
	ID                  id.InvoiceID         `json:"id"`
	InvoiceNumber       string               `json:"invoice_number"`
	SubscriptionID      id.SubscriptionID    `json:"subscription_id"`
	CompanyID           string               `json:"company_id"`
	BillingPeriod       BillingPeriod        `json:"billing_period"`
	LineItems           []LineItem           `json:"line_items"`
	Currency            string               `json:"currency"`
	Subtotal            types.Money          `json:"subtotal"`
	TaxRate             decimal.Decimal      `json:"tax_rate"`
	TaxAmount           types.Money          `json:"tax_amount"`
	TotalAmount         types.Money          `json:"total_amount"`
	AmountPaid          types.Money          `json:"amount_paid"`
	Status              Status               `json:"status"`
	PaymentTermsDays    int                  `json:"payment_terms_days"`
	PaymentApplications []PaymentApplication `json:"payment_applications"`
	IssuedAt            *time.Time           `json:"issued_at,omitempty"`
	DueDate             *time.Time           `json:"due_date,omitempty"`
	PaidAt              *time.Time           `json:"paid_at,omitempty"`
	CancelledAt         *time.Time           `json:"cancelled_at,omitempty"`
	CancelReason        string               `json:"cancel_reason,omitempty"`
	Metadata            map[string]string    `json:"metadata,omitempty"`
}

// BillingPeriod is the set of usage periods an invoice covers.
type BillingPeriod struct {
	PeriodNumbers []int     `json:"period_numbers"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
}

type LineItem struct {
	ID            id.LineItemID `json:"id"`
	Type          LineItemType  `json:"type"`
	Description   string        `json:"description"`
	PeriodNumbers []int         `json:"period_numbers"`
	Quantity      int64         `json:"quantity"`
	UnitPrice     types.Money   `json:"unit_price"`
	Amount        types.Money   `json:"amount"`
}

type PaymentApplication struct {
	PaymentID     id.PaymentID `json:"payment_id"`
	AmountApplied types.Money  `json:"amount_applied"`
	AppliedAt     time.Time    `json:"applied_at"`
}

// Covers reports whether the invoice bills the given period number.
func (i *Invoice) Covers(periodNumber int) bool {
	return slices.Contains(i.BillingPeriod.PeriodNumbers, periodNumber)
}

// AppliedFrom returns the total already applied from one payment.
func (i *Invoice) AppliedFrom(paymentID id.PaymentID) types.Money {
	total := types.Zero(i.Currency)
	for _, a := range i.PaymentApplications {
		if a.PaymentID == paymentID {
			total = total.Add(a.AmountApplied)
		}
	}
	return total
}

// AmountDue returns what is still owed, never negative.
func (i *Invoice) AmountDue() types.Money {
	due := i.TotalAmount.Subtract(i.AmountPaid)
	if due.IsNegative() {
		return types.Zero(i.Currency)
	}
	return due
}

// Overpayment returns the amount paid beyond the total, or zero.
func (i *Invoice) Overpayment() types.Money {
	over := i.AmountPaid.Subtract(i.TotalAmount)
	if over.IsPositive() {
		return over
	}
	return types.Zero(i.Currency)
}

// IsPastDue reports whether the due date has passed with a balance owed.
func (i *Invoice) IsPastDue(now time.Time) bool {
	return i.DueDate != nil && now.After(*i.DueDate) && i.AmountPaid.LessThan(i.TotalAmount)
}

func (i *Invoice) Clone() *Invoice {
	c := *i
	c.BillingPeriod.PeriodNumbers = slices.Clone(i.BillingPeriod.PeriodNumbers)
	c.LineItems = make([]LineItem, len(i.LineItems))
	for k, li := range i.LineItems {
		li.PeriodNumbers = slices.Clone(li.PeriodNumbers)
		c.LineItems[k] = li
	}
	c.PaymentApplications = slices.Clone(i.PaymentApplications)
	for _, t := range []**time.Time{&c.IssuedAt, &c.DueDate, &c.PaidAt, &c.CancelledAt} {
		if *t != nil {
			v := **t
			*t = &v
		}
	}
	if i.Metadata != nil {
		c.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
