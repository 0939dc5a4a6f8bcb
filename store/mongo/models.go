package mongo

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xraph/grove"

	"github.com/xraph/unitledger"
	"github.com/xraph/unitledger/id"
	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/payment"
	"github.com/xraph/unitledger/subscription"
	"github.com/xraph/unitledger/types"
)

// moneyModel stores the decimal amount as a string so no precision is lost.
type moneyModel struct {
	Amount   string `bson:"amount"`
	Currency string `bson:"currency"`
}

func toMoney(m types.Money) moneyModel {
	return moneyModel{Amount: m.Amount.String(), Currency: m.Currency}
}

func fromMoney(m moneyModel) (types.Money, error) {
	if m.Amount == "" {
		return types.Zero(m.Currency), nil
	}
	return types.Parse(m.Amount, m.Currency)
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:unitledger_subscriptions" bson:"-"`

	ID                    string            `grove:"id,pk" bson:"_id"`
	SchemaVersion         int               `grove:"schema_version" bson:"schema_version"`
	Version               int64             `grove:"version" bson:"version"`
	CompanyID             string            `grove:"company_id" bson:"company_id"`
	CompanyName           string            `grove:"company_name" bson:"company_name,omitempty"`
	UnitType              string            `grove:"unit_type" bson:"unit_type"`
	UnitsPerPeriod        int64             `grove:"units_per_period" bson:"units_per_period"`
	PromotionalUnitsTotal int64             `grove:"promotional_units_total" bson:"promotional_units_total"`
	PricePerUnit          moneyModel        `grove:"price_per_unit" bson:"price_per_unit"`
	StartDate             time.Time         `grove:"start_date" bson:"start_date"`
	EndDate               *time.Time        `grove:"end_date" bson:"end_date,omitempty"`
	BillingFrequency      string            `grove:"billing_frequency" bson:"billing_frequency"`
	PaymentTermsDays      int               `grove:"payment_terms_days" bson:"payment_terms_days"`
	IsEnterprise          bool              `grove:"is_enterprise" bson:"is_enterprise"`
	Periods               []periodModel     `grove:"usage_periods" bson:"usage_periods"`
	Status                string            `grove:"status" bson:"status"`
	Metadata              map[string]string `grove:"metadata" bson:"metadata,omitempty"`
	CreatedAt             time.Time         `grove:"created_at" bson:"created_at"`
	UpdatedAt             time.Time         `grove:"updated_at" bson:"updated_at"`
}

type periodModel struct {
	PeriodNumber     int       `bson:"period_number"`
	PeriodStart      time.Time `bson:"period_start"`
	PeriodEnd        time.Time `bson:"period_end"`
	UnitsAllocated   int64     `bson:"units_allocated"`
	UnitsUsed        int64     `bson:"units_used"`
	UnitsRemaining   int64     `bson:"units_remaining"`
	PromotionalUnits int64     `bson:"promotional_units"`
	LastUpdated      time.Time `bson:"last_updated"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	periods := make([]periodModel, len(s.Periods))
	for i, p := range s.Periods {
		periods[i] = periodModel{
			PeriodNumber:     p.PeriodNumber,
			PeriodStart:      p.PeriodStart,
			PeriodEnd:        p.PeriodEnd,
			UnitsAllocated:   p.UnitsAllocated,
			UnitsUsed:        p.UnitsUsed,
			UnitsRemaining:   p.UnitsRemaining(),
			PromotionalUnits: p.PromotionalUnits,
			LastUpdated:      p.LastUpdated,
		}
	}
	return &subscriptionModel{
		ID:                    s.ID.String(),
		SchemaVersion:         unitledger.SchemaVersion,
		Version:               s.Version,
		CompanyID:             s.CompanyID,
		UnitType:              string(s.UnitType),
		UnitsPerPeriod:        s.UnitsPerPeriod,
		PromotionalUnitsTotal: s.PromotionalUnitsTotal,
		PricePerUnit:          toMoney(s.PricePerUnit),
		StartDate:             s.StartDate,
		EndDate:               s.EndDate,
		BillingFrequency:      string(s.BillingFrequency),
		PaymentTermsDays:      s.PaymentTermsDays,
		IsEnterprise:          s.IsEnterprise,
		Periods:               periods,
		Status:                string(s.Status),
		Metadata:              s.Metadata,
		CreatedAt:             s.CreatedAt,
		UpdatedAt:             s.UpdatedAt,
	}
}

// fromSubscriptionModel decodes and upgrades a stored subscription. The
// second result reports whether the document should be written back.
func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, bool, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, false, &unitledger.ConfigurationError{Field: "id", Message: err.Error()}
	}
	price, err := fromMoney(m.PricePerUnit)
	if err != nil {
		return nil, false, &unitledger.ConfigurationError{Field: "price_per_unit", Message: err.Error()}
	}

	periods := make([]subscription.UsagePeriod, len(m.Periods))
	for i, p := range m.Periods {
		periods[i] = subscription.UsagePeriod{
			PeriodNumber:     p.PeriodNumber,
			PeriodStart:      p.PeriodStart.UTC(),
			PeriodEnd:        p.PeriodEnd.UTC(),
			UnitsAllocated:   p.UnitsAllocated,
			UnitsUsed:        p.UnitsUsed,
			PromotionalUnits: p.PromotionalUnits,
			LastUpdated:      p.LastUpdated.UTC(),
		}
	}

	sub := &subscription.Subscription{
		ID:                    subID,
		CompanyID:             m.CompanyID,
		UnitType:              subscription.UnitType(m.UnitType),
		UnitsPerPeriod:        m.UnitsPerPeriod,
		PromotionalUnitsTotal: m.PromotionalUnitsTotal,
		PricePerUnit:          price,
		StartDate:             m.StartDate.UTC(),
		EndDate:               utcPtr(m.EndDate),
		BillingFrequency:      subscription.BillingFrequency(m.BillingFrequency),
		PaymentTermsDays:      m.PaymentTermsDays,
		IsEnterprise:          m.IsEnterprise,
		Periods:               periods,
		Status:                subscription.Status(m.Status),
		Metadata:              m.Metadata,
	}
	sub.Version = m.Version
	sub.CreatedAt = m.CreatedAt.UTC()
	sub.UpdatedAt = m.UpdatedAt.UTC()

	upgraded, err := unitledger.UpgradeSubscription(sub, m.SchemaVersion, unitledger.LegacyFields{CompanyName: m.CompanyName})
	if err != nil {
		return nil, false, err
	}
	return sub, upgraded, nil
}

// ==================== Invoice models ====================

type invoiceModel struct {
	grove.BaseModel `grove:"table:unitledger_invoices" bson:"-"`

	ID                  string             `grove:"id,pk" bson:"_id"`
	SchemaVersion       int                `grove:"schema_version" bson:"schema_version"`
	Version             int64              `grove:"version" bson:"version"`
	InvoiceNumber       string             `grove:"invoice_number" bson:"invoice_number"`
	SubscriptionID      string             `grove:"subscription_id" bson:"subscription_id"`
	CompanyID           string             `grove:"company_id" bson:"company_id"`
	PeriodNumbers       []int              `grove:"period_numbers" bson:"period_numbers"`
	PeriodStart         time.Time          `grove:"period_start" bson:"period_start"`
	PeriodEnd           time.Time          `grove:"period_end" bson:"period_end"`
	LineItems           []lineItemModel    `grove:"line_items" bson:"line_items"`
	Currency            string             `grove:"currency" bson:"currency"`
	Subtotal            string             `grove:"subtotal" bson:"subtotal"`
	TaxRate             string             `grove:"tax_rate" bson:"tax_rate"`
	TaxAmount           string             `grove:"tax_amount" bson:"tax_amount"`
	TotalAmount         string             `grove:"total_amount" bson:"total_amount"`
	AmountPaid          string             `grove:"amount_paid" bson:"amount_paid"`
	Status              string             `grove:"status" bson:"status"`
	PaymentTermsDays    int                `grove:"payment_terms_days" bson:"payment_terms_days"`
	PaymentApplications []applicationModel `grove:"payment_applications" bson:"payment_applications"`
	IssuedAt            *time.Time         `grove:"issued_at" bson:"issued_at,omitempty"`
	DueDate             *time.Time         `grove:"due_date" bson:"due_date,omitempty"`
	PaidAt              *time.Time         `grove:"paid_at" bson:"paid_at,omitempty"`
	CancelledAt         *time.Time         `grove:"cancelled_at" bson:"cancelled_at,omitempty"`
	CancelReason        string             `grove:"cancel_reason" bson:"cancel_reason,omitempty"`
	Metadata            map[string]string  `grove:"metadata" bson:"metadata,omitempty"`
	CreatedAt           time.Time          `grove:"created_at" bson:"created_at"`
	UpdatedAt           time.Time          `grove:"updated_at" bson:"updated_at"`
}

type lineItemModel struct {
	ID            string `bson:"id"`
	Type          string `bson:"type"`
	Description   string `bson:"description"`
	PeriodNumbers []int  `bson:"period_numbers"`
	Quantity      int64  `bson:"quantity"`
	UnitPrice     string `bson:"unit_price"`
	Amount        string `bson:"amount"`
}

type applicationModel struct {
	PaymentID     string    `bson:"payment_id"`
	AmountApplied string    `bson:"amount_applied"`
	AppliedAt     time.Time `bson:"applied_at"`
}

// claimModel reserves one period of one subscription for an invoice. The
// unique index on (subscription_id, period_number) makes double invoicing
// impossible.
type claimModel struct {
	grove.BaseModel `grove:"table:unitledger_invoice_claims" bson:"-"`

	ID             string `grove:"id,pk" bson:"_id"`
	SubscriptionID string `grove:"subscription_id" bson:"subscription_id"`
	PeriodNumber   int    `grove:"period_number" bson:"period_number"`
	InvoiceID      string `grove:"invoice_id" bson:"invoice_id"`
	InvoiceNumber  string `grove:"invoice_number" bson:"invoice_number"`
}

// toClaimModels returns one claim per billed period of inv. The _id is
// derived from the subscription and period so a second claim collides
// even before indexes exist.
func toClaimModels(inv *invoice.Invoice) []claimModel {
	claims := make([]claimModel, len(inv.BillingPeriod.PeriodNumbers))
	for i, n := range inv.BillingPeriod.PeriodNumbers {
		claims[i] = claimModel{
			ID:             fmt.Sprintf("%s:%d", inv.SubscriptionID, n),
			SubscriptionID: inv.SubscriptionID.String(),
			PeriodNumber:   n,
			InvoiceID:      inv.ID.String(),
			InvoiceNumber:  inv.InvoiceNumber,
		}
	}
	return claims
}

func toInvoiceModel(inv *invoice.Invoice) *invoiceModel {
	items := make([]lineItemModel, len(inv.LineItems))
	for i, li := range inv.LineItems {
		items[i] = lineItemModel{
			ID:            li.ID.String(),
			Type:          string(li.Type),
			Description:   li.Description,
			PeriodNumbers: li.PeriodNumbers,
			Quantity:      li.Quantity,
			UnitPrice:     li.UnitPrice.Amount.String(),
			Amount:        li.Amount.Amount.String(),
		}
	}
	apps := make([]applicationModel, len(inv.PaymentApplications))
	for i, a := range inv.PaymentApplications {
		apps[i] = applicationModel{
			PaymentID:     a.PaymentID.String(),
			AmountApplied: a.AmountApplied.Amount.String(),
			AppliedAt:     a.AppliedAt,
		}
	}
	return &invoiceModel{
		ID:                  inv.ID.String(),
		SchemaVersion:       unitledger.SchemaVersion,
		Version:             inv.Version,
		InvoiceNumber:       inv.InvoiceNumber,
		SubscriptionID:      inv.SubscriptionID.String(),
		CompanyID:           inv.CompanyID,
		PeriodNumbers:       inv.BillingPeriod.PeriodNumbers,
		PeriodStart:         inv.BillingPeriod.Start,
		PeriodEnd:           inv.BillingPeriod.End,
		LineItems:           items,
		Currency:            inv.Currency,
		Subtotal:            inv.Subtotal.Amount.String(),
		TaxRate:             inv.TaxRate.String(),
		TaxAmount:           inv.TaxAmount.Amount.String(),
		TotalAmount:         inv.TotalAmount.Amount.String(),
		AmountPaid:          inv.AmountPaid.Amount.String(),
		Status:              string(inv.Status),
		PaymentTermsDays:    inv.PaymentTermsDays,
		PaymentApplications: apps,
		IssuedAt:            inv.IssuedAt,
		DueDate:             inv.DueDate,
		PaidAt:              inv.PaidAt,
		CancelledAt:         inv.CancelledAt,
		CancelReason:        inv.CancelReason,
		Metadata:            inv.Metadata,
		CreatedAt:           inv.CreatedAt,
		UpdatedAt:           inv.UpdatedAt,
	}
}

func fromInvoiceModel(m *invoiceModel) (*invoice.Invoice, error) {
	invID, err := id.ParseInvoiceID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("unitledger/mongo: invoice id: %w", err)
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("unitledger/mongo: invoice subscription id: %w", err)
	}

	d := decoder{currency: m.Currency}
	inv := &invoice.Invoice{
		ID:             invID,
		InvoiceNumber:  m.InvoiceNumber,
		SubscriptionID: subID,
		CompanyID:      m.CompanyID,
		BillingPeriod: invoice.BillingPeriod{
			PeriodNumbers: m.PeriodNumbers,
			Start:         m.PeriodStart.UTC(),
			End:           m.PeriodEnd.UTC(),
		},
		Currency:         m.Currency,
		Subtotal:         d.money(m.Subtotal),
		TaxRate:          d.decimal(m.TaxRate),
		TaxAmount:        d.money(m.TaxAmount),
		TotalAmount:      d.money(m.TotalAmount),
		AmountPaid:       d.money(m.AmountPaid),
		Status:           invoice.Status(m.Status),
		PaymentTermsDays: m.PaymentTermsDays,
		IssuedAt:         utcPtr(m.IssuedAt),
		DueDate:          utcPtr(m.DueDate),
		PaidAt:           utcPtr(m.PaidAt),
		CancelledAt:      utcPtr(m.CancelledAt),
		CancelReason:     m.CancelReason,
		Metadata:         m.Metadata,
	}
	inv.Version = m.Version
	inv.CreatedAt = m.CreatedAt.UTC()
	inv.UpdatedAt = m.UpdatedAt.UTC()

	for _, li := range m.LineItems {
		inv.LineItems = append(inv.LineItems, invoice.LineItem{
			ID:            d.id(li.ID),
			Type:          invoice.LineItemType(li.Type),
			Description:   li.Description,
			PeriodNumbers: li.PeriodNumbers,
			Quantity:      li.Quantity,
			UnitPrice:     d.money(li.UnitPrice),
			Amount:        d.money(li.Amount),
		})
	}
	inv.PaymentApplications = make([]invoice.PaymentApplication, 0, len(m.PaymentApplications))
	for _, a := range m.PaymentApplications {
		inv.PaymentApplications = append(inv.PaymentApplications, invoice.PaymentApplication{
			PaymentID:     d.id(a.PaymentID),
			AmountApplied: d.money(a.AmountApplied),
			AppliedAt:     a.AppliedAt.UTC(),
		})
	}
	if d.err != nil {
		return nil, fmt.Errorf("unitledger/mongo: invoice %s: %w", m.ID, d.err)
	}
	return inv, nil
}

// ==================== Payment models ====================

type paymentModel struct {
	grove.BaseModel `grove:"table:unitledger_payments" bson:"-"`

	ID                    string            `grove:"id,pk" bson:"_id"`
	SchemaVersion         int               `grove:"schema_version" bson:"schema_version"`
	Version               int64             `grove:"version" bson:"version"`
	StripePaymentIntentID string            `grove:"stripe_payment_intent_id" bson:"stripe_payment_intent_id,omitempty"`
	CompanyID             string            `grove:"company_id" bson:"company_id"`
	Amount                moneyModel        `grove:"amount" bson:"amount"`
	Status                string            `grove:"status" bson:"status"`
	InvoiceID             string            `grove:"invoice_id" bson:"invoice_id,omitempty"`
	SubscriptionID        string            `grove:"subscription_id" bson:"subscription_id,omitempty"`
	RefundedAmount        string            `grove:"refunded_amount" bson:"refunded_amount"`
	ConfirmedAt           *time.Time        `grove:"confirmed_at" bson:"confirmed_at,omitempty"`
	FailureReason         string            `grove:"failure_reason" bson:"failure_reason,omitempty"`
	Metadata              map[string]string `grove:"metadata" bson:"metadata,omitempty"`
	CreatedAt             time.Time         `grove:"created_at" bson:"created_at"`
	UpdatedAt             time.Time         `grove:"updated_at" bson:"updated_at"`
}

func toPaymentModel(p *payment.Payment) *paymentModel {
	return &paymentModel{
		ID:                    p.ID.String(),
		SchemaVersion:         unitledger.SchemaVersion,
		Version:               p.Version,
		StripePaymentIntentID: p.StripePaymentIntentID,
		CompanyID:             p.CompanyID,
		Amount:                toMoney(p.Amount),
		Status:                string(p.Status),
		InvoiceID:             p.InvoiceID.String(),
		SubscriptionID:        p.SubscriptionID.String(),
		RefundedAmount:        p.RefundedAmount.Amount.String(),
		ConfirmedAt:           p.ConfirmedAt,
		FailureReason:         p.FailureReason,
		Metadata:              p.Metadata,
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.UpdatedAt,
	}
}

func fromPaymentModel(m *paymentModel) (*payment.Payment, error) {
	payID, err := id.ParsePaymentID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("unitledger/mongo: payment id: %w", err)
	}
	amount, err := fromMoney(m.Amount)
	if err != nil {
		return nil, fmt.Errorf("unitledger/mongo: payment %s amount: %w", m.ID, err)
	}

	d := decoder{currency: amount.Currency}
	p := &payment.Payment{
		ID:                    payID,
		StripePaymentIntentID: m.StripePaymentIntentID,
		CompanyID:             m.CompanyID,
		Amount:                amount,
		Status:                payment.Status(m.Status),
		InvoiceID:             d.id(m.InvoiceID),
		SubscriptionID:        d.id(m.SubscriptionID),
		RefundedAmount:        d.money(m.RefundedAmount),
		ConfirmedAt:           utcPtr(m.ConfirmedAt),
		FailureReason:         m.FailureReason,
		Metadata:              m.Metadata,
	}
	p.Version = m.Version
	p.CreatedAt = m.CreatedAt.UTC()
	p.UpdatedAt = m.UpdatedAt.UTC()
	if d.err != nil {
		return nil, fmt.Errorf("unitledger/mongo: payment %s: %w", m.ID, d.err)
	}
	return p, nil
}

// ==================== Helpers ====================

// decoder accumulates the first parse error so converters stay flat.
type decoder struct {
	currency string
	err      error
}

func (d *decoder) decimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}

func (d *decoder) money(s string) types.Money {
	return types.New(d.decimal(s), d.currency)
}

func (d *decoder) id(s string) id.ID {
	if s == "" {
		return id.Nil
	}
	v, err := id.Parse(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
