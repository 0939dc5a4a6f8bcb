// Package sqldoc holds the grove models shared by the SQL stores. Each
// aggregate row is a JSON document plus a version column for
// compare-and-swap and the few columns queries filter on.
package sqldoc

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/unitledger"
	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/payment"
	"github.com/xraph/unitledger/subscription"
)

// Table name constants.
const (
	TableSubscriptions = "unitledger_subscriptions"
	TableInvoices      = "unitledger_invoices"
	TableClaims        = "unitledger_invoice_claims"
	TablePayments      = "unitledger_payments"
)

// ==================== Subscription models ====================

// SubscriptionModel is one row of unitledger_subscriptions.
type SubscriptionModel struct {
	grove.BaseModel `grove:"table:unitledger_subscriptions"`

	ID            string `grove:"id,pk"`
	CompanyID     string `grove:"company_id"`
	Status        string `grove:"status"`
	SchemaVersion int    `grove:"schema_version"`
	Version       int64  `grove:"version"`
	Document      string `grove:"document,type:jsonb"`
	CreatedMs     int64  `grove:"created_ms"`
	UpdatedMs     int64  `grove:"updated_ms"`
}

// ToSubscriptionModel encodes sub as it will be stored at version.
func ToSubscriptionModel(sub *subscription.Subscription, version int64) (*SubscriptionModel, error) {
	next := *sub
	next.Version = version
	doc, err := json.Marshal(&next)
	if err != nil {
		return nil, err
	}
	return &SubscriptionModel{
		ID:            sub.ID.String(),
		CompanyID:     sub.CompanyID,
		Status:        string(sub.Status),
		SchemaVersion: unitledger.SchemaVersion,
		Version:       version,
		Document:      string(doc),
		CreatedMs:     millis(sub.CreatedAt),
		UpdatedMs:     millis(sub.UpdatedAt),
	}, nil
}

// legacyDoc picks up fields only present in documents older than
// SchemaVersion 1.
type legacyDoc struct {
	CompanyName string `json:"company_name"`
}

// FromSubscriptionModel decodes and upgrades a stored subscription. The
// second result reports whether the row should be written back.
func FromSubscriptionModel(m *SubscriptionModel) (*subscription.Subscription, bool, error) {
	sub := new(subscription.Subscription)
	if err := json.Unmarshal([]byte(m.Document), sub); err != nil {
		return nil, false, &unitledger.ConfigurationError{Field: "document", Message: err.Error()}
	}
	sub.Version = m.Version

	var legacy legacyDoc
	if m.SchemaVersion < unitledger.SchemaVersion {
		_ = json.Unmarshal([]byte(m.Document), &legacy) //nolint:errcheck // already decoded above
	}
	upgraded, err := unitledger.UpgradeSubscription(sub, m.SchemaVersion, unitledger.LegacyFields{CompanyName: legacy.CompanyName})
	if err != nil {
		return nil, false, err
	}
	return sub, upgraded, nil
}

// ==================== Invoice models ====================

// InvoiceModel is one row of unitledger_invoices.
type InvoiceModel struct {
	grove.BaseModel `grove:"table:unitledger_invoices"`

	ID             string `grove:"id,pk"`
	InvoiceNumber  string `grove:"invoice_number"`
	SubscriptionID string `grove:"subscription_id"`
	CompanyID      string `grove:"company_id"`
	Status         string `grove:"status"`
	DueMs          *int64 `grove:"due_ms"`
	SchemaVersion  int    `grove:"schema_version"`
	Version        int64  `grove:"version"`
	Document       string `grove:"document,type:jsonb"`
	CreatedMs      int64  `grove:"created_ms"`
	UpdatedMs      int64  `grove:"updated_ms"`
}

// ClaimModel reserves one period of one subscription for an invoice. The
// composite primary key makes double invoicing impossible.
type ClaimModel struct {
	grove.BaseModel `grove:"table:unitledger_invoice_claims"`

	SubscriptionID string `grove:"subscription_id,pk"`
	PeriodNumber   int    `grove:"period_number,pk"`
	InvoiceID      string `grove:"invoice_id"`
	InvoiceNumber  string `grove:"invoice_number"`
}

// ToInvoiceModel encodes inv as it will be stored at version.
func ToInvoiceModel(inv *invoice.Invoice, version int64) (*InvoiceModel, error) {
	next := *inv
	next.Version = version
	doc, err := json.Marshal(&next)
	if err != nil {
		return nil, err
	}
	return &InvoiceModel{
		ID:             inv.ID.String(),
		InvoiceNumber:  inv.InvoiceNumber,
		SubscriptionID: inv.SubscriptionID.String(),
		CompanyID:      inv.CompanyID,
		Status:         string(inv.Status),
		DueMs:          millisPtr(inv.DueDate),
		SchemaVersion:  unitledger.SchemaVersion,
		Version:        version,
		Document:       string(doc),
		CreatedMs:      millis(inv.CreatedAt),
		UpdatedMs:      millis(inv.UpdatedAt),
	}, nil
}

// FromInvoiceModel decodes a stored invoice.
func FromInvoiceModel(m *InvoiceModel) (*invoice.Invoice, error) {
	inv := new(invoice.Invoice)
	if err := json.Unmarshal([]byte(m.Document), inv); err != nil {
		return nil, err
	}
	inv.Version = m.Version
	if inv.PaymentApplications == nil {
		inv.PaymentApplications = []invoice.PaymentApplication{}
	}
	return inv, nil
}

// Claims returns one claim per billed period of inv.
func Claims(inv *invoice.Invoice) []ClaimModel {
	claims := make([]ClaimModel, len(inv.BillingPeriod.PeriodNumbers))
	for i, n := range inv.BillingPeriod.PeriodNumbers {
		claims[i] = ClaimModel{
			SubscriptionID: inv.SubscriptionID.String(),
			PeriodNumber:   n,
			InvoiceID:      inv.ID.String(),
			InvoiceNumber:  inv.InvoiceNumber,
		}
	}
	return claims
}

// DuplicateInvoice reports which of inv's periods are already held,
// given every claim of its subscription.
func DuplicateInvoice(inv *invoice.Invoice, held []ClaimModel) *unitledger.DuplicateInvoiceError {
	dup := &unitledger.DuplicateInvoiceError{SubscriptionID: inv.SubscriptionID.String()}
	wanted := make(map[int]bool, len(inv.BillingPeriod.PeriodNumbers))
	for _, n := range inv.BillingPeriod.PeriodNumbers {
		wanted[n] = true
	}
	for _, c := range held {
		if wanted[c.PeriodNumber] {
			dup.PeriodNumbers = append(dup.PeriodNumbers, c.PeriodNumber)
			dup.InvoiceNumber = c.InvoiceNumber
		}
	}
	return dup
}

// ==================== Payment models ====================

// PaymentModel is one row of unitledger_payments. IntentID is NULL for
// payments recorded without a processor intent.
type PaymentModel struct {
	grove.BaseModel `grove:"table:unitledger_payments"`

	ID            string  `grove:"id,pk"`
	IntentID      *string `grove:"intent_id"`
	CompanyID     string  `grove:"company_id"`
	InvoiceID     string  `grove:"invoice_id"`
	Status        string  `grove:"status"`
	SchemaVersion int     `grove:"schema_version"`
	Version       int64   `grove:"version"`
	Document      string  `grove:"document,type:jsonb"`
	CreatedMs     int64   `grove:"created_ms"`
	UpdatedMs     int64   `grove:"updated_ms"`
}

// ToPaymentModel encodes p as it will be stored at version.
func ToPaymentModel(p *payment.Payment, version int64) (*PaymentModel, error) {
	next := *p
	next.Version = version
	doc, err := json.Marshal(&next)
	if err != nil {
		return nil, err
	}
	m := &PaymentModel{
		ID:            p.ID.String(),
		CompanyID:     p.CompanyID,
		InvoiceID:     p.InvoiceID.String(),
		Status:        string(p.Status),
		SchemaVersion: unitledger.SchemaVersion,
		Version:       version,
		Document:      string(doc),
		CreatedMs:     millis(p.CreatedAt),
		UpdatedMs:     millis(p.UpdatedAt),
	}
	if p.StripePaymentIntentID != "" {
		intent := p.StripePaymentIntentID
		m.IntentID = &intent
	}
	return m, nil
}

// FromPaymentModel decodes a stored payment.
func FromPaymentModel(m *PaymentModel) (*payment.Payment, error) {
	p := new(payment.Payment)
	if err := json.Unmarshal([]byte(m.Document), p); err != nil {
		return nil, err
	}
	p.Version = m.Version
	return p, nil
}

// ==================== Helpers ====================

// ConflictError resolves a zero-row compare-and-swap. found reports
// whether the row exists at all; actual is its current version.
func ConflictError(aggregate, docID string, expected, actual int64, found bool) error {
	if !found {
		return unitledger.ErrNotFound
	}
	return &unitledger.VersionConflictError{Aggregate: aggregate, ID: docID, Expected: expected, Actual: actual}
}

// Millis converts t to the integer column format.
func Millis(t time.Time) int64 { return millis(t) }

func millis(t time.Time) int64 { return t.UnixMilli() }

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
