// Package audithook bridges unitledger lifecycle events to an audit trail
// backend.
//
// It defines a local Recorder interface so the package does not depend on
// any particular audit store. Callers inject a RecorderFunc adapter at
// wiring time.
package audithook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/payment"
	"github.com/xraph/unitledger/plugin"
	"github.com/xraph/unitledger/subscription"
	"github.com/xraph/unitledger/types"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                      = (*Extension)(nil)
	_ plugin.OnSubscriptionCreated       = (*Extension)(nil)
	_ plugin.OnSubscriptionStatusChanged = (*Extension)(nil)
	_ plugin.OnPeriodsRegenerated        = (*Extension)(nil)
	_ plugin.OnUsageRecorded             = (*Extension)(nil)
	_ plugin.OnOverdraftWarning          = (*Extension)(nil)
	_ plugin.OnInsufficientUnits         = (*Extension)(nil)
	_ plugin.OnConcurrencyConflict       = (*Extension)(nil)
	_ plugin.OnInvoiceGenerated          = (*Extension)(nil)
	_ plugin.OnInvoiceSent               = (*Extension)(nil)
	_ plugin.OnInvoicePaid               = (*Extension)(nil)
	_ plugin.OnInvoiceOverdue            = (*Extension)(nil)
	_ plugin.OnInvoiceCancelled          = (*Extension)(nil)
	_ plugin.OnPaymentRecorded           = (*Extension)(nil)
	_ plugin.OnPaymentStatusChanged      = (*Extension)(nil)
	_ plugin.OnPaymentApplied            = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges unitledger lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (e *Extension) OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionCreated, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"company_id", sub.CompanyID,
		"unit_type", string(sub.UnitType),
		"units_per_period", sub.UnitsPerPeriod,
		"is_enterprise", sub.IsEnterprise,
	)
}

// OnSubscriptionStatusChanged implements plugin.OnSubscriptionStatusChanged.
func (e *Extension) OnSubscriptionStatusChanged(ctx context.Context, sub *subscription.Subscription, from subscription.Status) error {
	return e.record(ctx, ActionSubscriptionStatusChanged, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"company_id", sub.CompanyID,
		"from", string(from),
		"to", string(sub.Status),
	)
}

// OnPeriodsRegenerated implements plugin.OnPeriodsRegenerated.
func (e *Extension) OnPeriodsRegenerated(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionPeriodsRegenerated, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"company_id", sub.CompanyID,
		"periods", len(sub.Periods),
	)
}

// ──────────────────────────────────────────────────
// Usage hooks
// ──────────────────────────────────────────────────

// OnUsageRecorded implements plugin.OnUsageRecorded.
func (e *Extension) OnUsageRecorded(ctx context.Context, sub *subscription.Subscription, r *subscription.Receipt) error {
	return e.record(ctx, ActionUsageRecorded, SeverityInfo, OutcomeSuccess,
		ResourceUsage, r.ID.String(), CategoryUsage, nil,
		"company_id", sub.CompanyID,
		"transaction_id", r.TransactionID,
		"units", r.Units,
		"balance_after", r.BalanceAfter,
	)
}

// OnOverdraftWarning implements plugin.OnOverdraftWarning.
func (e *Extension) OnOverdraftWarning(ctx context.Context, sub *subscription.Subscription, balance int64) error {
	return e.record(ctx, ActionOverdraftWarning, SeverityWarning, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategoryUsage, nil,
		"company_id", sub.CompanyID,
		"balance", balance,
	)
}

// OnInsufficientUnits implements plugin.OnInsufficientUnits.
func (e *Extension) OnInsufficientUnits(ctx context.Context, companyID string, requested, available int64) error {
	return e.record(ctx, ActionInsufficientUnits, SeverityWarning, OutcomeFailure,
		ResourceUsage, "", CategoryUsage,
		fmt.Errorf("requested %d units, %d available", requested, available),
		"company_id", companyID,
		"requested", requested,
		"available", available,
	)
}

// OnConcurrencyConflict implements plugin.OnConcurrencyConflict. Only
// conflicts past the first attempt are worth a warning.
func (e *Extension) OnConcurrencyConflict(ctx context.Context, aggregate, id string, attempt int) error {
	severity := SeverityInfo
	if attempt > 1 {
		severity = SeverityWarning
	}
	return e.record(ctx, ActionConcurrencyConflict, severity, OutcomePartial,
		aggregate, id, CategoryUsage, nil,
		"attempt", attempt,
	)
}

// ──────────────────────────────────────────────────
// Invoice lifecycle hooks
// ──────────────────────────────────────────────────

// OnInvoiceGenerated implements plugin.OnInvoiceGenerated.
func (e *Extension) OnInvoiceGenerated(ctx context.Context, inv *invoice.Invoice) error {
	return e.record(ctx, ActionInvoiceGenerated, SeverityInfo, OutcomeSuccess,
		ResourceInvoice, inv.ID.String(), CategoryBilling, nil,
		"invoice_number", inv.InvoiceNumber,
		"company_id", inv.CompanyID,
		"periods", inv.BillingPeriod.PeriodNumbers,
		"total", inv.TotalAmount.String(),
	)
}

// OnInvoiceSent implements plugin.OnInvoiceSent.
func (e *Extension) OnInvoiceSent(ctx context.Context, inv *invoice.Invoice) error {
	return e.invoiceEvent(ctx, ActionInvoiceSent, SeverityInfo, inv)
}

// OnInvoicePaid implements plugin.OnInvoicePaid.
func (e *Extension) OnInvoicePaid(ctx context.Context, inv *invoice.Invoice) error {
	return e.invoiceEvent(ctx, ActionInvoicePaid, SeverityInfo, inv)
}

// OnInvoiceOverdue implements plugin.OnInvoiceOverdue.
func (e *Extension) OnInvoiceOverdue(ctx context.Context, inv *invoice.Invoice) error {
	return e.invoiceEvent(ctx, ActionInvoiceOverdue, SeverityWarning, inv)
}

// OnInvoiceCancelled implements plugin.OnInvoiceCancelled.
func (e *Extension) OnInvoiceCancelled(ctx context.Context, inv *invoice.Invoice, reason string) error {
	return e.record(ctx, ActionInvoiceCancelled, SeverityWarning, OutcomeSuccess,
		ResourceInvoice, inv.ID.String(), CategoryBilling, nil,
		"invoice_number", inv.InvoiceNumber,
		"company_id", inv.CompanyID,
		"reason", reason,
	)
}

func (e *Extension) invoiceEvent(ctx context.Context, action, severity string, inv *invoice.Invoice) error {
	return e.record(ctx, action, severity, OutcomeSuccess,
		ResourceInvoice, inv.ID.String(), CategoryBilling, nil,
		"invoice_number", inv.InvoiceNumber,
		"company_id", inv.CompanyID,
		"amount_due", inv.AmountDue().String(),
	)
}

// ──────────────────────────────────────────────────
// Payment hooks
// ──────────────────────────────────────────────────

// OnPaymentRecorded implements plugin.OnPaymentRecorded.
func (e *Extension) OnPaymentRecorded(ctx context.Context, p *payment.Payment) error {
	return e.record(ctx, ActionPaymentRecorded, SeverityInfo, OutcomeSuccess,
		ResourcePayment, p.ID.String(), CategoryPayment, nil,
		"company_id", p.CompanyID,
		"intent_id", p.StripePaymentIntentID,
		"amount", p.Amount.String(),
	)
}

// OnPaymentStatusChanged implements plugin.OnPaymentStatusChanged.
func (e *Extension) OnPaymentStatusChanged(ctx context.Context, p *payment.Payment, from payment.Status) error {
	outcome, severity := OutcomeSuccess, SeverityInfo
	var err error
	if p.Status == payment.StatusFailed {
		outcome, severity = OutcomeFailure, SeverityError
		if p.FailureReason != "" {
			err = errors.New(p.FailureReason)
		}
	}
	return e.record(ctx, ActionPaymentStatusChanged, severity, outcome,
		ResourcePayment, p.ID.String(), CategoryPayment, err,
		"company_id", p.CompanyID,
		"from", string(from),
		"to", string(p.Status),
		"refunded", p.RefundedAmount.String(),
	)
}

// OnPaymentApplied implements plugin.OnPaymentApplied.
func (e *Extension) OnPaymentApplied(ctx context.Context, inv *invoice.Invoice, p *payment.Payment, amount types.Money) error {
	return e.record(ctx, ActionPaymentApplied, SeverityInfo, OutcomeSuccess,
		ResourcePayment, p.ID.String(), CategoryPayment, nil,
		"invoice_id", inv.ID.String(),
		"invoice_status", string(inv.Status),
		"amount", amount.String(),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
