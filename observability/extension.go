// Package observability provides a metrics extension for unitledger that
// records lifecycle event counts through a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/payment"
	"github.com/xraph/unitledger/plugin"
	"github.com/xraph/unitledger/subscription"
	"github.com/xraph/unitledger/types"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                      = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCreated       = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionStatusChanged = (*MetricsExtension)(nil)
	_ plugin.OnPeriodsRegenerated        = (*MetricsExtension)(nil)
	_ plugin.OnUsageRecorded             = (*MetricsExtension)(nil)
	_ plugin.OnOverdraftWarning          = (*MetricsExtension)(nil)
	_ plugin.OnInsufficientUnits         = (*MetricsExtension)(nil)
	_ plugin.OnConcurrencyConflict       = (*MetricsExtension)(nil)
	_ plugin.OnInvoiceGenerated          = (*MetricsExtension)(nil)
	_ plugin.OnInvoiceSent               = (*MetricsExtension)(nil)
	_ plugin.OnInvoicePaid               = (*MetricsExtension)(nil)
	_ plugin.OnInvoiceOverdue            = (*MetricsExtension)(nil)
	_ plugin.OnInvoiceCancelled          = (*MetricsExtension)(nil)
	_ plugin.OnPaymentRecorded           = (*MetricsExtension)(nil)
	_ plugin.OnPaymentStatusChanged      = (*MetricsExtension)(nil)
	_ plugin.OnPaymentApplied            = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a Ledger plugin to track usage and billing.
type MetricsExtension struct {
	factory MetricFactory

	// Subscription metrics
	SubscriptionCreated       Counter
	SubscriptionStatusChanged Counter
	PeriodsRegenerated        Counter

	// Usage metrics
	UsageRecorded        Counter
	UnitsConsumed        Counter
	UsageUnits           Histogram
	OverdraftWarnings    Counter
	InsufficientUnits    Counter
	ConcurrencyConflicts Counter

	// Invoice metrics
	InvoiceGenerated Counter
	InvoiceSent      Counter
	InvoicePaid      Counter
	InvoiceOverdue   Counter
	InvoiceCancelled Counter
	InvoiceTotal     Histogram

	// Payment metrics
	PaymentRecorded Counter
	PaymentSettled  Counter
	PaymentFailed   Counter
	PaymentRefunded Counter
	PaymentApplied  Counter
	AmountApplied   Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		SubscriptionCreated:       factory.Counter("unitledger.subscription.created"),
		SubscriptionStatusChanged: factory.Counter("unitledger.subscription.status_changed"),
		PeriodsRegenerated:        factory.Counter("unitledger.subscription.periods_regenerated"),

		UsageRecorded:        factory.Counter("unitledger.usage.recorded"),
		UnitsConsumed:        factory.Counter("unitledger.usage.units"),
		UsageUnits:           factory.Histogram("unitledger.usage.units_per_event"),
		OverdraftWarnings:    factory.Counter("unitledger.usage.overdraft_warnings"),
		InsufficientUnits:    factory.Counter("unitledger.usage.insufficient_units"),
		ConcurrencyConflicts: factory.Counter("unitledger.store.version_conflicts"),

		InvoiceGenerated: factory.Counter("unitledger.invoice.generated"),
		InvoiceSent:      factory.Counter("unitledger.invoice.sent"),
		InvoicePaid:      factory.Counter("unitledger.invoice.paid"),
		InvoiceOverdue:   factory.Counter("unitledger.invoice.overdue"),
		InvoiceCancelled: factory.Counter("unitledger.invoice.cancelled"),
		InvoiceTotal:     factory.Histogram("unitledger.invoice.total_amount"),

		PaymentRecorded: factory.Counter("unitledger.payment.recorded"),
		PaymentSettled:  factory.Counter("unitledger.payment.settled"),
		PaymentFailed:   factory.Counter("unitledger.payment.failed"),
		PaymentRefunded: factory.Counter("unitledger.payment.refunded"),
		PaymentApplied:  factory.Counter("unitledger.payment.applied"),
		AmountApplied:   factory.Histogram("unitledger.payment.amount_applied"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnSubscriptionCreated(context.Context, *subscription.Subscription) error {
	m.SubscriptionCreated.Inc()
	return nil
}

func (m *MetricsExtension) OnSubscriptionStatusChanged(context.Context, *subscription.Subscription, subscription.Status) error {
	m.SubscriptionStatusChanged.Inc()
	return nil
}

func (m *MetricsExtension) OnPeriodsRegenerated(context.Context, *subscription.Subscription) error {
	m.PeriodsRegenerated.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Usage lifecycle hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnUsageRecorded(_ context.Context, _ *subscription.Subscription, r *subscription.Receipt) error {
	m.UsageRecorded.Inc()
	m.UnitsConsumed.Add(float64(r.Units))
	m.UsageUnits.Observe(float64(r.Units))
	return nil
}

func (m *MetricsExtension) OnOverdraftWarning(context.Context, *subscription.Subscription, int64) error {
	m.OverdraftWarnings.Inc()
	return nil
}

func (m *MetricsExtension) OnInsufficientUnits(context.Context, string, int64, int64) error {
	m.InsufficientUnits.Inc()
	return nil
}

func (m *MetricsExtension) OnConcurrencyConflict(context.Context, string, string, int) error {
	m.ConcurrencyConflicts.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Invoice lifecycle hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnInvoiceGenerated(_ context.Context, inv *invoice.Invoice) error {
	m.InvoiceGenerated.Inc()
	m.InvoiceTotal.Observe(inv.TotalAmount.Amount.InexactFloat64())
	return nil
}

func (m *MetricsExtension) OnInvoiceSent(context.Context, *invoice.Invoice) error {
	m.InvoiceSent.Inc()
	return nil
}

func (m *MetricsExtension) OnInvoicePaid(context.Context, *invoice.Invoice) error {
	m.InvoicePaid.Inc()
	return nil
}

func (m *MetricsExtension) OnInvoiceOverdue(context.Context, *invoice.Invoice) error {
	m.InvoiceOverdue.Inc()
	return nil
}

func (m *MetricsExtension) OnInvoiceCancelled(context.Context, *invoice.Invoice, string) error {
	m.InvoiceCancelled.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Payment lifecycle hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnPaymentRecorded(context.Context, *payment.Payment) error {
	m.PaymentRecorded.Inc()
	return nil
}

func (m *MetricsExtension) OnPaymentStatusChanged(_ context.Context, p *payment.Payment, _ payment.Status) error {
	switch p.Status {
	case payment.StatusCompleted:
		m.PaymentSettled.Inc()
	case payment.StatusFailed:
		m.PaymentFailed.Inc()
	case payment.StatusRefunded, payment.StatusPartiallyRefunded:
		m.PaymentRefunded.Inc()
	}
	return nil
}

func (m *MetricsExtension) OnPaymentApplied(_ context.Context, _ *invoice.Invoice, _ *payment.Payment, amount types.Money) error {
	m.PaymentApplied.Inc()
	m.AmountApplied.Observe(amount.Amount.InexactFloat64())
	return nil
}
