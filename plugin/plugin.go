// Package plugin provides an extensible plugin system for unitledger.
// Plugins can hook into various lifecycle events to extend functionality.
package plugin

import (
	"context"

	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/payment"
	"github.com/xraph/unitledger/subscription"
	"github.com/xraph/unitledger/types"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated is called when a new subscription is created.
type OnSubscriptionCreated interface {
	Plugin
	OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error
}

// OnSubscriptionStatusChanged is called after SetStatus changes the status.
type OnSubscriptionStatusChanged interface {
	Plugin
	OnSubscriptionStatusChanged(ctx context.Context, sub *subscription.Subscription, from subscription.Status) error
}

// OnPeriodsRegenerated is called after a subscription's periods are rebuilt.
type OnPeriodsRegenerated interface {
	Plugin
	OnPeriodsRegenerated(ctx context.Context, sub *subscription.Subscription) error
}

// ──────────────────────────────────────────────────
// Usage hooks
// ──────────────────────────────────────────────────

// OnUsageRecorded is called after a consumption is persisted.
type OnUsageRecorded interface {
	Plugin
	OnUsageRecorded(ctx context.Context, sub *subscription.Subscription, receipt *subscription.Receipt) error
}

// OnOverdraftWarning is called when an enterprise balance drops below the
// soft limit.
type OnOverdraftWarning interface {
	Plugin
	OnOverdraftWarning(ctx context.Context, sub *subscription.Subscription, balance int64) error
}

// OnInsufficientUnits is called when a standard subscription rejects a
// consumption.
type OnInsufficientUnits interface {
	Plugin
	OnInsufficientUnits(ctx context.Context, companyID string, requested, available int64) error
}

// OnConcurrencyConflict is called on every lost compare-and-swap.
type OnConcurrencyConflict interface {
	Plugin
	OnConcurrencyConflict(ctx context.Context, aggregate, id string, attempt int) error
}

// ──────────────────────────────────────────────────
// Invoice hooks
// ──────────────────────────────────────────────────

// OnInvoiceGenerated is called when a draft invoice is persisted.
type OnInvoiceGenerated interface {
	Plugin
	OnInvoiceGenerated(ctx context.Context, inv *invoice.Invoice) error
}

// OnInvoiceSent is called when an invoice moves from draft to sent.
type OnInvoiceSent interface {
	Plugin
	OnInvoiceSent(ctx context.Context, inv *invoice.Invoice) error
}

// OnInvoicePaid is called when an invoice reaches paid.
type OnInvoicePaid interface {
	Plugin
	OnInvoicePaid(ctx context.Context, inv *invoice.Invoice) error
}

// OnInvoiceOverdue is called when an invoice is found past due.
type OnInvoiceOverdue interface {
	Plugin
	OnInvoiceOverdue(ctx context.Context, inv *invoice.Invoice) error
}

// OnInvoiceCancelled is called when an invoice is cancelled.
type OnInvoiceCancelled interface {
	Plugin
	OnInvoiceCancelled(ctx context.Context, inv *invoice.Invoice, reason string) error
}

// ──────────────────────────────────────────────────
// Payment hooks
// ──────────────────────────────────────────────────

// OnPaymentRecorded is called when a processor payment is first stored.
type OnPaymentRecorded interface {
	Plugin
	OnPaymentRecorded(ctx context.Context, p *payment.Payment) error
}

// OnPaymentStatusChanged is called on confirmation, failure or refund.
type OnPaymentStatusChanged interface {
	Plugin
	OnPaymentStatusChanged(ctx context.Context, p *payment.Payment, from payment.Status) error
}

// OnPaymentApplied is called after funds are applied to an invoice.
type OnPaymentApplied interface {
	Plugin
	OnPaymentApplied(ctx context.Context, inv *invoice.Invoice, p *payment.Payment, amount types.Money) error
}

// ──────────────────────────────────────────────────
// Tax calculators
// ──────────────────────────────────────────────────

// TaxCalculator replaces the flat tax rate for invoices. The first
// registered calculator wins.
type TaxCalculator interface {
	Plugin
	CalculateTax(ctx context.Context, subtotal types.Money, companyID string) (types.Money, error)
}
