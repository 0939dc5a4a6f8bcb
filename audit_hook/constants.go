package audithook

// Action constants for audit events.
const (
	// Subscription actions
	ActionSubscriptionCreated       = "subscription.created"
	ActionSubscriptionStatusChanged = "subscription.status_changed"
	ActionPeriodsRegenerated        = "subscription.periods_regenerated"

	// Usage actions
	ActionUsageRecorded       = "usage.recorded"
	ActionOverdraftWarning    = "usage.overdraft_warning"
	ActionInsufficientUnits   = "usage.insufficient_units"
	ActionConcurrencyConflict = "concurrency.conflict"

	// Invoice actions
	ActionInvoiceGenerated = "invoice.generated"
	ActionInvoiceSent      = "invoice.sent"
	ActionInvoicePaid      = "invoice.paid"
	ActionInvoiceOverdue   = "invoice.overdue"
	ActionInvoiceCancelled = "invoice.cancelled"

	// Payment actions
	ActionPaymentRecorded      = "payment.recorded"
	ActionPaymentStatusChanged = "payment.status_changed"
	ActionPaymentApplied       = "payment.applied"
)

// Resource constants for audit events.
const (
	ResourceSubscription = "subscription"
	ResourceUsage        = "usage"
	ResourceInvoice      = "invoice"
	ResourcePayment      = "payment"
)

// Category constants for audit events.
const (
	CategoryBilling      = "billing"
	CategorySubscription = "subscription"
	CategoryUsage        = "usage"
	CategoryPayment      = "payment"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
