package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/payment"
	"github.com/xraph/unitledger/subscription"
	"github.com/xraph/unitledger/types"
)

// Registry manages all registered plugins and provides efficient dispatch.
// Hook implementations are discovered once at registration.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit                      []OnInit
	onShutdown                  []OnShutdown
	onSubscriptionCreated       []OnSubscriptionCreated
	onSubscriptionStatusChanged []OnSubscriptionStatusChanged
	onPeriodsRegenerated        []OnPeriodsRegenerated
	onUsageRecorded             []OnUsageRecorded
	onOverdraftWarning          []OnOverdraftWarning
	onInsufficientUnits         []OnInsufficientUnits
	onConcurrencyConflict       []OnConcurrencyConflict
	onInvoiceGenerated          []OnInvoiceGenerated
	onInvoiceSent               []OnInvoiceSent
	onInvoicePaid               []OnInvoicePaid
	onInvoiceOverdue            []OnInvoiceOverdue
	onInvoiceCancelled          []OnInvoiceCancelled
	onPaymentRecorded           []OnPaymentRecorded
	onPaymentStatusChanged      []OnPaymentStatusChanged
	onPaymentApplied            []OnPaymentApplied
	taxCalculators              []TaxCalculator
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: 5 * time.Second,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout bounds how long a single hook call may run.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	cache(p, &r.onInit)
	cache(p, &r.onShutdown)
	cache(p, &r.onSubscriptionCreated)
	cache(p, &r.onSubscriptionStatusChanged)
	cache(p, &r.onPeriodsRegenerated)
	cache(p, &r.onUsageRecorded)
	cache(p, &r.onOverdraftWarning)
	cache(p, &r.onInsufficientUnits)
	cache(p, &r.onConcurrencyConflict)
	cache(p, &r.onInvoiceGenerated)
	cache(p, &r.onInvoiceSent)
	cache(p, &r.onInvoicePaid)
	cache(p, &r.onInvoiceOverdue)
	cache(p, &r.onInvoiceCancelled)
	cache(p, &r.onPaymentRecorded)
	cache(p, &r.onPaymentStatusChanged)
	cache(p, &r.onPaymentApplied)
	cache(p, &r.taxCalculators)

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

func cache[T Plugin](p Plugin, list *[]T) {
	if v, ok := p.(T); ok {
		*list = append(*list, v)
	}
}

var hookTypes = map[string]reflect.Type{
	"OnSubscriptionCreated":  reflect.TypeFor[OnSubscriptionCreated](),
	"OnUsageRecorded":        reflect.TypeFor[OnUsageRecorded](),
	"OnOverdraftWarning":     reflect.TypeFor[OnOverdraftWarning](),
	"OnInvoiceGenerated":     reflect.TypeFor[OnInvoiceGenerated](),
	"OnInvoicePaid":          reflect.TypeFor[OnInvoicePaid](),
	"OnPaymentApplied":       reflect.TypeFor[OnPaymentApplied](),
	"OnConcurrencyConflict":  reflect.TypeFor[OnConcurrencyConflict](),
	"OnPaymentStatusChanged": reflect.TypeFor[OnPaymentStatusChanged](),
	"TaxCalculator":          reflect.TypeFor[TaxCalculator](),
}

// implementedInterfaces lists the main hooks a plugin implements, for logs.
func implementedInterfaces(p Plugin) []string {
	var names []string
	t := reflect.TypeOf(p)
	for name, iface := range hookTypes {
		if t.Implements(iface) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// emit calls fn for every plugin in the snapshot of list, logging failures.
// Hook errors never propagate to the caller.
func emit[T Plugin](ctx context.Context, r *Registry, hook string, list *[]T, fn func(T) error) {
	r.mu.RLock()
	plugins := *list
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return fn(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", &r.onInit, func(p OnInit) error { return p.OnInit(ctx, engine) })
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", &r.onShutdown, func(p OnShutdown) error { return p.OnShutdown(ctx) })
}

func (r *Registry) EmitSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) {
	emit(ctx, r, "OnSubscriptionCreated", &r.onSubscriptionCreated, func(p OnSubscriptionCreated) error {
		return p.OnSubscriptionCreated(ctx, sub)
	})
}

func (r *Registry) EmitSubscriptionStatusChanged(ctx context.Context, sub *subscription.Subscription, from subscription.Status) {
	emit(ctx, r, "OnSubscriptionStatusChanged", &r.onSubscriptionStatusChanged, func(p OnSubscriptionStatusChanged) error {
		return p.OnSubscriptionStatusChanged(ctx, sub, from)
	})
}

func (r *Registry) EmitPeriodsRegenerated(ctx context.Context, sub *subscription.Subscription) {
	emit(ctx, r, "OnPeriodsRegenerated", &r.onPeriodsRegenerated, func(p OnPeriodsRegenerated) error {
		return p.OnPeriodsRegenerated(ctx, sub)
	})
}

func (r *Registry) EmitUsageRecorded(ctx context.Context, sub *subscription.Subscription, receipt *subscription.Receipt) {
	emit(ctx, r, "OnUsageRecorded", &r.onUsageRecorded, func(p OnUsageRecorded) error {
		return p.OnUsageRecorded(ctx, sub, receipt)
	})
}

func (r *Registry) EmitOverdraftWarning(ctx context.Context, sub *subscription.Subscription, balance int64) {
	emit(ctx, r, "OnOverdraftWarning", &r.onOverdraftWarning, func(p OnOverdraftWarning) error {
		return p.OnOverdraftWarning(ctx, sub, balance)
	})
}

func (r *Registry) EmitInsufficientUnits(ctx context.Context, companyID string, requested, available int64) {
	emit(ctx, r, "OnInsufficientUnits", &r.onInsufficientUnits, func(p OnInsufficientUnits) error {
		return p.OnInsufficientUnits(ctx, companyID, requested, available)
	})
}

func (r *Registry) EmitConcurrencyConflict(ctx context.Context, aggregate, id string, attempt int) {
	emit(ctx, r, "OnConcurrencyConflict", &r.onConcurrencyConflict, func(p OnConcurrencyConflict) error {
		return p.OnConcurrencyConflict(ctx, aggregate, id, attempt)
	})
}

func (r *Registry) EmitInvoiceGenerated(ctx context.Context, inv *invoice.Invoice) {
	emit(ctx, r, "OnInvoiceGenerated", &r.onInvoiceGenerated, func(p OnInvoiceGenerated) error {
		return p.OnInvoiceGenerated(ctx, inv)
	})
}

func (r *Registry) EmitInvoiceSent(ctx context.Context, inv *invoice.Invoice) {
	emit(ctx, r, "OnInvoiceSent", &r.onInvoiceSent, func(p OnInvoiceSent) error {
		return p.OnInvoiceSent(ctx, inv)
	})
}

func (r *Registry) EmitInvoicePaid(ctx context.Context, inv *invoice.Invoice) {
	emit(ctx, r, "OnInvoicePaid", &r.onInvoicePaid, func(p OnInvoicePaid) error {
		return p.OnInvoicePaid(ctx, inv)
	})
}

func (r *Registry) EmitInvoiceOverdue(ctx context.Context, inv *invoice.Invoice) {
	emit(ctx, r, "OnInvoiceOverdue", &r.onInvoiceOverdue, func(p OnInvoiceOverdue) error {
		return p.OnInvoiceOverdue(ctx, inv)
	})
}

func (r *Registry) EmitInvoiceCancelled(ctx context.Context, inv *invoice.Invoice, reason string) {
	emit(ctx, r, "OnInvoiceCancelled", &r.onInvoiceCancelled, func(p OnInvoiceCancelled) error {
		return p.OnInvoiceCancelled(ctx, inv, reason)
	})
}

func (r *Registry) EmitPaymentRecorded(ctx context.Context, pay *payment.Payment) {
	emit(ctx, r, "OnPaymentRecorded", &r.onPaymentRecorded, func(p OnPaymentRecorded) error {
		return p.OnPaymentRecorded(ctx, pay)
	})
}

func (r *Registry) EmitPaymentStatusChanged(ctx context.Context, pay *payment.Payment, from payment.Status) {
	emit(ctx, r, "OnPaymentStatusChanged", &r.onPaymentStatusChanged, func(p OnPaymentStatusChanged) error {
		return p.OnPaymentStatusChanged(ctx, pay, from)
	})
}

func (r *Registry) EmitPaymentApplied(ctx context.Context, inv *invoice.Invoice, pay *payment.Payment, amount types.Money) {
	emit(ctx, r, "OnPaymentApplied", &r.onPaymentApplied, func(p OnPaymentApplied) error {
		return p.OnPaymentApplied(ctx, inv, pay, amount)
	})
}

// TaxCalculator returns the first registered tax calculator, if any.
func (r *Registry) TaxCalculator() (TaxCalculator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.taxCalculators) == 0 {
		return nil, false
	}
	return r.taxCalculators[0], true
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the billing pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(r.timeout):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
