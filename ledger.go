package unitledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/unitledger/idempotency"
	"github.com/xraph/unitledger/plugin"
	"github.com/xraph/unitledger/store"
	"github.com/xraph/unitledger/subscription"
)

// DefaultMaxRetries is the optimistic-concurrency attempt budget per
// operation.
const DefaultMaxRetries = 3

// Ledger is the usage accounting engine. Every mutation is a
// load, decide, compare-and-swap cycle against one aggregate, retried a
// bounded number of times on version conflicts.
type Ledger struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	guard   idempotency.Guard

	clock      func() time.Time
	maxRetries int
	horizon    int
	policy     BillingPolicy
	numberer   func(time.Time) string
}

// New creates a new Ledger instance.
func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      s,
		plugins:    plugin.NewRegistry(),
		logger:     slog.Default(),
		clock:      func() time.Time { return time.Now().UTC() },
		maxRetries: DefaultMaxRetries,
		horizon:    DefaultHorizon,
		policy:     DefaultBillingPolicy(),
		numberer:   InvoiceNumber,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Option configures a Ledger instance.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
		l.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(l *Ledger) {
		_ = l.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithMaxRetries sets the compare-and-swap attempt budget.
func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxRetries = n
		}
	}
}

// WithHorizon sets how many periods an open-ended subscription gets.
func WithHorizon(periods int) Option {
	return func(l *Ledger) {
		if periods > 0 {
			l.horizon = periods
		}
	}
}

// WithTaxRate sets the flat tax rate applied to invoice subtotals.
func WithTaxRate(rate decimal.Decimal) Option {
	return func(l *Ledger) { l.policy.TaxRate = rate }
}

// WithOverageMultiplier prices overage units at price_per_unit times m.
func WithOverageMultiplier(m decimal.Decimal) Option {
	return func(l *Ledger) { l.policy.OverageMultiplier = m }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithIdempotencyGuard deduplicates usage requests by transaction id.
func WithIdempotencyGuard(g idempotency.Guard) Option {
	return func(l *Ledger) { l.guard = g }
}

// WithInvoiceNumberer overrides invoice number assignment.
func WithInvoiceNumberer(fn func(time.Time) string) Option {
	return func(l *Ledger) { l.numberer = fn }
}

// Start migrates the store and initializes plugins.
func (l *Ledger) Start(ctx context.Context) error {
	if err := l.store.Migrate(ctx); err != nil {
		return err
	}

	l.plugins.EmitInit(ctx, l)

	l.logger.Info("unitledger started",
		"max_retries", l.maxRetries,
		"horizon", l.horizon,
		"tax_rate", l.policy.TaxRate.String(),
		"overage_multiplier", l.policy.OverageMultiplier.String(),
	)

	return nil
}

// Stop shuts down plugins and closes the store.
func (l *Ledger) Stop() error {
	l.plugins.EmitShutdown(context.Background())
	return l.store.Close()
}

// Plugins returns the plugin registry.
func (l *Ledger) Plugins() *plugin.Registry { return l.plugins }

// Store returns the underlying store.
func (l *Ledger) Store() store.Store { return l.store }

// Policy returns the billing policy in effect.
func (l *Ledger) Policy() BillingPolicy { return l.policy }

// retry runs attempt until it succeeds, fails with something other than a
// version conflict, or the budget is spent.
func (l *Ledger) retry(ctx context.Context, aggregate, key string, attempt func() error) error {
	var last error
	for n := 1; n <= l.maxRetries; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := attempt()
		if err == nil || !errors.Is(err, ErrVersionConflict) {
			return err
		}
		last = err
		l.logger.Debug("version conflict, retrying",
			"aggregate", aggregate,
			"id", key,
			"attempt", n,
		)
		l.plugins.EmitConcurrencyConflict(ctx, aggregate, key, n)
	}
	l.logger.Warn("retry budget exhausted",
		"aggregate", aggregate,
		"id", key,
		"attempts", l.maxRetries,
	)
	return &ConcurrencyError{Aggregate: aggregate, ID: key, Attempts: l.maxRetries, Last: last}
}

func (l *Ledger) saveSubscription(ctx context.Context, sub *subscription.Subscription, expected int64) error {
	sub.Touch(l.clock())
	return l.store.SaveSubscriptionIfUnchanged(ctx, sub, expected)
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

// CreateSubscription generates periods for the terms and stores a new
// active subscription. A company may hold only one subscription.
func (l *Ledger) CreateSubscription(ctx context.Context, t Terms) (*subscription.Subscription, error) {
	sub, err := NewSubscription(t, l.horizon, l.clock())
	if err != nil {
		return nil, err
	}

	if err := l.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	l.logger.Info("subscription created",
		"company_id", sub.CompanyID,
		"subscription_id", sub.ID.String(),
		"periods", len(sub.Periods),
		"enterprise", sub.IsEnterprise,
	)
	l.plugins.EmitSubscriptionCreated(ctx, sub)
	return sub, nil
}

// GetSubscription loads a company's subscription.
func (l *Ledger) GetSubscription(ctx context.Context, companyID string) (*subscription.Subscription, error) {
	return l.store.LoadSubscription(ctx, companyID)
}

// ListSubscriptions lists subscriptions.
func (l *Ledger) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	return l.store.ListSubscriptions(ctx, opts)
}

// Balance returns the company's available balance across all periods.
func (l *Ledger) Balance(ctx context.Context, companyID string) (int64, error) {
	sub, err := l.store.LoadSubscription(ctx, companyID)
	if err != nil {
		return 0, err
	}
	return AvailableBalance(sub), nil
}

// CheckUsage reports whether units could be consumed now, without
// consuming them.
func (l *Ledger) CheckUsage(ctx context.Context, companyID string, units int64) (Decision, error) {
	if units <= 0 {
		return Decision{}, validationErr("units", "must be > 0, got %d", units)
	}
	sub, err := l.store.LoadSubscription(ctx, companyID)
	if err != nil {
		return Decision{}, err
	}
	return CanConsume(sub, units), nil
}

// SetStatus changes a subscription's status.
func (l *Ledger) SetStatus(ctx context.Context, companyID string, status subscription.Status) (*subscription.Subscription, error) {
	switch status {
	case subscription.StatusActive, subscription.StatusInactive, subscription.StatusExpired:
	default:
		return nil, validationErr("status", "unknown status %q", status)
	}

	var (
		saved *subscription.Subscription
		from  subscription.Status
	)
	err := l.retry(ctx, "subscription", companyID, func() error {
		sub, err := l.store.LoadSubscription(ctx, companyID)
		if err != nil {
			return err
		}
		from = sub.Status
		if from == status {
			saved = sub
			return nil
		}
		updated := sub.Clone()
		updated.Status = status
		if err := l.saveSubscription(ctx, updated, sub.Version); err != nil {
			return err
		}
		saved = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != status {
		l.logger.Info("subscription status changed", "company_id", companyID, "from", from, "to", status)
		l.plugins.EmitSubscriptionStatusChanged(ctx, saved, from)
	}
	return saved, nil
}

// RegeneratePeriods rebuilds a subscription's periods from new terms and
// re-applies its historical usage. See Regenerate.
func (l *Ledger) RegeneratePeriods(ctx context.Context, companyID string, t Terms) (*subscription.Subscription, error) {
	var saved *subscription.Subscription
	err := l.retry(ctx, "subscription", companyID, func() error {
		sub, err := l.store.LoadSubscription(ctx, companyID)
		if err != nil {
			return err
		}
		updated, err := Regenerate(sub, t, l.horizon, l.clock())
		if err != nil {
			return err
		}
		if err := l.saveSubscription(ctx, updated, sub.Version); err != nil {
			return err
		}
		saved = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("periods regenerated",
		"company_id", companyID,
		"periods", len(saved.Periods),
		"units_used", saved.TotalUsed(),
	)
	l.plugins.EmitPeriodsRegenerated(ctx, saved)
	return saved, nil
}
