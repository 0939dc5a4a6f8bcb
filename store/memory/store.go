// Package memory implements store.Store in process memory. It is safe for
// concurrent use and intended for tests and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/xraph/unitledger"
	"github.com/xraph/unitledger/id"
	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/payment"
	"github.com/xraph/unitledger/store"
	"github.com/xraph/unitledger/subscription"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	// Subscription storage, keyed by company id
	subscriptions map[string]*subscription.Subscription

	// Invoice storage
	invoices map[string]*invoice.Invoice
	numbers  map[string]string
	// claims maps subscription:period to the claiming invoice id
	claims map[string]string

	// Payment storage
	payments map[string]*payment.Payment
	intents  map[string]string

	closed bool
}

func New() *Store {
	return &Store{
		subscriptions: make(map[string]*subscription.Subscription),
		invoices:      make(map[string]*invoice.Invoice),
		numbers:       make(map[string]string),
		claims:        make(map[string]string),
		payments:      make(map[string]*payment.Payment),
		intents:       make(map[string]string),
	}
}

// ──────────────────────────────────────────────────
// Subscription Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unitledger.ErrStoreClosed
	}

	if _, exists := s.subscriptions[sub.CompanyID]; exists {
		return fmt.Errorf("%w: company %s", unitledger.ErrSubscriptionExists, sub.CompanyID)
	}
	sub.Version = 1
	s.subscriptions[sub.CompanyID] = sub.Clone()
	return nil
}

func (s *Store) LoadSubscription(_ context.Context, companyID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[companyID]; ok {
		return sub.Clone(), nil
	}
	return nil, unitledger.ErrSubscriptionNotFound
}

func (s *Store) SaveSubscriptionIfUnchanged(_ context.Context, sub *subscription.Subscription, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unitledger.ErrStoreClosed
	}

	current, ok := s.subscriptions[sub.CompanyID]
	if !ok {
		return unitledger.ErrSubscriptionNotFound
	}
	if current.Version != expectedVersion {
		return &unitledger.VersionConflictError{
			Aggregate: "subscription",
			ID:        sub.CompanyID,
			Expected:  expectedVersion,
			Actual:    current.Version,
		}
	}
	sub.Version = expectedVersion + 1
	s.subscriptions[sub.CompanyID] = sub.Clone()
	return nil
}

func (s *Store) ListSubscriptions(_ context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*subscription.Subscription
	for _, sub := range s.subscriptions {
		if opts.Status != "" && sub.Status != opts.Status {
			continue
		}
		result = append(result, sub.Clone())
	}
	slices.SortFunc(result, func(a, b *subscription.Subscription) int {
		return compareIDs(a.ID, b.ID)
	})
	return page(result, opts.Offset, opts.Limit), nil
}

// ──────────────────────────────────────────────────
// Invoice Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateInvoice(_ context.Context, inv *invoice.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unitledger.ErrStoreClosed
	}

	if _, exists := s.invoices[inv.ID.String()]; exists {
		return unitledger.ErrAlreadyExists
	}
	if _, exists := s.numbers[inv.InvoiceNumber]; exists {
		return fmt.Errorf("%w: invoice number %s", unitledger.ErrAlreadyExists, inv.InvoiceNumber)
	}

	var taken []int
	holder := ""
	for _, n := range inv.BillingPeriod.PeriodNumbers {
		if owner, ok := s.claims[claimKey(inv.SubscriptionID, n)]; ok {
			taken = append(taken, n)
			holder = owner
		}
	}
	if len(taken) > 0 {
		dup := &unitledger.DuplicateInvoiceError{SubscriptionID: inv.SubscriptionID.String(), PeriodNumbers: taken}
		if other, ok := s.invoices[holder]; ok {
			dup.InvoiceNumber = other.InvoiceNumber
		}
		return dup
	}

	for _, n := range inv.BillingPeriod.PeriodNumbers {
		s.claims[claimKey(inv.SubscriptionID, n)] = inv.ID.String()
	}
	inv.Version = 1
	s.invoices[inv.ID.String()] = inv.Clone()
	s.numbers[inv.InvoiceNumber] = inv.ID.String()
	return nil
}

func (s *Store) GetInvoice(_ context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if inv, ok := s.invoices[invID.String()]; ok {
		return inv.Clone(), nil
	}
	return nil, unitledger.ErrInvoiceNotFound
}

func (s *Store) GetInvoiceByNumber(_ context.Context, number string) (*invoice.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key, ok := s.numbers[number]; ok {
		return s.invoices[key].Clone(), nil
	}
	return nil, unitledger.ErrInvoiceNotFound
}

func (s *Store) ListInvoices(_ context.Context, opts invoice.ListOpts) ([]*invoice.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*invoice.Invoice
	for _, inv := range s.invoices {
		if !matchInvoice(inv, opts) {
			continue
		}
		result = append(result, inv.Clone())
	}
	slices.SortFunc(result, func(a, b *invoice.Invoice) int {
		return compareIDs(a.ID, b.ID)
	})
	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) SaveInvoiceIfUnchanged(_ context.Context, inv *invoice.Invoice, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unitledger.ErrStoreClosed
	}

	current, ok := s.invoices[inv.ID.String()]
	if !ok {
		return unitledger.ErrInvoiceNotFound
	}
	if current.Version != expectedVersion {
		return &unitledger.VersionConflictError{
			Aggregate: "invoice",
			ID:        inv.ID.String(),
			Expected:  expectedVersion,
			Actual:    current.Version,
		}
	}

	if inv.Status == invoice.StatusCancelled && current.Status != invoice.StatusCancelled {
		for _, n := range current.BillingPeriod.PeriodNumbers {
			key := claimKey(current.SubscriptionID, n)
			if s.claims[key] == current.ID.String() {
				delete(s.claims, key)
			}
		}
	}

	inv.Version = expectedVersion + 1
	s.invoices[inv.ID.String()] = inv.Clone()
	return nil
}

// ──────────────────────────────────────────────────
// Payment Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreatePayment(_ context.Context, p *payment.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unitledger.ErrStoreClosed
	}

	if _, exists := s.payments[p.ID.String()]; exists {
		return unitledger.ErrAlreadyExists
	}
	if p.StripePaymentIntentID != "" {
		if _, exists := s.intents[p.StripePaymentIntentID]; exists {
			return fmt.Errorf("%w: payment intent %s", unitledger.ErrAlreadyExists, p.StripePaymentIntentID)
		}
		s.intents[p.StripePaymentIntentID] = p.ID.String()
	}
	p.Version = 1
	s.payments[p.ID.String()] = p.Clone()
	return nil
}

func (s *Store) GetPayment(_ context.Context, payID id.PaymentID) (*payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.payments[payID.String()]; ok {
		return p.Clone(), nil
	}
	return nil, unitledger.ErrPaymentNotFound
}

func (s *Store) GetPaymentByIntent(_ context.Context, intentID string) (*payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key, ok := s.intents[intentID]; ok {
		return s.payments[key].Clone(), nil
	}
	return nil, unitledger.ErrPaymentNotFound
}

func (s *Store) ListPayments(_ context.Context, opts payment.ListOpts) ([]*payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*payment.Payment
	for _, p := range s.payments {
		if opts.CompanyID != "" && p.CompanyID != opts.CompanyID {
			continue
		}
		if !opts.InvoiceID.IsNil() && p.InvoiceID != opts.InvoiceID {
			continue
		}
		if opts.Status != "" && p.Status != opts.Status {
			continue
		}
		result = append(result, p.Clone())
	}
	slices.SortFunc(result, func(a, b *payment.Payment) int {
		return compareIDs(a.ID, b.ID)
	})
	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) SavePaymentIfUnchanged(_ context.Context, p *payment.Payment, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unitledger.ErrStoreClosed
	}

	current, ok := s.payments[p.ID.String()]
	if !ok {
		return unitledger.ErrPaymentNotFound
	}
	if current.Version != expectedVersion {
		return &unitledger.VersionConflictError{
			Aggregate: "payment",
			ID:        p.ID.String(),
			Expected:  expectedVersion,
			Actual:    current.Version,
		}
	}
	p.Version = expectedVersion + 1
	s.payments[p.ID.String()] = p.Clone()
	return nil
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return unitledger.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Helper functions

func claimKey(subID id.SubscriptionID, period int) string {
	return subID.String() + ":" + strconv.Itoa(period)
}

func matchInvoice(inv *invoice.Invoice, opts invoice.ListOpts) bool {
	if !opts.SubscriptionID.IsNil() && inv.SubscriptionID != opts.SubscriptionID {
		return false
	}
	if opts.CompanyID != "" && inv.CompanyID != opts.CompanyID {
		return false
	}
	if opts.Status != "" && inv.Status != opts.Status {
		return false
	}
	if !opts.DueBefore.IsZero() {
		if inv.Status.IsTerminal() || inv.Status == invoice.StatusDraft {
			return false
		}
		if inv.DueDate == nil || !inv.DueDate.Before(opts.DueBefore) {
			return false
		}
	}
	return true
}

func compareIDs(a, b id.ID) int {
	switch as, bs := a.String(), b.String(); {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
