// Package mongo implements store.Store on MongoDB through grove's mongo
// driver. Each aggregate is one document carrying a version field; saves
// are $set updates filtered on that version. Invoice period claims live
// in their own collection behind a unique index.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"
	_ "github.com/xraph/grove/drivers/mongodriver/mongomigrate" // register migration executor
	"github.com/xraph/grove/migrate"

	"github.com/xraph/unitledger"
	"github.com/xraph/unitledger/id"
	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/payment"
	ledgerstore "github.com/xraph/unitledger/store"
	"github.com/xraph/unitledger/subscription"
)

// Collection name constants.
const (
	colSubscriptions = "unitledger_subscriptions"
	colInvoices      = "unitledger_invoices"
	colPayments      = "unitledger_payments"
	colClaims        = "unitledger_invoice_claims"
)

// compile-time interface check
var _ ledgerstore.Store = (*Store)(nil)

// Store implements store.Store using the grove ORM with MongoDB driver.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// Open connects to uri and returns a store on the named database.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	mdb := mongodriver.New()
	if err := mdb.Open(ctx, uri, mongodriver.WithDatabase(database)); err != nil {
		return nil, fmt.Errorf("unitledger/mongo: open: %w", err)
	}
	db, err := grove.Open(mdb)
	if err != nil {
		return nil, fmt.Errorf("unitledger/mongo: open: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all unitledger collections.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.mdb)
	if err != nil {
		return fmt.Errorf("%w: unitledger/mongo: create migration executor: %w", unitledger.ErrMigrationFailed, err)
	}
	if _, err := migrate.NewOrchestrator(executor, Migrations).Migrate(ctx); err != nil {
		return fmt.Errorf("%w: unitledger/mongo: %w", unitledger.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	m.Version = 1
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: company %s", unitledger.ErrSubscriptionExists, sub.CompanyID)
		}
		return fmt.Errorf("unitledger/mongo: create subscription: %w", err)
	}
	sub.Version = 1
	return nil
}

// LoadSubscription finds the company's subscription. Documents written
// under an older schema are upgraded and written back once.
func (s *Store) LoadSubscription(ctx context.Context, companyID string) (*subscription.Subscription, error) {
	var err error
	for range ledgerstore.UpgradeAttempts {
		var sub *subscription.Subscription
		sub, err = s.loadSubscription(ctx, companyID)
		if !errors.Is(err, unitledger.ErrVersionConflict) {
			return sub, err
		}
	}
	return nil, fmt.Errorf("unitledger/mongo: load subscription %s: %w", companyID, err)
}

func (s *Store) loadSubscription(ctx context.Context, companyID string) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"$or": bson.A{
			bson.M{"company_id": companyID},
			bson.M{"company_name": companyID, "company_id": bson.M{"$in": bson.A{nil, ""}}},
		}}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, unitledger.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("unitledger/mongo: load subscription: %w", err)
	}

	sub, upgraded, err := fromSubscriptionModel(&m)
	if err != nil {
		return nil, err
	}
	if upgraded {
		sub.UpdatedAt = now()
		if err := s.SaveSubscriptionIfUnchanged(ctx, sub, m.Version); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

func (s *Store) SaveSubscriptionIfUnchanged(ctx context.Context, sub *subscription.Subscription, expectedVersion int64) error {
	m := toSubscriptionModel(sub)
	m.Version = expectedVersion + 1

	err := s.swap(ctx, s.mdb.NewUpdate(m), colSubscriptions, "subscription", m.ID, expectedVersion)
	if errors.Is(err, unitledger.ErrNotFound) {
		return unitledger.ErrSubscriptionNotFound
	}
	if err != nil {
		return err
	}
	sub.Version = m.Version
	return nil
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	var models []subscriptionModel
	if err := page(s.mdb.NewFind(&models).Filter(filter), opts.Offset, opts.Limit).Scan(ctx); err != nil {
		return nil, fmt.Errorf("unitledger/mongo: list subscriptions: %w", err)
	}

	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, _, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

// ==================== Invoice Store ====================

// CreateInvoice claims the invoice's periods, then inserts the invoice.
// Claims are removed again if either step fails.
func (s *Store) CreateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	claims := toClaimModels(inv)
	if len(claims) > 0 {
		if _, err := s.mdb.NewInsert(&claims).Exec(ctx); err != nil {
			s.releaseClaims(ctx, inv.ID.String())
			if mongo.IsDuplicateKeyError(err) {
				return s.duplicateInvoice(ctx, inv)
			}
			return fmt.Errorf("unitledger/mongo: claim periods: %w", err)
		}
	}

	m := toInvoiceModel(inv)
	m.Version = 1
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		s.releaseClaims(ctx, inv.ID.String())
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: invoice %s", unitledger.ErrAlreadyExists, inv.InvoiceNumber)
		}
		return fmt.Errorf("unitledger/mongo: create invoice: %w", err)
	}
	inv.Version = 1
	return nil
}

func (s *Store) duplicateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	dup := &unitledger.DuplicateInvoiceError{SubscriptionID: inv.SubscriptionID.String()}

	var held []claimModel
	err := s.mdb.NewFind(&held).
		Filter(bson.M{
			"subscription_id": inv.SubscriptionID.String(),
			"period_number":   bson.M{"$in": inv.BillingPeriod.PeriodNumbers},
		}).
		Sort(bson.D{{Key: "period_number", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return dup
	}
	for _, c := range held {
		dup.PeriodNumbers = append(dup.PeriodNumbers, c.PeriodNumber)
		dup.InvoiceNumber = c.InvoiceNumber
	}
	return dup
}

func (s *Store) releaseClaims(ctx context.Context, invoiceID string) {
	_, _ = s.mdb.NewDelete((*claimModel)(nil)).Filter(bson.M{"invoice_id": invoiceID}).Many().Exec(ctx) //nolint:errcheck // best-effort cleanup
}

func (s *Store) GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	return s.getInvoice(ctx, bson.M{"_id": invID.String()})
}

func (s *Store) GetInvoiceByNumber(ctx context.Context, number string) (*invoice.Invoice, error) {
	return s.getInvoice(ctx, bson.M{"invoice_number": number})
}

func (s *Store) getInvoice(ctx context.Context, filter bson.M) (*invoice.Invoice, error) {
	var m invoiceModel
	if err := s.mdb.NewFind(&m).Filter(filter).Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return nil, unitledger.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("unitledger/mongo: get invoice: %w", err)
	}
	return fromInvoiceModel(&m)
}

func (s *Store) ListInvoices(ctx context.Context, opts invoice.ListOpts) ([]*invoice.Invoice, error) {
	filter := bson.M{}
	if !opts.SubscriptionID.IsNil() {
		filter["subscription_id"] = opts.SubscriptionID.String()
	}
	if opts.CompanyID != "" {
		filter["company_id"] = opts.CompanyID
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if !opts.DueBefore.IsZero() {
		filter["due_date"] = bson.M{"$lt": opts.DueBefore}
		if opts.Status == "" {
			filter["status"] = bson.M{"$in": bson.A{
				string(invoice.StatusSent),
				string(invoice.StatusPartiallyPaid),
				string(invoice.StatusOverdue),
			}}
		}
	}

	var models []invoiceModel
	if err := page(s.mdb.NewFind(&models).Filter(filter), opts.Offset, opts.Limit).Scan(ctx); err != nil {
		return nil, fmt.Errorf("unitledger/mongo: list invoices: %w", err)
	}

	result := make([]*invoice.Invoice, len(models))
	for i := range models {
		inv, err := fromInvoiceModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = inv
	}
	return result, nil
}

// SaveInvoiceIfUnchanged replaces the invoice and, when it is cancelled,
// releases its period claims.
func (s *Store) SaveInvoiceIfUnchanged(ctx context.Context, inv *invoice.Invoice, expectedVersion int64) error {
	m := toInvoiceModel(inv)
	m.Version = expectedVersion + 1

	err := s.swap(ctx, s.mdb.NewUpdate(m), colInvoices, "invoice", m.ID, expectedVersion)
	if errors.Is(err, unitledger.ErrNotFound) {
		return unitledger.ErrInvoiceNotFound
	}
	if err != nil {
		return err
	}
	inv.Version = m.Version

	if inv.Status == invoice.StatusCancelled {
		if _, err := s.mdb.NewDelete((*claimModel)(nil)).Filter(bson.M{"invoice_id": m.ID}).Many().Exec(ctx); err != nil {
			return fmt.Errorf("unitledger/mongo: release claims: %w", err)
		}
	}
	return nil
}

// ==================== Payment Store ====================

func (s *Store) CreatePayment(ctx context.Context, p *payment.Payment) error {
	m := toPaymentModel(p)
	m.Version = 1
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: payment intent %s", unitledger.ErrAlreadyExists, p.StripePaymentIntentID)
		}
		return fmt.Errorf("unitledger/mongo: create payment: %w", err)
	}
	p.Version = 1
	return nil
}

func (s *Store) GetPayment(ctx context.Context, payID id.PaymentID) (*payment.Payment, error) {
	return s.getPayment(ctx, bson.M{"_id": payID.String()})
}

func (s *Store) GetPaymentByIntent(ctx context.Context, intentID string) (*payment.Payment, error) {
	return s.getPayment(ctx, bson.M{"stripe_payment_intent_id": intentID})
}

func (s *Store) getPayment(ctx context.Context, filter bson.M) (*payment.Payment, error) {
	var m paymentModel
	if err := s.mdb.NewFind(&m).Filter(filter).Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return nil, unitledger.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("unitledger/mongo: get payment: %w", err)
	}
	return fromPaymentModel(&m)
}

func (s *Store) ListPayments(ctx context.Context, opts payment.ListOpts) ([]*payment.Payment, error) {
	filter := bson.M{}
	if opts.CompanyID != "" {
		filter["company_id"] = opts.CompanyID
	}
	if !opts.InvoiceID.IsNil() {
		filter["invoice_id"] = opts.InvoiceID.String()
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	var models []paymentModel
	if err := page(s.mdb.NewFind(&models).Filter(filter), opts.Offset, opts.Limit).Scan(ctx); err != nil {
		return nil, fmt.Errorf("unitledger/mongo: list payments: %w", err)
	}

	result := make([]*payment.Payment, len(models))
	for i := range models {
		p, err := fromPaymentModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

func (s *Store) SavePaymentIfUnchanged(ctx context.Context, p *payment.Payment, expectedVersion int64) error {
	m := toPaymentModel(p)
	m.Version = expectedVersion + 1

	err := s.swap(ctx, s.mdb.NewUpdate(m), colPayments, "payment", m.ID, expectedVersion)
	if errors.Is(err, unitledger.ErrNotFound) {
		return unitledger.ErrPaymentNotFound
	}
	if err != nil {
		return err
	}
	p.Version = m.Version
	return nil
}

// ==================== Helpers ====================

// versionModel reads only the version of a document.
type versionModel struct {
	ID      string `grove:"id,pk" bson:"_id"`
	Version int64  `grove:"version" bson:"version"`
}

// casFilter matches docID at expected. Documents written before the
// version field existed count as version 0.
func casFilter(docID string, expected int64) bson.M {
	if expected == 0 {
		return bson.M{"_id": docID, "$or": bson.A{
			bson.M{"version": expected},
			bson.M{"version": bson.M{"$exists": false}},
		}}
	}
	return bson.M{"_id": docID, "version": expected}
}

// swap applies q to docID if it is still at expected. A miss is resolved
// into ErrNotFound or a VersionConflictError.
func (s *Store) swap(ctx context.Context, q *mongodriver.UpdateQuery, col, aggregate, docID string, expected int64) error {
	res, err := q.Filter(casFilter(docID, expected)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("unitledger/mongo: save %s: %w", aggregate, err)
	}
	if res.MatchedCount() == 1 {
		return nil
	}

	var current versionModel
	err = s.mdb.NewFind(&current).
		Collection(col).
		Filter(bson.M{"_id": docID}).
		Project(bson.M{"version": 1}).
		Scan(ctx)
	if isNoDocuments(err) {
		return unitledger.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("unitledger/mongo: save %s: %w", aggregate, err)
	}
	return &unitledger.VersionConflictError{
		Aggregate: aggregate,
		ID:        docID,
		Expected:  expected,
		Actual:    current.Version,
	}
}

// page orders by creation and applies offset and limit.
func page(q *mongodriver.FindQuery, offset, limit int) *mongodriver.FindQuery {
	q = q.Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if offset > 0 {
		q = q.Skip(int64(offset))
	}
	return q
}

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}
