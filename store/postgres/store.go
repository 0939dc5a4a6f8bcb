// Package postgres implements store.Store on PostgreSQL via grove and its
// pgdriver (pgx underneath). Documents are stored as JSONB.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xraph/grove"
	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate" // registers the pg migration executor
	"github.com/xraph/grove/migrate"

	"github.com/xraph/unitledger"
	"github.com/xraph/unitledger/id"
	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/payment"
	ledgerstore "github.com/xraph/unitledger/store"
	"github.com/xraph/unitledger/store/internal/sqldoc"
	"github.com/xraph/unitledger/subscription"
)

// compile-time interface check
var _ ledgerstore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// Open connects a pgx pool to dsn.
func Open(ctx context.Context, dsn string, opts ...driver.Option) (*Store, error) {
	pg := pgdriver.New()
	if err := pg.Open(ctx, dsn, opts...); err != nil {
		return nil, fmt.Errorf("unitledger/postgres: open: %w", err)
	}
	db, err := grove.Open(pg)
	if err != nil {
		_ = pg.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("unitledger/postgres: open: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("%w: unitledger/postgres: create migration executor: %w", unitledger.ErrMigrationFailed, err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: unitledger/postgres: %w", unitledger.ErrMigrationFailed, err)
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
	m, err := sqldoc.ToSubscriptionModel(sub, 1)
	if err != nil {
		return wrap("encode subscription", err)
	}
	if _, err := s.pg.NewInsert(m).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: company %s", unitledger.ErrSubscriptionExists, sub.CompanyID)
		}
		return wrap("create subscription", err)
	}
	sub.Version = 1
	return nil
}

// LoadSubscription finds the company's subscription. Rows written under an
// older schema are upgraded and written back once.
func (s *Store) LoadSubscription(ctx context.Context, companyID string) (*subscription.Subscription, error) {
	var err error
	for range ledgerstore.UpgradeAttempts {
		var sub *subscription.Subscription
		sub, err = s.loadSubscription(ctx, companyID)
		if !errors.Is(err, unitledger.ErrVersionConflict) {
			return sub, err
		}
	}
	return nil, err
}

func (s *Store) loadSubscription(ctx context.Context, companyID string) (*subscription.Subscription, error) {
	m := new(sqldoc.SubscriptionModel)
	err := s.pg.NewSelect(m).
		Where("company_id = ?", companyID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, unitledger.ErrSubscriptionNotFound
		}
		return nil, wrap("load subscription", err)
	}

	sub, upgraded, err := sqldoc.FromSubscriptionModel(m)
	if err != nil {
		return nil, err
	}
	if upgraded {
		if err := s.SaveSubscriptionIfUnchanged(ctx, sub, m.Version); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

func (s *Store) SaveSubscriptionIfUnchanged(ctx context.Context, sub *subscription.Subscription, expectedVersion int64) error {
	m, err := sqldoc.ToSubscriptionModel(sub, expectedVersion+1)
	if err != nil {
		return wrap("encode subscription", err)
	}
	res, err := swap(s.pg.NewUpdate(m), m.ID, expectedVersion, subscriptionColumns...).Exec(ctx)
	if err != nil {
		return wrap("save subscription", err)
	}
	if err := checkSwap(ctx, s.pg, res, sqldoc.TableSubscriptions, "subscription", m.ID, expectedVersion); err != nil {
		if errors.Is(err, unitledger.ErrNotFound) {
			return unitledger.ErrSubscriptionNotFound
		}
		return err
	}
	sub.Version = m.Version
	return nil
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []sqldoc.SubscriptionModel
	q := s.pg.NewSelect(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	q = page(q, opts.Offset, opts.Limit).OrderExpr("created_ms ASC, id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, wrap("list subscriptions", err)
	}

	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, _, err := sqldoc.FromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

// ==================== Invoice Store ====================

// CreateInvoice claims the invoice's periods and inserts it in one
// transaction.
func (s *Store) CreateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	m, err := sqldoc.ToInvoiceModel(inv, 1)
	if err != nil {
		return wrap("encode invoice", err)
	}

	tx, err := s.pg.BeginTxQuery(ctx, nil)
	if err != nil {
		return wrap("create invoice", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, c := range sqldoc.Claims(inv) {
		if _, err := tx.NewInsert(&c).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				_ = tx.Rollback() //nolint:errcheck // the aborted transaction cannot run the lookup below
				return s.duplicateInvoice(ctx, inv)
			}
			return wrap("claim periods", err)
		}
	}
	if _, err := tx.NewInsert(m).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: invoice %s", unitledger.ErrAlreadyExists, inv.InvoiceNumber)
		}
		return wrap("create invoice", err)
	}
	if err := tx.Commit(); err != nil {
		return wrap("create invoice", err)
	}
	inv.Version = 1
	return nil
}

func (s *Store) duplicateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	var held []sqldoc.ClaimModel
	err := s.pg.NewSelect(&held).
		Where("subscription_id = ?", inv.SubscriptionID.String()).
		OrderExpr("period_number ASC").
		Scan(ctx)
	if err != nil {
		return &unitledger.DuplicateInvoiceError{SubscriptionID: inv.SubscriptionID.String()}
	}
	return sqldoc.DuplicateInvoice(inv, held)
}

func (s *Store) GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	return s.getInvoice(ctx, "id = ?", invID.String())
}

func (s *Store) GetInvoiceByNumber(ctx context.Context, number string) (*invoice.Invoice, error) {
	return s.getInvoice(ctx, "invoice_number = ?", number)
}

func (s *Store) getInvoice(ctx context.Context, cond string, arg any) (*invoice.Invoice, error) {
	m := new(sqldoc.InvoiceModel)
	if err := s.pg.NewSelect(m).Where(cond, arg).Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, unitledger.ErrInvoiceNotFound
		}
		return nil, wrap("get invoice", err)
	}
	return sqldoc.FromInvoiceModel(m)
}

func (s *Store) ListInvoices(ctx context.Context, opts invoice.ListOpts) ([]*invoice.Invoice, error) {
	var models []sqldoc.InvoiceModel
	q := s.pg.NewSelect(&models)

	if !opts.SubscriptionID.IsNil() {
		q = q.Where("subscription_id = ?", opts.SubscriptionID.String())
	}
	if opts.CompanyID != "" {
		q = q.Where("company_id = ?", opts.CompanyID)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if !opts.DueBefore.IsZero() {
		q = q.Where("due_ms IS NOT NULL AND due_ms < ?", sqldoc.Millis(opts.DueBefore))
		if opts.Status == "" {
			q = q.Where("status IN (?, ?, ?)",
				string(invoice.StatusSent), string(invoice.StatusPartiallyPaid), string(invoice.StatusOverdue))
		}
	}
	q = page(q, opts.Offset, opts.Limit).OrderExpr("created_ms ASC, id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, wrap("list invoices", err)
	}

	result := make([]*invoice.Invoice, len(models))
	for i := range models {
		inv, err := sqldoc.FromInvoiceModel(&models[i])
		if err != nil {
			return nil, wrap("list invoices", err)
		}
		result[i] = inv
	}
	return result, nil
}

// SaveInvoiceIfUnchanged updates the invoice and, when it is cancelled,
// releases its period claims in the same transaction.
func (s *Store) SaveInvoiceIfUnchanged(ctx context.Context, inv *invoice.Invoice, expectedVersion int64) error {
	m, err := sqldoc.ToInvoiceModel(inv, expectedVersion+1)
	if err != nil {
		return wrap("encode invoice", err)
	}

	tx, err := s.pg.BeginTxQuery(ctx, nil)
	if err != nil {
		return wrap("save invoice", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := swap(tx.NewUpdate(m), m.ID, expectedVersion, invoiceColumns...).Exec(ctx)
	if err != nil {
		return wrap("save invoice", err)
	}
	if err := checkSwap(ctx, tx, res, sqldoc.TableInvoices, "invoice", m.ID, expectedVersion); err != nil {
		if errors.Is(err, unitledger.ErrNotFound) {
			return unitledger.ErrInvoiceNotFound
		}
		return err
	}
	if inv.Status == invoice.StatusCancelled {
		_, err := tx.NewDelete((*sqldoc.ClaimModel)(nil)).
			Where("invoice_id = ?", m.ID).
			Exec(ctx)
		if err != nil {
			return wrap("release claims", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap("save invoice", err)
	}
	inv.Version = m.Version
	return nil
}

// ==================== Payment Store ====================

func (s *Store) CreatePayment(ctx context.Context, p *payment.Payment) error {
	m, err := sqldoc.ToPaymentModel(p, 1)
	if err != nil {
		return wrap("encode payment", err)
	}
	if _, err := s.pg.NewInsert(m).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: payment intent %s", unitledger.ErrAlreadyExists, p.StripePaymentIntentID)
		}
		return wrap("create payment", err)
	}
	p.Version = 1
	return nil
}

func (s *Store) GetPayment(ctx context.Context, payID id.PaymentID) (*payment.Payment, error) {
	return s.getPayment(ctx, "id = ?", payID.String())
}

func (s *Store) GetPaymentByIntent(ctx context.Context, intentID string) (*payment.Payment, error) {
	return s.getPayment(ctx, "intent_id = ?", intentID)
}

func (s *Store) getPayment(ctx context.Context, cond string, arg any) (*payment.Payment, error) {
	m := new(sqldoc.PaymentModel)
	if err := s.pg.NewSelect(m).Where(cond, arg).Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, unitledger.ErrPaymentNotFound
		}
		return nil, wrap("get payment", err)
	}
	return sqldoc.FromPaymentModel(m)
}

func (s *Store) ListPayments(ctx context.Context, opts payment.ListOpts) ([]*payment.Payment, error) {
	var models []sqldoc.PaymentModel
	q := s.pg.NewSelect(&models)

	if opts.CompanyID != "" {
		q = q.Where("company_id = ?", opts.CompanyID)
	}
	if !opts.InvoiceID.IsNil() {
		q = q.Where("invoice_id = ?", opts.InvoiceID.String())
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	q = page(q, opts.Offset, opts.Limit).OrderExpr("created_ms ASC, id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, wrap("list payments", err)
	}

	result := make([]*payment.Payment, len(models))
	for i := range models {
		p, err := sqldoc.FromPaymentModel(&models[i])
		if err != nil {
			return nil, wrap("list payments", err)
		}
		result[i] = p
	}
	return result, nil
}

func (s *Store) SavePaymentIfUnchanged(ctx context.Context, p *payment.Payment, expectedVersion int64) error {
	m, err := sqldoc.ToPaymentModel(p, expectedVersion+1)
	if err != nil {
		return wrap("encode payment", err)
	}
	res, err := swap(s.pg.NewUpdate(m), m.ID, expectedVersion, paymentColumns...).Exec(ctx)
	if err != nil {
		return wrap("save payment", err)
	}
	if err := checkSwap(ctx, s.pg, res, sqldoc.TablePayments, "payment", m.ID, expectedVersion); err != nil {
		if errors.Is(err, unitledger.ErrNotFound) {
			return unitledger.ErrPaymentNotFound
		}
		return err
	}
	p.Version = m.Version
	return nil
}

// ==================== Helpers ====================

// Columns rewritten by each compare-and-swap update.
var (
	subscriptionColumns = []string{"company_id", "status", "schema_version", "version", "document", "updated_ms"}
	invoiceColumns      = []string{"status", "due_ms", "schema_version", "version", "document", "updated_ms"}
	paymentColumns      = []string{"invoice_id", "status", "schema_version", "version", "document", "updated_ms"}
)

// swap restricts an update to the row still at the expected version.
func swap(q *pgdriver.UpdateQuery, docID string, expected int64, cols ...string) *pgdriver.UpdateQuery {
	return q.Column(cols...).Where("id = ? AND version = ?", docID, expected)
}

// rawQuerier is satisfied by both the database and an open transaction.
type rawQuerier interface {
	NewRaw(query string, args ...any) *pgdriver.RawQuery
}

// checkSwap turns a zero-row update into ErrNotFound or a
// VersionConflictError.
func checkSwap(ctx context.Context, q rawQuerier, res driver.Result, table, aggregate, docID string, expected int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("save "+aggregate, err)
	}
	if n == 1 {
		return nil
	}
	var actual int64
	err = q.NewRaw(`SELECT version FROM `+table+` WHERE id = $1`, docID).Scan(ctx, &actual)
	if err != nil && !isNoRows(err) {
		return wrap("save "+aggregate, err)
	}
	return sqldoc.ConflictError(aggregate, docID, expected, actual, err == nil)
}

// page applies LIMIT and OFFSET.
func page(q *pgdriver.SelectQuery, offset, limit int) *pgdriver.SelectQuery {
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	return q
}

func wrap(op string, err error) error {
	return fmt.Errorf("unitledger/postgres: %s: %w", op, err)
}

// isNoRows checks for the no-rows sentinels pgx and grove return.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) || errors.Is(err, grove.ErrNoRows)
}

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
