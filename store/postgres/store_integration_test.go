//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xraph/unitledger"
	"github.com/xraph/unitledger/id"
	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/store/internal/sqldoc"
	"github.com/xraph/unitledger/types"
)

// setupPostgresStore starts a PostgreSQL container and returns a migrated store.
func setupPostgresStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("unitledger_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestPostgresSubscriptionCAS(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()

	sub := testSubscription("acme")
	require.NoError(t, s.CreateSubscription(ctx, sub))
	assert.ErrorIs(t, s.CreateSubscription(ctx, testSubscription("acme")), unitledger.ErrSubscriptionExists)

	loaded, err := s.LoadSubscription(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, int64(60), loaded.Periods[0].UnitsRemaining())

	loaded.Periods[0].UnitsUsed = 70
	require.NoError(t, s.SaveSubscriptionIfUnchanged(ctx, loaded, 1))
	assert.Equal(t, int64(2), loaded.Version)

	err = s.SaveSubscriptionIfUnchanged(ctx, sub, 1)
	var conflict *unitledger.VersionConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "subscription", conflict.Aggregate)
	assert.Equal(t, int64(2), conflict.Actual)

	assert.ErrorIs(t, s.SaveSubscriptionIfUnchanged(ctx, testSubscription("ghost"), 1), unitledger.ErrSubscriptionNotFound)
}

func TestPostgresLegacyRowUpgrade(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()

	sub := testSubscription("legacy-co")
	raw, err := json.Marshal(sub)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	delete(doc, "company_id")
	delete(doc, "status")
	doc["company_name"] = "legacy-co"
	raw, err = json.Marshal(doc)
	require.NoError(t, err)

	_, err = s.pg.NewRaw(`
INSERT INTO `+sqldoc.TableSubscriptions+` (id, company_id, status, schema_version, version, document, created_ms, updated_ms)
VALUES ($1, $2, '', 0, 4, $3, 0, 0)`, sub.ID.String(), "legacy-co", string(raw)).Exec(ctx)
	require.NoError(t, err)

	loaded, err := s.LoadSubscription(ctx, "legacy-co")
	require.NoError(t, err)
	assert.Equal(t, "legacy-co", loaded.CompanyID)
	assert.Equal(t, int64(5), loaded.Version)

	var schema int
	require.NoError(t, s.pg.NewRaw(
		`SELECT schema_version FROM `+sqldoc.TableSubscriptions+` WHERE id = $1`, sub.ID.String()).Scan(ctx, &schema))
	assert.Equal(t, unitledger.SchemaVersion, schema)
}

func TestPostgresInvoiceClaims(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()

	sub := testSubscription("acme")
	require.NoError(t, s.CreateSubscription(ctx, sub))

	newInvoice := func(number string, periods ...int) *invoice.Invoice {
		due := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		return &invoice.Invoice{
			ID:                  id.NewInvoiceID(),
			InvoiceNumber:       number,
			SubscriptionID:      sub.ID,
			CompanyID:           "acme",
			BillingPeriod:       invoice.BillingPeriod{PeriodNumbers: periods},
			Currency:            "usd",
			TotalAmount:         types.USD("10.00"),
			AmountPaid:          types.Zero("usd"),
			Status:              invoice.StatusSent,
			DueDate:             &due,
			PaymentApplications: []invoice.PaymentApplication{},
		}
	}

	first := newInvoice("INV-1", 1, 2)
	require.NoError(t, s.CreateInvoice(ctx, first))

	err := s.CreateInvoice(ctx, newInvoice("INV-2", 2, 3))
	var dup *unitledger.DuplicateInvoiceError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, []int{2}, dup.PeriodNumbers)
	assert.Equal(t, "INV-1", dup.InvoiceNumber)

	due, err := s.ListInvoices(ctx, invoice.ListOpts{DueBefore: first.DueDate.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, due, 1)

	first.Status = invoice.StatusCancelled
	require.NoError(t, s.SaveInvoiceIfUnchanged(ctx, first, 1))
	require.NoError(t, s.CreateInvoice(ctx, newInvoice("INV-3", 2, 3)))
}
