package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the unitledger store (PostgreSQL).
var Migrations = migrate.NewGroup("unitledger")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_unitledger_subscriptions",
			Version: "20240101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS unitledger_subscriptions (
    id             TEXT PRIMARY KEY,
    company_id     TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'active',
    schema_version INTEGER NOT NULL DEFAULT 0,
    version        BIGINT NOT NULL DEFAULT 1,
    document       JSONB NOT NULL,
    created_ms     BIGINT NOT NULL,
    updated_ms     BIGINT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_unitledger_subs_company ON unitledger_subscriptions (company_id);
CREATE INDEX IF NOT EXISTS idx_unitledger_subs_status ON unitledger_subscriptions (status, created_ms);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS unitledger_subscriptions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_unitledger_invoices",
			Version: "20240101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS unitledger_invoices (
    id              TEXT PRIMARY KEY,
    invoice_number  TEXT NOT NULL,
    subscription_id TEXT NOT NULL,
    company_id      TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'draft',
    due_ms          BIGINT,
    schema_version  INTEGER NOT NULL DEFAULT 0,
    version         BIGINT NOT NULL DEFAULT 1,
    document        JSONB NOT NULL,
    created_ms      BIGINT NOT NULL,
    updated_ms      BIGINT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_unitledger_invoices_number ON unitledger_invoices (invoice_number);
CREATE INDEX IF NOT EXISTS idx_unitledger_invoices_sub ON unitledger_invoices (subscription_id, created_ms);
CREATE INDEX IF NOT EXISTS idx_unitledger_invoices_due ON unitledger_invoices (status, due_ms)
    WHERE status IN ('sent', 'partially_paid', 'overdue');

CREATE TABLE IF NOT EXISTS unitledger_invoice_claims (
    subscription_id TEXT NOT NULL,
    period_number   INTEGER NOT NULL,
    invoice_id      TEXT NOT NULL REFERENCES unitledger_invoices (id) DEFERRABLE INITIALLY DEFERRED,
    invoice_number  TEXT NOT NULL,
    PRIMARY KEY (subscription_id, period_number)
);

CREATE INDEX IF NOT EXISTS idx_unitledger_claims_invoice ON unitledger_invoice_claims (invoice_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS unitledger_invoice_claims; DROP TABLE IF EXISTS unitledger_invoices`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_unitledger_payments",
			Version: "20240101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS unitledger_payments (
    id             TEXT PRIMARY KEY,
    intent_id      TEXT,
    company_id     TEXT NOT NULL,
    invoice_id     TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'pending',
    schema_version INTEGER NOT NULL DEFAULT 0,
    version        BIGINT NOT NULL DEFAULT 1,
    document       JSONB NOT NULL,
    created_ms     BIGINT NOT NULL,
    updated_ms     BIGINT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_unitledger_payments_intent ON unitledger_payments (intent_id);
CREATE INDEX IF NOT EXISTS idx_unitledger_payments_company ON unitledger_payments (company_id, created_ms);
CREATE INDEX IF NOT EXISTS idx_unitledger_payments_invoice ON unitledger_payments (invoice_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS unitledger_payments`)
				return err
			},
		},
	)
}
