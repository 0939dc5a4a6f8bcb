package store

import (
	"context"

	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/payment"
	"github.com/xraph/unitledger/subscription"
)

// Store is the unified storage interface for all unitledger aggregates.
// Backends live in the memory, mongo, sqlite and postgres subpackages.
type Store interface {
	subscription.Store
	invoice.Store
	payment.Store

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// UpgradeAttempts bounds how often a backend re-reads a subscription whose
// schema upgrade write lost a race with another writer.
const UpgradeAttempts = 3
