package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove/drivers/mongodriver/mongomigrate"
	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the unitledger collections.
var Migrations = migrate.NewGroup("unitledger")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_unitledger_subscription_indexes",
			Version: "20240101000001",
			Up:      createIndexes(colSubscriptions),
			Down:    dropIndexes(colSubscriptions),
		},
		&migrate.Migration{
			Name:    "create_unitledger_invoice_indexes",
			Version: "20240101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				if err := createIndexes(colInvoices)(ctx, exec); err != nil {
					return err
				}
				return createIndexes(colClaims)(ctx, exec)
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				if err := dropIndexes(colClaims)(ctx, exec); err != nil {
					return err
				}
				return dropIndexes(colInvoices)(ctx, exec)
			},
		},
		&migrate.Migration{
			Name:    "create_unitledger_payment_indexes",
			Version: "20240101000003",
			Up:      createIndexes(colPayments),
			Down:    dropIndexes(colPayments),
		},
	)
}

func mongoExecutor(exec migrate.Executor) (*mongomigrate.Executor, error) {
	mexec, ok := exec.(*mongomigrate.Executor)
	if !ok {
		return nil, fmt.Errorf("unitledger/mongo: expected mongomigrate executor, got %T", exec)
	}
	return mexec, nil
}

func createIndexes(col string) migrate.MigrateFunc {
	return func(ctx context.Context, exec migrate.Executor) error {
		mexec, err := mongoExecutor(exec)
		if err != nil {
			return err
		}
		return mexec.CreateIndexes(ctx, col, migrationIndexes()[col])
	}
}

func dropIndexes(col string) migrate.MigrateFunc {
	return func(ctx context.Context, exec migrate.Executor) error {
		mexec, err := mongoExecutor(exec)
		if err != nil {
			return err
		}
		return mexec.DB().Collection(col).Indexes().DropAll(ctx)
	}
}

// migrationIndexes returns the index definitions for all unitledger collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colSubscriptions: {
			{
				Keys: bson.D{{Key: "company_id", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"company_id": bson.M{"$type": "string", "$gt": ""}}),
			},
			{Keys: bson.D{{Key: "company_name", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colInvoices: {
			{
				Keys:    bson.D{{Key: "invoice_number", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "subscription_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "company_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "due_date", Value: 1}}},
		},
		colPayments: {
			{
				Keys: bson.D{{Key: "stripe_payment_intent_id", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"stripe_payment_intent_id": bson.M{"$type": "string", "$gt": ""}}),
			},
			{Keys: bson.D{{Key: "company_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "invoice_id", Value: 1}}},
		},
		colClaims: {
			{
				Keys:    bson.D{{Key: "subscription_id", Value: 1}, {Key: "period_number", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "invoice_id", Value: 1}}},
		},
	}
}
