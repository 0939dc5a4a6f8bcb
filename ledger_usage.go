package unitledger

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/unitledger/subscription"
)

// UsageRequest is a confirmed consumption to record against a company's
// subscription. TransactionID, when set, makes the request idempotent.
type UsageRequest struct {
	CompanyID     string
	Units         int64
	AsOf          time.Time
	TransactionID string
}

// RecordUsage deducts units from the company's subscription and returns
// the receipt. A replayed TransactionID fails with ErrDuplicateEvent and a
// standard subscription without enough units fails with an
// InsufficientUnitsError; in both cases nothing is persisted.
func (l *Ledger) RecordUsage(ctx context.Context, req UsageRequest) (*subscription.Receipt, error) {
	if req.CompanyID == "" {
		return nil, validationErr("company_id", "required")
	}
	if req.Units <= 0 {
		return nil, validationErr("units_consumed", "must be > 0, got %d", req.Units)
	}
	if req.AsOf.IsZero() {
		req.AsOf = l.clock()
	}

	claimed := false
	if l.guard != nil && req.TransactionID != "" {
		ok, err := l.guard.Claim(ctx, l.usageKey(req))
		if err != nil {
			return nil, err
		}
		if !ok {
			l.logger.Info("duplicate usage event",
				"company_id", req.CompanyID,
				"transaction_id", req.TransactionID,
			)
			return nil, ErrDuplicateEvent
		}
		claimed = true
	}

	sub, receipt, err := l.recordUsage(ctx, req)
	if err != nil {
		if claimed {
			if rerr := l.guard.Release(ctx, l.usageKey(req)); rerr != nil {
				l.logger.Error("release idempotency key", "transaction_id", req.TransactionID, "error", rerr)
			}
		}
		var insufficient *InsufficientUnitsError
		if errors.As(err, &insufficient) {
			l.logger.Info("insufficient units",
				"company_id", req.CompanyID,
				"requested", insufficient.Requested,
				"available", insufficient.Available,
			)
			l.plugins.EmitInsufficientUnits(ctx, req.CompanyID, insufficient.Requested, insufficient.Available)
		}
		return nil, err
	}

	receipt.TransactionID = req.TransactionID
	l.logger.Debug("usage recorded",
		"company_id", req.CompanyID,
		"units", req.Units,
		"balance_after", receipt.BalanceAfter,
	)
	l.plugins.EmitUsageRecorded(ctx, sub, receipt)

	if receipt.OverdraftWarning {
		l.logger.Warn("enterprise overdraft beyond soft limit",
			"company_id", req.CompanyID,
			"balance", receipt.BalanceAfter,
			"limit", OverdraftSoftLimit,
		)
		l.plugins.EmitOverdraftWarning(ctx, sub, receipt.BalanceAfter)
	}
	return receipt, nil
}

func (l *Ledger) recordUsage(ctx context.Context, req UsageRequest) (*subscription.Subscription, *subscription.Receipt, error) {
	var (
		saved   *subscription.Subscription
		receipt *subscription.Receipt
	)
	err := l.retry(ctx, "subscription", req.CompanyID, func() error {
		sub, err := l.store.LoadSubscription(ctx, req.CompanyID)
		if err != nil {
			return err
		}
		updated, r, err := RecordUsage(sub, req.Units, req.AsOf)
		if err != nil {
			return err
		}
		if err := l.saveSubscription(ctx, updated, sub.Version); err != nil {
			return err
		}
		saved, receipt = updated, r
		return nil
	})
	return saved, receipt, err
}

func (l *Ledger) usageKey(req UsageRequest) string {
	return req.CompanyID + ":" + req.TransactionID
}
