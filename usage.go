package unitledger

import (
	"math"
	"slices"
	"time"

	"github.com/xraph/unitledger/id"
	"github.com/xraph/unitledger/subscription"
)

// RecordUsage applies a consumption of units at asOf to a copy of sub and
// returns the updated copy with a receipt. sub itself is never modified,
// so a failed call leaves the caller's state untouched.
//
// Units are deducted greedily from the earliest period onward, promotional
// units before base units within a period. An enterprise remainder that no
// period can absorb is charged to the last period, taking it negative.
func RecordUsage(sub *subscription.Subscription, units int64, asOf time.Time) (*subscription.Subscription, *subscription.Receipt, error) {
	if units <= 0 {
		return nil, nil, validationErr("units_consumed", "must be > 0, got %d", units)
	}
	if asOf.IsZero() {
		return nil, nil, validationErr("as_of", "required")
	}
	if !sub.IsActive() {
		return nil, nil, ruleErr("status", ErrSubscriptionInactive, "subscription is %s", sub.Status)
	}
	if len(sub.Periods) == 0 {
		return nil, nil, configErr("periods", "subscription has no periods")
	}

	decision := CanConsume(sub, units)
	if decision.Balance < math.MinInt64+units {
		return nil, nil, validationErr("units_consumed", "%d units would overflow the balance of %d", units, decision.Balance)
	}
	if !decision.Allowed {
		return nil, nil, &InsufficientUnitsError{
			CompanyID: sub.CompanyID,
			Requested: units,
			Available: decision.Balance,
			Shortfall: decision.Shortfall,
		}
	}

	updated := sub.Clone()
	deductions, remainder := deduct(updated.Periods, units, asOf)
	if remainder > 0 {
		if !updated.IsEnterprise {
			return nil, nil, &InsufficientUnitsError{
				CompanyID: sub.CompanyID,
				Requested: units,
				Available: decision.Balance,
				Shortfall: remainder,
			}
		}
		if last := lastPeriod(updated.Periods); last.UnitsUsed > math.MaxInt64-remainder {
			return nil, nil, validationErr("units_consumed", "overdraft of %d units overflows period %d", remainder, last.PeriodNumber)
		}
		deductions = overdraw(updated.Periods, deductions, remainder, asOf)
	}

	receipt := &subscription.Receipt{
		ID:               id.NewReceiptID(),
		SubscriptionID:   sub.ID,
		CompanyID:        sub.CompanyID,
		Units:            units,
		AsOf:             asOf,
		Periods:          deductions,
		BalanceBefore:    decision.Balance,
		BalanceAfter:     AvailableBalance(updated),
		Shortfall:        decision.Shortfall,
		OverdraftWarning: decision.OverdraftWarning,
	}
	return updated, receipt, nil
}

// deduct consumes up to units from periods in period_start order and
// returns what could not be placed.
func deduct(periods []subscription.UsagePeriod, units int64, at time.Time) ([]subscription.Deduction, int64) {
	order := make([]int, len(periods))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return periods[a].PeriodStart.Compare(periods[b].PeriodStart)
	})

	var out []subscription.Deduction
	left := units
	for _, i := range order {
		if left == 0 {
			break
		}
		p := &periods[i]
		room := p.UnitsRemaining()
		if room <= 0 {
			continue
		}
		take := min(left, room)
		promo := min(take, p.PromotionalRemaining())

		p.UnitsUsed += take
		p.LastUpdated = at
		left -= take

		out = append(out, subscription.Deduction{
			PeriodNumber:        p.PeriodNumber,
			UnitsDeducted:       take,
			PromotionalDeducted: promo,
			BaseDeducted:        take - promo,
		})
	}
	return out, left
}

// lastPeriod returns the chronologically last period.
func lastPeriod(periods []subscription.UsagePeriod) *subscription.UsagePeriod {
	last := &periods[0]
	for i := range periods {
		if periods[i].PeriodStart.After(last.PeriodStart) {
			last = &periods[i]
		}
	}
	return last
}

// overdraw charges remainder to the chronologically last period.
func overdraw(periods []subscription.UsagePeriod, out []subscription.Deduction, remainder int64, at time.Time) []subscription.Deduction {
	last := lastPeriod(periods)
	last.UnitsUsed += remainder
	last.LastUpdated = at

	for i := range out {
		if out[i].PeriodNumber == last.PeriodNumber {
			out[i].UnitsDeducted += remainder
			out[i].BaseDeducted += remainder
			out[i].Overdraft = remainder
			return out
		}
	}
	return append(out, subscription.Deduction{
		PeriodNumber:  last.PeriodNumber,
		UnitsDeducted: remainder,
		BaseDeducted:  remainder,
		Overdraft:     remainder,
	})
}
