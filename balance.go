package unitledger

import (
	"math"

	"github.com/xraph/unitledger/subscription"
)

// OverdraftSoftLimit is the balance below which a consumption raises an
// overdraft warning. The warning never blocks.
const OverdraftSoftLimit int64 = -100

// Decision is the outcome of a balance check.
type Decision struct {
	Allowed bool `json:"allowed"`
	// Shortfall is the part of the request the current balance cannot
	// cover. Enterprise subscriptions report it without being blocked.
	Shortfall        int64 `json:"shortfall"`
	Balance          int64 `json:"balance"`
	BalanceAfter     int64 `json:"balance_after"`
	OverdraftWarning bool  `json:"overdraft_warning"`
}

// AvailableBalance is the sum of remaining units over every period.
// Any period may be drawn from, not only the current one.
func AvailableBalance(sub *subscription.Subscription) int64 {
	var total int64
	for _, p := range sub.Periods {
		total += p.UnitsRemaining()
	}
	return total
}

// CanConsume reports whether requested units may be consumed.
// Enterprise subscriptions are always allowed.
func CanConsume(sub *subscription.Subscription, requested int64) Decision {
	balance := AvailableBalance(sub)
	d := Decision{
		Balance:      balance,
		BalanceAfter: balance - requested,
	}
	if balance < math.MinInt64+requested {
		d.BalanceAfter = math.MinInt64
	}
	if requested > balance {
		d.Shortfall = requested - balance
		if balance < requested-math.MaxInt64 {
			d.Shortfall = math.MaxInt64
		}
	}
	d.Allowed = sub.IsEnterprise || d.Shortfall == 0
	d.OverdraftWarning = d.Allowed && d.BalanceAfter < OverdraftSoftLimit
	return d
}
