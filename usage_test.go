package unitledger

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/unitledger/subscription"
)

func TestRecordUsageEarliestPeriodPromotionalFirst(t *testing.T) {
	sub := periodsSub(t, false, 1000, 100, 12)
	asOf := date(2025, 1, 1)

	updated, receipt, err := RecordUsage(sub, 950, asOf)
	require.NoError(t, err)

	require.Len(t, receipt.Periods, 1)
	d := receipt.Periods[0]
	assert.Equal(t, 1, d.PeriodNumber)
	assert.Equal(t, int64(950), d.UnitsDeducted)
	assert.Equal(t, int64(9), d.PromotionalDeducted)
	assert.Equal(t, int64(941), d.BaseDeducted)
	assert.Equal(t, int64(59), updated.Periods[0].UnitsRemaining())
	assert.Equal(t, asOf, updated.Periods[0].LastUpdated)

	assert.Equal(t, int64(0), sub.Periods[0].UnitsUsed, "input is not mutated")
	assert.Equal(t, receipt.BalanceBefore-950, receipt.BalanceAfter)
	assert.Equal(t, AvailableBalance(updated), receipt.BalanceAfter)
	require.NoError(t, CheckPeriods(updated))
}

func TestRecordUsageSpillsAcrossPeriods(t *testing.T) {
	sub := periodsSub(t, false, 100, 30, 3)
	asOf := date(2025, 2, 10)

	updated, receipt, err := RecordUsage(sub, 250, asOf)
	require.NoError(t, err)

	require.Len(t, receipt.Periods, 3)
	assert.Equal(t, int64(110), receipt.Periods[0].UnitsDeducted)
	assert.Equal(t, int64(10), receipt.Periods[0].PromotionalDeducted)
	assert.Equal(t, int64(110), receipt.Periods[1].UnitsDeducted)
	assert.Equal(t, int64(30), receipt.Periods[2].UnitsDeducted)
	assert.Equal(t, int64(10), receipt.Periods[2].PromotionalDeducted)
	assert.Equal(t, int64(20), receipt.Periods[2].BaseDeducted)

	assert.Equal(t, int64(250), updated.TotalUsed())
	assert.Equal(t, int64(80), AvailableBalance(updated))
}

func TestRecordUsageStandardHardCap(t *testing.T) {
	sub := periodsSub(t, false, 100, 0, 2)
	sub.Periods[0].UnitsUsed = 100
	before := sub.Clone()

	updated, receipt, err := RecordUsage(sub, 150, date(2025, 1, 5))
	require.Error(t, err)
	assert.Nil(t, updated)
	assert.Nil(t, receipt)

	var insufficient *InsufficientUnitsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(150), insufficient.Requested)
	assert.Equal(t, int64(100), insufficient.Available)
	assert.Equal(t, int64(50), insufficient.Shortfall)
	assert.True(t, IsBusinessOutcome(err))
	assert.Equal(t, before, sub)

	// Consuming exactly the balance is allowed.
	updated, _, err = RecordUsage(sub, 100, date(2025, 1, 5))
	require.NoError(t, err)
	assert.Equal(t, int64(0), AvailableBalance(updated))
}

func TestRecordUsageEnterpriseOverdraft(t *testing.T) {
	sub := periodsSub(t, true, 50, 0, 1)

	decision := CanConsume(sub, 200)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(150), decision.Shortfall)
	assert.Equal(t, int64(-150), decision.BalanceAfter)
	assert.True(t, decision.OverdraftWarning)

	updated, receipt, err := RecordUsage(sub, 200, date(2025, 1, 20))
	require.NoError(t, err)
	assert.Equal(t, int64(-150), AvailableBalance(updated))
	assert.True(t, receipt.OverdraftWarning)
	assert.Equal(t, int64(150), receipt.Shortfall)

	require.Len(t, receipt.Periods, 1)
	assert.Equal(t, int64(200), receipt.Periods[0].UnitsDeducted)
	assert.Equal(t, int64(150), receipt.Periods[0].Overdraft)
	require.NoError(t, CheckPeriods(updated))

	// Shortfall is measured against the negative balance, not zero.
	decision = CanConsume(updated, 10)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(160), decision.Shortfall)
	assert.Equal(t, int64(-160), decision.BalanceAfter)
}

func TestRecordUsageRejectsOverdraftOverflow(t *testing.T) {
	sub := periodsSub(t, true, 50, 0, 1)

	updated, _, err := RecordUsage(sub, math.MaxInt64, date(2025, 1, 20))
	require.NoError(t, err)
	assert.Equal(t, 50-int64(math.MaxInt64), AvailableBalance(updated))

	_, _, err = RecordUsage(updated, math.MaxInt64, date(2025, 1, 21))
	require.ErrorIs(t, err, ErrInvalidInput)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "units_consumed", verr.Field)

	decision := CanConsume(updated, math.MaxInt64)
	assert.Equal(t, int64(math.MinInt64), decision.BalanceAfter)
}

func TestRecordUsageOverdraftLandsOnLastPeriod(t *testing.T) {
	sub := periodsSub(t, true, 10, 0, 3)

	updated, receipt, err := RecordUsage(sub, 40, date(2025, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(10), updated.Periods[0].UnitsUsed)
	assert.Equal(t, int64(10), updated.Periods[1].UnitsUsed)
	assert.Equal(t, int64(20), updated.Periods[2].UnitsUsed)
	assert.Equal(t, int64(-10), updated.Periods[2].UnitsRemaining())
	assert.False(t, receipt.OverdraftWarning, "balance -10 is above the soft limit")

	last := receipt.Periods[len(receipt.Periods)-1]
	assert.Equal(t, 3, last.PeriodNumber)
	assert.Equal(t, int64(20), last.UnitsDeducted)
	assert.Equal(t, int64(10), last.Overdraft)
}

func TestOverdraftWarningThreshold(t *testing.T) {
	sub := periodsSub(t, true, 0, 0, 1)

	assert.False(t, CanConsume(sub, 100).OverdraftWarning, "exactly -100 is not below the limit")
	assert.True(t, CanConsume(sub, 101).OverdraftWarning)

	standard := periodsSub(t, false, 0, 0, 1)
	d := CanConsume(standard, 101)
	assert.False(t, d.Allowed)
	assert.False(t, d.OverdraftWarning)
}

func TestRecordUsageValidation(t *testing.T) {
	sub := periodsSub(t, false, 100, 0, 1)

	_, _, err := RecordUsage(sub, 0, date(2025, 1, 1))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = RecordUsage(sub, -5, date(2025, 1, 1))
	assert.ErrorIs(t, err, ErrInvalidInput)

	inactive := sub.Clone()
	inactive.Status = subscription.StatusInactive
	_, _, err = RecordUsage(inactive, 1, date(2025, 1, 1))
	assert.ErrorIs(t, err, ErrSubscriptionInactive)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestUsageIsMonotonic(t *testing.T) {
	sub := periodsSub(t, false, 100, 10, 4)
	total := int64(0)
	for _, units := range []int64{5, 60, 120, 1, 33} {
		updated, _, err := RecordUsage(sub, units, date(2025, 1, 1))
		require.NoError(t, err)
		for i := range sub.Periods {
			assert.GreaterOrEqual(t, updated.Periods[i].UnitsUsed, sub.Periods[i].UnitsUsed)
		}
		total += units
		assert.Equal(t, total, updated.TotalUsed())
		sub = updated
	}
}
