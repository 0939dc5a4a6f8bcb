package unitledger

import (
	"math"
	"math/bits"
	"slices"
	"time"

	"github.com/xraph/unitledger/subscription"
)

// DefaultHorizon is the number of periods generated for an open-ended
// subscription when the caller does not choose one.
const DefaultHorizon = 12

// maxPeriods bounds generation for very long fixed ranges.
const maxPeriods = 1200

// PeriodConfig describes the range and allocation to slice into periods.
type PeriodConfig struct {
	Start time.Time
	// End is exclusive. Nil means open-ended and requires Horizon > 0.
	End              *time.Time
	Horizon          int
	UnitsPerPeriod   int64
	PromotionalUnits int64
	// Now stamps LastUpdated on every generated period. Zero uses Start.
	Now time.Time
}

// GeneratePeriods slices [Start, End) into calendar-month periods.
//
// Period i starts at Start plus i-1 months and ends one month later, or at
// End for the final partial period. Month arithmetic always counts from
// Start and clamps the day to the target month's length, so a subscription
// starting on the 31st keeps returning to the 31st where the month allows.
//
// Every period is allocated the full UnitsPerPeriod. PromotionalUnits are
// split by integer division with the remainder going to the earliest
// periods.
func GeneratePeriods(cfg PeriodConfig) ([]subscription.UsagePeriod, error) {
	if cfg.Start.IsZero() {
		return nil, configErr("start_date", "required")
	}
	if cfg.UnitsPerPeriod < 0 {
		return nil, configErr("units_per_period", "must be >= 0, got %d", cfg.UnitsPerPeriod)
	}
	if cfg.PromotionalUnits < 0 {
		return nil, configErr("promotional_units_total", "must be >= 0, got %d", cfg.PromotionalUnits)
	}
	if cfg.End != nil && !cfg.Start.Before(*cfg.End) {
		return nil, configErr("end_date", "must be after start_date")
	}
	if cfg.End == nil && cfg.Horizon <= 0 {
		return nil, configErr("end_date", "open-ended subscription needs a bounded horizon")
	}

	stamp := cfg.Now
	if stamp.IsZero() {
		stamp = cfg.Start
	}

	var periods []subscription.UsagePeriod
	for i := 0; ; i++ {
		start := addMonths(cfg.Start, i)
		if cfg.End != nil && !start.Before(*cfg.End) {
			break
		}
		if cfg.End == nil && i == cfg.Horizon {
			break
		}
		if i == maxPeriods {
			return nil, configErr("end_date", "range spans more than %d periods", maxPeriods)
		}

		end := addMonths(cfg.Start, i+1)
		if cfg.End != nil && end.After(*cfg.End) {
			end = *cfg.End
		}

		periods = append(periods, subscription.UsagePeriod{
			PeriodNumber:   i + 1,
			PeriodStart:    start,
			PeriodEnd:      end,
			UnitsAllocated: cfg.UnitsPerPeriod,
			LastUpdated:    stamp,
		})
	}

	if _, ok := UnitPool(cfg.UnitsPerPeriod, len(periods), cfg.PromotionalUnits); !ok {
		return nil, configErr("units_per_period", "%d units over %d periods plus %d promotional units overflows int64",
			cfg.UnitsPerPeriod, len(periods), cfg.PromotionalUnits)
	}

	for i, promo := range DistributePromotional(cfg.PromotionalUnits, len(periods)) {
		periods[i].PromotionalUnits = promo
	}
	return periods, nil
}

// UnitPool returns unitsPerPeriod*periods + promotional, the total a
// subscription can ever hold. ok is false when the total does not fit in
// an int64. All inputs must be non-negative.
func UnitPool(unitsPerPeriod int64, periods int, promotional int64) (total int64, ok bool) {
	hi, lo := bits.Mul64(uint64(unitsPerPeriod), uint64(periods))
	if hi != 0 || lo > math.MaxInt64 {
		return 0, false
	}
	sum, carry := bits.Add64(lo, uint64(promotional), 0)
	if carry != 0 || sum > math.MaxInt64 {
		return 0, false
	}
	return int64(sum), true
}

// DistributePromotional splits total across n periods: total/n each, with
// the first total%n periods receiving one extra unit.
func DistributePromotional(total int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	out := make([]int64, n)
	base, rem := total/int64(n), total%int64(n)
	for i := range out {
		out[i] = base
		if int64(i) < rem {
			out[i]++
		}
	}
	return out
}

// addMonths adds n calendar months to t, clamping the day of month.
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// CheckPeriods verifies the structural invariants of a subscription's
// periods: sequential numbering, contiguity, full allocation, exact
// promotional distribution and non-negative usage. Standard subscriptions
// must also not be overdrawn.
func CheckPeriods(sub *subscription.Subscription) error {
	if len(sub.Periods) == 0 {
		return configErr("periods", "subscription has no periods")
	}
	if !slices.IsSortedFunc(sub.Periods, func(a, b subscription.UsagePeriod) int {
		return a.PeriodStart.Compare(b.PeriodStart)
	}) {
		return configErr("periods", "not sorted by period_start")
	}

	var promo int64
	for i, p := range sub.Periods {
		if p.PeriodNumber != i+1 {
			return configErr("periods", "period %d has number %d", i+1, p.PeriodNumber)
		}
		if !p.PeriodStart.Before(p.PeriodEnd) {
			return configErr("periods", "period %d is empty", p.PeriodNumber)
		}
		if i > 0 && !sub.Periods[i-1].PeriodEnd.Equal(p.PeriodStart) {
			return configErr("periods", "gap or overlap before period %d", p.PeriodNumber)
		}
		if p.UnitsAllocated != sub.UnitsPerPeriod {
			return configErr("periods", "period %d allocates %d, want %d", p.PeriodNumber, p.UnitsAllocated, sub.UnitsPerPeriod)
		}
		if p.UnitsUsed < 0 || p.PromotionalUnits < 0 {
			return configErr("periods", "period %d has negative units", p.PeriodNumber)
		}
		promo += p.PromotionalUnits
	}
	if promo != sub.PromotionalUnitsTotal {
		return configErr("promotional_units_total", "periods hold %d, want %d", promo, sub.PromotionalUnitsTotal)
	}
	if !sub.IsEnterprise && AvailableBalance(sub) < 0 {
		return configErr("periods", "standard subscription is overdrawn")
	}
	return nil
}
