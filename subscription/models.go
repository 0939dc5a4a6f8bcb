package subscription

import (
	"encoding/json"
	"time"

	"github.com/samber/lo"

	"github.com/xraph/unitledger/id"
	"github.com/xraph/unitledger/types"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusExpired  Status = "expired"
)

// UnitType is the translation unit a subscription's pool is measured in.
type UnitType string

const (
	UnitPage      UnitType = "page"
	UnitWord      UnitType = "word"
	UnitCharacter UnitType = "character"
)

// Valid reports whether u is a known unit type.
func (u UnitType) Valid() bool {
	switch u {
	case UnitPage, UnitWord, UnitCharacter:
		return true
	}
	return false
}

type BillingFrequency string

const (
	BillingMonthly   BillingFrequency = "monthly"
	BillingQuarterly BillingFrequency = "quarterly"
	BillingYearly    BillingFrequency = "yearly"
)

// PeriodsPerCycle returns how many monthly usage periods one billing cycle
// spans, or 0 for an unknown frequency.
func (f BillingFrequency) PeriodsPerCycle() int {
	switch f {
	case BillingMonthly:
		return 1
	case BillingQuarterly:
		return 3
	case BillingYearly:
		return 12
	}
	return 0
}

// Subscription is a company's unit pool, sliced into usage periods.
// One per company; periods are embedded and never mutated independently.
type Subscription struct {
	types.Entity
	ID                    id.SubscriptionID `json:"id"`
	CompanyID             string            `json:"company_id"`
	UnitType              UnitType          `json:"unit_type"`
	UnitsPerPeriod        int64             `json:"units_per_period"`
	PromotionalUnitsTotal int64             `json:"promotional_units_total"`
	PricePerUnit          types.Money       `json:"price_per_unit"`
	StartDate             time.Time         `json:"start_date"`
	EndDate               *time.Time        `json:"end_date,omitempty"`
	BillingFrequency      BillingFrequency  `json:"billing_frequency"`
	PaymentTermsDays      int               `json:"payment_terms_days"`
	IsEnterprise          bool              `json:"is_enterprise"`
	Periods               []UsagePeriod     `json:"periods"`
	Status                Status            `json:"status"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// UsagePeriod is one calendar slice of a subscription's timeline.
// The interval [PeriodStart, PeriodEnd) is half-open.
type UsagePeriod struct {
	PeriodNumber     int       `json:"period_number"`
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
	UnitsAllocated   int64     `json:"units_allocated"`
	UnitsUsed        int64     `json:"units_used"`
	PromotionalUnits int64     `json:"promotional_units"`
	LastUpdated      time.Time `json:"last_updated"`
}

// UnitsRemaining is allocated + promotional - used. Negative only under
// enterprise overdraft.
func (p UsagePeriod) UnitsRemaining() int64 {
	return p.UnitsAllocated + p.PromotionalUnits - p.UnitsUsed
}

// PromotionalRemaining returns the promotional units not yet consumed.
// Promotional units are consumed first, so they are the first UnitsUsed.
func (p UsagePeriod) PromotionalRemaining() int64 {
	return max(0, p.PromotionalUnits-p.UnitsUsed)
}

// Contains reports whether t falls inside the period.
func (p UsagePeriod) Contains(t time.Time) bool {
	return !t.Before(p.PeriodStart) && t.Before(p.PeriodEnd)
}

type periodJSON struct {
	PeriodNumber     int       `json:"period_number"`
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
	UnitsAllocated   int64     `json:"units_allocated"`
	UnitsUsed        int64     `json:"units_used"`
	UnitsRemaining   int64     `json:"units_remaining"`
	PromotionalUnits int64     `json:"promotional_units"`
	LastUpdated      time.Time `json:"last_updated"`
}

// MarshalJSON emits the persisted period shape, including the derived
// units_remaining field that downstream readers expect.
func (p UsagePeriod) MarshalJSON() ([]byte, error) {
	return json.Marshal(periodJSON{
		PeriodNumber:     p.PeriodNumber,
		PeriodStart:      p.PeriodStart,
		PeriodEnd:        p.PeriodEnd,
		UnitsAllocated:   p.UnitsAllocated,
		UnitsUsed:        p.UnitsUsed,
		UnitsRemaining:   p.UnitsRemaining(),
		PromotionalUnits: p.PromotionalUnits,
		LastUpdated:      p.LastUpdated,
	})
}

// UnmarshalJSON ignores units_remaining; it is always recomputed.
func (p *UsagePeriod) UnmarshalJSON(data []byte) error {
	var raw periodJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = UsagePeriod{
		PeriodNumber:     raw.PeriodNumber,
		PeriodStart:      raw.PeriodStart,
		PeriodEnd:        raw.PeriodEnd,
		UnitsAllocated:   raw.UnitsAllocated,
		UnitsUsed:        raw.UnitsUsed,
		PromotionalUnits: raw.PromotionalUnits,
		LastUpdated:      raw.LastUpdated,
	}
	return nil
}

// IsActive returns true if usage may be recorded against the subscription.
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

// Period returns the period with the given 1-based number.
func (s *Subscription) Period(number int) (*UsagePeriod, bool) {
	for i := range s.Periods {
		if s.Periods[i].PeriodNumber == number {
			return &s.Periods[i], true
		}
	}
	return nil, false
}

// PeriodAt returns the period containing t.
func (s *Subscription) PeriodAt(t time.Time) (*UsagePeriod, bool) {
	for i := range s.Periods {
		if s.Periods[i].Contains(t) {
			return &s.Periods[i], true
		}
	}
	return nil, false
}

// TotalUsed returns units consumed across all periods.
func (s *Subscription) TotalUsed() int64 {
	return lo.SumBy(s.Periods, func(p UsagePeriod) int64 { return p.UnitsUsed })
}

// TotalAllocated returns base units allocated across all periods.
func (s *Subscription) TotalAllocated() int64 {
	return lo.SumBy(s.Periods, func(p UsagePeriod) int64 { return p.UnitsAllocated })
}

// TotalPromotional returns promotional units across all periods.
func (s *Subscription) TotalPromotional() int64 {
	return lo.SumBy(s.Periods, func(p UsagePeriod) int64 { return p.PromotionalUnits })
}

// Cycles groups period numbers into billing cycles according to the
// billing frequency. The last cycle may be shorter when the subscription
// ends mid-cycle.
func (s *Subscription) Cycles() [][]int {
	size := s.BillingFrequency.PeriodsPerCycle()
	if size == 0 || len(s.Periods) == 0 {
		return nil
	}
	numbers := lo.Map(s.Periods, func(p UsagePeriod, _ int) int { return p.PeriodNumber })
	return lo.Chunk(numbers, size)
}

// Clone returns a deep copy. Mutating operations work on clones so a
// failed operation never leaves a half-updated aggregate behind.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.Periods = append([]UsagePeriod(nil), s.Periods...)
	if s.EndDate != nil {
		end := *s.EndDate
		c.EndDate = &end
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
