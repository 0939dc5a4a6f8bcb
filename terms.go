package unitledger

import (
	"math"
	"time"

	"github.com/xraph/unitledger/id"
	"github.com/xraph/unitledger/subscription"
	"github.com/xraph/unitledger/types"
)

// Terms are the commercial settings a subscription's periods derive from.
type Terms struct {
	CompanyID             string                        `json:"company_id"`
	UnitType              subscription.UnitType         `json:"unit_type"`
	UnitsPerPeriod        int64                         `json:"units_per_period"`
	PromotionalUnitsTotal int64                         `json:"promotional_units_total"`
	PricePerUnit          types.Money                   `json:"price_per_unit"`
	StartDate             time.Time                     `json:"start_date"`
	EndDate               *time.Time                    `json:"end_date,omitempty"`
	Horizon               int                           `json:"horizon,omitempty"`
	BillingFrequency      subscription.BillingFrequency `json:"billing_frequency"`
	PaymentTermsDays      int                           `json:"payment_terms_days"`
	IsEnterprise          bool                          `json:"is_enterprise"`
	Metadata              map[string]string             `json:"metadata,omitempty"`
}

// Validate checks terms independently of any stored state.
func (t Terms) Validate() error {
	switch {
	case t.CompanyID == "":
		return configErr("company_id", "required")
	case !t.UnitType.Valid():
		return configErr("unit_type", "unknown unit type %q", t.UnitType)
	case t.BillingFrequency.PeriodsPerCycle() == 0:
		return configErr("billing_frequency", "unknown frequency %q", t.BillingFrequency)
	case t.PaymentTermsDays < 0:
		return configErr("payment_terms_days", "must be >= 0")
	case t.PricePerUnit.Currency == "":
		return configErr("price_per_unit", "currency required")
	case t.PricePerUnit.IsNegative():
		return configErr("price_per_unit", "must be >= 0")
	case t.Horizon < 0:
		return configErr("horizon", "must be >= 0")
	case t.UnitsPerPeriod > math.MaxInt64-max(t.PromotionalUnitsTotal, 0):
		return configErr("units_per_period", "%d plus %d promotional units overflows int64", t.UnitsPerPeriod, t.PromotionalUnitsTotal)
	}
	return nil
}

func (t Terms) periodConfig(horizon int, now time.Time) PeriodConfig {
	if t.Horizon > 0 {
		horizon = t.Horizon
	}
	return PeriodConfig{
		Start:            t.StartDate,
		End:              t.EndDate,
		Horizon:          horizon,
		UnitsPerPeriod:   t.UnitsPerPeriod,
		PromotionalUnits: t.PromotionalUnitsTotal,
		Now:              now,
	}
}

// NewSubscription builds a fresh active subscription from terms.
func NewSubscription(t Terms, horizon int, now time.Time) (*subscription.Subscription, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	periods, err := GeneratePeriods(t.periodConfig(horizon, now))
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		ID:                    id.NewSubscriptionID(),
		CompanyID:             t.CompanyID,
		UnitType:              t.UnitType,
		UnitsPerPeriod:        t.UnitsPerPeriod,
		PromotionalUnitsTotal: t.PromotionalUnitsTotal,
		PricePerUnit:          t.PricePerUnit,
		StartDate:             t.StartDate,
		EndDate:               t.EndDate,
		BillingFrequency:      t.BillingFrequency,
		PaymentTermsDays:      t.PaymentTermsDays,
		IsEnterprise:          t.IsEnterprise,
		Periods:               periods,
		Status:                subscription.StatusActive,
		Metadata:              t.Metadata,
	}
	sub.Touch(now)
	return sub, nil
}

// Regenerate re-derives the periods of sub from new terms and re-applies
// its historical usage total earliest-first. Invariants are checked before
// and after; the unit type cannot change once periods exist. Shrinking a
// standard subscription below what it has already used is rejected.
func Regenerate(sub *subscription.Subscription, t Terms, horizon int, now time.Time) (*subscription.Subscription, error) {
	if t.CompanyID == "" {
		t.CompanyID = sub.CompanyID
	}
	if t.CompanyID != sub.CompanyID {
		return nil, validationErr("company_id", "cannot move subscription to %q", t.CompanyID)
	}
	if len(sub.Periods) > 0 && t.UnitType != sub.UnitType {
		return nil, ruleErr("unit_type", ErrUnitTypeImmutable, "%s -> %s", sub.UnitType, t.UnitType)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := CheckPeriods(sub); err != nil {
		return nil, err
	}

	periods, err := GeneratePeriods(t.periodConfig(horizon, now))
	if err != nil {
		return nil, err
	}

	used := sub.TotalUsed()
	if _, remainder := deduct(periods, used, now); remainder > 0 {
		if !t.IsEnterprise {
			return nil, configErr("units_per_period", "new terms cover %d fewer units than already used", remainder)
		}
		overdraw(periods, nil, remainder, now)
	}

	updated := sub.Clone()
	updated.UnitsPerPeriod = t.UnitsPerPeriod
	updated.PromotionalUnitsTotal = t.PromotionalUnitsTotal
	updated.PricePerUnit = t.PricePerUnit
	updated.StartDate = t.StartDate
	updated.EndDate = t.EndDate
	updated.BillingFrequency = t.BillingFrequency
	updated.PaymentTermsDays = t.PaymentTermsDays
	updated.IsEnterprise = t.IsEnterprise
	updated.Periods = periods
	if t.Metadata != nil {
		updated.Metadata = t.Metadata
	}

	if err := CheckPeriods(updated); err != nil {
		return nil, err
	}
	if got := updated.TotalUsed(); got != used {
		return nil, configErr("periods", "usage moved from %d to %d", used, got)
	}
	return updated, nil
}
