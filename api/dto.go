package api

import (
	"time"

	"github.com/xraph/unitledger"
	"github.com/xraph/unitledger/subscription"
	"github.com/xraph/unitledger/types"
)

// termsRequest is the body of create and regenerate calls.
type termsRequest struct {
	CompanyID             string            `json:"company_id" validate:"required,max=128"`
	UnitType              string            `json:"unit_type" validate:"required,oneof=page word character"`
	UnitsPerPeriod        int64             `json:"units_per_period" validate:"gte=0"`
	PromotionalUnitsTotal int64             `json:"promotional_units_total" validate:"gte=0"`
	PricePerUnit          string            `json:"price_per_unit" validate:"required,numeric"`
	Currency              string            `json:"currency" validate:"omitempty,len=3"`
	StartDate             time.Time         `json:"start_date" validate:"required"`
	EndDate               *time.Time        `json:"end_date,omitempty"`
	Horizon               int               `json:"horizon,omitempty" validate:"gte=0"`
	BillingFrequency      string            `json:"billing_frequency" validate:"omitempty,oneof=monthly quarterly yearly"`
	PaymentTermsDays      int               `json:"payment_terms_days" validate:"gte=0"`
	IsEnterprise          bool              `json:"is_enterprise"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

func (r termsRequest) terms(defaultCurrency string) (unitledger.Terms, error) {
	currency := r.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	price, err := types.Parse(r.PricePerUnit, currency)
	if err != nil {
		return unitledger.Terms{}, err
	}
	freq := subscription.BillingFrequency(r.BillingFrequency)
	if freq == "" {
		freq = subscription.BillingMonthly
	}
	return unitledger.Terms{
		CompanyID:             r.CompanyID,
		UnitType:              subscription.UnitType(r.UnitType),
		UnitsPerPeriod:        r.UnitsPerPeriod,
		PromotionalUnitsTotal: r.PromotionalUnitsTotal,
		PricePerUnit:          price,
		StartDate:             r.StartDate,
		EndDate:               r.EndDate,
		Horizon:               r.Horizon,
		BillingFrequency:      freq,
		PaymentTermsDays:      r.PaymentTermsDays,
		IsEnterprise:          r.IsEnterprise,
		Metadata:              r.Metadata,
	}, nil
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=active inactive expired"`
}

type checkRequest struct {
	Units int64 `json:"units" validate:"gt=0"`
}

// usageRequest is the consumption input.
type usageRequest struct {
	UnitsConsumed int64      `json:"units_consumed" validate:"gt=0"`
	AsOf          *time.Time `json:"as_of,omitempty"`
	TransactionID string     `json:"transaction_id,omitempty" validate:"max=256"`
}

// usageResponse is the consumption output.
type usageResponse struct {
	Success          bool                     `json:"success"`
	Shortfall        *int64                   `json:"shortfall"`
	PeriodsTouched   []subscription.Deduction `json:"periods_touched"`
	BalanceAfter     *int64                   `json:"balance_after,omitempty"`
	OverdraftWarning bool                     `json:"overdraft_warning"`
	ReceiptID        string                   `json:"receipt_id,omitempty"`
}

type balanceResponse struct {
	CompanyID        string `json:"company_id"`
	AvailableBalance int64  `json:"available_balance"`
}

type invoiceRequest struct {
	PeriodNumbers []int `json:"period_numbers" validate:"required,min=1,dive,gt=0"`
	Draft         bool  `json:"draft"`
}

type dueRequest struct {
	Now *time.Time `json:"now,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

type applyRequest struct {
	PaymentID string `json:"payment_id" validate:"required"`
	Amount    string `json:"amount" validate:"required,numeric"`
}

type paymentRequest struct {
	CompanyID string            `json:"company_id" validate:"required"`
	IntentID  string            `json:"intent_id" validate:"max=255"`
	Amount    string            `json:"amount" validate:"required,numeric"`
	Currency  string            `json:"currency" validate:"omitempty,len=3"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type failRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

type refundRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
}

type overdueRequest struct {
	Now *time.Time `json:"now,omitempty"`
}

type overdueResponse struct {
	Marked int `json:"marked"`
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
