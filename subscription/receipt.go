package subscription

import (
	"time"

	"github.com/xraph/unitledger/id"
)

// Receipt records how one consumption was spread across periods.
type Receipt struct {
	ID               id.ReceiptID      `json:"id"`
	SubscriptionID   id.SubscriptionID `json:"subscription_id"`
	CompanyID        string            `json:"company_id"`
	TransactionID    string            `json:"transaction_id,omitempty"`
	Units            int64             `json:"units_consumed"`
	AsOf             time.Time         `json:"as_of"`
	Periods          []Deduction       `json:"periods_touched"`
	BalanceBefore    int64             `json:"balance_before"`
	BalanceAfter     int64             `json:"balance_after"`
	Shortfall        int64             `json:"shortfall,omitempty"`
	OverdraftWarning bool              `json:"overdraft_warning"`
}

// Deduction is the part of a consumption charged to one period.
// Overdraft is the share that exceeded every period's remaining balance.
type Deduction struct {
	PeriodNumber        int   `json:"period_number"`
	UnitsDeducted       int64 `json:"units_deducted"`
	PromotionalDeducted int64 `json:"promotional_deducted"`
	BaseDeducted        int64 `json:"base_deducted"`
	Overdraft           int64 `json:"overdraft,omitempty"`
}
