package unitledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/xraph/unitledger/id"
	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/payment"
	"github.com/xraph/unitledger/subscription"
	"github.com/xraph/unitledger/types"
)

// BillingPolicy holds the pricing knobs applied when building invoices.
type BillingPolicy struct {
	TaxRate           decimal.Decimal
	OverageMultiplier decimal.Decimal
}

// DefaultBillingPolicy charges no tax and prices overage at the base rate.
func DefaultBillingPolicy() BillingPolicy {
	return BillingPolicy{
		TaxRate:           decimal.Zero,
		OverageMultiplier: decimal.NewFromInt(1),
	}
}

// InvoiceNumber returns the default human-readable invoice number,
// INV-YYYYMM-XXXXXXXX.
func InvoiceNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("INV-%s-%s", now.UTC().Format("200601"), suffix)
}

// BuildInvoice prices a contiguous range of periods as a draft invoice.
//
// The range must be ascending, gapless and fully present on sub. Any
// overlap with a non-cancelled invoice in existing fails with a
// DuplicateInvoiceError. The invoice carries one base line for the
// allocated units and, when usage exceeded allocation plus promotional
// units over the range, an overage line priced with the policy multiplier.
func BuildInvoice(sub *subscription.Subscription, periodNumbers []int, existing []*invoice.Invoice, policy BillingPolicy, now time.Time) (*invoice.Invoice, error) {
	if len(periodNumbers) == 0 {
		return nil, validationErr("period_numbers", "at least one period required")
	}
	periods := make([]subscription.UsagePeriod, 0, len(periodNumbers))
	for i, n := range periodNumbers {
		if i > 0 && n != periodNumbers[i-1]+1 {
			return nil, validationErr("period_numbers", "must be contiguous and ascending, got %v", periodNumbers)
		}
		p, ok := sub.Period(n)
		if !ok {
			return nil, validationErr("period_numbers", "period %d does not exist", n)
		}
		periods = append(periods, *p)
	}

	for _, inv := range existing {
		if inv.Status == invoice.StatusCancelled || inv.SubscriptionID != sub.ID {
			continue
		}
		if overlap := lo.Filter(periodNumbers, func(n int, _ int) bool { return inv.Covers(n) }); len(overlap) > 0 {
			return nil, &DuplicateInvoiceError{
				SubscriptionID: sub.ID.String(),
				PeriodNumbers:  overlap,
				InvoiceNumber:  inv.InvoiceNumber,
			}
		}
	}

	if policy.OverageMultiplier.IsZero() {
		policy.OverageMultiplier = decimal.NewFromInt(1)
	}

	currency := sub.PricePerUnit.Currency
	first, last := periods[0], periods[len(periods)-1]
	label := periodLabel(periodNumbers)

	allocated := lo.SumBy(periods, func(p subscription.UsagePeriod) int64 { return p.UnitsAllocated })
	promo := lo.SumBy(periods, func(p subscription.UsagePeriod) int64 { return p.PromotionalUnits })
	used := lo.SumBy(periods, func(p subscription.UsagePeriod) int64 { return p.UnitsUsed })

	inv := &invoice.Invoice{
		ID:             id.NewInvoiceID(),
		SubscriptionID: sub.ID,
		CompanyID:      sub.CompanyID,
		BillingPeriod: invoice.BillingPeriod{
			PeriodNumbers: append([]int(nil), periodNumbers...),
			Start:         first.PeriodStart,
			End:           last.PeriodEnd,
		},
		Currency:            currency,
		TaxRate:             policy.TaxRate,
		AmountPaid:          types.Zero(currency),
		Status:              invoice.StatusDraft,
		PaymentTermsDays:    sub.PaymentTermsDays,
		PaymentApplications: []invoice.PaymentApplication{},
	}
	inv.Touch(now)

	inv.LineItems = append(inv.LineItems, invoice.LineItem{
		ID:            id.NewLineItemID(),
		Type:          invoice.LineItemBase,
		Description:   fmt.Sprintf("%s allocation, %s", sub.UnitType, label),
		PeriodNumbers: inv.BillingPeriod.PeriodNumbers,
		Quantity:      allocated,
		UnitPrice:     sub.PricePerUnit,
		Amount:        sub.PricePerUnit.Multiply(allocated),
	})

	if over := used - (allocated + promo); over > 0 {
		price := sub.PricePerUnit.MulRate(policy.OverageMultiplier)
		inv.LineItems = append(inv.LineItems, invoice.LineItem{
			ID:            id.NewLineItemID(),
			Type:          invoice.LineItemOverage,
			Description:   fmt.Sprintf("%s overage, %s", sub.UnitType, label),
			PeriodNumbers: inv.BillingPeriod.PeriodNumbers,
			Quantity:      over,
			UnitPrice:     price,
			Amount:        price.Multiply(over),
		})
	}

	inv.Subtotal = types.Sum(currency, lo.Map(inv.LineItems, func(li invoice.LineItem, _ int) types.Money { return li.Amount })...)
	SetTax(inv, inv.Subtotal.MulRate(policy.TaxRate))
	return inv, nil
}

// SetTax replaces the tax amount, rounded to cents, and recomputes the total.
func SetTax(inv *invoice.Invoice, tax types.Money) {
	inv.TaxAmount = tax.Round(2)
	inv.TotalAmount = inv.Subtotal.Add(inv.TaxAmount)
}

func periodLabel(nums []int) string {
	if len(nums) == 1 {
		return fmt.Sprintf("period %d", nums[0])
	}
	return fmt.Sprintf("periods %d-%d", nums[0], nums[len(nums)-1])
}

// SendInvoice moves a draft to sent, stamping the issue and due dates.
func SendInvoice(inv *invoice.Invoice, now time.Time) (*invoice.Invoice, error) {
	if inv.Status != invoice.StatusDraft {
		return nil, ruleErr("status", ErrInvalidTransition, "%s -> %s", inv.Status, invoice.StatusSent)
	}
	updated := inv.Clone()
	issued := now
	due := now.AddDate(0, 0, inv.PaymentTermsDays)
	updated.IssuedAt = &issued
	updated.DueDate = &due
	updated.Status = invoice.StatusSent
	updated, _ = RefreshStatus(updated, now)
	return updated, nil
}

// DeriveStatus computes the status an invoice should have at now from its
// amounts and due date. Terminal and draft invoices keep their status.
func DeriveStatus(inv *invoice.Invoice, now time.Time) invoice.Status {
	switch {
	case inv.Status.IsTerminal(), inv.Status == invoice.StatusDraft:
		return inv.Status
	case inv.AmountPaid.GreaterThanOrEqual(inv.TotalAmount):
		return invoice.StatusPaid
	case inv.IsPastDue(now):
		return invoice.StatusOverdue
	case inv.AmountPaid.IsPositive():
		return invoice.StatusPartiallyPaid
	default:
		return invoice.StatusSent
	}
}

// RefreshStatus returns a copy of inv with its time-dependent status
// re-evaluated, and whether anything changed.
func RefreshStatus(inv *invoice.Invoice, now time.Time) (*invoice.Invoice, bool) {
	next := DeriveStatus(inv, now)
	if next == inv.Status {
		return inv, false
	}
	updated := inv.Clone()
	updated.Status = next
	if next == invoice.StatusPaid && updated.PaidAt == nil {
		updated.PaidAt = &now
	}
	return updated, true
}

// ApplyPayment applies amount from pay to a copy of inv.
//
// The payment must be settled, belong to the invoice's company and be
// either unlinked or already linked to this invoice. amount must be positive and no more than what the payment
// has left after refunds and earlier applications to this invoice.
// Overpayment is recorded; the status stops at paid and the excess is
// reported by Invoice.Overpayment.
func ApplyPayment(inv *invoice.Invoice, pay *payment.Payment, amount types.Money, now time.Time) (*invoice.Invoice, error) {
	switch {
	case inv.Status.IsTerminal():
		return nil, ruleErr("invoice", ErrInvoiceTerminal, "invoice %s is %s", inv.InvoiceNumber, inv.Status)
	case inv.Status == invoice.StatusDraft:
		return nil, ruleErr("invoice", ErrInvalidTransition, "invoice %s has not been sent", inv.InvoiceNumber)
	case !pay.IsSettled():
		return nil, ruleErr("payment", ErrPaymentNotSettled, "payment %s is %s", pay.ID, pay.Status)
	case pay.CompanyID != inv.CompanyID:
		return nil, validationErr("company_id", "payment %s belongs to %q, invoice %s to %q", pay.ID, pay.CompanyID, inv.InvoiceNumber, inv.CompanyID)
	case pay.IsLinked() && pay.InvoiceID != inv.ID:
		return nil, validationErr("payment", "payment %s is applied to invoice %s", pay.ID, pay.InvoiceID)
	case amount.Currency != inv.Currency || pay.Currency() != inv.Currency:
		return nil, validationErr("currency", "payment %s, amount %s, invoice %s", pay.Currency(), amount.Currency, inv.Currency)
	case !amount.IsPositive():
		return nil, validationErr("amount_to_apply", "must be > 0, got %s", amount.Amount)
	}

	available := pay.Net().Subtract(inv.AppliedFrom(pay.ID))
	if amount.GreaterThan(available) {
		return nil, validationErr("amount_to_apply", "%s exceeds %s left on payment %s", amount.Amount, available.Amount, pay.ID)
	}

	updated := inv.Clone()
	updated.PaymentApplications = append(updated.PaymentApplications, invoice.PaymentApplication{
		PaymentID:     pay.ID,
		AmountApplied: amount,
		AppliedAt:     now,
	})
	updated.AmountPaid = types.Sum(updated.Currency, lo.Map(updated.PaymentApplications,
		func(a invoice.PaymentApplication, _ int) types.Money { return a.AmountApplied })...)
	updated, _ = RefreshStatus(updated, now)
	return updated, nil
}

// CancelInvoice moves any non-terminal invoice to cancelled.
func CancelInvoice(inv *invoice.Invoice, reason string, now time.Time) (*invoice.Invoice, error) {
	if inv.Status.IsTerminal() {
		return nil, ruleErr("invoice", ErrInvoiceTerminal, "invoice %s is %s", inv.InvoiceNumber, inv.Status)
	}
	updated := inv.Clone()
	updated.Status = invoice.StatusCancelled
	updated.CancelledAt = &now
	updated.CancelReason = reason
	return updated, nil
}

// ConfirmPayment moves a pending payment to completed. Confirming a
// completed payment is a no-op.
func ConfirmPayment(pay *payment.Payment, now time.Time) (*payment.Payment, bool, error) {
	switch pay.Status {
	case payment.StatusCompleted:
		return pay, false, nil
	case payment.StatusPending:
	default:
		return nil, false, validationErr("status", "cannot confirm %s payment %s", pay.Status, pay.ID)
	}
	updated := pay.Clone()
	updated.Status = payment.StatusCompleted
	updated.ConfirmedAt = &now
	return updated, true, nil
}

// FailPayment moves a pending payment to failed.
func FailPayment(pay *payment.Payment, reason string) (*payment.Payment, error) {
	if pay.Status != payment.StatusPending {
		return nil, validationErr("status", "cannot fail %s payment %s", pay.Status, pay.ID)
	}
	updated := pay.Clone()
	updated.Status = payment.StatusFailed
	updated.FailureReason = reason
	return updated, nil
}

// RefundPayment records an additional refund of amount. A payment is
// immutable once fully refunded.
func RefundPayment(pay *payment.Payment, amount types.Money) (*payment.Payment, error) {
	if pay.IsImmutable() {
		return nil, ruleErr("payment", ErrPaymentImmutable, "payment %s", pay.ID)
	}
	if !pay.IsSettled() {
		return nil, ruleErr("payment", ErrPaymentNotSettled, "payment %s is %s", pay.ID, pay.Status)
	}
	if amount.Currency != pay.Currency() || !amount.IsPositive() {
		return nil, validationErr("refund_amount", "must be a positive %s amount", pay.Currency())
	}
	if amount.GreaterThan(pay.Net()) {
		return nil, validationErr("refund_amount", "%s exceeds refundable %s", amount.Amount, pay.Net().Amount)
	}

	updated := pay.Clone()
	updated.RefundedAmount = updated.RefundedAmount.Add(amount)
	if updated.RefundedAmount.Equal(updated.Amount) {
		updated.Status = payment.StatusRefunded
	} else {
		updated.Status = payment.StatusPartiallyRefunded
	}
	return updated, nil
}
