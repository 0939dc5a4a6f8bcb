package unitledger

import (
	"context"
	"errors"

	"github.com/xraph/unitledger/id"
	"github.com/xraph/unitledger/invoice"
	"github.com/xraph/unitledger/payment"
	"github.com/xraph/unitledger/types"
)

// PaymentRequest records a settlement reported by the payment processor.
type PaymentRequest struct {
	CompanyID string
	IntentID  string
	Amount    types.Money
	Metadata  map[string]string
}

func (l *Ledger) savePayment(ctx context.Context, pay *payment.Payment, expected int64) error {
	pay.Touch(l.clock())
	return l.store.SavePaymentIfUnchanged(ctx, pay, expected)
}

// RecordPayment stores a pending payment. Recording an intent id that is
// already known returns the stored payment.
func (l *Ledger) RecordPayment(ctx context.Context, req PaymentRequest) (*payment.Payment, error) {
	if req.CompanyID == "" {
		return nil, validationErr("company_id", "required")
	}
	if !req.Amount.IsPositive() || req.Amount.Currency == "" {
		return nil, validationErr("amount", "must be a positive amount with a currency")
	}
	if req.IntentID != "" {
		existing, err := l.store.GetPaymentByIntent(ctx, req.IntentID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrPaymentNotFound) {
			return nil, err
		}
	}

	now := l.clock()
	pay := &payment.Payment{
		ID:                    id.NewPaymentID(),
		StripePaymentIntentID: req.IntentID,
		CompanyID:             req.CompanyID,
		Amount:                req.Amount,
		Status:                payment.StatusPending,
		RefundedAmount:        types.Zero(req.Amount.Currency),
		Metadata:              req.Metadata,
	}
	pay.Touch(now)

	if sub, err := l.store.LoadSubscription(ctx, req.CompanyID); err == nil {
		pay.SubscriptionID = sub.ID
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	if err := l.store.CreatePayment(ctx, pay); err != nil {
		return nil, err
	}

	l.logger.Info("payment recorded",
		"company_id", pay.CompanyID,
		"payment_id", pay.ID.String(),
		"amount", pay.Amount.String(),
	)
	l.plugins.EmitPaymentRecorded(ctx, pay)
	return pay, nil
}

// GetPayment loads a payment.
func (l *Ledger) GetPayment(ctx context.Context, payID id.PaymentID) (*payment.Payment, error) {
	return l.store.GetPayment(ctx, payID)
}

// ListPayments lists payments.
func (l *Ledger) ListPayments(ctx context.Context, opts payment.ListOpts) ([]*payment.Payment, error) {
	return l.store.ListPayments(ctx, opts)
}

// ConfirmPayment marks a pending payment completed.
func (l *Ledger) ConfirmPayment(ctx context.Context, payID id.PaymentID) (*payment.Payment, error) {
	return l.transitionPayment(ctx, payID, func(p *payment.Payment) (*payment.Payment, bool, error) {
		return ConfirmPayment(p, l.clock())
	})
}

// FailPayment marks a pending payment failed.
func (l *Ledger) FailPayment(ctx context.Context, payID id.PaymentID, reason string) (*payment.Payment, error) {
	return l.transitionPayment(ctx, payID, func(p *payment.Payment) (*payment.Payment, bool, error) {
		if p.Status == payment.StatusFailed {
			return p, false, nil
		}
		updated, err := FailPayment(p, reason)
		return updated, err == nil, err
	})
}

// RefundPayment records an additional refund against a settled payment.
// Amounts already applied to an invoice are not reversed.
func (l *Ledger) RefundPayment(ctx context.Context, payID id.PaymentID, amount types.Money) (*payment.Payment, error) {
	return l.transitionPayment(ctx, payID, func(p *payment.Payment) (*payment.Payment, bool, error) {
		updated, err := RefundPayment(p, amount)
		return updated, err == nil, err
	})
}

func (l *Ledger) transitionPayment(ctx context.Context, payID id.PaymentID, fn func(*payment.Payment) (*payment.Payment, bool, error)) (*payment.Payment, error) {
	var (
		saved   *payment.Payment
		from    payment.Status
		changed bool
	)
	err := l.retry(ctx, "payment", payID.String(), func() error {
		pay, err := l.store.GetPayment(ctx, payID)
		if err != nil {
			return err
		}
		from = pay.Status
		updated, ok, err := fn(pay)
		if err != nil {
			return err
		}
		changed = ok
		if !ok {
			saved = pay
			return nil
		}
		if err := l.savePayment(ctx, updated, pay.Version); err != nil {
			return err
		}
		saved = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		l.logger.Info("payment status changed",
			"payment_id", payID.String(),
			"from", from,
			"to", saved.Status,
		)
		l.plugins.EmitPaymentStatusChanged(ctx, saved, from)
	}
	return saved, nil
}

// ApplyPayment applies amount from a settled payment to an invoice.
//
// The payment is linked to the invoice first, then the application is
// compare-and-swapped onto the invoice. Each step retries on its own
// aggregate, so a payment is never split across invoices and concurrent
// applications never overwrite each other.
func (l *Ledger) ApplyPayment(ctx context.Context, invID id.InvoiceID, payID id.PaymentID, amount types.Money) (*invoice.Invoice, error) {
	inv, err := l.store.GetInvoice(ctx, invID)
	if err != nil {
		return nil, err
	}
	pay, err := l.store.GetPayment(ctx, payID)
	if err != nil {
		return nil, err
	}
	if _, err := ApplyPayment(inv, pay, amount, l.clock()); err != nil {
		return nil, err
	}

	if err := l.linkPayment(ctx, inv, payID); err != nil {
		return nil, err
	}

	var saved *invoice.Invoice
	err = l.retry(ctx, "invoice", invID.String(), func() error {
		inv, err := l.store.GetInvoice(ctx, invID)
		if err != nil {
			return err
		}
		pay, err := l.store.GetPayment(ctx, payID)
		if err != nil {
			return err
		}
		updated, err := ApplyPayment(inv, pay, amount, l.clock())
		if err != nil {
			return err
		}
		if err := l.saveInvoice(ctx, updated, inv.Version); err != nil {
			return err
		}
		saved = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("payment applied",
		"invoice_number", saved.InvoiceNumber,
		"payment_id", payID.String(),
		"amount", amount.String(),
		"status", saved.Status,
	)
	l.plugins.EmitPaymentApplied(ctx, saved, pay, amount)
	l.emitStatus(ctx, saved)
	return saved, nil
}

func (l *Ledger) linkPayment(ctx context.Context, inv *invoice.Invoice, payID id.PaymentID) error {
	return l.retry(ctx, "payment", payID.String(), func() error {
		pay, err := l.store.GetPayment(ctx, payID)
		if err != nil {
			return err
		}
		if pay.CompanyID != inv.CompanyID {
			return validationErr("company_id", "payment %s belongs to %q, invoice %s to %q", pay.ID, pay.CompanyID, inv.InvoiceNumber, inv.CompanyID)
		}
		if pay.InvoiceID == inv.ID {
			return nil
		}
		if pay.IsLinked() {
			return validationErr("payment", "payment %s is applied to invoice %s", pay.ID, pay.InvoiceID)
		}
		updated := pay.Clone()
		updated.InvoiceID = inv.ID
		if updated.SubscriptionID.IsNil() {
			updated.SubscriptionID = inv.SubscriptionID
		}
		return l.savePayment(ctx, updated, pay.Version)
	})
}

// HandleProcessorEvent applies a processor notification. A success
// records and confirms the payment and, when the event names an invoice,
// applies as much of it as the invoice still owes. Ignored events return
// a nil payment.
func (l *Ledger) HandleProcessorEvent(ctx context.Context, ev *payment.ProcessorEvent) (*payment.Payment, error) {
	if ev == nil || ev.Kind == payment.EventIgnored {
		return nil, nil
	}
	if ev.IntentID == "" {
		return nil, validationErr("intent_id", "required")
	}

	switch ev.Kind {
	case payment.EventSucceeded:
		pay, err := l.paymentForEvent(ctx, ev)
		if err != nil {
			return nil, err
		}
		if pay, err = l.ConfirmPayment(ctx, pay.ID); err != nil {
			return nil, err
		}
		if ev.InvoiceNumber == "" {
			return pay, nil
		}
		return pay, l.autoApply(ctx, pay, ev.InvoiceNumber)

	case payment.EventFailed:
		pay, err := l.paymentForEvent(ctx, ev)
		if err != nil {
			return nil, err
		}
		return l.FailPayment(ctx, pay.ID, ev.FailureReason)

	case payment.EventRefunded:
		pay, err := l.store.GetPaymentByIntent(ctx, ev.IntentID)
		if err != nil {
			return nil, err
		}
		delta := ev.RefundedAmount.Subtract(pay.RefundedAmount)
		if !delta.IsPositive() {
			return pay, nil
		}
		return l.RefundPayment(ctx, pay.ID, delta)

	default:
		return nil, validationErr("kind", "unknown processor event kind %q", ev.Kind)
	}
}

func (l *Ledger) paymentForEvent(ctx context.Context, ev *payment.ProcessorEvent) (*payment.Payment, error) {
	pay, err := l.store.GetPaymentByIntent(ctx, ev.IntentID)
	if err == nil {
		return pay, nil
	}
	if !errors.Is(err, ErrPaymentNotFound) {
		return nil, err
	}
	return l.RecordPayment(ctx, PaymentRequest{
		CompanyID: ev.CompanyID,
		IntentID:  ev.IntentID,
		Amount:    ev.Amount,
		Metadata:  map[string]string{"processor_event": ev.Type},
	})
}

func (l *Ledger) autoApply(ctx context.Context, pay *payment.Payment, number string) error {
	inv, err := l.GetInvoiceByNumber(ctx, number)
	if err != nil {
		return err
	}
	if inv.Status.IsTerminal() || inv.Status == invoice.StatusDraft || inv.Currency != pay.Currency() {
		l.logger.Warn("payment names an invoice that cannot take it",
			"payment_id", pay.ID.String(),
			"invoice_number", number,
			"status", inv.Status,
		)
		return nil
	}
	amount := pay.Net().Subtract(inv.AppliedFrom(pay.ID)).Min(inv.AmountDue())
	if !amount.IsPositive() {
		return nil
	}
	_, err = l.ApplyPayment(ctx, inv.ID, pay.ID, amount)
	return err
}
