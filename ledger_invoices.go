package unitledger

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/unitledger/id"
	"github.com/xraph/unitledger/invoice"
)

func (l *Ledger) saveInvoice(ctx context.Context, inv *invoice.Invoice, expected int64) error {
	inv.Touch(l.clock())
	return l.store.SaveInvoiceIfUnchanged(ctx, inv, expected)
}

// DraftInvoice prices a contiguous range of the company's periods and
// stores the result as a draft. The store claims the periods, so two
// concurrent drafts for the same range cannot both succeed.
func (l *Ledger) DraftInvoice(ctx context.Context, companyID string, periodNumbers []int) (*invoice.Invoice, error) {
	sub, err := l.store.LoadSubscription(ctx, companyID)
	if err != nil {
		return nil, err
	}
	existing, err := l.store.ListInvoices(ctx, invoice.ListOpts{SubscriptionID: sub.ID})
	if err != nil {
		return nil, err
	}

	now := l.clock()
	inv, err := BuildInvoice(sub, periodNumbers, existing, l.policy, now)
	if err != nil {
		return nil, err
	}
	inv.InvoiceNumber = l.numberer(now)

	if calc, ok := l.plugins.TaxCalculator(); ok {
		tax, err := calc.CalculateTax(ctx, inv.Subtotal, companyID)
		if err != nil {
			return nil, err
		}
		if tax.Currency != inv.Currency {
			return nil, configErr("tax", "calculator %s returned %s for a %s invoice", calc.Name(), tax.Currency, inv.Currency)
		}
		SetTax(inv, tax)
	}

	if err := l.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}

	l.logger.Info("invoice drafted",
		"company_id", companyID,
		"invoice_number", inv.InvoiceNumber,
		"periods", inv.BillingPeriod.PeriodNumbers,
		"total", inv.TotalAmount.String(),
	)
	l.plugins.EmitInvoiceGenerated(ctx, inv)
	return inv, nil
}

// SendInvoice issues a draft invoice.
func (l *Ledger) SendInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	var saved *invoice.Invoice
	err := l.retry(ctx, "invoice", invID.String(), func() error {
		inv, err := l.store.GetInvoice(ctx, invID)
		if err != nil {
			return err
		}
		updated, err := SendInvoice(inv, l.clock())
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

	l.logger.Info("invoice sent", "invoice_number", saved.InvoiceNumber, "due_date", saved.DueDate)
	l.plugins.EmitInvoiceSent(ctx, saved)
	if saved.Status == invoice.StatusPaid {
		l.plugins.EmitInvoicePaid(ctx, saved)
	}
	return saved, nil
}

// GenerateInvoice drafts and immediately sends an invoice for the range.
func (l *Ledger) GenerateInvoice(ctx context.Context, companyID string, periodNumbers []int) (*invoice.Invoice, error) {
	draft, err := l.DraftInvoice(ctx, companyID, periodNumbers)
	if err != nil {
		return nil, err
	}
	return l.SendInvoice(ctx, draft.ID)
}

// GenerateDueInvoices invoices every billing cycle of the company's
// subscription that has ended by now and is not invoiced yet. Cycles
// already covered are skipped.
func (l *Ledger) GenerateDueInvoices(ctx context.Context, companyID string, now time.Time) ([]*invoice.Invoice, error) {
	sub, err := l.store.LoadSubscription(ctx, companyID)
	if err != nil {
		return nil, err
	}

	var out []*invoice.Invoice
	for _, cycle := range sub.Cycles() {
		last, ok := sub.Period(cycle[len(cycle)-1])
		if !ok || last.PeriodEnd.After(now) {
			continue
		}
		inv, err := l.GenerateInvoice(ctx, companyID, cycle)
		if errors.Is(err, ErrDuplicateInvoice) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, inv)
	}
	return out, nil
}

// GetInvoice loads an invoice with its overdue status brought up to date.
func (l *Ledger) GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	inv, err := l.store.GetInvoice(ctx, invID)
	if err != nil {
		return nil, err
	}
	return l.refresh(ctx, inv)
}

// GetInvoiceByNumber is GetInvoice keyed by the human-readable number.
func (l *Ledger) GetInvoiceByNumber(ctx context.Context, number string) (*invoice.Invoice, error) {
	inv, err := l.store.GetInvoiceByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	return l.refresh(ctx, inv)
}

// ListInvoices lists invoices. Statuses reflect the current time but are
// not persisted; use MarkOverdue for that.
func (l *Ledger) ListInvoices(ctx context.Context, opts invoice.ListOpts) ([]*invoice.Invoice, error) {
	invs, err := l.store.ListInvoices(ctx, opts)
	if err != nil {
		return nil, err
	}
	now := l.clock()
	for i, inv := range invs {
		invs[i], _ = RefreshStatus(inv, now)
	}
	return invs, nil
}

// refresh persists a status change caused by the passage of time. Losing
// the race to another writer is fine; the caller still gets the derived
// status.
func (l *Ledger) refresh(ctx context.Context, inv *invoice.Invoice) (*invoice.Invoice, error) {
	updated, changed := RefreshStatus(inv, l.clock())
	if !changed {
		return inv, nil
	}
	err := l.saveInvoice(ctx, updated, inv.Version)
	switch {
	case err == nil:
		l.emitStatus(ctx, updated)
	case errors.Is(err, ErrVersionConflict):
		l.logger.Debug("invoice refresh lost race", "invoice_number", inv.InvoiceNumber)
	default:
		return nil, err
	}
	return updated, nil
}

func (l *Ledger) emitStatus(ctx context.Context, inv *invoice.Invoice) {
	switch inv.Status {
	case invoice.StatusOverdue:
		l.logger.Info("invoice overdue", "invoice_number", inv.InvoiceNumber, "amount_due", inv.AmountDue().String())
		l.plugins.EmitInvoiceOverdue(ctx, inv)
	case invoice.StatusPaid:
		l.logger.Info("invoice paid", "invoice_number", inv.InvoiceNumber)
		l.plugins.EmitInvoicePaid(ctx, inv)
	}
}

// CancelInvoice cancels a non-terminal invoice and releases its periods
// for re-invoicing.
func (l *Ledger) CancelInvoice(ctx context.Context, invID id.InvoiceID, reason string) (*invoice.Invoice, error) {
	var saved *invoice.Invoice
	err := l.retry(ctx, "invoice", invID.String(), func() error {
		inv, err := l.store.GetInvoice(ctx, invID)
		if err != nil {
			return err
		}
		updated, err := CancelInvoice(inv, reason, l.clock())
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

	l.logger.Info("invoice cancelled", "invoice_number", saved.InvoiceNumber, "reason", reason)
	l.plugins.EmitInvoiceCancelled(ctx, saved, reason)
	return saved, nil
}

// MarkOverdue persists the overdue status of every open invoice past its
// due date at now and returns how many changed. It is meant to be driven
// by an external scheduler.
func (l *Ledger) MarkOverdue(ctx context.Context, now time.Time) (int, error) {
	candidates, err := l.store.ListInvoices(ctx, invoice.ListOpts{DueBefore: now})
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, c := range candidates {
		var saved *invoice.Invoice
		err := l.retry(ctx, "invoice", c.ID.String(), func() error {
			saved = nil
			inv, err := l.store.GetInvoice(ctx, c.ID)
			if err != nil {
				return err
			}
			updated, changed := RefreshStatus(inv, now)
			if !changed {
				return nil
			}
			if err := l.saveInvoice(ctx, updated, inv.Version); err != nil {
				return err
			}
			saved = updated
			return nil
		})
		if err != nil {
			return marked, err
		}
		if saved != nil {
			marked++
			l.emitStatus(ctx, saved)
		}
	}

	l.logger.Info("overdue sweep finished", "candidates", len(candidates), "marked", marked)
	return marked, nil
}
