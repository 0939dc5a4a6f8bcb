package payment

import (
	"context"

	"github.com/xraph/unitledger/id"
)

// Store persists payments. Processor intent ids are unique.
type Store interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, payID id.PaymentID) (*Payment, error)
	GetPaymentByIntent(ctx context.Context, intentID string) (*Payment, error)
	ListPayments(ctx context.Context, opts ListOpts) ([]*Payment, error)
	SavePaymentIfUnchanged(ctx context.Context, p *Payment, expectedVersion int64) error
}

type ListOpts struct {
	CompanyID string
	InvoiceID id.InvoiceID
	Status    Status
	Limit     int
	Offset    int
}
