package invoice

import (
	"context"
	"time"

	"github.com/xraph/unitledger/id"
)

// Store persists invoices. CreateInvoice claims every covered period number for
// the subscription atomically and fails with a duplicate-invoice error when
// any claim is held by another invoice. Saving a cancelled invoice releases
// its claims.
type Store interface {
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, invID id.InvoiceID) (*Invoice, error)
	GetInvoiceByNumber(ctx context.Context, number string) (*Invoice, error)
	ListInvoices(ctx context.Context, opts ListOpts) ([]*Invoice, error)
	SaveInvoiceIfUnchanged(ctx context.Context, inv *Invoice, expectedVersion int64) error
}

type ListOpts struct {
	SubscriptionID id.SubscriptionID
	CompanyID      string
	Status         Status
	// DueBefore selects open invoices whose due date is before the instant.
	DueBefore time.Time
	Limit     int
	Offset    int
}
