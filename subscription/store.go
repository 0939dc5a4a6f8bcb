package subscription

import (
	"context"
)

// Store is the persistence boundary for the Subscription aggregate.
// There is one subscription per company. Saves are compare-and-swap on
// the aggregate version; a successful save increments it.
type Store interface {
	CreateSubscription(ctx context.Context, s *Subscription) error
	LoadSubscription(ctx context.Context, companyID string) (*Subscription, error)
	SaveSubscriptionIfUnchanged(ctx context.Context, s *Subscription, expectedVersion int64) error
	ListSubscriptions(ctx context.Context, opts ListOpts) ([]*Subscription, error)
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
