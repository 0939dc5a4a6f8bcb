// Package unitledger tracks prepaid unit consumption for subscription
// customers and reconciles it into invoices and payments.
//
// The root package is the engine. The server package wraps it in an HTTP
// API and cmd/unitledger runs that API and its scheduled tasks. A subscription grants a company a
// fixed number of units (pages, words or characters) per calendar-month
// usage period, plus a pool of promotional units spread across the
// periods. Every confirmed consumption is deducted from the earliest
// periods first, promotional units before base units. Standard
// subscriptions are hard-capped at their remaining balance; enterprise
// subscriptions may overdraw, with a warning once the balance drops below
// OverdraftSoftLimit.
//
// # Quick Start
//
//	store := memory.New()
//	l := unitledger.New(store, unitledger.WithLogger(slog.Default()))
//	if err := l.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Stop()
//
//	sub, err := l.CreateSubscription(ctx, unitledger.Terms{
//	    CompanyID:             "acme",
//	    UnitType:              subscription.UnitPage,
//	    UnitsPerPeriod:        1000,
//	    PromotionalUnitsTotal: 100,
//	    PricePerUnit:          types.USD("0.10"),
//	    StartDate:             start,
//	    BillingFrequency:      subscription.BillingMonthly,
//	    PaymentTermsDays:      30,
//	})
//
//	receipt, err := l.RecordUsage(ctx, unitledger.UsageRequest{
//	    CompanyID:     "acme",
//	    Units:         950,
//	    TransactionID: "txn_123",
//	})
//
// # Pure core
//
// GeneratePeriods, CanConsume, RecordUsage, BuildInvoice and ApplyPayment
// are pure functions over copies of the aggregates. The Ledger wraps them
// in a load, decide, compare-and-swap loop against a store.Store, retrying
// version conflicts up to WithMaxRetries times before returning a
// ConcurrencyError.
//
// # Invoicing
//
// An invoice covers a contiguous range of periods, usually one billing
// cycle. The store claims each covered period, so a period can be
// invoiced by at most one non-cancelled invoice. Payments are applied to
// invoices and drive the status machine:
//
//	draft -> sent -> partially_paid -> paid
//	              \-> overdue ---------/
//	any non-terminal -> cancelled
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	sub_01h2xcejqtf2nbrexx3vqjhp41   // Subscription ID
//	inv_01h455vb4pex5vsknk084sn02q   // Invoice ID
//	pay_01h455vb4pex5vsknk084sn02q   // Payment ID
package unitledger
