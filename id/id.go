// Package id defines the prefixed TypeIDs carried by unitledger records.
//
// An ID renders as "prefix_suffix", for example
// "inv_01h455vb4pex5vsknk084sn02q". Suffixes are UUIDv7 so IDs of the same
// kind sort by creation time.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix names the kind of record an ID belongs to.
type Prefix string

const (
	PrefixSubscription Prefix = "sub"
	PrefixInvoice      Prefix = "inv"
	PrefixLineItem     Prefix = "li"
	PrefixPayment      Prefix = "pay"
	PrefixReceipt      Prefix = "rcpt"
)

// ID is a prefixed TypeID. The zero value is Nil and encodes as "".
//
//nolint:recvcheck // UnmarshalText needs a pointer receiver.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

type (
	SubscriptionID = ID
	InvoiceID      = ID
	LineItemID     = ID
	PaymentID      = ID
	ReceiptID      = ID
)

// New generates an ID. It panics on a malformed prefix, which is a
// programming error since every prefix is a constant above.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

func NewSubscriptionID() ID { return New(PrefixSubscription) }
func NewInvoiceID() ID      { return New(PrefixInvoice) }
func NewLineItemID() ID     { return New(PrefixLineItem) }
func NewPaymentID() ID      { return New(PrefixPayment) }
func NewReceiptID() ID      { return New(PrefixReceipt) }

// Parse accepts any well-formed TypeID.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses s and rejects IDs of another kind, so an invoice
// route cannot be handed a payment ID.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}
	return parsed, nil
}

func ParseSubscriptionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixSubscription) }
func ParseInvoiceID(s string) (ID, error)      { return ParseWithPrefix(s, PrefixInvoice) }
func ParseLineItemID(s string) (ID, error)     { return ParseWithPrefix(s, PrefixLineItem) }
func ParsePaymentID(s string) (ID, error)      { return ParseWithPrefix(s, PrefixPayment) }
func ParseReceiptID(s string) (ID, error)      { return ParseWithPrefix(s, PrefixReceipt) }

// String returns "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

func (i ID) IsNil() bool { return !i.valid }

// MarshalText makes IDs plain strings in JSON and in the stored documents.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText decodes "" as Nil.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
