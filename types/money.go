// Package types provides common types used across unitledger.
package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money represents a decimal monetary value in a currency.
// All arithmetic is exact decimal arithmetic; no floating point.
//
// Examples:
//   - USD("49.00") = $49.00
//   - EUR("0.085") = €0.085 (sub-cent unit prices are allowed)
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"` // ISO 4217 lowercase: "usd", "eur", "gbp"
}

// New creates a Money value from a decimal amount.
func New(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToLower(currency)}
}

// Parse creates a Money value from a decimal string such as "106.00".
func Parse(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("money: parse %q: %w", amount, err)
	}
	return New(d, currency), nil
}

// MustParse is like Parse but panics on error. Use for literals.
func MustParse(amount, currency string) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// USD creates a Money value in US Dollars from a decimal string.
func USD(amount string) Money { return MustParse(amount, "usd") }

// EUR creates a Money value in Euros from a decimal string.
func EUR(amount string) Money { return MustParse(amount, "eur") }

// GBP creates a Money value in British Pounds from a decimal string.
func GBP(amount string) Money { return MustParse(amount, "gbp") }

// Zero returns a zero Money value in the specified currency.
func Zero(currency string) Money { return New(decimal.Zero, currency) }

// Arithmetic operations

// Add adds two Money values. Panics if currencies don't match.
func (m Money) Add(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}
}

// Subtract subtracts another Money value. Panics if currencies don't match.
func (m Money) Subtract(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}
}

// Multiply multiplies the Money by an integer quantity.
func (m Money) Multiply(qty int64) Money {
	return Money{Amount: m.Amount.Mul(decimal.NewFromInt(qty)), Currency: m.Currency}
}

// MulRate multiplies the Money by a decimal rate (tax rate, overage multiplier).
func (m Money) MulRate(rate decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(rate), Currency: m.Currency}
}

// Round rounds to the given number of decimal places, half away from zero.
func (m Money) Round(places int32) Money {
	return Money{Amount: m.Amount.Round(places), Currency: m.Currency}
}

// Negate returns the negative of the Money value.
func (m Money) Negate() Money {
	return Money{Amount: m.Amount.Neg(), Currency: m.Currency}
}

// Comparison methods

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.Amount.IsZero() }

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }

// IsNegative returns true if the amount is less than zero.
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }

// Equal returns true if both values have the same currency and numerically equal amounts.
// "106" and "106.00" are equal.
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

// LessThan returns true if this Money is less than other. Panics if currencies don't match.
func (m Money) LessThan(other Money) bool {
	m.assertSameCurrency(other)
	return m.Amount.LessThan(other.Amount)
}

// GreaterThan returns true if this Money is greater than other. Panics if currencies don't match.
func (m Money) GreaterThan(other Money) bool {
	m.assertSameCurrency(other)
	return m.Amount.GreaterThan(other.Amount)
}

// GreaterThanOrEqual returns true if this Money is >= other. Panics if currencies don't match.
func (m Money) GreaterThanOrEqual(other Money) bool {
	m.assertSameCurrency(other)
	return m.Amount.GreaterThanOrEqual(other.Amount)
}

// Min returns the smaller of two Money values. Panics if currencies don't match.
func (m Money) Min(other Money) Money {
	if m.LessThan(other) {
		return m
	}
	return other
}

// Max returns the larger of two Money values. Panics if currencies don't match.
func (m Money) Max(other Money) Money {
	if m.GreaterThan(other) {
		return m
	}
	return other
}

// Formatting methods

// FormatMajor returns the amount with the currency's minor-unit precision,
// without a currency symbol: "49.00" for USD("49").
func (m Money) FormatMajor() string {
	return m.Amount.StringFixed(currencyDecimals(m.Currency))
}

// String returns a human-readable string with currency symbol.
// Examples: "$49.00", "€199.00", "£99.00", "¥100"
func (m Money) String() string {
	if m.Amount.IsNegative() {
		return "-" + currencySymbol(m.Currency) + m.Amount.Neg().StringFixed(currencyDecimals(m.Currency))
	}
	return currencySymbol(m.Currency) + m.FormatMajor()
}

// MarshalJSON implements json.Marshaler. Amounts are emitted as decimal
// strings so no precision is lost in transit.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   m.Amount.String(),
		Currency: m.Currency,
		Display:  m.String(),
	})
}

// UnmarshalJSON implements json.Unmarshaler. The display field is ignored.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("money: %w", err)
	}
	m.Amount = raw.Amount
	m.Currency = strings.ToLower(raw.Currency)
	return nil
}

// Helper functions

// assertSameCurrency panics if currencies don't match.
func (m Money) assertSameCurrency(other Money) {
	if m.Currency != other.Currency {
		panic(fmt.Sprintf("money: currency mismatch: %s != %s", m.Currency, other.Currency))
	}
}

// currencySymbol returns the symbol for a currency code.
func currencySymbol(currency string) string {
	symbols := map[string]string{
		"usd": "$",
		"eur": "€",
		"gbp": "£",
		"jpy": "¥",
		"cad": "C$",
		"aud": "A$",
		"chf": "CHF ",
	}
	if sym, ok := symbols[strings.ToLower(currency)]; ok {
		return sym
	}
	return strings.ToUpper(currency) + " "
}

// currencyDecimals returns the number of decimal places for a currency.
func currencyDecimals(currency string) int32 {
	switch strings.ToLower(currency) {
	case "jpy", "krw", "vnd", "clp", "pyg", "idr":
		return 0
	}
	return 2
}

// Sum calculates the sum of multiple Money values in currency.
// All values must share that currency.
func Sum(currency string, values ...Money) Money {
	result := Zero(currency)
	for _, v := range values {
		result = result.Add(v)
	}
	return result
}

// FromMinor converts an amount in the currency's minor units (cents for
// USD) as reported by payment processors.
func FromMinor(amount int64, currency string) Money {
	return New(decimal.New(amount, -currencyDecimals(currency)), currency)
}
