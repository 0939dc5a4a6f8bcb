package types

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestMoneyConstructors(t *testing.T) {
	tests := []struct {
		name     string
		money    Money
		amount   string
		currency string
		display  string
	}{
		{"USD", USD("49"), "49", "usd", "$49.00"},
		{"EUR", EUR("199.00"), "199", "eur", "€199.00"},
		{"GBP", GBP("99.5"), "99.5", "gbp", "£99.50"},
		{"Sub-cent", USD("0.085"), "0.085", "usd", "$0.09"},
		{"Zero USD", Zero("USD"), "0", "usd", "$0.00"},
		{"Negative", USD("-12.5"), "-12.5", "usd", "-$12.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.money.Amount.Equal(decimal.RequireFromString(tt.amount)) {
				t.Errorf("Amount: got %s, want %s", tt.money.Amount, tt.amount)
			}
			if tt.money.Currency != tt.currency {
				t.Errorf("Currency: got %s, want %s", tt.money.Currency, tt.currency)
			}
			if tt.money.String() != tt.display {
				t.Errorf("Display: got %s, want %s", tt.money.String(), tt.display)
			}
		})
	}
}

func TestMoneyArithmetic(t *testing.T) {
	tests := []struct {
		name     string
		op       func() Money
		expected Money
	}{
		{"Add", func() Money { return USD("1.10").Add(USD("2.20")) }, USD("3.30")},
		{"Subtract", func() Money { return USD("5").Subtract(USD("2")) }, USD("3")},
		{"Multiply", func() Money { return USD("0.10").Multiply(3) }, USD("0.30")},
		{"MulRate", func() Money { return USD("100").MulRate(decimal.RequireFromString("0.06")) }, USD("6")},
		{"Round", func() Money { return USD("10.005").Round(2) }, USD("10.01")},
		{"Negate", func() Money { return USD("1").Negate() }, USD("-1")},
		{"Repeated tenths stay exact", func() Money {
			total := Zero("usd")
			for i := 0; i < 10; i++ {
				total = total.Add(USD("0.1"))
			}
			return total
		}, USD("1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.op()
			if !result.Equal(tt.expected) {
				t.Errorf("Got %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestMoneyCurrencyMismatch(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for currency mismatch")
		}
	}()

	_ = USD("1").Add(EUR("1"))
}

func TestMoneyComparison(t *testing.T) {
	a, b := USD("60"), USD("106")

	if !a.LessThan(b) || b.LessThan(a) {
		t.Error("LessThan ordering wrong")
	}
	if !b.GreaterThanOrEqual(USD("106.00")) {
		t.Error("GreaterThanOrEqual should hold for equal values")
	}
	if !a.Min(b).Equal(a) || !a.Max(b).Equal(b) {
		t.Error("Min/Max wrong")
	}
	if !Zero("usd").IsZero() || !a.IsPositive() || !a.Negate().IsNegative() {
		t.Error("sign predicates wrong")
	}
}

func TestMoneyJSON(t *testing.T) {
	data, err := json.Marshal(USD("106.00"))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"amount":"106","currency":"usd","display":"$106.00"}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}

	var back Money
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !back.Equal(USD("106")) {
		t.Errorf("round trip: got %v", back)
	}
}

func TestSum(t *testing.T) {
	got := Sum("usd", USD("1.25"), USD("2.50"), USD("0.25"))
	if !got.Equal(USD("4")) {
		t.Errorf("Sum: got %v", got)
	}
	if !Sum("usd").IsZero() {
		t.Error("empty Sum should be zero")
	}
}
