// Package money carries amounts as integer minor units tagged with an ISO 4217 currency.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRate     = errors.New("money: exchange rate must be positive")
	ErrFractionalMinor = errors.New("money: amount has more precision than the currency allows")
	ErrCurrency        = errors.New("money: currency code must have three letters")
)

// zeroDecimal lists currencies without a minor unit.
var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

type Amount struct {
	Minor    int64
	Currency string
}

func New(minor int64, currency string) Amount {
	return Amount{Minor: minor, Currency: Normalize(currency)}
}

func Normalize(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// Exponent is the number of minor-unit digits for currency.
func Exponent(currency string) int32 {
	if zeroDecimal[Normalize(currency)] {
		return 0
	}
	return 2
}

// FromMajor parses a major-unit decimal string such as "150.00".
func FromMajor(value, currency string) (Amount, error) {
	currency = Normalize(currency)
	if len(currency) != 3 {
		return Amount{}, ErrCurrency
	}

	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Amount{}, fmt.Errorf("money: parse %q: %w", value, err)
	}

	minor := d.Shift(Exponent(currency))
	if !minor.IsInteger() {
		return Amount{}, ErrFractionalMinor
	}
	return Amount{Minor: minor.IntPart(), Currency: currency}, nil
}

// Major returns the amount in major units.
func (a Amount) Major() decimal.Decimal {
	return decimal.NewFromInt(a.Minor).Shift(-Exponent(a.Currency))
}

// ToBase converts a into the base currency. rate is the number of units of
// a.Currency per one unit of base. Rounding is half-even at the base currency's exponent.
func (a Amount) ToBase(rate decimal.Decimal, base string) (Amount, error) {
	base = Normalize(base)
	if a.Currency == base {
		return a, nil
	}
	if !rate.IsPositive() {
		return Amount{}, ErrInvalidRate
	}

	converted := a.Major().Div(rate).Shift(Exponent(base)).RoundBank(0)
	return Amount{Minor: converted.IntPart(), Currency: base}, nil
}

func (a Amount) IsPositive() bool {
	return a.Minor > 0
}

func (a Amount) String() string {
	return a.Major().StringFixed(Exponent(a.Currency)) + " " + a.Currency
}
