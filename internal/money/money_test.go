package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMajor(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		currency string
		want     Amount
		wantErr  error
	}{
		{name: "two decimals", value: "150.00", currency: "usd", want: Amount{Minor: 15000, Currency: "USD"}},
		{name: "integer", value: "350", currency: "BRL", want: Amount{Minor: 35000, Currency: "BRL"}},
		{name: "zero decimal currency", value: "1200", currency: "jpy", want: Amount{Minor: 1200, Currency: "JPY"}},
		{name: "too precise", value: "10.005", currency: "USD", wantErr: ErrFractionalMinor},
		{name: "fraction on zero decimal", value: "10.5", currency: "JPY", wantErr: ErrFractionalMinor},
		{name: "bad currency", value: "1", currency: "US", wantErr: ErrCurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromMajor(tt.value, tt.currency)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := FromMajor("abc", "USD")
	assert.Error(t, err)
}

func TestToBase_SameCurrencyIsIdentity(t *testing.T) {
	a := New(35000, "usd")
	got, err := a.ToBase(decimal.Zero, "USD")
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestToBase_RejectsNonPositiveRate(t *testing.T) {
	_, err := New(100, "BRL").ToBase(decimal.NewFromInt(-1), "USD")
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestToBase_RoundTrip(t *testing.T) {
	tests := []struct {
		minor    int64
		currency string
		rate     string
	}{
		{minor: 50000, currency: "BRL", rate: "5.25"},
		{minor: 99999, currency: "BRL", rate: "5.4321"},
		{minor: 1, currency: "EUR", rate: "0.92"},
		{minor: 1500000, currency: "JPY", rate: "149.7"},
	}

	for _, tt := range tests {
		t.Run(tt.currency+"@"+tt.rate, func(t *testing.T) {
			rate := decimal.RequireFromString(tt.rate)
			charged := New(tt.minor, tt.currency)

			base, err := charged.ToBase(rate, "USD")
			require.NoError(t, err)
			assert.Equal(t, "USD", base.Currency)

			// half a base minor unit, expressed in the charged currency
			tolerance := rate.Div(decimal.NewFromInt(200))
			diff := base.Major().Mul(rate).Sub(charged.Major()).Abs()
			assert.True(t, diff.LessThanOrEqual(tolerance), "diff %s exceeds %s", diff, tolerance)
		})
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "350.00 USD", New(35000, "USD").String())
	assert.Equal(t, "1200 JPY", New(1200, "JPY").String())
}
