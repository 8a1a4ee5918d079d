package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		amount   float64
		currency string
		wantErr  bool
	}{
		{name: "dollar symbol", raw: "$19.99", amount: 19.99, currency: "USD"},
		{name: "euro comma decimal", raw: "19,99 €", amount: 19.99, currency: "EUR"},
		{name: "pound", raw: "£5.00", amount: 5, currency: "GBP"},
		{name: "us thousands", raw: "$1,299.95", amount: 1299.95, currency: "USD"},
		{name: "european thousands", raw: "1.299,95 €", amount: 1299.95, currency: "EUR"},
		{name: "iso code suffix", raw: "49.90 CHF", amount: 49.9, currency: "CHF"},
		{name: "iso code prefix", raw: "USD 12.50", amount: 12.5, currency: "USD"},
		{name: "bare number", raw: "42", amount: 42, currency: ""},
		{name: "lone comma thousands", raw: "1,299", amount: 1299, currency: ""},
		{name: "surrounding text", raw: "Now only $7.49!", amount: 7.49, currency: "USD"},
		{name: "converted amount alongside", raw: "€100 ($110)", amount: 100, currency: "EUR"},
		{name: "converted amount dollar first", raw: "$110 (€100)", amount: 110, currency: "USD"},
		{name: "no digits", raw: "Call for price", wantErr: true},
		{name: "empty", raw: "   ", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			amount, currency, err := ParsePrice(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.InDelta(t, tc.amount, amount, 1e-9)
			require.Equal(t, tc.currency, currency)
		})
	}
}

func TestParsePriceIsDeterministic(t *testing.T) {
	t.Parallel()

	// Two recognized symbols in one string; the pick must not depend on
	// iteration order.
	for i := 0; i < 200; i++ {
		amount, currency, err := ParsePrice("€100 ($110)")
		require.NoError(t, err)
		require.InDelta(t, 100.0, amount, 1e-9)
		require.Equal(t, "EUR", currency, "iteration %d", i)
	}
}
