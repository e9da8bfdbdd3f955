package reversal

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPaymentStatus(t *testing.T) {
	cases := []struct {
		total, paid string
		want        string
	}{
		{"100", "0", PaymentUnpaid},
		{"100", "-5", PaymentUnpaid},
		{"100", "40", PaymentPartial},
		{"100", "100", PaymentPaid},
		{"100", "120", PaymentPaid},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, PaymentStatus(dec(tc.total), dec(tc.paid)), "total %s paid %s", tc.total, tc.paid)
	}
}

func TestWeightedCost(t *testing.T) {
	cost, ok := WeightedCost([]Lot{
		{Quantity: dec("10"), UnitCost: dec("5")},
		{Quantity: dec("20"), UnitCost: dec("6.5")},
	})
	require.True(t, ok)
	require.True(t, cost.Equal(dec("6")), cost.String())

	cost, ok = WeightedCost([]Lot{
		{Quantity: dec("3"), UnitCost: dec("1")},
		{Quantity: dec("3"), UnitCost: dec("1")},
		{Quantity: dec("1"), UnitCost: dec("2")},
	})
	require.True(t, ok)
	require.True(t, cost.Equal(dec("1.14")), cost.String())

	_, ok = WeightedCost(nil)
	require.False(t, ok)
}
