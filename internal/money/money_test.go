package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundHalfAwayFromZero(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"33.335", "33.34"},
		{"-33.335", "-33.34"},
		{"2.344", "2.34"},
		{"2.345", "2.35"},
		{"100.005", "100.01"},
		{"0", "0"},
	}
	for _, tt := range tests {
		got := Round(MustParse(tt.in))
		assert.Equal(t, tt.want, Canonical(got), "round(%s)", tt.in)
	}
}

func TestCanonicalStripsTrailingZeros(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1.50", "1.5"},
		{"2.00", "2"},
		{"0.1000", "0.1"},
		{"-3.1400", "-3.14"},
		{"10", "10"},
		{"0.00", "0"},
	}
	for _, tt := range tests {
		d, err := Parse(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, Canonical(d))
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("12,5")
	assert.Error(t, err)
	_, err = Parse("")
	assert.Error(t, err)
}

func TestDistributeNoResidual(t *testing.T) {
	// 300 * 100.01 = 30003.00 and each leg of 100 rounds cleanly, so no
	// adjustment is needed.
	qty := []decimal.Decimal{MustParse("100"), MustParse("100"), MustParse("100")}
	dist := Distribute(qty, MustParse("100.01"))

	assert.Equal(t, "30003", Canonical(dist.BlockAmount))
	assert.Equal(t, -1, dist.AdjustedIndex)
	for _, a := range dist.Amounts {
		assert.Equal(t, "10001", Canonical(a))
	}
}

func TestDistributeResidualOnLargestLeg(t *testing.T) {
	// Legs 3 and 7 at 33.335: each rounds to 100.01 / 233.35, block is
	// 10 * 33.335 = 333.35. Residual lands on the larger leg.
	qty := []decimal.Decimal{MustParse("3"), MustParse("7")}
	dist := Distribute(qty, MustParse("33.335"))

	assert.Equal(t, "333.35", Canonical(dist.BlockAmount))

	sum := decimal.Zero
	for _, a := range dist.Amounts {
		sum = sum.Add(a)
	}
	assert.True(t, sum.Equal(dist.BlockAmount), "allocations must sum to block")

	if dist.AdjustedIndex != -1 {
		assert.Equal(t, 1, dist.AdjustedIndex, "residual belongs to the largest raw amount")
	}
}

func TestDistributeAlwaysSumsToBlock(t *testing.T) {
	cases := []struct {
		qty   []string
		price string
	}{
		{[]string{"1", "1", "1"}, "0.01"},
		{[]string{"33", "33", "34"}, "1.005"},
		{[]string{"7", "11", "13"}, "99.995"},
		{[]string{"0.5", "0.25", "0.25"}, "123.456789"},
	}
	for _, c := range cases {
		qs := make([]decimal.Decimal, len(c.qty))
		for i, q := range c.qty {
			qs[i] = MustParse(q)
		}
		dist := Distribute(qs, MustParse(c.price))

		sum := decimal.Zero
		for _, a := range dist.Amounts {
			sum = sum.Add(a)
		}
		require.True(t, sum.Equal(dist.BlockAmount),
			"qty=%v price=%s: sum %s != block %s", c.qty, c.price, sum, dist.BlockAmount)
	}
}

func TestDistributeTieGoesToFirstLargest(t *testing.T) {
	qty := []decimal.Decimal{MustParse("5"), MustParse("5")}
	dist := Distribute(qty, MustParse("10.001"))

	sum := decimal.Zero
	for _, a := range dist.Amounts {
		sum = sum.Add(a)
	}
	require.True(t, sum.Equal(dist.BlockAmount))
	if dist.AdjustedIndex != -1 {
		assert.Equal(t, 0, dist.AdjustedIndex)
	}
}

func TestDistributeEmpty(t *testing.T) {
	dist := Distribute(nil, MustParse("10"))
	assert.Equal(t, "0", Canonical(dist.BlockAmount))
	assert.Empty(t, dist.Amounts)
	assert.Equal(t, -1, dist.AdjustedIndex)
}
