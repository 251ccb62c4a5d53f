// Package money holds the decimal conventions used across the ledger:
// canonical serialization, money rounding, and block-to-allocation
// amount distribution.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Scales. Quantities and prices keep more precision than settled money.
const (
	MoneyScale    = 2
	QuantityScale = 10
	PriceScale    = 12
)

// Round rounds to money scale (2 decimal places), halves away from zero.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// Canonical renders a decimal in canonical form: plain notation, no
// exponent, no trailing fractional zeros, no trailing decimal point.
// "1.50" -> "1.5", "2.00" -> "2", "0.1000" -> "0.1".
func Canonical(d decimal.Decimal) string {
	return d.String()
}

// Parse parses a canonical or non-canonical decimal string.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}

// MustParse parses a decimal literal and panics on failure.
// For constants and tests only.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Distribution is the result of distributing a block's gross amount over
// its allocations so the rounded legs sum exactly to the rounded block.
type Distribution struct {
	BlockAmount decimal.Decimal   // round2(|total qty| * price)
	Amounts     []decimal.Decimal // one rounded amount per allocation
	// AdjustedIndex is the allocation absorbing the rounding residual,
	// -1 when the rounded legs already sum to the block amount.
	AdjustedIndex int
}

// Distribute computes per-allocation gross amounts for a block trade.
// Each allocation amount is round2(|qty| * price); any residual against
// the block amount lands on the allocation with the largest unrounded
// amount (first such allocation on ties).
func Distribute(absQuantities []decimal.Decimal, price decimal.Decimal) Distribution {
	total := decimal.Zero
	for _, q := range absQuantities {
		total = total.Add(q)
	}

	dist := Distribution{
		BlockAmount:   Round(total.Mul(price)),
		Amounts:       make([]decimal.Decimal, len(absQuantities)),
		AdjustedIndex: -1,
	}
	if len(absQuantities) == 0 {
		return dist
	}

	raw := make([]decimal.Decimal, len(absQuantities))
	sum := decimal.Zero
	for i, q := range absQuantities {
		raw[i] = q.Mul(price)
		dist.Amounts[i] = Round(raw[i])
		sum = sum.Add(dist.Amounts[i])
	}

	residual := dist.BlockAmount.Sub(sum)
	if residual.IsZero() {
		return dist
	}

	largest := 0
	for i := 1; i < len(raw); i++ {
		if raw[i].Abs().GreaterThan(raw[largest].Abs()) {
			largest = i
		}
	}
	dist.Amounts[largest] = dist.Amounts[largest].Add(residual)
	dist.AdjustedIndex = largest
	return dist
}
