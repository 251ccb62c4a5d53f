package staging

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polarisfin/polaris/internal/money"
)

func qty(s string) decimal.Decimal {
	return money.MustParse(s)
}

func TestBuildAdjustmentPlanModifyOrdering(t *testing.T) {
	current := map[int64]decimal.Decimal{
		7: qty("60"),
		3: qty("40"),
	}
	target := map[int64]decimal.Decimal{
		9: qty("30"),
		3: qty("70"),
	}

	plan := buildAdjustmentPlan(current, target, adjustmentModify)
	require.Len(t, plan, 4)

	// Reversals for all current holders, ascending portfolio id, then
	// replacements for all target holders, ascending portfolio id.
	assert.Equal(t, int64(3), plan[0].PortfolioID)
	assert.Equal(t, "-40", money.Canonical(plan[0].Quantity))
	assert.Equal(t, SourceModifyReversal, *plan[0].SourceSystem)

	assert.Equal(t, int64(7), plan[1].PortfolioID)
	assert.Equal(t, "-60", money.Canonical(plan[1].Quantity))
	assert.Equal(t, SourceModifyReversal, *plan[1].SourceSystem)

	assert.Equal(t, int64(3), plan[2].PortfolioID)
	assert.Equal(t, "70", money.Canonical(plan[2].Quantity))
	assert.Equal(t, SourceModifyReplacement, *plan[2].SourceSystem)

	assert.Equal(t, int64(9), plan[3].PortfolioID)
	assert.Equal(t, "30", money.Canonical(plan[3].Quantity))
	assert.Equal(t, SourceModifyReplacement, *plan[3].SourceSystem)
}

func TestBuildAdjustmentPlanModifySkipsZeroLegs(t *testing.T) {
	current := map[int64]decimal.Decimal{1: qty("0"), 2: qty("10")}
	target := map[int64]decimal.Decimal{2: qty("10"), 3: qty("0")}

	plan := buildAdjustmentPlan(current, target, adjustmentModify)
	require.Len(t, plan, 2)
	assert.Equal(t, "-10", money.Canonical(plan[0].Quantity))
	assert.Equal(t, "10", money.Canonical(plan[1].Quantity))
}

func TestBuildAdjustmentPlanDeleteEmitsPerHolderDeltas(t *testing.T) {
	current := map[int64]decimal.Decimal{
		5: qty("25"),
		2: qty("75"),
	}

	plan := buildAdjustmentPlan(current, map[int64]decimal.Decimal{}, adjustmentDelete)
	require.Len(t, plan, 2)

	assert.Equal(t, int64(2), plan[0].PortfolioID)
	assert.Equal(t, "-75", money.Canonical(plan[0].Quantity))
	assert.Equal(t, SourceDeleteReversal, *plan[0].SourceSystem)

	assert.Equal(t, int64(5), plan[1].PortfolioID)
	assert.Equal(t, "-25", money.Canonical(plan[1].Quantity))
	assert.Equal(t, SourceDeleteReversal, *plan[1].SourceSystem)
}

func TestBuildAdjustmentPlanDeleteCancelsMatchingTarget(t *testing.T) {
	current := map[int64]decimal.Decimal{4: qty("50")}
	target := map[int64]decimal.Decimal{4: qty("50")}

	plan := buildAdjustmentPlan(current, target, adjustmentDelete)
	assert.Empty(t, plan, "matching target yields no delta legs")
}
