package staging

import (
	"database/sql"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/polarisfin/polaris/internal/apierror"
	"github.com/polarisfin/polaris/internal/database"
	"github.com/polarisfin/polaris/internal/money"
)

type adjustmentMode int

const (
	// adjustmentModify reverses every current holder and replaces with
	// the full target set, preserving the audit trail of who held what.
	adjustmentModify adjustmentMode = iota
	// adjustmentDelete emits one reversal per current holder and zeroes
	// the block.
	adjustmentDelete
)

// planItem is one allocation leg of an adjustment.
type planItem struct {
	PortfolioID  int64
	Quantity     decimal.Decimal
	SourceSystem *string
}

// buildAdjustmentPlan produces the ordered allocation legs for an
// adjustment. Legs are deterministic: reversals for all current holders
// (ascending portfolio id) before replacements for all target holders
// (ascending portfolio id); delete mode emits per-holder deltas only.
func buildAdjustmentPlan(current, target map[int64]decimal.Decimal, mode adjustmentMode) []planItem {
	var plan []planItem

	if mode == adjustmentModify {
		reversal := SourceModifyReversal
		replacement := SourceModifyReplacement
		for _, pid := range sortedKeys(current) {
			if qty := current[pid]; !qty.IsZero() {
				plan = append(plan, planItem{PortfolioID: pid, Quantity: qty.Neg(), SourceSystem: &reversal})
			}
		}
		for _, pid := range sortedKeys(target) {
			if qty := target[pid]; !qty.IsZero() {
				plan = append(plan, planItem{PortfolioID: pid, Quantity: qty, SourceSystem: &replacement})
			}
		}
		return plan
	}

	deleteReversal := SourceDeleteReversal
	delta := make(map[int64]decimal.Decimal)
	for pid, qty := range current {
		delta[pid] = delta[pid].Sub(qty)
	}
	for pid, qty := range target {
		delta[pid] = delta[pid].Add(qty)
	}
	for _, pid := range sortedKeys(delta) {
		if qty := delta[pid]; !qty.IsZero() {
			plan = append(plan, planItem{PortfolioID: pid, Quantity: qty, SourceSystem: &deleteReversal})
		}
	}
	return plan
}

// applyAdjustment executes an adjustment plan in one transaction: the
// old allocations are soft-deleted, the new allocation rows and their
// staged trades are written, and the block is restated.
func (s *Service) applyAdjustment(block *DealBlock, target map[int64]decimal.Decimal, mode adjustmentMode) (*DealAdjustmentResponse, error) {
	var resp *DealAdjustmentResponse

	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		deals := s.deals.WithTx(tx)
		trades := s.trades.WithTx(tx)

		current, err := deals.ActiveQuantityByPortfolio(block.ID)
		if err != nil {
			return err
		}

		if err := deals.MarkAllocationsDeleted(block.ID); err != nil {
			return err
		}

		plan := buildAdjustmentPlan(current, target, mode)

		absQuantities := make([]decimal.Decimal, len(plan))
		blockDelta := decimal.Zero
		for i, item := range plan {
			absQuantities[i] = item.Quantity.Abs()
			blockDelta = blockDelta.Add(item.Quantity)
		}
		dist := money.Distribute(absQuantities, block.Price)

		blockStagingID, err := trades.Insert(&PendingTrade{
			Level:          LevelBlock,
			DealBlockID:    &block.ID,
			InstrumentID:   block.InstrumentID,
			TradeDate:      block.TradeDate,
			SettleDate:     block.SettleDate,
			Quantity:       blockDelta,
			Price:          block.Price,
			QuoteCurrency:  block.TradeCurrency,
			ReportCurrency: &block.TradeCurrency,
			QCGrossAmount:  &dist.BlockAmount,
			RCGrossAmount:  &dist.BlockAmount,
		})
		if err != nil {
			return err
		}

		allocResponses := make([]DealAllocationStagingResponse, 0, len(plan))
		for i, item := range plan {
			rowLifecycle := LifecycleActive
			if mode == adjustmentDelete {
				rowLifecycle = LifecycleDeleted
			}
			if item.SourceSystem != nil && *item.SourceSystem == SourceModifyReversal {
				rowLifecycle = LifecycleDeleted
			}

			allocationID, err := deals.InsertAllocation(
				block.ID, item.PortfolioID, item.Quantity, block.Price,
				dist.AdjustedIndex == i, rowLifecycle,
			)
			if err != nil {
				return err
			}

			reportCurrency, err := s.reportCurrencyTx(tx, item.PortfolioID)
			if err != nil {
				return err
			}

			amount := dist.Amounts[i]
			var allocRC *decimal.Decimal
			if block.TradeCurrency == reportCurrency {
				allocRC = &amount
			}
			stagingID, err := trades.Insert(&PendingTrade{
				Level:            LevelAllocation,
				DealBlockID:      &block.ID,
				DealAllocationID: &allocationID,
				PortfolioID:      &item.PortfolioID,
				InstrumentID:     block.InstrumentID,
				TradeDate:        block.TradeDate,
				SettleDate:       block.SettleDate,
				Quantity:         item.Quantity,
				Price:            block.Price,
				QuoteCurrency:    block.TradeCurrency,
				ReportCurrency:   &reportCurrency,
				QCGrossAmount:    &amount,
				RCGrossAmount:    allocRC,
				SourceSystem:     item.SourceSystem,
			})
			if err != nil {
				return err
			}

			allocResponses = append(allocResponses, DealAllocationStagingResponse{
				PortfolioID: strconv.FormatInt(item.PortfolioID, 10),
				Quantity:    money.Canonical(item.Quantity),
				AmountQC:    money.Canonical(amount),
				StagingID:   strconv.FormatInt(stagingID, 10),
			})
		}

		targetTotal := decimal.Zero
		for _, qty := range target {
			targetTotal = targetTotal.Add(qty)
		}
		newLifecycle := LifecycleActive
		if mode == adjustmentDelete {
			newLifecycle = LifecycleDeleted
			targetTotal = decimal.Zero
		}
		if err := deals.UpdateBlock(block.ID, targetTotal, newLifecycle); err != nil {
			return err
		}

		resp = &DealAdjustmentResponse{
			BlockStagingID:     strconv.FormatInt(blockStagingID, 10),
			DealBlockID:        strconv.FormatInt(block.ID, 10),
			BlockDeltaQuantity: money.Canonical(blockDelta),
			BlockAmountQC:      money.Canonical(dist.BlockAmount),
			AllocationStagings: allocResponses,
		}
		return nil
	})
	if err != nil {
		return nil, unwrapAPIError(err)
	}
	return resp, nil
}

// reportCurrencyTx reads a portfolio's report currency inside the
// adjustment transaction.
func (s *Service) reportCurrencyTx(tx *sql.Tx, portfolioID int64) (string, error) {
	var rc string
	err := tx.QueryRow(`SELECT report_currency FROM portfolio WHERE id = ?`, portfolioID).Scan(&rc)
	if err == sql.ErrNoRows {
		return "", apierror.New(404, "portfolio_not_found")
	}
	if err != nil {
		return "", err
	}
	return rc, nil
}

func sortedKeys(m map[int64]decimal.Decimal) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
