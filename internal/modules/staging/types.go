// Package staging owns the trade entry surface: pending trades, deal
// blocks with their allocations, the modify/delete adjustment planner,
// and the pipeline status machine.
package staging

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Pipeline statuses, in order. Status only ever moves forward.
const (
	StatusEntry     = "entry"
	StatusPreCheck  = "pre_check"
	StatusPosition  = "position"
	StatusAllocated = "allocated"
	StatusSettled   = "settled"
)

// Lifecycle values.
const (
	LifecycleActive    = "active"
	LifecycleCancelled = "cancelled"
	LifecycleDeleted   = "deleted"
)

// Staging levels.
const (
	LevelBlock      = "block"
	LevelAllocation = "allocation"
)

// source_system markers on adjustment stagings.
const (
	SourceModifyReversal    = "modify_reversal"
	SourceModifyReplacement = "modify_replacement"
	SourceDeleteReversal    = "delete_reversal"
)

// transactionSign maps transaction types to the sign applied to
// quantities. Unknown types are rejected at the API boundary.
var transactionSign = map[string]int{
	"BUY":        1,
	"SELL":       -1,
	"BuyEquity":  1,
	"SellEquity": -1,
}

// SignFor returns the quantity sign for a transaction type.
func SignFor(transactionType string) (decimal.Decimal, bool) {
	sign, ok := transactionSign[transactionType]
	if !ok {
		return decimal.Decimal{}, false
	}
	return decimal.NewFromInt(int64(sign)), true
}

// PendingTrade is one staged trade awaiting the settlement pipeline.
type PendingTrade struct {
	ID               int64
	Level            string
	DealBlockID      *int64
	DealAllocationID *int64
	PortfolioID      *int64
	InstrumentID     int64
	TradeDate        string
	SettleDate       *string
	Quantity         decimal.Decimal
	Price            decimal.Decimal
	QuoteCurrency    string
	ReportCurrency   *string
	QCGrossAmount    *decimal.Decimal
	RCGrossAmount    *decimal.Decimal
	Status           string
	Lifecycle        string
	EntryVersion     int64
	SourceSystem     *string
	ExternalID       *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DealBlock is the firm-level side of a block trade.
type DealBlock struct {
	ID            int64
	ExternalRef   *string
	InstrumentID  int64
	TradeDate     string
	SettleDate    *string
	TradeCurrency string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Lifecycle     string
}

// InvalidTransitionError is raised by the status guard when a trade
// cannot move to the requested status. The workflow treats it as
// non-retryable.
type InvalidTransitionError struct {
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s", e.Reason)
}
