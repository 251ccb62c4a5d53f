package staging

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/polarisfin/polaris/internal/database"
	"github.com/polarisfin/polaris/internal/money"
)

// DealRepository persists deal blocks and their allocations.
type DealRepository struct {
	db  database.Querier
	log zerolog.Logger
}

// NewDealRepository creates a deal repository.
func NewDealRepository(db *sql.DB, log zerolog.Logger) *DealRepository {
	return &DealRepository{
		db:  db,
		log: log.With().Str("repo", "deals").Logger(),
	}
}

// WithTx returns a copy of the repository bound to the transaction.
func (r *DealRepository) WithTx(tx *sql.Tx) *DealRepository {
	return &DealRepository{db: tx, log: r.log}
}

// CreateBlock inserts a deal block and returns its id.
func (r *DealRepository) CreateBlock(b *DealBlock) (int64, error) {
	now := time.Now().UTC().Unix()
	res, err := r.db.Exec(
		`INSERT INTO deal_block (external_ref, instrument_id, trade_date, settle_date, trade_currency, quantity, price, lifecycle, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'active', ?, ?)`,
		nullString(b.ExternalRef), b.InstrumentID, b.TradeDate, nullString(b.SettleDate),
		b.TradeCurrency, money.Canonical(b.Quantity), money.Canonical(b.Price), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create deal block: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read deal block id: %w", err)
	}
	r.log.Info().Int64("deal_block_id", id).Msg("Deal block created")
	return id, nil
}

// GetBlock returns a deal block by id, or nil when absent.
func (r *DealRepository) GetBlock(id int64) (*DealBlock, error) {
	var (
		b                       DealBlock
		externalRef, settleDate sql.NullString
		quantityStr, priceStr   string
	)
	err := r.db.QueryRow(
		`SELECT id, external_ref, instrument_id, trade_date, settle_date, trade_currency, quantity, price, lifecycle
		 FROM deal_block WHERE id = ?`, id,
	).Scan(&b.ID, &externalRef, &b.InstrumentID, &b.TradeDate, &settleDate,
		&b.TradeCurrency, &quantityStr, &priceStr, &b.Lifecycle)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deal block %d: %w", id, err)
	}

	if b.Quantity, err = money.Parse(quantityStr); err != nil {
		return nil, fmt.Errorf("corrupt deal block quantity %d: %w", id, err)
	}
	if b.Price, err = money.Parse(priceStr); err != nil {
		return nil, fmt.Errorf("corrupt deal block price %d: %w", id, err)
	}
	if externalRef.Valid {
		b.ExternalRef = &externalRef.String
	}
	if settleDate.Valid {
		b.SettleDate = &settleDate.String
	}
	return &b, nil
}

// ActiveQuantityByPortfolio sums active allocation quantities per
// portfolio for a block.
func (r *DealRepository) ActiveQuantityByPortfolio(blockID int64) (map[int64]decimal.Decimal, error) {
	rows, err := r.db.Query(
		`SELECT portfolio_id, quantity FROM deal_allocation
		 WHERE block_id = ? AND lifecycle = 'active'`,
		blockID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active allocations for block %d: %w", blockID, err)
	}
	defer rows.Close()

	result := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var (
			pid    int64
			qtyStr string
		)
		if err := rows.Scan(&pid, &qtyStr); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		qty, err := money.Parse(qtyStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt allocation quantity: %w", err)
		}
		result[pid] = result[pid].Add(qty)
	}
	return result, rows.Err()
}

// MarkAllocationsDeleted soft-deletes all active allocations of a block.
func (r *DealRepository) MarkAllocationsDeleted(blockID int64) error {
	_, err := r.db.Exec(
		`UPDATE deal_allocation SET lifecycle = 'deleted', updated_at = ?
		 WHERE block_id = ? AND lifecycle = 'active'`,
		time.Now().UTC().Unix(), blockID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark allocations deleted for block %d: %w", blockID, err)
	}
	return nil
}

// InsertAllocation writes one deal allocation row and returns its id.
func (r *DealRepository) InsertAllocation(blockID, portfolioID int64, quantity, price decimal.Decimal, isRoundingAdjustment bool, lifecycle string) (int64, error) {
	now := time.Now().UTC().Unix()
	adj := 0
	if isRoundingAdjustment {
		adj = 1
	}
	res, err := r.db.Exec(
		`INSERT INTO deal_allocation (block_id, portfolio_id, quantity, price, is_rounding_adjustment, lifecycle, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		blockID, portfolioID, money.Canonical(quantity), money.Canonical(price), adj, lifecycle, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert allocation for block %d: %w", blockID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read allocation id: %w", err)
	}
	return id, nil
}

// UpdateBlock rewrites a block's quantity and lifecycle after an
// adjustment lands.
func (r *DealRepository) UpdateBlock(blockID int64, quantity decimal.Decimal, lifecycle string) error {
	_, err := r.db.Exec(
		`UPDATE deal_block SET quantity = ?, lifecycle = ?, updated_at = ? WHERE id = ?`,
		money.Canonical(quantity), lifecycle, time.Now().UTC().Unix(), blockID,
	)
	if err != nil {
		return fmt.Errorf("failed to update deal block %d: %w", blockID, err)
	}
	return nil
}
