package staging

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/polarisfin/polaris/internal/database"
	"github.com/polarisfin/polaris/internal/money"
)

// ErrNotFound is returned when a pending trade does not exist.
var ErrNotFound = errors.New("pending trade not found")

const pendingTradeColumns = `id, level, deal_block_id, deal_allocation_id, portfolio_id,
	instrument_id, trade_date, settle_date, quantity, price, quote_currency,
	report_currency, qc_gross_amount, rc_gross_amount, status, lifecycle,
	entry_version, source_system, external_id, created_at, updated_at`

// Repository persists pending trades and their change audit.
type Repository struct {
	db  database.Querier
	log zerolog.Logger
}

// NewRepository creates a pending trade repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "staging").Logger(),
	}
}

// WithTx returns a copy of the repository bound to the transaction.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx, log: r.log}
}

// Insert writes a pending trade and returns its id.
func (r *Repository) Insert(t *PendingTrade) (int64, error) {
	now := time.Now().UTC().Unix()
	status := t.Status
	if status == "" {
		status = StatusEntry
	}
	lifecycle := t.Lifecycle
	if lifecycle == "" {
		lifecycle = LifecycleActive
	}
	entryVersion := t.EntryVersion
	if entryVersion == 0 {
		entryVersion = 1
	}

	res, err := r.db.Exec(
		`INSERT INTO pending_trade
		   (level, deal_block_id, deal_allocation_id, portfolio_id, instrument_id,
		    trade_date, settle_date, quantity, price, quote_currency, report_currency,
		    qc_gross_amount, rc_gross_amount, status, lifecycle, entry_version,
		    source_system, external_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Level, nullInt64(t.DealBlockID), nullInt64(t.DealAllocationID), nullInt64(t.PortfolioID),
		t.InstrumentID, t.TradeDate, nullString(t.SettleDate),
		money.Canonical(t.Quantity), money.Canonical(t.Price),
		t.QuoteCurrency, nullString(t.ReportCurrency),
		nullDecimal(t.QCGrossAmount), nullDecimal(t.RCGrossAmount),
		status, lifecycle, entryVersion,
		nullString(t.SourceSystem), nullString(t.ExternalID), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert pending trade: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read pending trade id: %w", err)
	}

	r.log.Info().Int64("staging_id", id).Str("level", t.Level).Msg("Pending trade staged")
	return id, nil
}

// Get returns a pending trade by id.
func (r *Repository) Get(id int64) (*PendingTrade, error) {
	row := r.db.QueryRow(
		`SELECT `+pendingTradeColumns+` FROM pending_trade WHERE id = ?`, id,
	)
	t, err := scanPendingTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending trade %d: %w", id, err)
	}
	return t, nil
}

// editableFields is the PATCH whitelist. Everything else on the row is
// pipeline-owned.
var editableFields = map[string]bool{
	"trade_date":      true,
	"settle_date":     true,
	"quantity":        true,
	"price":           true,
	"quote_currency":  true,
	"report_currency": true,
}

// UpdateEditable applies a guarded PATCH: the update only lands while
// status is still 'entry' and lifecycle 'active', bumping entry_version.
// Returns the refreshed row, or nil when the guard lost (concurrent
// update moved the trade on).
func (r *Repository) UpdateEditable(id int64, updates map[string]interface{}) (*PendingTrade, error) {
	if len(updates) == 0 {
		return r.Get(id)
	}

	fields := make([]string, 0, len(updates))
	for f := range updates {
		if !editableFields[f] {
			return nil, fmt.Errorf("field %s is not editable", f)
		}
		fields = append(fields, f)
	}
	sort.Strings(fields)

	setClauses := make([]string, 0, len(fields)+2)
	args := make([]interface{}, 0, len(fields)+3)
	for _, f := range fields {
		setClauses = append(setClauses, f+" = ?")
		args = append(args, updates[f])
	}
	setClauses = append(setClauses, "entry_version = entry_version + 1", "updated_at = ?")
	args = append(args, time.Now().UTC().Unix(), id)

	res, err := r.db.Exec(
		`UPDATE pending_trade SET `+strings.Join(setClauses, ", ")+`
		 WHERE id = ? AND status = 'entry' AND lifecycle = 'active'`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update pending trade %d: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read update result for trade %d: %w", id, err)
	}
	if rows == 0 {
		return nil, nil
	}
	return r.Get(id)
}

// InsertChange appends a change-audit row capturing the old and new
// images of a patched trade.
func (r *Repository) InsertChange(tradeID int64, actor, reason *string, oldRow, newRow interface{}) error {
	oldJSON, err := json.Marshal(oldRow)
	if err != nil {
		return fmt.Errorf("failed to marshal old row for trade %d: %w", tradeID, err)
	}
	newJSON, err := json.Marshal(newRow)
	if err != nil {
		return fmt.Errorf("failed to marshal new row for trade %d: %w", tradeID, err)
	}

	_, err = r.db.Exec(
		`INSERT INTO pending_trade_change (pending_trade_id, changed_at, actor, change_reason, old_row, new_row)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tradeID, time.Now().UTC().Unix(), nullString(actor), nullString(reason),
		string(oldJSON), string(newJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert change audit for trade %d: %w", tradeID, err)
	}
	return nil
}

// CountChanges returns the number of audit rows for a trade.
func (r *Repository) CountChanges(tradeID int64) (int, error) {
	var n int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM pending_trade_change WHERE pending_trade_id = ?`, tradeID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count changes for trade %d: %w", tradeID, err)
	}
	return n, nil
}

// AdvanceStatus is the only writer of pending_trade.status. The guarded
// UPDATE succeeds only from the expected prior status on an active row;
// a lost guard is re-read and classified: a trade already at the target
// is a no-op (retried activity), anything else is an invalid transition.
func (r *Repository) AdvanceStatus(id int64, from, to string) error {
	res, err := r.db.Exec(
		`UPDATE pending_trade
		 SET status = ?, entry_version = entry_version + 1, updated_at = ?
		 WHERE id = ? AND status = ? AND lifecycle = 'active'`,
		to, time.Now().UTC().Unix(), id, from,
	)
	if err != nil {
		return fmt.Errorf("failed to advance trade %d to %s: %w", id, to, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read advance result for trade %d: %w", id, err)
	}
	if rows > 0 {
		r.log.Info().Int64("staging_id", id).Str("from", from).Str("to", to).Msg("Status advanced")
		return nil
	}

	var status, lifecycle string
	err = r.db.QueryRow(`SELECT status, lifecycle FROM pending_trade WHERE id = ?`, id).
		Scan(&status, &lifecycle)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to re-read trade %d after lost guard: %w", id, err)
	}

	if lifecycle != LifecycleActive {
		return &InvalidTransitionError{Reason: fmt.Sprintf("lifecycle_not_active:%s", lifecycle)}
	}
	if status == to {
		// Another execution already landed this transition.
		return nil
	}
	return &InvalidTransitionError{Reason: fmt.Sprintf("status_mismatch:current=%s,expected=%s", status, from)}
}

// AllocationStagingIDs returns the ids of processable allocation-level
// stagings of a deal block (status entry, lifecycle active), oldest
// first.
func (r *Repository) AllocationStagingIDs(dealBlockID int64) ([]int64, error) {
	rows, err := r.db.Query(
		`SELECT id FROM pending_trade
		 WHERE deal_block_id = ? AND level = 'allocation' AND status = 'entry' AND lifecycle = 'active'
		 ORDER BY created_at ASC, id ASC`,
		dealBlockID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocation stagings for block %d: %w", dealBlockID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan allocation staging id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanPendingTrade(row *sql.Row) (*PendingTrade, error) {
	var (
		t                            PendingTrade
		dealBlockID, dealAllocID     sql.NullInt64
		portfolioID                  sql.NullInt64
		settleDate, reportCurrency   sql.NullString
		qcGross, rcGross             sql.NullString
		sourceSystem, externalID     sql.NullString
		quantityStr, priceStr        string
		createdAt, updatedAt         int64
	)
	err := row.Scan(
		&t.ID, &t.Level, &dealBlockID, &dealAllocID, &portfolioID,
		&t.InstrumentID, &t.TradeDate, &settleDate, &quantityStr, &priceStr,
		&t.QuoteCurrency, &reportCurrency, &qcGross, &rcGross,
		&t.Status, &t.Lifecycle, &t.EntryVersion, &sourceSystem, &externalID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if t.Quantity, err = money.Parse(quantityStr); err != nil {
		return nil, fmt.Errorf("corrupt quantity on trade %d: %w", t.ID, err)
	}
	if t.Price, err = money.Parse(priceStr); err != nil {
		return nil, fmt.Errorf("corrupt price on trade %d: %w", t.ID, err)
	}
	if dealBlockID.Valid {
		t.DealBlockID = &dealBlockID.Int64
	}
	if dealAllocID.Valid {
		t.DealAllocationID = &dealAllocID.Int64
	}
	if portfolioID.Valid {
		t.PortfolioID = &portfolioID.Int64
	}
	if settleDate.Valid {
		t.SettleDate = &settleDate.String
	}
	if reportCurrency.Valid {
		t.ReportCurrency = &reportCurrency.String
	}
	if qcGross.Valid {
		d, err := money.Parse(qcGross.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt qc_gross_amount on trade %d: %w", t.ID, err)
		}
		t.QCGrossAmount = &d
	}
	if rcGross.Valid {
		d, err := money.Parse(rcGross.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt rc_gross_amount on trade %d: %w", t.ID, err)
		}
		t.RCGrossAmount = &d
	}
	if sourceSystem.Valid {
		t.SourceSystem = &sourceSystem.String
	}
	if externalID.Valid {
		t.ExternalID = &externalID.String
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return money.Canonical(*d)
}
