package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/polarisfin/polaris/internal/database"
	"github.com/polarisfin/polaris/internal/money"
)

// Position is the current holding of one instrument in one portfolio.
// quantity is additive: signed journal quantities accumulate into it.
type Position struct {
	PortfolioID        int64
	InstrumentID       int64
	Quantity           decimal.Decimal
	CostBasisRC        *decimal.Decimal
	LastJournalEntryID *int64
	VersionUUID        string
	UpdatedAt          time.Time
}

// Holder is a portfolio holding a non-zero quantity of an instrument.
type Holder struct {
	PortfolioID int64
	Quantity    decimal.Decimal
}

// SnapshotRow is one row of the end-of-day position snapshot.
type SnapshotRow struct {
	AsofDate     string
	PortfolioID  int64
	InstrumentID int64
	Quantity     decimal.Decimal
}

// PositionRepository maintains position_current and the EOD snapshots.
type PositionRepository struct {
	db  database.Querier
	log zerolog.Logger
}

// NewPositionRepository creates a position repository.
func NewPositionRepository(db *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:  db,
		log: log.With().Str("repo", "position").Logger(),
	}
}

// WithTx returns a copy of the repository bound to the transaction.
func (r *PositionRepository) WithTx(tx *sql.Tx) *PositionRepository {
	return &PositionRepository{db: tx, log: r.log}
}

// ApplyDelta adds a signed quantity to a position, rotating its
// version_uuid. Must run inside the transaction that writes the journal
// entry producing the delta.
func (r *PositionRepository) ApplyDelta(portfolioID, instrumentID int64, delta decimal.Decimal, journalEntryID int64) (*Position, error) {
	current := decimal.Zero

	var qtyStr string
	err := r.db.QueryRow(
		`SELECT quantity FROM position_current WHERE portfolio_id = ? AND instrument_id = ?`,
		portfolioID, instrumentID,
	).Scan(&qtyStr)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read position %d/%d: %w", portfolioID, instrumentID, err)
	}
	if err == nil {
		current, err = money.Parse(qtyStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt position quantity %d/%d: %w", portfolioID, instrumentID, err)
		}
	}

	next := current.Add(delta)
	version := uuid.New().String()
	now := time.Now().UTC()

	_, err = r.db.Exec(
		`INSERT INTO position_current (portfolio_id, instrument_id, quantity, last_journal_entry_id, version_uuid, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(portfolio_id, instrument_id) DO UPDATE SET
		   quantity = excluded.quantity,
		   last_journal_entry_id = excluded.last_journal_entry_id,
		   version_uuid = excluded.version_uuid,
		   updated_at = excluded.updated_at`,
		portfolioID, instrumentID, money.Canonical(next), journalEntryID, version, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert position %d/%d: %w", portfolioID, instrumentID, err)
	}

	r.log.Debug().
		Int64("portfolio_id", portfolioID).
		Int64("instrument_id", instrumentID).
		Str("delta", money.Canonical(delta)).
		Str("quantity", money.Canonical(next)).
		Msg("Position updated")

	return &Position{
		PortfolioID:        portfolioID,
		InstrumentID:       instrumentID,
		Quantity:           next,
		LastJournalEntryID: &journalEntryID,
		VersionUUID:        version,
		UpdatedAt:          now,
	}, nil
}

// Get returns the current position, or nil when none exists.
func (r *PositionRepository) Get(portfolioID, instrumentID int64) (*Position, error) {
	var (
		p         Position
		qtyStr    string
		entryID   sql.NullInt64
		updatedAt int64
	)
	err := r.db.QueryRow(
		`SELECT portfolio_id, instrument_id, quantity, last_journal_entry_id, version_uuid, updated_at
		 FROM position_current WHERE portfolio_id = ? AND instrument_id = ?`,
		portfolioID, instrumentID,
	).Scan(&p.PortfolioID, &p.InstrumentID, &qtyStr, &entryID, &p.VersionUUID, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position %d/%d: %w", portfolioID, instrumentID, err)
	}

	p.Quantity, err = money.Parse(qtyStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt position quantity %d/%d: %w", portfolioID, instrumentID, err)
	}
	if entryID.Valid {
		p.LastJournalEntryID = &entryID.Int64
	}
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}

// ListByPortfolio returns all non-zero positions of a portfolio,
// ordered by instrument id.
func (r *PositionRepository) ListByPortfolio(portfolioID int64) ([]Position, error) {
	rows, err := r.db.Query(
		`SELECT portfolio_id, instrument_id, quantity, last_journal_entry_id, version_uuid, updated_at
		 FROM position_current
		 WHERE portfolio_id = ? AND CAST(quantity AS REAL) != 0
		 ORDER BY instrument_id`,
		portfolioID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions for portfolio %d: %w", portfolioID, err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var (
			p         Position
			qtyStr    string
			entryID   sql.NullInt64
			updatedAt int64
		)
		if err := rows.Scan(&p.PortfolioID, &p.InstrumentID, &qtyStr, &entryID, &p.VersionUUID, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		if entryID.Valid {
			p.LastJournalEntryID = &entryID.Int64
		}
		p.Quantity, err = money.Parse(qtyStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt position quantity: %w", err)
		}
		p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Holders returns every portfolio holding a non-zero quantity of the
// instrument, ordered by portfolio id.
func (r *PositionRepository) Holders(instrumentID int64) ([]Holder, error) {
	rows, err := r.db.Query(
		`SELECT portfolio_id, quantity FROM position_current
		 WHERE instrument_id = ? AND CAST(quantity AS REAL) != 0
		 ORDER BY portfolio_id`,
		instrumentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list holders of instrument %d: %w", instrumentID, err)
	}
	defer rows.Close()

	var holders []Holder
	for rows.Next() {
		var (
			h      Holder
			qtyStr string
		)
		if err := rows.Scan(&h.PortfolioID, &qtyStr); err != nil {
			return nil, fmt.Errorf("failed to scan holder: %w", err)
		}
		h.Quantity, err = money.Parse(qtyStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt holder quantity: %w", err)
		}
		holders = append(holders, h)
	}
	return holders, rows.Err()
}

// SnapshotEOD materializes the portfolio's current positions into the
// EOD snapshot for asofDate. Re-running upserts, so a retried activity
// converges on the same snapshot.
func (r *PositionRepository) SnapshotEOD(portfolioID int64, asofDate string) (int, error) {
	positions, err := r.ListByPortfolio(portfolioID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC().Unix()
	for _, p := range positions {
		var entryID interface{}
		if p.LastJournalEntryID != nil {
			entryID = *p.LastJournalEntryID
		}
		_, err := r.db.Exec(
			`INSERT INTO position_snapshot_eod (asof_date, portfolio_id, instrument_id, quantity, through_entry_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(asof_date, portfolio_id, instrument_id) DO UPDATE SET
			   quantity = excluded.quantity,
			   through_entry_id = excluded.through_entry_id`,
			asofDate, p.PortfolioID, p.InstrumentID, money.Canonical(p.Quantity), entryID, now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to snapshot position %d/%d for %s: %w",
				p.PortfolioID, p.InstrumentID, asofDate, err)
		}
	}

	r.log.Info().
		Int64("portfolio_id", portfolioID).
		Str("asof_date", asofDate).
		Int("positions", len(positions)).
		Msg("EOD position snapshot taken")
	return len(positions), nil
}

// SnapshotTakenAt returns when the EOD snapshot for a portfolio and
// date was last written, or nil when no snapshot exists.
func (r *PositionRepository) SnapshotTakenAt(portfolioID int64, asofDate string) (*time.Time, error) {
	var createdAt sql.NullInt64
	err := r.db.QueryRow(
		`SELECT MAX(created_at) FROM position_snapshot_eod WHERE portfolio_id = ? AND asof_date = ?`,
		portfolioID, asofDate,
	).Scan(&createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot time %d/%s: %w", portfolioID, asofDate, err)
	}
	if !createdAt.Valid {
		return nil, nil
	}
	t := time.Unix(createdAt.Int64, 0).UTC()
	return &t, nil
}

// ListSnapshot returns the non-zero snapshot rows of a portfolio for a
// date, ordered by instrument id.
func (r *PositionRepository) ListSnapshot(portfolioID int64, asofDate string) ([]SnapshotRow, error) {
	rows, err := r.db.Query(
		`SELECT asof_date, portfolio_id, instrument_id, quantity
		 FROM position_snapshot_eod
		 WHERE portfolio_id = ? AND asof_date = ? AND CAST(quantity AS REAL) != 0
		 ORDER BY instrument_id`,
		portfolioID, asofDate,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot %d/%s: %w", portfolioID, asofDate, err)
	}
	defer rows.Close()

	var result []SnapshotRow
	for rows.Next() {
		var (
			row    SnapshotRow
			qtyStr string
		)
		if err := rows.Scan(&row.AsofDate, &row.PortfolioID, &row.InstrumentID, &qtyStr); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		row.Quantity, err = money.Parse(qtyStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt snapshot quantity: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
