// Package journal is the immutable double-entry book of record.
// Entries are never updated; corrections arrive as reversal or
// replacement entries pointing at the entry they supersede.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/polarisfin/polaris/internal/database"
	"github.com/polarisfin/polaris/internal/money"
)

// Entry roles.
const (
	RoleNormal      = "normal"
	RoleReversal    = "reversal"
	RoleReplacement = "replacement"
)

// Account codes used by the posting rules.
const (
	AccountPosition       = "POSITION"
	AccountCash           = "CASH"
	AccountDividendIncome = "DIVIDEND_INCOME"
	AccountStockSplit     = "STOCK_SPLIT"
)

// Debit/credit markers.
const (
	Debit  = "DR"
	Credit = "CR"
)

// Entry is one journal entry header.
type Entry struct {
	ID                   int64
	PendingTradeID       *int64
	DealBlockID          *int64
	DealAllocationID     *int64
	CAEventID            *int64
	EffectiveDate        string
	PostedAt             time.Time
	TradeType            string
	EntryRole            string
	Description          *string
	ReversalOfEntryID    *int64
	ReplacementOfEntryID *int64
}

// Line is one leg of a journal entry.
type Line struct {
	JournalEntryID int64
	PortfolioID    *int64
	InstrumentID   *int64
	AccountCode    string
	DrCr           string
	Quantity       *decimal.Decimal
	Amount         decimal.Decimal
	Currency       string
}

// Repository handles journal persistence.
type Repository struct {
	db  database.Querier
	log zerolog.Logger
}

// NewRepository creates a journal repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "journal").Logger(),
	}
}

// WithTx returns a copy of the repository bound to the transaction.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx, log: r.log}
}

// InsertEntry writes a journal entry header and returns its id.
func (r *Repository) InsertEntry(e Entry) (int64, error) {
	now := time.Now().UTC()
	postedAt := e.PostedAt
	if postedAt.IsZero() {
		postedAt = now
	}

	res, err := r.db.Exec(
		`INSERT INTO journal_entry
		   (pending_trade_id, deal_block_id, deal_allocation_id, ca_event_id,
		    effective_date, posted_at, trade_type, entry_role, description,
		    reversal_of_entry_id, replacement_of_entry_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullInt64(e.PendingTradeID), nullInt64(e.DealBlockID), nullInt64(e.DealAllocationID),
		nullInt64(e.CAEventID), e.EffectiveDate, postedAt.Unix(), e.TradeType,
		e.EntryRole, nullString(e.Description),
		nullInt64(e.ReversalOfEntryID), nullInt64(e.ReplacementOfEntryID), now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert journal entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read journal entry id: %w", err)
	}

	r.log.Info().
		Int64("journal_entry_id", id).
		Str("trade_type", e.TradeType).
		Str("entry_role", e.EntryRole).
		Msg("Journal entry posted")
	return id, nil
}

// InsertLine writes one leg of a journal entry.
func (r *Repository) InsertLine(l Line) error {
	var qty interface{}
	if l.Quantity != nil {
		qty = money.Canonical(*l.Quantity)
	}

	_, err := r.db.Exec(
		`INSERT INTO journal_entry_line
		   (journal_entry_id, portfolio_id, instrument_id, account_code, drcr, quantity, amount, currency, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.JournalEntryID, nullInt64(l.PortfolioID), nullInt64(l.InstrumentID),
		l.AccountCode, l.DrCr, qty, money.Canonical(l.Amount), l.Currency,
		time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert journal line for entry %d: %w", l.JournalEntryID, err)
	}
	return nil
}

// LatestNormalEntryForBlock returns the id of the most recent entry with
// role 'normal' for a deal block, or nil when the block has none.
// Reversal and replacement entries reference this entry.
func (r *Repository) LatestNormalEntryForBlock(dealBlockID int64) (*int64, error) {
	var id int64
	err := r.db.QueryRow(
		`SELECT id FROM journal_entry
		 WHERE deal_block_id = ? AND entry_role = ?
		 ORDER BY id DESC LIMIT 1`,
		dealBlockID, RoleNormal,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest normal entry for block %d: %w", dealBlockID, err)
	}
	return &id, nil
}

// CountForTrade returns the number of journal entries referencing a
// pending trade. Used to verify activity idempotency.
func (r *Repository) CountForTrade(pendingTradeID int64) (int, error) {
	var n int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM journal_entry WHERE pending_trade_id = ?`, pendingTradeID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries for trade %d: %w", pendingTradeID, err)
	}
	return n, nil
}

// Lines returns the legs of an entry ordered by insertion.
func (r *Repository) Lines(journalEntryID int64) ([]Line, error) {
	rows, err := r.db.Query(
		`SELECT journal_entry_id, portfolio_id, instrument_id, account_code, drcr, quantity, amount, currency
		 FROM journal_entry_line WHERE journal_entry_id = ? ORDER BY id`,
		journalEntryID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list lines for entry %d: %w", journalEntryID, err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var (
			l             Line
			pid, iid      sql.NullInt64
			qty           sql.NullString
			amountStr     string
		)
		if err := rows.Scan(&l.JournalEntryID, &pid, &iid, &l.AccountCode, &l.DrCr, &qty, &amountStr, &l.Currency); err != nil {
			return nil, fmt.Errorf("failed to scan journal line: %w", err)
		}
		if pid.Valid {
			l.PortfolioID = &pid.Int64
		}
		if iid.Valid {
			l.InstrumentID = &iid.Int64
		}
		if qty.Valid {
			q, err := money.Parse(qty.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt journal line quantity: %w", err)
			}
			l.Quantity = &q
		}
		l.Amount, err = money.Parse(amountStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt journal line amount: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
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
