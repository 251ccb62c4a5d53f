// Package corporateactions applies cash dividends and stock splits to
// the portfolios holding an affected instrument.
package corporateactions

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/polarisfin/polaris/internal/database"
	"github.com/polarisfin/polaris/internal/money"
)

// Event types.
const (
	TypeCashDividend = "cash_dividend"
	TypeStockSplit   = "stock_split"
)

// Event statuses.
const (
	StatusAnnounced = "announced"
	StatusProcessed = "processed"
	StatusCancelled = "cancelled"
)

// Election choices.
const (
	ChoiceAccept  = "accept"
	ChoiceDecline = "decline"
)

// Event is one announced corporate action.
type Event struct {
	ID                 int64
	CAType             string
	InstrumentID       int64
	ExDate             string
	RecordDate         *string
	PayDate            *string
	Currency           *string
	CashAmountPerShare *decimal.Decimal
	SplitNumerator     *decimal.Decimal
	SplitDenominator   *decimal.Decimal
	RequireElection    bool
	Status             string
	Lifecycle          string
}

// Repository persists CA events, elections, rules, and effects.
type Repository struct {
	db  database.Querier
	log zerolog.Logger
}

// NewRepository creates a corporate-action repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "corporate_actions").Logger(),
	}
}

// WithTx returns a copy of the repository bound to the transaction.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx, log: r.log}
}

// CreateEvent inserts an announced event and returns its id.
func (r *Repository) CreateEvent(e *Event) (int64, error) {
	now := time.Now().UTC().Unix()
	res, err := r.db.Exec(
		`INSERT INTO ca_event
		   (ca_type, instrument_id, ex_date, record_date, pay_date, currency,
		    cash_amount_per_share, split_numerator, split_denominator,
		    require_election, status, lifecycle, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'announced', 'active', ?, ?)`,
		e.CAType, e.InstrumentID, e.ExDate,
		nullStr(e.RecordDate), nullStr(e.PayDate), nullStr(e.Currency),
		nullDec(e.CashAmountPerShare), nullDec(e.SplitNumerator), nullDec(e.SplitDenominator),
		boolInt(e.RequireElection), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create ca event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read ca event id: %w", err)
	}
	r.log.Info().Int64("ca_event_id", id).Str("ca_type", e.CAType).Msg("Corporate action announced")
	return id, nil
}

// GetEvent returns an event by id, or nil when absent.
func (r *Repository) GetEvent(id int64) (*Event, error) {
	var (
		e                               Event
		recordDate, payDate, currency   sql.NullString
		perShare, numerator, denominator sql.NullString
		requireElection                 int
	)
	err := r.db.QueryRow(
		`SELECT id, ca_type, instrument_id, ex_date, record_date, pay_date, currency,
		        cash_amount_per_share, split_numerator, split_denominator,
		        require_election, status, lifecycle
		 FROM ca_event WHERE id = ?`, id,
	).Scan(&e.ID, &e.CAType, &e.InstrumentID, &e.ExDate, &recordDate, &payDate, &currency,
		&perShare, &numerator, &denominator, &requireElection, &e.Status, &e.Lifecycle)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ca event %d: %w", id, err)
	}

	e.RequireElection = requireElection != 0
	if recordDate.Valid {
		e.RecordDate = &recordDate.String
	}
	if payDate.Valid {
		e.PayDate = &payDate.String
	}
	if currency.Valid {
		e.Currency = &currency.String
	}
	for _, f := range []struct {
		src sql.NullString
		dst **decimal.Decimal
	}{
		{perShare, &e.CashAmountPerShare},
		{numerator, &e.SplitNumerator},
		{denominator, &e.SplitDenominator},
	} {
		if f.src.Valid {
			d, err := money.Parse(f.src.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt ca event decimal %d: %w", id, err)
			}
			*f.dst = &d
		}
	}
	return &e, nil
}

// UpsertElection records a portfolio's choice for an event; a repeated
// election replaces the previous one.
func (r *Repository) UpsertElection(eventID, portfolioID int64, choice string, actor *string) error {
	now := time.Now().UTC().Unix()
	_, err := r.db.Exec(
		`INSERT INTO ca_election (ca_event_id, portfolio_id, choice, actor, elected_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(ca_event_id, portfolio_id) DO UPDATE SET
		   choice = excluded.choice,
		   actor = excluded.actor,
		   elected_at = excluded.elected_at`,
		eventID, portfolioID, choice, nullStr(actor), now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert election %d/%d: %w", eventID, portfolioID, err)
	}
	return nil
}

// ElectionChoice returns the recorded choice for (event, portfolio), or
// nil when the portfolio has not elected.
func (r *Repository) ElectionChoice(eventID, portfolioID int64) (*string, error) {
	var choice string
	err := r.db.QueryRow(
		`SELECT choice FROM ca_election WHERE ca_event_id = ? AND portfolio_id = ?`,
		eventID, portfolioID,
	).Scan(&choice)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read election %d/%d: %w", eventID, portfolioID, err)
	}
	return &choice, nil
}

// RuleRequiresElection returns the portfolio-level election rule for a
// CA type, or nil when no rule exists.
func (r *Repository) RuleRequiresElection(portfolioID int64, caType string) (*bool, error) {
	var req int
	err := r.db.QueryRow(
		`SELECT require_election FROM ca_portfolio_rule WHERE portfolio_id = ? AND ca_type = ?`,
		portfolioID, caType,
	).Scan(&req)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ca rule %d/%s: %w", portfolioID, caType, err)
	}
	b := req != 0
	return &b, nil
}

// ClaimEffect inserts the per-holder effect row, the at-most-once lock
// for applying an event to a portfolio. Returns false when another
// execution already claimed it.
func (r *Repository) ClaimEffect(eventID, portfolioID int64) (bool, error) {
	now := time.Now().UTC().Unix()
	res, err := r.db.Exec(
		`INSERT INTO ca_effect (ca_event_id, portfolio_id, cash_amount, share_delta, created_at, updated_at)
		 VALUES (?, ?, '0', '0', ?, ?)
		 ON CONFLICT(ca_event_id, portfolio_id) DO NOTHING`,
		eventID, portfolioID, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim ca effect %d/%d: %w", eventID, portfolioID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read ca effect claim result: %w", err)
	}
	return rows > 0, nil
}

// FinalizeEffect records the journal entry and amounts for a claimed
// effect.
func (r *Repository) FinalizeEffect(eventID, portfolioID, journalEntryID int64, cashAmount decimal.Decimal, cashCurrency *string, shareDelta decimal.Decimal) error {
	_, err := r.db.Exec(
		`UPDATE ca_effect
		 SET journal_entry_id = ?, cash_amount = ?, cash_currency = ?, share_delta = ?, updated_at = ?
		 WHERE ca_event_id = ? AND portfolio_id = ?`,
		journalEntryID, money.Canonical(cashAmount), nullStr(cashCurrency),
		money.Canonical(shareDelta), time.Now().UTC().Unix(), eventID, portfolioID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize ca effect %d/%d: %w", eventID, portfolioID, err)
	}
	return nil
}

// MarkProcessed advances the event to processed.
func (r *Repository) MarkProcessed(eventID int64) error {
	_, err := r.db.Exec(
		`UPDATE ca_event SET status = 'processed', updated_at = ? WHERE id = ?`,
		time.Now().UTC().Unix(), eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark ca event %d processed: %w", eventID, err)
	}
	return nil
}

func nullStr(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullDec(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return money.Canonical(*d)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
