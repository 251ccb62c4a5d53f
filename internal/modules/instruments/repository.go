// Package instruments is the instrument registry, including the
// auto-provisioned per-currency cash instruments.
package instruments

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polarisfin/polaris/internal/database"
)

// Instrument types.
const (
	TypeEquity = "equity"
	TypeBond   = "bond"
	TypeCash   = "cash"
)

// ErrNotFound is returned when an instrument does not exist.
var ErrNotFound = errors.New("instrument not found")

// Instrument is a tradable or cash instrument.
type Instrument struct {
	ID         int64
	Type       string
	SecurityID *string
	Symbol     *string
	Name       *string
	Currency   *string
	Lifecycle  string
}

// Repository handles instrument persistence.
type Repository struct {
	db  database.Querier
	log zerolog.Logger
}

// NewRepository creates an instrument repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "instruments").Logger(),
	}
}

// WithTx returns a copy of the repository bound to the transaction.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx, log: r.log}
}

// Create inserts an instrument and returns its id.
func (r *Repository) Create(instrumentType string, securityID, symbol, name, currency *string) (int64, error) {
	now := time.Now().UTC().Unix()
	res, err := r.db.Exec(
		`INSERT INTO instrument (instrument_type, security_id, symbol, name, currency, lifecycle, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'active', ?, ?)`,
		instrumentType, nullString(securityID), nullString(symbol), nullString(name), nullString(currency), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create instrument: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read instrument id: %w", err)
	}
	r.log.Info().Int64("instrument_id", id).Str("type", instrumentType).Msg("Instrument created")
	return id, nil
}

// Get returns an instrument by id.
func (r *Repository) Get(id int64) (*Instrument, error) {
	var (
		inst                               Instrument
		securityID, symbol, name, currency sql.NullString
	)
	err := r.db.QueryRow(
		`SELECT id, instrument_type, security_id, symbol, name, currency, lifecycle
		 FROM instrument WHERE id = ?`, id,
	).Scan(&inst.ID, &inst.Type, &securityID, &symbol, &name, &currency, &inst.Lifecycle)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instrument %d: %w", id, err)
	}
	inst.SecurityID = fromNullString(securityID)
	inst.Symbol = fromNullString(symbol)
	inst.Name = fromNullString(name)
	inst.Currency = fromNullString(currency)
	return &inst, nil
}

// Exists reports whether an instrument id exists.
func (r *Repository) Exists(id int64) (bool, error) {
	var one int
	err := r.db.QueryRow(`SELECT 1 FROM instrument WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check instrument %d: %w", id, err)
	}
	return true, nil
}

// TypeOf returns the instrument_type of an instrument.
func (r *Repository) TypeOf(id int64) (string, error) {
	var instrumentType string
	err := r.db.QueryRow(`SELECT instrument_type FROM instrument WHERE id = ?`, id).Scan(&instrumentType)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get instrument type %d: %w", id, err)
	}
	return instrumentType, nil
}

// TypesByIDs returns instrument_type per id for a batch of instruments.
func (r *Repository) TypesByIDs(ids []int64) (map[int64]string, error) {
	types := make(map[int64]string, len(ids))
	for _, id := range ids {
		t, err := r.TypeOf(id)
		if err != nil {
			return nil, err
		}
		types[id] = t
	}
	return types, nil
}

// GetOrCreateCash returns the cash instrument for a currency,
// provisioning it on first use under security id CASH_{CCY}.
func (r *Repository) GetOrCreateCash(currency string) (int64, error) {
	currency = strings.ToUpper(currency)
	securityID := "CASH_" + currency

	var id int64
	err := r.db.QueryRow(
		`SELECT id FROM instrument WHERE instrument_type = ? AND security_id = ?`,
		TypeCash, securityID,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to look up cash instrument %s: %w", securityID, err)
	}

	now := time.Now().UTC().Unix()
	name := "Cash " + currency
	res, err := r.db.Exec(
		`INSERT INTO instrument (instrument_type, security_id, symbol, name, currency, lifecycle, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'active', ?, ?)
		 ON CONFLICT(security_id) DO NOTHING`,
		TypeCash, securityID, securityID, name, currency, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to provision cash instrument %s: %w", securityID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cash provisioning result: %w", err)
	}
	if rows > 0 {
		id, err = res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to read cash instrument id: %w", err)
		}
		r.log.Info().Int64("instrument_id", id).Str("currency", currency).Msg("Cash instrument provisioned")
		return id, nil
	}

	// Lost the race to another writer; the row exists now.
	err = r.db.QueryRow(
		`SELECT id FROM instrument WHERE instrument_type = ? AND security_id = ?`,
		TypeCash, securityID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to re-read cash instrument %s: %w", securityID, err)
	}
	return id, nil
}

// UpsertMaster attaches master data to an instrument.
func (r *Repository) UpsertMaster(instrumentID int64, securityID, fullName, shortName, securityType string) error {
	now := time.Now().UTC().Unix()
	_, err := r.db.Exec(
		`INSERT INTO instrument_master (instrument_id, security_id, full_name, short_name, security_type, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(instrument_id) DO UPDATE SET
		   security_id = excluded.security_id,
		   full_name = excluded.full_name,
		   short_name = excluded.short_name,
		   security_type = excluded.security_type,
		   updated_at = excluded.updated_at`,
		instrumentID, securityID, fullName, shortName, securityType, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert instrument master %d: %w", instrumentID, err)
	}
	return nil
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
