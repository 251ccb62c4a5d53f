// Package portfolio holds portfolio master data and the position
// projections derived from the journal.
package portfolio

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/polarisfin/polaris/internal/database"
)

// ErrNotFound is returned when a portfolio does not exist.
var ErrNotFound = errors.New("portfolio not found")

// Portfolio is a book of business with a report currency.
type Portfolio struct {
	ID             int64
	Code           string
	Name           string
	ReportCurrency string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Repository handles portfolio persistence.
type Repository struct {
	db  database.Querier
	log zerolog.Logger
}

// NewRepository creates a portfolio repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "portfolio").Logger(),
	}
}

// Create inserts a portfolio and returns its id.
func (r *Repository) Create(code, name, reportCurrency string) (int64, error) {
	now := time.Now().UTC().Unix()
	res, err := r.db.Exec(
		`INSERT INTO portfolio (code, name, report_currency, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		code, name, reportCurrency, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create portfolio %s: %w", code, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read portfolio id: %w", err)
	}
	r.log.Info().Int64("portfolio_id", id).Str("code", code).Msg("Portfolio created")
	return id, nil
}

// Get returns a portfolio by id.
func (r *Repository) Get(id int64) (*Portfolio, error) {
	var (
		p                    Portfolio
		createdAt, updatedAt int64
	)
	err := r.db.QueryRow(
		`SELECT id, code, name, report_currency, created_at, updated_at
		 FROM portfolio WHERE id = ?`, id,
	).Scan(&p.ID, &p.Code, &p.Name, &p.ReportCurrency, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio %d: %w", id, err)
	}
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}

// ReportCurrency returns the report currency for a portfolio.
func (r *Repository) ReportCurrency(id int64) (string, error) {
	var rc string
	err := r.db.QueryRow(`SELECT report_currency FROM portfolio WHERE id = ?`, id).Scan(&rc)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get report currency for portfolio %d: %w", id, err)
	}
	return rc, nil
}

// Exists reports whether a portfolio id exists.
func (r *Repository) Exists(id int64) (bool, error) {
	var one int
	err := r.db.QueryRow(`SELECT 1 FROM portfolio WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check portfolio %d: %w", id, err)
	}
	return true, nil
}

// ListIDs returns all portfolio ids, ascending. Used by the nightly EOD
// driver.
func (r *Repository) ListIDs() ([]int64, error) {
	rows, err := r.db.Query(`SELECT id FROM portfolio ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
