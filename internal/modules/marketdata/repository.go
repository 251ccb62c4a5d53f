// Package marketdata stores market prices and FX rates and answers the
// asof lookups the NAV engines depend on.
package marketdata

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

// PricePoint is one observed price for an instrument.
type PricePoint struct {
	Price    decimal.Decimal
	Currency string
	AsofTs   time.Time
	IsEOD    bool
	SourceID *string
}

// RatePoint is one observed FX rate (base -> quote).
type RatePoint struct {
	Rate     decimal.Decimal
	AsofTs   time.Time
	IsEOD    bool
	SourceID *string
}

// Repository handles market data persistence.
type Repository struct {
	db  database.Querier
	log zerolog.Logger
}

// NewRepository creates a market data repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "marketdata").Logger(),
	}
}

// InsertPrice records a price observation.
func (r *Repository) InsertPrice(instrumentID int64, asofTs time.Time, price decimal.Decimal, currency string, isEOD bool, sourceID *string) error {
	_, err := r.db.Exec(
		`INSERT INTO market_price (id, instrument_id, asof_date, asof_ts, price, currency, is_eod, source_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), instrumentID, asofTs.UTC().Format("2006-01-02"), asofTs.UTC().Unix(),
		money.Canonical(price), currency, boolToInt(isEOD), nullString(sourceID),
		time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert price for instrument %d: %w", instrumentID, err)
	}
	return nil
}

// InsertRate records an FX rate observation.
func (r *Repository) InsertRate(baseCurrency, quoteCurrency string, asofTs time.Time, rate decimal.Decimal, isEOD bool, sourceID *string) error {
	_, err := r.db.Exec(
		`INSERT INTO fx_rate (id, base_currency, quote_currency, asof_ts, rate, is_eod, source_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), baseCurrency, quoteCurrency, asofTs.UTC().Unix(),
		money.Canonical(rate), boolToInt(isEOD), nullString(sourceID),
		time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert fx rate %s/%s: %w", baseCurrency, quoteCurrency, err)
	}
	return nil
}

// LatestPrice returns the most recent price with asof_ts <= asofTs,
// EOD or intraday. Returns nil when no price exists.
func (r *Repository) LatestPrice(instrumentID int64, asofTs time.Time) (*PricePoint, error) {
	return r.scanPrice(r.db.QueryRow(
		`SELECT price, currency, asof_ts, is_eod, source_id FROM market_price
		 WHERE instrument_id = ? AND asof_ts <= ?
		 ORDER BY asof_ts DESC, created_at DESC LIMIT 1`,
		instrumentID, asofTs.UTC().Unix(),
	))
}

// EODPrice returns the EOD price observed exactly on asofDate, or nil.
func (r *Repository) EODPrice(instrumentID int64, asofDate string) (*PricePoint, error) {
	return r.scanPrice(r.db.QueryRow(
		`SELECT price, currency, asof_ts, is_eod, source_id FROM market_price
		 WHERE instrument_id = ? AND asof_date = ? AND is_eod = 1
		 ORDER BY asof_ts DESC, created_at DESC LIMIT 1`,
		instrumentID, asofDate,
	))
}

// LatestRate returns the most recent rate with asof_ts <= asofTs for the
// pair, optionally restricted to EOD observations. Returns nil when the
// pair has no usable rate.
func (r *Repository) LatestRate(baseCurrency, quoteCurrency string, asofTs time.Time, eodOnly bool) (*RatePoint, error) {
	query := `SELECT rate, asof_ts, is_eod, source_id FROM fx_rate
	          WHERE base_currency = ? AND quote_currency = ? AND asof_ts <= ?`
	if eodOnly {
		query += ` AND is_eod = 1`
	}
	query += ` ORDER BY asof_ts DESC, created_at DESC LIMIT 1`

	var (
		rp       RatePoint
		rateStr  string
		asof     int64
		isEOD    int
		sourceID sql.NullString
	)
	err := r.db.QueryRow(query, baseCurrency, quoteCurrency, asofTs.UTC().Unix()).
		Scan(&rateStr, &asof, &isEOD, &sourceID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read fx rate %s/%s: %w", baseCurrency, quoteCurrency, err)
	}

	rp.Rate, err = money.Parse(rateStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt fx rate %s/%s: %w", baseCurrency, quoteCurrency, err)
	}
	rp.AsofTs = time.Unix(asof, 0).UTC()
	rp.IsEOD = isEOD != 0
	if sourceID.Valid {
		rp.SourceID = &sourceID.String
	}
	return &rp, nil
}

func (r *Repository) scanPrice(row *sql.Row) (*PricePoint, error) {
	var (
		pp       PricePoint
		priceStr string
		asof     int64
		isEOD    int
		sourceID sql.NullString
	)
	err := row.Scan(&priceStr, &pp.Currency, &asof, &isEOD, &sourceID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read market price: %w", err)
	}

	pp.Price, err = money.Parse(priceStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt market price: %w", err)
	}
	pp.AsofTs = time.Unix(asof, 0).UTC()
	pp.IsEOD = isEOD != 0
	if sourceID.Valid {
		pp.SourceID = &sourceID.String
	}
	return &pp, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}
