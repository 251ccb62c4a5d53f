package nav

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/polarisfin/polaris/internal/database"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
)

// RunRepository persists NAV runs, results, and line items.
type RunRepository struct {
	db  database.Querier
	log zerolog.Logger
}

// NewRunRepository creates a NAV run repository.
func NewRunRepository(db *sql.DB, log zerolog.Logger) *RunRepository {
	return &RunRepository{
		db:  db,
		log: log.With().Str("repo", "nav_runs").Logger(),
	}
}

// WithTx returns a copy of the repository bound to the transaction.
func (r *RunRepository) WithTx(tx *sql.Tx) *RunRepository {
	return &RunRepository{db: tx, log: r.log}
}

// PersistIBOR stores a computed IBOR valuation as a run with result and
// line items. The run row is unique per (portfolio, run_type, asof_ts);
// a concurrent duplicate returns the already persisted run id without
// rewriting anything.
func (r *RunRepository) PersistIBOR(runType string, portfolioID int64, nav *IBORNav) (int64, error) {
	asofUnix := nav.asofTime.Unix()
	asofDate := nav.asofTime.Format("2006-01-02")
	now := time.Now().UTC().Unix()

	res, err := r.db.Exec(
		`INSERT INTO ibor_nav_run (run_type, portfolio_id, asof_ts, asof_date, report_currency, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(portfolio_id, run_type, asof_ts) DO NOTHING`,
		runType, portfolioID, asofUnix, asofDate, nav.ReportCurrency, StatusRunning, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert ibor nav run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read ibor nav run insert result: %w", err)
	}

	var runID int64
	err = r.db.QueryRow(
		`SELECT id FROM ibor_nav_run WHERE portfolio_id = ? AND run_type = ? AND asof_ts = ?`,
		portfolioID, runType, asofUnix,
	).Scan(&runID)
	if err != nil {
		return 0, fmt.Errorf("failed to read ibor nav run id: %w", err)
	}

	if affected == 0 {
		// Another run already owns this (portfolio, run_type, asof_ts).
		return runID, nil
	}

	_, err = r.db.Exec(
		`INSERT INTO ibor_nav_result (ibor_nav_run_id, nav_rc, created_at) VALUES (?, ?, ?)`,
		runID, nav.NavRC, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert ibor nav result: %w", err)
	}

	for _, item := range nav.LineItems {
		_, err = r.db.Exec(
			`INSERT INTO ibor_nav_line_item (ibor_nav_run_id, instrument_id, quantity, price, price_currency, fx_rate_to_rc, market_value_rc, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, item.InstrumentID, item.Quantity,
			nullStrPtr(item.Price), nullStrPtr(item.PriceCurrency), nullStrPtr(item.FxRateToRC),
			item.MarketValueRC, now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert ibor nav line item: %w", err)
		}
	}

	_, err = r.db.Exec(
		`UPDATE ibor_nav_run SET status = ?, completed_at = ? WHERE id = ?`,
		StatusCompleted, now, runID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to complete ibor nav run %d: %w", runID, err)
	}

	r.log.Info().Int64("run_id", runID).Str("run_type", runType).Msg("IBOR NAV run persisted")
	return runID, nil
}

// PersistABOR stores a computed ABOR valuation. The run row is unique
// per (portfolio, run_type, asof_date); reruns for the same date return
// the existing run id.
func (r *RunRepository) PersistABOR(runType string, portfolioID int64, nav *ABORNav, snapshotTakenAt *time.Time) (int64, error) {
	now := time.Now().UTC().Unix()

	res, err := r.db.Exec(
		`INSERT INTO abor_nav_run (run_type, portfolio_id, asof_date, asof_ts, report_currency, position_snapshot_taken_at, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(portfolio_id, run_type, asof_date) DO NOTHING`,
		runType, portfolioID, nav.AsofDate, nav.asofTime.Unix(), nav.ReportCurrency,
		nullTimePtr(snapshotTakenAt), StatusRunning, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert abor nav run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read abor nav run insert result: %w", err)
	}

	var runID int64
	err = r.db.QueryRow(
		`SELECT id FROM abor_nav_run WHERE portfolio_id = ? AND run_type = ? AND asof_date = ?`,
		portfolioID, runType, nav.AsofDate,
	).Scan(&runID)
	if err != nil {
		return 0, fmt.Errorf("failed to read abor nav run id: %w", err)
	}

	if affected == 0 {
		return runID, nil
	}

	_, err = r.db.Exec(
		`INSERT INTO abor_nav_result (abor_nav_run_id, nav_rc, created_at) VALUES (?, ?, ?)`,
		runID, nav.NavRC, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert abor nav result: %w", err)
	}

	for _, item := range nav.LineItems {
		_, err = r.db.Exec(
			`INSERT INTO abor_nav_line_item (abor_nav_run_id, instrument_id, quantity, price, price_currency, price_asof_ts, price_source_id, fx_rate_to_rc, fx_rate_asof_ts, fx_rate_source_id, market_value_rc, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, item.InstrumentID, item.Quantity,
			nullStrPtr(item.Price), nullStrPtr(item.PriceCurrency),
			nullTimePtr(item.priceAsofTime), nullStrPtr(item.PriceSourceID),
			nullStrPtr(item.FxRateToRC), nullTimePtr(item.fxAsofTime), nullStrPtr(item.FxRateSourceID),
			item.MarketValueRC, now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert abor nav line item: %w", err)
		}
	}

	_, err = r.db.Exec(
		`UPDATE abor_nav_run SET status = ?, completed_at = ? WHERE id = ?`,
		StatusCompleted, now, runID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to complete abor nav run %d: %w", runID, err)
	}

	r.log.Info().Int64("run_id", runID).Str("asof_date", nav.AsofDate).Msg("ABOR NAV run persisted")
	return runID, nil
}

// ABORResult is the persisted outcome of a completed EOD run.
type ABORResult struct {
	RunID int64
	NavRC string
}

// GetABORResult returns the completed EOD run result for a portfolio
// and date, or nil when no completed run exists.
func (r *RunRepository) GetABORResult(portfolioID int64, asofDate string) (*ABORResult, error) {
	var result ABORResult
	err := r.db.QueryRow(
		`SELECT r.id, res.nav_rc
		 FROM abor_nav_run r
		 JOIN abor_nav_result res ON res.abor_nav_run_id = r.id
		 WHERE r.portfolio_id = ? AND r.asof_date = ? AND r.run_type = ? AND r.status = ?`,
		portfolioID, asofDate, RunTypeEOD, StatusCompleted,
	).Scan(&result.RunID, &result.NavRC)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get abor nav result: %w", err)
	}
	return &result, nil
}

func nullStrPtr(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
