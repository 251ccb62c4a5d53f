// Package pipeline holds the durable workflows that drive trades
// through the settlement states and the activities they execute.
// Every activity is idempotent: a (scope, key) record in the database
// makes retried executions replay the stored response instead of
// re-applying side effects.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/polarisfin/polaris/internal/cache"
	"github.com/polarisfin/polaris/internal/database"
	"github.com/polarisfin/polaris/internal/idempotency"
	"github.com/polarisfin/polaris/internal/money"
	"github.com/polarisfin/polaris/internal/modules/corporateactions"
	"github.com/polarisfin/polaris/internal/modules/journal"
	"github.com/polarisfin/polaris/internal/modules/nav"
	"github.com/polarisfin/polaris/internal/modules/portfolio"
	"github.com/polarisfin/polaris/internal/modules/staging"
)

// StepResult is the common response of a status-advancing activity.
type StepResult struct {
	StagingID string `json:"staging_id"`
	Status    string `json:"status"`
}

// PostPositionResult also carries the posted journal entry.
type PostPositionResult struct {
	StagingID      string `json:"staging_id"`
	Status         string `json:"status"`
	JournalEntryID string `json:"journal_entry_id"`
}

// SnapshotResult reports an EOD position snapshot.
type SnapshotResult struct {
	PortfolioID string `json:"portfolio_id"`
	AsofDate    string `json:"asof_date"`
	Snapshot    string `json:"snapshot"`
}

// AborNavResult reports a persisted EOD valuation run.
type AborNavResult struct {
	PortfolioID string `json:"portfolio_id"`
	AsofDate    string `json:"asof_date"`
	NavRunID    string `json:"nav_run_id"`
}

// Activities bundles the worker-side dependencies. Methods are plain
// and testable without a Temporal server.
type Activities struct {
	db         *sql.DB
	trades     *staging.Repository
	journal    *journal.Repository
	positions  *portfolio.PositionRepository
	portfolios *portfolio.Repository
	nav        *nav.Service
	ca         *corporateactions.Service
	idem       *idempotency.Store
	cache      cache.Cache
	log        zerolog.Logger
}

// NewActivities creates the activity set.
func NewActivities(
	db *sql.DB,
	trades *staging.Repository,
	journalRepo *journal.Repository,
	positions *portfolio.PositionRepository,
	portfolios *portfolio.Repository,
	navService *nav.Service,
	caService *corporateactions.Service,
	idem *idempotency.Store,
	c cache.Cache,
	log zerolog.Logger,
) *Activities {
	return &Activities{
		db:         db,
		trades:     trades,
		journal:    journalRepo,
		positions:  positions,
		portfolios: portfolios,
		nav:        navService,
		ca:         caService,
		idem:       idem,
		cache:      c,
		log:        log.With().Str("component", "activities").Logger(),
	}
}

func advanceScope(stagingID int64) string {
	return fmt.Sprintf("activity:advance_status:%d", stagingID)
}

func parseStagingID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("staging_id_invalid")
	}
	return id, nil
}

// loadActiveTrade reads a trade and verifies it is active and in one of
// the statuses the activity may observe.
func loadActiveTrade(trades *staging.Repository, id int64, allowed ...string) (*staging.PendingTrade, error) {
	trade, err := trades.Get(id)
	if errors.Is(err, staging.ErrNotFound) {
		return nil, errors.New("staging_not_found")
	}
	if err != nil {
		return nil, err
	}
	if trade.Lifecycle != staging.LifecycleActive {
		return nil, errors.New("staging_not_active")
	}
	for _, s := range allowed {
		if trade.Status == s {
			return trade, nil
		}
	}
	return nil, fmt.Errorf("unexpected_status:%s", trade.Status)
}

func (a *Activities) cachedStep(scope, key string) (*StepResult, error) {
	stored, err := a.idem.GetResponse(scope, key)
	if err != nil || stored == nil {
		return nil, err
	}
	var result StepResult
	if err := json.Unmarshal(stored, &result); err != nil {
		return nil, fmt.Errorf("corrupt stored response %s/%s: %w", scope, key, err)
	}
	return &result, nil
}

// Precheck validates the staged trade and advances entry -> pre_check.
func (a *Activities) Precheck(ctx context.Context, stagingID string) (*StepResult, error) {
	id, err := parseStagingID(stagingID)
	if err != nil {
		return nil, err
	}
	scope, key := advanceScope(id), "to:pre_check"
	if cached, err := a.cachedStep(scope, key); err != nil || cached != nil {
		return cached, err
	}

	var result *StepResult
	err = database.WithTransaction(a.db, func(tx *sql.Tx) error {
		trades := a.trades.WithTx(tx)
		trade, err := loadActiveTrade(trades, id, staging.StatusEntry, staging.StatusPreCheck)
		if err != nil {
			return err
		}

		if trade.Quantity.IsZero() {
			return errors.New("quantity_zero")
		}
		if !trade.Price.IsPositive() {
			return errors.New("price_invalid")
		}

		if trade.Status == staging.StatusEntry {
			if err := trades.AdvanceStatus(id, staging.StatusEntry, staging.StatusPreCheck); err != nil {
				return err
			}
		}

		result = &StepResult{StagingID: stagingID, Status: staging.StatusPreCheck}
		return a.idem.WithTx(tx).StoreResponse(scope, key, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PostPosition writes the journal entry for the trade, applies the
// signed quantity to the position, and advances pre_check -> position.
func (a *Activities) PostPosition(ctx context.Context, stagingID string) (*PostPositionResult, error) {
	id, err := parseStagingID(stagingID)
	if err != nil {
		return nil, err
	}
	scope, key := advanceScope(id), "to:position"
	if stored, err := a.idem.GetResponse(scope, key); err != nil {
		return nil, err
	} else if stored != nil {
		var result PostPositionResult
		if err := json.Unmarshal(stored, &result); err != nil {
			return nil, fmt.Errorf("corrupt stored response %s/%s: %w", scope, key, err)
		}
		return &result, nil
	}

	var (
		result  *PostPositionResult
		updated *portfolio.Position
	)
	err = database.WithTransaction(a.db, func(tx *sql.Tx) error {
		trades := a.trades.WithTx(tx)
		journalRepo := a.journal.WithTx(tx)
		positions := a.positions.WithTx(tx)

		trade, err := loadActiveTrade(trades, id, staging.StatusPreCheck, staging.StatusPosition)
		if err != nil {
			return err
		}

		amount := trade.Quantity.Mul(trade.Price)
		if trade.QCGrossAmount != nil {
			amount = *trade.QCGrossAmount
		}

		tradeType := "BUY"
		if trade.Quantity.IsNegative() {
			tradeType = "SELL"
		}
		entryRole := entryRoleFromSource(trade.SourceSystem)

		var reversalOf, replacementOf *int64
		if entryRole != journal.RoleNormal && trade.DealBlockID != nil {
			reference, err := journalRepo.LatestNormalEntryForBlock(*trade.DealBlockID)
			if err != nil {
				return err
			}
			if entryRole == journal.RoleReversal {
				reversalOf = reference
			} else {
				replacementOf = reference
			}
		}

		description := "staging_post"
		entryID, err := journalRepo.InsertEntry(journal.Entry{
			PendingTradeID:       &id,
			DealBlockID:          trade.DealBlockID,
			DealAllocationID:     trade.DealAllocationID,
			EffectiveDate:        trade.TradeDate,
			TradeType:            tradeType,
			EntryRole:            entryRole,
			Description:          &description,
			ReversalOfEntryID:    reversalOf,
			ReplacementOfEntryID: replacementOf,
		})
		if err != nil {
			return err
		}

		drcr := journal.Debit
		if trade.Quantity.IsNegative() {
			drcr = journal.Credit
		}
		qty := trade.Quantity
		if err := journalRepo.InsertLine(journal.Line{
			JournalEntryID: entryID,
			PortfolioID:    trade.PortfolioID,
			InstrumentID:   &trade.InstrumentID,
			AccountCode:    journal.AccountPosition,
			DrCr:           drcr,
			Quantity:       &qty,
			Amount:         amount,
			Currency:       trade.QuoteCurrency,
		}); err != nil {
			return err
		}

		if trade.PortfolioID != nil {
			updated, err = positions.ApplyDelta(*trade.PortfolioID, trade.InstrumentID, trade.Quantity, entryID)
			if err != nil {
				return err
			}
		}

		if trade.Status == staging.StatusPreCheck {
			if err := trades.AdvanceStatus(id, staging.StatusPreCheck, staging.StatusPosition); err != nil {
				return err
			}
		}

		result = &PostPositionResult{
			StagingID:      stagingID,
			Status:         staging.StatusPosition,
			JournalEntryID: strconv.FormatInt(entryID, 10),
		}
		return a.idem.WithTx(tx).StoreResponse(scope, key, result)
	})
	if err != nil {
		return nil, err
	}

	if updated != nil {
		payload := cache.PositionPayload{
			Quantity:    money.Canonical(updated.Quantity),
			VersionUUID: updated.VersionUUID,
			UpdatedAt:   updated.UpdatedAt.Format(time.RFC3339),
			Source:      "db",
		}
		if err := a.cache.SetPosition(ctx, updated.PortfolioID, updated.InstrumentID, payload); err != nil {
			a.log.Warn().Err(err).
				Int64("portfolio_id", updated.PortfolioID).
				Int64("instrument_id", updated.InstrumentID).
				Msg("Position cache write failed")
		}
	}
	return result, nil
}

func entryRoleFromSource(sourceSystem *string) string {
	if sourceSystem == nil {
		return journal.RoleNormal
	}
	switch *sourceSystem {
	case staging.SourceModifyReversal, staging.SourceDeleteReversal:
		return journal.RoleReversal
	case staging.SourceModifyReplacement:
		return journal.RoleReplacement
	}
	return journal.RoleNormal
}

// Allocate advances position -> allocated.
func (a *Activities) Allocate(ctx context.Context, stagingID string) (*StepResult, error) {
	id, err := parseStagingID(stagingID)
	if err != nil {
		return nil, err
	}
	scope, key := advanceScope(id), "to:allocated"
	if cached, err := a.cachedStep(scope, key); err != nil || cached != nil {
		return cached, err
	}

	var result *StepResult
	err = database.WithTransaction(a.db, func(tx *sql.Tx) error {
		trades := a.trades.WithTx(tx)
		trade, err := loadActiveTrade(trades, id, staging.StatusPosition, staging.StatusAllocated)
		if err != nil {
			return err
		}

		if trade.Level == staging.LevelAllocation && trade.PortfolioID == nil {
			return errors.New("allocation_requires_portfolio")
		}

		if trade.Status == staging.StatusPosition {
			if err := trades.AdvanceStatus(id, staging.StatusPosition, staging.StatusAllocated); err != nil {
				return err
			}
		}

		result = &StepResult{StagingID: stagingID, Status: staging.StatusAllocated}
		return a.idem.WithTx(tx).StoreResponse(scope, key, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Settle advances allocated -> settled, the terminal status.
func (a *Activities) Settle(ctx context.Context, stagingID string) (*StepResult, error) {
	id, err := parseStagingID(stagingID)
	if err != nil {
		return nil, err
	}
	scope, key := advanceScope(id), "to:settled"
	if cached, err := a.cachedStep(scope, key); err != nil || cached != nil {
		return cached, err
	}

	var result *StepResult
	err = database.WithTransaction(a.db, func(tx *sql.Tx) error {
		trades := a.trades.WithTx(tx)
		trade, err := loadActiveTrade(trades, id, staging.StatusAllocated, staging.StatusSettled)
		if err != nil {
			return err
		}

		if trade.Status == staging.StatusAllocated {
			if err := trades.AdvanceStatus(id, staging.StatusAllocated, staging.StatusSettled); err != nil {
				return err
			}
		}

		result = &StepResult{StagingID: stagingID, Status: staging.StatusSettled}
		return a.idem.WithTx(tx).StoreResponse(scope, key, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SnapshotPositions materializes the current positions of a portfolio
// into the EOD snapshot for the date.
func (a *Activities) SnapshotPositions(ctx context.Context, portfolioID, asofDate string) (*SnapshotResult, error) {
	pid, err := strconv.ParseInt(portfolioID, 10, 64)
	if err != nil || pid <= 0 {
		return nil, errors.New("portfolio_id_invalid")
	}

	scope := fmt.Sprintf("activity:abor_snapshot:%d:%s", pid, asofDate)
	const key = "apply"
	if stored, err := a.idem.GetResponse(scope, key); err != nil {
		return nil, err
	} else if stored != nil {
		var result SnapshotResult
		if err := json.Unmarshal(stored, &result); err != nil {
			return nil, fmt.Errorf("corrupt stored response %s: %w", scope, err)
		}
		return &result, nil
	}

	var result *SnapshotResult
	err = database.WithTransaction(a.db, func(tx *sql.Tx) error {
		if _, err := a.positions.WithTx(tx).SnapshotEOD(pid, asofDate); err != nil {
			return err
		}
		result = &SnapshotResult{PortfolioID: portfolioID, AsofDate: asofDate, Snapshot: "ok"}
		return a.idem.WithTx(tx).StoreResponse(scope, key, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ComputeAborNav values the EOD snapshot and persists the run.
func (a *Activities) ComputeAborNav(ctx context.Context, portfolioID, asofDate string) (*AborNavResult, error) {
	pid, err := strconv.ParseInt(portfolioID, 10, 64)
	if err != nil || pid <= 0 {
		return nil, errors.New("portfolio_id_invalid")
	}

	scope := fmt.Sprintf("activity:abor_nav:%d:%s", pid, asofDate)
	const key = "compute"
	if stored, err := a.idem.GetResponse(scope, key); err != nil {
		return nil, err
	} else if stored != nil {
		var result AborNavResult
		if err := json.Unmarshal(stored, &result); err != nil {
			return nil, fmt.Errorf("corrupt stored response %s: %w", scope, err)
		}
		return &result, nil
	}

	reportCurrency, err := a.portfolios.ReportCurrency(pid)
	if err != nil {
		return nil, err
	}

	payload, err := a.nav.ComputeABOR(pid, reportCurrency, asofDate)
	if err != nil {
		return nil, err
	}

	snapshotTakenAt, err := a.positions.SnapshotTakenAt(pid, asofDate)
	if err != nil {
		return nil, err
	}

	runID, err := a.nav.Runs().PersistABOR(nav.RunTypeEOD, pid, payload, snapshotTakenAt)
	if err != nil {
		return nil, err
	}

	result := &AborNavResult{
		PortfolioID: portfolioID,
		AsofDate:    asofDate,
		NavRunID:    strconv.FormatInt(runID, 10),
	}
	if err := a.idem.StoreResponse(scope, key, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ProcessCorporateAction applies a CA event to all holders.
func (a *Activities) ProcessCorporateAction(ctx context.Context, caEventID string) (*corporateactions.ProcessResult, error) {
	id, err := strconv.ParseInt(caEventID, 10, 64)
	if err != nil || id <= 0 {
		return nil, errors.New("ca_event_id_invalid")
	}
	return a.ca.ProcessEvent(ctx, id)
}
