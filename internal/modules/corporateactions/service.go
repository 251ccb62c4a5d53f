package corporateactions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/polarisfin/polaris/internal/cache"
	"github.com/polarisfin/polaris/internal/database"
	"github.com/polarisfin/polaris/internal/idempotency"
	"github.com/polarisfin/polaris/internal/money"
	"github.com/polarisfin/polaris/internal/modules/instruments"
	"github.com/polarisfin/polaris/internal/modules/journal"
	"github.com/polarisfin/polaris/internal/modules/portfolio"
)

// Processing failures that should surface to the workflow retry policy.
var (
	ErrEventNotFound  = errors.New("ca_event_not_found")
	ErrEventNotActive = errors.New("ca_event_not_active")
)

// ProcessResult is the outcome of applying an event to its holders.
type ProcessResult struct {
	CAEventID           string `json:"ca_event_id"`
	Status              string `json:"status"`
	ProcessedPortfolios int    `json:"processed_portfolios"`
}

// Service applies corporate actions.
type Service struct {
	db          *sql.DB
	events      *Repository
	positions   *portfolio.PositionRepository
	instruments *instruments.Repository
	journal     *journal.Repository
	idem        *idempotency.Store
	cache       cache.Cache
	log         zerolog.Logger
}

// NewService creates the corporate-action service.
func NewService(
	db *sql.DB,
	events *Repository,
	positions *portfolio.PositionRepository,
	instrumentRepo *instruments.Repository,
	journalRepo *journal.Repository,
	idem *idempotency.Store,
	c cache.Cache,
	log zerolog.Logger,
) *Service {
	return &Service{
		db:          db,
		events:      events,
		positions:   positions,
		instruments: instrumentRepo,
		journal:     journalRepo,
		idem:        idem,
		cache:       c,
		log:         log.With().Str("component", "corporate_actions").Logger(),
	}
}

// Events exposes the event repository.
func (s *Service) Events() *Repository {
	return s.events
}

// ProcessEvent applies an event to every holder of its instrument, one
// isolated transaction per holder. The per-holder ca_effect row is the
// at-most-once lock; reprocessing a processed event is a no-op.
func (s *Service) ProcessEvent(ctx context.Context, eventID int64) (*ProcessResult, error) {
	scope := fmt.Sprintf("activity:ca_event:%d", eventID)
	const key = "process"

	if stored, err := s.idem.GetResponse(scope, key); err != nil {
		return nil, err
	} else if stored != nil {
		var result ProcessResult
		if err := json.Unmarshal(stored, &result); err != nil {
			return nil, fmt.Errorf("corrupt stored ca response %s: %w", scope, err)
		}
		return &result, nil
	}

	event, err := s.events.GetEvent(eventID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, ErrEventNotFound
	}
	if event.Lifecycle != "active" {
		return nil, ErrEventNotActive
	}
	if event.Status == StatusProcessed || event.Status == StatusCancelled {
		result := &ProcessResult{CAEventID: strconv.FormatInt(eventID, 10), Status: event.Status}
		if err := s.idem.StoreResponse(scope, key, result); err != nil {
			return nil, err
		}
		return result, nil
	}

	holders, err := s.positions.Holders(event.InstrumentID)
	if err != nil {
		return nil, err
	}

	processed := 0
	for _, holder := range holders {
		applied, positions, err := s.applyToHolder(event, holder.PortfolioID, holder.Quantity)
		if err != nil {
			return nil, err
		}
		if !applied {
			continue
		}
		processed++

		for _, pos := range positions {
			payload := cache.PositionPayload{
				Quantity:    money.Canonical(pos.Quantity),
				VersionUUID: pos.VersionUUID,
				UpdatedAt:   pos.UpdatedAt.Format(time.RFC3339),
				Source:      "corporate_action",
			}
			if err := s.cache.SetPosition(ctx, pos.PortfolioID, pos.InstrumentID, payload); err != nil {
				s.log.Warn().Err(err).
					Int64("portfolio_id", pos.PortfolioID).
					Int64("instrument_id", pos.InstrumentID).
					Msg("Position cache write failed")
			}
		}
	}

	if err := s.events.MarkProcessed(eventID); err != nil {
		return nil, err
	}

	result := &ProcessResult{
		CAEventID:           strconv.FormatInt(eventID, 10),
		Status:              StatusProcessed,
		ProcessedPortfolios: processed,
	}
	if err := s.idem.StoreResponse(scope, key, result); err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("ca_event_id", eventID).
		Int("processed_portfolios", processed).
		Msg("Corporate action processed")
	return result, nil
}

// applyToHolder runs the election gate, effect claim, journal posting,
// and position update for one holder in one transaction.
func (s *Service) applyToHolder(event *Event, portfolioID int64, shares decimal.Decimal) (bool, []*portfolio.Position, error) {
	applied := false
	var updated []*portfolio.Position

	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		events := s.events.WithTx(tx)
		positions := s.positions.WithTx(tx)
		journalRepo := s.journal.WithTx(tx)
		instrumentRepo := s.instruments.WithTx(tx)

		requireElection := event.RequireElection
		if rule, err := events.RuleRequiresElection(portfolioID, event.CAType); err != nil {
			return err
		} else if rule != nil {
			requireElection = requireElection || *rule
		}
		if requireElection {
			choice, err := events.ElectionChoice(event.ID, portfolioID)
			if err != nil {
				return err
			}
			if choice == nil || *choice != ChoiceAccept {
				return nil
			}
		}

		claimed, err := events.ClaimEffect(event.ID, portfolioID)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}

		effectiveDate := event.ExDate
		if event.PayDate != nil {
			effectiveDate = *event.PayDate
		}
		description := fmt.Sprintf("ca:%s", event.CAType)
		entryID, err := journalRepo.InsertEntry(journal.Entry{
			CAEventID:     &event.ID,
			EffectiveDate: effectiveDate,
			TradeType:     "BUY",
			EntryRole:     journal.RoleNormal,
			Description:   &description,
		})
		if err != nil {
			return err
		}

		cashAmount := decimal.Zero
		shareDelta := decimal.Zero
		var cashCurrency *string

		switch event.CAType {
		case TypeCashDividend:
			if event.CashAmountPerShare == nil {
				return fmt.Errorf("ca event %d has no cash_amount_per_share", event.ID)
			}
			cashAmount = shares.Mul(*event.CashAmountPerShare)

			currency := ""
			if event.Currency != nil {
				currency = *event.Currency
			} else {
				currency, err = s.reportCurrencyTx(tx, portfolioID)
				if err != nil {
					return err
				}
			}
			cashCurrency = &currency

			cashInstrumentID, err := instrumentRepo.GetOrCreateCash(currency)
			if err != nil {
				return err
			}

			pos, err := positions.ApplyDelta(portfolioID, cashInstrumentID, cashAmount, entryID)
			if err != nil {
				return err
			}
			updated = append(updated, pos)

			if err := journalRepo.InsertLine(journal.Line{
				JournalEntryID: entryID,
				PortfolioID:    &portfolioID,
				InstrumentID:   &cashInstrumentID,
				AccountCode:    journal.AccountCash,
				DrCr:           journal.Debit,
				Quantity:       &cashAmount,
				Amount:         cashAmount,
				Currency:       currency,
			}); err != nil {
				return err
			}
			if err := journalRepo.InsertLine(journal.Line{
				JournalEntryID: entryID,
				PortfolioID:    &portfolioID,
				InstrumentID:   &event.InstrumentID,
				AccountCode:    journal.AccountDividendIncome,
				DrCr:           journal.Credit,
				Amount:         cashAmount,
				Currency:       currency,
			}); err != nil {
				return err
			}

		case TypeStockSplit:
			if event.SplitNumerator == nil || event.SplitDenominator == nil {
				return fmt.Errorf("ca event %d has no split ratio", event.ID)
			}
			ratio := event.SplitNumerator.Div(*event.SplitDenominator)
			shareDelta = shares.Mul(ratio).Sub(shares)

			pos, err := positions.ApplyDelta(portfolioID, event.InstrumentID, shareDelta, entryID)
			if err != nil {
				return err
			}
			updated = append(updated, pos)

			reportCurrency, err := s.reportCurrencyTx(tx, portfolioID)
			if err != nil {
				return err
			}
			drcr := journal.Debit
			if shareDelta.IsNegative() {
				drcr = journal.Credit
			}
			if err := journalRepo.InsertLine(journal.Line{
				JournalEntryID: entryID,
				PortfolioID:    &portfolioID,
				InstrumentID:   &event.InstrumentID,
				AccountCode:    journal.AccountStockSplit,
				DrCr:           drcr,
				Quantity:       &shareDelta,
				Amount:         decimal.Zero,
				Currency:       reportCurrency,
			}); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unknown ca_type %s", event.CAType)
		}

		if err := events.FinalizeEffect(event.ID, portfolioID, entryID, cashAmount, cashCurrency, shareDelta); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	if !applied {
		return false, nil, nil
	}
	return true, updated, nil
}

func (s *Service) reportCurrencyTx(tx *sql.Tx, portfolioID int64) (string, error) {
	var rc string
	err := tx.QueryRow(`SELECT report_currency FROM portfolio WHERE id = ?`, portfolioID).Scan(&rc)
	if err != nil {
		return "", fmt.Errorf("failed to read report currency for portfolio %d: %w", portfolioID, err)
	}
	return rc, nil
}
