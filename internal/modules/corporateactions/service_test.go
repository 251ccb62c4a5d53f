package corporateactions

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polarisfin/polaris/internal/cache"
	"github.com/polarisfin/polaris/internal/database"
	"github.com/polarisfin/polaris/internal/idempotency"
	"github.com/polarisfin/polaris/internal/money"
	"github.com/polarisfin/polaris/internal/modules/instruments"
	"github.com/polarisfin/polaris/internal/modules/journal"
	"github.com/polarisfin/polaris/internal/modules/portfolio"
	polaristesting "github.com/polarisfin/polaris/internal/testing"
)

type caFixture struct {
	db           *database.DB
	service      *Service
	events       *Repository
	positions    *portfolio.PositionRepository
	instruments  *instruments.Repository
	journal      *journal.Repository
	portfolioA   int64
	portfolioB   int64
	instrumentID int64
}

func newCAFixture(t *testing.T) (*caFixture, func()) {
	t.Helper()
	db, cleanup := polaristesting.NewTestDB(t, "corporate_actions")
	conn := db.Conn()

	portfolios := portfolio.NewRepository(conn, zerolog.Nop())
	pa, err := portfolios.Create("GROWTH", "Growth Fund", "USD")
	require.NoError(t, err)
	pb, err := portfolios.Create("INCOME", "Income Fund", "USD")
	require.NoError(t, err)

	sec := "US0000000001"
	ccy := "USD"
	instrumentRepo := instruments.NewRepository(conn, zerolog.Nop())
	iid, err := instrumentRepo.Create(instruments.TypeEquity, &sec, nil, nil, &ccy)
	require.NoError(t, err)

	positions := portfolio.NewPositionRepository(conn, zerolog.Nop())
	journalRepo := journal.NewRepository(conn, zerolog.Nop())
	events := NewRepository(conn, zerolog.Nop())
	idem := idempotency.NewStore(conn, zerolog.Nop())

	service := NewService(conn, events, positions, instrumentRepo, journalRepo, idem, cache.Noop{}, zerolog.Nop())

	return &caFixture{
		db:           db,
		service:      service,
		events:       events,
		positions:    positions,
		instruments:  instrumentRepo,
		journal:      journalRepo,
		portfolioA:   pa,
		portfolioB:   pb,
		instrumentID: iid,
	}, cleanup
}

func (f *caFixture) hold(t *testing.T, portfolioID int64, qty string) {
	t.Helper()
	_, err := f.positions.ApplyDelta(portfolioID, f.instrumentID, money.MustParse(qty), 1)
	require.NoError(t, err)
}

func strPtr(s string) *string { return &s }

func TestCashDividendPaysAllHolders(t *testing.T) {
	f, cleanup := newCAFixture(t)
	defer cleanup()

	f.hold(t, f.portfolioA, "100")
	f.hold(t, f.portfolioB, "40")

	perShare := money.MustParse("0.5")
	eventID, err := f.events.CreateEvent(&Event{
		CAType:             TypeCashDividend,
		InstrumentID:       f.instrumentID,
		ExDate:             "2026-08-20",
		PayDate:            strPtr("2026-08-25"),
		Currency:           strPtr("USD"),
		CashAmountPerShare: &perShare,
	})
	require.NoError(t, err)

	result, err := f.service.ProcessEvent(context.Background(), eventID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, result.Status)
	assert.Equal(t, 2, result.ProcessedPortfolios)

	cashID, err := f.instruments.GetOrCreateCash("USD")
	require.NoError(t, err)

	cashA, err := f.positions.Get(f.portfolioA, cashID)
	require.NoError(t, err)
	require.NotNil(t, cashA)
	assert.Equal(t, "50", money.Canonical(cashA.Quantity))

	cashB, err := f.positions.Get(f.portfolioB, cashID)
	require.NoError(t, err)
	require.NotNil(t, cashB)
	assert.Equal(t, "20", money.Canonical(cashB.Quantity))

	// Each holder gets a balanced DR cash / CR income pair on the
	// pay-date entry.
	require.NotNil(t, cashA.LastJournalEntryID)
	lines, err := f.journal.Lines(*cashA.LastJournalEntryID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, journal.AccountCash, lines[0].AccountCode)
	assert.Equal(t, journal.Debit, lines[0].DrCr)
	assert.Equal(t, "50", money.Canonical(lines[0].Amount))
	assert.Equal(t, journal.AccountDividendIncome, lines[1].AccountCode)
	assert.Equal(t, journal.Credit, lines[1].DrCr)

	event, err := f.events.GetEvent(eventID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, event.Status)
}

func TestCashDividendIsUnrounded(t *testing.T) {
	f, cleanup := newCAFixture(t)
	defer cleanup()

	f.hold(t, f.portfolioA, "1")

	perShare := money.MustParse("0.333")
	eventID, err := f.events.CreateEvent(&Event{
		CAType:             TypeCashDividend,
		InstrumentID:       f.instrumentID,
		ExDate:             "2026-08-20",
		Currency:           strPtr("USD"),
		CashAmountPerShare: &perShare,
	})
	require.NoError(t, err)

	_, err = f.service.ProcessEvent(context.Background(), eventID)
	require.NoError(t, err)

	cashID, err := f.instruments.GetOrCreateCash("USD")
	require.NoError(t, err)
	pos, err := f.positions.Get(f.portfolioA, cashID)
	require.NoError(t, err)
	assert.Equal(t, "0.333", money.Canonical(pos.Quantity), "cash keeps full precision")
}

func TestReprocessingIsNoOp(t *testing.T) {
	f, cleanup := newCAFixture(t)
	defer cleanup()

	f.hold(t, f.portfolioA, "100")

	perShare := money.MustParse("0.5")
	eventID, err := f.events.CreateEvent(&Event{
		CAType:             TypeCashDividend,
		InstrumentID:       f.instrumentID,
		ExDate:             "2026-08-20",
		Currency:           strPtr("USD"),
		CashAmountPerShare: &perShare,
	})
	require.NoError(t, err)

	first, err := f.service.ProcessEvent(context.Background(), eventID)
	require.NoError(t, err)
	second, err := f.service.ProcessEvent(context.Background(), eventID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	cashID, err := f.instruments.GetOrCreateCash("USD")
	require.NoError(t, err)
	pos, err := f.positions.Get(f.portfolioA, cashID)
	require.NoError(t, err)
	assert.Equal(t, "50", money.Canonical(pos.Quantity), "replay must not pay twice")

	var entries int
	require.NoError(t, f.db.Conn().QueryRow(
		`SELECT COUNT(*) FROM journal_entry WHERE ca_event_id = ?`, eventID,
	).Scan(&entries))
	assert.Equal(t, 1, entries)
}

func TestElectionGateSkipsNonAccepting(t *testing.T) {
	f, cleanup := newCAFixture(t)
	defer cleanup()

	f.hold(t, f.portfolioA, "100")
	f.hold(t, f.portfolioB, "100")

	perShare := money.MustParse("1")
	eventID, err := f.events.CreateEvent(&Event{
		CAType:             TypeCashDividend,
		InstrumentID:       f.instrumentID,
		ExDate:             "2026-08-20",
		Currency:           strPtr("USD"),
		CashAmountPerShare: &perShare,
		RequireElection:    true,
	})
	require.NoError(t, err)

	actor := "pm"
	require.NoError(t, f.events.UpsertElection(eventID, f.portfolioA, ChoiceAccept, &actor))
	// portfolioB never elects.

	result, err := f.service.ProcessEvent(context.Background(), eventID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, result.Status)
	assert.Equal(t, 1, result.ProcessedPortfolios)

	cashID, err := f.instruments.GetOrCreateCash("USD")
	require.NoError(t, err)
	posB, err := f.positions.Get(f.portfolioB, cashID)
	require.NoError(t, err)
	assert.Nil(t, posB, "non-electing holder receives nothing")
}

func TestDecliningElectionSkipsHolder(t *testing.T) {
	f, cleanup := newCAFixture(t)
	defer cleanup()

	f.hold(t, f.portfolioA, "100")

	perShare := money.MustParse("1")
	eventID, err := f.events.CreateEvent(&Event{
		CAType:             TypeCashDividend,
		InstrumentID:       f.instrumentID,
		ExDate:             "2026-08-20",
		Currency:           strPtr("USD"),
		CashAmountPerShare: &perShare,
		RequireElection:    true,
	})
	require.NoError(t, err)
	require.NoError(t, f.events.UpsertElection(eventID, f.portfolioA, ChoiceDecline, nil))

	result, err := f.service.ProcessEvent(context.Background(), eventID)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ProcessedPortfolios)
}

func TestPortfolioRuleForcesElection(t *testing.T) {
	f, cleanup := newCAFixture(t)
	defer cleanup()

	f.hold(t, f.portfolioA, "100")
	f.hold(t, f.portfolioB, "100")

	// A standing rule requires portfolioB to elect even though the event
	// itself does not.
	_, err := f.db.Conn().Exec(
		`INSERT INTO ca_portfolio_rule (portfolio_id, ca_type, require_election, created_at) VALUES (?, ?, 1, ?)`,
		f.portfolioB, TypeCashDividend, time.Now().UTC().Unix(),
	)
	require.NoError(t, err)

	perShare := money.MustParse("1")
	eventID, err := f.events.CreateEvent(&Event{
		CAType:             TypeCashDividend,
		InstrumentID:       f.instrumentID,
		ExDate:             "2026-08-20",
		Currency:           strPtr("USD"),
		CashAmountPerShare: &perShare,
	})
	require.NoError(t, err)

	result, err := f.service.ProcessEvent(context.Background(), eventID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ProcessedPortfolios, "only the rule-free holder is paid")
}

func TestStockSplitAdjustsShares(t *testing.T) {
	f, cleanup := newCAFixture(t)
	defer cleanup()

	f.hold(t, f.portfolioA, "100")

	num := money.MustParse("2")
	den := money.MustParse("1")
	eventID, err := f.events.CreateEvent(&Event{
		CAType:           TypeStockSplit,
		InstrumentID:     f.instrumentID,
		ExDate:           "2026-08-20",
		SplitNumerator:   &num,
		SplitDenominator: &den,
	})
	require.NoError(t, err)

	result, err := f.service.ProcessEvent(context.Background(), eventID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ProcessedPortfolios)

	pos, err := f.positions.Get(f.portfolioA, f.instrumentID)
	require.NoError(t, err)
	assert.Equal(t, "200", money.Canonical(pos.Quantity))

	require.NotNil(t, pos.LastJournalEntryID)
	lines, err := f.journal.Lines(*pos.LastJournalEntryID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, journal.AccountStockSplit, lines[0].AccountCode)
	assert.Equal(t, journal.Debit, lines[0].DrCr)
	require.NotNil(t, lines[0].Quantity)
	assert.Equal(t, "100", money.Canonical(*lines[0].Quantity))
	assert.Equal(t, "0", money.Canonical(lines[0].Amount))
}

func TestReverseSplitCreditsShares(t *testing.T) {
	f, cleanup := newCAFixture(t)
	defer cleanup()

	f.hold(t, f.portfolioA, "100")

	num := money.MustParse("1")
	den := money.MustParse("4")
	eventID, err := f.events.CreateEvent(&Event{
		CAType:           TypeStockSplit,
		InstrumentID:     f.instrumentID,
		ExDate:           "2026-08-20",
		SplitNumerator:   &num,
		SplitDenominator: &den,
	})
	require.NoError(t, err)

	_, err = f.service.ProcessEvent(context.Background(), eventID)
	require.NoError(t, err)

	pos, err := f.positions.Get(f.portfolioA, f.instrumentID)
	require.NoError(t, err)
	assert.Equal(t, "25", money.Canonical(pos.Quantity))

	lines, err := f.journal.Lines(*pos.LastJournalEntryID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, journal.Credit, lines[0].DrCr)
}

func TestProcessEventGuards(t *testing.T) {
	f, cleanup := newCAFixture(t)
	defer cleanup()

	_, err := f.service.ProcessEvent(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrEventNotFound)

	perShare := money.MustParse("1")
	eventID, err := f.events.CreateEvent(&Event{
		CAType:             TypeCashDividend,
		InstrumentID:       f.instrumentID,
		ExDate:             "2026-08-20",
		Currency:           strPtr("USD"),
		CashAmountPerShare: &perShare,
	})
	require.NoError(t, err)

	_, err = f.db.Conn().Exec(`UPDATE ca_event SET lifecycle = 'deleted' WHERE id = ?`, eventID)
	require.NoError(t, err)
	_, err = f.service.ProcessEvent(context.Background(), eventID)
	assert.ErrorIs(t, err, ErrEventNotActive)
}
