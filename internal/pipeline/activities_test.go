package pipeline

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polarisfin/polaris/internal/cache"
	"github.com/polarisfin/polaris/internal/database"
	"github.com/polarisfin/polaris/internal/idempotency"
	"github.com/polarisfin/polaris/internal/money"
	"github.com/polarisfin/polaris/internal/modules/corporateactions"
	"github.com/polarisfin/polaris/internal/modules/instruments"
	"github.com/polarisfin/polaris/internal/modules/journal"
	"github.com/polarisfin/polaris/internal/modules/marketdata"
	"github.com/polarisfin/polaris/internal/modules/nav"
	"github.com/polarisfin/polaris/internal/modules/portfolio"
	"github.com/polarisfin/polaris/internal/modules/staging"
	polaristesting "github.com/polarisfin/polaris/internal/testing"
)

type pipelineFixture struct {
	db           *database.DB
	activities   *Activities
	trades       *staging.Repository
	journal      *journal.Repository
	positions    *portfolio.PositionRepository
	marketData   *marketdata.Repository
	instruments  *instruments.Repository
	caEvents     *corporateactions.Repository
	navRuns      *nav.RunRepository
	portfolioID  int64
	instrumentID int64
}

func newPipelineFixture(t *testing.T) (*pipelineFixture, func()) {
	t.Helper()
	db, cleanup := polaristesting.NewTestDB(t, "pipeline")
	conn := db.Conn()
	log := zerolog.Nop()

	portfolios := portfolio.NewRepository(conn, log)
	pid, err := portfolios.Create("GROWTH", "Growth Fund", "USD")
	require.NoError(t, err)

	sec := "US0000000001"
	ccy := "USD"
	instrumentRepo := instruments.NewRepository(conn, log)
	iid, err := instrumentRepo.Create(instruments.TypeEquity, &sec, nil, nil, &ccy)
	require.NoError(t, err)

	positions := portfolio.NewPositionRepository(conn, log)
	journalRepo := journal.NewRepository(conn, log)
	marketData := marketdata.NewRepository(conn, log)
	trades := staging.NewRepository(conn, log)
	idem := idempotency.NewStore(conn, log)
	navRuns := nav.NewRunRepository(conn, log)
	caEvents := corporateactions.NewRepository(conn, log)

	navService := nav.NewService(positions, instrumentRepo, marketData, navRuns, log)
	caService := corporateactions.NewService(conn, caEvents, positions, instrumentRepo, journalRepo, idem, cache.Noop{}, log)

	activities := NewActivities(conn, trades, journalRepo, positions, portfolios, navService, caService, idem, cache.Noop{}, log)

	return &pipelineFixture{
		db:           db,
		activities:   activities,
		trades:       trades,
		journal:      journalRepo,
		positions:    positions,
		marketData:   marketData,
		instruments:  instrumentRepo,
		caEvents:     caEvents,
		navRuns:      navRuns,
		portfolioID:  pid,
		instrumentID: iid,
	}, cleanup
}

func (f *pipelineFixture) stage(t *testing.T, qty, price string) string {
	t.Helper()
	id, err := f.trades.Insert(&staging.PendingTrade{
		Level:         staging.LevelAllocation,
		PortfolioID:   &f.portfolioID,
		InstrumentID:  f.instrumentID,
		TradeDate:     "2026-08-20",
		Quantity:      money.MustParse(qty),
		Price:         money.MustParse(price),
		QuoteCurrency: "USD",
	})
	require.NoError(t, err)
	return strconv.FormatInt(id, 10)
}

func TestPipelineAdvancesTradeToSettled(t *testing.T) {
	f, cleanup := newPipelineFixture(t)
	defer cleanup()

	ctx := context.Background()
	sid := f.stage(t, "100", "10")

	pre, err := f.activities.Precheck(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusPreCheck, pre.Status)

	posted, err := f.activities.PostPosition(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusPosition, posted.Status)
	assert.NotEmpty(t, posted.JournalEntryID)

	alloc, err := f.activities.Allocate(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusAllocated, alloc.Status)

	settled, err := f.activities.Settle(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusSettled, settled.Status)

	id, _ := strconv.ParseInt(sid, 10, 64)
	trade, err := f.trades.Get(id)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusSettled, trade.Status)

	pos, err := f.positions.Get(f.portfolioID, f.instrumentID)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, "100", money.Canonical(pos.Quantity))

	n, err := f.journal.CountForTrade(id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEveryStepToleratesRetries(t *testing.T) {
	f, cleanup := newPipelineFixture(t)
	defer cleanup()

	ctx := context.Background()
	sid := f.stage(t, "100", "10")
	id, _ := strconv.ParseInt(sid, 10, 64)

	for i := 0; i < 2; i++ {
		_, err := f.activities.Precheck(ctx, sid)
		require.NoError(t, err)
	}

	first, err := f.activities.PostPosition(ctx, sid)
	require.NoError(t, err)
	second, err := f.activities.PostPosition(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, first, second, "the retry replays the stored response")

	n, err := f.journal.CountForTrade(id)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "retried posting must not double-book")

	pos, err := f.positions.Get(f.portfolioID, f.instrumentID)
	require.NoError(t, err)
	assert.Equal(t, "100", money.Canonical(pos.Quantity))

	for i := 0; i < 2; i++ {
		_, err := f.activities.Allocate(ctx, sid)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := f.activities.Settle(ctx, sid)
		require.NoError(t, err)
	}

	trade, err := f.trades.Get(id)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusSettled, trade.Status)
}

func TestPrecheckRejectsUnpostableTrades(t *testing.T) {
	f, cleanup := newPipelineFixture(t)
	defer cleanup()

	ctx := context.Background()

	_, err := f.activities.Precheck(ctx, "9999")
	assert.EqualError(t, err, "staging_not_found")

	sid := f.stage(t, "0", "10")
	_, err = f.activities.Precheck(ctx, sid)
	assert.EqualError(t, err, "quantity_zero")

	sid = f.stage(t, "100", "0")
	_, err = f.activities.Precheck(ctx, sid)
	assert.EqualError(t, err, "price_invalid")

	_, err = f.activities.Precheck(ctx, "not-a-number")
	assert.EqualError(t, err, "staging_id_invalid")
}

func TestPostPositionOutOfOrderFails(t *testing.T) {
	f, cleanup := newPipelineFixture(t)
	defer cleanup()

	sid := f.stage(t, "100", "10")

	// Posting before pre-check observes the entry status.
	_, err := f.activities.PostPosition(context.Background(), sid)
	assert.EqualError(t, err, "unexpected_status:entry")
}

func TestAllocateRequiresPortfolioOnAllocationLevel(t *testing.T) {
	f, cleanup := newPipelineFixture(t)
	defer cleanup()

	ctx := context.Background()
	id, err := f.trades.Insert(&staging.PendingTrade{
		Level:         staging.LevelAllocation,
		InstrumentID:  f.instrumentID,
		TradeDate:     "2026-08-20",
		Quantity:      money.MustParse("10"),
		Price:         money.MustParse("5"),
		QuoteCurrency: "USD",
	})
	require.NoError(t, err)
	sid := strconv.FormatInt(id, 10)

	_, err = f.activities.Precheck(ctx, sid)
	require.NoError(t, err)
	_, err = f.activities.PostPosition(ctx, sid)
	require.NoError(t, err)

	_, err = f.activities.Allocate(ctx, sid)
	assert.EqualError(t, err, "allocation_requires_portfolio")
}

func TestSnapshotAndAborNavActivities(t *testing.T) {
	f, cleanup := newPipelineFixture(t)
	defer cleanup()

	ctx := context.Background()
	const asofDate = "2026-08-24"
	pid := strconv.FormatInt(f.portfolioID, 10)

	_, err := f.positions.ApplyDelta(f.portfolioID, f.instrumentID, money.MustParse("10"), 1)
	require.NoError(t, err)

	marked := time.Date(2026, 8, 24, 21, 0, 0, 0, time.UTC)
	require.NoError(t, f.marketData.InsertPrice(f.instrumentID, marked, money.MustParse("5"), "USD", true, nil))

	snap, err := f.activities.SnapshotPositions(ctx, pid, asofDate)
	require.NoError(t, err)
	assert.Equal(t, "ok", snap.Snapshot)

	// Retried snapshots replay.
	again, err := f.activities.SnapshotPositions(ctx, pid, asofDate)
	require.NoError(t, err)
	assert.Equal(t, snap, again)

	navResult, err := f.activities.ComputeAborNav(ctx, pid, asofDate)
	require.NoError(t, err)
	assert.Equal(t, asofDate, navResult.AsofDate)

	replay, err := f.activities.ComputeAborNav(ctx, pid, asofDate)
	require.NoError(t, err)
	assert.Equal(t, navResult, replay)

	stored, err := f.navRuns.GetABORResult(f.portfolioID, asofDate)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "50", stored.NavRC)
	assert.Equal(t, navResult.NavRunID, strconv.FormatInt(stored.RunID, 10))
}

func TestProcessCorporateActionActivity(t *testing.T) {
	f, cleanup := newPipelineFixture(t)
	defer cleanup()

	_, err := f.positions.ApplyDelta(f.portfolioID, f.instrumentID, money.MustParse("100"), 1)
	require.NoError(t, err)

	perShare := money.MustParse("0.5")
	currency := "USD"
	eventID, err := f.caEvents.CreateEvent(&corporateactions.Event{
		CAType:             corporateactions.TypeCashDividend,
		InstrumentID:       f.instrumentID,
		ExDate:             "2026-08-20",
		Currency:           &currency,
		CashAmountPerShare: &perShare,
	})
	require.NoError(t, err)

	result, err := f.activities.ProcessCorporateAction(context.Background(), strconv.FormatInt(eventID, 10))
	require.NoError(t, err)
	assert.Equal(t, corporateactions.StatusProcessed, result.Status)
	assert.Equal(t, 1, result.ProcessedPortfolios)

	_, err = f.activities.ProcessCorporateAction(context.Background(), "bogus")
	assert.EqualError(t, err, "ca_event_id_invalid")
}
