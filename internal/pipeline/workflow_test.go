package pipeline

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/polarisfin/polaris/internal/money"
	"github.com/polarisfin/polaris/internal/modules/staging"
)

func newWorkflowEnv(t *testing.T, f *pipelineFixture) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterActivity(f.activities)
	return env
}

func TestStagingTransactionWorkflowSettlesTrade(t *testing.T) {
	f, cleanup := newPipelineFixture(t)
	defer cleanup()

	sid := f.stage(t, "100", "10")
	env := newWorkflowEnv(t, f)

	env.ExecuteWorkflow(StagingTransactionWorkflow, sid)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out string
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, "ok", out)

	id, _ := strconv.ParseInt(sid, 10, 64)
	trade, err := f.trades.Get(id)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusSettled, trade.Status)

	n, err := f.journal.CountForTrade(id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStagingTransactionWorkflowFailsClosedOnBadTrade(t *testing.T) {
	f, cleanup := newPipelineFixture(t)
	defer cleanup()

	sid := f.stage(t, "0", "10")
	env := newWorkflowEnv(t, f)

	env.ExecuteWorkflow(StagingTransactionWorkflow, sid)
	require.True(t, env.IsWorkflowCompleted())
	assert.Error(t, env.GetWorkflowError())

	id, _ := strconv.ParseInt(sid, 10, 64)
	trade, err := f.trades.Get(id)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusEntry, trade.Status, "failed pre-check leaves the trade at entry")
}

func TestAborNavWorkflowSnapshotsAndValues(t *testing.T) {
	f, cleanup := newPipelineFixture(t)
	defer cleanup()

	const asofDate = "2026-08-24"
	_, err := f.positions.ApplyDelta(f.portfolioID, f.instrumentID, money.MustParse("10"), 1)
	require.NoError(t, err)
	marked := time.Date(2026, 8, 24, 21, 0, 0, 0, time.UTC)
	require.NoError(t, f.marketData.InsertPrice(f.instrumentID, marked, money.MustParse("5"), "USD", true, nil))

	env := newWorkflowEnv(t, f)
	env.ExecuteWorkflow(AborNavWorkflow, strconv.FormatInt(f.portfolioID, 10), asofDate)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	result, err := f.navRuns.GetABORResult(f.portfolioID, asofDate)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "50", result.NavRC)
}
