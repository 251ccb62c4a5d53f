package pipeline

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Workflow names match the registered function names so the API can
// start workflows without importing worker registration.
const (
	StagingWorkflowName         = "StagingTransactionWorkflow"
	AborNavWorkflowName         = "AborNavWorkflow"
	CorporateActionWorkflowName = "CorporateActionWorkflow"
)

func activityOptions(timeout time.Duration) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 10,
		},
	}
}

// StagingTransactionWorkflow drives one staged trade through
// pre_check, position, allocated, and settled. Each step is an
// idempotent activity, so retries never double-post.
func StagingTransactionWorkflow(ctx workflow.Context, stagingID string) (string, error) {
	var a *Activities

	stepCtx := workflow.WithActivityOptions(ctx, activityOptions(30*time.Second))
	if err := workflow.ExecuteActivity(stepCtx, a.Precheck, stagingID).Get(ctx, nil); err != nil {
		return "", err
	}

	stepCtx = workflow.WithActivityOptions(ctx, activityOptions(60*time.Second))
	if err := workflow.ExecuteActivity(stepCtx, a.PostPosition, stagingID).Get(ctx, nil); err != nil {
		return "", err
	}
	if err := workflow.ExecuteActivity(stepCtx, a.Allocate, stagingID).Get(ctx, nil); err != nil {
		return "", err
	}
	if err := workflow.ExecuteActivity(stepCtx, a.Settle, stagingID).Get(ctx, nil); err != nil {
		return "", err
	}
	return "ok", nil
}

// AborNavWorkflow snapshots a portfolio's positions for a date and
// values the snapshot.
func AborNavWorkflow(ctx workflow.Context, portfolioID, asofDate string) (string, error) {
	var a *Activities

	snapshotCtx := workflow.WithActivityOptions(ctx, activityOptions(60*time.Second))
	if err := workflow.ExecuteActivity(snapshotCtx, a.SnapshotPositions, portfolioID, asofDate).Get(ctx, nil); err != nil {
		return "", err
	}

	computeCtx := workflow.WithActivityOptions(ctx, activityOptions(120*time.Second))
	if err := workflow.ExecuteActivity(computeCtx, a.ComputeAborNav, portfolioID, asofDate).Get(ctx, nil); err != nil {
		return "", err
	}
	return "ok", nil
}

// CorporateActionWorkflow applies one CA event to its holders.
func CorporateActionWorkflow(ctx workflow.Context, caEventID string) (string, error) {
	var a *Activities

	stepCtx := workflow.WithActivityOptions(ctx, activityOptions(300*time.Second))
	if err := workflow.ExecuteActivity(stepCtx, a.ProcessCorporateAction, caEventID).Get(ctx, nil); err != nil {
		return "", err
	}
	return "ok", nil
}
