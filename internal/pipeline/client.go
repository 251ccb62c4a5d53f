package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"github.com/polarisfin/polaris/internal/config"
)

// Client starts pipeline workflows. The Temporal connection is dialed
// lazily so the API can come up before the Temporal server does.
type Client struct {
	cfg *config.Config
	log zerolog.Logger

	mu   sync.Mutex
	conn client.Client
}

// NewClient creates a lazy workflow client.
func NewClient(cfg *config.Config, log zerolog.Logger) *Client {
	return &Client{
		cfg: cfg,
		log: log.With().Str("component", "temporal").Logger(),
	}
}

func (c *Client) dial() (client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := client.Dial(client.Options{
		HostPort:  c.cfg.WorkflowAddress,
		Namespace: c.cfg.WorkflowNamespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial temporal at %s: %w", c.cfg.WorkflowAddress, err)
	}
	c.conn = conn
	c.log.Info().Str("address", c.cfg.WorkflowAddress).Msg("Connected to Temporal")
	return conn, nil
}

// StartStagingWorkflow starts the settlement pipeline for a staged
// trade under the deterministic id staging-{id}.
func (c *Client) StartStagingWorkflow(ctx context.Context, stagingID string) (string, string, error) {
	workflowID := fmt.Sprintf("staging-%s", stagingID)
	return c.start(ctx, workflowID, StagingWorkflowName, stagingID)
}

// StartAborNavWorkflow starts the EOD valuation workflow under
// abor-nav-{portfolio}-{date}. Reruns for the same date are allowed;
// the activities converge on the existing run.
func (c *Client) StartAborNavWorkflow(ctx context.Context, portfolioID int64, asofDate string) (string, string, error) {
	pid := strconv.FormatInt(portfolioID, 10)
	workflowID := fmt.Sprintf("abor-nav-%s-%s", pid, asofDate)
	return c.start(ctx, workflowID, AborNavWorkflowName, pid, asofDate)
}

// StartCorporateActionWorkflow starts processing of a CA event under
// ca-{id}.
func (c *Client) StartCorporateActionWorkflow(ctx context.Context, eventID int64) (string, string, error) {
	eid := strconv.FormatInt(eventID, 10)
	workflowID := fmt.Sprintf("ca-%s", eid)
	return c.start(ctx, workflowID, CorporateActionWorkflowName, eid)
}

func (c *Client) start(ctx context.Context, workflowID, workflowName string, args ...interface{}) (string, string, error) {
	conn, err := c.dial()
	if err != nil {
		return "", "", err
	}

	run, err := conn.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    workflowID,
		TaskQueue:             c.cfg.WorkflowTaskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}, workflowName, args...)
	if err != nil {
		return "", "", fmt.Errorf("failed to start workflow %s: %w", workflowID, err)
	}

	c.log.Info().
		Str("workflow_id", workflowID).
		Str("run_id", run.GetRunID()).
		Str("workflow", workflowName).
		Msg("Workflow started")
	return workflowID, run.GetRunID(), nil
}

// Close releases the Temporal connection if it was dialed.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
