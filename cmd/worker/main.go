// Package main is the entry point for the Polaris worker: it hosts the
// Temporal workflows and activities and drives the nightly EOD
// valuation schedule.
package main

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	sdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/polarisfin/polaris/internal/app"
	"github.com/polarisfin/polaris/internal/config"
	"github.com/polarisfin/polaris/internal/pipeline"
	"github.com/polarisfin/polaris/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting Polaris worker")

	container, err := app.Build(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire application")
	}
	defer container.Close()

	temporalClient, err := sdkclient.Dial(sdkclient.Options{
		HostPort:  cfg.WorkflowAddress,
		Namespace: cfg.WorkflowNamespace,
	})
	if err != nil {
		log.Fatal().Err(err).Str("address", cfg.WorkflowAddress).Msg("Failed to connect to Temporal")
	}
	defer temporalClient.Close()

	w := worker.New(temporalClient, cfg.WorkflowTaskQueue, worker.Options{})
	w.RegisterWorkflow(pipeline.StagingTransactionWorkflow)
	w.RegisterWorkflow(pipeline.AborNavWorkflow)
	w.RegisterWorkflow(pipeline.CorporateActionWorkflow)
	w.RegisterActivity(container.Activities)

	// Nightly EOD valuation for the previous UTC day, after midnight so
	// the trading day is closed everywhere the book cares about.
	scheduler := cron.New(cron.WithLocation(time.UTC))
	_, err = scheduler.AddFunc("30 0 * * *", func() {
		asofDate := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
		ids, err := container.Portfolios.ListIDs()
		if err != nil {
			log.Error().Err(err).Msg("EOD schedule failed to list portfolios")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		for _, portfolioID := range ids {
			workflowID, _, err := container.Workflows.StartAborNavWorkflow(ctx, portfolioID, asofDate)
			if err != nil {
				log.Error().Err(err).
					Int64("portfolio_id", portfolioID).
					Str("asof_date", asofDate).
					Msg("Failed to start EOD valuation workflow")
				continue
			}
			log.Info().Str("workflow_id", workflowID).Msg("EOD valuation workflow started")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register EOD schedule")
	}
	scheduler.Start()
	defer scheduler.Stop()

	log.Info().Str("task_queue", cfg.WorkflowTaskQueue).Msg("Worker listening")
	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Fatal().Err(err).Msg("Worker stopped with error")
	}
}
