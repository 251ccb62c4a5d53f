// Package main is the entry point for the Polaris API server: trade
// staging, deal adjustments, NAV, and corporate actions over HTTP.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/polarisfin/polaris/internal/app"
	"github.com/polarisfin/polaris/internal/config"
	"github.com/polarisfin/polaris/internal/server"
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

	log.Info().Msg("Starting Polaris API server")

	container, err := app.Build(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire application")
	}
	defer container.Close()

	srv := server.New(server.Config{
		Log:            log,
		DB:             container.DB,
		Config:         cfg,
		Cache:          container.Cache,
		Workflows:      container.Workflows,
		StagingService: container.StagingService,
		NavService:     container.NavService,
		CAService:      container.CAService,
		Portfolios:     container.Portfolios,
		Idempotency:    container.Idempotency,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
	log.Info().Msg("Polaris API server stopped")
}
