// Package app wires the application dependency graph shared by the API
// server and the worker.
package app

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/polarisfin/polaris/internal/cache"
	"github.com/polarisfin/polaris/internal/config"
	"github.com/polarisfin/polaris/internal/database"
	"github.com/polarisfin/polaris/internal/idempotency"
	"github.com/polarisfin/polaris/internal/modules/corporateactions"
	"github.com/polarisfin/polaris/internal/modules/instruments"
	"github.com/polarisfin/polaris/internal/modules/journal"
	"github.com/polarisfin/polaris/internal/modules/marketdata"
	"github.com/polarisfin/polaris/internal/modules/nav"
	"github.com/polarisfin/polaris/internal/modules/portfolio"
	"github.com/polarisfin/polaris/internal/modules/staging"
	"github.com/polarisfin/polaris/internal/pipeline"
)

// Container holds the wired repositories and services.
type Container struct {
	Config *config.Config
	DB     *database.DB
	Cache  cache.Cache

	Portfolios  *portfolio.Repository
	Positions   *portfolio.PositionRepository
	Instruments *instruments.Repository
	Journal     *journal.Repository
	MarketData  *marketdata.Repository
	Trades      *staging.Repository
	Deals       *staging.DealRepository
	Idempotency *idempotency.Store

	StagingService *staging.Service
	NavService     *nav.Service
	CAService      *corporateactions.Service

	Workflows  *pipeline.Client
	Activities *pipeline.Activities
}

// Build opens the database, runs migrations, connects the cache, and
// wires every repository and service.
func Build(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	db, err := database.New(database.Config{
		Path:    cfg.DatabasePath,
		Profile: database.ProfileLedger,
		Name:    "polaris",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	var c cache.Cache = cache.Noop{}
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedis(cfg.RedisURL, log)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect redis: %w", err)
		}
		c = redisCache
	}

	conn := db.Conn()
	portfolios := portfolio.NewRepository(conn, log)
	positions := portfolio.NewPositionRepository(conn, log)
	instrumentRepo := instruments.NewRepository(conn, log)
	journalRepo := journal.NewRepository(conn, log)
	marketData := marketdata.NewRepository(conn, log)
	trades := staging.NewRepository(conn, log)
	deals := staging.NewDealRepository(conn, log)
	idem := idempotency.NewStore(conn, log)
	navRuns := nav.NewRunRepository(conn, log)
	caRepo := corporateactions.NewRepository(conn, log)

	stagingService := staging.NewService(conn, trades, deals, portfolios, instrumentRepo, idem, log)
	navService := nav.NewService(positions, instrumentRepo, marketData, navRuns, log)
	caService := corporateactions.NewService(conn, caRepo, positions, instrumentRepo, journalRepo, idem, c, log)

	workflows := pipeline.NewClient(cfg, log)
	activities := pipeline.NewActivities(
		conn, trades, journalRepo, positions, portfolios, navService, caService, idem, c, log,
	)

	return &Container{
		Config:         cfg,
		DB:             db,
		Cache:          c,
		Portfolios:     portfolios,
		Positions:      positions,
		Instruments:    instrumentRepo,
		Journal:        journalRepo,
		MarketData:     marketData,
		Trades:         trades,
		Deals:          deals,
		Idempotency:    idem,
		StagingService: stagingService,
		NavService:     navService,
		CAService:      caService,
		Workflows:      workflows,
		Activities:     activities,
	}, nil
}

// Close releases the container's resources.
func (c *Container) Close() {
	c.Workflows.Close()
	_ = c.Cache.Close()
	_ = c.DB.Close()
}
