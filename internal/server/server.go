// Package server provides the HTTP server and routing for Polaris.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/polarisfin/polaris/internal/cache"
	"github.com/polarisfin/polaris/internal/config"
	"github.com/polarisfin/polaris/internal/database"
	"github.com/polarisfin/polaris/internal/idempotency"
	"github.com/polarisfin/polaris/internal/modules/corporateactions"
	cahandlers "github.com/polarisfin/polaris/internal/modules/corporateactions/handlers"
	"github.com/polarisfin/polaris/internal/modules/nav"
	navhandlers "github.com/polarisfin/polaris/internal/modules/nav/handlers"
	"github.com/polarisfin/polaris/internal/modules/portfolio"
	"github.com/polarisfin/polaris/internal/modules/staging"
	staginghandlers "github.com/polarisfin/polaris/internal/modules/staging/handlers"
	"github.com/polarisfin/polaris/internal/pipeline"
)

// Config holds the wired dependencies for the HTTP surface.
type Config struct {
	Log            zerolog.Logger
	DB             *database.DB
	Config         *config.Config
	Cache          cache.Cache
	Workflows      *pipeline.Client
	StagingService *staging.Service
	NavService     *nav.Service
	CAService      *corporateactions.Service
	Portfolios     *portfolio.Repository
	Idempotency    *idempotency.Store
}

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	db     *database.DB
	cfg    Config
}

// New creates the HTTP server with the full middleware stack and all
// module routes mounted.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		db:     cfg.DB,
		cfg:    cfg,
	}

	s.setupMiddleware(cfg.Config.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Actor", "X-Change-Reason"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	stagingHandler := staginghandlers.NewHandler(s.cfg.StagingService, s.cfg.Workflows, s.log)
	stagingHandler.RegisterRoutes(s.router)

	navHandler := navhandlers.NewHandler(
		s.cfg.NavService, s.cfg.Portfolios, s.cfg.Idempotency, s.cfg.Cache, s.cfg.Workflows, s.log,
	)
	navHandler.RegisterRoutes(s.router)

	caHandler := cahandlers.NewHandler(s.cfg.CAService, s.cfg.Workflows, s.log)
	caHandler.RegisterRoutes(s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.HealthCheck(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("Health check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Config.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
