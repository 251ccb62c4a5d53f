// Package handlers exposes the NAV HTTP surface.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/polarisfin/polaris/internal/cache"
	"github.com/polarisfin/polaris/internal/idempotency"
	"github.com/polarisfin/polaris/internal/modules/nav"
	"github.com/polarisfin/polaris/internal/modules/portfolio"
)

// AborRunStarter starts the EOD valuation workflow for one portfolio and
// date.
type AborRunStarter interface {
	StartAborNavWorkflow(ctx context.Context, portfolioID int64, asofDate string) (workflowID, runID string, err error)
}

// Handler handles NAV endpoints.
type Handler struct {
	service    *nav.Service
	portfolios *portfolio.Repository
	idem       *idempotency.Store
	cache      cache.Cache
	starter    AborRunStarter
	log        zerolog.Logger
}

// NewHandler creates a NAV handler.
func NewHandler(
	service *nav.Service,
	portfolios *portfolio.Repository,
	idem *idempotency.Store,
	c cache.Cache,
	starter AborRunStarter,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		service:    service,
		portfolios: portfolios,
		idem:       idem,
		cache:      c,
		starter:    starter,
		log:        log.With().Str("handler", "nav").Logger(),
	}
}

// RegisterRoutes registers NAV routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/nav", func(r chi.Router) {
		r.Get("/ibor/{portfolio_id}", h.GetIBOR)
		r.Post("/ibor/{portfolio_id}/snapshot", h.SnapshotIBOR)
		r.Post("/abor/{portfolio_id}/run", h.RunABOR)
		r.Get("/abor/{portfolio_id}/result", h.GetABORResult)
	})
}

// GetIBOR computes a realtime IBOR valuation, records the run, and
// writes the payload through to the cache.
func (h *Handler) GetIBOR(w http.ResponseWriter, r *http.Request) {
	portfolioID, reportCurrency, ok := h.resolvePortfolio(w, r)
	if !ok {
		return
	}

	payload, err := h.service.ComputeIBOR(portfolioID, reportCurrency, time.Now().UTC())
	if err != nil {
		h.writeComputeError(w, err)
		return
	}

	if _, err := h.service.Runs().PersistIBOR(nav.RunTypeRealtime, portfolioID, payload); err != nil {
		h.log.Error().Err(err).Msg("Failed to persist realtime IBOR run")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	if err := h.cache.SetIBORNav(r.Context(), portfolioID, payload); err != nil {
		h.log.Warn().Err(err).Int64("portfolio_id", portfolioID).Msg("IBOR NAV cache write failed")
	}

	writeJSON(w, http.StatusOK, payload)
}

// SnapshotIBOR computes and persists a point-in-time IBOR snapshot run.
// Replays of the same Idempotency-Key return the original response.
func (h *Handler) SnapshotIBOR(w http.ResponseWriter, r *http.Request) {
	portfolioID, reportCurrency, ok := h.resolvePortfolio(w, r)
	if !ok {
		return
	}

	scope := fmt.Sprintf("api:ibor_snapshot:%d", portfolioID)
	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		stored, err := h.idem.GetResponse(scope, key)
		if err != nil {
			h.log.Error().Err(err).Msg("Idempotency lookup failed")
			writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		if stored != nil {
			writeRaw(w, http.StatusOK, stored)
			return
		}
		if _, err := h.idem.Claim(scope, key, nil); err != nil {
			h.log.Error().Err(err).Msg("Idempotency claim failed")
			writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}
	}

	payload, err := h.service.ComputeIBOR(portfolioID, reportCurrency, time.Now().UTC())
	if err != nil {
		h.writeComputeError(w, err)
		return
	}

	runID, err := h.service.Runs().PersistIBOR(nav.RunTypeSnapshot, portfolioID, payload)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to persist IBOR snapshot run")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	resp := map[string]string{"nav_run_id": strconv.FormatInt(runID, 10)}
	if key != "" {
		if err := h.idem.StoreResponse(scope, key, resp); err != nil {
			h.log.Error().Err(err).Msg("Failed to store idempotent snapshot response")
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type runABORRequest struct {
	AsofDate string `json:"asof_date"`
}

// RunABOR starts the EOD valuation workflow for a portfolio and date.
func (h *Handler) RunABOR(w http.ResponseWriter, r *http.Request) {
	portfolioID, _, ok := h.resolvePortfolio(w, r)
	if !ok {
		return
	}

	var req runABORRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_body")
		return
	}
	if _, err := time.Parse("2006-01-02", req.AsofDate); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_asof_date")
		return
	}

	workflowID, runID, err := h.starter.StartAborNavWorkflow(r.Context(), portfolioID, req.AsofDate)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("temporal_start_failed:%s", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"workflow_id": workflowID,
		"run_id":      runID,
	})
}

// GetABORResult returns the completed EOD run for ?asof_date=.
func (h *Handler) GetABORResult(w http.ResponseWriter, r *http.Request) {
	portfolioID, _, ok := h.resolvePortfolio(w, r)
	if !ok {
		return
	}

	asofDate := r.URL.Query().Get("asof_date")
	if _, err := time.Parse("2006-01-02", asofDate); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_asof_date")
		return
	}

	result, err := h.service.Runs().GetABORResult(portfolioID, asofDate)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read ABOR result")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if result == nil {
		writeError(w, http.StatusNotFound, "nav_not_found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"nav_run_id": strconv.FormatInt(result.RunID, 10),
		"nav_rc":     result.NavRC,
	})
}

// resolvePortfolio parses the path id and loads the report currency.
func (h *Handler) resolvePortfolio(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	raw := chi.URLParam(r, "portfolio_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "invalid_portfolio_id")
		return 0, "", false
	}

	reportCurrency, err := h.portfolios.ReportCurrency(id)
	if errors.Is(err, portfolio.ErrNotFound) {
		writeError(w, http.StatusNotFound, "portfolio_not_found")
		return 0, "", false
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to resolve portfolio")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return 0, "", false
	}
	return id, reportCurrency, true
}

// writeComputeError maps market-data gaps to 422 with the gap detail.
func (h *Handler) writeComputeError(w http.ResponseWriter, err error) {
	msg := err.Error()
	if isMarketDataGap(msg) {
		writeError(w, http.StatusUnprocessableEntity, msg)
		return
	}
	h.log.Error().Err(err).Msg("NAV computation failed")
	writeError(w, http.StatusInternalServerError, "internal_error")
}

func isMarketDataGap(msg string) bool {
	for _, prefix := range []string{"price_missing:", "eod_price_missing:", "fx_rate_missing:"} {
		if len(msg) >= len(prefix) && msg[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"detail": code})
}
