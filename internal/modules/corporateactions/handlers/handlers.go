// Package handlers exposes the corporate-action HTTP surface.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/polarisfin/polaris/internal/modules/corporateactions"
)

// WorkflowStarter starts the corporate-action processing workflow.
type WorkflowStarter interface {
	StartCorporateActionWorkflow(ctx context.Context, eventID int64) (workflowID, runID string, err error)
}

// Handler handles corporate-action endpoints.
type Handler struct {
	service *corporateactions.Service
	starter WorkflowStarter
	log     zerolog.Logger
}

// NewHandler creates a corporate-action handler.
func NewHandler(service *corporateactions.Service, starter WorkflowStarter, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		starter: starter,
		log:     log.With().Str("handler", "corporate_actions").Logger(),
	}
}

// RegisterRoutes registers corporate-action routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/corporate-actions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/{ca_event_id}", h.Get)
		r.Post("/{ca_event_id}/elections", h.CreateElection)
		r.Post("/{ca_event_id}/process", h.Process)
	})
}

type createEventRequest struct {
	CAType             string  `json:"ca_type"`
	InstrumentID       string  `json:"instrument_id"`
	ExDate             string  `json:"ex_date"`
	RecordDate         *string `json:"record_date"`
	PayDate            *string `json:"pay_date"`
	Currency           *string `json:"currency"`
	CashAmountPerShare *string `json:"cash_amount_per_share"`
	SplitNumerator     *string `json:"split_numerator"`
	SplitDenominator   *string `json:"split_denominator"`
	RequireElection    bool    `json:"require_election"`
}

// Create announces a corporate action.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_body")
		return
	}

	if req.CAType != corporateactions.TypeCashDividend && req.CAType != corporateactions.TypeStockSplit {
		writeError(w, http.StatusUnprocessableEntity, "invalid_ca_type")
		return
	}
	instrumentID, ok := parseNumericID(w, req.InstrumentID, "instrument_id")
	if !ok {
		return
	}
	if req.ExDate == "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid_ex_date")
		return
	}
	if req.Currency != nil && len(*req.Currency) != 3 {
		writeError(w, http.StatusUnprocessableEntity, "invalid_currency")
		return
	}

	event := &corporateactions.Event{
		CAType:          req.CAType,
		InstrumentID:    instrumentID,
		ExDate:          req.ExDate,
		RecordDate:      req.RecordDate,
		PayDate:         req.PayDate,
		Currency:        req.Currency,
		RequireElection: req.RequireElection,
	}
	for _, f := range []struct {
		raw  *string
		dst  **decimal.Decimal
		name string
	}{
		{req.CashAmountPerShare, &event.CashAmountPerShare, "cash_amount_per_share"},
		{req.SplitNumerator, &event.SplitNumerator, "split_numerator"},
		{req.SplitDenominator, &event.SplitDenominator, "split_denominator"},
	} {
		if f.raw == nil {
			continue
		}
		d, err := decimal.NewFromString(*f.raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_"+f.name)
			return
		}
		*f.dst = &d
	}

	eventID, err := h.service.Events().CreateEvent(event)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to create ca event")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ca_event_id": strconv.FormatInt(eventID, 10),
		"status":      corporateactions.StatusAnnounced,
	})
}

// Get returns one announced event.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.pathEventID(w, r)
	if !ok {
		return
	}

	event, err := h.service.Events().GetEvent(eventID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get ca event")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if event == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ca_event_id":      strconv.FormatInt(event.ID, 10),
		"ca_type":          event.CAType,
		"instrument_id":    strconv.FormatInt(event.InstrumentID, 10),
		"ex_date":          event.ExDate,
		"pay_date":         event.PayDate,
		"currency":         event.Currency,
		"status":           event.Status,
		"require_election": event.RequireElection,
	})
}

type createElectionRequest struct {
	PortfolioID string `json:"portfolio_id"`
	Choice      string `json:"choice"`
}

// CreateElection records a portfolio's accept/decline choice.
func (h *Handler) CreateElection(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.pathEventID(w, r)
	if !ok {
		return
	}

	var req createElectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_body")
		return
	}
	if req.Choice != corporateactions.ChoiceAccept && req.Choice != corporateactions.ChoiceDecline {
		writeError(w, http.StatusUnprocessableEntity, "invalid_choice")
		return
	}
	portfolioID, ok := parseNumericID(w, req.PortfolioID, "portfolio_id")
	if !ok {
		return
	}

	var actor *string
	if v := r.Header.Get("X-Actor"); v != "" {
		actor = &v
	}
	if err := h.service.Events().UpsertElection(eventID, portfolioID, req.Choice, actor); err != nil {
		h.log.Error().Err(err).Msg("Failed to record election")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"ca_event_id":  strconv.FormatInt(eventID, 10),
		"portfolio_id": req.PortfolioID,
		"choice":       req.Choice,
	})
}

// Process starts the processing workflow for an event.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.pathEventID(w, r)
	if !ok {
		return
	}

	event, err := h.service.Events().GetEvent(eventID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get ca event")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if event == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	workflowID, runID, err := h.starter.StartCorporateActionWorkflow(r.Context(), eventID)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("temporal_start_failed:%s", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"workflow_id": workflowID,
		"run_id":      runID,
	})
}

func (h *Handler) pathEventID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	return parseNumericID(w, chi.URLParam(r, "ca_event_id"), "ca_event_id")
}

func parseNumericID(w http.ResponseWriter, raw, field string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "invalid_"+field)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"detail": code})
}
