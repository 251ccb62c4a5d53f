// Package handlers exposes the staging HTTP surface.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/polarisfin/polaris/internal/apierror"
	"github.com/polarisfin/polaris/internal/modules/staging"
)

// Handler handles staging endpoints.
type Handler struct {
	service *staging.Service
	starter staging.WorkflowStarter
	log     zerolog.Logger
}

// NewHandler creates a staging handler.
func NewHandler(service *staging.Service, starter staging.WorkflowStarter, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		starter: starter,
		log:     log.With().Str("handler", "staging").Logger(),
	}
}

// RegisterRoutes registers staging routes on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/staging-transactions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Post("/deals", h.CreateDeal)
		r.Patch("/deals/{deal_block_id}", h.ModifyDeal)
		r.Delete("/deals/{deal_block_id}", h.DeleteDeal)
		r.Post("/deals/{block_staging_id}/process", h.ProcessDeal)
		r.Get("/{staging_id}", h.Get)
		r.Patch("/{staging_id}", h.Update)
		r.Post("/{staging_id}/process", h.Process)
	})
}

// Create stages a single trade.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req staging.CreateStagingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_body")
		return
	}

	resp, err := h.service.CreateSingle(req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get returns one staged trade.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "staging_id")
	if !ok {
		return
	}
	resp, err := h.service.Get(id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Update edits an entry-status trade.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "staging_id")
	if !ok {
		return
	}

	var req staging.UpdateStagingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_body")
		return
	}

	resp, err := h.service.Patch(id, req, headerPtr(r, "X-Actor"), headerPtr(r, "X-Change-Reason"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateDeal stages a block trade with allocations.
func (h *Handler) CreateDeal(w http.ResponseWriter, r *http.Request) {
	var req staging.CreateDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_body")
		return
	}

	resp, err := h.service.CreateDeal(req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ModifyDeal restates a block's allocations.
func (h *Handler) ModifyDeal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "deal_block_id")
	if !ok {
		return
	}

	var req staging.ModifyDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_body")
		return
	}

	resp, err := h.service.ModifyDeal(id, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteDeal reverses and soft-deletes a block.
func (h *Handler) DeleteDeal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "deal_block_id")
	if !ok {
		return
	}

	resp, err := h.service.DeleteDeal(id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Process starts the settlement pipeline for one staged trade.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "staging_id")
	if !ok {
		return
	}

	resp, err := h.service.ProcessSingle(r.Context(), id, r.Header.Get("Idempotency-Key"), h.starter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ProcessDeal starts pipelines for all processable allocations of a
// deal.
func (h *Handler) ProcessDeal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "block_staging_id")
	if !ok {
		return
	}

	resp, err := h.service.ProcessDeal(r.Context(), id, r.Header.Get("Idempotency-Key"), h.starter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, field string) (int64, bool) {
	raw := chi.URLParam(r, field)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "invalid_"+field)
		return 0, false
	}
	return id, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		writeError(w, apiErr.Status, apiErr.Code)
		return
	}
	h.log.Error().Err(err).Msg("Staging request failed")
	writeError(w, http.StatusInternalServerError, "internal_error")
}

func headerPtr(r *http.Request, name string) *string {
	if v := r.Header.Get(name); v != "" {
		return &v
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"detail": code})
}
