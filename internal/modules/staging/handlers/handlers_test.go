package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polarisfin/polaris/internal/idempotency"
	"github.com/polarisfin/polaris/internal/modules/instruments"
	"github.com/polarisfin/polaris/internal/modules/portfolio"
	"github.com/polarisfin/polaris/internal/modules/staging"
	polaristesting "github.com/polarisfin/polaris/internal/testing"
)

type fakeStarter struct {
	started []string
}

func (s *fakeStarter) StartStagingWorkflow(_ context.Context, stagingID string) (string, string, error) {
	s.started = append(s.started, stagingID)
	return "staging-" + stagingID, "run-1", nil
}

func setupRouter(t *testing.T) (*chi.Mux, *fakeStarter, int64, int64, func()) {
	t.Helper()
	db, cleanup := polaristesting.NewTestDB(t, "staging_handlers")
	conn := db.Conn()

	portfolios := portfolio.NewRepository(conn, zerolog.Nop())
	pid, err := portfolios.Create("GROWTH", "Growth Fund", "USD")
	require.NoError(t, err)

	sec := "US0000000001"
	ccy := "USD"
	instrumentRepo := instruments.NewRepository(conn, zerolog.Nop())
	iid, err := instrumentRepo.Create(instruments.TypeEquity, &sec, nil, nil, &ccy)
	require.NoError(t, err)

	service := staging.NewService(
		conn,
		staging.NewRepository(conn, zerolog.Nop()),
		staging.NewDealRepository(conn, zerolog.Nop()),
		portfolios,
		instrumentRepo,
		idempotency.NewStore(conn, zerolog.Nop()),
		zerolog.Nop(),
	)

	starter := &fakeStarter{}
	router := chi.NewRouter()
	NewHandler(service, starter, zerolog.Nop()).RegisterRoutes(router)
	return router, starter, pid, iid, cleanup
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetStaging(t *testing.T) {
	router, _, pid, iid, cleanup := setupRouter(t)
	defer cleanup()

	rec := doJSON(t, router, http.MethodPost, "/staging-transactions", map[string]string{
		"portfolio_id":   fmt.Sprintf("%d", pid),
		"instrument_id":  fmt.Sprintf("%d", iid),
		"trade_date":     "2026-08-20",
		"quantity":       "100",
		"price":          "10.5",
		"quote_currency": "USD",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "entry", created["status"])
	assert.Equal(t, "active", created["lifecycle"])

	rec = doJSON(t, router, http.MethodGet, "/staging-transactions/"+created["id"].(string), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/staging-transactions/9999", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var detail map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "not_found", detail["detail"])
}

func TestCreateStagingIdempotencyHeader(t *testing.T) {
	router, _, pid, iid, cleanup := setupRouter(t)
	defer cleanup()

	body := map[string]string{
		"portfolio_id":   fmt.Sprintf("%d", pid),
		"instrument_id":  fmt.Sprintf("%d", iid),
		"trade_date":     "2026-08-20",
		"quantity":       "100",
		"price":          "10",
		"quote_currency": "USD",
	}
	headers := map[string]string{"Idempotency-Key": "create-1"}

	first := doJSON(t, router, http.MethodPost, "/staging-transactions", body, headers)
	require.Equal(t, http.StatusOK, first.Code)
	second := doJSON(t, router, http.MethodPost, "/staging-transactions", body, headers)
	require.Equal(t, http.StatusOK, second.Code)

	var a, b map[string]interface{}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a["id"], b["id"])
}

func TestPatchStagingPassesAuditHeaders(t *testing.T) {
	router, _, pid, iid, cleanup := setupRouter(t)
	defer cleanup()

	rec := doJSON(t, router, http.MethodPost, "/staging-transactions", map[string]string{
		"portfolio_id":   fmt.Sprintf("%d", pid),
		"instrument_id":  fmt.Sprintf("%d", iid),
		"trade_date":     "2026-08-20",
		"quantity":       "100",
		"price":          "10",
		"quote_currency": "USD",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, router, http.MethodPatch, "/staging-transactions/"+created["id"].(string),
		map[string]string{"price": "11"},
		map[string]string{"X-Actor": "ops", "X-Change-Reason": "fat finger"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var patched map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &patched))
	assert.Equal(t, float64(2), patched["entry_version"])
}

func TestProcessStagingStartsWorkflow(t *testing.T) {
	router, starter, pid, iid, cleanup := setupRouter(t)
	defer cleanup()

	rec := doJSON(t, router, http.MethodPost, "/staging-transactions", map[string]string{
		"portfolio_id":   fmt.Sprintf("%d", pid),
		"instrument_id":  fmt.Sprintf("%d", iid),
		"trade_date":     "2026-08-20",
		"quantity":       "100",
		"price":          "10",
		"quote_currency": "USD",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"].(string)

	rec = doJSON(t, router, http.MethodPost, "/staging-transactions/"+id+"/process", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "staging-"+id, resp["workflow_id"])
	assert.Equal(t, []string{id}, starter.started)
}

func TestDealLifecycleOverHTTP(t *testing.T) {
	router, starter, pid, iid, cleanup := setupRouter(t)
	defer cleanup()

	rec := doJSON(t, router, http.MethodPost, "/staging-transactions/deals", map[string]interface{}{
		"instrument_id":    fmt.Sprintf("%d", iid),
		"transaction_type": "BUY",
		"trade_date":       "2026-08-20",
		"quantity":         "100",
		"price":            "10",
		"quote_currency":   "USD",
		"report_currency":  "USD",
		"allocations": []map[string]string{
			{"portfolio_id": fmt.Sprintf("%d", pid), "quantity": "100"},
		},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var deal map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deal))
	assert.Equal(t, "1000", deal["block_amount_qc"])

	blockStagingID := deal["block_staging_id"].(string)
	rec = doJSON(t, router, http.MethodPost, "/staging-transactions/deals/"+blockStagingID+"/process", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, starter.started, 1)

	blockID := deal["deal_block_id"].(string)
	rec = doJSON(t, router, http.MethodDelete, "/staging-transactions/deals/"+blockID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodDelete, "/staging-transactions/deals/"+blockID, nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInvalidTransactionTypeIs422(t *testing.T) {
	router, _, pid, iid, cleanup := setupRouter(t)
	defer cleanup()

	rec := doJSON(t, router, http.MethodPost, "/staging-transactions/deals", map[string]interface{}{
		"instrument_id":    fmt.Sprintf("%d", iid),
		"transaction_type": "SHORT",
		"trade_date":       "2026-08-20",
		"quantity":         "100",
		"price":            "10",
		"quote_currency":   "USD",
		"report_currency":  "USD",
		"allocations": []map[string]string{
			{"portfolio_id": fmt.Sprintf("%d", pid), "quantity": "100"},
		},
	}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var detail map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "invalid_transaction_type", detail["detail"])
}
