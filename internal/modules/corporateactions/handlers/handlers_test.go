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

	"github.com/polarisfin/polaris/internal/cache"
	"github.com/polarisfin/polaris/internal/idempotency"
	"github.com/polarisfin/polaris/internal/modules/corporateactions"
	"github.com/polarisfin/polaris/internal/modules/instruments"
	"github.com/polarisfin/polaris/internal/modules/journal"
	"github.com/polarisfin/polaris/internal/modules/portfolio"
	polaristesting "github.com/polarisfin/polaris/internal/testing"
)

type fakeStarter struct {
	started []int64
}

func (s *fakeStarter) StartCorporateActionWorkflow(_ context.Context, eventID int64) (string, string, error) {
	s.started = append(s.started, eventID)
	return fmt.Sprintf("ca-%d", eventID), "run-1", nil
}

func setupRouter(t *testing.T) (*chi.Mux, *fakeStarter, int64, int64, func()) {
	t.Helper()
	db, cleanup := polaristesting.NewTestDB(t, "ca_handlers")
	conn := db.Conn()
	log := zerolog.Nop()

	pid, err := portfolio.NewRepository(conn, log).Create("GROWTH", "Growth Fund", "USD")
	require.NoError(t, err)

	sec := "US0000000001"
	ccy := "USD"
	iid, err := instruments.NewRepository(conn, log).Create(instruments.TypeEquity, &sec, nil, nil, &ccy)
	require.NoError(t, err)

	service := corporateactions.NewService(
		conn,
		corporateactions.NewRepository(conn, log),
		portfolio.NewPositionRepository(conn, log),
		instruments.NewRepository(conn, log),
		journal.NewRepository(conn, log),
		idempotency.NewStore(conn, log),
		cache.Noop{},
		log,
	)

	starter := &fakeStarter{}
	router := chi.NewRouter()
	NewHandler(service, starter, log).RegisterRoutes(router)
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

func TestAnnounceAndFetchEvent(t *testing.T) {
	router, _, _, iid, cleanup := setupRouter(t)
	defer cleanup()

	rec := doJSON(t, router, http.MethodPost, "/corporate-actions", map[string]interface{}{
		"ca_type":               "cash_dividend",
		"instrument_id":         fmt.Sprintf("%d", iid),
		"ex_date":               "2026-08-20",
		"pay_date":              "2026-08-25",
		"currency":              "USD",
		"cash_amount_per_share": "0.5",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "announced", created["status"])

	rec = doJSON(t, router, http.MethodGet, "/corporate-actions/"+created["ca_event_id"], nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var fetched map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, "cash_dividend", fetched["ca_type"])
	assert.Equal(t, "2026-08-20", fetched["ex_date"])
	assert.Equal(t, false, fetched["require_election"])

	rec = doJSON(t, router, http.MethodGet, "/corporate-actions/9999", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnnounceValidation(t *testing.T) {
	router, _, _, iid, cleanup := setupRouter(t)
	defer cleanup()

	cases := []struct {
		name string
		body map[string]interface{}
		code string
	}{
		{
			name: "bad type",
			body: map[string]interface{}{"ca_type": "spinoff", "instrument_id": fmt.Sprintf("%d", iid), "ex_date": "2026-08-20"},
			code: "invalid_ca_type",
		},
		{
			name: "missing ex date",
			body: map[string]interface{}{"ca_type": "stock_split", "instrument_id": fmt.Sprintf("%d", iid)},
			code: "invalid_ex_date",
		},
		{
			name: "bad currency",
			body: map[string]interface{}{"ca_type": "cash_dividend", "instrument_id": fmt.Sprintf("%d", iid), "ex_date": "2026-08-20", "currency": "US"},
			code: "invalid_currency",
		},
		{
			name: "bad decimal",
			body: map[string]interface{}{"ca_type": "cash_dividend", "instrument_id": fmt.Sprintf("%d", iid), "ex_date": "2026-08-20", "cash_amount_per_share": "x"},
			code: "invalid_cash_amount_per_share",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/corporate-actions", tc.body, nil)
			require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			var detail map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
			assert.Equal(t, tc.code, detail["detail"])
		})
	}
}

func TestElectionUpsert(t *testing.T) {
	router, _, pid, iid, cleanup := setupRouter(t)
	defer cleanup()

	rec := doJSON(t, router, http.MethodPost, "/corporate-actions", map[string]interface{}{
		"ca_type":               "cash_dividend",
		"instrument_id":         fmt.Sprintf("%d", iid),
		"ex_date":               "2026-08-20",
		"currency":              "USD",
		"cash_amount_per_share": "0.5",
		"require_election":      true,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	path := "/corporate-actions/" + created["ca_event_id"] + "/elections"
	rec = doJSON(t, router, http.MethodPost, path, map[string]string{
		"portfolio_id": fmt.Sprintf("%d", pid),
		"choice":       "decline",
	}, map[string]string{"X-Actor": "pm"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A second election replaces the first.
	rec = doJSON(t, router, http.MethodPost, path, map[string]string{
		"portfolio_id": fmt.Sprintf("%d", pid),
		"choice":       "accept",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accept", resp["choice"])

	rec = doJSON(t, router, http.MethodPost, path, map[string]string{
		"portfolio_id": fmt.Sprintf("%d", pid),
		"choice":       "abstain",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestProcessStartsWorkflow(t *testing.T) {
	router, starter, _, iid, cleanup := setupRouter(t)
	defer cleanup()

	rec := doJSON(t, router, http.MethodPost, "/corporate-actions", map[string]interface{}{
		"ca_type":           "stock_split",
		"instrument_id":     fmt.Sprintf("%d", iid),
		"ex_date":           "2026-08-20",
		"split_numerator":   "2",
		"split_denominator": "1",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, router, http.MethodPost, "/corporate-actions/"+created["ca_event_id"]+"/process", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ca-"+created["ca_event_id"], resp["workflow_id"])
	assert.Len(t, starter.started, 1)

	rec = doJSON(t, router, http.MethodPost, "/corporate-actions/9999/process", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
