package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sigmacore/config"
	"sigmacore/engine"
	"sigmacore/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dsn, err := storage.FileDSN(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	store, err := storage.OpenSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.AutoMigrate())

	plan := config.Plan{
		ID:              "sigma",
		Width:           2,
		Depth:           2,
		CycleValueCents: 100,
		PayoutPercent:   100,
		RollUp:          true,
		RollUpMaxLevels: 3,
	}
	eng, err := engine.New(store, []config.Plan{plan})
	require.NoError(t, err)

	return New(Config{Engine: eng, Store: store})
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func bootstrapRoot(t *testing.T, srv *Server) string {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/plans/sigma/root", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	return decode(t, rec)["member_id"].(string)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestEnrollMemberEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	rootID := bootstrapRoot(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/members", map[string]string{
		"sponsor_id": rootID,
		"plan_id":    "sigma",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	payload := decode(t, rec)
	memberID := payload["member_id"].(string)
	require.NotEmpty(t, memberID)
	slot := payload["slot"].(map[string]any)
	require.Equal(t, float64(1), slot["depth"])

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/members/"+memberID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	require.Equal(t, rootID, got["sponsor_id"])
	require.Equal(t, "active", got["status"])
}

func TestEnrollValidation(t *testing.T) {
	srv := newTestServer(t)
	bootstrapRoot(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/members", map[string]string{
		"sponsor_id": "not-a-uuid",
		"plan_id":    "sigma",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/members", map[string]string{
		"sponsor_id": "9b1c3c1e-0000-0000-0000-000000000000",
		"plan_id":    "sigma",
	}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCycleCompletionSurfacesInResponseAndBalance(t *testing.T) {
	srv := newTestServer(t)
	rootID := bootstrapRoot(t, srv)

	var cycles []any
	for i := 0; i < 6; i++ {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/members", map[string]string{
			"sponsor_id": rootID,
			"plan_id":    "sigma",
		}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
		if raw, ok := decode(t, rec)["cycles"].([]any); ok {
			cycles = append(cycles, raw...)
		}
	}
	require.Len(t, cycles, 1)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/members/"+rootID+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(100), decode(t, rec)["balance_cents"])

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/members/"+rootID+"/ledger", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode(t, rec)["entries"].([]any)
	require.Len(t, entries, 1)

	// Reverse the completed cycle and check the balance falls back to zero.
	event := cycles[0].(map[string]any)["id"].(string)
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/cycle-events/"+event+"/reverse", map[string]string{
		"reason": "chargeback",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/members/"+rootID+"/balance", nil, nil)
	require.Equal(t, float64(0), decode(t, rec)["balance_cents"])
}

func TestTeamCountsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rootID := bootstrapRoot(t, srv)
	for i := 0; i < 3; i++ {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/members", map[string]string{
			"sponsor_id": rootID,
			"plan_id":    "sigma",
		}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/members/"+rootID+"/team", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode(t, rec)
	require.Equal(t, float64(3), payload["personal_recruits"])
	require.Equal(t, float64(3), payload["total_downline"])
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	srv := newTestServer(t)
	rootID := bootstrapRoot(t, srv)
	headers := map[string]string{"Idempotency-Key": "enroll-1"}
	body := map[string]string{"sponsor_id": rootID, "plan_id": "sigma"}

	first := doJSON(t, srv, http.MethodPost, "/api/v1/members", body, headers)
	require.Equal(t, http.StatusCreated, first.Code)

	replay := doJSON(t, srv, http.MethodPost, "/api/v1/members", body, headers)
	require.Equal(t, http.StatusCreated, replay.Code)
	require.JSONEq(t, first.Body.String(), replay.Body.String())

	// The replayed request must not have enrolled a second member.
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/members/"+rootID+"/team", nil, nil)
	require.Equal(t, float64(1), decode(t, rec)["total_downline"])
}

func TestCapacityExceededMapsToUnprocessable(t *testing.T) {
	srv := newTestServer(t)
	rootID := bootstrapRoot(t, srv)

	for i := 0; i < 6; i++ {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/members", map[string]string{
			"sponsor_id": rootID,
			"plan_id":    "sigma",
		}, nil)
		require.Equal(t, http.StatusCreated, rec.Code, fmt.Sprintf("enrollment %d", i))
	}

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/members", map[string]string{
		"sponsor_id": rootID,
		"plan_id":    "sigma",
	}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "capacity_exceeded", decode(t, rec)["error"])
}

func TestSetMemberStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rootID := bootstrapRoot(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/members/"+rootID+"/status", map[string]string{
		"status": "suspended",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "suspended", decode(t, rec)["status"])

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/members/"+rootID+"/status", map[string]string{
		"status": "bogus",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
