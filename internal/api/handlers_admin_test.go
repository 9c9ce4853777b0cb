package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorlake/internal/models"
)

func adminReq(method, path, token string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestHandleAdminPoints(t *testing.T) {
	s, _, state := newTestServer(t, nil)
	seedSample(t, s, "hq", "AHU1.SAT", time.Now().UnixMilli(), 1.0)
	require.NoError(t, state.SetCursor(context.Background(), "hq", 12345))

	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, adminReq(http.MethodGet, "/admin/sites/hq/points", "admin-secret"))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Points    []models.Point `json:"points"`
		CursorMS  int64          `json:"cursor_ms"`
		HasCursor bool           `json:"has_cursor"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Points, 1)
	assert.Equal(t, "AHU1.SAT", body.Points[0].Name)
	assert.True(t, body.HasCursor)
	assert.EqualValues(t, 12345, body.CursorMS)
}

func TestHandleAdminArchiveState(t *testing.T) {
	s, _, state := newTestServer(t, nil)
	require.NoError(t, state.SetArchiveState(context.Background(), models.ArchiveState{
		Site: "hq", Day: "2026-01-01", Archived: true, RowCount: 100, FilePath: "hq/2026/01/01.parquet",
	}))

	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, adminReq(http.MethodGet, "/admin/sites/hq/archive_state", "admin-secret"))
	require.Equal(t, http.StatusOK, rr.Code)

	var states []models.ArchiveState
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &states))
	require.Len(t, states, 1)
	assert.True(t, states[0].Archived)
}

func TestHandleAdminRuns_FilterByWorker(t *testing.T) {
	s, _, state := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, state.RecordRun(ctx, models.RunSummary{RunID: "r1", Worker: "sync", Site: "hq", Outcome: "success"}))
	require.NoError(t, state.RecordRun(ctx, models.RunSummary{RunID: "r2", Worker: "archive", Site: "hq", Outcome: "success"}))

	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, adminReq(http.MethodGet, "/admin/sites/hq/runs?worker=sync", "admin-secret"))
	require.Equal(t, http.StatusOK, rr.Code)

	var runs []models.RunSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "sync", runs[0].Worker)
}

func TestHandleAdminRoutes_RequireToken(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, adminReq(http.MethodGet, "/admin/sites/hq/points", ""))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleAdminArchiveRun(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	seedSample(t, s, "hq", "AHU1.SAT", time.Now().Add(-48*time.Hour).UnixMilli(), 3.0)

	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, adminReq(http.MethodPost, "/admin/sites/hq/archive/run", "admin-secret"))
	assert.Equal(t, http.StatusOK, rr.Code)
}
