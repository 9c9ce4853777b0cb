package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorlake/internal/models"
)

func TestBackfillLifecycle(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	startBody, _ := json.Marshal(map[string]any{
		"site": "hq", "start_date": "2026-01-01", "end_date": "2026-01-02",
	})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/backfill/start", bytes.NewReader(startBody))
	req.Header.Set("Authorization", "Bearer bf-secret")
	s.httpServer.Handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var job models.BackfillJob
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &job))
	require.NotEmpty(t, job.JobID)
	assert.Equal(t, models.BackfillQueued, job.Status)

	// status
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/backfill/status/"+job.JobID, nil)
	req.Header.Set("Authorization", "Bearer bf-secret")
	s.httpServer.Handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	// cancel
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/backfill/cancel/"+job.JobID, nil)
	req.Header.Set("Authorization", "Bearer bf-secret")
	s.httpServer.Handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var cancelled models.BackfillJob
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cancelled))
	assert.Equal(t, models.BackfillCancelled, cancelled.Status)
}

func TestBackfillStatus_UnknownJob(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/backfill/status/does-not-exist", nil)
	req.Header.Set("Authorization", "Bearer bf-secret")
	s.httpServer.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
