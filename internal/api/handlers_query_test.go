package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorlake/internal/models"
)

func seedSample(t *testing.T, s *Server, site, pointName string, ts int64, value float64) {
	t.Helper()
	// handlers go through s.hot directly via the Server field, same store
	// the query worker reads from.
	ctx := context.Background()
	p, err := s.hot.UpsertPoint(ctx, site, pointName, pointName, models.DefaultDataType)
	require.NoError(t, err)
	require.NoError(t, s.hot.UpsertSamples(ctx, []models.Sample{{
		PointID: p.ID, PointName: pointName, TimestampMS: ts, Value: value,
	}}))
}

func TestHandleQueryGET_RoundTrip(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	now := time.Now().UTC()
	seedSample(t, s, "hq", "AHU1.SAT", now.Add(-time.Hour).UnixMilli(), 72.5)

	url := "/timeseries/query?site=hq&points=AHU1.SAT&start=" +
		strconv.FormatInt(now.Add(-2*time.Hour).UnixMilli(), 10) + "&end=" + strconv.FormatInt(now.UnixMilli(), 10)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	s.httpServer.Handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp models.QueryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Series, 1)
	require.Len(t, resp.Series[0].Data, 1)
	assert.Equal(t, 72.5, resp.Series[0].Data[0].Value)

	// confirm the lowercase wire tags actually round-trip
	var raw map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &raw))
	series := raw["series"].([]any)[0].(map[string]any)
	point := series["data"].([]any)[0].(map[string]any)
	_, hasTS := point["ts"]
	_, hasValue := point["value"]
	assert.True(t, hasTS)
	assert.True(t, hasValue)
}

func TestHandleQueryGET_MissingSite(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/timeseries/query?points=p1&start=1&end=2", nil)
	s.httpServer.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleQueryPOST_RoundTrip(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	now := time.Now().UTC()
	seedSample(t, s, "hq", "AHU1.RAT", now.Add(-time.Minute).UnixMilli(), 68.0)

	body, _ := json.Marshal(map[string]any{
		"site":        "hq",
		"point_names": []string{"AHU1.RAT"},
		"start_ms":    now.Add(-time.Hour).UnixMilli(),
		"end_ms":      now.UnixMilli(),
	})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/timeseries/query", bytes.NewReader(body))
	s.httpServer.Handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp models.QueryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Series, 1)
	assert.Equal(t, 68.0, resp.Series[0].Data[0].Value)
}

func TestHandleQueryPOST_InvalidBody(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/timeseries/query", bytes.NewReader([]byte("{not json")))
	s.httpServer.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

