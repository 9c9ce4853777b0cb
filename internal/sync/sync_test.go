package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorlake/internal/hotstore"
	"sensorlake/internal/statestore"
	"sensorlake/internal/upstream"
)

func testUpstream(t *testing.T, points []upstream.Point, samples []upstream.RawSample) *upstream.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/sites/site-a/configured_points":
			if r.URL.Query().Get("page") == "1" {
				json.NewEncoder(w).Encode(map[string]any{"points": points})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"points": []upstream.Point{}})
		case r.URL.Path == "/sites/site-a/timeseries/paginated":
			json.NewEncoder(w).Encode(map[string]any{
				"point_samples": samples,
				"has_more":      false,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return upstream.NewClient(srv.URL, "tok", 0, nil)
}

func newWorker(t *testing.T, points []upstream.Point, samples []upstream.RawSample) (*Worker, hotstore.Store, statestore.Store) {
	hot := hotstore.NewMemoryStore()
	state := statestore.NewMemoryStore()
	up := testUpstream(t, points, samples)
	w := NewWorker(up, hot, state, Config{HotWindowDays: 20, ProcessingLag: 0})
	return w, hot, state
}

func TestRun_FirstSyncAdvancesCursorToNow(t *testing.T) {
	now := time.Now().UTC()
	points := []upstream.Point{{Name: "AHU1.SAT", DisplayName: "Supply Air Temp"}}
	samples := []upstream.RawSample{
		{Name: "AHU1.SAT", Time: now.Add(-time.Hour).Format(time.RFC3339), Value: 72.1},
	}
	w, hot, state := newWorker(t, points, samples)

	result, err := w.Run(context.Background(), "site-a")
	require.NoError(t, err)
	assert.Equal(t, "success", result.Outcome)
	assert.EqualValues(t, 1, result.RowsWritten)

	cursor, ok, err := state.GetCursor(context.Background(), "site-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, now.UnixMilli(), cursor, float64(5*time.Second.Milliseconds()))

	pts, err := hot.ListPoints(context.Background(), "site-a")
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, "AHU1.SAT", pts[0].Name)
}

func TestRun_DropsUnknownPointsAndBadTimestamps(t *testing.T) {
	now := time.Now().UTC()
	points := []upstream.Point{{Name: "AHU1.SAT"}}
	samples := []upstream.RawSample{
		{Name: "AHU1.SAT", Time: now.Add(-time.Hour).Format(time.RFC3339), Value: 72.1},
		{Name: "unknown.point", Time: now.Add(-time.Hour).Format(time.RFC3339), Value: 1.0},
		{Name: "AHU1.SAT", Time: "not-a-time", Value: 5.0},
	}
	w, _, _ := newWorker(t, points, samples)

	result, err := w.Run(context.Background(), "site-a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.RowsWritten, "unknown point and bad timestamp must be dropped")
}

func TestRun_NoopWhenWindowEmpty(t *testing.T) {
	w, _, state := newWorker(t, nil, nil)
	now := time.Now().UTC()
	require.NoError(t, state.SetCursor(context.Background(), "site-a", now.UnixMilli()))

	w.cfg.ProcessingLag = 24 * time.Hour
	result, err := w.Run(context.Background(), "site-a")
	require.NoError(t, err)
	assert.Equal(t, "noop", result.Outcome)
}

func TestRun_SkipsWhenLockHeld(t *testing.T) {
	w, _, state := newWorker(t, nil, nil)
	acquired, err := state.AcquireSyncLock(context.Background(), "site-a", "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	result, err := w.Run(context.Background(), "site-a")
	require.NoError(t, err)
	assert.Equal(t, "noop", result.Outcome)
	assert.Equal(t, "lock held", result.Detail)
}

func TestRun_RecordsRunSummary(t *testing.T) {
	now := time.Now().UTC()
	points := []upstream.Point{{Name: "AHU1.SAT"}}
	samples := []upstream.RawSample{
		{Name: "AHU1.SAT", Time: now.Add(-time.Hour).Format(time.RFC3339), Value: 72.1},
	}
	w, _, state := newWorker(t, points, samples)

	_, err := w.Run(context.Background(), "site-a")
	require.NoError(t, err)

	runs, err := state.ListRuns(context.Background(), "sync", "site-a", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "sync", runs[0].Worker)
	assert.Equal(t, "success", runs[0].Outcome)
}
