package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfiguredPoints_Paginates(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("authorization"))
		calls++
		page := r.URL.Query().Get("page")
		if page == "1" {
			json.NewEncoder(w).Encode(configuredPointsResponse{Points: make([]Point, 500)})
			return
		}
		json.NewEncoder(w).Encode(configuredPointsResponse{Points: []Point{{Name: "AHU1.SAT"}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-token", 0, nil)
	points, err := c.ConfiguredPoints(context.Background(), "site-a")
	require.NoError(t, err)
	assert.Len(t, points, 501)
	assert.Equal(t, 2, calls)
}

func TestFetchAllSamples_FollowsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursor := r.URL.Query().Get("cursor")
		if cursor == "" {
			json.NewEncoder(w).Encode(timeseriesResponse{
				PointSamples: []RawSample{{Name: "p1", Time: "2026-01-01T00:00:00Z", Value: 1}},
				NextCursor:   "page-2",
				HasMore:      true,
			})
			return
		}
		json.NewEncoder(w).Encode(timeseriesResponse{
			PointSamples: []RawSample{{Name: "p1", Time: "2026-01-01T00:01:00Z", Value: 2}},
			HasMore:      false,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", 0, nil)
	samples, err := c.FetchAllSamples(context.Background(), "site-a", 0, 1000, 500)
	require.NoError(t, err)
	assert.Len(t, samples, 2)
}

func TestGetJSON_AuthFailureNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", 0, nil)
	_, err := c.ConfiguredPoints(context.Background(), "site-a")
	require.Error(t, err)
	assert.Equal(t, 1, calls, "auth failures must not be retried")
}

func TestGetJSON_TransientRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(configuredPointsResponse{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", 0, nil)
	_, err := c.ConfiguredPoints(context.Background(), "site-a")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestParseRetryAfter_Seconds(t *testing.T) {
	assert.Equal(t, int64(5), parseRetryAfter("5").Milliseconds()/1000)
}
