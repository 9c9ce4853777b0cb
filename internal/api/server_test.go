package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorlake/internal/archive"
	"sensorlake/internal/backfill"
	"sensorlake/internal/coldstore"
	"sensorlake/internal/config"
	"sensorlake/internal/hotstore"
	"sensorlake/internal/query"
	"sensorlake/internal/statestore"
)

// newTestServer wires a Server against in-memory stores, the same way
// every other package in this module fakes Postgres/S3 for tests.
func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *hotstore.MemoryStore, *statestore.MemoryStore) {
	t.Helper()

	hot := hotstore.NewMemoryStore()
	cold := coldstore.NewMemoryStore()
	state := statestore.NewMemoryStore()

	cfg := &config.Config{
		HTTPAddr:             ":0",
		HotWindowDays:        7,
		MaxQueryRangeDays:    31,
		MaxSeriesPerQuery:    20,
		ColdFetchConcurrency: 4,
		ColdFileMaxBytes:     10 << 20,
		QueryWorkerTimeout:   5 * time.Second,
		AllowedOrigins:       []string{"https://dash.example.com"},
		BackfillToken:        "bf-secret",
		AdminToken:           "admin-secret",
		APIRateLimitRPS:      0, // disabled by default in tests unless overridden
	}
	if mutate != nil {
		mutate(cfg)
	}

	qw := query.NewWorker(hot, cold, state, query.Config{
		HotWindowDays:        cfg.HotWindowDays,
		MaxQueryRangeDays:    cfg.MaxQueryRangeDays,
		MaxSeriesPerQuery:    cfg.MaxSeriesPerQuery,
		ColdFetchConcurrency: cfg.ColdFetchConcurrency,
		ColdFileMaxBytes:     cfg.ColdFileMaxBytes,
		Timeout:              cfg.QueryWorkerTimeout,
	})
	bw := backfill.NewWorker(nil, hot, cold, state, backfill.Config{
		MaxDaysPerInvocation: 5,
		MaxRangeDays:         90,
		PageSize:             1000,
	})
	aw := archive.NewWorker(hot, cold, state, archive.Config{HotWindowDays: cfg.HotWindowDays})

	s := NewServer(cfg, qw, bw, aw, hot, state)
	return s, hot, state
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.httpServer.Handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestCORS_OnlyEchoesAllowedOrigin(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	cases := []struct {
		origin   string
		expectCO bool
	}{
		{"https://dash.example.com", true},
		{"https://evil.example.com", false},
		{"", false},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		s.httpServer.Handler.ServeHTTP(rr, req)

		got := rr.Header().Get("Access-Control-Allow-Origin")
		if tc.expectCO {
			assert.Equal(t, tc.origin, got, "origin %q should be echoed back", tc.origin)
		} else {
			assert.Empty(t, got, "origin %q must never be echoed back", tc.origin)
		}
	}
}

func TestCORS_NeverWildcard(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	s.httpServer.Handler.ServeHTTP(rr, req)

	assert.NotEqual(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestOptionsPreflightShortCircuits(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/timeseries/query", nil)
	s.httpServer.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestBearerAuth_BackfillRoutes(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	body, _ := json.Marshal(map[string]any{
		"site": "hq", "start_date": "2026-01-01", "end_date": "2026-01-02",
	})

	// missing token
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/backfill/start", bytes.NewReader(body))
	s.httpServer.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// wrong token
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/backfill/start", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong")
	s.httpServer.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// correct token
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/backfill/start", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer bf-secret")
	s.httpServer.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestBearerAuth_DisabledWhenTokenEmpty(t *testing.T) {
	s, _, _ := newTestServer(t, func(c *config.Config) { c.AdminToken = "" })
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/sites/hq/points", nil)
	req.Header.Set("Authorization", "Bearer anything")
	s.httpServer.Handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRateLimitMiddleware_BlocksAfterBurst(t *testing.T) {
	s, _, _ := newTestServer(t, func(c *config.Config) {
		c.APIRateLimitRPS = 1
		c.APIRateLimitBurst = 1
	})

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/timeseries/query?site=hq&points=p1&start=1&end=2", nil)
		r.RemoteAddr = "10.0.0.5:1234"
		return r
	}

	rr1 := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr1, req())
	assert.NotEqual(t, http.StatusTooManyRequests, rr1.Code)

	rr2 := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr2, req())
	assert.Equal(t, http.StatusTooManyRequests, rr2.Code)
}

func TestRateLimitMiddleware_ExemptsHealth(t *testing.T) {
	s, _, _ := newTestServer(t, func(c *config.Config) {
		c.APIRateLimitRPS = 1
		c.APIRateLimitBurst = 1
	})
	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.6:1234"
		s.httpServer.Handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	}
}
