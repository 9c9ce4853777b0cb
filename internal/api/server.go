// Package api exposes the HTTP surface for the query worker's read path,
// the backfill worker's job control, and an admin/diagnostic view over
// points, archive state, run history and backfill jobs, plus an admin
// trigger for an out-of-cycle archival pass. Routing and
// middleware follow the mux-based bootstrap the rest of the corpus uses;
// the request handlers themselves are new, grounded in SPEC_FULL.md.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"sensorlake/internal/archive"
	"sensorlake/internal/backfill"
	"sensorlake/internal/config"
	"sensorlake/internal/hotstore"
	"sensorlake/internal/logx"
	"sensorlake/internal/query"
	"sensorlake/internal/statestore"
)

// Server owns the HTTP listener and every dependency its handlers need.
// It holds no business logic of its own: query, backfill and archive-run
// requests are delegated to the worker it was constructed with, and the
// admin read handlers read the hot and state stores directly.
type Server struct {
	cfg      *config.Config
	query    *query.Worker
	backfill *backfill.Worker
	archive  *archive.Worker
	hot      hotstore.Store
	state    statestore.Store

	httpServer *http.Server
}

// NewServer wires the router, middleware stack, and route table. Start
// still must be called to begin listening.
func NewServer(cfg *config.Config, q *query.Worker, bf *backfill.Worker, ar *archive.Worker, hot hotstore.Store, state statestore.Store) *Server {
	s := &Server{cfg: cfg, query: q, backfill: bf, archive: ar, hot: hot, state: state}

	r := mux.NewRouter()
	r.Use(requestLogMiddleware)
	r.Use(s.commonMiddleware)
	r.Use(rateLimitMiddleware(cfg))

	s.registerHealthRoutes(r)
	s.registerQueryRoutes(r)
	s.registerBackfillRoutes(r)
	s.registerAdminRoutes(r)

	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  90 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until Shutdown is called or the
// listener errors.
func (s *Server) Start() error {
	logx.Logger.Info().Str("addr", s.cfg.HTTPAddr).Msg("api server starting")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
