package api

import "github.com/gorilla/mux"

// registerHealthRoutes wires the liveness probe. /health is exempt from
// rate limiting; the CORS middleware applies to it like any other route.
// The Prometheus endpoint is served by main.go on its own metrics
// listener, not by this router.
func (s *Server) registerHealthRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
}

// registerQueryRoutes wires the query worker's read surface: GET for
// simple dashboard links, POST for requests with many point names or an
// aggregation spec too awkward to fit in a query string.
func (s *Server) registerQueryRoutes(r *mux.Router) {
	r.HandleFunc("/timeseries/query", s.handleQueryGET).Methods("GET", "OPTIONS")
	r.HandleFunc("/timeseries/query", s.handleQueryPOST).Methods("POST", "OPTIONS")
	r.HandleFunc("/timeseries/stream", s.handleTimeseriesStream)
}

// registerBackfillRoutes wires the manual historical-import control
// surface, gated by its own bearer token distinct from the upstream
// vendor credential and the admin token.
func (s *Server) registerBackfillRoutes(r *mux.Router) {
	r.HandleFunc("/backfill/start", bearerAuth(s.cfg.BackfillToken, s.handleBackfillStart)).Methods("POST", "OPTIONS")
	r.HandleFunc("/backfill/status/{job_id}", bearerAuth(s.cfg.BackfillToken, s.handleBackfillStatus)).Methods("GET", "OPTIONS")
	r.HandleFunc("/backfill/cancel/{job_id}", bearerAuth(s.cfg.BackfillToken, s.handleBackfillCancel)).Methods("POST", "OPTIONS")
}

// registerAdminRoutes wires diagnostic visibility into tiering state
// (configured points, archive progress, recent worker runs, backfill
// jobs) plus one mutating route that forces an archival pass. Gated
// by the admin token, separate from the backfill and upstream tokens so
// rotating one never locks out the others.
func (s *Server) registerAdminRoutes(r *mux.Router) {
	r.HandleFunc("/admin/sites/{site}/points", bearerAuth(s.cfg.AdminToken, s.handleAdminPoints)).Methods("GET", "OPTIONS")
	r.HandleFunc("/admin/sites/{site}/archive_state", bearerAuth(s.cfg.AdminToken, s.handleAdminArchiveState)).Methods("GET", "OPTIONS")
	r.HandleFunc("/admin/sites/{site}/runs", bearerAuth(s.cfg.AdminToken, s.handleAdminRuns)).Methods("GET", "OPTIONS")
	r.HandleFunc("/admin/sites/{site}/backfill_jobs", bearerAuth(s.cfg.AdminToken, s.handleAdminBackfillJobs)).Methods("GET", "OPTIONS")
	r.HandleFunc("/admin/sites/{site}/archive/run", bearerAuth(s.cfg.AdminToken, s.handleAdminArchiveRun)).Methods("POST", "OPTIONS")
}
