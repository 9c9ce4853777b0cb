package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"sensorlake/internal/errs"
)

// handleAdminPoints lists every point known for a site, along with the
// sync cursor so an operator can see at a glance how current the hot
// store is.
func (s *Server) handleAdminPoints(w http.ResponseWriter, r *http.Request) {
	site := mux.Vars(r)["site"]
	points, err := s.hot.ListPoints(r.Context(), site)
	if err != nil {
		writeError(w, errs.HTTPStatus(err), "admin_points_error", err.Error())
		return
	}
	cursorMS, hasCursor, err := s.state.GetCursor(r.Context(), site)
	if err != nil {
		writeError(w, errs.HTTPStatus(err), "admin_cursor_error", err.Error())
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"points":     points,
		"cursor_ms":  cursorMS,
		"has_cursor": hasCursor,
	})
}

// handleAdminArchiveState lists per-day archival progress for a site.
func (s *Server) handleAdminArchiveState(w http.ResponseWriter, r *http.Request) {
	site := mux.Vars(r)["site"]
	states, err := s.state.ListArchiveStates(r.Context(), site)
	if err != nil {
		writeError(w, errs.HTTPStatus(err), "admin_archive_state_error", err.Error())
		return
	}
	json.NewEncoder(w).Encode(states)
}

// handleAdminRuns lists recent worker invocations for a site, optionally
// filtered to one worker via ?worker=<name>. Only the sync worker records
// run summaries.
func (s *Server) handleAdminRuns(w http.ResponseWriter, r *http.Request) {
	site := mux.Vars(r)["site"]
	worker := r.URL.Query().Get("worker")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.state.ListRuns(r.Context(), worker, site, limit)
	if err != nil {
		writeError(w, errs.HTTPStatus(err), "admin_runs_error", err.Error())
		return
	}
	json.NewEncoder(w).Encode(runs)
}

// handleAdminBackfillJobs lists every backfill job ever created for a
// site, including completed and cancelled ones.
func (s *Server) handleAdminBackfillJobs(w http.ResponseWriter, r *http.Request) {
	site := mux.Vars(r)["site"]
	jobs, err := s.state.ListBackfillJobs(r.Context(), site)
	if err != nil {
		writeError(w, errs.HTTPStatus(err), "admin_backfill_jobs_error", err.Error())
		return
	}
	json.NewEncoder(w).Encode(jobs)
}

// handleAdminArchiveRun triggers an out-of-cycle archival pass for a
// site, synchronously, instead of waiting for the scheduled cron. Useful
// after fixing a hot-store issue that blocked the normal cadence.
func (s *Server) handleAdminArchiveRun(w http.ResponseWriter, r *http.Request) {
	site := mux.Vars(r)["site"]
	results, err := s.archive.Run(r.Context(), site)
	if err != nil {
		writeError(w, errs.HTTPStatus(err), "admin_archive_run_error", err.Error())
		return
	}
	json.NewEncoder(w).Encode(results)
}
