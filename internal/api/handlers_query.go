package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sensorlake/internal/errs"
	"sensorlake/internal/query"
)

// handleQueryGET supports simple dashboard-style links:
// GET /timeseries/query?site=hq&points=AHU1.SAT,AHU1.RAT&start=...&end=...&agg_window_ms=60000&agg_fn=mean
func (s *Server) handleQueryGET(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := query.Request{
		Site:       q.Get("site"),
		PointNames: splitNonEmpty(q.Get("points"), ","),
	}

	var err error
	req.StartMS, err = parseMS(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start", err.Error())
		return
	}
	req.EndMS, err = parseMS(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_end", err.Error())
		return
	}

	if w64 := q.Get("agg_window_ms"); w64 != "" {
		ms, err := strconv.ParseInt(w64, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_agg_window", "agg_window_ms must be an integer")
			return
		}
		req.Aggregation = &query.Aggregation{WindowMS: ms, Fn: q.Get("agg_fn")}
	}

	s.runQuery(w, r, req)
}

// handleQueryPOST accepts the same Request shape as JSON, for clients
// with many point names or that prefer not to build a query string.
func (s *Server) handleQueryPOST(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Site        string              `json:"site"`
		PointNames  []string            `json:"point_names"`
		StartMS     int64               `json:"start_ms"`
		EndMS       int64               `json:"end_ms"`
		Aggregation *query.Aggregation  `json:"aggregation,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return
	}
	req := query.Request{
		Site:        body.Site,
		PointNames:  body.PointNames,
		StartMS:     body.StartMS,
		EndMS:       body.EndMS,
		Aggregation: body.Aggregation,
	}
	s.runQuery(w, r, req)
}

func (s *Server) runQuery(w http.ResponseWriter, r *http.Request, req query.Request) {
	now := time.Now().UTC()
	if err := s.query.Validate(req, now); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	resp, err := s.query.Query(r.Context(), req)
	if err != nil {
		writeError(w, errs.HTTPStatus(err), string(errs.KindOf(err)), err.Error())
		return
	}

	json.NewEncoder(w).Encode(resp)
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseMS(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
