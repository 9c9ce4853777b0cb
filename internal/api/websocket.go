package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"sensorlake/internal/query"
)

// handleTimeseriesStream polls the query worker on a fixed interval and
// pushes the result over a websocket, for dashboards that want near-live
// values without re-issuing HTTP requests. The client sends one
// query.Request as the first message after the handshake, keyed by its Go
// field names (Site, PointNames, StartMS, EndMS, Aggregation), not the
// snake_case keys POST /timeseries/query takes; every tick after that
// re-runs the query with EndMS advanced to now.
//
// Browsers don't apply CORS preflight to WebSocket upgrades, so
// CheckOrigin is the only enforcement point for the allow-list that
// commonMiddleware applies to every other route — it must reject the
// same way, not wave every origin through.
func (s *Server) handleTimeseriesStream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(s.cfg.AllowedOrigins, origin)
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var req query.Request
	if err := conn.ReadJSON(&req); err != nil {
		conn.WriteJSON(map[string]string{"error": "expected a query request as the first message"})
		return
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		now := time.Now().UTC()
		req.EndMS = now.UnixMilli()
		if err := s.query.Validate(req, now); err != nil {
			conn.WriteJSON(map[string]string{"error": err.Error()})
			return
		}

		resp, err := s.query.Query(ctx, req)
		if err != nil {
			if werr := conn.WriteJSON(map[string]string{"error": err.Error()}); werr != nil {
				return
			}
		} else {
			data, marshalErr := json.Marshal(resp)
			if marshalErr != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
