package api

import (
	"net/http"
	"strings"

	"sensorlake/internal/logx"
)

// commonMiddleware sets the response content type and CORS headers. The
// allow-list comes from cfg.AllowedOrigins: an empty list means the API
// is same-origin only, not wide open. Unlike a bare wildcard, the
// Origin header is echoed back only when it matches an allowed entry,
// which also lets browsers send credentials if a future handler needs
// them.
func (s *Server) commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(s.cfg.AllowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// requestLogMiddleware logs one line per request at debug level, named
// loudly enough to find but quiet enough to leave on in production.
func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logx.Logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("api request")
		next.ServeHTTP(w, r)
	})
}

// bearerAuth builds middleware that requires an exact "Bearer <token>"
// Authorization header match. Used to gate the backfill and admin
// surfaces, each with its own token per SPEC_FULL.md.
func bearerAuth(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			writeError(w, http.StatusServiceUnavailable, "auth_not_configured", "this endpoint has no token configured")
			return
		}
		got := r.Header.Get("Authorization")
		if got != "Bearer "+token {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}
