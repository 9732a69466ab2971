package httpserver

import (
	"net/http"
	"strings"
)

// WithOriginPolicy rejects browser requests from origins outside the
// configured allowlist and adds CORS headers for the ones it lets through.
func (s *Server) WithOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	policy := s.cfg.OriginPolicy()
	return func(w http.ResponseWriter, r *http.Request) {
		normalizedOrigin, ok := policy.CheckRequest(r)
		if !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if normalizedOrigin == "" {
			next(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", normalizedOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		// Preflight never reaches the route handler.
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
