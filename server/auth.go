package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/lumapix/genbroker"
	"github.com/lumapix/genbroker/ratelimit"
)

// authMiddleware returns middleware that validates Bearer token authentication.
// When AuthToken is empty, the middleware is a no-op (allows unauthenticated access).
// Exact paths /health and /metrics are exempt from authentication.
//
// Authenticated requests get the subject header set so the rate limiter keys
// budgets by subject instead of client IP. The inbound header is always
// stripped; clients do not pick their own identity.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Header.Del(ratelimit.SubjectHeader)
			next.ServeHTTP(w, r)
		})
	}

	tokenBytes := []byte(s.config.AuthToken)
	subject := tokenSubject(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(ratelimit.SubjectHeader)

		// Exempt exact paths for health checks and metrics.
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauthorizedResponse(w)
			return
		}

		provided := []byte(strings.TrimPrefix(auth, "Bearer "))
		if subtle.ConstantTimeCompare(provided, tokenBytes) != 1 {
			unauthorizedResponse(w)
			return
		}

		r.Header.Set(ratelimit.SubjectHeader, subject)
		next.ServeHTTP(w, r)
	})
}

// tokenSubject derives a stable non-reversible identity from a token.
func tokenSubject(token string) string {
	return "token:" + genbroker.HashBytes([]byte(token)).ShortString()
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": "unauthorized"}}) //nolint:errcheck
}
