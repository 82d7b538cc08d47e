package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/lumapix/genbroker/telemetry"
)

// SubjectHeader carries the authenticated subject set by the auth layer.
// When present it identifies the client; otherwise the client IP does.
const SubjectHeader = "X-Auth-Subject"

// KeyFunc extracts the rate-limit identity from a request.
type KeyFunc func(r *http.Request) string

// ClientIdentity is the default KeyFunc: authenticated subject first, then
// the first hop of X-Forwarded-For, then the remote address.
func ClientIdentity(r *http.Request) string {
	if subject := r.Header.Get(SubjectHeader); subject != "" {
		return subject
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}

// Middleware enforces a class policy in front of a handler. Rejections get
// 429 with Retry-After and a machine-readable body; admitted requests get
// X-RateLimit headers describing the remaining budget.
func Middleware(limiter *Limiter, class Class, keyFn KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ClientIdentity
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := keyFn(r)
			decision := limiter.Allow(class, identity)

			telemetry.SetRouteClass(r, string(class))
			telemetry.RecordAdmissionDecision(r.Context(), string(class), decision.Allowed)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

			if !decision.Allowed {
				retryAfter := int(decision.RetryAfter.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				logger.Warn("rate limit exceeded",
					"class", string(class),
					"identity", identity,
					"retry_after", decision.RetryAfter,
				)
				telemetry.SetDecision(r, telemetry.DecisionRateLimited)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{
						"code":                "rate_limited",
						"retry_after_seconds": retryAfter,
					},
				})
				return
			}

			telemetry.SetDecision(r, telemetry.DecisionAllowed)
			next.ServeHTTP(w, r)
		})
	}
}
