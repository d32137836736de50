package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/w3z4y4/mcp-gateway/internal/auth"
)

// RateLimit returns an HTTP middleware that limits requests per client IP
// to the specified number per minute. Uses a sliding window algorithm.
// Rejections use the standard error envelope with reason RATE_LIMITED.
// clientIP names the caller; nil uses the TCP peer.
func RateLimit(requestsPerMinute int, clientIP func(*http.Request) string) func(http.Handler) http.Handler {
	if clientIP == nil {
		clientIP = auth.PeerIP
	}
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return clientIP(r), nil
		}),
		httprate.WithLimitHandler(limitExceeded),
	)
}

// RateLimitByCredential limits requests per presented gateway key, falling
// back to the client IP for keyless requests. Keys are bucketed by their
// fingerprint so raw keys never sit in the limiter's map.
func RateLimitByCredential(requestsPerMinute int, clientIP func(*http.Request) string) func(http.Handler) http.Handler {
	if clientIP == nil {
		clientIP = auth.PeerIP
	}
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if raw := auth.ExtractKey(r); raw != "" {
				return "key:" + auth.Fingerprint(raw), nil
			}
			return "ip:" + clientIP(r), nil
		}),
		httprate.WithLimitHandler(limitExceeded),
	)
}

func limitExceeded(w http.ResponseWriter, r *http.Request) {
	writeAuthError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
}
