/**
 * @description
 * This file contains custom middleware for the HTTP router. The admin surface
 * is internal-only: every request must carry the shared internal API key, and
 * reprocess calls are rate limited per caller because each one fans out to
 * the upstream RPC providers.
 *
 * @dependencies
 * - context, crypto/subtle, net/http, strings: Standard Go libraries.
 */

package api

import (
	"context"
	"crypto/subtle"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// InternalAPIKeyHeader carries the shared secret for service-to-service calls.
const InternalAPIKeyHeader = "X-Internal-Api-Key"

// RateLimiter is the distributed limiter contract the middleware consumes.
// Implemented by app.RedisAdminRateLimiter.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// InternalAuthMiddleware rejects requests that do not present the configured
// internal API key. An empty configured key disables the admin surface
// entirely rather than leaving it open.
func InternalAuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(apiKey))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(expected) == 0 {
				http.Error(w, "admin surface disabled", http.StatusForbidden)
				return
			}
			presented := []byte(strings.TrimSpace(r.Header.Get(InternalAPIKeyHeader)))
			if subtle.ConstantTimeCompare(expected, presented) != 1 {
				http.Error(w, "invalid internal api key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware applies a per-caller request budget to the wrapped
// handlers. A limiter error fails open: the admin surface staying usable
// matters more than the limit being exact.
func RateLimitMiddleware(limiter RateLimiter, scope string, perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || perMinute <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			count, retryAfter, err := limiter.ConsumeRateLimit(r.Context(), scope, callerSubject(r), perMinute, time.Minute)
			if err != nil {
				log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
				next.ServeHTTP(w, r)
				return
			}
			if count > perMinute {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// callerSubject identifies the caller for rate-limit bucketing.
func callerSubject(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if first, _, ok := strings.Cut(forwarded, ","); ok {
			return strings.TrimSpace(first)
		}
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
