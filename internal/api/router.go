/**
 * @description
 * This file sets up the HTTP router for the reconciliation-service. The
 * public surface is health and metrics only; the admin endpoints sit behind
 * the internal API key and a per-caller rate limit.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang: Metrics exposition.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the wiring for the admin router.
type RouterConfig struct {
	InternalAPIKey          string
	RateLimiter             RateLimiter
	AdminRateLimitPerMinute int
}

// AdminRoutes creates and returns the service router.
func AdminRoutes(h *AdminHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Group routes that require the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Use(RateLimitMiddleware(cfg.RateLimiter, "admin", cfg.AdminRateLimitPerMinute))

		r.Post("/admin/reprocess", h.ReprocessHandler)
		r.Post("/admin/pipelines/{ledger}/restart", h.RestartPipelineHandler)
	})

	return r
}
