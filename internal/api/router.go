// Vigil - Continuous Behavioral Authentication
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the chi router.
//
// Middleware order: request ID (correlation), real IP, panic recovery,
// security headers, request metrics. The admin API group adds CORS and the
// per-IP rate limit.
func NewRouter(h *Handler, mw *Middleware) http.Handler {
	if mw == nil {
		mw = NewMiddleware(nil)
	}

	r := chi.NewRouter()
	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(APISecurityHeaders())
	r.Use(RequestMetrics())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, CodeNotFound, "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.CORS())
		r.Use(mw.RateLimitByIP())

		r.Post("/telemetry", h.Telemetry)
		r.Get("/audit", h.Audit)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.OpenSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.CloseSession)
				r.Post("/evaluate", h.Evaluate)
				r.Post("/verification", h.Verification)
				r.Post("/release", h.Release)
				r.Post("/anomalies/{anomalyID}/resolve", h.ResolveAnomaly)
			})
		})
	})

	return r
}

// chiRouteContext returns the matched route pattern, or "" when no route
// matched.
func chiRouteContext(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}
