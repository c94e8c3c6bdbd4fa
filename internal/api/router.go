// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig tunes the middleware stack.
type RouterConfig struct {
	// RateLimit is the per-IP request ceiling within RateLimitWindow.
	RateLimit       int
	RateLimitWindow time.Duration

	// CORSAllowedOrigins lets the reporting dashboards consume the read
	// API cross-origin. Default: any origin.
	CORSAllowedOrigins []string

	// AuditMiddleware, when set, records request traffic to the audit log.
	AuditMiddleware func(http.Handler) http.Handler
}

// NewRouter builds the operator API router.
func NewRouter(handler *Handler, cfg RouterConfig) http.Handler {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 120
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// Unmetered operational endpoints.
	r.Get("/health", handler.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Actor-ID"},
			MaxAge:         300,
		}))
		r.Use(httprate.LimitByIP(cfg.RateLimit, cfg.RateLimitWindow))
		if cfg.AuditMiddleware != nil {
			r.Use(cfg.AuditMiddleware)
		}

		r.Route("/audit", func(r chi.Router) {
			r.Get("/events", handler.AuditEvents)
			r.Get("/events/{id}", func(w http.ResponseWriter, req *http.Request) {
				handler.AuditEvent(w, req, chi.URLParam(req, "id"))
			})
			r.Get("/stats", handler.AuditStats)
		})

		r.Post("/events", handler.IngestEvent)

		r.Get("/lockouts", handler.Lockouts)
		r.Get("/risk/user", handler.RiskUser)
		r.Get("/risk/ip", handler.RiskIP)
		r.Get("/dlq", handler.DLQ)
	})

	return r
}
