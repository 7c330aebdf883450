// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

// Package api exposes the HTTP surface: auth endpoints backing the two-layer
// token scheme, the WebSocket upgrade into document event channels, the REST
// event write path, and health/stats probes.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marginalia-app/marginalia/internal/access"
	"github.com/marginalia-app/marginalia/internal/bus"
	"github.com/marginalia-app/marginalia/internal/gateway"
	"github.com/marginalia-app/marginalia/internal/middleware"
	"github.com/marginalia-app/marginalia/internal/registry"
	"github.com/marginalia-app/marginalia/internal/token"
)

// RouterOptions wires the router's collaborators.
type RouterOptions struct {
	Authority *token.Authority
	Store     token.SubjectStore
	Gateway   *gateway.Gateway
	Registry  *registry.Registry
	Bus       bus.Bus
	Policies  *gateway.MemoryPolicyProvider
	Filter    *access.Filter

	Middleware   *ChiMiddleware
	CookieSecure bool
	Version      string
}

// Router holds the HTTP handlers and their dependencies.
type Router struct {
	authority *token.Authority
	store     token.SubjectStore
	gateway   *gateway.Gateway
	registry  *registry.Registry
	bus       bus.Bus
	policies  *gateway.MemoryPolicyProvider
	filter    *access.Filter

	middleware   *ChiMiddleware
	cookieSecure bool
	version      string
	startTime    time.Time
}

// NewRouter creates the router.
func NewRouter(opts RouterOptions) *Router {
	if opts.Middleware == nil {
		opts.Middleware = NewChiMiddleware(nil)
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Router{
		authority:    opts.Authority,
		store:        opts.Store,
		gateway:      opts.Gateway,
		registry:     opts.Registry,
		bus:          opts.Bus,
		policies:     opts.Policies,
		filter:       opts.Filter,
		middleware:   opts.Middleware,
		cookieSecure: opts.CookieSecure,
		version:      opts.Version,
		startTime:    time.Now(),
	}
}

// Setup builds the chi mux. The WebSocket upgrade route deliberately skips
// the Prometheus response middleware: its recorder wraps the ResponseWriter
// and would hide http.Hijacker from the upgrader.
func (router *Router) Setup() *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(APISecurityHeaders())
	r.Use(router.middleware.CORS())

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.PrometheusMetrics)
			r.Use(router.middleware.RateLimitHealthEndpoints())
			r.Get("/health/live", router.HealthLive)
			r.Get("/health/ready", router.HealthReady)
			r.Get("/stats", router.Stats)
		})

		r.Route("/auth", func(r chi.Router) {
			r.Use(middleware.PrometheusMetrics)

			r.Group(func(r chi.Router) {
				r.Use(router.middleware.RateLimitLoginEndpoint())
				r.Post("/login", router.Login)
			})

			r.Group(func(r chi.Router) {
				r.Use(router.middleware.RateLimitAuthEndpoints())
				r.Post("/register", router.Register)
				r.Post("/guest", router.Guest)
				r.Post("/refresh", router.Refresh)
				r.Post("/password-reset/request", router.ResetRequestHandler)
				r.Post("/password-reset/confirm", router.ResetConfirmHandler)
			})

			r.Group(func(r chi.Router) {
				r.Use(router.middleware.RateLimitAuthEndpoints())
				r.Post("/logout", router.Logout)
				r.With(router.Authenticate).Post("/logout-all", router.LogoutAll)
			})
		})

		r.Route("/documents/{id}", func(r chi.Router) {
			// The upgrade endpoint admits unauthenticated clients as the
			// anonymous identity; the gateway's base-access check rejects it
			// unless the document allows guests. Everything else requires a
			// verified subject.
			r.Group(func(r chi.Router) {
				r.Use(router.AuthenticateOrAnonymous)
				r.Use(router.middleware.RateLimitUpgradeEndpoint())
				r.Get("/events", router.EventsWebSocket)
			})

			r.Group(func(r chi.Router) {
				r.Use(router.Authenticate)
				r.Use(middleware.PrometheusMetrics)
				r.Use(router.middleware.RateLimitWriteEndpoints())
				r.Post("/events", router.PublishEvent)
				r.Get("/view-mode", router.GetViewMode)
				r.Put("/view-mode", router.SetViewMode)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		NewResponseWriter(w, req).NotFound("endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		NewResponseWriter(w, req).Error(http.StatusMethodNotAllowed, ErrCodeBadRequest, "method not allowed")
	})

	return r
}
