// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package api

import (
	"net/http"
	"time"
)

// HealthStatus is the liveness/readiness body.
type HealthStatus struct {
	Status string `json:"status"`
	Bus    string `json:"bus,omitempty"`
}

// StatsResponse reports live gateway counters for operators.
type StatsResponse struct {
	ActiveConnections int    `json:"active_connections"`
	BusHealthy        bool   `json:"bus_healthy"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	Version           string `json:"version"`
}

// HealthLive handles GET /api/v1/health/live. The process is alive if it can
// answer at all.
func (router *Router) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(HealthStatus{Status: "ok"})
}

// HealthReady handles GET /api/v1/health/ready. Readiness requires the event
// bus: a gateway that cannot fan out events should not receive traffic.
func (router *Router) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if !router.bus.Healthy(r.Context()) {
		rw.writeJSON(http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Data:    HealthStatus{Status: "degraded", Bus: "disconnected"},
			Meta:    rw.meta(),
		})
		return
	}

	rw.Success(HealthStatus{Status: "ok", Bus: "connected"})
}

// Stats handles GET /api/v1/stats.
func (router *Router) Stats(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(StatsResponse{
		ActiveConnections: router.registry.Count(),
		BusHealthy:        router.bus.Healthy(r.Context()),
		UptimeSeconds:     int64(time.Since(router.startTime) / time.Second),
		Version:           router.version,
	})
}
