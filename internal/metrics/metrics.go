// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

// Package metrics provides Prometheus instrumentation for the collaboration
// gateway: connection lifecycle, event fan-out, access filtering, and bus
// health.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Current number of registered WebSocket connections",
		},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total WebSocket connections accepted, by outcome",
		},
		[]string{"outcome"}, // "accepted", "auth_rejected", "duplicate"
	)

	HeartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_heartbeat_timeouts_total",
			Help: "Connections removed by the sweeper for missed heartbeats",
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_sweep_duration_seconds",
			Help:    "Duration of registry sweep passes",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	// Event metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_published_total",
			Help: "Events published to the bus, by event type",
		},
		[]string{"type"},
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_delivered_total",
			Help: "Events delivered to WebSocket clients, by event type",
		},
		[]string{"type"},
	)

	EventsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_suppressed_total",
			Help: "Events withheld from clients, by reason",
		},
		[]string{"reason"}, // "echo", "filtered", "filter_error", "slow_consumer"
	)

	// Auth metrics
	TokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_issued_total",
			Help: "Tokens issued by the token authority, by token type",
		},
		[]string{"token_type"},
	)

	TokenRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_rejections_total",
			Help: "Token verifications rejected, by reason",
		},
		[]string{"reason"}, // "malformed", "expired", "revoked"
	)

	SecretRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_secret_rotations_total",
			Help: "Per-subject secret rotations (logout-everywhere)",
		},
	)

	// Bus metrics
	BusPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_bus_publishes_total",
			Help: "Bus publish attempts, by outcome",
		},
		[]string{"outcome"}, // "ok", "error", "breaker_open"
	)

	BusHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_bus_healthy",
			Help: "1 when the event bus is reachable, 0 when degraded",
		},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_api_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "endpoint"},
	)
)

// ObserveSweep records one sweep pass.
func ObserveSweep(start time.Time, timedOut int) {
	SweepDuration.Observe(time.Since(start).Seconds())
	if timedOut > 0 {
		HeartbeatTimeouts.Add(float64(timedOut))
	}
}
