// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package bus

import (
	"context"
	"time"

	"github.com/marginalia-app/marginalia/internal/logging"
	"github.com/marginalia-app/marginalia/internal/metrics"
)

// Monitor polls bus health and keeps the health gauge current. It implements
// suture.Service and feeds the readiness endpoint through the same Healthy
// call it polls.
type Monitor struct {
	bus      Bus
	interval time.Duration

	lastHealthy bool
}

// NewMonitor creates a health monitor polling at interval.
func NewMonitor(b Bus, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{bus: b, interval: interval, lastHealthy: true}
}

// Serve implements suture.Service.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			healthy := m.bus.Healthy(ctx)
			if healthy {
				metrics.BusHealthy.Set(1)
			} else {
				metrics.BusHealthy.Set(0)
			}
			if healthy != m.lastHealthy {
				if healthy {
					logging.Info().Msg("event bus recovered")
				} else {
					logging.Warn().Msg("event bus unhealthy")
				}
				m.lastHealthy = healthy
			}
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (m *Monitor) String() string {
	return "bus-monitor"
}
