// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package registry

import (
	"context"
	"time"

	"github.com/marginalia-app/marginalia/internal/logging"
)

// TimeoutFunc is invoked with the connections a sweep pass removed. The
// gateway uses it to close the underlying sockets and broadcast
// user_disconnected.
type TimeoutFunc func(timedOut []*Connection)

// Sweeper periodically evicts connections with stale heartbeats. It
// implements suture.Service.
//
// The heartbeat timeout is a liveness check, not a correctness mechanism: a
// connection with a stalled heartbeat but an open socket is closed to free
// registry and broker resources.
type Sweeper struct {
	registry  *Registry
	interval  time.Duration
	timeout   time.Duration
	onTimeout TimeoutFunc
}

// NewSweeper creates a sweeper over the registry. interval is how often the
// sweep runs; timeout is the heartbeat liveness cutoff.
func NewSweeper(registry *Registry, interval, timeout time.Duration, onTimeout TimeoutFunc) *Sweeper {
	return &Sweeper{
		registry:  registry,
		interval:  interval,
		timeout:   timeout,
		onTimeout: onTimeout,
	}
}

// Serve implements suture.Service. Returns ctx.Err() on shutdown.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			timedOut := s.registry.Sweep(time.Now(), s.timeout)
			if len(timedOut) == 0 {
				continue
			}
			logging.Info().
				Int("timed_out", len(timedOut)).
				Dur("timeout", s.timeout).
				Msg("swept connections with stale heartbeats")
			if s.onTimeout != nil {
				s.onTimeout(timedOut)
			}
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (s *Sweeper) String() string {
	return "registry-sweeper"
}
