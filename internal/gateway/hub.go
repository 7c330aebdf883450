// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package gateway

import (
	"context"
	"errors"
	"sort"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/marginalia-app/marginalia/internal/logging"
	"github.com/marginalia-app/marginalia/internal/metrics"
	"github.com/marginalia-app/marginalia/internal/models"
	"github.com/marginalia-app/marginalia/internal/token"
)

// hub fans bus events out to the sessions of one resource. It exists only
// while the resource has local sessions; the bus subscription is torn down
// with the last one.
type hub struct {
	gw         *Gateway
	resourceID string
	cancel     context.CancelFunc

	// guarded by gw.mu
	sessions map[string]*Session
}

// fanout is the hub's delivery loop. One goroutine per resource.
func (h *hub) fanout(ctx context.Context, events <-chan *models.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			h.deliver(ctx, env)
		}
	}
}

// deliver applies echo suppression and the access filter per session, then
// queues the frame. The access decision is evaluated fresh for every
// session and event; nothing about it is cached.
func (h *hub) deliver(ctx context.Context, env *models.Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		logging.Error().Err(err).Str("event_id", env.EventID).Msg("failed to marshal envelope for delivery")
		return
	}

	policy, err := h.gw.policies.Policy(ctx, h.resourceID)
	if err != nil {
		metrics.EventsSuppressed.WithLabelValues("filter_error").Inc()
		logging.Error().Err(err).Str("resource_id", h.resourceID).Msg("policy lookup failed, withholding event")
		return
	}

	for _, s := range h.snapshot() {
		if env.OriginatingConnectionID != "" && env.OriginatingConnectionID == s.info.ConnectionID {
			metrics.EventsSuppressed.WithLabelValues("echo").Inc()
			continue
		}

		viewer, err := h.gw.resolver.Resolve(ctx, s.info.SubjectID)
		if err != nil {
			if errors.Is(err, token.ErrSubjectNotFound) {
				// Subject deleted mid-session; the connection loses access
				// now. Close detaches via leave, which publishes presence, so
				// it must not run on the fan-out goroutine.
				go s.Close(websocket.ClosePolicyViolation, "access revoked")
				continue
			}
			metrics.EventsSuppressed.WithLabelValues("filter_error").Inc()
			logging.Error().Err(err).Str("subject_id", s.info.SubjectID).Msg("subject lookup failed, withholding event")
			continue
		}
		if !s.credentialsCurrent(viewer) {
			// Secret rotation ("log out everywhere") invalidates live
			// sessions on their next delivery, not just future token checks.
			go s.Close(websocket.ClosePolicyViolation, "access revoked")
			continue
		}

		visible, err := h.gw.filter.Evaluate(viewer, policy, env)
		if err != nil {
			metrics.EventsSuppressed.WithLabelValues("filter_error").Inc()
			logging.Warn().
				Err(err).
				Str("event_id", env.EventID).
				Str("connection_id", s.info.ConnectionID).
				Msg("filter evaluation failed, withholding event")
			continue
		}
		if !visible {
			metrics.EventsSuppressed.WithLabelValues("filtered").Inc()
			continue
		}

		if !s.enqueue(frame) {
			// A full buffer means the client stopped reading. Cutting it off
			// keeps one slow consumer from stalling the resource.
			metrics.EventsSuppressed.WithLabelValues("slow_consumer").Inc()
			logging.Warn().
				Str("connection_id", s.info.ConnectionID).
				Str("resource_id", h.resourceID).
				Msg("send buffer full, disconnecting slow consumer")
			go s.Close(websocket.CloseTryAgainLater, "slow consumer")
			continue
		}
		metrics.EventsDelivered.WithLabelValues(string(env.Type)).Inc()
	}
}

// snapshot returns the hub's sessions ordered by connection ID so delivery
// order within one event is stable.
func (h *hub) snapshot() []*Session {
	h.gw.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.gw.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].info.ConnectionID < sessions[j].info.ConnectionID
	})
	return sessions
}
