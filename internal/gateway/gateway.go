// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

// Package gateway is the real-time collaboration core: it accepts
// authenticated WebSocket connections, joins them to per-resource hubs, and
// routes events between the connection registry, the access filter, and the
// event bus.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/marginalia-app/marginalia/internal/bus"
	"github.com/marginalia-app/marginalia/internal/logging"
	"github.com/marginalia-app/marginalia/internal/metrics"
	"github.com/marginalia-app/marginalia/internal/models"
	"github.com/marginalia-app/marginalia/internal/registry"
)

var (
	// ErrForbidden means the subject lacks base access to the resource. The
	// API layer maps it to 403 before any upgrade happens.
	ErrForbidden = errors.New("forbidden")

	// ErrMissingConnectionID means the client omitted its connection_id.
	ErrMissingConnectionID = errors.New("missing connection_id")

	// ErrShuttingDown rejects new connections during shutdown.
	ErrShuttingDown = errors.New("gateway shutting down")
)

// Config tunes per-connection behavior.
type Config struct {
	// SendBuffer is the per-session outbound queue depth. A session whose
	// buffer fills is disconnected as a slow consumer.
	SendBuffer int

	// MaxMessageSize caps inbound client frames in bytes.
	MaxMessageSize int64

	// WriteWait bounds a single socket write.
	WriteWait time.Duration

	// InboundRate and InboundBurst throttle client messages per session.
	InboundRate  float64
	InboundBurst int

	// CheckOrigin validates the Origin header during upgrade. Nil falls back
	// to gorilla's same-origin default.
	CheckOrigin func(*http.Request) bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SendBuffer:     256,
		MaxMessageSize: 64 * 1024,
		WriteWait:      10 * time.Second,
		InboundRate:    25,
		InboundBurst:   50,
	}
}

// Options wires the gateway's collaborators.
type Options struct {
	Registry *registry.Registry
	Bus      bus.Bus
	Filter   OutgoingFilter
	Enricher IncomingEnricher
	Policies PolicyProvider
	Resolver SubjectResolver
}

// Gateway owns the hubs and the WebSocket upgrade path.
type Gateway struct {
	cfg      Config
	registry *registry.Registry
	bus      bus.Bus
	filter   OutgoingFilter
	enricher IncomingEnricher
	policies PolicyProvider
	resolver SubjectResolver
	upgrader websocket.Upgrader

	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex
	hubs     map[string]*hub
	shutdown bool
}

// New creates a gateway. All Options fields are required except Enricher,
// which defaults to the identity enricher.
func New(cfg Config, opts Options) *Gateway {
	if opts.Enricher == nil {
		opts.Enricher = NewIdentityEnricher()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:      cfg,
		registry: opts.Registry,
		bus:      opts.Bus,
		filter:   opts.Filter,
		enricher: opts.Enricher,
		policies: opts.Policies,
		resolver: opts.Resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		ctx:    ctx,
		cancel: cancel,
		hubs:   make(map[string]*hub),
	}
}

// HandleUpgrade authenticates access, upgrades the connection, and joins the
// session to its resource hub. Errors returned before the upgrade map to
// HTTP status codes; once the upgrade succeeds all failures are reported
// over the socket.
func (g *Gateway) HandleUpgrade(w http.ResponseWriter, r *http.Request, subject *models.Subject, resourceID, connectionID string) error {
	if connectionID == "" {
		return ErrMissingConnectionID
	}

	g.mu.RLock()
	down := g.shutdown
	g.mu.RUnlock()
	if down {
		return ErrShuttingDown
	}

	policy, err := g.policies.Policy(r.Context(), resourceID)
	if err != nil {
		return fmt.Errorf("policy lookup: %w", err)
	}
	if !g.filter.BaseAccess(subject, policy) {
		metrics.ConnectionsTotal.WithLabelValues("auth_rejected").Inc()
		return ErrForbidden
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return nil
	}

	info, err := g.registry.Register(resourceID, connectionID, subject.ID, subject.Username)
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("duplicate").Inc()
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicate connection_id")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.cfg.WriteWait))
		_ = conn.Close()
		return nil
	}

	s := newSession(g, conn, info, subject)
	if err := g.join(s); err != nil {
		g.registry.Unregister(connectionID)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.cfg.WriteWait))
		_ = conn.Close()
		return nil
	}

	if err := g.sendHandshake(s); err != nil {
		logging.Error().Err(err).Str("connection_id", connectionID).Msg("handshake failed")
		s.Close(websocket.CloseInternalServerErr, "handshake failed")
		return nil
	}

	s.start()
	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	logging.Info().
		Str("connection_id", connectionID).
		Str("subject_id", subject.ID).
		Str("resource_id", resourceID).
		Msg("websocket connection established")

	g.announce(models.EventUserConnected, info, models.UserConnectedPayload{
		UserID:       subject.ID,
		Username:     subject.Username,
		ConnectionID: connectionID,
		ConnectedAt:  info.ConnectedAt,
	})
	return nil
}

// sendHandshake queues the handshake envelope carrying the resource's other
// live participants. Delivered directly to the new session, never via the
// bus.
func (g *Gateway) sendHandshake(s *Session) error {
	active := g.registry.Active(s.info.ResourceID)
	users := make([]models.ActiveUser, 0, len(active))
	for _, c := range active {
		if c.ConnectionID == s.info.ConnectionID {
			continue
		}
		users = append(users, models.ActiveUser{
			UserID:       c.SubjectID,
			Username:     c.Username,
			ConnectionID: c.ConnectionID,
			ConnectedAt:  c.ConnectedAt,
		})
	}

	env, err := models.NewEnvelope(models.EventHandshake, s.info.ResourceID, "document", models.HandshakePayload{
		ConnectionID: s.info.ConnectionID,
		ActiveUsers:  users,
	})
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if !s.enqueue(frame) {
		return errors.New("send buffer full during handshake")
	}
	metrics.EventsDelivered.WithLabelValues(string(models.EventHandshake)).Inc()
	return nil
}

// join attaches the session to its resource hub, creating the hub and its
// bus subscription when this is the resource's first local session.
func (g *Gateway) join(s *Session) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.hubs[s.info.ResourceID]
	if !ok {
		ctx, cancel := context.WithCancel(g.ctx)
		events, err := g.bus.Subscribe(ctx, s.info.ResourceID)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe resource %s: %w", s.info.ResourceID, err)
		}
		h = &hub{
			gw:         g,
			resourceID: s.info.ResourceID,
			cancel:     cancel,
			sessions:   make(map[string]*Session),
		}
		g.hubs[s.info.ResourceID] = h
		go h.fanout(ctx, events)
	}
	h.sessions[s.info.ConnectionID] = s
	return nil
}

// leave detaches the session, tears down an empty hub, and announces the
// departure when this call is the one that removed the registry entry. The
// sweeper path announces separately because it removes the entry itself.
func (g *Gateway) leave(s *Session) {
	g.mu.Lock()
	if h, ok := g.hubs[s.info.ResourceID]; ok {
		delete(h.sessions, s.info.ConnectionID)
		if len(h.sessions) == 0 {
			h.cancel()
			delete(g.hubs, s.info.ResourceID)
		}
	}
	g.mu.Unlock()

	if conn := g.registry.Unregister(s.info.ConnectionID); conn != nil {
		logging.Info().
			Str("connection_id", conn.ConnectionID).
			Str("resource_id", conn.ResourceID).
			Msg("websocket connection closed")
		g.announce(models.EventUserDisconnected, conn, models.UserDisconnectedPayload{
			UserID: conn.SubjectID,
		})
	}
}

// OnSweep is the sweeper callback: it closes the sockets of timed-out
// connections and announces their departure. The registry entries are
// already gone.
func (g *Gateway) OnSweep(timedOut []*registry.Connection) {
	for _, conn := range timedOut {
		g.mu.RLock()
		var s *Session
		if h, ok := g.hubs[conn.ResourceID]; ok {
			s = h.sessions[conn.ConnectionID]
		}
		g.mu.RUnlock()

		if s != nil {
			s.Close(websocket.ClosePolicyViolation, "heartbeat timeout")
		}
		g.announce(models.EventUserDisconnected, conn, models.UserDisconnectedPayload{
			UserID: conn.SubjectID,
		})
	}
}

// announce publishes a presence event originated by conn. Publish failures
// are logged, not propagated: presence is best-effort by contract.
func (g *Gateway) announce(typ models.EventType, conn *registry.Connection, payload any) {
	env, err := models.NewEnvelope(typ, conn.ResourceID, "document", payload)
	if err != nil {
		logging.Error().Err(err).Str("type", string(typ)).Msg("failed to build presence envelope")
		return
	}
	env = env.WithOrigin(conn.ConnectionID)

	ctx, cancel := context.WithTimeout(context.Background(), bus.PublishTimeout)
	defer cancel()
	if err := g.bus.Publish(ctx, env); err != nil {
		logging.Warn().Err(err).Str("type", string(typ)).Str("resource_id", conn.ResourceID).Msg("presence publish failed")
	}
}

// publishFromClient enriches and publishes a client-authored event. Identity
// comes from the session's registry entry, not from the payload.
func (g *Gateway) publishFromClient(s *Session, env *models.Envelope) {
	viewer, err := g.resolver.Resolve(g.ctx, s.info.SubjectID)
	if err != nil {
		s.Close(websocket.ClosePolicyViolation, "access revoked")
		return
	}
	if !s.credentialsCurrent(viewer) {
		s.Close(websocket.ClosePolicyViolation, "access revoked")
		return
	}

	enriched, err := g.enricher.Enrich(s.info, viewer, env)
	if err != nil {
		logging.Debug().Err(err).Str("connection_id", s.info.ConnectionID).Msg("dropping unenrichable client event")
		return
	}

	ctx, cancel := context.WithTimeout(g.ctx, bus.PublishTimeout)
	defer cancel()
	if err := g.bus.Publish(ctx, enriched); err != nil {
		logging.Warn().Err(err).Str("connection_id", s.info.ConnectionID).Msg("client event publish failed")
	}
}

// Publish sends a server-originated event to the bus, tagged with the
// originating connection when the write came through a live session.
func (g *Gateway) Publish(ctx context.Context, env *models.Envelope) error {
	return g.bus.Publish(ctx, env)
}

// Shutdown stops accepting connections and closes every session.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	g.shutdown = true
	sessions := make([]*Session, 0)
	for _, h := range g.hubs {
		for _, s := range h.sessions {
			sessions = append(sessions, s)
		}
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.Close(websocket.CloseGoingAway, "server shutting down")
	}
	g.cancel()
}
