// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package gateway

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/marginalia-app/marginalia/internal/logging"
	"github.com/marginalia-app/marginalia/internal/metrics"
	"github.com/marginalia-app/marginalia/internal/models"
	"github.com/marginalia-app/marginalia/internal/registry"
)

// Transport-level liveness. Protocol pings are independent of application
// heartbeats: pings detect dead TCP paths in seconds, heartbeats bound
// registry staleness in minutes.
const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// sessionState tracks the connection lifecycle for logging. Transitions are
// one-way: handshaking -> active -> closing -> closed.
type sessionState int32

const (
	stateHandshaking sessionState = iota
	stateActive
	stateClosing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateHandshaking:
		return "handshaking"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one live WebSocket connection. The read pump is the only reader
// and the write pump the only writer; everything else talks to the session
// through the send channel or Close.
type Session struct {
	gw   *Gateway
	conn *websocket.Conn
	info *registry.Connection

	// tokenSecret is the subject's signing secret at connect time. Delivery
	// compares it against the stored secret; a mismatch means the secret was
	// rotated and this session's credentials are no longer valid.
	tokenSecret []byte

	send    chan []byte
	limiter *rate.Limiter
	state   atomic.Int32

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(gw *Gateway, conn *websocket.Conn, info *registry.Connection, subject *models.Subject) *Session {
	s := &Session{
		gw:          gw,
		conn:        conn,
		info:        info,
		tokenSecret: append([]byte(nil), subject.TokenSecret...),
		send:        make(chan []byte, gw.cfg.SendBuffer),
		limiter:     rate.NewLimiter(rate.Limit(gw.cfg.InboundRate), gw.cfg.InboundBurst),
		done:        make(chan struct{}),
	}
	s.state.Store(int32(stateHandshaking))
	return s
}

// credentialsCurrent reports whether the resolved subject still carries the
// secret this session authenticated with.
func (s *Session) credentialsCurrent(viewer *models.Subject) bool {
	return bytes.Equal(s.tokenSecret, viewer.TokenSecret)
}

// start launches the pumps after the handshake message is queued.
func (s *Session) start() {
	s.state.Store(int32(stateActive))
	go s.writePump()
	go s.readPump()
}

// enqueue hands a pre-marshaled frame to the write pump. Returns false when
// the buffer is full; the caller decides whether that kills the session.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Close terminates the session once, sending a close frame with the given
// code and detaching from the gateway.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosing))
		close(s.done)

		deadline := time.Now().Add(s.gw.cfg.WriteWait)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.conn.Close()

		s.gw.leave(s)
		s.state.Store(int32(stateClosed))
	})
}

// readPump consumes client frames until the connection dies. It owns
// heartbeats and client-authored events; anything it cannot parse is dropped
// without killing the session.
func (s *Session) readPump() {
	defer s.Close(websocket.CloseNormalClosure, "")

	s.conn.SetReadLimit(s.gw.cfg.MaxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Debug().Err(err).Str("connection_id", s.info.ConnectionID).Msg("websocket closed unexpectedly")
			}
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}

		if !s.limiter.Allow() {
			metrics.EventsSuppressed.WithLabelValues("throttled").Inc()
			continue
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Debug().Err(err).Str("connection_id", s.info.ConnectionID).Msg("dropping unparseable client message")
			continue
		}
		s.handleInbound(&env)
	}
}

// handleInbound dispatches one client message. Clients may only send
// heartbeats and cursor updates over the socket; content writes go through
// the REST API.
func (s *Session) handleInbound(env *models.Envelope) {
	switch env.Type {
	case models.EventHeartbeat:
		s.gw.registry.Heartbeat(s.info.ConnectionID)
	case models.EventMousePosition:
		s.gw.publishFromClient(s, env)
	default:
		logging.Debug().
			Str("connection_id", s.info.ConnectionID).
			Str("type", string(env.Type)).
			Msg("ignoring client event type not accepted over websocket")
	}
}

// writePump drains the send channel to the socket and keeps the transport
// alive with protocol pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.gw.cfg.WriteWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.gw.cfg.WriteWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
