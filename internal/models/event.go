// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package models

import (
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewEventID returns a lexicographically sortable event identifier. ULIDs
// sort by publish time, which keeps per-channel logs and client-side
// reconciliation by event_id cheap.
func NewEventID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// EventType discriminates the closed set of envelope kinds that travel over
// the bus and the WebSocket wire. The set is closed: Valid() rejects anything
// outside it so malformed events are dropped before filter evaluation.
type EventType string

const (
	EventHandshake        EventType = "handshake"
	EventUserConnected    EventType = "user_connected"
	EventUserDisconnected EventType = "user_disconnected"
	EventCreate           EventType = "create"
	EventUpdate           EventType = "update"
	EventDelete           EventType = "delete"
	EventViewModeChanged  EventType = "view_mode_changed"
	EventMousePosition    EventType = "mouse_position"
	EventHeartbeat        EventType = "heartbeat"
)

// Valid reports whether t is one of the enumerated event types.
func (t EventType) Valid() bool {
	switch t {
	case EventHandshake, EventUserConnected, EventUserDisconnected,
		EventCreate, EventUpdate, EventDelete,
		EventViewModeChanged, EventMousePosition, EventHeartbeat:
		return true
	default:
		return false
	}
}

// CarriesItem reports whether the payload is a resource-shaped item subject
// to item-level visibility filtering.
func (t EventType) CarriesItem() bool {
	switch t {
	case EventCreate, EventUpdate, EventDelete:
		return true
	default:
		return false
	}
}

// Presence reports whether the event is a presence/awareness notification
// that bypasses item-level filtering but still requires base resource access.
func (t EventType) Presence() bool {
	switch t {
	case EventHandshake, EventUserConnected, EventUserDisconnected,
		EventViewModeChanged, EventMousePosition:
		return true
	default:
		return false
	}
}

// Envelope is the immutable wire message exchanged between router instances
// and delivered to WebSocket clients. One JSON object per message.
//
// OriginatingConnectionID is set only for events produced by a live client
// action and is used for best-effort echo suppression; clients reconcile
// duplicates by EventID.
type Envelope struct {
	Type                    EventType       `json:"type"`
	Payload                 json.RawMessage `json:"payload"`
	ResourceID              string          `json:"resource_id,omitempty"`
	ResourceKind            string          `json:"resource,omitempty"`
	OriginatingConnectionID string          `json:"originating_connection_id,omitempty"`
	EventID                 string          `json:"event_id"`
	PublishedAt             time.Time       `json:"published_at"`
}

// NewEnvelope builds an envelope with a fresh ULID event ID and the payload
// marshaled in place.
func NewEnvelope(typ EventType, resourceID, resourceKind string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = data
	}

	return &Envelope{
		Type:         typ,
		Payload:      raw,
		ResourceID:   resourceID,
		ResourceKind: resourceKind,
		EventID:      NewEventID(),
		PublishedAt:  time.Now().UTC(),
	}, nil
}

// WithOrigin returns a shallow copy tagged with the originating connection.
// Envelopes are treated as immutable once published.
func (e *Envelope) WithOrigin(connectionID string) *Envelope {
	cp := *e
	cp.OriginatingConnectionID = connectionID
	return &cp
}

// Item extracts the resource-shaped item from a create/update/delete payload.
// Returns an error for non-item events or undecodable payloads; callers must
// treat that error as "not visible" (fail-closed).
func (e *Envelope) Item() (*Item, error) {
	if !e.Type.CarriesItem() {
		return nil, fmt.Errorf("event %s carries no item", e.Type)
	}
	var item Item
	if err := json.Unmarshal(e.Payload, &item); err != nil {
		return nil, fmt.Errorf("decode %s item payload: %w", e.Type, err)
	}
	if !item.Visibility.Valid() {
		return nil, fmt.Errorf("item %q: invalid visibility %q", item.ID, item.Visibility)
	}
	return &item, nil
}

// Item is the minimal resource-shaped view of a create/update/delete payload
// that the access filter consumes. The full item (comment, reaction, ...) is
// forwarded verbatim; only these fields participate in the visibility
// decision.
type Item struct {
	ID         string     `json:"id"`
	AuthorID   string     `json:"author_id"`
	Visibility Visibility `json:"visibility"`
}

// ActiveUser describes one live participant in a handshake payload.
type ActiveUser struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	ConnectionID string    `json:"connection_id"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// HandshakePayload is sent once to a newly joined client.
type HandshakePayload struct {
	ConnectionID string       `json:"connection_id"`
	ActiveUsers  []ActiveUser `json:"active_users"`
}

// UserConnectedPayload announces a new participant to the channel.
type UserConnectedPayload struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	ConnectionID string    `json:"connection_id"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// UserDisconnectedPayload announces a departed participant.
type UserDisconnectedPayload struct {
	UserID string `json:"user_id"`
}

// ViewModeChangedPayload announces a document view-mode toggle.
type ViewModeChangedPayload struct {
	DocumentID string   `json:"document_id"`
	ViewMode   ViewMode `json:"view_mode"`
}

// MousePositionPayload carries a live cursor update. X and Y are normalized
// to the 0-1 range relative to the rendered page.
type MousePositionPayload struct {
	UserID   string  `json:"user_id,omitempty"`
	Username string  `json:"username,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Page     int     `json:"page"`
	Visible  bool    `json:"visible"`
}
