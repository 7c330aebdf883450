// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package gateway

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/marginalia-app/marginalia/internal/models"
	"github.com/marginalia-app/marginalia/internal/registry"
)

// IdentityEnricher stamps client-sent envelopes with the session's
// authenticated identity and resource before publication. Whatever identity
// the client wrote into the payload is discarded.
type IdentityEnricher struct{}

// NewIdentityEnricher returns the default inbound enricher.
func NewIdentityEnricher() *IdentityEnricher {
	return &IdentityEnricher{}
}

// Enrich implements IncomingEnricher.
func (e *IdentityEnricher) Enrich(conn *registry.Connection, subject *models.Subject, env *models.Envelope) (*models.Envelope, error) {
	out := *env
	out.ResourceID = conn.ResourceID
	out.OriginatingConnectionID = conn.ConnectionID
	if out.EventID == "" {
		out.EventID = models.NewEventID()
	}

	switch env.Type {
	case models.EventMousePosition:
		var pos models.MousePositionPayload
		if err := json.Unmarshal(env.Payload, &pos); err != nil {
			return nil, fmt.Errorf("decode mouse_position payload: %w", err)
		}
		pos.UserID = subject.ID
		pos.Username = subject.Username
		payload, err := json.Marshal(&pos)
		if err != nil {
			return nil, fmt.Errorf("encode mouse_position payload: %w", err)
		}
		out.Payload = payload
	}

	return &out, nil
}
