// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package gateway

import (
	"context"

	"github.com/marginalia-app/marginalia/internal/models"
	"github.com/marginalia-app/marginalia/internal/registry"
)

// OutgoingFilter decides per viewer whether an envelope may be delivered.
// Implementations must fail closed: on error the event is not delivered.
type OutgoingFilter interface {
	Evaluate(viewer *models.Subject, policy *models.ResourcePolicy, env *models.Envelope) (bool, error)
	BaseAccess(viewer *models.Subject, policy *models.ResourcePolicy) bool
}

// IncomingEnricher transforms a client-sent envelope before publication.
// Identity fields always come from the authenticated session, never from the
// client payload.
type IncomingEnricher interface {
	Enrich(conn *registry.Connection, subject *models.Subject, env *models.Envelope) (*models.Envelope, error)
}

// PolicyProvider returns the current policy for a resource. Called fresh for
// every delivery decision so a view-mode toggle applies to the next event.
type PolicyProvider interface {
	Policy(ctx context.Context, resourceID string) (*models.ResourcePolicy, error)
}

// SubjectResolver re-reads a subject from the durable store. Delivery uses it
// instead of the connect-time snapshot, which is how permission changes and
// secret rotation take effect mid-session.
type SubjectResolver interface {
	Resolve(ctx context.Context, subjectID string) (*models.Subject, error)
}
