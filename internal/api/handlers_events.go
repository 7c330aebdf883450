// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marginalia-app/marginalia/internal/bus"
	"github.com/marginalia-app/marginalia/internal/gateway"
	"github.com/marginalia-app/marginalia/internal/logging"
	"github.com/marginalia-app/marginalia/internal/models"
)

// EventsWebSocket handles GET /api/v1/documents/{id}/events: the WebSocket
// upgrade into the document's event channel. The client supplies its own
// connection_id so reconnects can be distinguished from duplicates.
func (router *Router) EventsWebSocket(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	if subject == nil {
		NewResponseWriter(w, r).Unauthorized("authentication required")
		return
	}

	documentID := chi.URLParam(r, "id")
	connectionID := r.URL.Query().Get("connection_id")

	err := router.gateway.HandleUpgrade(w, r, subject, documentID, connectionID)
	if err == nil {
		return
	}

	rw := NewResponseWriter(w, r)
	switch {
	case errors.Is(err, gateway.ErrMissingConnectionID):
		rw.BadRequest("connection_id query parameter is required")
	case errors.Is(err, gateway.ErrForbidden):
		if subject.Anonymous() {
			// The document admits no guests; an account might.
			rw.Unauthorized("authentication required")
			return
		}
		rw.Forbidden("no access to this document")
	case errors.Is(err, gateway.ErrShuttingDown):
		rw.ServiceUnavailable("server is shutting down")
	default:
		logging.Error().Err(err).Str("document_id", documentID).Msg("websocket upgrade failed")
		rw.InternalError("connection failed")
	}
}

// PublishEvent handles POST /api/v1/documents/{id}/events: the REST write
// path for content events. The item payload is forwarded verbatim to the bus;
// persistence belongs to the platform's content services.
func (router *Router) PublishEvent(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	subject := SubjectFromContext(r.Context())
	if subject == nil {
		rw.Unauthorized("authentication required")
		return
	}
	documentID := chi.URLParam(r, "id")

	var req PublishEventRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}

	policy, err := router.policies.Policy(r.Context(), documentID)
	if err != nil {
		logging.Error().Err(err).Str("document_id", documentID).Msg("policy lookup failed")
		rw.InternalError("publish failed")
		return
	}
	if !router.filter.BaseAccess(subject, policy) {
		rw.Forbidden("no access to this document")
		return
	}

	env := &models.Envelope{
		Type:         models.EventType(req.Type),
		Payload:      req.Payload,
		ResourceID:   documentID,
		ResourceKind: req.Resource,
		EventID:      models.NewEventID(),
		PublishedAt:  time.Now().UTC(),
	}
	if req.ConnectionID != "" {
		env = env.WithOrigin(req.ConnectionID)
	}

	item, err := env.Item()
	if err != nil {
		rw.BadRequest("payload must carry id, author_id, and a valid visibility")
		return
	}
	if item.AuthorID != subject.ID && !subject.Permissions.Has(models.PermissionAdministrator) {
		rw.Forbidden("author_id must match the authenticated subject")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), bus.PublishTimeout)
	defer cancel()
	if err := router.gateway.Publish(ctx, env); err != nil {
		if errors.Is(err, bus.ErrBusUnavailable) {
			rw.ServiceUnavailable("event bus unavailable")
			return
		}
		logging.Error().Err(err).Str("document_id", documentID).Msg("event publish failed")
		rw.InternalError("publish failed")
		return
	}

	rw.Created(map[string]string{"event_id": env.EventID})
}

// viewModeResponse is the body for view-mode reads and writes.
type viewModeResponse struct {
	DocumentID string          `json:"document_id"`
	ViewMode   models.ViewMode `json:"view_mode"`
}

// GetViewMode handles GET /api/v1/documents/{id}/view-mode.
func (router *Router) GetViewMode(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	subject := SubjectFromContext(r.Context())
	if subject == nil {
		rw.Unauthorized("authentication required")
		return
	}
	documentID := chi.URLParam(r, "id")

	policy, err := router.policies.Policy(r.Context(), documentID)
	if err != nil {
		logging.Error().Err(err).Str("document_id", documentID).Msg("policy lookup failed")
		rw.InternalError("lookup failed")
		return
	}
	if !router.filter.BaseAccess(subject, policy) {
		rw.Forbidden("no access to this document")
		return
	}

	rw.Success(viewModeResponse{DocumentID: documentID, ViewMode: policy.ViewMode})
}

// SetViewMode handles PUT /api/v1/documents/{id}/view-mode. Restricted to
// privileged subjects; the change is broadcast so connected clients can
// redraw immediately.
func (router *Router) SetViewMode(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	subject := SubjectFromContext(r.Context())
	if subject == nil {
		rw.Unauthorized("authentication required")
		return
	}
	if !subject.Permissions.HasAny(models.PermissionViewRestrictedComments, models.PermissionAdministrator) {
		rw.Forbidden("insufficient permissions")
		return
	}
	documentID := chi.URLParam(r, "id")

	var req ViewModeRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}

	policy := router.policies.SetViewMode(documentID, models.ViewMode(req.ViewMode))
	logging.Info().
		Str("document_id", documentID).
		Str("view_mode", string(policy.ViewMode)).
		Str("subject_id", subject.ID).
		Msg("view mode changed")

	env, err := models.NewEnvelope(models.EventViewModeChanged, documentID, "document", models.ViewModeChangedPayload{
		DocumentID: documentID,
		ViewMode:   policy.ViewMode,
	})
	if err != nil {
		logging.Error().Err(err).Msg("failed to build view_mode_changed envelope")
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), bus.PublishTimeout)
		defer cancel()
		if err := router.gateway.Publish(ctx, env); err != nil {
			// The mode is already persisted; clients pick it up on their
			// next event evaluation even if the broadcast is lost.
			logging.Warn().Err(err).Str("document_id", documentID).Msg("view_mode_changed broadcast failed")
		}
	}

	rw.Success(viewModeResponse{DocumentID: documentID, ViewMode: policy.ViewMode})
}
