// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

// Package access implements the visibility predicate applied to every event
// before delivery. The predicate matches, field for field, the one applied
// by the synchronous query path: clients reconcile WebSocket pushes with
// REST-fetched data, and any divergence shows up as visible inconsistency.
//
// Evaluation is fail-closed. A malformed payload, an unknown event type, or
// an invalid visibility value yields "not visible" plus an error; no failure
// path defaults to visible.
package access

import (
	"errors"
	"fmt"

	"github.com/marginalia-app/marginalia/internal/models"
)

// ErrFilterEvaluation wraps payload decoding failures during filtering. The
// event is dropped and logged, never delivered unfiltered.
var ErrFilterEvaluation = errors.New("filter evaluation failed")

// DecisionInput is the read-only tuple the item predicate consumes. It is
// derived fresh per event, never cached: permissions and view mode can
// change between events.
type DecisionInput struct {
	ViewerSubjectID    string
	ViewerPermissions  models.PermissionSet
	ResourceVisibility models.Visibility
	ResourceViewMode   models.ViewMode
	ItemVisibility     models.Visibility
	ItemAuthorID       string
}

// Filter evaluates event visibility for viewers. The zero value is ready to
// use; the struct exists so the gateway can inject it behind its
// OutgoingFilter strategy interface.
type Filter struct{}

// New returns the comment/annotation visibility filter. Reaction events
// follow the same rules until a dedicated reaction policy exists.
func New() *Filter {
	return &Filter{}
}

// ItemVisible is the item-level predicate:
//
//  1. In restricted view mode only the item's author and viewers holding
//     view_restricted_comments or administrator see the item; item
//     visibility is irrelevant.
//  2. In public view mode item visibility governs: private is author-only,
//     restricted is author-or-privileged, public is anyone with base
//     resource access.
//
// Any input outside the enumerated modes or visibilities is not visible.
func (f *Filter) ItemVisible(in DecisionInput) bool {
	isAuthor := in.ItemAuthorID != "" && in.ViewerSubjectID == in.ItemAuthorID
	privileged := in.ViewerPermissions.HasAny(
		models.PermissionViewRestrictedComments,
		models.PermissionAdministrator,
	)

	switch in.ResourceViewMode {
	case models.ViewModeRestricted:
		return isAuthor || privileged
	case models.ViewModePublic:
		switch in.ItemVisibility {
		case models.VisibilityPrivate:
			return isAuthor
		case models.VisibilityRestricted:
			return isAuthor || privileged
		case models.VisibilityPublic:
			return true
		default:
			return false
		}
	default:
		return false
	}
}

// BaseAccess reports whether the viewer may see the resource at all. Public
// resources are open to everyone the resource admits; non-public resources
// require a resource-scoped permission grant (membership) or administrator.
// Guests are admitted only where the resource allows guest access.
func (f *Filter) BaseAccess(viewer *models.Subject, policy *models.ResourcePolicy) bool {
	if viewer == nil || policy == nil {
		return false
	}
	if viewer.Guest && !policy.AllowGuests {
		return false
	}
	if viewer.Permissions.Has(models.PermissionAdministrator) {
		return true
	}
	if policy.Visibility == models.VisibilityPublic {
		return true
	}
	// Non-public resource: the durable store grants resource-scoped
	// permissions only to members, so an empty set means no membership.
	return len(viewer.Permissions) > 0 && !viewer.Guest
}

// Evaluate decides whether the envelope is visible to the viewer under the
// resource policy. Item events are decoded and run through ItemVisible;
// presence events (handshake, user_connected, user_disconnected,
// view_mode_changed, mouse_position) carry no item and require base access
// only. Heartbeats are client-to-server and never deliverable.
func (f *Filter) Evaluate(viewer *models.Subject, policy *models.ResourcePolicy, env *models.Envelope) (bool, error) {
	if viewer == nil || policy == nil || env == nil {
		return false, fmt.Errorf("%w: nil input", ErrFilterEvaluation)
	}
	if !env.Type.Valid() {
		return false, fmt.Errorf("%w: unknown event type %q", ErrFilterEvaluation, env.Type)
	}

	if !f.BaseAccess(viewer, policy) {
		return false, nil
	}

	switch {
	case env.Type.Presence():
		return true, nil
	case env.Type.CarriesItem():
		item, err := env.Item()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrFilterEvaluation, err)
		}
		return f.ItemVisible(DecisionInput{
			ViewerSubjectID:    viewer.ID,
			ViewerPermissions:  viewer.Permissions,
			ResourceVisibility: policy.Visibility,
			ResourceViewMode:   policy.ViewMode,
			ItemVisibility:     item.Visibility,
			ItemAuthorID:       item.AuthorID,
		}), nil
	default:
		// heartbeat and anything future-proofed: never delivered.
		return false, nil
	}
}
