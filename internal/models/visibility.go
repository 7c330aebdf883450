// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package models

// Visibility is the item-level visibility of an annotation, comment, or
// reaction.
type Visibility string

const (
	VisibilityPrivate    Visibility = "private"
	VisibilityRestricted Visibility = "restricted"
	VisibilityPublic     Visibility = "public"
)

// Valid reports whether v is one of the enumerated visibilities.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityRestricted, VisibilityPublic:
		return true
	default:
		return false
	}
}

// ViewMode is the document-level setting that governs whether item-level
// visibility is consulted at all. In restricted mode only authors and
// privileged viewers see items, regardless of item visibility.
type ViewMode string

const (
	ViewModeRestricted ViewMode = "restricted"
	ViewModePublic     ViewMode = "public"
)

// Valid reports whether m is one of the enumerated view modes.
func (m ViewMode) Valid() bool {
	return m == ViewModeRestricted || m == ViewModePublic
}

// ResourcePolicy is the per-document access posture, fetched fresh from the
// durable store for every decision. Never cached: view mode and sharing can
// change between events.
type ResourcePolicy struct {
	ResourceID  string
	ViewMode    ViewMode
	Visibility  Visibility
	AllowGuests bool
}
