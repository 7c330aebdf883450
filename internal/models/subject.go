// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package models

// Permission names a capability a subject may hold on a resource.
type Permission string

const (
	// PermissionViewRestrictedComments grants visibility into restricted
	// items and restricted view mode.
	PermissionViewRestrictedComments Permission = "view_restricted_comments"

	// PermissionAdministrator grants every capability.
	PermissionAdministrator Permission = "administrator"
)

// PermissionSet is an unordered set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Has reports whether the set contains p.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// HasAny reports whether the set contains at least one of the given
// permissions.
func (s PermissionSet) HasAny(perms ...Permission) bool {
	for _, p := range perms {
		if s.Has(p) {
			return true
		}
	}
	return false
}

// Subject is an account record as reconstructed from the durable store.
// TokenSecret is the per-subject signing secret backing the inner token;
// rotating it is the only token revocation mechanism.
type Subject struct {
	ID           string
	Username     string
	Guest        bool
	PasswordHash []byte
	TokenSecret  []byte
	Permissions  PermissionSet
}

// AnonymousSubjectID identifies the shared anonymous viewer identity. It is
// never stored; the resolver synthesizes the subject on every lookup.
const AnonymousSubjectID = "anonymous"

// AnonymousSubject returns the identity substituted for unauthenticated
// viewers on resources that permit guest access.
func AnonymousSubject() *Subject {
	return &Subject{
		ID:          AnonymousSubjectID,
		Username:    AnonymousSubjectID,
		Guest:       true,
		Permissions: NewPermissionSet(),
	}
}

// Anonymous reports whether s is the shared anonymous identity.
func (s *Subject) Anonymous() bool {
	return s != nil && s.ID == AnonymousSubjectID
}
