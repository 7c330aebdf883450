// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package token

import "errors"

// Rejection reasons are distinguished for diagnostics and metrics but
// collapsed to a single 401 at the API boundary.
var (
	// ErrMalformed indicates the outer envelope failed to parse or its
	// signature did not verify against the global secret.
	ErrMalformed = errors.New("token malformed")

	// ErrExpired indicates the outer or inner token is past its expiry.
	ErrExpired = errors.New("token expired")

	// ErrRevoked indicates the inner token no longer verifies against the
	// subject's current secret, i.e. the secret was rotated.
	ErrRevoked = errors.New("token revoked")

	// ErrSubjectNotFound indicates the subject record is gone from the store.
	ErrSubjectNotFound = errors.New("subject not found")

	// ErrSubjectExists indicates a Put collided with an existing subject.
	ErrSubjectExists = errors.New("subject already exists")
)

// Rejected reports whether err is one of the verification rejections.
func Rejected(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrExpired) || errors.Is(err, ErrRevoked)
}

// RejectReason returns the metrics label for a verification rejection.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	default:
		return "malformed"
	}
}
