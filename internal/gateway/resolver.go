// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package gateway

import (
	"context"

	"github.com/marginalia-app/marginalia/internal/models"
	"github.com/marginalia-app/marginalia/internal/token"
)

// StoreResolver implements SubjectResolver over the subject store, so every
// delivery decision sees the subject's current permissions and existence.
type StoreResolver struct {
	store token.SubjectStore
}

// NewStoreResolver creates a resolver over the given store.
func NewStoreResolver(store token.SubjectStore) *StoreResolver {
	return &StoreResolver{store: store}
}

// Resolve implements SubjectResolver. The anonymous identity is synthesized
// rather than stored, so it resolves without a store round trip and can never
// be revoked by deletion.
func (r *StoreResolver) Resolve(ctx context.Context, subjectID string) (*models.Subject, error) {
	if subjectID == models.AnonymousSubjectID {
		return models.AnonymousSubject(), nil
	}
	return r.store.Get(ctx, subjectID)
}
