// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package token

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/marginalia-app/marginalia/internal/models"
)

// SubjectSecretBytes is the length of a generated per-subject secret.
const SubjectSecretBytes = 32

// SubjectStore provides access to subject records and their per-subject
// signing secrets. In the full platform this fronts the relational store;
// the gateway ships a memory implementation for tests and a badger-backed
// one for single-binary deployments.
type SubjectStore interface {
	// Get returns the subject by ID.
	Get(ctx context.Context, id string) (*models.Subject, error)

	// GetByUsername returns the subject by username.
	GetByUsername(ctx context.Context, username string) (*models.Subject, error)

	// Put creates a subject record. Fails with ErrSubjectExists on ID or
	// username collision.
	Put(ctx context.Context, subject *models.Subject) error

	// Update replaces an existing subject record.
	Update(ctx context.Context, subject *models.Subject) error

	// RotateSecret atomically replaces the subject's token secret and
	// returns the new value. Every token issued under the old secret
	// becomes unverifiable on its next use.
	RotateSecret(ctx context.Context, id string) ([]byte, error)
}

// NewSubjectSecret generates a fresh random per-subject secret.
func NewSubjectSecret() ([]byte, error) {
	secret := make([]byte, SubjectSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate subject secret: %w", err)
	}
	return secret, nil
}

// MemoryStore is an in-memory SubjectStore for tests and development.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]*models.Subject
	byUsername map[string]string
}

// NewMemoryStore creates an empty in-memory subject store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*models.Subject),
		byUsername: make(map[string]string),
	}
}

// Get returns the subject by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subject, ok := s.byID[id]
	if !ok {
		return nil, ErrSubjectNotFound
	}
	return cloneSubject(subject), nil
}

// GetByUsername returns the subject by username.
func (s *MemoryStore) GetByUsername(_ context.Context, username string) (*models.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUsername[username]
	if !ok {
		return nil, ErrSubjectNotFound
	}
	return cloneSubject(s.byID[id]), nil
}

// Put creates a subject record.
func (s *MemoryStore) Put(_ context.Context, subject *models.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[subject.ID]; ok {
		return ErrSubjectExists
	}
	if _, ok := s.byUsername[subject.Username]; ok {
		return ErrSubjectExists
	}
	s.byID[subject.ID] = cloneSubject(subject)
	s.byUsername[subject.Username] = subject.ID
	return nil
}

// Update replaces an existing subject record.
func (s *MemoryStore) Update(_ context.Context, subject *models.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byID[subject.ID]
	if !ok {
		return ErrSubjectNotFound
	}
	delete(s.byUsername, existing.Username)
	s.byID[subject.ID] = cloneSubject(subject)
	s.byUsername[subject.Username] = subject.ID
	return nil
}

// RotateSecret atomically replaces the subject's token secret.
func (s *MemoryStore) RotateSecret(_ context.Context, id string) ([]byte, error) {
	secret, err := NewSubjectSecret()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	subject, ok := s.byID[id]
	if !ok {
		return nil, ErrSubjectNotFound
	}
	subject.TokenSecret = secret
	return append([]byte(nil), secret...), nil
}

func cloneSubject(subject *models.Subject) *models.Subject {
	cp := *subject
	cp.PasswordHash = append([]byte(nil), subject.PasswordHash...)
	cp.TokenSecret = append([]byte(nil), subject.TokenSecret...)
	cp.Permissions = make(models.PermissionSet, len(subject.Permissions))
	for p := range subject.Permissions {
		cp.Permissions[p] = struct{}{}
	}
	return &cp
}
