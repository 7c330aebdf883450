// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/marginalia-app/marginalia/internal/models"
)

// Key prefixes for BadgerDB storage.
const (
	subjectKeyPrefix  = "subject:"
	usernameKeyPrefix = "subject_username:"
)

// storedSubject is the badger serialization of a subject record.
type storedSubject struct {
	ID           string              `json:"id"`
	Username     string              `json:"username"`
	Guest        bool                `json:"guest"`
	PasswordHash []byte              `json:"password_hash"`
	TokenSecret  []byte              `json:"token_secret"`
	Permissions  []models.Permission `json:"permissions"`
}

// BadgerStore implements SubjectStore on BadgerDB. Suitable for
// single-binary deployments where subject secrets must survive restarts;
// the full platform fronts the relational store instead.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a badger-backed subject store.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// OpenBadgerStore opens (or creates) the badger database at path and wraps
// it in a store. The caller owns closing the returned DB.
func OpenBadgerStore(path string) (*BadgerStore, *badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("open subject store at %s: %w", path, err)
	}
	return NewBadgerStore(db), db, nil
}

// Get returns the subject by ID.
func (s *BadgerStore) Get(_ context.Context, id string) (*models.Subject, error) {
	var stored storedSubject
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(subjectKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSubjectNotFound
		}
		if err != nil {
			return fmt.Errorf("get subject: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		})
	})
	if err != nil {
		return nil, err
	}
	return stored.toSubject(), nil
}

// GetByUsername returns the subject by username.
func (s *BadgerStore) GetByUsername(ctx context.Context, username string) (*models.Subject, error) {
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(usernameKeyPrefix + username))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSubjectNotFound
		}
		if err != nil {
			return fmt.Errorf("get username mapping: %w", err)
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Put creates a subject record.
func (s *BadgerStore) Put(_ context.Context, subject *models.Subject) error {
	data, err := json.Marshal(fromSubject(subject))
	if err != nil {
		return fmt.Errorf("marshal subject: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(subjectKeyPrefix + subject.ID)); err == nil {
			return ErrSubjectExists
		}
		if _, err := txn.Get([]byte(usernameKeyPrefix + subject.Username)); err == nil {
			return ErrSubjectExists
		}
		if err := txn.Set([]byte(subjectKeyPrefix+subject.ID), data); err != nil {
			return fmt.Errorf("set subject: %w", err)
		}
		if err := txn.Set([]byte(usernameKeyPrefix+subject.Username), []byte(subject.ID)); err != nil {
			return fmt.Errorf("set username mapping: %w", err)
		}
		return nil
	})
}

// Update replaces an existing subject record.
func (s *BadgerStore) Update(_ context.Context, subject *models.Subject) error {
	data, err := json.Marshal(fromSubject(subject))
	if err != nil {
		return fmt.Errorf("marshal subject: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(subjectKeyPrefix + subject.ID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSubjectNotFound
		}
		if err != nil {
			return fmt.Errorf("get subject: %w", err)
		}

		// Drop the old username mapping when the username changed.
		var old storedSubject
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &old)
		}); err != nil {
			return err
		}
		if old.Username != subject.Username {
			if err := txn.Delete([]byte(usernameKeyPrefix + old.Username)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("delete old username mapping: %w", err)
			}
			if err := txn.Set([]byte(usernameKeyPrefix+subject.Username), []byte(subject.ID)); err != nil {
				return fmt.Errorf("set username mapping: %w", err)
			}
		}

		return txn.Set([]byte(subjectKeyPrefix+subject.ID), data)
	})
}

// RotateSecret atomically replaces the subject's token secret inside a
// single badger transaction.
func (s *BadgerStore) RotateSecret(_ context.Context, id string) ([]byte, error) {
	secret, err := NewSubjectSecret()
	if err != nil {
		return nil, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(subjectKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSubjectNotFound
		}
		if err != nil {
			return fmt.Errorf("get subject: %w", err)
		}

		var stored storedSubject
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}

		stored.TokenSecret = secret
		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshal subject: %w", err)
		}
		return txn.Set([]byte(subjectKeyPrefix+id), data)
	})
	if err != nil {
		return nil, err
	}
	return secret, nil
}

func fromSubject(subject *models.Subject) *storedSubject {
	perms := make([]models.Permission, 0, len(subject.Permissions))
	for p := range subject.Permissions {
		perms = append(perms, p)
	}
	return &storedSubject{
		ID:           subject.ID,
		Username:     subject.Username,
		Guest:        subject.Guest,
		PasswordHash: subject.PasswordHash,
		TokenSecret:  subject.TokenSecret,
		Permissions:  perms,
	}
}

func (s *storedSubject) toSubject() *models.Subject {
	return &models.Subject{
		ID:           s.ID,
		Username:     s.Username,
		Guest:        s.Guest,
		PasswordHash: s.PasswordHash,
		TokenSecret:  s.TokenSecret,
		Permissions:  models.NewPermissionSet(s.Permissions...),
	}
}
