// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package token

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/marginalia-app/marginalia/internal/models"
)

// ResetTTL is how long a password-reset link stays usable.
const ResetTTL = 1 * time.Hour

type resetClaims struct {
	jwt.RegisteredClaims
}

// resetKey derives the reset-link signing key from the global secret and the
// subject's current password hash. Changing the password changes the key, so
// outstanding links stop verifying without any revocation store. Same
// mechanism as secret rotation, at smaller scope.
func (a *Authority) resetKey(subject *models.Subject) []byte {
	h := sha256.New()
	h.Write(a.globalSecret)
	h.Write([]byte(":reset:"))
	h.Write(subject.PasswordHash)
	return h.Sum(nil)
}

// IssueResetToken creates a password-reset token for the subject.
func (a *Authority) IssueResetToken(subject *models.Subject) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &resetClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ResetTTL)),
		},
	})
	signed, err := tok.SignedString(a.resetKey(subject))
	if err != nil {
		return "", fmt.Errorf("sign reset token: %w", err)
	}
	return signed, nil
}

// VerifyResetToken validates a reset token against the subject's current
// password hash and returns the subject. A token issued before a password
// change fails with ErrRevoked.
func (a *Authority) VerifyResetToken(ctx context.Context, resetToken string) (*models.Subject, error) {
	// The subject must be known before the signature can be checked, so the
	// claims are decoded first without verification and the signature is
	// checked against the derived key afterwards.
	unverified := &resetClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(resetToken, unverified); err != nil {
		return nil, a.reject(ErrMalformed, err)
	}
	if unverified.Subject == "" {
		return nil, a.reject(ErrMalformed, errors.New("missing subject"))
	}

	subject, err := a.store.Get(ctx, unverified.Subject)
	if err != nil {
		if errors.Is(err, ErrSubjectNotFound) {
			return nil, a.reject(ErrRevoked, err)
		}
		return nil, fmt.Errorf("load subject %s: %w", unverified.Subject, err)
	}

	claims := &resetClaims{}
	_, err = jwt.ParseWithClaims(resetToken, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.resetKey(subject), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, a.reject(ErrExpired, err)
		}
		return nil, a.reject(ErrRevoked, err)
	}

	return subject, nil
}
