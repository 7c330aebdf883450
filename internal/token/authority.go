// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

// Package token implements the two-layer bearer-token scheme used by both
// HTTP and WebSocket authentication.
//
// The outer token is a signed envelope carrying the subject, token type, and
// an embedded inner token. The outer signature uses the process-wide global
// secret; the inner signature uses a per-subject secret held in the subject
// store. A token verifies only while the inner signature matches the
// subject's current secret, so rotating that secret ("log out everywhere")
// invalidates every outstanding token for the subject without a blacklist.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/marginalia-app/marginalia/internal/metrics"
	"github.com/marginalia-app/marginalia/internal/models"
)

// Type distinguishes access tokens from refresh tokens.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// TTL presets applied by IssuePair.
const (
	AccessTTL       = 12 * time.Hour
	RefreshTTL      = 3 * 24 * time.Hour
	GuestRefreshTTL = 30 * 24 * time.Hour
)

// outerClaims is the outer envelope: globally signed, embeds the inner token.
type outerClaims struct {
	TokenType Type   `json:"token_type"`
	Inner     string `json:"inner"`
	jwt.RegisteredClaims
}

// innerClaims is the per-subject-signed inner token.
type innerClaims struct {
	jwt.RegisteredClaims
}

// Authority issues, verifies, and (via secret rotation) invalidates the
// two-layer bearer tokens.
type Authority struct {
	globalSecret []byte
	store        SubjectStore

	accessTTL       time.Duration
	refreshTTL      time.Duration
	guestRefreshTTL time.Duration
}

// Config holds Authority construction parameters. Zero TTLs fall back to the
// spec presets.
type Config struct {
	GlobalSecret    string
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	GuestRefreshTTL time.Duration
}

// NewAuthority creates a token authority backed by the given subject store.
func NewAuthority(cfg Config, store SubjectStore) (*Authority, error) {
	if cfg.GlobalSecret == "" {
		return nil, fmt.Errorf("global secret is required")
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = AccessTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = RefreshTTL
	}
	if cfg.GuestRefreshTTL == 0 {
		cfg.GuestRefreshTTL = GuestRefreshTTL
	}

	return &Authority{
		globalSecret:    []byte(cfg.GlobalSecret),
		store:           store,
		accessTTL:       cfg.AccessTTL,
		refreshTTL:      cfg.RefreshTTL,
		guestRefreshTTL: cfg.GuestRefreshTTL,
	}, nil
}

// Issue builds an outer token of the given type for the subject, with the
// inner token signed by the subject's current secret. The ttl applies to
// both layers.
func (a *Authority) Issue(subject *models.Subject, tokenType Type, ttl time.Duration) (string, error) {
	if len(subject.TokenSecret) == 0 {
		return "", fmt.Errorf("subject %s has no token secret", subject.ID)
	}

	now := time.Now()
	inner := jwt.NewWithClaims(jwt.SigningMethodHS256, &innerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	innerSigned, err := inner.SignedString(subject.TokenSecret)
	if err != nil {
		return "", fmt.Errorf("sign inner token: %w", err)
	}

	outer := jwt.NewWithClaims(jwt.SigningMethodHS256, &outerClaims{
		TokenType: tokenType,
		Inner:     innerSigned,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := outer.SignedString(a.globalSecret)
	if err != nil {
		return "", fmt.Errorf("sign outer token: %w", err)
	}

	metrics.TokensIssued.WithLabelValues(string(tokenType)).Inc()
	return signed, nil
}

// IssueAccess issues an access token with the preset TTL.
func (a *Authority) IssueAccess(subject *models.Subject) (string, error) {
	return a.Issue(subject, TypeAccess, a.accessTTL)
}

// IssueRefresh issues a refresh token; guests get the long-lived preset.
func (a *Authority) IssueRefresh(subject *models.Subject) (string, error) {
	ttl := a.refreshTTL
	if subject.Guest {
		ttl = a.guestRefreshTTL
	}
	return a.Issue(subject, TypeRefresh, ttl)
}

// Verify checks the outer token end to end and returns the subject it was
// issued to. Rejections are ErrMalformed, ErrExpired, or ErrRevoked; callers
// at the API boundary collapse all three to 401.
//
// The inner token is verified against the subject's *current* secret fetched
// from the store, never a cached copy. That lookup is what makes secret
// rotation an immediate, storeless revocation.
func (a *Authority) Verify(ctx context.Context, outerToken string) (*models.Subject, Type, error) {
	claims := &outerClaims{}
	_, err := jwt.ParseWithClaims(outerToken, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.globalSecret, nil
	})
	if err != nil {
		return nil, "", a.reject(outerRejection(err), err)
	}
	if claims.Subject == "" || claims.Inner == "" {
		return nil, "", a.reject(ErrMalformed, errors.New("missing subject or inner token"))
	}

	subject, err := a.store.Get(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrSubjectNotFound) {
			return nil, "", a.reject(ErrRevoked, err)
		}
		return nil, "", fmt.Errorf("load subject %s: %w", claims.Subject, err)
	}

	inner := &innerClaims{}
	_, err = jwt.ParseWithClaims(claims.Inner, inner, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return subject.TokenSecret, nil
	})
	if err != nil {
		// A signature mismatch against the current secret means the secret
		// was rotated since issuance.
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, "", a.reject(ErrExpired, err)
		}
		return nil, "", a.reject(ErrRevoked, err)
	}
	if inner.Subject != claims.Subject {
		return nil, "", a.reject(ErrMalformed, errors.New("inner/outer subject mismatch"))
	}

	return subject, claims.TokenType, nil
}

// AccessTTL returns the configured access token lifetime.
func (a *Authority) AccessTTL() time.Duration {
	return a.accessTTL
}

// RefreshTTLFor returns the refresh token lifetime applied to the subject.
func (a *Authority) RefreshTTLFor(subject *models.Subject) time.Duration {
	if subject.Guest {
		return a.guestRefreshTTL
	}
	return a.refreshTTL
}

// RotateSecret regenerates the subject's per-subject secret. All previously
// issued tokens for the subject fail verification on their next use.
func (a *Authority) RotateSecret(ctx context.Context, subjectID string) error {
	if _, err := a.store.RotateSecret(ctx, subjectID); err != nil {
		return fmt.Errorf("rotate secret for %s: %w", subjectID, err)
	}
	metrics.SecretRotations.Inc()
	return nil
}

func (a *Authority) reject(reason error, cause error) error {
	metrics.TokenRejections.WithLabelValues(RejectReason(reason)).Inc()
	return fmt.Errorf("%w: %v", reason, cause)
}

func outerRejection(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpired
	}
	return ErrMalformed
}
