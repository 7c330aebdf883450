// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/marginalia-app/marginalia/internal/models"
	"github.com/marginalia-app/marginalia/internal/token"
)

// Cookie names for browser sessions. Tokens also work via the Authorization
// header for non-browser clients.
const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
)

type subjectContextKey struct{}

// SubjectFromContext returns the authenticated subject, or nil.
func SubjectFromContext(ctx context.Context) *models.Subject {
	s, _ := ctx.Value(subjectContextKey{}).(*models.Subject)
	return s
}

// contextWithSubject attaches the authenticated subject to the context.
func contextWithSubject(ctx context.Context, s *models.Subject) context.Context {
	return context.WithValue(ctx, subjectContextKey{}, s)
}

// bearerOrCookie extracts the access token from the Authorization header,
// falling back to the session cookie.
func bearerOrCookie(r *http.Request, cookieName string) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return tok
		}
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return c.Value
	}
	return ""
}

// Authenticate verifies the access token on every request and loads the
// subject fresh from the store, so rotation and permission changes apply to
// the next request, not the next login.
func (router *Router) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerOrCookie(r, AccessTokenCookie)
		if raw == "" {
			NewResponseWriter(w, r).Unauthorized("authentication required")
			return
		}

		subject, tokenType, err := router.authority.Verify(r.Context(), raw)
		if err != nil {
			NewResponseWriter(w, r).Unauthorized(authFailureMessage(err))
			return
		}
		if tokenType != token.TypeAccess {
			NewResponseWriter(w, r).Unauthorized("access token required")
			return
		}

		next.ServeHTTP(w, r.WithContext(contextWithSubject(r.Context(), subject)))
	})
}

// AuthenticateOrAnonymous verifies the access token like Authenticate, but a
// missing or failed token substitutes the anonymous identity instead of
// rejecting. The gateway's base-access check then decides whether the
// resource admits guests, so documents shared by public link work without an
// account while everything else still requires one.
func (router *Router) AuthenticateOrAnonymous(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := models.AnonymousSubject()
		if raw := bearerOrCookie(r, AccessTokenCookie); raw != "" {
			if verified, tokenType, err := router.authority.Verify(r.Context(), raw); err == nil && tokenType == token.TypeAccess {
				subject = verified
			}
		}
		next.ServeHTTP(w, r.WithContext(contextWithSubject(r.Context(), subject)))
	})
}

// authFailureMessage maps verification errors to client-safe messages. The
// distinction matters to clients: expired means refresh, revoked means
// re-login.
func authFailureMessage(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return "token expired"
	case errors.Is(err, token.ErrRevoked):
		return "token revoked"
	default:
		return "invalid token"
	}
}

// setAuthCookies writes the access and refresh token cookies.
func (router *Router) setAuthCookies(w http.ResponseWriter, access, refresh string, refreshTTL time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    access,
		Path:     "/",
		MaxAge:   int(router.authority.AccessTTL() / time.Second),
		HttpOnly: true,
		Secure:   router.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshTokenCookie,
		Value:    refresh,
		Path:     "/api/v1/auth",
		MaxAge:   int(refreshTTL / time.Second),
		HttpOnly: true,
		Secure:   router.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// clearAuthCookies expires both auth cookies.
func (router *Router) clearAuthCookies(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   router.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshTokenCookie,
		Value:    "",
		Path:     "/api/v1/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   router.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}
