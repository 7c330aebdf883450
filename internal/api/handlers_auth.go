// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/marginalia-app/marginalia/internal/logging"
	"github.com/marginalia-app/marginalia/internal/models"
	"github.com/marginalia-app/marginalia/internal/token"
)

// SubjectInfo is the client-visible view of a subject.
type SubjectInfo struct {
	ID          string              `json:"id"`
	Username    string              `json:"username"`
	Guest       bool                `json:"guest"`
	Permissions []models.Permission `json:"permissions"`
}

func subjectInfo(s *models.Subject) SubjectInfo {
	perms := make([]models.Permission, 0, len(s.Permissions))
	for p := range s.Permissions {
		perms = append(perms, p)
	}
	return SubjectInfo{
		ID:          s.ID,
		Username:    s.Username,
		Guest:       s.Guest,
		Permissions: perms,
	}
}

// TokenPairResponse carries issued tokens for non-browser clients; browser
// clients rely on the cookies set alongside.
type TokenPairResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	Subject      SubjectInfo `json:"subject"`
}

// issuePair issues both tokens and sets the session cookies.
func (router *Router) issuePair(w http.ResponseWriter, r *http.Request, subject *models.Subject) (*TokenPairResponse, bool) {
	rw := NewResponseWriter(w, r)

	access, err := router.authority.IssueAccess(subject)
	if err != nil {
		logging.Error().Err(err).Str("subject_id", subject.ID).Msg("access token issuance failed")
		rw.InternalError("token issuance failed")
		return nil, false
	}
	refresh, err := router.authority.IssueRefresh(subject)
	if err != nil {
		logging.Error().Err(err).Str("subject_id", subject.ID).Msg("refresh token issuance failed")
		rw.InternalError("token issuance failed")
		return nil, false
	}

	router.setAuthCookies(w, access, refresh, router.authority.RefreshTTLFor(subject))
	return &TokenPairResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		Subject:      subjectInfo(subject),
	}, true
}

// Login handles POST /api/v1/auth/login.
func (router *Router) Login(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}

	subject, err := router.store.GetByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, token.ErrSubjectNotFound) {
			// Same response as a wrong password so usernames cannot be probed.
			rw.Unauthorized("invalid credentials")
			return
		}
		logging.Error().Err(err).Msg("subject lookup failed during login")
		rw.InternalError("login failed")
		return
	}
	if subject.Guest || len(subject.PasswordHash) == 0 {
		rw.Unauthorized("invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword(subject.PasswordHash, []byte(req.Password)); err != nil {
		rw.Unauthorized("invalid credentials")
		return
	}

	pair, ok := router.issuePair(w, r, subject)
	if !ok {
		return
	}
	logging.Info().Str("subject_id", subject.ID).Msg("login succeeded")
	rw.Success(pair)
}

// Register handles POST /api/v1/auth/register.
func (router *Router) Register(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		logging.Error().Err(err).Msg("password hashing failed")
		rw.InternalError("registration failed")
		return
	}
	secret, err := token.NewSubjectSecret()
	if err != nil {
		logging.Error().Err(err).Msg("secret generation failed")
		rw.InternalError("registration failed")
		return
	}

	subject := &models.Subject{
		ID:           uuid.NewString(),
		Username:     req.Username,
		PasswordHash: hash,
		TokenSecret:  secret,
		Permissions:  models.NewPermissionSet(),
	}
	if err := router.store.Put(r.Context(), subject); err != nil {
		if errors.Is(err, token.ErrSubjectExists) {
			rw.Conflict("username already taken")
			return
		}
		logging.Error().Err(err).Msg("subject creation failed")
		rw.InternalError("registration failed")
		return
	}

	pair, ok := router.issuePair(w, r, subject)
	if !ok {
		return
	}
	logging.Info().Str("subject_id", subject.ID).Msg("subject registered")
	rw.Created(pair)
}

// Guest handles POST /api/v1/auth/guest: a passwordless subject with a
// long-lived refresh token, for link-shared documents that admit guests.
func (router *Router) Guest(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req GuestRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}

	secret, err := token.NewSubjectSecret()
	if err != nil {
		logging.Error().Err(err).Msg("secret generation failed")
		rw.InternalError("guest creation failed")
		return
	}

	id := uuid.NewString()
	subject := &models.Subject{
		ID: id,
		// Guest usernames are namespaced by ID to avoid collisions with
		// registered accounts.
		Username:    req.Username + "#" + id[:8],
		Guest:       true,
		TokenSecret: secret,
		Permissions: models.NewPermissionSet(),
	}
	if err := router.store.Put(r.Context(), subject); err != nil {
		logging.Error().Err(err).Msg("guest subject creation failed")
		rw.InternalError("guest creation failed")
		return
	}

	pair, ok := router.issuePair(w, r, subject)
	if !ok {
		return
	}
	rw.Created(pair)
}

// Refresh handles POST /api/v1/auth/refresh.
func (router *Router) Refresh(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	raw := bearerOrCookie(r, RefreshTokenCookie)
	if raw == "" {
		rw.Unauthorized("refresh token required")
		return
	}

	subject, tokenType, err := router.authority.Verify(r.Context(), raw)
	if err != nil {
		rw.Unauthorized(authFailureMessage(err))
		return
	}
	if tokenType != token.TypeRefresh {
		rw.Unauthorized("refresh token required")
		return
	}

	pair, ok := router.issuePair(w, r, subject)
	if !ok {
		return
	}
	rw.Success(pair)
}

// Logout handles POST /api/v1/auth/logout: clears this session's cookies.
// Tokens held elsewhere keep working; use logout-all to revoke them.
func (router *Router) Logout(w http.ResponseWriter, r *http.Request) {
	router.clearAuthCookies(w)
	NewResponseWriter(w, r).NoContent()
}

// LogoutAll handles POST /api/v1/auth/logout-all: rotates the subject's
// secret, invalidating every outstanding token on its next use.
func (router *Router) LogoutAll(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	subject := SubjectFromContext(r.Context())
	if subject == nil {
		rw.Unauthorized("authentication required")
		return
	}

	if err := router.authority.RotateSecret(r.Context(), subject.ID); err != nil {
		logging.Error().Err(err).Str("subject_id", subject.ID).Msg("secret rotation failed")
		rw.InternalError("logout failed")
		return
	}

	router.clearAuthCookies(w)
	logging.Info().Str("subject_id", subject.ID).Msg("logged out everywhere")
	rw.NoContent()
}

// ResetRequestHandler handles POST /api/v1/auth/password-reset/request.
// The response never reveals whether the username exists. Token delivery is
// the platform's mail pipeline; the standalone gateway logs it.
func (router *Router) ResetRequestHandler(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req ResetRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}

	subject, err := router.store.GetByUsername(r.Context(), req.Username)
	if err == nil && !subject.Guest && len(subject.PasswordHash) > 0 {
		resetToken, issueErr := router.authority.IssueResetToken(subject)
		if issueErr != nil {
			logging.Error().Err(issueErr).Str("subject_id", subject.ID).Msg("reset token issuance failed")
		} else {
			logging.Info().
				Str("subject_id", subject.ID).
				Str("reset_token", resetToken).
				Msg("password reset token issued")
		}
	}

	rw.writeJSON(http.StatusAccepted, APIResponse{Success: true, Meta: rw.meta()})
}

// ResetConfirmHandler handles POST /api/v1/auth/password-reset/confirm.
// Setting the new password also rotates the secret, so the reset logs the
// subject out everywhere.
func (router *Router) ResetConfirmHandler(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req ResetConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}

	subject, err := router.authority.VerifyResetToken(r.Context(), req.Token)
	if err != nil {
		rw.Unauthorized(authFailureMessage(err))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		logging.Error().Err(err).Msg("password hashing failed")
		rw.InternalError("password reset failed")
		return
	}
	subject.PasswordHash = hash
	if err := router.store.Update(r.Context(), subject); err != nil {
		logging.Error().Err(err).Str("subject_id", subject.ID).Msg("password update failed")
		rw.InternalError("password reset failed")
		return
	}
	if err := router.authority.RotateSecret(r.Context(), subject.ID); err != nil {
		logging.Error().Err(err).Str("subject_id", subject.ID).Msg("post-reset rotation failed")
		rw.InternalError("password reset failed")
		return
	}

	logging.Info().Str("subject_id", subject.ID).Msg("password reset completed")
	rw.NoContent()
}
