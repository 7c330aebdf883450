// Marginalia - Collaborative Document Annotation Platform
// Copyright 2026 Marginalia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marginalia-app/marginalia

package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// maxRequestBody caps JSON request bodies at 1 MB.
const maxRequestBody = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeJSON decodes and validates a request body into dst. The returned
// error message is safe to surface to clients.
func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("field %q failed validation rule %q", f.Field(), f.Tag())
		}
		return err
	}
	return nil
}

// LoginRequest authenticates a password subject.
type LoginRequest struct {
	Username string `json:"username" validate:"required,min=1,max=128"`
	Password string `json:"password" validate:"required,min=1,max=1024"`
}

// RegisterRequest creates a password subject.
type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=128"`
	Password string `json:"password" validate:"required,min=8,max=1024"`
}

// GuestRequest creates a guest subject identified by display name only.
type GuestRequest struct {
	Username string `json:"username" validate:"required,min=1,max=128"`
}

// ResetRequest starts a password reset.
type ResetRequest struct {
	Username string `json:"username" validate:"required,min=1,max=128"`
}

// ResetConfirmRequest completes a password reset.
type ResetConfirmRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=1024"`
}

// PublishEventRequest is the REST write path for content events. The payload
// is forwarded verbatim; only the envelope fields are validated here.
type PublishEventRequest struct {
	Type         string          `json:"type" validate:"required,oneof=create update delete"`
	Resource     string          `json:"resource" validate:"required,oneof=comment annotation reaction"`
	Payload      json.RawMessage `json:"payload" validate:"required"`
	ConnectionID string          `json:"connection_id,omitempty" validate:"omitempty,max=256"`
}

// ViewModeRequest toggles a document's view mode.
type ViewModeRequest struct {
	ViewMode string `json:"view_mode" validate:"required,oneof=restricted public"`
}
