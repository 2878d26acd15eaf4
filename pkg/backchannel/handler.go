// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package backchannel

import (
	"context"
	"log/slog"
	"mime"
	"net/http"

	thverrors "github.com/stacklok/toolhive-bff/pkg/errors"
	"github.com/stacklok/toolhive-bff/pkg/session"
)

const (
	// FormField is the form field carrying the logout token.
	FormField = "logout_token"

	// maxBodyBytes bounds the request body.
	maxBodyBytes = 64 << 10
)

// Outcomes reported to the Recorder.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// SessionRevoker ends the sessions matching a filter.
type SessionRevoker interface {
	Revoke(ctx context.Context, filter session.Filter) error
}

// Recorder observes logout outcomes.
type Recorder interface {
	BackchannelLogout(outcome string)
}

// Handler serves the back-channel logout endpoint.
type Handler struct {
	validator *Validator
	revoker   SessionRevoker
	recorder  Recorder
	logger    *slog.Logger
}

// NewHandler creates a back-channel logout handler. recorder may be nil.
func NewHandler(validator *Validator, revoker SessionRevoker, recorder Recorder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		validator: validator,
		revoker:   revoker,
		recorder:  recorder,
		logger:    logger,
	}
}

// ServeHTTP validates the posted logout token and revokes the sessions it
// names. The response is 200 or a bare 400; a failed revocation is answered
// like a validation failure and the reason is only logged.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Pragma", "no-cache")

	rawToken, err := readLogoutToken(w, r)
	if err == nil {
		var claims LogoutClaims
		claims, err = h.validator.Validate(r.Context(), rawToken)
		if err == nil {
			h.revoke(w, r, claims)
			return
		}
	}

	h.logger.Warn("rejected back-channel logout request", "error", err)
	h.record(OutcomeRejected)
	w.WriteHeader(http.StatusBadRequest)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request, claims LogoutClaims) {
	filter := session.Filter{SubjectID: claims.Subject, SessionID: claims.SessionID}
	if err := h.revoker.Revoke(r.Context(), filter); err != nil {
		h.logger.Error("back-channel logout failed to revoke sessions",
			"subject", claims.Subject, "sid", claims.SessionID, "error", err)
		h.record(OutcomeFailed)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.logger.Info("back-channel logout processed", "subject", claims.Subject, "sid", claims.SessionID)
	h.record(OutcomeAccepted)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) record(outcome string) {
	if h.recorder != nil {
		h.recorder.BackchannelLogout(outcome)
	}
}

// readLogoutToken extracts the logout token from a form-encoded body.
func readLogoutToken(w http.ResponseWriter, r *http.Request) (string, error) {
	if r.Method != http.MethodPost {
		return "", thverrors.NewTokenValidationError("back-channel logout requires POST", nil)
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/x-www-form-urlencoded" {
		return "", thverrors.NewTokenValidationError("back-channel logout requires a form body", err)
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return "", thverrors.NewTokenValidationError("malformed form body", err)
	}
	token := r.PostForm.Get(FormField)
	if token == "" {
		return "", thverrors.NewTokenValidationError("missing "+FormField, nil)
	}
	return token, nil
}
