// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package backchannel implements OpenID Connect Back-Channel Logout: it
// validates logout tokens posted by the identity provider and revokes the
// sessions they name.
package backchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"

	thverrors "github.com/stacklok/toolhive-bff/pkg/errors"
)

// LogoutEvent is the event type a logout token must carry.
const LogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// TokenValidator verifies a JWT's signature, issuer, audience and lifetime.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (jwt.MapClaims, error)
}

// LogoutClaims identifies the sessions a valid logout token ends. At least
// one field is non-empty.
type LogoutClaims struct {
	Subject   string
	SessionID string
}

// claimsStep checks one property of already-verified claims.
type claimsStep func(claims jwt.MapClaims) error

// Validator validates logout tokens. The checks run in a fixed order and
// the first failure wins.
type Validator struct {
	tokens TokenValidator
	steps  []claimsStep
}

// NewValidator creates a logout token validator.
func NewValidator(tokens TokenValidator) *Validator {
	return &Validator{
		tokens: tokens,
		steps: []claimsStep{
			requireSubjectOrSession,
			rejectNonce,
			requireLogoutEvent,
		},
	}
}

// Validate returns the logout claims of a valid token. Every failure is a
// token validation error.
func (v *Validator) Validate(ctx context.Context, rawToken string) (LogoutClaims, error) {
	if rawToken == "" {
		return LogoutClaims{}, invalid("logout token is empty", nil)
	}

	claims, err := v.tokens.ValidateToken(ctx, rawToken)
	if err != nil {
		return LogoutClaims{}, invalid("logout token verification failed", err)
	}

	for _, step := range v.steps {
		if err := step(claims); err != nil {
			return LogoutClaims{}, err
		}
	}

	return LogoutClaims{
		Subject:   stringClaim(claims, "sub"),
		SessionID: stringClaim(claims, "sid"),
	}, nil
}

func requireSubjectOrSession(claims jwt.MapClaims) error {
	if stringClaim(claims, "sub") == "" && stringClaim(claims, "sid") == "" {
		return invalid("logout token has neither sub nor sid", nil)
	}
	return nil
}

// rejectNonce refuses ID tokens replayed as logout tokens.
func rejectNonce(claims jwt.MapClaims) error {
	if _, ok := claims["nonce"]; ok {
		return invalid("logout token must not contain a nonce", nil)
	}
	return nil
}

func requireLogoutEvent(claims jwt.MapClaims) error {
	raw, ok := claims["events"]
	if !ok || raw == nil {
		return invalid("logout token has no events claim", nil)
	}

	var doc string
	switch v := raw.(type) {
	case string:
		doc = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return invalid("events claim is not JSON", err)
		}
		doc = string(b)
	}

	if !gjson.Valid(doc) {
		return invalid("events claim is not JSON", nil)
	}
	events := gjson.Parse(doc)
	if !events.IsObject() {
		return invalid("events claim is not a JSON object", nil)
	}
	if _, ok := events.Map()[LogoutEvent]; !ok {
		return invalid("events claim does not contain the back-channel logout event", nil)
	}
	return nil
}

// stringClaim returns a string claim, treating non-strings and blank
// strings as absent.
func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return s
}

func invalid(reason string, cause error) error {
	return thverrors.NewTokenValidationError(fmt.Sprintf("invalid logout token: %s", reason), cause)
}
