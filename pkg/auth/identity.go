// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stacklok/toolhive-bff/pkg/ticket"
)

type identityKey struct{}

// WithIdentity returns a context carrying the signed-in identity. A nil
// identity leaves ctx unchanged so the request stays anonymous.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the signed-in identity, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	return identity, ok && identity != nil
}

// Identity is the signed-in user of a browser session.
type Identity struct {
	// Subject is the unique identifier for the principal (from 'sub' claim).
	// This is always required per OIDC Core 1.0 spec § 5.1.
	Subject string

	// SessionID is the identity provider's session id ('sid'), if any.
	SessionID string

	// Name is the human-readable name (from 'name' claim).
	Name string

	// SessionKey is the server-side session record key.
	// This is redacted in String() and MarshalJSON().
	SessionKey string

	// Ticket holds the full principal and its properties, including tokens.
	// It is never serialized.
	Ticket *ticket.Ticket
}

// IdentityFromTicket builds an Identity for a stored ticket.
func IdentityFromTicket(sessionKey string, t *ticket.Ticket) (*Identity, error) {
	if t == nil {
		return nil, errors.New("ticket is nil")
	}
	sub := t.SubjectID()
	if sub == "" {
		return nil, errors.New("missing or invalid 'sub' claim (required by OIDC Core 1.0 § 5.1)")
	}
	return &Identity{
		Subject:    sub,
		SessionID:  t.SessionID(),
		Name:       t.Principal.FindFirst(ticket.ClaimName),
		SessionKey: sessionKey,
		Ticket:     t,
	}, nil
}

// String returns a string representation of the Identity with sensitive fields redacted.
// This prevents accidental session key leakage when the Identity is logged or printed.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Identity{Subject:%q, SessionID:%q}", i.Subject, i.SessionID)
}

// MarshalJSON implements json.Marshaler to redact sensitive fields during JSON serialization.
func (i *Identity) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}

	type SafeIdentity struct {
		Subject    string `json:"subject"`
		SessionID  string `json:"sessionId,omitempty"`
		Name       string `json:"name,omitempty"`
		SessionKey string `json:"sessionKey"`
	}

	key := i.SessionKey
	if key != "" {
		key = "REDACTED"
	}

	return json.Marshal(&SafeIdentity{
		Subject:    i.Subject,
		SessionID:  i.SessionID,
		Name:       i.Name,
		SessionKey: key,
	})
}
