// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package policy decides which credential, if any, a proxied request carries.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	thverrors "github.com/stacklok/toolhive-bff/pkg/errors"
)

// TokenType is the credential a route requires.
type TokenType int

const (
	// TokenTypeNone attaches no credential.
	TokenTypeNone TokenType = iota
	// TokenTypeUser requires the signed-in user's access token.
	TokenTypeUser
	// TokenTypeClient requires the gateway's own client credential.
	TokenTypeClient
	// TokenTypeUserOrClient prefers the user token and falls back to the client token.
	TokenTypeUserOrClient
)

var tokenTypeNames = map[TokenType]string{
	TokenTypeNone:         "none",
	TokenTypeUser:         "user",
	TokenTypeClient:       "client",
	TokenTypeUserOrClient: "userOrClient",
}

// String returns the configuration name of the token type.
func (t TokenType) String() string {
	if name, ok := tokenTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TokenType(%d)", int(t))
}

// ParseTokenType parses a configuration value. Matching is case-insensitive
// and the empty string means none.
func ParseTokenType(s string) (TokenType, error) {
	if strings.TrimSpace(s) == "" {
		return TokenTypeNone, nil
	}
	for t, name := range tokenTypeNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return TokenTypeNone, fmt.Errorf("unknown token type %q", s)
}

// RoutePolicy is the credential policy of one proxied route. It is built
// from configuration once and never mutated.
type RoutePolicy struct {
	RequiredTokenType TokenType

	// OptionalUserToken attaches the user token when there is one. Only
	// valid with TokenTypeNone.
	OptionalUserToken bool
}

// Validate rejects inconsistent policies.
func (p RoutePolicy) Validate() error {
	if _, ok := tokenTypeNames[p.RequiredTokenType]; !ok {
		return fmt.Errorf("invalid token type %s", p.RequiredTokenType)
	}
	if p.OptionalUserToken && p.RequiredTokenType != TokenTypeNone {
		return errors.New("optionalUserToken requires token type none")
	}
	return nil
}

// CredentialKind says where a credential came from.
type CredentialKind string

const (
	// KindUser is the signed-in user's access token.
	KindUser CredentialKind = "user"
	// KindClient is the gateway's client credentials token.
	KindClient CredentialKind = "client"
)

// Token schemes for the Authorization header.
const (
	SchemeBearer = "Bearer"
	SchemeDPoP   = "DPoP"
)

// Credential is an access token to forward.
type Credential struct {
	Kind        CredentialKind
	AccessToken string

	// Scheme is SchemeBearer or SchemeDPoP.
	Scheme string
}

// IsDPoP reports whether the credential is bound to a proof-of-possession key.
func (c *Credential) IsDPoP() bool {
	return c != nil && strings.EqualFold(c.Scheme, SchemeDPoP)
}

// TokenSource looks up credentials. Both methods return (nil, nil) when no
// credential is available; an error means the lookup itself failed.
type TokenSource interface {
	UserToken(ctx context.Context) (*Credential, error)
	ClientToken(ctx context.Context) (*Credential, error)
}

// attempt is one credential lookup.
type attempt struct {
	kind  CredentialKind
	fetch func(ctx context.Context) (*Credential, error)
}

// plan is the ordered list of lookups for a policy and whether running out
// of lookups is a failure.
type plan struct {
	attempts []attempt
	required bool
}

func planFor(p RoutePolicy, src TokenSource) plan {
	user := attempt{kind: KindUser, fetch: src.UserToken}
	client := attempt{kind: KindClient, fetch: src.ClientToken}

	switch p.RequiredTokenType {
	case TokenTypeUser:
		return plan{attempts: []attempt{user}, required: true}
	case TokenTypeClient:
		return plan{attempts: []attempt{client}, required: true}
	case TokenTypeUserOrClient:
		return plan{attempts: []attempt{user, client}, required: true}
	case TokenTypeNone:
		if p.OptionalUserToken {
			return plan{attempts: []attempt{user}}
		}
		return plan{}
	default:
		return plan{required: true}
	}
}

// Resolve returns the credential to attach for the policy, or nil when the
// request goes out without one. When a required credential cannot be
// obtained it returns a credential unavailable error.
func Resolve(ctx context.Context, p RoutePolicy, src TokenSource) (*Credential, error) {
	pl := planFor(p, src)

	var errs []error
	for _, a := range pl.attempts {
		cred, err := a.fetch(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s token: %w", a.kind, err))
			continue
		}
		if cred != nil && cred.AccessToken != "" {
			out := *cred
			if out.Kind == "" {
				out.Kind = a.kind
			}
			if out.Scheme == "" {
				out.Scheme = SchemeBearer
			}
			return &out, nil
		}
	}

	if !pl.required {
		return nil, nil
	}
	return nil, thverrors.NewCredentialUnavailableError(
		fmt.Sprintf("no credential available for token type %s", p.RequiredTokenType),
		errors.Join(errs...),
	)
}
