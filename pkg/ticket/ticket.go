// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ticket converts an authenticated principal and its properties into
// the opaque payload stored in a session record, and back.
package ticket

import (
	"maps"
	"slices"
	"time"
)

// DefaultValueType is the claim value type assumed when none is recorded.
const DefaultValueType = "http://www.w3.org/2001/XMLSchema#string"

// Well-known claim types.
const (
	ClaimSubject   = "sub"
	ClaimSessionID = "sid"
	ClaimName      = "name"
)

// Well-known property keys.
const (
	PropIssued               = ".issued"
	PropExpires              = ".expires"
	PropAccessToken          = ".token.access_token"
	PropAccessTokenType      = ".token.token_type"
	PropAccessTokenExpiresAt = ".token.expires_at"
	PropRefreshToken         = ".token.refresh_token"
	PropIDToken              = ".token.id_token"
)

// Claim is one statement about the principal. Claim types may repeat.
type Claim struct {
	Type      string
	Value     string
	ValueType string
}

// Principal is the signed-in user as a list of claims.
type Principal struct {
	Claims []Claim
}

// FindFirst returns the value of the first claim of the given type.
func (p Principal) FindFirst(claimType string) string {
	for _, c := range p.Claims {
		if c.Type == claimType {
			return c.Value
		}
	}
	return ""
}

// FindAll returns every value of the given claim type in order.
func (p Principal) FindAll(claimType string) []string {
	var values []string
	for _, c := range p.Claims {
		if c.Type == claimType {
			values = append(values, c.Value)
		}
	}
	return values
}

// Ticket is an authenticated principal plus authentication properties.
type Ticket struct {
	// Scheme names the authentication mechanism that issued the ticket.
	Scheme string

	Principal Principal

	// Properties holds arbitrary string metadata, including tokens.
	Properties map[string]string
}

// New returns a ticket with an initialised property map. Claims without a
// value type are recorded as DefaultValueType.
func New(scheme string, claims []Claim) *Ticket {
	cloned := slices.Clone(claims)
	for i := range cloned {
		if cloned[i].ValueType == "" {
			cloned[i].ValueType = DefaultValueType
		}
	}
	return &Ticket{
		Scheme:     scheme,
		Principal:  Principal{Claims: cloned},
		Properties: make(map[string]string),
	}
}

// Clone returns a deep copy of the ticket.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	return &Ticket{
		Scheme:     t.Scheme,
		Principal:  Principal{Claims: slices.Clone(t.Principal.Claims)},
		Properties: maps.Clone(t.Properties),
	}
}

// SubjectID returns the "sub" claim.
func (t *Ticket) SubjectID() string { return t.Principal.FindFirst(ClaimSubject) }

// SessionID returns the identity provider's "sid" claim.
func (t *Ticket) SessionID() string { return t.Principal.FindFirst(ClaimSessionID) }

// Get returns a property value, or "" when unset.
func (t *Ticket) Get(key string) string {
	if t.Properties == nil {
		return ""
	}
	return t.Properties[key]
}

// Set stores a property value; an empty value removes the key.
func (t *Ticket) Set(key, value string) {
	if value == "" {
		delete(t.Properties, key)
		return
	}
	if t.Properties == nil {
		t.Properties = make(map[string]string)
	}
	t.Properties[key] = value
}

func (t *Ticket) getTime(key string) *time.Time {
	v := t.Get(key)
	if v == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	parsed = parsed.UTC()
	return &parsed
}

func (t *Ticket) setTime(key string, v *time.Time) {
	if v == nil {
		t.Set(key, "")
		return
	}
	t.Set(key, v.UTC().Format(time.RFC3339))
}

// IssuedUTC returns when the ticket was issued, or nil.
func (t *Ticket) IssuedUTC() *time.Time { return t.getTime(PropIssued) }

// SetIssuedUTC records when the ticket was issued.
func (t *Ticket) SetIssuedUTC(v *time.Time) { t.setTime(PropIssued, v) }

// ExpiresUTC returns when the ticket expires, or nil.
func (t *Ticket) ExpiresUTC() *time.Time { return t.getTime(PropExpires) }

// SetExpiresUTC records when the ticket expires.
func (t *Ticket) SetExpiresUTC(v *time.Time) { t.setTime(PropExpires, v) }

// AccessTokenExpiresAt returns the stored access token expiry, or nil.
func (t *Ticket) AccessTokenExpiresAt() *time.Time { return t.getTime(PropAccessTokenExpiresAt) }

// SetAccessTokenExpiresAt records the access token expiry.
func (t *Ticket) SetAccessTokenExpiresAt(v *time.Time) { t.setTime(PropAccessTokenExpiresAt, v) }
