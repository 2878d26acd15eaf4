// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"golang.org/x/oauth2"

	"github.com/stacklok/toolhive-bff/pkg/ticket"
)

// SaveToTicket copies an OAuth token into the ticket properties. A token
// response without a refresh token keeps the existing one.
func SaveToTicket(t *ticket.Ticket, tok *oauth2.Token) {
	t.Set(ticket.PropAccessToken, tok.AccessToken)
	t.Set(ticket.PropAccessTokenType, tok.Type())
	if tok.RefreshToken != "" {
		t.Set(ticket.PropRefreshToken, tok.RefreshToken)
	}
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		t.Set(ticket.PropIDToken, idToken)
	}
	if tok.Expiry.IsZero() {
		t.SetAccessTokenExpiresAt(nil)
		return
	}
	exp := tok.Expiry.UTC()
	t.SetAccessTokenExpiresAt(&exp)
}

// LoadFromTicket reads the OAuth token held in the ticket, or nil when it
// holds none.
func LoadFromTicket(t *ticket.Ticket) *oauth2.Token {
	if t == nil {
		return nil
	}
	tok := &oauth2.Token{
		AccessToken:  t.Get(ticket.PropAccessToken),
		TokenType:    t.Get(ticket.PropAccessTokenType),
		RefreshToken: t.Get(ticket.PropRefreshToken),
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil
	}
	if exp := t.AccessTokenExpiresAt(); exp != nil {
		tok.Expiry = *exp
	}
	return tok
}
