// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/stacklok/toolhive-bff/pkg/networking"
)

// Revoker calls an OAuth 2.0 token revocation endpoint (RFC 7009).
type Revoker struct {
	endpoint     string
	clientID     string
	clientSecret string
	client       networking.HTTPClient
}

// NewRevoker creates a revoker for the given endpoint.
func NewRevoker(endpoint, clientID, clientSecret string, client networking.HTTPClient) *Revoker {
	return &Revoker{
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       client,
	}
}

// RevokeRefreshToken revokes a refresh token. Confidential clients
// authenticate with HTTP basic; public clients send client_id in the form.
func (r *Revoker) RevokeRefreshToken(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("refresh token is empty")
	}

	form := url.Values{
		"token":           {token},
		"token_type_hint": {"refresh_token"},
	}
	username := ""
	if r.clientSecret != "" {
		username = r.clientID
	} else {
		form.Set("client_id", r.clientID)
	}

	if err := networking.PostForm(ctx, r.client, r.endpoint, form, username, r.clientSecret); err != nil {
		return fmt.Errorf("refresh token revocation failed: %w", err)
	}
	return nil
}
