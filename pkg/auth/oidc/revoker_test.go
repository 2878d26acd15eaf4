// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidc_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-bff/pkg/auth/authtest"
	"github.com/stacklok/toolhive-bff/pkg/auth/oidc"
	"github.com/stacklok/toolhive-bff/pkg/networking"
)

func TestRevoker_RevokeRefreshToken(t *testing.T) {
	t.Parallel()

	t.Run("confidential client uses basic auth", func(t *testing.T) {
		t.Parallel()
		iss := authtest.NewIssuer(t)
		r := oidc.NewRevoker(iss.URL()+"/revoke", "bff-client", "s3cret", iss.Server.Client())

		require.NoError(t, r.RevokeRefreshToken(context.Background(), "rt-1"))

		revoked := iss.Revoked()
		require.Len(t, revoked, 1)
		assert.Equal(t, "rt-1", revoked[0].Token)
		assert.Equal(t, "refresh_token", revoked[0].TokenHint)
		assert.Equal(t, "bff-client", revoked[0].ClientID)
	})

	t.Run("public client sends client_id in the form", func(t *testing.T) {
		t.Parallel()
		iss := authtest.NewIssuer(t)
		r := oidc.NewRevoker(iss.URL()+"/revoke", "spa-client", "", iss.Server.Client())

		require.NoError(t, r.RevokeRefreshToken(context.Background(), "rt-2"))

		revoked := iss.Revoked()
		require.Len(t, revoked, 1)
		assert.Equal(t, "spa-client", revoked[0].ClientID)
	})

	t.Run("error status is reported", func(t *testing.T) {
		t.Parallel()
		iss := authtest.NewIssuer(t)
		iss.SetRevocationStatus(http.StatusServiceUnavailable)
		r := oidc.NewRevoker(iss.URL()+"/revoke", "bff-client", "s3cret", iss.Server.Client())

		err := r.RevokeRefreshToken(context.Background(), "rt-1")
		require.Error(t, err)
		assert.True(t, networking.IsHTTPError(err, http.StatusServiceUnavailable))
	})

	t.Run("empty token rejected without a call", func(t *testing.T) {
		t.Parallel()
		iss := authtest.NewIssuer(t)
		r := oidc.NewRevoker(iss.URL()+"/revoke", "bff-client", "", iss.Server.Client())

		assert.Error(t, r.RevokeRefreshToken(context.Background(), ""))
		assert.Empty(t, iss.Revoked())
	})
}
