// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-bff/pkg/auth"
	"github.com/stacklok/toolhive-bff/pkg/auth/authtest"
)

const testClientID = "bff-client"

func newValidator(t *testing.T, iss *authtest.Issuer) *auth.TokenValidator {
	t.Helper()
	v, err := auth.NewTokenValidator(context.Background(), auth.TokenValidatorConfig{
		Issuer:            iss.URL(),
		Audience:          testClientID,
		JWKSURL:           iss.JWKSURL(),
		AllowPrivateIP:    true,
		InsecureAllowHTTP: true,
	})
	require.NoError(t, err)
	return v
}

func TestTokenValidator_ValidateToken(t *testing.T) {
	t.Parallel()

	iss := authtest.NewIssuer(t)
	validator := newValidator(t, iss)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	now := time.Now()
	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss": iss.URL(),
			"aud": testClientID,
			"sub": "alice",
			"iat": now.Unix(),
			"exp": now.Add(time.Hour).Unix(),
		}
	}
	with := func(mutate func(jwt.MapClaims)) jwt.MapClaims {
		c := base()
		mutate(c)
		return c
	}

	tests := []struct {
		name    string
		token   func() string
		wantErr error
		anyErr  bool
	}{
		{
			name:  "valid token",
			token: func() string { return iss.Sign(t, base()) },
		},
		{
			name:  "audience array containing client",
			token: func() string { return iss.Sign(t, with(func(c jwt.MapClaims) { c["aud"] = []string{"api", testClientID} })) },
		},
		{
			name:    "wrong issuer",
			token:   func() string { return iss.Sign(t, with(func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" })) },
			wantErr: auth.ErrInvalidIssuer,
		},
		{
			name:    "wrong audience",
			token:   func() string { return iss.Sign(t, with(func(c jwt.MapClaims) { c["aud"] = "someone-else" })) },
			wantErr: auth.ErrInvalidAudience,
		},
		{
			name:   "expired",
			token:  func() string { return iss.Sign(t, with(func(c jwt.MapClaims) { c["exp"] = now.Add(-time.Hour).Unix() })) },
			anyErr: true,
		},
		{
			name:   "missing exp",
			token:  func() string { return iss.Sign(t, with(func(c jwt.MapClaims) { delete(c, "exp") })) },
			anyErr: true,
		},
		{
			name:   "signed by unknown key",
			token:  func() string { return authtest.SignWith(t, otherKey, authtest.KeyID, base()) },
			anyErr: true,
		},
		{
			name:    "unknown kid",
			token:   func() string { return authtest.SignWith(t, otherKey, "nope", base()) },
			wantErr: auth.ErrUnknownKeyID,
		},
		{
			name: "unsigned token",
			token: func() string {
				s, err := jwt.NewWithClaims(jwt.SigningMethodNone, base()).SignedString(jwt.UnsafeAllowNoneSignatureType)
				require.NoError(t, err)
				return s
			},
			anyErr: true,
		},
		{
			name:    "empty",
			token:   func() string { return "" },
			wantErr: auth.ErrNoToken,
		},
		{
			name:   "garbage",
			token:  func() string { return "not.a.jwt" },
			anyErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			claims, err := validator.ValidateToken(context.Background(), tt.token())
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.anyErr:
				assert.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, "alice", claims["sub"])
			}
		})
	}
}

func TestTokenValidator_PicksUpRotatedKey(t *testing.T) {
	t.Parallel()

	iss := authtest.NewIssuer(t)
	validator := newValidator(t, iss)
	ctx := context.Background()

	claims := jwt.MapClaims{
		"iss": iss.URL(),
		"aud": testClientID,
		"sub": "alice",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}

	// Prime the cache with the original key.
	_, err := validator.ValidateToken(ctx, iss.Sign(t, claims))
	require.NoError(t, err)

	rotated := iss.RotateKey(t, "rotated-key")
	_, err = validator.ValidateToken(ctx, authtest.SignWith(t, rotated, "rotated-key", claims))
	assert.NoError(t, err)
}

func TestNewTokenValidator_RequiresJWKSURL(t *testing.T) {
	t.Parallel()

	_, err := auth.NewTokenValidator(context.Background(), auth.TokenValidatorConfig{Issuer: "https://idp"})
	assert.ErrorIs(t, err, auth.ErrMissingJWKSURL)
}
