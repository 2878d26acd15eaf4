// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package backchannel

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	thverrors "github.com/stacklok/toolhive-bff/pkg/errors"
)

type staticValidator struct {
	claims jwt.MapClaims
	err    error
}

func (s staticValidator) ValidateToken(context.Context, string) (jwt.MapClaims, error) {
	return s.claims, s.err
}

func logoutEvents() map[string]any {
	return map[string]any{LogoutEvent: map[string]any{}}
}

func TestValidator_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		claims  jwt.MapClaims
		verify  error
		want    LogoutClaims
		wantErr string
	}{
		{
			name:   "sub and sid",
			claims: jwt.MapClaims{"sub": "alice", "sid": "s1", "events": logoutEvents()},
			want:   LogoutClaims{Subject: "alice", SessionID: "s1"},
		},
		{
			name:   "events as a JSON string",
			claims: jwt.MapClaims{"sid": "s1", "events": `{"` + LogoutEvent + `":{}}`},
			want:   LogoutClaims{SessionID: "s1"},
		},
		{
			name:    "verification failure",
			verify:  errors.New("bad signature"),
			wantErr: "verification failed",
		},
		{
			name:    "non-string subject counts as absent",
			claims:  jwt.MapClaims{"sub": 42, "events": logoutEvents()},
			wantErr: "neither sub nor sid",
		},
		{
			name:    "nonce checked before events",
			claims:  jwt.MapClaims{"sub": "alice", "nonce": "n"},
			wantErr: "nonce",
		},
		{
			name:    "null events",
			claims:  jwt.MapClaims{"sub": "alice", "events": nil},
			wantErr: "no events claim",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := NewValidator(staticValidator{claims: tt.claims, err: tt.verify})

			got, err := v.Validate(context.Background(), "raw")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, thverrors.IsTokenValidation(err))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidator_EmptyToken(t *testing.T) {
	t.Parallel()

	_, err := NewValidator(staticValidator{}).Validate(context.Background(), "")
	assert.True(t, thverrors.IsTokenValidation(err))
}
