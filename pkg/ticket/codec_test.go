// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ticket

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

func sampleTicket() *Ticket {
	t := New("oidc", []Claim{
		{Type: "sub", Value: "alice", ValueType: DefaultValueType},
		{Type: "sid", Value: "s1", ValueType: DefaultValueType},
		{Type: "role", Value: "admin", ValueType: DefaultValueType},
		{Type: "role", Value: "auditor", ValueType: DefaultValueType},
		{Type: "email_verified", Value: "true", ValueType: "http://www.w3.org/2001/XMLSchema#boolean"},
	})
	t.Set(PropRefreshToken, "rt-1")
	t.Set("custom", "value")
	return t
}

func TestCodec_RoundTrip(t *testing.T) {
	t.Parallel()

	protector, err := NewJWEProtector(testKey(7), "ticket")
	require.NoError(t, err)

	tests := []struct {
		name  string
		codec *Codec
	}{
		{"plain", NewCodec(nil)},
		{"protected", NewCodec(protector)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			in := sampleTicket()
			payload, err := tt.codec.Encode(in)
			require.NoError(t, err)

			out := tt.codec.Decode(payload)
			require.NotNil(t, out)
			assert.Equal(t, in.Scheme, out.Scheme)
			assert.Equal(t, in.Principal.Claims, out.Principal.Claims)
			assert.Equal(t, in.Properties, out.Properties)
			assert.Equal(t, []string{"admin", "auditor"}, out.Principal.FindAll("role"))
		})
	}
}

func TestCodec_OmitsDefaultValueType(t *testing.T) {
	t.Parallel()

	payload, err := NewCodec(nil).Encode(sampleTicket())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))
	claims := raw["c"].([]any)
	first := claims[0].(map[string]any)
	_, hasValueType := first["valueType"]
	assert.False(t, hasValueType)
	last := claims[len(claims)-1].(map[string]any)
	assert.Equal(t, "http://www.w3.org/2001/XMLSchema#boolean", last["valueType"])
}

func TestCodec_RoundTripUntypedClaims(t *testing.T) {
	t.Parallel()

	in := New("oidc", []Claim{{Type: "sub", Value: "alice"}, {Type: "name", Value: "Alice"}})
	assert.Equal(t, DefaultValueType, in.Principal.Claims[0].ValueType)

	codec := NewCodec(nil)
	payload, err := codec.Encode(in)
	require.NoError(t, err)
	assert.Equal(t, in, codec.Decode(payload))
}

func TestCodec_NoClaimsNoProperties(t *testing.T) {
	t.Parallel()

	c := NewCodec(nil)
	payload, err := c.Encode(&Ticket{Scheme: "cookie"})
	require.NoError(t, err)

	out := c.Decode(payload)
	require.NotNil(t, out)
	assert.Empty(t, out.Principal.Claims)
	assert.NotNil(t, out.Properties)
}

func TestCodec_DecodeFailuresReturnNil(t *testing.T) {
	t.Parallel()

	protector, err := NewJWEProtector(testKey(1), "ticket")
	require.NoError(t, err)
	otherKey, err := NewJWEProtector(testKey(2), "ticket")
	require.NoError(t, err)
	otherPurpose, err := NewJWEProtector(testKey(1), "state")
	require.NoError(t, err)

	protected, err := NewCodec(protector).Encode(sampleTicket())
	require.NoError(t, err)

	tests := []struct {
		name    string
		codec   *Codec
		payload string
	}{
		{"empty", NewCodec(nil), ""},
		{"not json", NewCodec(nil), "{nope"},
		{"wrong version", NewCodec(nil), `{"v":99,"s":"x","c":[]}`},
		{"plain payload for protected codec", NewCodec(protector), `{"v":1,"s":"x","c":[]}`},
		{"wrong key", NewCodec(otherKey), protected},
		{"wrong purpose", NewCodec(otherPurpose), protected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Nil(t, tt.codec.Decode(tt.payload))
		})
	}
}

func TestCodec_EncodeNil(t *testing.T) {
	t.Parallel()
	_, err := NewCodec(nil).Encode(nil)
	assert.Error(t, err)
}

func TestNewJWEProtector_KeySize(t *testing.T) {
	t.Parallel()
	_, err := NewJWEProtector([]byte("short"), "ticket")
	assert.ErrorContains(t, err, "must be 32 bytes")
}
