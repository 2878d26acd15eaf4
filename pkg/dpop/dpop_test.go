// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package dpop

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseProof(t *testing.T, proof string) (Claims, *jose.Signature) {
	t.Helper()
	jws, err := jose.ParseSigned(proof, []jose.SignatureAlgorithm{jose.ES256, jose.RS256})
	require.NoError(t, err)
	require.Len(t, jws.Signatures, 1)
	sig := jws.Signatures[0]
	require.NotNil(t, sig.Protected.JSONWebKey, "proof must embed its public key")
	require.True(t, sig.Protected.JSONWebKey.IsPublic())

	payload, err := jws.Verify(sig.Protected.JSONWebKey)
	require.NoError(t, err)

	var claims Claims
	require.NoError(t, json.Unmarshal(payload, &claims))
	return claims, &sig
}

// decodeClaims reads the payload without failing the test goroutine.
func decodeClaims(t *testing.T, proof string) Claims {
	t.Helper()
	var claims Claims
	jws, err := jose.ParseSigned(proof, []jose.SignatureAlgorithm{jose.ES256})
	if !assert.NoError(t, err) {
		return claims
	}
	assert.NoError(t, json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &claims))
	return claims
}

func TestProver_Proof(t *testing.T) {
	t.Parallel()

	p, err := GenerateProver()
	require.NoError(t, err)
	p.now = func() time.Time { return time.Unix(1750000000, 0) }
	p.newID = func() string { return "jti-1" }

	proof, err := p.Proof(http.MethodPost, "https://api.example.com/orders?id=1#frag", "access-token")
	require.NoError(t, err)

	claims, sig := parseProof(t, proof)
	assert.Equal(t, "dpop+jwt", sig.Protected.ExtraHeaders[jose.HeaderType])
	assert.Equal(t, string(jose.ES256), sig.Protected.Algorithm)
	assert.Equal(t, Claims{
		ID:              "jti-1",
		Method:          http.MethodPost,
		URL:             "https://api.example.com/orders",
		IssuedAt:        1750000000,
		AccessTokenHash: AccessTokenHash("access-token"),
	}, claims)

	tp, err := sig.Protected.JSONWebKey.Thumbprint(crypto.SHA256)
	require.NoError(t, err)
	assert.Equal(t, p.Thumbprint(), base64.RawURLEncoding.EncodeToString(tp))
}

func TestProver_UniqueIDs(t *testing.T) {
	t.Parallel()

	p, err := GenerateProver()
	require.NoError(t, err)

	a, err := p.Proof(http.MethodGet, "https://api.example.com/", "")
	require.NoError(t, err)
	b, err := p.Proof(http.MethodGet, "https://api.example.com/", "")
	require.NoError(t, err)

	ca, _ := parseProof(t, a)
	cb, _ := parseProof(t, b)
	assert.NotEqual(t, ca.ID, cb.ID)
	assert.Empty(t, ca.AccessTokenHash)
}

func TestProver_RejectsRelativeURL(t *testing.T) {
	t.Parallel()

	p, err := GenerateProver()
	require.NoError(t, err)
	_, err = p.Proof(http.MethodGet, "/relative", "")
	assert.ErrorContains(t, err, "must be absolute")
}

func TestNewProver_KeyTypes(t *testing.T) {
	t.Parallel()

	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	_, err = NewProver(p384)
	assert.Error(t, err)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p, err := NewProver(rsaKey)
	require.NoError(t, err)

	proof, err := p.Proof(http.MethodGet, "https://api.example.com/", "")
	require.NoError(t, err)
	_, sig := parseProof(t, proof)
	assert.Equal(t, string(jose.RS256), sig.Protected.Algorithm)
}

func TestLoadProver(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	sec1, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	write := func(name, blockType string, der []byte) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0o600))
		return path
	}

	for _, path := range []string{
		write("sec1.pem", "EC PRIVATE KEY", sec1),
		write("pkcs8.pem", "PRIVATE KEY", pkcs8),
	} {
		p, err := LoadProver(path)
		require.NoError(t, err, path)

		want, err := NewProver(key)
		require.NoError(t, err)
		assert.Equal(t, want.Thumbprint(), p.Thumbprint())
	}

	_, err = LoadProver(filepath.Join(dir, "missing.pem"))
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("nope"), 0o600))
	_, err = LoadProver(garbage)
	assert.ErrorContains(t, err, "no PEM block")
}

func TestTransport_RetriesWithNonce(t *testing.T) {
	t.Parallel()

	p, err := GenerateProver()
	require.NoError(t, err)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		proof := r.Header.Get(HeaderName)
		if !assert.NotEmpty(t, proof) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		claims := decodeClaims(t, proof)
		assert.Equal(t, http.MethodPost, claims.Method)

		body := make([]byte, 64)
		m, _ := r.Body.Read(body)
		assert.Equal(t, "grant_type=refresh_token", string(body[:m]))

		if n == 1 {
			assert.Empty(t, claims.Nonce)
			w.Header().Set(NonceHeader, "server-nonce")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"use_dpop_nonce"}`))
			return
		}
		assert.Equal(t, "server-nonce", claims.Nonce)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client := &http.Client{Transport: &Transport{Prover: p}}
	resp, err := client.Post(srv.URL+"/token", "application/x-www-form-urlencoded",
		strings.NewReader("grant_type=refresh_token"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}
