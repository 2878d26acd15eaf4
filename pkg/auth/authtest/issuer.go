// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authtest provides an in-process identity provider for tests: it
// serves discovery, JWKS, token and revocation endpoints and signs tokens.
package authtest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// KeyID is the kid of the issuer's signing key.
const KeyID = "test-key-1"

// Issuer is a fake OpenID provider.
type Issuer struct {
	Server *httptest.Server
	Key    *rsa.PrivateKey

	mu               sync.Mutex
	keySet           jwk.Set
	revoked          []RevokedToken
	revocationStatus int
	tokenHandler     http.HandlerFunc
}

// RevokedToken is a token received by the revocation endpoint.
type RevokedToken struct {
	Token     string
	TokenHint string
	ClientID  string
}

// NewIssuer starts an issuer that is shut down when the test ends.
func NewIssuer(t *testing.T) *Issuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	iss := &Issuer{Key: key, revocationStatus: http.StatusOK}
	iss.keySet = mustKeySet(t, key, KeyID)

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", iss.serveDiscovery)
	mux.HandleFunc("/jwks", iss.serveJWKS)
	mux.HandleFunc("/token", iss.serveToken)
	mux.HandleFunc("/revoke", iss.serveRevoke)
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/endsession", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	iss.Server = httptest.NewServer(mux)
	t.Cleanup(iss.Server.Close)
	return iss
}

func mustKeySet(t *testing.T, key *rsa.PrivateKey, kid string) jwk.Set {
	t.Helper()

	pub, err := jwk.Import(&key.PublicKey)
	if err != nil {
		t.Fatalf("failed to import public key: %v", err)
	}
	if err := pub.Set(jwk.KeyIDKey, kid); err != nil {
		t.Fatalf("failed to set key ID: %v", err)
	}
	if err := pub.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		t.Fatalf("failed to set algorithm: %v", err)
	}
	if err := pub.Set(jwk.KeyUsageKey, "sig"); err != nil {
		t.Fatalf("failed to set key usage: %v", err)
	}

	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatalf("failed to add key to set: %v", err)
	}
	return set
}

// URL is the issuer identifier.
func (i *Issuer) URL() string { return i.Server.URL }

// JWKSURL is the JWKS endpoint.
func (i *Issuer) JWKSURL() string { return i.Server.URL + "/jwks" }

// RotateKey replaces the signing key and publishes it under a new kid.
func (i *Issuer) RotateKey(t *testing.T, kid string) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.keySet = mustKeySet(t, key, kid)
	i.Key = key
	return key
}

// Sign signs claims with the current key under kid.
func (i *Issuer) Sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	i.mu.Lock()
	key := i.Key
	i.mu.Unlock()
	return SignWith(t, key, KeyID, claims)
}

// SignWith signs claims with an arbitrary RSA key and kid.
func SignWith(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// LogoutClaims returns valid backchannel logout token claims.
func (i *Issuer) LogoutClaims(audience, sub, sid string) jwt.MapClaims {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": i.URL(),
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"jti": "logout-" + sub + "-" + sid,
		"events": map[string]any{
			"http://schemas.openid.net/event/backchannel-logout": map[string]any{},
		},
	}
	if sub != "" {
		claims["sub"] = sub
	}
	if sid != "" {
		claims["sid"] = sid
	}
	return claims
}

// SetTokenHandler installs the handler for the token endpoint.
func (i *Issuer) SetTokenHandler(h http.HandlerFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tokenHandler = h
}

// SetRevocationStatus sets the status returned by the revocation endpoint.
func (i *Issuer) SetRevocationStatus(status int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.revocationStatus = status
}

// Revoked returns every token received by the revocation endpoint.
func (i *Issuer) Revoked() []RevokedToken {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]RevokedToken, len(i.revoked))
	copy(out, i.revoked)
	return out
}

func (i *Issuer) serveDiscovery(w http.ResponseWriter, _ *http.Request) {
	base := i.Server.URL
	writeJSON(w, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"jwks_uri":                              base + "/jwks",
		"revocation_endpoint":                   base + "/revoke",
		"end_session_endpoint":                  base + "/endsession",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
		"backchannel_logout_supported":          true,
		"backchannel_logout_session_supported":  true,
	})
}

func (i *Issuer) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	i.mu.Lock()
	set := i.keySet
	i.mu.Unlock()
	writeJSON(w, set)
}

func (i *Issuer) serveToken(w http.ResponseWriter, r *http.Request) {
	i.mu.Lock()
	h := i.tokenHandler
	i.mu.Unlock()
	if h == nil {
		http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
		return
	}
	h(w, r)
}

func (i *Issuer) serveRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	clientID, _, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostForm.Get("client_id")
	}

	i.mu.Lock()
	i.revoked = append(i.revoked, RevokedToken{
		Token:     r.PostForm.Get("token"),
		TokenHint: r.PostForm.Get("token_type_hint"),
		ClientID:  clientID,
	})
	status := i.revocationStatus
	i.mu.Unlock()

	w.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// WriteTokenResponse writes an OAuth token endpoint response.
func WriteTokenResponse(w http.ResponseWriter, fields map[string]any) {
	writeJSON(w, fields)
}
