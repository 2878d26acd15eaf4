// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package dpop builds DPoP proof tokens (RFC 9449) for sender-constrained
// access tokens.
package dpop

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

const (
	// HeaderName is the request header carrying the proof.
	HeaderName = "DPoP"

	// NonceHeader is the response header carrying a server-provided nonce.
	NonceHeader = "DPoP-Nonce"

	tokenType = "dpop+jwt"
)

// Claims is the payload of a proof token.
type Claims struct {
	ID              string `json:"jti"`
	Method          string `json:"htm"`
	URL             string `json:"htu"`
	IssuedAt        int64  `json:"iat"`
	AccessTokenHash string `json:"ath,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
}

// Prover signs proofs with one private key.
type Prover struct {
	signer     jose.Signer
	publicKey  jose.JSONWebKey
	thumbprint string

	now   func() time.Time
	newID func() string
}

// NewProver creates a prover for an ECDSA P-256 or RSA private key.
func NewProver(key crypto.Signer) (*Prover, error) {
	var alg jose.SignatureAlgorithm
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, errors.New("only P-256 EC keys are supported")
		}
		alg = jose.ES256
	case *rsa.PrivateKey:
		alg = jose.RS256
	default:
		return nil, fmt.Errorf("unsupported DPoP key type %T", key)
	}

	opts := (&jose.SignerOptions{EmbedJWK: true}).WithType(tokenType)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create DPoP signer: %w", err)
	}

	pub := jose.JSONWebKey{Key: key.Public(), Algorithm: string(alg), Use: "sig"}
	tp, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to compute key thumbprint: %w", err)
	}

	return &Prover{
		signer:     signer,
		publicKey:  pub,
		thumbprint: base64.RawURLEncoding.EncodeToString(tp),
		now:        time.Now,
		newID:      uuid.NewString,
	}, nil
}

// GenerateProver creates a prover with a fresh P-256 key.
func GenerateProver() (*Prover, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate DPoP key: %w", err)
	}
	return NewProver(key)
}

// LoadProver reads a PEM encoded private key (SEC 1 or PKCS #8).
func LoadProver(path string) (*Prover, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read DPoP key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("DPoP key file contains no PEM block")
	}

	var key any
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse DPoP key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported DPoP key type %T", key)
	}
	return NewProver(signer)
}

// Thumbprint is the base64url JWK SHA-256 thumbprint of the public key
// (the "jkt" value).
func (p *Prover) Thumbprint() string { return p.thumbprint }

// PublicKey returns the public JWK embedded in every proof.
func (p *Prover) PublicKey() jose.JSONWebKey { return p.publicKey }

// Proof returns a proof for a request. accessToken is empty for token
// endpoint requests.
func (p *Prover) Proof(method, target, accessToken string) (string, error) {
	return p.ProofWithNonce(method, target, accessToken, "")
}

// ProofWithNonce is Proof with a server-provided nonce.
func (p *Prover) ProofWithNonce(method, target, accessToken, nonce string) (string, error) {
	htu, err := normalizeURL(target)
	if err != nil {
		return "", err
	}

	claims := Claims{
		ID:       p.newID(),
		Method:   method,
		URL:      htu,
		IssuedAt: p.now().Unix(),
		Nonce:    nonce,
	}
	if accessToken != "" {
		claims.AccessTokenHash = AccessTokenHash(accessToken)
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to encode DPoP claims: %w", err)
	}
	jws, err := p.signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign DPoP proof: %w", err)
	}
	return jws.CompactSerialize()
}

// AccessTokenHash is the "ath" value for an access token.
func AccessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// normalizeURL drops the query and fragment, which are not part of htu.
func normalizeURL(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid DPoP target URL: %w", err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("DPoP target URL must be absolute: %s", target)
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}
