// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth provides authentication utilities: signed token validation
// against the identity provider's published keys, and the authenticated
// identity carried through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/toolhive-bff/pkg/networking"
)

// Common errors
var (
	ErrNoToken         = errors.New("no token provided")
	ErrInvalidToken    = errors.New("invalid token")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrMissingJWKSURL  = errors.New("missing JWKS URL")
	ErrUnknownKeyID    = errors.New("signing key not found in JWKS")
)

// DefaultLeeway is the clock skew tolerated when checking exp, nbf and iat.
const DefaultLeeway = 5 * time.Minute

// minRefreshInterval bounds how often an unknown key id may force a JWKS
// refetch.
const minRefreshInterval = 30 * time.Second

// supportedSigningMethods lists the asymmetric algorithms accepted for
// identity provider tokens.
var supportedSigningMethods = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
}

// TokenValidator validates JWTs issued by the identity provider.
type TokenValidator struct {
	issuer     string
	audience   string
	jwksURL    string
	leeway     time.Duration
	jwksClient *jwk.Cache

	// Lazy JWKS registration
	jwksRegistered      bool
	jwksRegistrationMu  sync.Mutex
	jwksRegistrationErr error

	refreshMu   sync.Mutex
	lastRefresh time.Time
}

// TokenValidatorConfig contains configuration for the token validator.
type TokenValidatorConfig struct {
	// Issuer is the expected "iss" claim.
	Issuer string

	// Audience is the expected "aud" claim; for logout tokens this is the
	// gateway's own client id.
	Audience string

	// JWKSURL is the URL to fetch the JWKS from
	JWKSURL string

	// CACertPath is the path to the CA certificate bundle for HTTPS requests
	CACertPath string

	// AllowPrivateIP allows JWKS endpoints on private IP addresses
	AllowPrivateIP bool

	// InsecureAllowHTTP permits a plain-HTTP JWKS endpoint.
	InsecureAllowHTTP bool

	// Leeway overrides DefaultLeeway.
	Leeway time.Duration

	// HTTPClient overrides the client built from the options above.
	HTTPClient *http.Client
}

// NewTokenValidator creates a new token validator.
func NewTokenValidator(ctx context.Context, config TokenValidatorConfig) (*TokenValidator, error) {
	if config.JWKSURL == "" {
		return nil, ErrMissingJWKSURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		var err error
		httpClient, err = networking.NewHttpClientBuilder().
			WithCABundle(config.CACertPath).
			WithPrivateIPs(config.AllowPrivateIP).
			WithInsecureAllowHTTP(config.InsecureAllowHTTP).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
	}

	// In jwx v3, NewCache requires an httprc.Client
	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	leeway := config.Leeway
	if leeway == 0 {
		leeway = DefaultLeeway
	}

	// JWKS registration is deferred to first use so startup never blocks on
	// the identity provider.
	return &TokenValidator{
		issuer:     config.Issuer,
		audience:   config.Audience,
		jwksURL:    config.JWKSURL,
		leeway:     leeway,
		jwksClient: cache,
	}, nil
}

// ensureJWKSRegistered ensures that the JWKS URL is registered with the cache.
// A failed registration is retried on the next call.
func (v *TokenValidator) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksRegistrationMu.Lock()
	defer v.jwksRegistrationMu.Unlock()

	if v.jwksRegistered {
		return nil
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := v.jwksClient.Register(registrationCtx, v.jwksURL); err != nil {
		v.jwksRegistrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
		return v.jwksRegistrationErr
	}

	v.jwksRegistered = true
	v.jwksRegistrationErr = nil
	return nil
}

// refreshKeys refetches the JWKS unless it was refreshed very recently.
func (v *TokenValidator) refreshKeys(ctx context.Context) (jwk.Set, error) {
	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()

	if time.Since(v.lastRefresh) < minRefreshInterval {
		return v.jwksClient.Lookup(ctx, v.jwksURL)
	}
	v.lastRefresh = time.Now()
	return v.jwksClient.Refresh(ctx, v.jwksURL)
}

// getKeyFromJWKS resolves the verification key for a token. An unknown key
// id triggers one refetch to pick up a rotated key.
func (v *TokenValidator) getKeyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, fmt.Errorf("JWKS registration failed: %w", err)
	}

	keySet, err := v.jwksClient.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	kid, _ := token.Header["kid"].(string)
	key, found := selectKey(keySet, kid)
	if !found {
		keySet, err = v.refreshKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh JWKS: %w", err)
		}
		key, found = selectKey(keySet, kid)
		if !found {
			return nil, fmt.Errorf("%w: kid %q", ErrUnknownKeyID, kid)
		}
	}

	// In jwx v3, Raw method is replaced with Export function
	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}

// selectKey finds the key by id. A token without a kid is accepted only when
// the set holds exactly one key.
func selectKey(keySet jwk.Set, kid string) (jwk.Key, bool) {
	if kid != "" {
		return keySet.LookupKeyID(kid)
	}
	if keySet.Len() == 1 {
		return keySet.Key(0)
	}
	return nil, false
}

// validateClaims validates the issuer and audience claims.
func (v *TokenValidator) validateClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		issuerClaim, err := claims.GetIssuer()
		if err != nil {
			return fmt.Errorf("failed to get issuer from claims: %w", err)
		}
		if strings.TrimSuffix(issuerClaim, "/") != strings.TrimSuffix(v.issuer, "/") {
			return ErrInvalidIssuer
		}
	}
	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil || !slices.Contains(audiences, v.audience) {
			return ErrInvalidAudience
		}
	}
	return nil
}

// ValidateToken verifies the signature, lifetime, issuer and audience of a
// JWT and returns its claims.
func (v *TokenValidator) ValidateToken(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(supportedSigningMethods),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	token, err := parser.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.getKeyFromJWKS(ctx, token)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("failed to get claims from token")
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}
