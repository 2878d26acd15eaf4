// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oidc wraps OpenID Connect discovery for the gateway's identity
// provider and exposes the OAuth2 configuration, ID token verifier and token
// revocation transport derived from it.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/stacklok/toolhive-bff/pkg/networking"
)

// DefaultDiscoveryAttempts is how many times discovery is tried at startup.
const DefaultDiscoveryAttempts = 5

// DefaultScopes are requested when none are configured.
var DefaultScopes = []string{oidc.ScopeOpenID, "profile", oidc.ScopeOfflineAccess}

// DiscoveryDocument is the subset of the provider metadata the gateway uses.
type DiscoveryDocument struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	UserinfoEndpoint              string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                       string   `json:"jwks_uri"`
	RevocationEndpoint            string   `json:"revocation_endpoint,omitempty"`
	EndSessionEndpoint            string   `json:"end_session_endpoint,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
	BackchannelLogoutSupported    bool     `json:"backchannel_logout_supported,omitempty"`
}

// Config configures the identity provider client.
type Config struct {
	Issuer                string
	ClientID              string
	ClientSecret          string
	RedirectURL           string
	PostLogoutRedirectURL string
	Scopes                []string

	CACertPath        string
	AllowPrivateIP    bool
	InsecureAllowHTTP bool

	// DiscoveryAttempts overrides DefaultDiscoveryAttempts.
	DiscoveryAttempts uint

	// HTTPClient overrides the client built from the options above.
	HTTPClient *http.Client
}

// Validate checks the configuration before any network call.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid issuer URL %q", c.Issuer)
	}
	if u.Scheme != "https" && !(c.InsecureAllowHTTP && u.Scheme == "http") {
		return fmt.Errorf("issuer must use HTTPS: %s", c.Issuer)
	}
	if c.ClientID == "" {
		return errors.New("client id is required")
	}
	return nil
}

// Provider is a discovered OpenID provider.
type Provider struct {
	config     Config
	provider   *oidc.Provider
	document   DiscoveryDocument
	httpClient *http.Client
	scopes     []string
}

// NewProvider discovers the identity provider, retrying with exponential
// backoff while the provider is unreachable.
func NewProvider(ctx context.Context, config Config, logger *slog.Logger) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid OIDC config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
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

	attempts := config.DiscoveryAttempts
	if attempts == 0 {
		attempts = DefaultDiscoveryAttempts
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 10 * time.Second

	discoveryCtx := oidc.ClientContext(ctx, httpClient)
	oidcProvider, err := backoff.Retry(ctx, func() (*oidc.Provider, error) {
		return oidc.NewProvider(discoveryCtx, config.Issuer)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warn("OIDC discovery failed, retrying", "issuer", config.Issuer, "error", err, "retry_in", d)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC endpoints: %w", err)
	}

	// go-oidc validates the issuer but not the other endpoints.
	var doc DiscoveryDocument
	if err := oidcProvider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("failed to extract provider claims: %w", err)
	}
	if err := validateDocument(&doc, config.InsecureAllowHTTP); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}

	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	if !slices.Contains(scopes, oidc.ScopeOpenID) {
		return nil, errors.New("openid scope is required")
	}

	logger.Debug("OIDC provider discovered",
		"issuer", doc.Issuer,
		"revocation_supported", doc.RevocationEndpoint != "",
		"end_session_supported", doc.EndSessionEndpoint != "",
	)

	return &Provider{
		config:     config,
		provider:   oidcProvider,
		document:   doc,
		httpClient: httpClient,
		scopes:     scopes,
	}, nil
}

// validateDocument checks that every endpoint the gateway relies on is
// present and uses an acceptable scheme.
func validateDocument(doc *DiscoveryDocument, allowHTTP bool) error {
	required := map[string]string{
		"authorization_endpoint": doc.AuthorizationEndpoint,
		"token_endpoint":         doc.TokenEndpoint,
		"jwks_uri":               doc.JWKSURI,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("missing %s", name)
		}
	}

	optional := map[string]string{
		"revocation_endpoint":  doc.RevocationEndpoint,
		"end_session_endpoint": doc.EndSessionEndpoint,
	}
	all := maps.Clone(required)
	maps.Copy(all, optional)
	for name, value := range all {
		if value == "" {
			continue
		}
		u, err := url.Parse(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if u.Scheme != "https" && !(allowHTTP && u.Scheme == "http") {
			return fmt.Errorf("%s must use HTTPS: %s", name, value)
		}
	}
	return nil
}

// Document returns the discovered metadata.
func (p *Provider) Document() DiscoveryDocument { return p.document }

// Issuer returns the provider's issuer identifier.
func (p *Provider) Issuer() string { return p.document.Issuer }

// JWKSURL returns the provider's signing key endpoint.
func (p *Provider) JWKSURL() string { return p.document.JWKSURI }

// ClientID returns the gateway's client identifier.
func (p *Provider) ClientID() string { return p.config.ClientID }

// HTTPClient returns the client used for every call to the provider.
func (p *Provider) HTTPClient() *http.Client { return p.httpClient }

// ClientContext attaches the provider's HTTP client for oauth2 and go-oidc.
func (p *Provider) ClientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, p.httpClient)
}

// OAuth2Config returns the authorization code flow configuration.
func (p *Provider) OAuth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: p.config.ClientSecret,
		RedirectURL:  p.config.RedirectURL,
		Scopes:       slices.Clone(p.scopes),
		Endpoint:     p.provider.Endpoint(),
	}
}

// ClientCredentialsConfig returns the client credentials grant configuration.
func (p *Provider) ClientCredentialsConfig(scopes []string) *clientcredentials.Config {
	return &clientcredentials.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: p.config.ClientSecret,
		TokenURL:     p.document.TokenEndpoint,
		Scopes:       scopes,
		AuthStyle:    p.provider.Endpoint().AuthStyle,
	}
}

// Verifier returns an ID token verifier bound to the gateway's client id.
func (p *Provider) Verifier() *oidc.IDTokenVerifier {
	return p.provider.Verifier(&oidc.Config{ClientID: p.config.ClientID})
}

// SupportsPKCE reports whether the provider advertises S256 PKCE. Providers
// that do not advertise methods are assumed to support it.
func (p *Provider) SupportsPKCE() bool {
	methods := p.document.CodeChallengeMethodsSupported
	return len(methods) == 0 || slices.Contains(methods, "S256")
}

// EndSessionURL builds the RP-initiated logout URL. It returns false when the
// provider has no end-session endpoint.
func (p *Provider) EndSessionURL(idTokenHint, state string) (string, bool) {
	if p.document.EndSessionEndpoint == "" {
		return "", false
	}
	u, err := url.Parse(p.document.EndSessionEndpoint)
	if err != nil {
		return "", false
	}
	q := u.Query()
	q.Set("client_id", p.config.ClientID)
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if p.config.PostLogoutRedirectURL != "" {
		q.Set("post_logout_redirect_uri", p.config.PostLogoutRedirectURL)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), true
}

// Revoker returns the RFC 7009 revocation transport, or nil when the
// provider does not publish a revocation endpoint.
func (p *Provider) Revoker() *Revoker {
	if p.document.RevocationEndpoint == "" {
		return nil
	}
	return NewRevoker(p.document.RevocationEndpoint, p.config.ClientID, p.config.ClientSecret, p.httpClient)
}
