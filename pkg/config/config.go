// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the gateway configuration and
// the logic required to load and validate it.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/stacklok/toolhive-bff/pkg/policy"
	"github.com/stacklok/toolhive-bff/pkg/session"
)

// StoreType selects the session record backend.
type StoreType string

// Supported session store backends.
const (
	StoreMemory   StoreType = "memory"
	StoreRedis    StoreType = "redis"
	StoreSQLite   StoreType = "sqlite"
	StorePostgres StoreType = "postgres"
)

// Config is the complete gateway configuration.
type Config struct {
	ListenAddress string `mapstructure:"listenAddress" yaml:"listenAddress"`

	// BasePath prefixes the management endpoints (login, logout, user, ...).
	BasePath string `mapstructure:"basePath" yaml:"basePath"`

	OIDC        OIDCConfig        `mapstructure:"oidc" yaml:"oidc"`
	Session     SessionConfig     `mapstructure:"session" yaml:"session"`
	AntiForgery AntiForgeryConfig `mapstructure:"antiForgery" yaml:"antiForgery"`
	Forwarding  ForwardingConfig  `mapstructure:"forwarding" yaml:"forwarding"`
	Routes      []RouteConfig     `mapstructure:"routes" yaml:"routes"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

// OIDCConfig describes the identity provider client registration.
type OIDCConfig struct {
	Issuer                string   `mapstructure:"issuer" yaml:"issuer"`
	ClientID              string   `mapstructure:"clientId" yaml:"clientId"`
	ClientSecret          string   `mapstructure:"clientSecret" yaml:"clientSecret"`
	RedirectURL           string   `mapstructure:"redirectUrl" yaml:"redirectUrl"`
	PostLogoutRedirectURL string   `mapstructure:"postLogoutRedirectUrl" yaml:"postLogoutRedirectUrl"`
	Scopes                []string `mapstructure:"scopes" yaml:"scopes"`
	AllowPrivateIP        bool     `mapstructure:"allowPrivateIp" yaml:"allowPrivateIp"`
	CACertPath            string   `mapstructure:"caCertPath" yaml:"caCertPath"`
	InsecureAllowHTTP     bool     `mapstructure:"insecureAllowHttp" yaml:"insecureAllowHttp"`
}

// SessionConfig controls cookies, lifetimes and the record store.
type SessionConfig struct {
	CookieName                 string        `mapstructure:"cookieName" yaml:"cookieName"`
	Lifetime                   time.Duration `mapstructure:"lifetime" yaml:"lifetime"`
	SlidingExpiration          bool          `mapstructure:"slidingExpiration" yaml:"slidingExpiration"`
	CleanupInterval            time.Duration `mapstructure:"cleanupInterval" yaml:"cleanupInterval"`
	RevokeRefreshTokenOnLogout bool          `mapstructure:"revokeRefreshTokenOnLogout" yaml:"revokeRefreshTokenOnLogout"`
	InsecureCookies            bool          `mapstructure:"insecureCookies" yaml:"insecureCookies"`
	Store                      StoreConfig   `mapstructure:"store" yaml:"store"`

	// DataProtectionKey is a base64 encoded 32 byte key. When set, session
	// tickets are encrypted at rest.
	DataProtectionKey string `mapstructure:"dataProtectionKey" yaml:"dataProtectionKey"`
}

// StoreConfig selects and configures the session record backend.
type StoreConfig struct {
	Type  StoreType   `mapstructure:"type" yaml:"type"`
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
	SQL   SQLConfig   `mapstructure:"sql" yaml:"sql"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr      string          `mapstructure:"addr" yaml:"addr"`
	Username  string          `mapstructure:"username" yaml:"username"`
	Password  string          `mapstructure:"password" yaml:"password"`
	DB        int             `mapstructure:"db" yaml:"db"`
	KeyPrefix string          `mapstructure:"keyPrefix" yaml:"keyPrefix"`
	Sentinel  *SentinelConfig `mapstructure:"sentinel" yaml:"sentinel,omitempty"`
}

// SentinelConfig selects a Sentinel-managed Redis deployment.
type SentinelConfig struct {
	MasterName string   `mapstructure:"masterName" yaml:"masterName"`
	Addrs      []string `mapstructure:"addrs" yaml:"addrs"`
}

// SQLConfig configures the relational backends.
type SQLConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// AntiForgeryConfig names the header browsers must send on API calls.
type AntiForgeryConfig struct {
	HeaderName  string `mapstructure:"headerName" yaml:"headerName"`
	HeaderValue string `mapstructure:"headerValue" yaml:"headerValue"`
}

// ForwardingConfig controls how requests are relayed to APIs.
type ForwardingConfig struct {
	AddForwardedHeaders   bool          `mapstructure:"addForwardedHeaders" yaml:"addForwardedHeaders"`
	TrustForwardedHeaders bool          `mapstructure:"trustForwardedHeaders" yaml:"trustForwardedHeaders"`
	Timeout               time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// DPoPKeyPath points at a PEM private key. When set, access tokens of
	// type DPoP are presented with a proof signed by this key.
	DPoPKeyPath string `mapstructure:"dpopKeyPath" yaml:"dpopKeyPath"`
}

// RouteConfig maps a local path prefix to a remote API.
type RouteConfig struct {
	Name               string `mapstructure:"name" yaml:"name"`
	Path               string `mapstructure:"path" yaml:"path"`
	Destination        string `mapstructure:"destination" yaml:"destination"`
	TokenType          string `mapstructure:"tokenType" yaml:"tokenType"`
	OptionalUserToken  bool   `mapstructure:"optionalUserToken" yaml:"optionalUserToken"`
	RequireAntiForgery *bool  `mapstructure:"requireAntiForgery" yaml:"requireAntiForgery,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Policy builds the route's forwarding policy.
func (r RouteConfig) Policy() (policy.RoutePolicy, error) {
	tokenType, err := policy.ParseTokenType(r.TokenType)
	if err != nil {
		return policy.RoutePolicy{}, err
	}
	p := policy.RoutePolicy{RequiredTokenType: tokenType, OptionalUserToken: r.OptionalUserToken}
	if err := p.Validate(); err != nil {
		return policy.RoutePolicy{}, err
	}
	return p, nil
}

// AntiForgeryRequired reports whether the route demands the anti-forgery
// header. Routes require it unless explicitly disabled.
func (r RouteConfig) AntiForgeryRequired() bool {
	return r.RequireAntiForgery == nil || *r.RequireAntiForgery
}

// DataProtectionKeyBytes decodes the data protection key. It returns nil
// when no key is configured.
func (s SessionConfig) DataProtectionKeyBytes() ([]byte, error) {
	if s.DataProtectionKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s.DataProtectionKey))
	if err != nil {
		return nil, fmt.Errorf("data protection key is not valid base64: %w", err)
	}
	return key, nil
}

// SessionRedisConfig converts the Redis settings for the session package.
func (r RedisConfig) SessionRedisConfig() session.RedisConfig {
	cfg := session.RedisConfig{
		Addr:      r.Addr,
		Username:  r.Username,
		Password:  r.Password,
		DB:        r.DB,
		KeyPrefix: r.KeyPrefix,
	}
	if r.Sentinel != nil {
		cfg.Addr = ""
		cfg.SentinelConfig = &session.SentinelConfig{
			MasterName:    r.Sentinel.MasterName,
			SentinelAddrs: r.Sentinel.Addrs,
			DB:            r.DB,
		}
	}
	return cfg
}
