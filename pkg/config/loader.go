// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. THV_BFF_OIDC_CLIENTID.
const EnvPrefix = "THV_BFF"

// DefaultDotEnvFile is loaded into the environment before the configuration
// when it exists.
const DefaultDotEnvFile = ".env"

// Default values.
const (
	DefaultListenAddress = ":8080"
	DefaultBasePath      = "/bff"
	DefaultCookieName    = "__Host-bff"
	DefaultLifetime      = 8 * time.Hour
	DefaultTimeout       = 100 * time.Second
	DefaultMetricsPath   = "/metrics"
)

// DefaultScopes are requested when none are configured.
var DefaultScopes = []string{"openid", "profile", "offline_access"}

// Loader reads the configuration from an optional file and the environment.
type Loader struct {
	path       string
	dotEnvPath string
}

// NewLoader creates a loader for the file at path. An empty path reads the
// environment only.
func NewLoader(path string) *Loader {
	return &Loader{path: path, dotEnvPath: DefaultDotEnvFile}
}

// WithDotEnv overrides the .env file location; "" disables it.
func (l *Loader) WithDotEnv(path string) *Loader {
	l.dotEnvPath = path
	return l
}

// Load reads and decodes the configuration. It does not validate it.
func (l *Loader) Load() (*Config, error) {
	if l.dotEnvPath != "" {
		if err := godotenv.Load(l.dotEnvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", l.dotEnvPath, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.path != "" {
		if _, err := os.Stat(l.path); err != nil {
			return nil, fmt.Errorf("configuration file not accessible: %w", err)
		}
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every scalar key so environment overrides apply even
// when the file omits it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listenAddress", DefaultListenAddress)
	v.SetDefault("basePath", DefaultBasePath)

	v.SetDefault("oidc.issuer", "")
	v.SetDefault("oidc.clientId", "")
	v.SetDefault("oidc.clientSecret", "")
	v.SetDefault("oidc.redirectUrl", "")
	v.SetDefault("oidc.postLogoutRedirectUrl", "")
	v.SetDefault("oidc.scopes", DefaultScopes)
	v.SetDefault("oidc.allowPrivateIp", false)
	v.SetDefault("oidc.caCertPath", "")
	v.SetDefault("oidc.insecureAllowHttp", false)

	v.SetDefault("session.cookieName", DefaultCookieName)
	v.SetDefault("session.lifetime", DefaultLifetime)
	v.SetDefault("session.slidingExpiration", true)
	v.SetDefault("session.cleanupInterval", 0)
	v.SetDefault("session.revokeRefreshTokenOnLogout", true)
	v.SetDefault("session.insecureCookies", false)
	v.SetDefault("session.dataProtectionKey", "")
	v.SetDefault("session.store.type", string(StoreMemory))
	v.SetDefault("session.store.redis.addr", "")
	v.SetDefault("session.store.redis.username", "")
	v.SetDefault("session.store.redis.password", "")
	v.SetDefault("session.store.redis.db", 0)
	v.SetDefault("session.store.redis.keyPrefix", "")
	v.SetDefault("session.store.sql.dsn", "")

	v.SetDefault("antiForgery.headerName", "X-CSRF")
	v.SetDefault("antiForgery.headerValue", "1")

	v.SetDefault("forwarding.addForwardedHeaders", true)
	v.SetDefault("forwarding.trustForwardedHeaders", false)
	v.SetDefault("forwarding.timeout", DefaultTimeout)
	v.SetDefault("forwarding.dpopKeyPath", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", DefaultMetricsPath)
}
