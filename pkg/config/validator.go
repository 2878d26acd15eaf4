// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	neturl "net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/stacklok/toolhive-bff/pkg/ticket"
)

// ErrInvalidConfig is returned when the configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Error message templates for consistent error formatting
const (
	errFileNotFound     = "file not found or not accessible: %w"
	errInvalidURL       = "invalid URL format: %w"
	errInvalidURLScheme = "URL must start with %s://"
)

// DefaultValidator checks a configuration for every problem at once.
type DefaultValidator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *DefaultValidator {
	return &DefaultValidator{}
}

// Validate returns a single ErrInvalidConfig listing every problem found.
func (v *DefaultValidator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", ErrInvalidConfig)
	}

	var problems []string
	collect := func(errs ...error) {
		for _, err := range errs {
			if err != nil {
				problems = append(problems, err.Error())
			}
		}
	}

	collect(v.validateBasicFields(cfg))
	collect(v.validateOIDC(cfg.OIDC)...)
	collect(v.validateSession(cfg.Session)...)
	collect(v.validateAntiForgery(cfg.AntiForgery))
	collect(v.validateForwarding(cfg.Forwarding)...)
	collect(v.validateRoutes(cfg.BasePath, cfg.Routes)...)
	collect(v.validateMetrics(cfg.BasePath, cfg.Metrics))

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(problems, "\n  - "))
	}
	return nil
}

func (*DefaultValidator) validateBasicFields(cfg *Config) error {
	if cfg.ListenAddress == "" {
		return fmt.Errorf("listenAddress is required")
	}
	if err := validatePathPrefix(cfg.BasePath); err != nil {
		return fmt.Errorf("basePath: %w", err)
	}
	return nil
}

func (*DefaultValidator) validateOIDC(c OIDCConfig) []error {
	var errs []error
	if c.Issuer == "" {
		errs = append(errs, fmt.Errorf("oidc.issuer is required"))
	} else if err := validateURL(c.Issuer, c.InsecureAllowHTTP); err != nil {
		errs = append(errs, fmt.Errorf("oidc.issuer: %w", err))
	}
	if c.ClientID == "" {
		errs = append(errs, fmt.Errorf("oidc.clientId is required"))
	}
	if c.RedirectURL == "" {
		errs = append(errs, fmt.Errorf("oidc.redirectUrl is required"))
	} else if err := validateURL(c.RedirectURL, true); err != nil {
		errs = append(errs, fmt.Errorf("oidc.redirectUrl: %w", err))
	}
	if c.PostLogoutRedirectURL != "" {
		if err := validateURL(c.PostLogoutRedirectURL, true); err != nil {
			errs = append(errs, fmt.Errorf("oidc.postLogoutRedirectUrl: %w", err))
		}
	}
	if len(c.Scopes) > 0 && !slices.Contains(c.Scopes, "openid") {
		errs = append(errs, fmt.Errorf("oidc.scopes must include openid"))
	}
	if c.CACertPath != "" {
		if err := validateFileExists(c.CACertPath); err != nil {
			errs = append(errs, fmt.Errorf("oidc.caCertPath: %w", err))
		}
	}
	return errs
}

func (*DefaultValidator) validateSession(c SessionConfig) []error {
	var errs []error
	if c.CookieName == "" {
		errs = append(errs, fmt.Errorf("session.cookieName is required"))
	}
	if c.Lifetime <= 0 {
		errs = append(errs, fmt.Errorf("session.lifetime must be positive"))
	}
	if c.CleanupInterval < 0 {
		errs = append(errs, fmt.Errorf("session.cleanupInterval must not be negative"))
	}

	switch c.Store.Type {
	case StoreMemory:
	case StoreRedis:
		if c.Store.Redis.Sentinel != nil {
			if c.Store.Redis.Sentinel.MasterName == "" || len(c.Store.Redis.Sentinel.Addrs) == 0 {
				errs = append(errs, fmt.Errorf("session.store.redis.sentinel requires masterName and addrs"))
			}
		} else if c.Store.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("session.store.redis.addr is required"))
		}
	case StoreSQLite, StorePostgres:
		if c.Store.SQL.DSN == "" {
			errs = append(errs, fmt.Errorf("session.store.sql.dsn is required for %s", c.Store.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("session.store.type %q is not one of memory, redis, sqlite, postgres", c.Store.Type))
	}

	key, err := c.DataProtectionKeyBytes()
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("session.dataProtectionKey: %w", err))
	case key != nil && len(key) != ticket.KeySize:
		errs = append(errs, fmt.Errorf("session.dataProtectionKey must decode to %d bytes, got %d", ticket.KeySize, len(key)))
	}
	return errs
}

func (*DefaultValidator) validateAntiForgery(c AntiForgeryConfig) error {
	if c.HeaderName == "" || c.HeaderValue == "" {
		return fmt.Errorf("antiForgery.headerName and antiForgery.headerValue are required")
	}
	return nil
}

func (*DefaultValidator) validateForwarding(c ForwardingConfig) []error {
	var errs []error
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("forwarding.timeout must be positive"))
	}
	if c.DPoPKeyPath != "" {
		if err := validateFileExists(c.DPoPKeyPath); err != nil {
			errs = append(errs, fmt.Errorf("forwarding.dpopKeyPath: %w", err))
		}
	}
	return errs
}

func (*DefaultValidator) validateRoutes(basePath string, routes []RouteConfig) []error {
	var errs []error
	seen := make(map[string]bool, len(routes))
	for i, r := range routes {
		label := fmt.Sprintf("routes[%d]", i)
		if r.Name != "" {
			label = fmt.Sprintf("routes[%d] (%s)", i, r.Name)
		}

		if err := validatePathPrefix(r.Path); err != nil {
			errs = append(errs, fmt.Errorf("%s.path: %w", label, err))
		} else {
			prefix := strings.TrimSuffix(r.Path, "/")
			if seen[prefix] {
				errs = append(errs, fmt.Errorf("%s.path %q is duplicated", label, r.Path))
			}
			seen[prefix] = true
			if overlaps(prefix, basePath) {
				errs = append(errs, fmt.Errorf("%s.path %q overlaps basePath %q", label, r.Path, basePath))
			}
		}

		if r.Destination == "" {
			errs = append(errs, fmt.Errorf("%s.destination is required", label))
		} else if err := validateURL(r.Destination, true); err != nil {
			errs = append(errs, fmt.Errorf("%s.destination: %w", label, err))
		}

		if _, err := r.Policy(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
	}
	return errs
}

func (*DefaultValidator) validateMetrics(basePath string, c MetricsConfig) error {
	if !c.Enabled {
		return nil
	}
	if err := validatePathPrefix(c.Path); err != nil {
		return fmt.Errorf("metrics.path: %w", err)
	}
	if overlaps(strings.TrimSuffix(c.Path, "/"), basePath) {
		return fmt.Errorf("metrics.path %q overlaps basePath %q", c.Path, basePath)
	}
	return nil
}

// validatePathPrefix requires an absolute, non-root URL path.
func validatePathPrefix(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("%q must start with /", p)
	}
	if strings.TrimSuffix(p, "/") == "" {
		return fmt.Errorf("the root path cannot be used")
	}
	return nil
}

func overlaps(a, b string) bool {
	b = strings.TrimSuffix(b, "/")
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// validateURL requires an absolute URL with an https scheme, or http when
// allowHTTP is set.
func validateURL(raw string, allowHTTP bool) error {
	u, err := neturl.Parse(raw)
	if err != nil {
		return fmt.Errorf(errInvalidURL, err)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q must be absolute", raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if allowHTTP {
			return nil
		}
	}
	return fmt.Errorf(errInvalidURLScheme, "https")
}

// validateFileExists checks that a referenced file is accessible.
func validateFileExists(path string) error {
	if _, err := os.Stat(filepath.Clean(path)); err != nil {
		return fmt.Errorf(errFileNotFound, err)
	}
	return nil
}
