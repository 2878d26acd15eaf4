// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package bff implements the browser-facing half of the gateway: the
// session cookie, the login, callback, logout and user endpoints, and the
// middleware that loads the signed-in user for every request.
package bff

import (
	"log/slog"
	"net/http"
	"time"
)

// Defaults for Options.
const (
	DefaultBasePath        = "/bff"
	DefaultCookieName      = "__Host-bff"
	DefaultLifetime        = 8 * time.Hour
	DefaultAntiForgeryName = "X-CSRF"
	DefaultAntiForgeryVal  = "1"
	stateLifetime          = 10 * time.Minute
)

// Options configures the BFF endpoints and session handling.
type Options struct {
	// BasePath is where the management endpoints are mounted.
	BasePath string

	// CookieName names the session cookie.
	CookieName string

	// Lifetime is the session lifetime.
	Lifetime time.Duration

	// SlidingExpiration renews a session once half its lifetime has passed.
	SlidingExpiration bool

	// InsecureCookies drops the Secure attribute. Only for plain-HTTP
	// development setups.
	InsecureCookies bool

	// AntiForgeryHeader and AntiForgeryValue name the header browsers must
	// send on API calls.
	AntiForgeryHeader string
	AntiForgeryValue  string

	// RevokeRefreshTokenOnLogout revokes the refresh token when the user
	// logs out.
	RevokeRefreshTokenOnLogout bool

	// HTTPClient is used for token endpoint calls.
	HTTPClient *http.Client

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.BasePath == "" {
		o.BasePath = DefaultBasePath
	}
	if o.CookieName == "" {
		o.CookieName = DefaultCookieName
	}
	if o.Lifetime <= 0 {
		o.Lifetime = DefaultLifetime
	}
	if o.AntiForgeryHeader == "" {
		o.AntiForgeryHeader = DefaultAntiForgeryName
	}
	if o.AntiForgeryValue == "" {
		o.AntiForgeryValue = DefaultAntiForgeryVal
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// stateCookieName names the short-lived login state cookie.
func (o *Options) stateCookieName() string {
	return o.CookieName + ".state"
}
