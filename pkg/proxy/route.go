// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package proxy forwards browser requests to backend APIs with the
// credential chosen by the route's policy.
package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/stacklok/toolhive-bff/pkg/policy"
)

// Route maps a local path prefix to a backend API.
type Route struct {
	// Name identifies the route in logs and metrics; it defaults to PathPrefix.
	Name string

	// PathPrefix is the local prefix stripped before forwarding.
	PathPrefix string

	// Destination is the backend base URL.
	Destination *url.URL

	// Policy selects the forwarded credential.
	Policy policy.RoutePolicy
}

// NewRoute parses and validates a route.
func NewRoute(name, prefix, destination string, p policy.RoutePolicy) (Route, error) {
	if err := p.Validate(); err != nil {
		return Route{}, fmt.Errorf("route %s: %w", prefix, err)
	}
	prefix = normalizePrefix(prefix)
	if prefix == "" {
		return Route{}, errors.New("route path prefix is required")
	}
	dest, err := url.Parse(destination)
	if err != nil {
		return Route{}, fmt.Errorf("route %s: invalid destination: %w", prefix, err)
	}
	if dest.Scheme != "http" && dest.Scheme != "https" || dest.Host == "" {
		return Route{}, fmt.Errorf("route %s: destination must be an absolute http(s) URL", prefix)
	}
	if name == "" {
		name = prefix
	}
	return Route{Name: name, PathPrefix: prefix, Destination: dest, Policy: p}, nil
}

// normalizePrefix cleans a prefix to "/a/b" form without a trailing slash.
func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	cleaned := path.Clean("/" + prefix)
	if cleaned == "/" {
		return ""
	}
	return cleaned
}

// stripPrefix removes the route prefix from a request path. The result
// always starts with a slash.
func (r Route) stripPrefix(p string) string {
	rest := strings.TrimPrefix(p, r.PathPrefix)
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

// targetURL is the backend URL for an inbound URL.
func (r Route) targetURL(in *url.URL) *url.URL {
	out := *r.Destination
	rest := r.stripPrefix(in.Path)

	base := strings.TrimSuffix(out.Path, "/")
	out.Path = base + rest
	if out.Path == "" {
		out.Path = "/"
	}
	out.RawPath = ""
	if in.RawPath != "" {
		out.RawPath = strings.TrimSuffix(r.Destination.EscapedPath(), "/") + r.stripPrefix(in.RawPath)
	}
	out.RawQuery = in.RawQuery
	out.Fragment = ""
	return &out
}
