// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/stacklok/toolhive-bff/pkg/dpop"
	thverrors "github.com/stacklok/toolhive-bff/pkg/errors"
	"github.com/stacklok/toolhive-bff/pkg/policy"
)

// DefaultTimeout bounds one proxied call.
const DefaultTimeout = 100 * time.Second

// Forwarded header names.
const (
	HeaderForwardedFor      = "X-Forwarded-For"
	HeaderForwardedHost     = "X-Forwarded-Host"
	HeaderForwardedProto    = "X-Forwarded-Proto"
	HeaderForwardedPathBase = "X-Forwarded-PathBase"
)

// Recorder observes proxied calls.
type Recorder interface {
	ProxiedRequest(route string, status int)
}

// Options configures every route handler.
type Options struct {
	// SessionCookieName is removed from every forwarded request.
	SessionCookieName string

	// AddForwardedHeaders sets X-Forwarded-* describing the inbound request.
	AddForwardedHeaders bool

	// TrustForwardedHeaders appends to X-Forwarded-* values set by an
	// upstream hop instead of replacing them.
	TrustForwardedHeaders bool

	// Timeout overrides DefaultTimeout.
	Timeout time.Duration

	// Transport overrides http.DefaultTransport.
	Transport http.RoundTripper

	// Prover signs DPoP proofs for proof-of-possession credentials.
	Prover *dpop.Prover

	// Propagator overrides the global OpenTelemetry propagator.
	Propagator propagation.TextMapPropagator

	Recorder Recorder
	Logger   *slog.Logger
}

// Handler proxies requests for one route.
type Handler struct {
	route   Route
	tokens  policy.TokenSource
	opts    Options
	proxy   *httputil.ReverseProxy
	timeout time.Duration
	logger  *slog.Logger
}

// outbound carries per-request state from ServeHTTP to the proxy callbacks.
type outbound struct {
	target     *url.URL
	credential *policy.Credential
	proof      string
	status     int
}

type outboundKey struct{}

// NewHandler creates the proxy handler for a route.
func NewHandler(route Route, tokens policy.TokenSource, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	h := &Handler{
		route:   route,
		tokens:  tokens,
		opts:    opts,
		timeout: timeout,
		logger:  logger.With("route", route.Name),
	}
	h.proxy = &httputil.ReverseProxy{
		Rewrite:        h.rewrite,
		Transport:      opts.Transport,
		FlushInterval:  -1,
		ModifyResponse: h.modifyResponse,
		ErrorHandler:   h.handleError,
	}
	return h
}

// ServeHTTP resolves the credential and forwards the request once.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cred, err := policy.Resolve(r.Context(), h.route.Policy, h.tokens)
	if err != nil {
		h.logger.Warn("no credential for proxied request", "path", r.URL.Path, "error", err)
		status := thverrors.HTTPStatus(err)
		h.record(status)
		w.WriteHeader(status)
		return
	}

	state := &outbound{target: h.route.targetURL(r.URL), credential: cred}
	if cred.IsDPoP() {
		if h.opts.Prover == nil {
			h.logger.Error("DPoP-bound credential but no DPoP key is configured")
			h.record(http.StatusInternalServerError)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		state.proof, err = h.opts.Prover.Proof(r.Method, state.target.String(), cred.AccessToken)
		if err != nil {
			h.logger.Error("failed to create DPoP proof", "error", err)
			h.record(http.StatusInternalServerError)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, outboundKey{}, state)

	h.proxy.ServeHTTP(w, r.WithContext(ctx))
	h.record(state.status)
}

func (h *Handler) rewrite(pr *httputil.ProxyRequest) {
	state, _ := pr.In.Context().Value(outboundKey{}).(*outbound)
	if state == nil {
		return
	}

	pr.Out.URL = state.target
	pr.Out.Host = ""

	removeCookie(pr.Out, h.opts.SessionCookieName)

	switch {
	case h.opts.AddForwardedHeaders:
		h.setForwarded(pr)
	case !h.opts.TrustForwardedHeaders:
		// Rewrite strips only X-Forwarded-For, -Host and -Proto.
		pr.Out.Header.Del(HeaderForwardedPathBase)
	}

	if cred := state.credential; cred != nil {
		pr.Out.Header.Del(dpop.HeaderName)
		if cred.IsDPoP() {
			pr.Out.Header.Set("Authorization", policy.SchemeDPoP+" "+cred.AccessToken)
			pr.Out.Header.Set(dpop.HeaderName, state.proof)
		} else {
			pr.Out.Header.Set("Authorization", policy.SchemeBearer+" "+cred.AccessToken)
		}
	}

	propagator := h.opts.Propagator
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	propagator.Inject(pr.Out.Context(), propagation.HeaderCarrier(pr.Out.Header))
}

// setForwarded describes the inbound request. Rewrite has already removed
// any inbound X-Forwarded-* headers from the outbound request; trusted
// values are copied back and appended to.
func (h *Handler) setForwarded(pr *httputil.ProxyRequest) {
	proto := "http"
	if pr.In.TLS != nil {
		proto = "https"
	}
	clientIP, _, err := net.SplitHostPort(pr.In.RemoteAddr)
	if err != nil {
		clientIP = pr.In.RemoteAddr
	}

	values := map[string]string{
		HeaderForwardedFor:      clientIP,
		HeaderForwardedHost:     pr.In.Host,
		HeaderForwardedProto:    proto,
		HeaderForwardedPathBase: h.route.PathPrefix,
	}
	for name, value := range values {
		if value == "" {
			continue
		}
		if h.opts.TrustForwardedHeaders {
			if prior := strings.Join(pr.In.Header.Values(name), ", "); prior != "" {
				value = prior + ", " + value
			}
		}
		pr.Out.Header.Set(name, value)
	}
}

func (h *Handler) modifyResponse(resp *http.Response) error {
	if state, ok := resp.Request.Context().Value(outboundKey{}).(*outbound); ok {
		state.status = resp.StatusCode
	}
	return nil
}

// handleError answers transport failures with 502; the request is never
// retried.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	uerr := thverrors.NewUpstreamTransportError("proxied request failed", err)
	h.logger.Warn("upstream request failed",
		"path", r.URL.Path,
		"timeout", errors.Is(err, context.DeadlineExceeded),
		"error", uerr,
	)
	if state, ok := r.Context().Value(outboundKey{}).(*outbound); ok {
		state.status = http.StatusBadGateway
	}
	w.WriteHeader(thverrors.HTTPStatus(uerr))
}

func (h *Handler) record(status int) {
	if h.opts.Recorder != nil && status != 0 {
		h.opts.Recorder.ProxiedRequest(h.route.Name, status)
	}
}

// removeCookie drops one cookie from the Cookie header, keeping the rest.
func removeCookie(r *http.Request, name string) {
	if name == "" {
		return
	}
	cookies := r.Cookies()
	r.Header.Del("Cookie")
	for _, c := range cookies {
		if c.Name == name {
			continue
		}
		r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
}
