// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/propagation"

	"github.com/stacklok/toolhive-bff/pkg/dpop"
	"github.com/stacklok/toolhive-bff/pkg/policy"
)

const sessionCookie = "__Host-bff"

// seen is what the backend received.
type seen struct {
	Method string
	Path   string
	Query  string
	Host   string
	Header http.Header
}

func newBackend(t *testing.T) (*httptest.Server, func() seen) {
	t.Helper()
	var (
		mu   sync.Mutex
		last seen
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		last = seen{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Host: r.Host, Header: r.Header.Clone()}
		mu.Unlock()
		w.WriteHeader(http.StatusTeapot)
	}))
	t.Cleanup(srv.Close)
	return srv, func() seen {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

type staticTokens struct {
	user, client *policy.Credential
}

func (s staticTokens) UserToken(context.Context) (*policy.Credential, error)   { return s.user, nil }
func (s staticTokens) ClientToken(context.Context) (*policy.Credential, error) { return s.client, nil }

type statusRecorder struct {
	mu       sync.Mutex
	statuses []int
}

func (s *statusRecorder) ProxiedRequest(_ string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func mustRoute(t *testing.T, prefix, dest string, p policy.RoutePolicy) Route {
	t.Helper()
	r, err := NewRoute("", prefix, dest, p)
	require.NoError(t, err)
	return r
}

func TestHandler_ForwardsWithUserToken(t *testing.T) {
	t.Parallel()

	backend, last := newBackend(t)
	rec := &statusRecorder{}
	h := NewHandler(
		mustRoute(t, "/api/orders", backend.URL+"/v1", policy.RoutePolicy{RequiredTokenType: policy.TokenTypeUser}),
		staticTokens{user: &policy.Credential{AccessToken: "user-at"}},
		Options{SessionCookieName: sessionCookie, Recorder: rec},
	)

	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/api/orders/42?expand=items", nil)
	req.Header.Set("Cookie", sessionCookie+"=secret; theme=dark; lang=en")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusTeapot, resp.Code)
	got := last()
	assert.Equal(t, "/v1/42", got.Path)
	assert.Equal(t, "expand=items", got.Query)
	assert.Equal(t, backend.Listener.Addr().String(), got.Host)
	assert.Equal(t, "Bearer user-at", got.Header.Get("Authorization"))
	assert.Equal(t, "theme=dark; lang=en", got.Header.Get("Cookie"))
	assert.Empty(t, got.Header.Get(HeaderForwardedFor))
	assert.Equal(t, []int{http.StatusTeapot}, rec.statuses)
}

func TestHandler_OnlySessionCookieDropsHeader(t *testing.T) {
	t.Parallel()

	backend, last := newBackend(t)
	h := NewHandler(mustRoute(t, "/api", backend.URL, policy.RoutePolicy{}), staticTokens{},
		Options{SessionCookieName: sessionCookie})

	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/api", nil)
	req.Header.Set("Cookie", sessionCookie+"=secret")
	h.ServeHTTP(httptest.NewRecorder(), req)

	got := last()
	assert.Equal(t, "/", got.Path)
	assert.Empty(t, got.Header.Values("Cookie"))
}

func TestHandler_MissingCredentialIs401(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls.Add(1) }))
	t.Cleanup(backend.Close)

	rec := &statusRecorder{}
	h := NewHandler(
		mustRoute(t, "/api", backend.URL, policy.RoutePolicy{RequiredTokenType: policy.TokenTypeUserOrClient}),
		staticTokens{},
		Options{Recorder: rec},
	)

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "http://app.example.com/api/x", nil))

	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Empty(t, resp.Header().Get("Location"))
	assert.Zero(t, calls.Load())
	assert.Equal(t, []int{http.StatusUnauthorized}, rec.statuses)
}

func TestHandler_NoCredentialPassesThroughAuthorization(t *testing.T) {
	t.Parallel()

	backend, last := newBackend(t)
	h := NewHandler(mustRoute(t, "/public", backend.URL, policy.RoutePolicy{}), staticTokens{
		user: &policy.Credential{AccessToken: "user-at"},
	}, Options{})

	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/public/x", nil)
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "Basic Zm9vOmJhcg==", last().Header.Get("Authorization"))
}

func TestHandler_ClientCredentialReplacesAuthorization(t *testing.T) {
	t.Parallel()

	backend, last := newBackend(t)
	h := NewHandler(
		mustRoute(t, "/api", backend.URL, policy.RoutePolicy{RequiredTokenType: policy.TokenTypeClient}),
		staticTokens{client: &policy.Credential{AccessToken: "client-at"}},
		Options{},
	)

	req := httptest.NewRequest(http.MethodPost, "http://app.example.com/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer forged")
	h.ServeHTTP(httptest.NewRecorder(), req)

	got := last()
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "Bearer client-at", got.Header.Get("Authorization"))
}

func TestHandler_DPoP(t *testing.T) {
	t.Parallel()

	backend, last := newBackend(t)
	prover, err := dpop.GenerateProver()
	require.NoError(t, err)

	h := NewHandler(
		mustRoute(t, "/api", backend.URL, policy.RoutePolicy{RequiredTokenType: policy.TokenTypeUser}),
		staticTokens{user: &policy.Credential{AccessToken: "bound-at", Scheme: policy.SchemeDPoP}},
		Options{Prover: prover},
	)

	req := httptest.NewRequest(http.MethodDelete, "http://app.example.com/api/items/7?force=1", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	got := last()
	assert.Equal(t, "DPoP bound-at", got.Header.Get("Authorization"))

	proof := got.Header.Get(dpop.HeaderName)
	require.NotEmpty(t, proof)
	jws, err := jose.ParseSigned(proof, []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)
	payload, err := jws.Verify(jws.Signatures[0].Protected.JSONWebKey)
	require.NoError(t, err)

	var claims dpop.Claims
	require.NoError(t, json.Unmarshal(payload, &claims))
	assert.Equal(t, http.MethodDelete, claims.Method)
	assert.Equal(t, backend.URL+"/items/7", claims.URL)
	assert.Equal(t, dpop.AccessTokenHash("bound-at"), claims.AccessTokenHash)
}

func TestHandler_DPoPWithoutKey(t *testing.T) {
	t.Parallel()

	backend, _ := newBackend(t)
	h := NewHandler(
		mustRoute(t, "/api", backend.URL, policy.RoutePolicy{RequiredTokenType: policy.TokenTypeUser}),
		staticTokens{user: &policy.Credential{AccessToken: "bound-at", Scheme: policy.SchemeDPoP}},
		Options{},
	)

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "http://app.example.com/api", nil))
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestHandler_ForwardedHeaders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		trust     bool
		wantFor   string
		wantHost  string
		wantProto string
	}{
		{
			name:      "untrusted replaces",
			wantFor:   "203.0.113.7",
			wantHost:  "app.example.com",
			wantProto: "http",
		},
		{
			name:      "trusted appends",
			trust:     true,
			wantFor:   "198.51.100.1, 203.0.113.7",
			wantHost:  "edge.example.com, app.example.com",
			wantProto: "https, http",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			backend, last := newBackend(t)
			h := NewHandler(mustRoute(t, "/api", backend.URL, policy.RoutePolicy{}), staticTokens{},
				Options{AddForwardedHeaders: true, TrustForwardedHeaders: tt.trust})

			req := httptest.NewRequest(http.MethodGet, "http://app.example.com/api/x", nil)
			req.RemoteAddr = "203.0.113.7:51000"
			req.Header.Set(HeaderForwardedFor, "198.51.100.1")
			req.Header.Set(HeaderForwardedHost, "edge.example.com")
			req.Header.Set(HeaderForwardedProto, "https")
			h.ServeHTTP(httptest.NewRecorder(), req)

			got := last()
			assert.Equal(t, tt.wantFor, got.Header.Get(HeaderForwardedFor))
			assert.Equal(t, tt.wantHost, got.Header.Get(HeaderForwardedHost))
			assert.Equal(t, tt.wantProto, got.Header.Get(HeaderForwardedProto))
			assert.Equal(t, "/api", got.Header.Get(HeaderForwardedPathBase))
		})
	}
}

func TestHandler_ForwardedHeadersDisabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		trust        bool
		wantPathBase string
	}{
		{name: "untrusted inbound path base is dropped"},
		{name: "trusted inbound path base is kept", trust: true, wantPathBase: "/edge"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			backend, last := newBackend(t)
			h := NewHandler(mustRoute(t, "/api", backend.URL, policy.RoutePolicy{}), staticTokens{},
				Options{TrustForwardedHeaders: tt.trust})

			req := httptest.NewRequest(http.MethodGet, "http://app.example.com/api/x", nil)
			req.Header.Set(HeaderForwardedFor, "198.51.100.1")
			req.Header.Set(HeaderForwardedPathBase, "/edge")
			h.ServeHTTP(httptest.NewRecorder(), req)

			got := last()
			assert.Empty(t, got.Header.Get(HeaderForwardedFor))
			assert.Equal(t, tt.wantPathBase, got.Header.Get(HeaderForwardedPathBase))
		})
	}
}

type failingTransport struct{ calls atomic.Int32 }

func (f *failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls.Add(1)
	return nil, errors.New("connection refused")
}

func TestHandler_TransportErrorIs502WithoutRetry(t *testing.T) {
	t.Parallel()

	transport := &failingTransport{}
	rec := &statusRecorder{}
	h := NewHandler(mustRoute(t, "/api", "http://backend.invalid", policy.RoutePolicy{}), staticTokens{},
		Options{Transport: transport, Recorder: rec})

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodPut, "http://app.example.com/api/x", nil))

	assert.Equal(t, http.StatusBadGateway, resp.Code)
	assert.Equal(t, int32(1), transport.calls.Load())
	assert.Equal(t, []int{http.StatusBadGateway}, rec.statuses)
}

func TestHandler_TimeoutIs502(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		backend.Close()
	})

	h := NewHandler(mustRoute(t, "/api", backend.URL, policy.RoutePolicy{}), staticTokens{},
		Options{Timeout: 50 * time.Millisecond})

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "http://app.example.com/api/slow", nil))
	assert.Equal(t, http.StatusBadGateway, resp.Code)
}

func TestHandler_PropagatesContext(t *testing.T) {
	t.Parallel()

	backend, last := newBackend(t)
	h := NewHandler(mustRoute(t, "/api", backend.URL, policy.RoutePolicy{}), staticTokens{},
		Options{Propagator: propagation.Baggage{}})

	member, err := baggage.NewMember("tenant", "acme")
	require.NoError(t, err)
	bag, err := baggage.New(member)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://app.example.com/api", nil)
	req = req.WithContext(baggage.ContextWithBaggage(req.Context(), bag))
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "tenant=acme", last().Header.Get("Baggage"))
}
