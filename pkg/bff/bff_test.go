// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bff

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-bff/pkg/auth/authtest"
	"github.com/stacklok/toolhive-bff/pkg/auth/oidc"
	"github.com/stacklok/toolhive-bff/pkg/session"
	"github.com/stacklok/toolhive-bff/pkg/ticket"
)

const clientID = "bff-client"

type fakeRevoker struct {
	mu     sync.Mutex
	tokens []string
}

func (f *fakeRevoker) RevokeRefreshToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return nil
}

type env struct {
	iss      *authtest.Issuer
	sessions *session.MemoryStore
	tickets  *ticket.Store
	handler  *Handler
	server   http.Handler
	revoker  *fakeRevoker
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()

	iss := authtest.NewIssuer(t)
	provider, err := oidc.NewProvider(context.Background(), oidc.Config{
		Issuer:                iss.URL(),
		ClientID:              clientID,
		ClientSecret:          "s3cret",
		RedirectURL:           "https://app.example.com/bff/callback",
		PostLogoutRedirectURL: "https://app.example.com/",
		AllowPrivateIP:        true,
		InsecureAllowHTTP:     true,
		DiscoveryAttempts:     1,
	}, nil)
	require.NoError(t, err)

	key := make([]byte, ticket.KeySize)
	_, err = rand.Read(key)
	require.NoError(t, err)
	stateProtector, err := ticket.NewJWEProtector(key, "login-state")
	require.NoError(t, err)

	sessions := session.NewMemoryStore()
	tickets := ticket.NewStore(sessions, ticket.NewCodec(nil), nil)
	revoker := &fakeRevoker{}

	opts.HTTPClient = provider.HTTPClient()
	h, err := NewHandler(opts, provider, tickets, stateProtector, WithRevoker(revoker))
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(h.SessionMiddleware)
	r.Mount(h.BasePath(), h.Routes())

	return &env{iss: iss, sessions: sessions, tickets: tickets, handler: h, server: r, revoker: revoker}
}

func (e *env) do(t *testing.T, method, target string, cookies []*http.Cookie, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "https://app.example.com"+target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// signIn runs the login and callback endpoints and returns the session cookie.
func (e *env) signIn(t *testing.T, sub, sid string) *http.Cookie {
	t.Helper()

	login := e.do(t, http.MethodGet, "/bff/login?returnUrl=/app/home", nil, nil)
	require.Equal(t, http.StatusFound, login.Code)
	authorize, err := url.Parse(login.Header().Get("Location"))
	require.NoError(t, err)
	stateCookie := findCookie(login, DefaultCookieName+".state")
	require.NotNil(t, stateCookie)

	q := authorize.Query()
	nonce := q.Get("nonce")
	e.iss.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.NotEmpty(t, r.PostForm.Get("code_verifier"))

		now := time.Now()
		idToken := e.iss.Sign(t, jwt.MapClaims{
			"iss":    e.iss.URL(),
			"aud":    clientID,
			"sub":    sub,
			"sid":    sid,
			"nonce":  nonce,
			"name":   "Alice Example",
			"groups": []string{"admins", "devs"},
			"iat":    now.Unix(),
			"exp":    now.Add(time.Hour).Unix(),
		})
		authtest.WriteTokenResponse(w, map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"id_token":      idToken,
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})

	callback := e.do(t, http.MethodGet,
		"/bff/callback?code=the-code&state="+url.QueryEscape(q.Get("state")),
		[]*http.Cookie{stateCookie}, nil)
	require.Equal(t, http.StatusFound, callback.Code, callback.Body.String())
	assert.Equal(t, "/app/home", callback.Header().Get("Location"))

	sessionCookie := findCookie(callback, DefaultCookieName)
	require.NotNil(t, sessionCookie)
	assert.True(t, sessionCookie.HttpOnly)
	assert.True(t, sessionCookie.Secure)
	assert.Equal(t, "/", sessionCookie.Path)
	return sessionCookie
}

func TestLogin_RedirectsToProvider(t *testing.T) {
	t.Parallel()

	e := newEnv(t, Options{})
	rec := e.do(t, http.MethodGet, "/bff/login?returnUrl=https://evil.example.com", nil, nil)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/authorize", loc.Path)
	q := loc.Query()
	assert.Equal(t, clientID, q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("nonce"))

	stateCookie := findCookie(rec, DefaultCookieName+".state")
	require.NotNil(t, stateCookie)
	ls, err := unprotectState(e.handler.state, stateCookie.Value, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "/", ls.ReturnURL, "absolute return URLs are replaced")
	assert.Equal(t, q.Get("state"), ls.State)
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	e := newEnv(t, Options{RevokeRefreshTokenOnLogout: true})
	cookie := e.signIn(t, "alice", "s1")
	assert.Equal(t, 1, e.sessions.Count())

	csrf := http.Header{"X-Csrf": {"1"}}

	user := e.do(t, http.MethodGet, "/bff/user", []*http.Cookie{cookie}, csrf)
	require.Equal(t, http.StatusOK, user.Code)
	var claims []userClaim
	require.NoError(t, json.Unmarshal(user.Body.Bytes(), &claims))
	values := map[string][]any{}
	for _, c := range claims {
		values[c.Type] = append(values[c.Type], c.Value)
	}
	assert.Equal(t, []any{"alice"}, values["sub"])
	assert.Equal(t, []any{"admins", "devs"}, values["groups"])
	assert.Equal(t, []any{"/bff/logout?sid=s1"}, values[ClaimLogoutURL])
	assert.NotContains(t, values, "nonce")
	assert.Contains(t, values, ClaimSessionExpiresIn)

	// The user endpoint is an API: no redirects, only status codes.
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/bff/user", []*http.Cookie{cookie}, nil).Code)
	anon := e.do(t, http.MethodGet, "/bff/user", nil, csrf)
	assert.Equal(t, http.StatusUnauthorized, anon.Code)
	assert.Empty(t, anon.Header().Get("Location"))

	bad := e.do(t, http.MethodGet, "/bff/logout?sid=other", []*http.Cookie{cookie}, nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Equal(t, 1, e.sessions.Count())

	logout := e.do(t, http.MethodGet, "/bff/logout?sid=s1", []*http.Cookie{cookie}, nil)
	require.Equal(t, http.StatusFound, logout.Code)
	loc, err := url.Parse(logout.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/endsession", loc.Path)
	assert.NotEmpty(t, loc.Query().Get("id_token_hint"))
	assert.Zero(t, e.sessions.Count())
	assert.Equal(t, []string{"rt-1"}, e.revoker.tokens)

	cleared := findCookie(logout, DefaultCookieName)
	require.NotNil(t, cleared)
	assert.Negative(t, cleared.MaxAge)

	after := e.do(t, http.MethodGet, "/bff/user", []*http.Cookie{cookie}, csrf)
	assert.Equal(t, http.StatusUnauthorized, after.Code)
}

func TestLogout_WithoutSessionRedirectsHome(t *testing.T) {
	t.Parallel()

	e := newEnv(t, Options{})
	rec := e.do(t, http.MethodGet, "/bff/logout?returnUrl=//evil.example.com", nil, nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestCallback_Rejections(t *testing.T) {
	t.Parallel()

	e := newEnv(t, Options{})

	login := e.do(t, http.MethodGet, "/bff/login", nil, nil)
	stateCookie := findCookie(login, DefaultCookieName+".state")
	require.NotNil(t, stateCookie)
	loc, err := url.Parse(login.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")

	tests := []struct {
		name    string
		query   string
		cookies []*http.Cookie
	}{
		{"no state cookie", "?code=c&state=" + state, nil},
		{"tampered state cookie", "?code=c&state=" + state, []*http.Cookie{{Name: stateCookie.Name, Value: "garbage"}}},
		{"state mismatch", "?code=c&state=other", []*http.Cookie{stateCookie}},
		{"provider error", "?error=access_denied&state=" + state, []*http.Cookie{stateCookie}},
		{"missing code", "?state=" + state, []*http.Cookie{stateCookie}},
		{"exchange failure", "?code=c&state=" + state, []*http.Cookie{stateCookie}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodGet, "/bff/callback"+tt.query, tt.cookies, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, rec.Header().Get("Location"))
		})
	}
	assert.Zero(t, e.sessions.Count())
}

func TestCallback_NonceMismatch(t *testing.T) {
	t.Parallel()

	e := newEnv(t, Options{})
	login := e.do(t, http.MethodGet, "/bff/login", nil, nil)
	stateCookie := findCookie(login, DefaultCookieName+".state")
	loc, err := url.Parse(login.Header().Get("Location"))
	require.NoError(t, err)

	e.iss.SetTokenHandler(func(w http.ResponseWriter, _ *http.Request) {
		now := time.Now()
		authtest.WriteTokenResponse(w, map[string]any{
			"access_token": "at",
			"id_token": e.iss.Sign(t, jwt.MapClaims{
				"iss": e.iss.URL(), "aud": clientID, "sub": "alice", "nonce": "replayed",
				"iat": now.Unix(), "exp": now.Add(time.Hour).Unix(),
			}),
		})
	})

	rec := e.do(t, http.MethodGet, "/bff/callback?code=c&state="+loc.Query().Get("state"), []*http.Cookie{stateCookie}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, e.sessions.Count())
}

func storeTicket(t *testing.T, e *env, issued time.Time, lifetime time.Duration) string {
	t.Helper()
	tk := ticket.New(Scheme, []ticket.Claim{
		{Type: ticket.ClaimSubject, Value: "alice"},
		{Type: ticket.ClaimSessionID, Value: "s1"},
	})
	exp := issued.Add(lifetime)
	tk.SetIssuedUTC(&issued)
	tk.SetExpiresUTC(&exp)
	key, err := e.tickets.Store(context.Background(), tk)
	require.NoError(t, err)
	return key
}

func TestSessionMiddleware_SlidingExpiration(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := newEnv(t, Options{Lifetime: 8 * time.Hour, SlidingExpiration: true})
	e.handler.now = func() time.Time { return now }

	fresh := storeTicket(t, e, now.Add(-time.Hour), 8*time.Hour)
	stale := storeTicket(t, e, now.Add(-5*time.Hour), 8*time.Hour)
	csrf := http.Header{"X-Csrf": {"1"}}

	rec := e.do(t, http.MethodGet, "/bff/user", []*http.Cookie{{Name: DefaultCookieName, Value: fresh}}, csrf)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, findCookie(rec, DefaultCookieName), "a fresh session is not renewed")

	rec = e.do(t, http.MethodGet, "/bff/user", []*http.Cookie{{Name: DefaultCookieName, Value: stale}}, csrf)
	require.Equal(t, http.StatusOK, rec.Code)
	renewed := findCookie(rec, DefaultCookieName)
	require.NotNil(t, renewed)
	assert.Equal(t, stale, renewed.Value)

	record, err := e.sessions.Get(context.Background(), stale)
	require.NoError(t, err)
	require.NotNil(t, record.Expires)
	assert.True(t, now.Add(8*time.Hour).Equal(*record.Expires))
}

func TestSessionMiddleware_ExpiredSessionRemoved(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := newEnv(t, Options{})
	e.handler.now = func() time.Time { return now }

	key := storeTicket(t, e, now.Add(-9*time.Hour), 8*time.Hour)
	rec := e.do(t, http.MethodGet, "/bff/user", []*http.Cookie{{Name: DefaultCookieName, Value: key}}, http.Header{"X-Csrf": {"1"}})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, e.sessions.Count())
	cleared := findCookie(rec, DefaultCookieName)
	require.NotNil(t, cleared)
	assert.Negative(t, cleared.MaxAge)
}

func TestSessionMiddleware_CorruptSessionRemoved(t *testing.T) {
	t.Parallel()

	e := newEnv(t, Options{})
	now := time.Now().UTC()
	require.NoError(t, e.sessions.Create(context.Background(), &session.Record{
		Key: "corrupt", SubjectID: "alice", Created: now, Renewed: now, Ticket: "not-a-ticket",
	}))

	rec := e.do(t, http.MethodGet, "/bff/user", []*http.Cookie{{Name: DefaultCookieName, Value: "corrupt"}}, http.Header{"X-Csrf": {"1"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, e.sessions.Count())
}

func TestLocalReturnURL(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                         "/",
		"/app":                     "/app",
		"/app?x=1":                 "/app?x=1",
		"https://evil.example.com": "/",
		"//evil.example.com":       "/",
		"/\\evil.example.com":      "/",
		"app":                      "/",
		"/a\r\nSet-Cookie: x":      "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, localReturnURL(in), in)
	}
}

func TestLogoutPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sid  string
		want string
	}{
		{"", "/bff/logout"},
		{"s1", "/bff/logout?sid=s1"},
		{"a&b=c d", "/bff/logout?sid=a%26b%3Dc+d"},
	}
	for _, tt := range tests {
		got := logoutPath("/bff", tt.sid)
		assert.Equal(t, tt.want, got)
		u, err := url.Parse(got)
		require.NoError(t, err)
		assert.Equal(t, tt.sid, u.Query().Get("sid"))
	}
}

func TestClaimsFromIDToken(t *testing.T) {
	t.Parallel()

	claims := claimsFromIDToken(map[string]any{
		"sub":            "alice",
		"aud":            "x",
		"email_verified": true,
		"age":            float64(42),
		"score":          1.5,
		"roles":          []any{"a", "b"},
		"address":        map[string]any{"country": "NL"},
		"empty":          nil,
	})

	assert.Equal(t, []ticket.Claim{
		{Type: "address", Value: `{"country":"NL"}`, ValueType: valueTypeJSON},
		{Type: "age", Value: "42", ValueType: valueTypeInteger},
		{Type: "email_verified", Value: "true", ValueType: valueTypeBoolean},
		{Type: "roles", Value: "a", ValueType: ticket.DefaultValueType},
		{Type: "roles", Value: "b", ValueType: ticket.DefaultValueType},
		{Type: "score", Value: "1.5", ValueType: valueTypeDouble},
		{Type: "sub", Value: "alice", ValueType: ticket.DefaultValueType},
	}, claims)
	assert.False(t, strings.Contains(claims[0].Value, "\n"))
}
