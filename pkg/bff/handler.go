// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bff

import (
	"context"
	"errors"
	"net/http"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/stacklok/toolhive-bff/pkg/ticket"
)

// IdentityProvider is the OpenID provider the gateway signs users in with.
type IdentityProvider interface {
	OAuth2Config() *oauth2.Config
	Verifier() *gooidc.IDTokenVerifier
	SupportsPKCE() bool
	EndSessionURL(idTokenHint, state string) (string, bool)
}

// TicketStore keeps tickets server-side.
type TicketStore interface {
	Store(ctx context.Context, t *ticket.Ticket) (string, error)
	Retrieve(ctx context.Context, key string) (*ticket.Ticket, error)
	Renew(ctx context.Context, key string, t *ticket.Ticket) error
	Remove(ctx context.Context, key string) error
}

// RefreshTokenRevoker revokes a refresh token at the identity provider.
type RefreshTokenRevoker interface {
	RevokeRefreshToken(ctx context.Context, token string) error
}

// Recorder observes session lifecycle events.
type Recorder interface {
	SessionCreated()
	SessionRemoved()
}

// Handler serves the management endpoints and provides the session
// middleware.
type Handler struct {
	opts        Options
	provider    IdentityProvider
	tickets     TicketStore
	state       ticket.Protector
	revoker     RefreshTokenRevoker
	backchannel http.Handler
	recorder    Recorder
	dpopJKT     string
	now         func() time.Time
}

// Option configures optional Handler collaborators.
type Option func(*Handler)

// WithRevoker sets the refresh token revoker used on logout.
func WithRevoker(r RefreshTokenRevoker) Option {
	return func(h *Handler) { h.revoker = r }
}

// WithBackchannel mounts the back-channel logout handler.
func WithBackchannel(bc http.Handler) Option {
	return func(h *Handler) { h.backchannel = bc }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(h *Handler) { h.recorder = r }
}

// WithDPoPThumbprint requests DPoP-bound tokens for the given key
// thumbprint.
func WithDPoPThumbprint(jkt string) Option {
	return func(h *Handler) { h.dpopJKT = jkt }
}

// NewHandler creates the BFF handler. stateProtector encrypts the login
// state cookie.
func NewHandler(
	opts Options,
	provider IdentityProvider,
	tickets TicketStore,
	stateProtector ticket.Protector,
	options ...Option,
) (*Handler, error) {
	if provider == nil || tickets == nil || stateProtector == nil {
		return nil, errors.New("bff handler requires an identity provider, a ticket store and a state protector")
	}
	opts.setDefaults()

	h := &Handler{
		opts:     opts,
		provider: provider,
		tickets:  tickets,
		state:    stateProtector,
		now:      time.Now,
	}
	for _, o := range options {
		o(h)
	}
	return h, nil
}

// BasePath is where Routes must be mounted.
func (h *Handler) BasePath() string { return h.opts.BasePath }

// Routes returns the management endpoint router, to be mounted at BasePath.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	logger := h.opts.Logger

	r.Get("/login", errorHandler(logger, h.login))
	r.Get("/callback", errorHandler(logger, h.callback))
	r.Get("/logout", errorHandler(logger, h.logout))
	r.With(h.RequireSession, h.RequireAntiForgery).Get("/user", errorHandler(logger, h.user))
	if h.backchannel != nil {
		r.Post("/backchannel", h.backchannel.ServeHTTP)
	}
	return r
}

// expired reports whether a ticket is past its expiry.
func (h *Handler) expired(t *ticket.Ticket) bool {
	exp := t.ExpiresUTC()
	return exp != nil && !h.now().Before(*exp)
}

var _ TicketStore = (*ticket.Store)(nil)
