// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bff

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/stacklok/toolhive-bff/pkg/auth"
	thverrors "github.com/stacklok/toolhive-bff/pkg/errors"
	"github.com/stacklok/toolhive-bff/pkg/ticket"
	"github.com/stacklok/toolhive-bff/pkg/tokens"
)

// Scheme is recorded on every session the gateway creates.
const Scheme = "oidc"

// login starts the authorization code flow.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) error {
	state, err := randomToken(32)
	if err != nil {
		return err
	}
	nonce, err := randomToken(32)
	if err != nil {
		return err
	}

	ls := loginState{
		State:     state,
		Nonce:     nonce,
		ReturnURL: localReturnURL(r.URL.Query().Get("returnUrl")),
		Expires:   h.now().Add(stateLifetime),
	}
	authOpts := []oauth2.AuthCodeOption{gooidc.Nonce(nonce)}
	if h.provider.SupportsPKCE() {
		ls.CodeVerifier = oauth2.GenerateVerifier()
		authOpts = append(authOpts, oauth2.S256ChallengeOption(ls.CodeVerifier))
	}
	if h.dpopJKT != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("dpop_jkt", h.dpopJKT))
	}

	protected, err := protectState(h.state, ls)
	if err != nil {
		return err
	}
	h.setStateCookie(w, protected)

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, h.provider.OAuth2Config().AuthCodeURL(state, authOpts...), http.StatusFound)
	return nil
}

// callback completes the authorization code flow and creates the session.
func (h *Handler) callback(w http.ResponseWriter, r *http.Request) error {
	cookie, err := r.Cookie(h.opts.stateCookieName())
	if err != nil {
		return thverrors.NewValidationError("missing login state", err)
	}
	h.clearStateCookie(w)

	ls, err := unprotectState(h.state, cookie.Value, h.now())
	if err != nil {
		return thverrors.NewValidationError("invalid login state", err)
	}

	q := r.URL.Query()
	if q.Get("state") != ls.State {
		return thverrors.NewValidationError("login state mismatch", nil)
	}
	if e := q.Get("error"); e != "" {
		return thverrors.NewValidationError(fmt.Sprintf("identity provider returned %s", e), nil)
	}
	code := q.Get("code")
	if code == "" {
		return thverrors.NewValidationError("missing authorization code", nil)
	}

	ctx := h.clientContext(r.Context())
	var exchangeOpts []oauth2.AuthCodeOption
	if ls.CodeVerifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(ls.CodeVerifier))
	}
	tok, err := h.provider.OAuth2Config().Exchange(ctx, code, exchangeOpts...)
	if err != nil {
		return thverrors.NewValidationError("authorization code exchange failed", err)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return thverrors.NewValidationError("token response has no id_token", nil)
	}
	idToken, err := h.provider.Verifier().Verify(ctx, rawIDToken)
	if err != nil {
		return thverrors.NewValidationError("id token verification failed", err)
	}
	if idToken.Nonce != ls.Nonce {
		return thverrors.NewValidationError("id token nonce mismatch", nil)
	}

	var raw map[string]any
	if err := idToken.Claims(&raw); err != nil {
		return fmt.Errorf("failed to read id token claims: %w", err)
	}

	t := ticket.New(Scheme, claimsFromIDToken(raw))
	now := h.now().UTC()
	expires := now.Add(h.opts.Lifetime)
	t.SetIssuedUTC(&now)
	t.SetExpiresUTC(&expires)
	tokens.SaveToTicket(t, tok)

	key, err := h.tickets.Store(r.Context(), t)
	if err != nil {
		return err
	}
	h.setSessionCookie(w, key, expires)
	if h.recorder != nil {
		h.recorder.SessionCreated()
	}
	h.opts.Logger.Info("user signed in", "subject", t.SubjectID(), "sid", t.SessionID())

	http.Redirect(w, r, ls.ReturnURL, http.StatusFound)
	return nil
}

// logout ends the local session and continues to the provider's
// end-session endpoint. When the session carries an IdP session id the
// request must echo it, which stops cross-site logout.
func (h *Handler) logout(w http.ResponseWriter, r *http.Request) error {
	returnURL := localReturnURL(r.URL.Query().Get("returnUrl"))

	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Redirect(w, r, returnURL, http.StatusFound)
		return nil
	}
	if identity.SessionID != "" && r.URL.Query().Get("sid") != identity.SessionID {
		return thverrors.NewValidationError("logout sid mismatch", nil)
	}

	idTokenHint := identity.Ticket.Get(ticket.PropIDToken)
	refreshToken := identity.Ticket.Get(ticket.PropRefreshToken)

	if err := h.tickets.Remove(r.Context(), identity.SessionKey); err != nil {
		return err
	}
	h.clearSessionCookie(w)
	if h.recorder != nil {
		h.recorder.SessionRemoved()
	}

	if h.opts.RevokeRefreshTokenOnLogout && h.revoker != nil && refreshToken != "" {
		if err := h.revoker.RevokeRefreshToken(r.Context(), refreshToken); err != nil {
			h.opts.Logger.Warn("failed to revoke refresh token on logout", "subject", identity.Subject, "error", err)
		}
	}
	h.opts.Logger.Info("user signed out", "subject", identity.Subject, "sid", identity.SessionID)

	if endSession, ok := h.provider.EndSessionURL(idTokenHint, ""); ok {
		http.Redirect(w, r, endSession, http.StatusFound)
		return nil
	}
	http.Redirect(w, r, returnURL, http.StatusFound)
	return nil
}

// userClaim is one entry of the user endpoint response.
type userClaim struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Management claim types added to the user endpoint response.
const (
	ClaimLogoutURL        = "bff:logout_url"
	ClaimSessionExpiresIn = "bff:session_expires_in"
)

// user returns the session's claims as JSON.
func (h *Handler) user(w http.ResponseWriter, r *http.Request) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return thverrors.NewCredentialUnavailableError("no session", nil)
	}

	claims := make([]userClaim, 0, len(identity.Ticket.Principal.Claims)+2)
	for _, c := range identity.Ticket.Principal.Claims {
		claims = append(claims, userClaim{Type: c.Type, Value: c.Value})
	}

	claims = append(claims, userClaim{Type: ClaimLogoutURL, Value: logoutPath(h.opts.BasePath, identity.SessionID)})
	if remaining, ok := h.sessionExpiry(identity.Ticket); ok {
		claims = append(claims, userClaim{Type: ClaimSessionExpiresIn, Value: int64(remaining / time.Second)})
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	return json.NewEncoder(w).Encode(claims)
}

// logoutPath is the local logout endpoint carrying the session's sid.
func logoutPath(basePath, sid string) string {
	p := basePath + "/logout"
	if sid == "" {
		return p
	}
	return p + "?" + url.Values{"sid": {sid}}.Encode()
}

func (h *Handler) clientContext(ctx context.Context) context.Context {
	if h.opts.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, h.opts.HTTPClient)
}
