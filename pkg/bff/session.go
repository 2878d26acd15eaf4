// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bff

import (
	"net/http"
	"time"

	"github.com/stacklok/toolhive-bff/pkg/auth"
	thverrors "github.com/stacklok/toolhive-bff/pkg/errors"
	"github.com/stacklok/toolhive-bff/pkg/ticket"
)

// SessionMiddleware loads the session named by the cookie and stores the
// signed-in identity in the request context. Requests without a usable
// session pass through anonymously.
func (h *Handler) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(h.opts.CookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		key := cookie.Value
		t, err := h.tickets.Retrieve(ctx, key)
		if err != nil {
			h.opts.Logger.Error("failed to load session", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if t == nil {
			h.clearSessionCookie(w)
			next.ServeHTTP(w, r)
			return
		}
		if h.expired(t) {
			if err := h.tickets.Remove(ctx, key); err != nil {
				h.opts.Logger.Warn("failed to remove expired session", "error", err)
			}
			h.clearSessionCookie(w)
			next.ServeHTTP(w, r)
			return
		}

		if h.opts.SlidingExpiration && h.shouldRenew(t) {
			t = h.renew(w, r, key, t)
		}

		identity, err := auth.IdentityFromTicket(key, t)
		if err != nil {
			h.opts.Logger.Warn("session has no usable identity", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(ctx, identity)))
	})
}

// shouldRenew reports whether more than half the lifetime has passed since
// the ticket was issued.
func (h *Handler) shouldRenew(t *ticket.Ticket) bool {
	issued := t.IssuedUTC()
	if issued == nil {
		return false
	}
	return h.now().Sub(*issued) > h.opts.Lifetime/2
}

// renew slides the session window. A failed renewal keeps the current
// ticket; the session stays valid until its original expiry.
func (h *Handler) renew(w http.ResponseWriter, r *http.Request, key string, t *ticket.Ticket) *ticket.Ticket {
	now := h.now().UTC()
	expires := now.Add(h.opts.Lifetime)

	renewed := t.Clone()
	renewed.SetIssuedUTC(&now)
	renewed.SetExpiresUTC(&expires)

	if err := h.tickets.Renew(r.Context(), key, renewed); err != nil {
		if thverrors.IsNotFound(err) {
			h.opts.Logger.Debug("session removed during renewal")
		} else {
			h.opts.Logger.Warn("failed to renew session", "error", err)
		}
		return t
	}
	h.setSessionCookie(w, key, expires)
	return renewed
}

// RequireSession answers 401 when there is no signed-in user. It never
// redirects.
func (h *Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.IdentityFromContext(r.Context()); !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAntiForgery answers 401 unless the request carries the configured
// anti-forgery header. Browsers cannot add custom headers to cross-site
// requests without a CORS preflight.
func (h *Handler) RequireAntiForgery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(h.opts.AntiForgeryHeader) != h.opts.AntiForgeryValue {
			h.opts.Logger.Debug("anti-forgery header missing", "path", r.URL.Path)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sessionExpiry returns the remaining session lifetime.
func (h *Handler) sessionExpiry(t *ticket.Ticket) (time.Duration, bool) {
	exp := t.ExpiresUTC()
	if exp == nil {
		return 0, false
	}
	return exp.Sub(h.now()), true
}
