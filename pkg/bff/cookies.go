// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bff

import (
	"net/http"
	"strings"
	"time"
)

// cookiePath returns the path for a cookie. __Host- cookies must use "/".
func cookiePath(name, path string) string {
	if strings.HasPrefix(name, "__Host-") {
		return "/"
	}
	return path
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, key string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.opts.CookieName,
		Value:    key,
		Path:     cookiePath(h.opts.CookieName, "/"),
		Expires:  expires,
		Secure:   !h.opts.InsecureCookies,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.opts.CookieName,
		Value:    "",
		Path:     cookiePath(h.opts.CookieName, "/"),
		MaxAge:   -1,
		Secure:   !h.opts.InsecureCookies,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) setStateCookie(w http.ResponseWriter, value string) {
	name := h.opts.stateCookieName()
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     cookiePath(name, h.opts.BasePath),
		MaxAge:   int(stateLifetime / time.Second),
		Secure:   !h.opts.InsecureCookies,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearStateCookie(w http.ResponseWriter) {
	name := h.opts.stateCookieName()
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     cookiePath(name, h.opts.BasePath),
		MaxAge:   -1,
		Secure:   !h.opts.InsecureCookies,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
