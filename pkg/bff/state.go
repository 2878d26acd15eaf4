// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bff

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stacklok/toolhive-bff/pkg/ticket"
)

// loginState survives the round trip to the identity provider in a
// protected cookie.
type loginState struct {
	State        string    `json:"s"`
	Nonce        string    `json:"n"`
	CodeVerifier string    `json:"v,omitempty"`
	ReturnURL    string    `json:"r"`
	Expires      time.Time `json:"e"`
}

func protectState(p ticket.Protector, s loginState) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode login state: %w", err)
	}
	return p.Protect(raw)
}

func unprotectState(p ticket.Protector, value string, now time.Time) (loginState, error) {
	var s loginState
	raw, err := p.Unprotect(value)
	if err != nil {
		return s, fmt.Errorf("failed to decrypt login state: %w", err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("failed to decode login state: %w", err)
	}
	if now.After(s.Expires) {
		return s, errors.New("login state expired")
	}
	return s, nil
}

// randomToken returns a URL-safe random string with n bytes of entropy.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// localReturnURL accepts only same-origin relative paths so the gateway is
// never an open redirector.
func localReturnURL(raw string) string {
	if raw == "" {
		return "/"
	}
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	if strings.ContainsAny(raw, "\r\n\t") {
		return "/"
	}
	return raw
}
