// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens acquires the access tokens forwarded to APIs: the signed-in
// user's token, refreshed on demand and persisted back into the session, and
// the gateway's own client credentials token.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/toolhive-bff/pkg/auth"
	"github.com/stacklok/toolhive-bff/pkg/policy"
	"github.com/stacklok/toolhive-bff/pkg/ticket"
)

// DefaultRefreshSkew refreshes user tokens this long before they expire.
const DefaultRefreshSkew = 30 * time.Second

// TicketRenewer persists a ticket whose tokens changed.
type TicketRenewer interface {
	Renew(ctx context.Context, key string, t *ticket.Ticket) error
}

// Config configures a Manager.
type Config struct {
	// OAuth2 is used to refresh user tokens. Nil disables refresh.
	OAuth2 *oauth2.Config

	// ClientCredentials enables client tokens. Nil disables them.
	ClientCredentials *clientcredentials.Config

	// HTTPClient is used for token endpoint calls.
	HTTPClient *http.Client

	// RefreshSkew overrides DefaultRefreshSkew.
	RefreshSkew time.Duration
}

// Manager implements policy.TokenSource.
type Manager struct {
	config   Config
	tickets  TicketRenewer
	logger   *slog.Logger
	now      func() time.Time
	refresh  singleflight.Group
	clientMu sync.Mutex
	client   oauth2.TokenSource
}

var _ policy.TokenSource = (*Manager)(nil)

// NewManager creates a token manager.
func NewManager(config Config, tickets TicketRenewer, logger *slog.Logger) *Manager {
	if config.RefreshSkew == 0 {
		config.RefreshSkew = DefaultRefreshSkew
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:  config,
		tickets: tickets,
		logger:  logger,
		now:     time.Now,
	}
}

// UserToken returns the access token of the identity in ctx, refreshing it
// when it is about to expire. It returns nil when there is no signed-in user
// or the session holds no usable token.
func (m *Manager) UserToken(ctx context.Context) (*policy.Credential, error) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity.Ticket == nil {
		return nil, nil
	}

	tok := LoadFromTicket(identity.Ticket)
	if tok == nil {
		return nil, nil
	}
	if tok.AccessToken != "" && !m.expiring(tok) {
		return credential(policy.KindUser, tok), nil
	}
	if tok.RefreshToken == "" || m.config.OAuth2 == nil {
		return nil, nil
	}

	refreshed, err := m.refreshUserToken(ctx, identity, tok)
	if err != nil {
		return nil, err
	}
	return credential(policy.KindUser, refreshed), nil
}

func (m *Manager) expiring(tok *oauth2.Token) bool {
	return !tok.Expiry.IsZero() && !tok.Expiry.After(m.now().Add(m.config.RefreshSkew))
}

// refreshUserToken redeems the refresh token once per session even when
// several requests race, then saves the new tokens into the session.
func (m *Manager) refreshUserToken(ctx context.Context, identity *auth.Identity, current *oauth2.Token) (*oauth2.Token, error) {
	v, err, _ := m.refresh.Do(identity.SessionKey, func() (any, error) {
		expired := *current
		expired.Expiry = m.now().Add(-time.Second)

		src := m.config.OAuth2.TokenSource(m.clientContext(ctx), &expired)
		tok, err := src.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to refresh user token: %w", err)
		}

		updated := identity.Ticket.Clone()
		SaveToTicket(updated, tok)
		if err := m.tickets.Renew(ctx, identity.SessionKey, updated); err != nil {
			// The token is still usable for this request.
			m.logger.Warn("failed to persist refreshed tokens", "subject", identity.Subject, "error", err)
		}
		m.logger.Debug("refreshed user access token", "subject", identity.Subject)
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

// ClientToken returns the gateway's client credentials token, cached until
// it expires. It returns nil when client credentials are not configured.
func (m *Manager) ClientToken(ctx context.Context) (*policy.Credential, error) {
	if m.config.ClientCredentials == nil {
		return nil, nil
	}

	m.clientMu.Lock()
	if m.client == nil {
		// The source outlives the request, so it must not capture its context.
		base := m.config.ClientCredentials.TokenSource(m.clientContext(context.WithoutCancel(ctx)))
		m.client = oauth2.ReuseTokenSource(nil, base)
	}
	src := m.client
	m.clientMu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain client token: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("token endpoint returned an empty access token")
	}
	return credential(policy.KindClient, tok), nil
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	if m.config.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.config.HTTPClient)
}

func credential(kind policy.CredentialKind, tok *oauth2.Token) *policy.Credential {
	scheme := policy.SchemeBearer
	if strings.EqualFold(tok.TokenType, policy.SchemeDPoP) {
		scheme = policy.SchemeDPoP
	}
	return &policy.Credential{Kind: kind, AccessToken: tok.AccessToken, Scheme: scheme}
}
