// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package revocation ends user sessions: it optionally revokes the refresh
// tokens held by the matching sessions at the identity provider and then
// deletes the sessions locally.
package revocation

//go:generate mockgen -destination=mocks/mock_revocation.go -package=mocks -source=revocation.go RefreshTokenRevoker,TicketSource,Recorder

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/toolhive-bff/pkg/session"
	"github.com/stacklok/toolhive-bff/pkg/ticket"
)

// DefaultConcurrency bounds parallel calls to the revocation endpoint.
const DefaultConcurrency = 8

// RefreshTokenRevoker revokes a refresh token at the identity provider.
type RefreshTokenRevoker interface {
	RevokeRefreshToken(ctx context.Context, token string) error
}

// TicketSource looks up the tickets of the sessions matching a filter.
type TicketSource interface {
	GetUserTickets(ctx context.Context, filter session.Filter) ([]ticket.StoredTicket, error)
}

// Recorder observes revocation outcomes.
type Recorder interface {
	RevocationCompleted()
	RefreshRevocationFailed()
}

// Service revokes sessions.
type Service struct {
	sessions    session.Store
	tickets     TicketSource
	revoker     RefreshTokenRevoker
	enabled     bool
	concurrency int
	recorder    Recorder
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRefreshTokenRevocation enables revoking refresh tokens before local
// deletion. A nil revoker leaves revocation disabled.
func WithRefreshTokenRevocation(tickets TicketSource, revoker RefreshTokenRevoker) Option {
	return func(s *Service) {
		if tickets == nil || revoker == nil {
			return
		}
		s.tickets = tickets
		s.revoker = revoker
		s.enabled = true
	}
}

// WithConcurrency overrides DefaultConcurrency.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates a revocation service over the session store.
func NewService(sessions session.Store, opts ...Option) *Service {
	s := &Service{
		sessions:    sessions,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RefreshTokenRevocationEnabled reports whether Revoke calls the identity
// provider.
func (s *Service) RefreshTokenRevocationEnabled() bool {
	return s.enabled
}

// Revoke ends every session matching the filter. Refresh token revocation
// failures are logged and never prevent the local deletion; only a failure
// of the local deletion itself is returned.
func (s *Service) Revoke(ctx context.Context, filter session.Filter) error {
	if err := filter.Validate(); err != nil {
		return err
	}

	revoked := 0
	if s.enabled {
		revoked = s.revokeRefreshTokens(ctx, filter)
	}

	if err := s.sessions.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}

	s.logger.Debug("sessions revoked",
		"subject", filter.SubjectID,
		"sid", filter.SessionID,
		"refresh_tokens_revoked", revoked,
	)
	if s.recorder != nil {
		s.recorder.RevocationCompleted()
	}
	return nil
}

// revokeRefreshTokens revokes the refresh token of every matching session
// and returns how many calls succeeded.
func (s *Service) revokeRefreshTokens(ctx context.Context, filter session.Filter) int {
	tickets, err := s.tickets.GetUserTickets(ctx, filter)
	if err != nil {
		s.logger.Warn("failed to look up sessions for refresh token revocation",
			"subject", filter.SubjectID, "sid", filter.SessionID, "error", err)
		return 0
	}

	// The group context is not used: one failed call must not cancel the rest.
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	results := make([]bool, len(tickets))
	for i, st := range tickets {
		token := st.Ticket.Get(ticket.PropRefreshToken)
		if token == "" {
			continue
		}
		g.Go(func() error {
			if err := s.revoker.RevokeRefreshToken(ctx, token); err != nil {
				s.logger.Warn("failed to revoke refresh token",
					"subject", st.Ticket.SubjectID(), "sid", st.Ticket.SessionID(), "error", err)
				if s.recorder != nil {
					s.recorder.RefreshRevocationFailed()
				}
				return nil
			}
			results[i] = true
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range results {
		if ok {
			n++
		}
	}
	return n
}
