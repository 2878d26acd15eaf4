// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ticket

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stacklok/toolhive-bff/pkg/session"
)

// StoredTicket is a decoded ticket together with its session record key.
type StoredTicket struct {
	Key    string
	Ticket *Ticket
}

// Store keeps tickets server-side in a session.Store so the browser only
// holds the record key.
type Store struct {
	sessions session.Store
	codec    *Codec
	logger   *slog.Logger
	now      func() time.Time
}

// NewStore creates a ticket store.
func NewStore(sessions session.Store, codec *Codec, logger *slog.Logger) *Store {
	if codec == nil {
		codec = NewCodec(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{sessions: sessions, codec: codec, logger: logger, now: time.Now}
}

// Store persists a new ticket and returns its freshly generated key.
func (s *Store) Store(ctx context.Context, t *Ticket) (string, error) {
	key, err := session.NewKey()
	if err != nil {
		return "", err
	}
	payload, err := s.codec.Encode(t)
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	record := &session.Record{
		Key:       key,
		SubjectID: t.SubjectID(),
		SessionID: t.SessionID(),
		Scheme:    t.Scheme,
		Created:   now,
		Renewed:   now,
		Expires:   t.ExpiresUTC(),
		Ticket:    payload,
	}
	if err := s.sessions.Create(ctx, record); err != nil {
		return "", fmt.Errorf("failed to store ticket: %w", err)
	}
	return key, nil
}

// Retrieve loads and decodes the ticket for key. It returns nil when the
// record is absent. A record whose payload cannot be decoded is deleted and
// reported as absent.
func (s *Store) Retrieve(ctx context.Context, key string) (*Ticket, error) {
	record, err := s.sessions.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve ticket: %w", err)
	}
	if record == nil {
		return nil, nil
	}
	return s.decodeRecord(ctx, record), nil
}

// decodeRecord applies the record's expiry over the payload's and deletes
// records that fail to decode.
func (s *Store) decodeRecord(ctx context.Context, record *session.Record) *Ticket {
	t := s.codec.Decode(record.Ticket)
	if t == nil {
		s.logger.Warn("failed to decode session ticket; removing session",
			"subject", record.SubjectID, "sid", record.SessionID)
		if err := s.sessions.Delete(ctx, record.Key); err != nil {
			s.logger.Warn("failed to remove corrupt session", "error", err)
		}
		return nil
	}
	if record.Expires != nil {
		t.SetExpiresUTC(record.Expires)
	}
	return t
}

// Renew replaces the stored ticket and bumps the record's renewal time.
func (s *Store) Renew(ctx context.Context, key string, t *Ticket) error {
	payload, err := s.codec.Encode(t)
	if err != nil {
		return err
	}
	err = s.sessions.Update(ctx, key, session.Update{
		Renewed: s.now().UTC(),
		Expires: t.ExpiresUTC(),
		Ticket:  payload,
	})
	if err != nil {
		return fmt.Errorf("failed to renew ticket: %w", err)
	}
	return nil
}

// Remove deletes the ticket for key.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.sessions.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to remove ticket: %w", err)
	}
	return nil
}

// GetUserTickets returns every decodable ticket matching the filter.
// Corrupt records are deleted and skipped.
func (s *Store) GetUserTickets(ctx context.Context, filter session.Filter) ([]StoredTicket, error) {
	records, err := s.sessions.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}

	tickets := make([]StoredTicket, 0, len(records))
	for _, record := range records {
		if t := s.decodeRecord(ctx, record); t != nil {
			tickets = append(tickets, StoredTicket{Key: record.Key, Ticket: t})
		}
	}
	return tickets, nil
}
