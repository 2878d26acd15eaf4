// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session provides the server-side session record store with
// pluggable storage backends.
//
// A Record holds everything the gateway knows about one browser session. The
// store never interprets the Ticket payload and never enforces Expires; expiry
// is the caller's concern (cookie lifetime) or the optional [Sweeper]'s.
package session

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=types.go Store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	thverrors "github.com/stacklok/toolhive-bff/pkg/errors"
)

// keyBytes is the amount of entropy in a generated session key.
const keyBytes = 32

// Record is one persisted browser session.
type Record struct {
	// Key is the opaque primary key. It is immutable once created.
	Key string

	// SubjectID is the stable user identifier of the principal.
	SubjectID string

	// SessionID is the identity provider's session identifier ("sid").
	SessionID string

	// Scheme names the authentication mechanism that created the session.
	Scheme string

	// Created is when the record was created (UTC).
	Created time.Time

	// Renewed is updated on every sliding renewal (UTC).
	Renewed time.Time

	// Expires is the absolute expiry, or nil when unset.
	Expires *time.Time

	// Ticket is the serialized principal and properties.
	Ticket string
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Expires != nil {
		exp := *r.Expires
		c.Expires = &exp
	}
	return &c
}

// Update is the subset of a Record that renewal may change.
type Update struct {
	Renewed time.Time
	Expires *time.Time
	Ticket  string
}

// apply merges the update into r. Key, SubjectID, SessionID, Scheme and
// Created are never touched.
func (u Update) apply(r *Record) {
	r.Renewed = u.Renewed
	r.Ticket = u.Ticket
	if u.Expires != nil {
		exp := *u.Expires
		r.Expires = &exp
	} else {
		r.Expires = nil
	}
}

// Filter selects records by subject and/or IdP session id.
type Filter struct {
	SubjectID string
	SessionID string
}

// Validate rejects a filter with neither field set, which would otherwise
// match every record.
func (f Filter) Validate() error {
	if f.SubjectID == "" && f.SessionID == "" {
		return thverrors.NewValidationError("sessions filter requires a subject id or a session id", nil)
	}
	return nil
}

// Matches reports whether r satisfies every non-empty field of the filter.
func (f Filter) Matches(r *Record) bool {
	if r == nil {
		return false
	}
	if f.SubjectID != "" && r.SubjectID != f.SubjectID {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	return true
}

// Store is the persistence contract for session records. Every backend
// returns copies: mutating a returned record never affects stored state.
type Store interface {
	// Create inserts a record. It fails with a duplicate key error if
	// record.Key already exists; the existing record is left untouched.
	Create(ctx context.Context, record *Record) error

	// Get returns the record for key, or nil (and no error) when unknown.
	Get(ctx context.Context, key string) (*Record, error)

	// Update merges u into the record for key. It fails with a not found
	// error when the key is absent and never recreates a deleted record.
	Update(ctx context.Context, key string, u Update) error

	// Delete removes the record for key. Unknown keys are not an error.
	Delete(ctx context.Context, key string) error

	// Query returns every record matching the filter.
	Query(ctx context.Context, filter Filter) ([]*Record, error)

	// DeleteMany removes every record matching the filter. Zero matches is
	// not an error.
	DeleteMany(ctx context.Context, filter Filter) error
}

// ExpiredDeleter is implemented by backends that support the expiry sweep.
type ExpiredDeleter interface {
	// DeleteExpired removes records whose Expires is before the given time
	// and returns how many were removed.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// NewKey returns a new cryptographically random, hex-encoded session key.
func NewKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func validateRecord(record *Record) error {
	if record == nil {
		return thverrors.NewValidationError("cannot store nil session record", nil)
	}
	if record.Key == "" {
		return thverrors.NewValidationError("cannot store session record with empty key", nil)
	}
	return nil
}

func duplicateKeyError() error {
	return thverrors.NewDuplicateKeyError("session record already exists", nil)
}

func notFoundError() error {
	return thverrors.NewNotFoundError("session record not found", nil)
}
