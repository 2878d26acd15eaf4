// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-memory map.
// This is the default backend for single-instance deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Record
}

var (
	_ Store          = (*MemoryStore)(nil)
	_ ExpiredDeleter = (*MemoryStore)(nil)
)

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Record),
	}
}

// Create inserts a copy of the record.
func (s *MemoryStore) Create(_ context.Context, record *Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[record.Key]; exists {
		return duplicateKeyError()
	}
	s.sessions[record.Key] = record.Clone()
	return nil
}

// Get returns a copy of the record for key.
func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sessions[key].Clone(), nil
}

// Update merges u into the stored record.
func (s *MemoryStore) Update(_ context.Context, key string, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[key]
	if !ok {
		return notFoundError()
	}
	updated := existing.Clone()
	u.apply(updated)
	s.sessions[key] = updated
	return nil
}

// Delete removes the record for key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, key)
	return nil
}

// Query returns copies of every record matching the filter, oldest first.
func (s *MemoryStore) Query(_ context.Context, filter Filter) ([]*Record, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Record
	for _, r := range s.sessions {
		if filter.Matches(r) {
			result = append(result, r.Clone())
		}
	}
	sortRecords(result)
	return result, nil
}

// DeleteMany removes every record matching the filter.
func (s *MemoryStore) DeleteMany(_ context.Context, filter Filter) error {
	if err := filter.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, r := range s.sessions {
		if filter.Matches(r) {
			delete(s.sessions, key)
		}
	}
	return nil
}

// DeleteExpired removes records that expired before the given time.
func (s *MemoryStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, r := range s.sessions {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if r.Expires != nil && r.Expires.Before(before) {
			delete(s.sessions, key)
			removed++
		}
	}
	return removed, nil
}

// Count returns the number of records in the store.
// This is a helper method not part of the Store interface.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// sortRecords orders records by creation time, then key, so query results
// are stable across backends.
func sortRecords(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].Created.Equal(records[j].Created) {
			return records[i].Created.Before(records[j].Created)
		}
		return records[i].Key < records[j].Key
	})
}
