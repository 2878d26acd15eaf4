// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sessiontest holds the behavioural test suite shared by every
// session.Store backend.
package sessiontest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	thverrors "github.com/stacklok/toolhive-bff/pkg/errors"
	"github.com/stacklok/toolhive-bff/pkg/session"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) session.Store

// baseTime is truncated to the millisecond so SQL backends round-trip it.
var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// NewRecord builds a record with deterministic timestamps.
func NewRecord(key, sub, sid string) *session.Record {
	exp := baseTime.Add(8 * time.Hour)
	return &session.Record{
		Key:       key,
		SubjectID: sub,
		SessionID: sid,
		Scheme:    "cookie",
		Created:   baseTime,
		Renewed:   baseTime,
		Expires:   &exp,
		Ticket:    "ticket-" + key,
	}
}

// Run executes the full store contract against stores produced by newStore.
//
//nolint:paralleltest // subtests call t.Parallel through run
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	run := func(name string, fn func(t *testing.T, s session.Store)) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, newStore(t))
		})
	}

	run("CreateThenGet", testCreateThenGet)
	run("GetUnknownKey", testGetUnknown)
	run("DuplicateKeyLeavesOriginal", testDuplicateKey)
	run("ConcurrentCreateSingleWinner", testConcurrentCreate)
	run("UpdateChangesOnlyMutableFields", testUpdate)
	run("UpdateUnknownKey", testUpdateUnknown)
	run("UpdateAfterDeleteDoesNotResurrect", testUpdateAfterDelete)
	run("ReturnedRecordsAreCopies", testDefensiveCopies)
	run("DeleteIsIdempotent", testDeleteIdempotent)
	run("QueryRejectsEmptyFilter", testEmptyFilter)
	run("QueryMatchesFilters", testQuery)
	run("DeleteManyRemovesOnlyMatches", testDeleteMany)
	run("DeleteManyNoMatches", testDeleteManyNoMatches)
	run("ConcurrentOverlappingDeleteMany", testConcurrentOverlappingDeletes)
	run("DeleteExpired", testDeleteExpired)
}

func testCreateThenGet(t *testing.T, s session.Store) {
	ctx := context.Background()
	rec := NewRecord("k1", "sub1", "sid1")
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assertRecordEqual(t, rec, got)
}

func testGetUnknown(t *testing.T, s session.Store) {
	got, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testDuplicateKey(t *testing.T, s session.Store) {
	ctx := context.Background()
	first := NewRecord("k1", "sub1", "sid1")
	require.NoError(t, s.Create(ctx, first))

	second := NewRecord("k1", "sub2", "sid2")
	second.Ticket = "other"
	err := s.Create(ctx, second)
	require.Error(t, err)
	assert.True(t, thverrors.IsDuplicateKey(err), "expected duplicate key error, got %v", err)

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assertRecordEqual(t, first, got)
}

func testConcurrentCreate(t *testing.T, s session.Store) {
	ctx := context.Background()
	const workers = 8

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		dupes     atomic.Int32
	)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Create(ctx, NewRecord("shared", fmt.Sprintf("sub%d", i), "sid"))
			switch {
			case err == nil:
				successes.Add(1)
			case thverrors.IsDuplicateKey(err):
				dupes.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(workers-1), dupes.Load())
}

func testUpdate(t *testing.T, s session.Store) {
	ctx := context.Background()
	rec := NewRecord("k1", "sub1", "sid1")
	require.NoError(t, s.Create(ctx, rec))

	renewed := baseTime.Add(time.Hour)
	exp := baseTime.Add(9 * time.Hour)
	require.NoError(t, s.Update(ctx, "k1", session.Update{Renewed: renewed, Expires: &exp, Ticket: "new"}))

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "new", got.Ticket)
	assert.True(t, renewed.Equal(got.Renewed))
	require.NotNil(t, got.Expires)
	assert.True(t, exp.Equal(*got.Expires))

	assert.Equal(t, rec.Key, got.Key)
	assert.Equal(t, rec.SubjectID, got.SubjectID)
	assert.Equal(t, rec.SessionID, got.SessionID)
	assert.Equal(t, rec.Scheme, got.Scheme)
	assert.True(t, rec.Created.Equal(got.Created))

	require.NoError(t, s.Update(ctx, "k1", session.Update{Renewed: renewed, Ticket: "new"}))
	got, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got.Expires)
}

func testUpdateUnknown(t *testing.T, s session.Store) {
	err := s.Update(context.Background(), "missing", session.Update{Renewed: baseTime, Ticket: "x"})
	require.Error(t, err)
	assert.True(t, thverrors.IsNotFound(err))
}

func testUpdateAfterDelete(t *testing.T, s session.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewRecord("k1", "sub1", "sid1")))
	require.NoError(t, s.Delete(ctx, "k1"))

	err := s.Update(ctx, "k1", session.Update{Renewed: baseTime, Ticket: "x"})
	assert.True(t, thverrors.IsNotFound(err))

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testDefensiveCopies(t *testing.T, s session.Store) {
	ctx := context.Background()
	rec := NewRecord("k1", "sub1", "sid1")
	require.NoError(t, s.Create(ctx, rec))

	// Mutating the input after Create must not leak into the store.
	rec.Ticket = "mutated-input"
	*rec.Expires = baseTime

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "ticket-k1", got.Ticket)

	// Mutating a returned record must not leak either.
	got.Ticket = "mutated-output"
	*got.Expires = baseTime

	again, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "ticket-k1", again.Ticket)
	assert.True(t, baseTime.Add(8*time.Hour).Equal(*again.Expires))

	results, err := s.Query(ctx, session.Filter{SubjectID: "sub1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	results[0].Ticket = "mutated-query"

	again, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "ticket-k1", again.Ticket)
}

func testDeleteIdempotent(t *testing.T, s session.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewRecord("k1", "sub1", "sid1")))
	require.NoError(t, s.Delete(ctx, "k1"))
	require.NoError(t, s.Delete(ctx, "k1"))
	require.NoError(t, s.Delete(ctx, "never-existed"))

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testEmptyFilter(t *testing.T, s session.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewRecord("k1", "sub1", "sid1")))

	_, err := s.Query(ctx, session.Filter{})
	assert.True(t, thverrors.IsValidation(err))

	err = s.DeleteMany(ctx, session.Filter{})
	assert.True(t, thverrors.IsValidation(err))

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.NotNil(t, got, "an empty filter must never delete anything")
}

// seedSix creates sub1×2, sub2×3, sub3×1 with sids sid1..sid6.
func seedSix(t *testing.T, s session.Store) {
	t.Helper()
	subs := []string{"sub1", "sub1", "sub2", "sub2", "sub2", "sub3"}
	for i, sub := range subs {
		rec := NewRecord(fmt.Sprintf("k%d", i+1), sub, fmt.Sprintf("sid%d", i+1))
		rec.Created = baseTime.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Create(context.Background(), rec))
	}
}

func keysOf(records []*session.Record) []string {
	keys := make([]string, 0, len(records))
	for _, r := range records {
		keys = append(keys, r.Key)
	}
	return keys
}

func testQuery(t *testing.T, s session.Store) {
	ctx := context.Background()
	seedSix(t, s)

	tests := []struct {
		name   string
		filter session.Filter
		want   []string
	}{
		{"subject with two", session.Filter{SubjectID: "sub1"}, []string{"k1", "k2"}},
		{"subject with three", session.Filter{SubjectID: "sub2"}, []string{"k3", "k4", "k5"}},
		{"subject with one", session.Filter{SubjectID: "sub3"}, []string{"k6"}},
		{"unknown subject", session.Filter{SubjectID: "sub4"}, []string{}},
		{"session id", session.Filter{SessionID: "sid3"}, []string{"k3"}},
		{"unknown session id", session.Filter{SessionID: "sid9"}, []string{}},
		{"both match", session.Filter{SubjectID: "sub2", SessionID: "sid4"}, []string{"k4"}},
		{"both mismatch", session.Filter{SubjectID: "sub1", SessionID: "sid4"}, []string{}},
	}

	for _, tt := range tests {
		results, err := s.Query(ctx, tt.filter)
		require.NoError(t, err, tt.name)
		assert.ElementsMatch(t, tt.want, keysOf(results), tt.name)
	}
}

func testDeleteMany(t *testing.T, s session.Store) {
	ctx := context.Background()
	seedSix(t, s)

	require.NoError(t, s.DeleteMany(ctx, session.Filter{SubjectID: "sub2"}))

	for _, key := range []string{"k3", "k4", "k5"} {
		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, got, key)
	}
	for _, key := range []string{"k1", "k2", "k6"} {
		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.NotNil(t, got, key)
	}

	require.NoError(t, s.DeleteMany(ctx, session.Filter{SubjectID: "sub1", SessionID: "sid2"}))
	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.NotNil(t, got)
	got, err = s.Get(ctx, "k2")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testConcurrentOverlappingDeletes(t *testing.T, s session.Store) {
	ctx := context.Background()
	const sessions = 6
	for i := range sessions {
		require.NoError(t, s.Create(ctx, NewRecord(fmt.Sprintf("k%d", i), "alice", fmt.Sprintf("sid%d", i))))
	}

	ops := []func() error{
		func() error { return s.DeleteMany(ctx, session.Filter{SubjectID: "alice"}) },
		func() error { return s.DeleteMany(ctx, session.Filter{SubjectID: "alice"}) },
	}
	for i := range sessions {
		key, sid := fmt.Sprintf("k%d", i), fmt.Sprintf("sid%d", i)
		ops = append(ops,
			func() error { return s.DeleteMany(ctx, session.Filter{SessionID: sid}) },
			func() error { return s.DeleteMany(ctx, session.Filter{SubjectID: "alice", SessionID: sid}) },
			func() error { return s.Delete(ctx, key) },
		)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ops))
	for _, op := range ops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- op()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	remaining, err := s.Query(ctx, session.Filter{SubjectID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, remaining)
	for i := range sessions {
		got, err := s.Get(ctx, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

func testDeleteManyNoMatches(t *testing.T, s session.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewRecord("k1", "sub1", "sid1")))
	require.NoError(t, s.DeleteMany(ctx, session.Filter{SubjectID: "nobody"}))

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func testDeleteExpired(t *testing.T, s session.Store) {
	deleter, ok := s.(session.ExpiredDeleter)
	if !ok {
		t.Skip("store does not support expiry sweeps")
	}
	ctx := context.Background()

	expired := NewRecord("old", "sub1", "sid1")
	past := baseTime.Add(-time.Hour)
	expired.Expires = &past
	require.NoError(t, s.Create(ctx, expired))

	require.NoError(t, s.Create(ctx, NewRecord("fresh", "sub1", "sid2")))

	noExpiry := NewRecord("forever", "sub1", "sid3")
	noExpiry.Expires = nil
	require.NoError(t, s.Create(ctx, noExpiry))

	n, err := deleter.DeleteExpired(ctx, baseTime)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	results, err := s.Query(ctx, session.Filter{SubjectID: "sub1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fresh", "forever"}, keysOf(results))
}

func assertRecordEqual(t *testing.T, want, got *session.Record) {
	t.Helper()
	assert.Equal(t, want.Key, got.Key)
	assert.Equal(t, want.SubjectID, got.SubjectID)
	assert.Equal(t, want.SessionID, got.SessionID)
	assert.Equal(t, want.Scheme, got.Scheme)
	assert.Equal(t, want.Ticket, got.Ticket)
	assert.True(t, want.Created.Equal(got.Created), "created: want %v got %v", want.Created, got.Created)
	assert.True(t, want.Renewed.Equal(got.Renewed), "renewed: want %v got %v", want.Renewed, got.Renewed)
	if want.Expires == nil {
		assert.Nil(t, got.Expires)
	} else {
		require.NotNil(t, got.Expires)
		assert.True(t, want.Expires.Equal(*got.Expires), "expires: want %v got %v", want.Expires, got.Expires)
	}
}
