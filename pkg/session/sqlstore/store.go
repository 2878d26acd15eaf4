// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlstore implements session.Store on a relational database.
// SQLite (modernc.org/sqlite) and PostgreSQL (pgx) are supported; the schema
// is managed with goose migrations embedded in the binary.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	thverrors "github.com/stacklok/toolhive-bff/pkg/errors"
	"github.com/stacklok/toolhive-bff/pkg/session"
)

// Dialect selects the SQL flavour.
type Dialect string

const (
	// DialectSQLite uses modernc.org/sqlite.
	DialectSQLite Dialect = "sqlite"
	// DialectPostgres uses the pgx stdlib driver.
	DialectPostgres Dialect = "postgres"
)

const selectColumns = "session_key, scheme, subject_id, session_id, created, renewed, expires, ticket"

// Store implements session.Store on database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var (
	_ session.Store          = (*Store)(nil)
	_ session.ExpiredDeleter = (*Store)(nil)
)

// Open connects to the database, applies migrations and returns a store.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectPostgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if dsn == "" {
		return nil, errors.New("database dsn is required")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		// SQLite allows a single writer; serialise access in-process.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s, err := New(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection pool and applies migrations.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	if err := runMigrations(ctx, db, dialect); err != nil {
		return nil, err
	}
	return &Store{db: db, dialect: dialect}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites "?" placeholders into the dialect's positional form.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var (
		b strings.Builder
		n int
	)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

// Create inserts the record. The primary key constraint makes concurrent
// creates of the same key fail for all but one caller.
func (s *Store) Create(ctx context.Context, record *session.Record) error {
	if record == nil || record.Key == "" {
		return thverrors.NewValidationError("cannot store session record with empty key", nil)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO user_sessions (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		record.Key, record.Scheme, record.SubjectID, record.SessionID,
		toMillis(record.Created), toMillis(record.Renewed), nullableMillis(record.Expires), record.Ticket,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return thverrors.NewDuplicateKeyError("session record already exists", err)
		}
		return fmt.Errorf("failed to insert session record: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*session.Record, error) {
	var (
		r                session.Record
		created, renewed int64
		expires          sql.NullInt64
	)
	if err := sc.Scan(&r.Key, &r.Scheme, &r.SubjectID, &r.SessionID, &created, &renewed, &expires, &r.Ticket); err != nil {
		return nil, err
	}
	r.Created = fromMillis(created)
	r.Renewed = fromMillis(renewed)
	if expires.Valid {
		exp := fromMillis(expires.Int64)
		r.Expires = &exp
	}
	return &r, nil
}

// Get returns the record for key, or nil when unknown.
func (s *Store) Get(ctx context.Context, key string) (*session.Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+selectColumns+` FROM user_sessions WHERE session_key = ?`), key)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session record: %w", err)
	}
	return r, nil
}

// Update rewrites the mutable columns. An UPDATE never inserts, so a record
// deleted concurrently stays deleted.
func (s *Store) Update(ctx context.Context, key string, u session.Update) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE user_sessions SET renewed = ?, expires = ?, ticket = ?
		WHERE session_key = ?`),
		toMillis(u.Renewed), nullableMillis(u.Expires), u.Ticket, key,
	)
	if err != nil {
		return fmt.Errorf("failed to update session record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return thverrors.NewNotFoundError("session record not found", nil)
	}
	return nil
}

// Delete removes the record for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM user_sessions WHERE session_key = ?`), key); err != nil {
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	return nil
}

// whereClause builds the predicate for a validated filter.
func whereClause(filter session.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter.SubjectID != "" {
		conds = append(conds, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns every record matching the filter, oldest first.
func (s *Store) Query(ctx context.Context, filter session.Filter) ([]*session.Record, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	where, args := whereClause(filter)
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+selectColumns+` FROM user_sessions`+where+` ORDER BY created, session_key`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query session records: %w", err)
	}
	defer rows.Close()

	var result []*session.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session record: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session records: %w", err)
	}
	return result, nil
}

// DeleteMany removes every record matching the filter in one statement.
func (s *Store) DeleteMany(ctx context.Context, filter session.Filter) error {
	if err := filter.Validate(); err != nil {
		return err
	}

	where, args := whereClause(filter)
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM user_sessions`+where), args...); err != nil {
		return fmt.Errorf("failed to delete session records: %w", err)
	}
	return nil
}

// DeleteExpired removes records whose expiry is before the given time.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM user_sessions WHERE expires IS NOT NULL AND expires < ?`), toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired session records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(n), nil
}

// isUniqueViolation checks for a primary key or UNIQUE constraint violation
// in either dialect.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return false
}
