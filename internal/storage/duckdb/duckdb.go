// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

// Package duckdb implements the storage backend on an embedded DuckDB
// database via database/sql.
//
// Every entity kind maps to a table of the same name. Each table carries
// the shared metadata columns (id, created_at, updated_at, deleted,
// deleted_at, expires_at), one indexed column per filterable field, and
// the full entity document as JSON in the data column. Reads decode the
// document; the extracted columns exist only to push equality filters
// and the relational policy-resolution query into SQL.
//
// Rows written with a TTL carry expires_at; every read excludes rows
// past it, so expired state is invisible without a sweeper.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/cimidp/cim/internal/logging"
	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/storage"
)

// Store is a DuckDB-backed storage.Backend.
type Store struct {
	conn *sql.DB

	// keysMu serializes signing-key updates in this process. Cross
	// process safety comes from the guarded UPDATE in UpdateKeys.
	keysMu chan struct{}
}

// Open opens (creating if needed) the database file at path and
// initializes the schema. Use path ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); path != ":memory:" && dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}

	// Extension autoload is disabled to avoid network stalls in
	// restricted environments; nothing here needs extensions.
	connStr := path + "?access_mode=read_write&autoinstall_known_extensions=false&autoload_known_extensions=false"
	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(runtime.NumCPU())
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	s := newStore(conn)
	if err := s.createSchema(); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// FromConn wraps an existing connection and initializes the schema.
func FromConn(conn *sql.DB) (*Store, error) {
	s := newStore(conn)
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func newStore(conn *sql.DB) *Store {
	return &Store{conn: conn, keysMu: make(chan struct{}, 1)}
}

// Conn returns the underlying SQL connection for callers that need raw
// query access, such as backup.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// Ping checks that the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if s.conn == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.conn.PingContext(ctx)
}

// Close checkpoints the WAL and closes the connection. The checkpoint
// is best effort; a failure is logged, not returned.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.conn.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint database before close")
	}
	return s.conn.Close()
}

// Put upserts the row for obj in its kind's table. A positive ttl sets
// expires_at; reads treat rows past it as absent.
func (s *Store) Put(ctx context.Context, obj models.Object, ttl time.Duration) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode %s %q: %w", obj.Kind(), obj.GetID(), err)
	}

	var expires any
	if ttl > 0 {
		expires = time.Now().Add(ttl).UTC()
	}

	cols := tableColumns[obj.Kind()]
	names := make([]string, 0, len(cols)+7)
	marks := make([]string, 0, len(cols)+7)
	names = append(names, "id", "created_at", "updated_at", "deleted", "deleted_at", "expires_at")
	for _, c := range cols {
		names = append(names, c.name)
	}
	names = append(names, "data")
	for range names {
		marks = append(marks, "?")
	}

	args := make([]any, 0, len(names))
	args = append(args,
		obj.GetID(),
		obj.GetCreatedAt().UTC(),
		nullableTime(obj.GetUpdatedAt()),
		obj.GetDeleted(),
		nullableTimePtr(obj.GetDeletedAt()),
		expires,
	)
	args = append(args, indexValues(obj)...)
	args = append(args, string(data))

	query := fmt.Sprintf(`INSERT OR REPLACE INTO %q (%s) VALUES (%s)`,
		obj.Kind(), strings.Join(names, ", "), strings.Join(marks, ", "))

	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s %q: %w", obj.Kind(), obj.GetID(), err)
	}
	return nil
}

// Get loads the row with the given id into out, selecting the table by
// out's kind. Deleted rows are returned as stored; expired rows are
// absent.
func (s *Store) Get(ctx context.Context, out models.Object, id string) error {
	query := fmt.Sprintf(`SELECT data FROM %q WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`, out.Kind())

	var data string
	err := s.conn.QueryRowContext(ctx, query, id, time.Now().UTC()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query %s %q: %w", out.Kind(), id, err)
	}

	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("decode %s %q: %w", out.Kind(), id, err)
	}
	return nil
}

// List returns the page of live rows matching opts, newest first.
func (s *Store) List(ctx context.Context, kind string, opts models.ListOpts) ([]models.Object, error) {
	query, args, residual := buildListQuery(kind, opts, false)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer closeQuietly(rows)

	var items []models.Object
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", kind, err)
		}
		obj, err := storage.NewObject(kind)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), obj); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", kind, err)
		}
		if len(residual) > 0 && !obj.MatchesFilter(residual) {
			continue
		}
		items = append(items, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", kind, err)
	}

	// Filters without a dedicated column are applied after decoding,
	// which postpones paging to here.
	if len(residual) > 0 {
		items = pageSlice(items, opts)
	}
	return items, nil
}

// Count returns the number of rows matching the filter. unscoped
// includes soft-deleted rows; expired rows never count.
func (s *Store) Count(ctx context.Context, kind string, opts models.ListOpts, unscoped bool) (int64, error) {
	query, args, residual := buildCountQuery(kind, opts, unscoped)

	if len(residual) == 0 {
		var n int64
		if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("count %s: %w", kind, err)
		}
		return n, nil
	}

	// Residual filters require decoding each candidate row.
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	defer closeQuietly(rows)

	var n int64
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return 0, fmt.Errorf("scan %s row: %w", kind, err)
		}
		obj, err := storage.NewObject(kind)
		if err != nil {
			return 0, err
		}
		if err := json.Unmarshal([]byte(data), obj); err != nil {
			return 0, fmt.Errorf("decode %s row: %w", kind, err)
		}
		if obj.MatchesFilter(residual) {
			n++
		}
	}
	return n, rows.Err()
}

// nullableTime converts a time to a bind value, mapping the zero time
// to NULL.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// nullableTimePtr converts an optional time to a bind value.
func nullableTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// isConflictError checks for DuckDB write-write conflicts: concurrent
// transaction conflicts and duplicate primary keys from a racing
// insert.
func isConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Transaction conflict") ||
		strings.Contains(msg, "Conflict on update") ||
		strings.Contains(msg, "Duplicate key")
}

// closeQuietly closes a resource and explicitly ignores any error
// Use this for cleanup operations in error paths where Close() errors are not actionable
func closeQuietly(closer io.Closer) {
	if closer != nil {
		_ = closer.Close()
	}
}
