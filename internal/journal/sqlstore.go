// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS journal_entries (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	envelope_id  TEXT NOT NULL,
	provider     TEXT NOT NULL DEFAULT '',
	task_profile TEXT NOT NULL DEFAULT '',
	priority     TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL,
	degraded     BOOLEAN NOT NULL DEFAULT FALSE,
	latency_ms   BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL
)`

// Postgres has no AUTOINCREMENT keyword; the serial form is otherwise the
// same shape.
const schemaPostgres = `
CREATE TABLE IF NOT EXISTS journal_entries (
	id           BIGSERIAL PRIMARY KEY,
	envelope_id  TEXT NOT NULL,
	provider     TEXT NOT NULL DEFAULT '',
	task_profile TEXT NOT NULL DEFAULT '',
	priority     TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL,
	degraded     BOOLEAN NOT NULL DEFAULT FALSE,
	latency_ms   BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL
)`

// SQLStore persists entries via database/sql. Driver "sqlite" maps to the
// go-sqlite3 driver, "postgres" to the pgx stdlib driver.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

// Open connects to the configured backend and ensures the schema exists.
func Open(driver, dsn string) (*SQLStore, error) {
	var (
		driverName string
		postgres   bool
	)
	switch driver {
	case "", "sqlite", "sqlite3":
		driverName = "sqlite3"
	case "postgres", "pgx":
		driverName = "pgx"
		postgres = true
	default:
		return nil, fmt.Errorf("unsupported journal driver %q", driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal store: %w", err)
	}

	s := &SQLStore{db: db, postgres: postgres}
	ddl := schema
	if postgres {
		ddl = schemaPostgres
	}
	if _, err = db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return s, nil
}

// NewSQLStore wraps an existing handle; tests use it with sqlmock.
func NewSQLStore(db *sql.DB, postgres bool) *SQLStore {
	return &SQLStore{db: db, postgres: postgres}
}

// Append records one entry.
func (s *SQLStore) Append(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO journal_entries
		(envelope_id, provider, task_profile, priority, content, degraded, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if s.postgres {
		query = `INSERT INTO journal_entries
		(envelope_id, provider, task_profile, priority, content, degraded, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	}
	_, err := s.db.ExecContext(ctx, query,
		e.EnvelopeID, e.Provider, e.TaskProfile, e.Priority,
		e.Content, e.Degraded, e.Latency.Milliseconds(), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *SQLStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT envelope_id, provider, task_profile, priority, content, degraded, latency_ms, created_at
		FROM journal_entries ORDER BY id DESC LIMIT ?`
	if s.postgres {
		query = `SELECT envelope_id, provider, task_profile, priority, content, degraded, latency_ms, created_at
		FROM journal_entries ORDER BY id DESC LIMIT $1`
	}
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("journal recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			latencyMS int64
		)
		if err = rows.Scan(&e.EnvelopeID, &e.Provider, &e.TaskProfile, &e.Priority,
			&e.Content, &e.Degraded, &latencyMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		e.Latency = time.Duration(latencyMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
