// SPDX-License-Identifier: MIT

// Package history records completed symbolication requests in a local SQLite
// database so operators can audit what was resolved and when.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go driver

	"github.com/dsymtools/dsymd/internal/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS symbolications (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	requested_at INTEGER NOT NULL,
	path         TEXT NOT NULL DEFAULT '',
	uuid         TEXT NOT NULL DEFAULT '',
	load_addr    INTEGER NOT NULL DEFAULT 0,
	addr_count   INTEGER NOT NULL,
	resolved     INTEGER NOT NULL,
	duration_ms  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_symbolications_requested_at
	ON symbolications (requested_at);
`

// Entry is one recorded symbolication request.
type Entry struct {
	ID          int64     `json:"id"`
	RequestedAt time.Time `json:"requested_at"`
	Path        string    `json:"path,omitempty"`
	UUID        string    `json:"uuid,omitempty"`
	LoadAddr    uint64    `json:"load_addr,omitempty"`
	AddrCount   int       `json:"addr_count"`
	Resolved    int       `json:"resolved"`
	Duration    int64     `json:"duration_ms"`
}

// Store persists symbolication history.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates or opens the history database at path. PRAGMAs go in the DSN
// so they apply to every connection of the pool.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, (5 * time.Second).Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open failed: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: ping failed: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: migrate failed: %w", err)
	}

	return &Store{db: db, logger: log.WithComponent("history")}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Record inserts one entry. A zero RequestedAt is filled with the current
// time.
func (s *Store) Record(ctx context.Context, e Entry) error {
	at := e.RequestedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO symbolications (requested_at, path, uuid, load_addr, addr_count, resolved, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		at.Unix(), e.Path, e.UUID, int64(e.LoadAddr), e.AddrCount, e.Resolved, e.Duration)
	if err != nil {
		return fmt.Errorf("history: insert failed: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, requested_at, path, uuid, load_addr, addr_count, resolved, duration_ms
		 FROM symbolications ORDER BY requested_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query failed: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at, loadAddr int64
		if err := rows.Scan(&e.ID, &at, &e.Path, &e.UUID, &loadAddr, &e.AddrCount, &e.Resolved, &e.Duration); err != nil {
			return nil, fmt.Errorf("history: scan failed: %w", err)
		}
		e.RequestedAt = time.Unix(at, 0).UTC()
		e.LoadAddr = uint64(loadAddr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than the retention window and returns how many
// rows went away.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM symbolications WHERE requested_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("history: prune failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int64("pruned", n).Msg("history pruned")
	}
	return n, nil
}
