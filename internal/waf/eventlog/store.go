// Package eventlog implements the Event Log Store: a durable,
// append-only table of audit records with the three indexes the Learner
// and operators query against.
package eventlog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sentryguard/waf/internal/waf/model"
)

//go:embed schema.sql
var schemaSQL string

// Store is the durable, single-writer backing of the event log.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at path, applying the required
// pragmas and the idempotent schema. Safe to call on a fresh file: it
// initializes schema and indexes on first open.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: connect: %w", err)
	}

	// SQLite only supports one writer at a time; the Judge writes from
	// many concurrent request tasks, so the single connection serializes
	// those appends rather than racing on SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("exec %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append inserts a LogEntry and returns the assigned id. Callers invoke
// this from a detached task; it must never block the Judge's reply.
func (s *Store) Append(ctx context.Context, entry model.LogEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (timestamp, method, path, payload_hash, decision, confidence, reason, ip_addr, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.Method, entry.Path, entry.PayloadHash, entry.Decision, entry.Confidence,
		nullableString(entry.Reason), nullableString(entry.IPAddr), nullableString(entry.UserAgent),
	)
	if err != nil {
		return 0, fmt.Errorf("eventlog: append: %w", err)
	}
	return res.LastInsertId()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// FlaggedSince returns all 'flag' entries with timestamp >= t, ascending.
func (s *Store) FlaggedSince(ctx context.Context, t int64) ([]model.LogEntry, error) {
	return s.decisionSince(ctx, "flag", t)
}

// BlockedSince returns all 'block' entries with timestamp >= t, ascending.
func (s *Store) BlockedSince(ctx context.Context, t int64) ([]model.LogEntry, error) {
	return s.decisionSince(ctx, "block", t)
}

func (s *Store) decisionSince(ctx context.Context, decision string, t int64) ([]model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, method, path, payload_hash, decision, confidence,
		       COALESCE(reason, ''), COALESCE(ip_addr, ''), COALESCE(user_agent, '')
		FROM events
		WHERE decision = ? AND timestamp >= ?
		ORDER BY timestamp ASC`, decision, t)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query %s: %w", decision, err)
	}
	defer rows.Close()

	entries := make([]model.LogEntry, 0)
	for rows.Next() {
		var e model.LogEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Method, &e.Path, &e.PayloadHash, &e.Decision, &e.Confidence, &e.Reason, &e.IPAddr, &e.UserAgent); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: rows: %w", err)
	}
	return entries, nil
}

// CountSince returns the number of entries with the given decision whose
// timestamp is >= t.
func (s *Store) CountSince(ctx context.Context, decision string, t int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events WHERE decision = ? AND timestamp >= ?`, decision, t).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("eventlog: count: %w", err)
	}
	return count, nil
}
