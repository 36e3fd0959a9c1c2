// Package store provides a SQLite-backed query history store for the
// retrieval engine. Each completed query is recorded with its mode, the
// knowledge bases searched, and timing, so operators can audit what was
// retrieved across server restarts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Record is one completed retrieval query.
type Record struct {
	// Query is the question text as submitted.
	Query string
	// Mode is the retrieval mode the query ran under: "single" or "multi".
	Mode string
	// KBNames lists the knowledge bases that were searched.
	KBNames []string
	// MatchCount is the number of documents returned.
	MatchCount int
	// TopScore is the highest relevance score in the result, 0 when empty.
	TopScore float64
	// Duration is the wall-clock time the query took.
	Duration time.Duration
	// CreatedAt is when the record was persisted.
	CreatedAt time.Time
}

// HistoryStore persists and retrieves query history. Implementations must be
// safe for concurrent use.
type HistoryStore interface {
	// Append persists a single query record.
	Append(ctx context.Context, r Record) error
	// Recent returns the most recent n records, newest first. If fewer than
	// n records exist, all are returned.
	Recent(ctx context.Context, n int) ([]Record, error)
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a HistoryStore backed by a local SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default path for the query history database.
// It resolves to ~/.ragkb/history.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".ragkb")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "history.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS queries (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    query        TEXT    NOT NULL,
    mode         TEXT    NOT NULL CHECK(mode IN ('single','multi')),
    kb_names     TEXT    NOT NULL,  -- comma-separated knowledge base names
    match_count  INTEGER NOT NULL,
    top_score    REAL    NOT NULL,
    duration_ms  INTEGER NOT NULL,
    created_at   INTEGER NOT NULL   -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_queries_created
    ON queries (created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Append persists a single query record.
func (s *SQLiteStore) Append(ctx context.Context, r Record) error {
	const q = `INSERT INTO queries (query, mode, kb_names, match_count, top_score, duration_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, q,
		r.Query, r.Mode, strings.Join(r.KBNames, ","),
		r.MatchCount, r.TopScore, r.Duration.Milliseconds(), created.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	return nil
}

// Recent returns the most recent n records, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]Record, error) {
	const q = `
SELECT query, mode, kb_names, match_count, top_score, duration_ms, created_at
FROM   queries
ORDER  BY created_at DESC, id DESC
LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var r Record
		var kbs string
		var durMS, ts int64
		if err := rows.Scan(&r.Query, &r.Mode, &kbs, &r.MatchCount, &r.TopScore, &durMS, &ts); err != nil {
			return nil, fmt.Errorf("store: recent scan: %w", err)
		}
		if kbs != "" {
			r.KBNames = strings.Split(kbs, ",")
		}
		r.Duration = time.Duration(durMS) * time.Millisecond
		r.CreatedAt = time.Unix(ts, 0)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent rows: %w", err)
	}
	return recs, nil
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
