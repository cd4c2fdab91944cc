// Package store provides the local relational store for synchronized racing
// data and the derived feature cache.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3) opened in
// WAL mode so feature readers keep working while a sync run writes.
//
// Schema:
//   - races / entries / results: denormalized snapshots addressed by race
//     key (+ horse number), written only by the sync engine
//   - sync_cursor: one row per sync mode holding the resume high-water mark
//   - sync_locks: one lease row per sync mode for run mutual exclusion
//   - feature_cache: derived feature bundles unique on
//     (race_key, entity_id, feature_type) with optional expiry
//
// Write discipline: every logical unit of work (one page apply, one cache
// put) runs in its own short transaction. Nothing in this package holds a
// transaction across calls.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with sync-specific functionality.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it will be created; call InitSchema before
// first use. The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// DB returns the underlying sql.DB connection.
// The feature cache shares this pool rather than opening its own.
func (s *Store) DB() *sql.DB {
	return s.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	-- Synchronized vendor snapshots
	CREATE TABLE IF NOT EXISTS races (
		race_key TEXT PRIMARY KEY,
		race_date TEXT NOT NULL,        -- YYYY-MM-DD
		venue TEXT NOT NULL,
		meeting INTEGER NOT NULL,
		race_no INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		grade TEXT NOT NULL DEFAULT '',
		track TEXT NOT NULL DEFAULT '',
		distance_m INTEGER NOT NULL DEFAULT 0,
		going TEXT NOT NULL DEFAULT '',
		weather TEXT NOT NULL DEFAULT '',
		entry_count INTEGER NOT NULL DEFAULT 0,
		source_modified_at TEXT,
		synced_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entries (
		race_key TEXT NOT NULL,
		horse_no INTEGER NOT NULL,
		horse_id TEXT NOT NULL,
		horse_name TEXT NOT NULL DEFAULT '',
		jockey_id TEXT NOT NULL DEFAULT '',
		jockey_name TEXT NOT NULL DEFAULT '',
		trainer_id TEXT NOT NULL DEFAULT '',
		trainer_name TEXT NOT NULL DEFAULT '',
		draw INTEGER NOT NULL DEFAULT 0,
		weight_carried REAL NOT NULL DEFAULT 0,
		horse_weight INTEGER NOT NULL DEFAULT 0,
		win_odds REAL NOT NULL DEFAULT 0,
		popularity INTEGER NOT NULL DEFAULT 0,
		synced_at TEXT NOT NULL,
		PRIMARY KEY (race_key, horse_no),
		FOREIGN KEY (race_key) REFERENCES races(race_key) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS results (
		race_key TEXT NOT NULL,
		horse_no INTEGER NOT NULL,
		finish_pos INTEGER NOT NULL,
		finish_time_tenths INTEGER NOT NULL DEFAULT 0,
		last_3f_tenths INTEGER NOT NULL DEFAULT 0,
		margin TEXT NOT NULL DEFAULT '',
		prize_money INTEGER NOT NULL DEFAULT 0,
		synced_at TEXT NOT NULL,
		PRIMARY KEY (race_key, horse_no),
		FOREIGN KEY (race_key, horse_no) REFERENCES entries(race_key, horse_no) ON DELETE CASCADE
	);

	-- Sync bookkeeping
	CREATE TABLE IF NOT EXISTS sync_cursor (
		mode TEXT PRIMARY KEY,          -- 'full' | 'recent'
		position TEXT NOT NULL,         -- race key (full) or RFC3339 time (recent)
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_locks (
		mode TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	-- Derived feature bundles
	CREATE TABLE IF NOT EXISTS feature_cache (
		race_key TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		feature_type TEXT NOT NULL,
		payload TEXT NOT NULL,          -- JSON
		calculated_at TEXT NOT NULL,
		expires_at TEXT,                -- NULL = never expires by time
		PRIMARY KEY (race_key, entity_id, feature_type)
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_races_date ON races(race_date);
	CREATE INDEX IF NOT EXISTS idx_races_venue ON races(venue);
	CREATE INDEX IF NOT EXISTS idx_entries_horse ON entries(horse_id);
	CREATE INDEX IF NOT EXISTS idx_entries_jockey ON entries(jockey_id);
	CREATE INDEX IF NOT EXISTS idx_results_pos ON results(finish_pos);
	CREATE INDEX IF NOT EXISTS idx_feature_entity ON feature_cache(entity_id);
	CREATE INDEX IF NOT EXISTS idx_feature_expiry ON feature_cache(expires_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
