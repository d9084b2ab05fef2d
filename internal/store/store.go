// Package store is the SQLite persistence layer: threads, job records with
// optimistic versioning, the durable artifact cache, the lock table and the
// durable recipe tier.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps SQLite writers from tripping over each other;
	// every statement is short.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		title TEXT,
		poem TEXT NOT NULL,
		source_lang TEXT NOT NULL,
		target_lang TEXT NOT NULL,
		preferences_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- translation_jobs holds one job record per thread; version guards
	-- every write (compare-and-swap)
	CREATE TABLE IF NOT EXISTS translation_jobs (
		thread_id TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		version INTEGER NOT NULL,
		terminal BOOLEAN DEFAULT FALSE,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (thread_id) REFERENCES threads(id)
	);

	-- artifacts is the durable tier of the line artifact cache;
	-- expires_at = 0 never expires
	CREATE TABLE IF NOT EXISTS artifacts (
		cache_key TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS locks (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS recipe_bundles (
		thread_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		bundle_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (thread_id, mode, fingerprint)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_open ON translation_jobs(terminal, updated_at);
	CREATE INDEX IF NOT EXISTS idx_artifacts_expiry ON artifacts(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
