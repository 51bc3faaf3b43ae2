// Package storage is the durable record of known files, their sync status,
// and in-flight transfer checkpoints.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite filename under the app data dir.
const DefaultDBFileName = "pebble.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS files (
  file_id       TEXT PRIMARY KEY,
  absolute_path TEXT NOT NULL UNIQUE,
  content_hash  TEXT NOT NULL,
  size_bytes    INTEGER NOT NULL,
  modified_at   INTEGER NOT NULL,
  sync_status   TEXT NOT NULL CHECK(sync_status IN ('pending','syncing','synced','failed','conflict')) DEFAULT 'pending'
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_files_status
ON files (sync_status, absolute_path);
`,
	`
CREATE TABLE IF NOT EXISTS transfer_sessions (
  session_id        TEXT PRIMARY KEY,
  file_id           TEXT NOT NULL,
  direction         TEXT NOT NULL CHECK(direction IN ('send','receive')),
  peer_device_id    TEXT NOT NULL,
  total_chunks      INTEGER NOT NULL,
  last_acked_chunk  INTEGER NOT NULL DEFAULT -1,
  state             TEXT NOT NULL CHECK(state IN ('handshaking','transferring','paused','completed','failed')),
  updated_at        INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_sessions_file_peer
ON transfer_sessions (file_id, peer_device_id, state, updated_at DESC);
`,
	`
CREATE TABLE IF NOT EXISTS transfer_checkpoints (
  file_id          TEXT NOT NULL,
  peer_device_id   TEXT NOT NULL,
  direction        TEXT NOT NULL CHECK(direction IN ('send','receive')),
  last_acked_chunk INTEGER NOT NULL DEFAULT -1,
  total_chunks     INTEGER NOT NULL DEFAULT 0,
  temp_path        TEXT NOT NULL DEFAULT '',
  updated_at       INTEGER NOT NULL,
  PRIMARY KEY (file_id, peer_device_id, direction)
);
`,
	`
CREATE TABLE IF NOT EXISTS paired_peers (
  device_id          TEXT PRIMARY KEY,
  display_name       TEXT NOT NULL DEFAULT '',
  cert_fingerprint   TEXT NOT NULL,
  paired_at          INTEGER NOT NULL
);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

// Open opens (or creates) pebble.db under the given data directory and runs
// migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, DefaultDBFileName))
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
// WAL mode makes every checkpoint write atomic with respect to process crash.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	if _, err := s.db.Exec("PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("set synchronous mode: %w", err)
	}
	return nil
}
