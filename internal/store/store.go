// Package store is the artifact cache: a persistent, SQLite-backed map from
// content identity to remote file handles and from fileset identity to remote
// collection handles, with atomic claim-or-reuse semantics safe across threads
// and OS processes sharing one database file.
//
// The database is the single source of truth. No in-process mirror of its
// contents is kept, so multiple processes sharing the file never
// desynchronize. The file runs in WAL mode: concurrent readers alongside a
// single writer, with bounded busy-retry instead of unbounded blocking.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// DefaultPendingClaimTimeout is how long a pending artifact claim may sit
// before another caller is allowed to steal it. Covers the process-crashed-
// mid-upload case without a cross-process lease protocol.
const DefaultPendingClaimTimeout = 10 * time.Minute

// Store wraps the embedded database holding the four cache tables.
type Store struct {
	db             *sql.DB
	dbPath         string
	log            *zap.Logger
	retry          RetryPolicy
	pendingTimeout time.Duration
}

// Option configures a Store at open time.
type Option func(*Store)

// WithLogger attaches a logger. Defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithRetryPolicy overrides the busy-retry bounds.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// WithPendingClaimTimeout overrides how long a pending claim blocks rivals.
func WithPendingClaimTimeout(d time.Duration) Option {
	return func(s *Store) { s.pendingTimeout = d }
}

// Open initializes the SQLite database at path, creating the directory and
// schema as needed. Pass ":memory:" for an ephemeral store in tests.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		dbPath:         path,
		log:            zap.NewNop(),
		retry:          DefaultRetryPolicy(),
		pendingTimeout: DefaultPendingClaimTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	// One connection per process: SQLite serializes writers anyway, and the
	// pool would otherwise hand each ":memory:" connection its own database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		s.log.Debug("failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		s.log.Debug("failed to set sqlite journal_mode=WAL", zap.Error(err))
	}
	// NORMAL is safe under WAL: the log already provides crash recovery.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		s.log.Debug("failed to set sqlite synchronous=NORMAL", zap.Error(err))
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}

	s.log.Debug("artifact cache ready", zap.String("path", path))
	return s, nil
}

// initialize creates the cache tables. Timestamps are stored as unix epoch
// integers written from Go so that cross-process comparisons never depend on
// the driver's DATETIME text format.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		content_hash TEXT PRIMARY KEY,
		remote_id    TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'pending',
		claimed_at   INTEGER NOT NULL,
		committed_at INTEGER
	);
	CREATE TABLE IF NOT EXISTS collections (
		fileset_hash TEXT PRIMARY KEY,
		remote_id    TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		last_used_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_collections_last_used ON collections(last_used_at);
	CREATE TABLE IF NOT EXISTS session_partitions (
		session_id   TEXT PRIMARY KEY,
		inline_paths TEXT NOT NULL,
		created_at   INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sent_files (
		session_id TEXT NOT NULL,
		rel_path   TEXT NOT NULL,
		byte_len   INTEGER NOT NULL,
		mod_time   INTEGER NOT NULL,
		sent_at    INTEGER NOT NULL,
		PRIMARY KEY (session_id, rel_path)
	);
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for migrations and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Stats returns row counts per cache table.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	tables := []string{"artifacts", "collections", "session_partitions", "sent_files"}
	stats := make(map[string]int, len(tables))
	for _, table := range tables {
		var count int
		row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table))
		if err := row.Scan(&count); err != nil {
			return nil, readErr("Stats", err)
		}
		stats[table] = count
	}
	return stats, nil
}
