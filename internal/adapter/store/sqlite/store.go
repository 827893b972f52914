// Package sqlite implements the store.Store port using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/in-the-loop-labs/pair-review/internal/store"
)

// Store implements the store.Store interface using SQLite.
//
// Writes are serialized through a mutex; reads go straight to the
// connection pool and never hold locks across statements.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	mu sync.Mutex // guards all write transactions
}

var foldCaser = cases.Fold()

// fold lowercases a repo key using full Unicode case folding.
func fold(s string) string {
	return foldCaser.String(s)
}

// NewStore opens (or creates) the database at dbPath.
// Use ":memory:" for an in-memory database (useful for testing).
//
// An unreadable database file is treated as corruption: the file is
// rebuilt from scratch and a data-loss warning is logged.
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := open(dbPath)
	if err != nil {
		if dbPath == ":memory:" || !isCorruptionErr(err) {
			return nil, err
		}
		logger.Warn("store unreadable, rebuilding schema; previous data is lost",
			zap.String("path", dbPath), zap.Error(err))
		if rmErr := os.Remove(dbPath); rmErr != nil {
			return nil, fmt.Errorf("remove corrupt store: %w", rmErr)
		}
		db, err = open(dbPath)
		if err != nil {
			return nil, store.Corruption(err)
		}
	}

	return &Store{db: db, logger: logger}, nil
}

func open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys so session deletion cascades.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

// isCorruptionErr recognizes SQLite's unreadable-file failures.
func isCorruptionErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "database disk image is malformed")
}

// createSchema creates all tables and indexes if they don't exist.
func createSchema(db *sql.DB) error {
	schema := `
	-- One row per review session (PR-backed or local working tree)
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK(kind IN ('pr', 'local')),
		pr_owner TEXT,
		pr_repo TEXT,
		pr_number INTEGER,
		repo_key TEXT,
		local_root TEXT,
		local_head TEXT,
		status TEXT NOT NULL DEFAULT 'draft' CHECK(status IN ('draft', 'submitting', 'submitted')),
		summary TEXT NOT NULL DEFAULT '',
		custom_instructions TEXT NOT NULL DEFAULT '',
		remote_review_id INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_pr
		ON sessions(repo_key, pr_number) WHERE kind = 'pr';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_local
		ON sessions(local_root, local_head) WHERE kind = 'local';

	-- Remote pull request state at fetch time
	CREATE TABLE IF NOT EXISTS snapshots (
		session_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		base_branch TEXT NOT NULL,
		head_branch TEXT NOT NULL,
		base_revision TEXT NOT NULL,
		head_revision TEXT NOT NULL,
		unified_diff TEXT NOT NULL DEFAULT '',
		changed_files TEXT NOT NULL DEFAULT '[]',
		clone_url TEXT NOT NULL DEFAULT '',
		ssh_url TEXT NOT NULL DEFAULT '',
		fetched_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	-- Isolated checkouts; at most one active worktree per session
	CREATE TABLE IF NOT EXISTS worktrees (
		session_id TEXT NOT NULL UNIQUE,
		path TEXT NOT NULL,
		source_branch TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, path),
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	-- Discovery cache mapping owner/repo to a local clone root
	CREATE TABLE IF NOT EXISTS repo_locations (
		repo_key TEXT PRIMARY KEY,
		path TEXT NOT NULL
	);

	-- Analysis runs
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		council TEXT NOT NULL,
		state TEXT NOT NULL CHECK(state IN ('running', 'done', 'failed', 'cancelled')),
		failure_reason TEXT NOT NULL DEFAULT '',
		warnings TEXT NOT NULL DEFAULT '[]',
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	-- Final curated suggestions per run
	CREATE TABLE IF NOT EXISTS suggestions (
		suggestion_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		file TEXT NOT NULL,
		line_start INTEGER,
		line_end INTEGER,
		side TEXT NOT NULL DEFAULT 'NEW',
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		suggestion_text TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		reasoning TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'adopted', 'dismissed')),
		is_file_level INTEGER NOT NULL DEFAULT 0,
		parent_suggestion_id TEXT NOT NULL DEFAULT '',
		voice TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	-- Human comments and adopted suggestions (soft-deletable)
	CREATE TABLE IF NOT EXISTS comments (
		comment_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		file TEXT NOT NULL DEFAULT '',
		line_start INTEGER,
		line_end INTEGER,
		side TEXT NOT NULL DEFAULT 'NEW',
		body TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		parent_suggestion_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	-- Indexes for performance
	CREATE INDEX IF NOT EXISTS idx_suggestions_session ON suggestions(session_id, status);
	CREATE INDEX IF NOT EXISTS idx_suggestions_run ON suggestions(run_id);
	CREATE INDEX IF NOT EXISTS idx_comments_session ON comments(session_id);
	CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, started_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

// withTx runs fn inside a serialized write transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// mapConstraintErr converts SQLite constraint violations into typed
// storage conflicts.
func mapConstraintErr(err error, entity, key string) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "FOREIGN KEY constraint failed") ||
		strings.Contains(err.Error(), "CHECK constraint failed") {
		return store.Conflict(entity, key, err)
	}
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
