// Package store persists sandbox, session, and cargo state in a local
// SQLite database. It holds rows only; status derivation and locking
// live with the managers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS sandboxes (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	profile_id TEXT NOT NULL,
	cargo_id TEXT NOT NULL,
	current_session_id TEXT NOT NULL DEFAULT '',
	expires_at INTEGER,
	idle_expires_at INTEGER,
	last_active_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	deleted_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sandboxes_owner ON sandboxes(owner, id);
CREATE INDEX IF NOT EXISTS idx_sandboxes_expires ON sandboxes(expires_at) WHERE expires_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_sandboxes_idle ON sandboxes(idle_expires_at) WHERE idle_expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	sandbox_id TEXT NOT NULL,
	profile_id TEXT NOT NULL,
	desired_state TEXT NOT NULL,
	observed_state TEXT NOT NULL,
	container_id TEXT NOT NULL DEFAULT '',
	endpoint TEXT NOT NULL DEFAULT '',
	containers TEXT,
	created_at INTEGER NOT NULL,
	last_active_at INTEGER NOT NULL,
	last_observed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_sandbox ON sessions(sandbox_id);

CREATE TABLE IF NOT EXISTS cargos (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	driver_ref TEXT NOT NULL,
	managed INTEGER NOT NULL,
	managed_by_sandbox_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cargos_owner ON cargos(owner, id);
`

// Store wraps the SQLite database shared by all managers.
type Store struct {
	Log *slog.Logger

	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Pass ":memory:" for an in-process database in tests.
func Open(path string, log *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	memory := path == ":memory:"
	if memory {
		// A shared cache keeps every pooled connection on the same
		// in-memory database.
		dsn = "file::memory:?cache=shared&_busy_timeout=5000"
	}

	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		Log: log.With("module", "store"),
		db:  db,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx bundles the typed queries that run inside one transaction.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// WithTx runs fn inside a transaction, committing on nil and rolling
// back on error. Callers serialize conflicting transactions through
// the per-entity lock registry; SQLite itself only admits one writer.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{ctx: ctx, tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// View runs fn with read-only access outside any caller-held lock.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	return s.WithTx(ctx, fn)
}

// Nullable time columns are stored as unix nanoseconds.

func toNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNano(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func nano(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanoValue(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
