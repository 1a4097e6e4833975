// Package store implements the Relational Store (C1) and the typed Run
// Store CRUD layer (C2) on top of an embedded SQLite database, grounded on
// the teacher's internal/persistence/store.go (mattn/go-sqlite3, WAL mode,
// single-connection pool, busy-retry).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-claw/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the embedded database and the optional event bus used to
// publish run/task-run lifecycle events.
type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

// Open creates (or reuses) the SQLite file at path, applies pragmas, and
// ensures the schema exists. eventBus may be nil (e.g. in unit tests).
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single connection avoids SQLITE_BUSY storms from concurrent writers;
	// correctness instead relies on retryOnBusy plus in-process transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			thread_key TEXT NOT NULL,
			user_key TEXT,
			delivery_mode TEXT NOT NULL CHECK(delivery_mode IN ('followUp', 'steer')),
			status TEXT NOT NULL CHECK(status IN ('running', 'succeeded', 'failed')),
			input_text TEXT NOT NULL,
			output JSON,
			error_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_thread_status ON runs(thread_key, status);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);`,

		`CREATE TABLE IF NOT EXISTS message_ingest (
			source TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			payload_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (source, idempotency_key)
		);`,

		`CREATE TABLE IF NOT EXISTS thread_sessions (
			thread_key TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			session_file TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,

		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			task_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			instructions TEXT NOT NULL,
			schedule_kind TEXT NOT NULL CHECK(schedule_kind IN ('once', 'cron', 'rrule')),
			once_at DATETIME,
			cron_expr TEXT,
			rrule_expr TEXT,
			timezone TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			creator_thread_key TEXT NOT NULL,
			owner_user_key TEXT,
			delivery_target JSON NOT NULL,
			execution_thread_key TEXT,
			last_run_at DATETIME,
			last_run_status TEXT,
			last_error_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(enabled, next_run_at);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_creator ON scheduled_tasks(creator_thread_key);`,

		`CREATE TABLE IF NOT EXISTS scheduled_task_runs (
			task_run_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES scheduled_tasks(task_id),
			scheduled_for DATETIME NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			run_id TEXT,
			status TEXT NOT NULL CHECK(status IN ('pending', 'dispatched', 'succeeded', 'failed')),
			error_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(task_id, scheduled_for)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_status ON scheduled_task_runs(status);`,

		`CREATE TABLE IF NOT EXISTS input_images (
			input_image_id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			thread_key TEXT NOT NULL,
			user_key TEXT NOT NULL,
			external_update_id TEXT,
			media_group_id TEXT,
			run_id TEXT,
			mime_type TEXT NOT NULL,
			filename TEXT,
			byte_size INTEGER NOT NULL,
			image_bytes BLOB NOT NULL,
			position INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_input_images_scope ON input_images(source, thread_key, user_key, run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_input_images_run ON input_images(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_input_images_expires ON input_images(expires_at);`,
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	return tx.Commit()
}

// retryOnBusy retries f while SQLite reports BUSY/LOCKED, with bounded
// exponential backoff and jitter, grounded on the teacher's
// internal/persistence/store.go retryOnBusy.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func nowUTC() time.Time { return time.Now().UTC() }
