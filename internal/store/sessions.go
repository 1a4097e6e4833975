package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrThreadSessionNotFound is returned when a thread has no recorded agent
// session yet.
var ErrThreadSessionNotFound = errors.New("thread session not found")

// ThreadSession maps a logical thread to the agent-runner session that
// carries its conversational state forward across runs (§3 ThreadSession).
type ThreadSession struct {
	ThreadKey   string
	SessionID   string
	SessionFile string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GetThreadSession looks up the current session bound to a thread.
func (s *Store) GetThreadSession(ctx context.Context, threadKey string) (*ThreadSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_key, session_id, session_file, created_at, updated_at
		FROM thread_sessions WHERE thread_key = ?;
	`, threadKey)
	var ts ThreadSession
	if err := row.Scan(&ts.ThreadKey, &ts.SessionID, &ts.SessionFile, &ts.CreatedAt, &ts.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrThreadSessionNotFound
		}
		return nil, fmt.Errorf("get thread session: %w", err)
	}
	return &ts, nil
}

// UpsertThreadSession records the session a thread's next run should resume,
// created lazily on a thread's first run and overwritten whenever the
// runner hands back a new session id (e.g. after a runner-side reset).
func (s *Store) UpsertThreadSession(ctx context.Context, threadKey, sessionID, sessionFile string) error {
	return retryOnBusy(ctx, 5, func() error {
		now := nowUTC()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO thread_sessions (thread_key, session_id, session_file, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(thread_key) DO UPDATE SET
				session_id = excluded.session_id,
				session_file = excluded.session_file,
				updated_at = excluded.updated_at;
		`, threadKey, sessionID, sessionFile, now, now)
		if err != nil {
			return fmt.Errorf("upsert thread session: %w", err)
		}
		return nil
	})
}

// DeleteThreadSession drops a thread's session binding, forcing its next run
// to start a fresh agent session (used by the thread "delete" operation,
// §4.1 thread ops).
func (s *Store) DeleteThreadSession(ctx context.Context, threadKey string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM thread_sessions WHERE thread_key = ?;`, threadKey)
		if err != nil {
			return fmt.Errorf("delete thread session: %w", err)
		}
		return nil
	})
}
