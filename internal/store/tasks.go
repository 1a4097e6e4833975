package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule kinds (§3 ScheduledTask).
const (
	ScheduleKindOnce  = "once"
	ScheduleKindCron  = "cron"
	ScheduleKindRRule = "rrule"
)

// Task-run statuses (§3 TaskRun).
const (
	TaskRunStatusPending    = "pending"
	TaskRunStatusDispatched = "dispatched"
	TaskRunStatusSucceeded  = "succeeded"
	TaskRunStatusFailed     = "failed"
)

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("scheduled task not found")

// ErrTaskRunNotFound is returned when a task-run id does not exist.
var ErrTaskRunNotFound = errors.New("scheduled task run not found")

// ErrStaleNextRunAt is returned by AdvanceNextRunAt when another tick already
// advanced the task's schedule (lost the CAS race).
var ErrStaleNextRunAt = errors.New("task next_run_at was advanced concurrently")

// DeliveryTarget names where a task's run output should be delivered,
// serialized into scheduled_tasks.delivery_target.
type DeliveryTarget struct {
	Source    string `json:"source"`
	ThreadKey string `json:"thread_key,omitempty"`
	UserKey   string `json:"user_key,omitempty"`
}

// ScheduledTask is the persisted row for a recurring or one-shot task (§3).
type ScheduledTask struct {
	TaskID              string
	Title               string
	Instructions        string
	ScheduleKind        string
	OnceAt              *time.Time
	CronExpr            string
	RRuleExpr           string
	Timezone            string
	Enabled             bool
	NextRunAt           *time.Time
	CreatorThreadKey    string
	OwnerUserKey        string
	DeliveryTarget      DeliveryTarget
	ExecutionThreadKey  string
	LastRunAt           *time.Time
	LastRunStatus       string
	LastErrorMessage    string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ScheduledTaskRun is one materialized occurrence of a task (§3 TaskRun).
type ScheduledTaskRun struct {
	TaskRunID      string
	TaskID         string
	ScheduledFor   time.Time
	IdempotencyKey string
	RunID          string
	Status         string
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreateTask inserts a new scheduled task. If task.TaskID is empty a new id
// is generated and returned.
func (s *Store) CreateTask(ctx context.Context, task ScheduledTask) (string, error) {
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	deliveryTarget, err := json.Marshal(task.DeliveryTarget)
	if err != nil {
		return "", fmt.Errorf("marshal delivery target: %w", err)
	}
	err = retryOnBusy(ctx, 5, func() error {
		now := nowUTC()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_tasks (task_id, title, instructions, schedule_kind, once_at, cron_expr,
				rrule_expr, timezone, enabled, next_run_at, creator_thread_key, owner_user_key,
				delivery_target, execution_thread_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, task.TaskID, task.Title, task.Instructions, task.ScheduleKind, nullableTime(task.OnceAt),
			nullable(task.CronExpr), nullable(task.RRuleExpr), task.Timezone, boolToInt(task.Enabled),
			nullableTime(task.NextRunAt), task.CreatorThreadKey, nullable(task.OwnerUserKey),
			string(deliveryTarget), nullable(task.ExecutionThreadKey), now, now)
		if err != nil {
			return fmt.Errorf("insert scheduled task: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return task.TaskID, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// GetTask fetches one scheduled task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, title, instructions, schedule_kind, once_at, COALESCE(cron_expr, ''),
			COALESCE(rrule_expr, ''), timezone, enabled, next_run_at, creator_thread_key,
			COALESCE(owner_user_key, ''), delivery_target, COALESCE(execution_thread_key, ''),
			last_run_at, COALESCE(last_run_status, ''), COALESCE(last_error_message, ''),
			created_at, updated_at
		FROM scheduled_tasks WHERE task_id = ?;
	`, taskID)
	return scanTask(row)
}

func scanTask(row *sql.Row) (*ScheduledTask, error) {
	var t ScheduledTask
	var enabled int
	var onceAt, nextRunAt, lastRunAt sql.NullTime
	var deliveryTarget string
	if err := row.Scan(&t.TaskID, &t.Title, &t.Instructions, &t.ScheduleKind, &onceAt, &t.CronExpr,
		&t.RRuleExpr, &t.Timezone, &enabled, &nextRunAt, &t.CreatorThreadKey, &t.OwnerUserKey,
		&deliveryTarget, &t.ExecutionThreadKey, &lastRunAt, &t.LastRunStatus, &t.LastErrorMessage,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Enabled = enabled != 0
	if onceAt.Valid {
		t.OnceAt = &onceAt.Time
	}
	if nextRunAt.Valid {
		t.NextRunAt = &nextRunAt.Time
	}
	if lastRunAt.Valid {
		t.LastRunAt = &lastRunAt.Time
	}
	if deliveryTarget != "" {
		_ = json.Unmarshal([]byte(deliveryTarget), &t.DeliveryTarget)
	}
	return &t, nil
}

// ListTasks returns tasks, optionally filtered to a creator thread (pass ""
// for all tasks).
func (s *Store) ListTasks(ctx context.Context, creatorThreadKey string) ([]ScheduledTask, error) {
	var rows *sql.Rows
	var err error
	baseQuery := `
		SELECT task_id, title, instructions, schedule_kind, once_at, COALESCE(cron_expr, ''),
			COALESCE(rrule_expr, ''), timezone, enabled, next_run_at, creator_thread_key,
			COALESCE(owner_user_key, ''), delivery_target, COALESCE(execution_thread_key, ''),
			last_run_at, COALESCE(last_run_status, ''), COALESCE(last_error_message, ''),
			created_at, updated_at
		FROM scheduled_tasks`
	if creatorThreadKey != "" {
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE creator_thread_key = ? ORDER BY created_at ASC;`, creatorThreadKey)
	} else {
		rows, err = s.db.QueryContext(ctx, baseQuery+` ORDER BY created_at ASC;`)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		var enabled int
		var onceAt, nextRunAt, lastRunAt sql.NullTime
		var deliveryTarget string
		if err := rows.Scan(&t.TaskID, &t.Title, &t.Instructions, &t.ScheduleKind, &onceAt, &t.CronExpr,
			&t.RRuleExpr, &t.Timezone, &enabled, &nextRunAt, &t.CreatorThreadKey, &t.OwnerUserKey,
			&deliveryTarget, &t.ExecutionThreadKey, &lastRunAt, &t.LastRunStatus, &t.LastErrorMessage,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		t.Enabled = enabled != 0
		if onceAt.Valid {
			t.OnceAt = &onceAt.Time
		}
		if nextRunAt.Valid {
			t.NextRunAt = &nextRunAt.Time
		}
		if lastRunAt.Valid {
			t.LastRunAt = &lastRunAt.Time
		}
		if deliveryTarget != "" {
			_ = json.Unmarshal([]byte(deliveryTarget), &t.DeliveryTarget)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListDueTasks returns enabled tasks whose next_run_at has elapsed, ordered
// oldest-due-first, for the task engine's tick loop (§4.7).
func (s *Store) ListDueTasks(ctx context.Context, asOf time.Time, limit int) ([]ScheduledTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, title, instructions, schedule_kind, once_at, COALESCE(cron_expr, ''),
			COALESCE(rrule_expr, ''), timezone, enabled, next_run_at, creator_thread_key,
			COALESCE(owner_user_key, ''), delivery_target, COALESCE(execution_thread_key, ''),
			last_run_at, COALESCE(last_run_status, ''), COALESCE(last_error_message, ''),
			created_at, updated_at
		FROM scheduled_tasks
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC LIMIT ?;
	`, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		var enabled int
		var onceAt, nextRunAt, lastRunAt sql.NullTime
		var deliveryTarget string
		if err := rows.Scan(&t.TaskID, &t.Title, &t.Instructions, &t.ScheduleKind, &onceAt, &t.CronExpr,
			&t.RRuleExpr, &t.Timezone, &enabled, &nextRunAt, &t.CreatorThreadKey, &t.OwnerUserKey,
			&deliveryTarget, &t.ExecutionThreadKey, &lastRunAt, &t.LastRunStatus, &t.LastErrorMessage,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan due task row: %w", err)
		}
		t.Enabled = enabled != 0
		if onceAt.Valid {
			t.OnceAt = &onceAt.Time
		}
		if nextRunAt.Valid {
			t.NextRunAt = &nextRunAt.Time
		}
		if lastRunAt.Valid {
			t.LastRunAt = &lastRunAt.Time
		}
		if deliveryTarget != "" {
			_ = json.Unmarshal([]byte(deliveryTarget), &t.DeliveryTarget)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TaskPatch carries the mutable subset of ScheduledTask for partial updates.
// A nil field is left unchanged.
type TaskPatch struct {
	Title        *string
	Instructions *string
	Enabled      *bool
	CronExpr     *string
	RRuleExpr    *string
	OnceAt       *time.Time
	Timezone     *string
	NextRunAt    **time.Time // set to a non-nil pointer-to-nil to clear next_run_at
}

// PatchTask applies a partial update to a task's definition.
func (s *Store) PatchTask(ctx context.Context, taskID string, patch TaskPatch) error {
	return retryOnBusy(ctx, 5, func() error {
		task, err := s.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if patch.Title != nil {
			task.Title = *patch.Title
		}
		if patch.Instructions != nil {
			task.Instructions = *patch.Instructions
		}
		if patch.Enabled != nil {
			task.Enabled = *patch.Enabled
		}
		if patch.CronExpr != nil {
			task.CronExpr = *patch.CronExpr
		}
		if patch.RRuleExpr != nil {
			task.RRuleExpr = *patch.RRuleExpr
		}
		if patch.OnceAt != nil {
			task.OnceAt = patch.OnceAt
		}
		if patch.Timezone != nil {
			task.Timezone = *patch.Timezone
		}
		if patch.NextRunAt != nil {
			task.NextRunAt = *patch.NextRunAt
		}
		now := nowUTC()
		_, err = s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET title = ?, instructions = ?, enabled = ?, cron_expr = ?,
				rrule_expr = ?, once_at = ?, timezone = ?, next_run_at = ?, updated_at = ?
			WHERE task_id = ?;
		`, task.Title, task.Instructions, boolToInt(task.Enabled), nullable(task.CronExpr),
			nullable(task.RRuleExpr), nullableTime(task.OnceAt), task.Timezone, nullableTime(task.NextRunAt),
			now, taskID)
		if err != nil {
			return fmt.Errorf("patch task: %w", err)
		}
		return nil
	})
}

// SetTaskExecutionThread lazily binds a task to the execution thread its
// runs dispatch into (§4.7.1, created on the task's first occurrence).
func (s *Store) SetTaskExecutionThread(ctx context.Context, taskID, executionThreadKey string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET execution_thread_key = ?, updated_at = ?
			WHERE task_id = ? AND execution_thread_key IS NULL;
		`, executionThreadKey, nowUTC(), taskID)
		if err != nil {
			return fmt.Errorf("set task execution thread: %w", err)
		}
		return nil
	})
}

// DeleteTask removes a task and its task-run history.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_task_runs WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("delete task runs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE task_id = ?;`, taskID); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return tx.Commit()
	})
}

// AdvanceNextRunAt performs the next_run_at compare-and-swap that prevents a
// schedule from being advanced twice for the same occurrence (§4.7 CAS).
// newNextRunAt may be nil to mean "no further occurrences" (disables the
// task).
func (s *Store) AdvanceNextRunAt(ctx context.Context, taskID string, expectedPrevNextRunAt time.Time, newNextRunAt *time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		enabled := 1
		if newNextRunAt == nil {
			enabled = 0
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET next_run_at = ?, enabled = CASE WHEN ? = 0 THEN 0 ELSE enabled END,
				updated_at = ?
			WHERE task_id = ? AND next_run_at = ?;
		`, nullableTime(newNextRunAt), enabled, nowUTC(), taskID, expectedPrevNextRunAt)
		if err != nil {
			return fmt.Errorf("advance next_run_at: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrStaleNextRunAt
		}
		return nil
	})
}

// RecordTaskOutcome stamps a task's last-run fields after one of its
// occurrences reaches a terminal state.
func (s *Store) RecordTaskOutcome(ctx context.Context, taskID string, runAt time.Time, status, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET last_run_at = ?, last_run_status = ?, last_error_message = ?,
				updated_at = ?
			WHERE task_id = ?;
		`, runAt, status, nullable(errMsg), nowUTC(), taskID)
		if err != nil {
			return fmt.Errorf("record task outcome: %w", err)
		}
		return nil
	})
}

// CreateOrGetTaskRun materializes an occurrence of a task at scheduledFor,
// idempotent on (task_id, scheduled_for): a second call for the same
// occurrence returns the existing row instead of erroring (§4.7 at-most-once
// dispatch per occurrence).
func (s *Store) CreateOrGetTaskRun(ctx context.Context, taskID string, scheduledFor time.Time) (*ScheduledTaskRun, bool, error) {
	idempotencyKey := fmt.Sprintf("%s@%s", taskID, scheduledFor.UTC().Format(time.RFC3339))

	var result *ScheduledTaskRun
	var created bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		existing, err := getTaskRunByIdempotencyKeyTx(ctx, tx, idempotencyKey)
		if err == nil {
			result = existing
			created = false
			return nil
		}
		if !errors.Is(err, ErrTaskRunNotFound) {
			return err
		}

		taskRunID := uuid.NewString()
		now := nowUTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scheduled_task_runs (task_run_id, task_id, scheduled_for, idempotency_key,
				status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, taskRunID, taskID, scheduledFor, idempotencyKey, TaskRunStatusPending, now, now); err != nil {
			existing, readErr := getTaskRunByIdempotencyKeyTx(ctx, tx, idempotencyKey)
			if readErr == nil {
				result = existing
				created = false
				return nil
			}
			return fmt.Errorf("insert task run: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create task run tx: %w", err)
		}
		result = &ScheduledTaskRun{
			TaskRunID: taskRunID, TaskID: taskID, ScheduledFor: scheduledFor,
			IdempotencyKey: idempotencyKey, Status: TaskRunStatusPending, CreatedAt: now, UpdatedAt: now,
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

func getTaskRunByIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, idempotencyKey string) (*ScheduledTaskRun, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT task_run_id, task_id, scheduled_for, idempotency_key, COALESCE(run_id, ''), status,
			COALESCE(error_message, ''), created_at, updated_at
		FROM scheduled_task_runs WHERE idempotency_key = ?;
	`, idempotencyKey)
	var tr ScheduledTaskRun
	if err := row.Scan(&tr.TaskRunID, &tr.TaskID, &tr.ScheduledFor, &tr.IdempotencyKey, &tr.RunID,
		&tr.Status, &tr.ErrorMessage, &tr.CreatedAt, &tr.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskRunNotFound
		}
		return nil, fmt.Errorf("scan task run: %w", err)
	}
	return &tr, nil
}

// DispatchTaskRun performs the pending -> dispatched CAS and binds the
// underlying run id.
func (s *Store) DispatchTaskRun(ctx context.Context, taskRunID, runID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_task_runs SET status = ?, run_id = ?, updated_at = ?
			WHERE task_run_id = ? AND status = ?;
		`, TaskRunStatusDispatched, runID, nowUTC(), taskRunID, TaskRunStatusPending)
		if err != nil {
			return fmt.Errorf("dispatch task run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("task run %s: %w", taskRunID, ErrTaskRunNotFound)
		}
		return nil
	})
}

// CompleteTaskRun performs the dispatched -> succeeded|failed CAS.
func (s *Store) CompleteTaskRun(ctx context.Context, taskRunID, status, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_task_runs SET status = ?, error_message = ?, updated_at = ?
			WHERE task_run_id = ? AND status = ?;
		`, status, nullable(errMsg), nowUTC(), taskRunID, TaskRunStatusDispatched)
		if err != nil {
			return fmt.Errorf("complete task run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("task run %s: %w", taskRunID, ErrTaskRunNotFound)
		}
		return nil
	})
}

// FinalizeTaskRun transitions a task run directly to a terminal status from
// either pending or dispatched. The task engine's dispatchTaskRun (§4.7)
// needs this when ingest itself returns an already-terminal run (a
// deduplicated ingest, or an executor that completed synchronously) so the
// task run can resolve without ever passing through `dispatched`, and when
// the execution thread cannot be created (`telegram_topics_unavailable`)
// before any run exists at all. A task run already in a terminal state is
// left unchanged (idempotent, no error) rather than erroring.
func (s *Store) FinalizeTaskRun(ctx context.Context, taskRunID, status, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_task_runs SET status = ?, error_message = ?, updated_at = ?
			WHERE task_run_id = ? AND status IN (?, ?);
		`, status, nullable(errMsg), nowUTC(), taskRunID, TaskRunStatusPending, TaskRunStatusDispatched)
		if err != nil {
			return fmt.Errorf("finalize task run: %w", err)
		}
		return nil
	})
}

// ListPendingTaskRuns returns task runs stuck in pending (never dispatched),
// used during crash recovery to resume dispatch (§4.5/§4.7).
func (s *Store) ListPendingTaskRuns(ctx context.Context, limit int) ([]ScheduledTaskRun, error) {
	return s.listTaskRunsByStatus(ctx, TaskRunStatusPending, limit)
}

// ListDispatchedTaskRuns returns task runs whose underlying run may have
// completed while the daemon was down, used to reconcile task-run status
// against the run it points at (§4.5).
func (s *Store) ListDispatchedTaskRuns(ctx context.Context, limit int) ([]ScheduledTaskRun, error) {
	return s.listTaskRunsByStatus(ctx, TaskRunStatusDispatched, limit)
}

func (s *Store) listTaskRunsByStatus(ctx context.Context, status string, limit int) ([]ScheduledTaskRun, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_run_id, task_id, scheduled_for, idempotency_key, COALESCE(run_id, ''), status,
			COALESCE(error_message, ''), created_at, updated_at
		FROM scheduled_task_runs WHERE status = ? ORDER BY scheduled_for ASC LIMIT ?;
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list task runs by status: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTaskRun
	for rows.Next() {
		var tr ScheduledTaskRun
		if err := rows.Scan(&tr.TaskRunID, &tr.TaskID, &tr.ScheduledFor, &tr.IdempotencyKey, &tr.RunID,
			&tr.Status, &tr.ErrorMessage, &tr.CreatedAt, &tr.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task run row: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
