// Package taskengine implements the Scheduled Task Engine (C8): a periodic
// tick loop that fires due recurring/one-shot tasks, resumes task runs left
// pending by a crash, and reconciles task runs whose underlying run may have
// settled while the daemon was down (§4.7). It is the generalized,
// multi-schedule-kind successor to the teacher's internal/cron scheduler.
package taskengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/store"
)

const (
	defaultPollInterval      = 5 * time.Second
	defaultDueBatchSize      = 50
	defaultRecoveryBatchSize = 100
)

// Ingester is the subset of runservice.Service the task engine depends on.
// Declared locally so this package never imports runservice (mirrors
// runservice.Canceller's own locally-declared interface for the executor).
type Ingester interface {
	Ingest(ctx context.Context, msg store.IngestMessage) (*store.IngestResult, error)
}

// TopicBridge creates a dedicated chat-bot topic for a task's delivery
// target and reports back the execution thread key derived from it
// (§4.7.1). Only the telegram provider needs one; other providers derive a
// synthetic key without any bridge call.
type TopicBridge interface {
	CreateTopic(ctx context.Context, target store.DeliveryTarget) (executionThreadKey string, err error)
}

// DeliveryHook is notified, best-effort, whenever a task run is dispatched
// or reconciled as still in flight. A nil hook is a valid no-op
// configuration (§4.7 step 3's "retry best-effort delivery hook").
type DeliveryHook interface {
	NotifyTaskRunProgress(ctx context.Context, taskID, taskRunID, runID string)
}

// Config wires an Engine's dependencies, mirroring the teacher's
// internal/cron.Config shape (Store/Logger/Interval) generalized with the
// extra collaborators this engine's wider scope needs.
type Config struct {
	Store             *store.Store
	Bus               *bus.Bus
	Ingester          Ingester
	Bridge            TopicBridge  // optional; nil disables telegram lazy-topic creation
	Hook              DeliveryHook // optional
	Logger            *slog.Logger
	PollInterval      time.Duration
	DueBatchSize      int
	RecoveryBatchSize int
}

// Engine runs the tick loop described in §4.7.
type Engine struct {
	store             *store.Store
	bus               *bus.Bus
	ingester          Ingester
	bridge            TopicBridge
	hook              DeliveryHook
	logger            *slog.Logger
	pollInterval      time.Duration
	dueBatchSize      int
	recoveryBatchSize int

	tickInFlight atomic.Bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New constructs an Engine. Cfg.Store and Cfg.Ingester must be non-nil.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	dueBatchSize := cfg.DueBatchSize
	if dueBatchSize <= 0 {
		dueBatchSize = defaultDueBatchSize
	}
	recoveryBatchSize := cfg.RecoveryBatchSize
	if recoveryBatchSize <= 0 {
		recoveryBatchSize = defaultRecoveryBatchSize
	}
	return &Engine{
		store:             cfg.Store,
		bus:               cfg.Bus,
		ingester:          cfg.Ingester,
		bridge:            cfg.Bridge,
		hook:              cfg.Hook,
		logger:            logger,
		pollInterval:      pollInterval,
		dueBatchSize:      dueBatchSize,
		recoveryBatchSize: recoveryBatchSize,
	}
}

// Start begins the tick loop in a background goroutine, firing once
// immediately and then every PollInterval, until ctx is cancelled or Stop is
// called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop(ctx)
	e.logger.Info("task engine started", "poll_interval", e.pollInterval)
}

// Stop cancels the loop and awaits the in-flight tick, if any (§5 graceful
// shutdown: "Tick work is serialized by tickInFlight; stop awaits it").
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("task engine stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick runs the three phases in order (§4.7). The loop goroutine already
// calls tick serially, but tickInFlight guards against a future caller (a
// manual trigger, say) ever overlapping it.
func (e *Engine) tick(ctx context.Context) {
	if !e.tickInFlight.CompareAndSwap(false, true) {
		return
	}
	defer e.tickInFlight.Store(false)

	if err := e.processDueTasks(ctx); err != nil {
		e.logger.Error("task engine: processDueTasks failed", "error", err)
	}
	if err := e.resumePendingTaskRuns(ctx); err != nil {
		e.logger.Error("task engine: resumePendingTaskRuns failed", "error", err)
	}
	if err := e.reconcileDispatchedTaskRuns(ctx); err != nil {
		e.logger.Error("task engine: reconcileDispatchedTaskRuns failed", "error", err)
	}
}

// processDueTasks implements §4.7 phase 1.
func (e *Engine) processDueTasks(ctx context.Context) error {
	due, err := e.store.ListDueTasks(ctx, time.Now().UTC(), e.dueBatchSize)
	if err != nil {
		return fmt.Errorf("list due tasks: %w", err)
	}
	for _, task := range due {
		if err := e.processDueTask(ctx, task); err != nil {
			e.logger.Error("task engine: process due task failed", "task_id", task.TaskID, "error", err)
		}
	}
	return nil
}

func (e *Engine) processDueTask(ctx context.Context, task store.ScheduledTask) error {
	if task.NextRunAt == nil {
		return nil
	}
	scheduledFor := *task.NextRunAt

	taskRun, created, err := e.store.CreateOrGetTaskRun(ctx, task.TaskID, scheduledFor)
	if err != nil {
		return fmt.Errorf("create or get task run: %w", err)
	}
	if created {
		e.publishTaskRunEvent(task.TaskID, taskRun.TaskRunID, "", "created")
	}

	nextRunAt, err := e.computeNextOccurrence(task, scheduledFor)
	if err != nil {
		// The occurrence that's already due still dispatches below; only
		// future scheduling is broken, so the task is disabled rather than
		// left to fail loudly on every tick until an operator intervenes.
		e.logger.Error("task engine: compute next occurrence failed, disabling task", "task_id", task.TaskID, "error", err)
		nextRunAt = nil
	}
	if err := e.store.AdvanceNextRunAt(ctx, task.TaskID, scheduledFor, nextRunAt); err != nil {
		if !errors.Is(err, store.ErrStaleNextRunAt) {
			return fmt.Errorf("advance next_run_at: %w", err)
		}
		// Lost the CAS race to a concurrent tick (Testable Property 10);
		// that tick owns this occurrence's advancement, ours is a no-op.
	}

	if err := e.ensureExecutionThread(ctx, &task); err != nil {
		return e.finalizeTaskRun(ctx, task.TaskID, taskRun.TaskRunID, scheduledFor, store.TaskRunStatusFailed, err.Error())
	}

	if taskRun.Status != store.TaskRunStatusPending {
		return nil
	}
	return e.dispatchTaskRun(ctx, &task, taskRun)
}

func (e *Engine) computeNextOccurrence(task store.ScheduledTask, scheduledFor time.Time) (*time.Time, error) {
	switch task.ScheduleKind {
	case store.ScheduleKindOnce:
		return nil, nil
	case store.ScheduleKindCron:
		next, err := computeNextCronOccurrence(task.CronExpr, task.Timezone, scheduledFor)
		if err != nil {
			return nil, err
		}
		return &next, nil
	case store.ScheduleKindRRule:
		next, err := computeNextRRuleOccurrence(task.RRuleExpr, scheduledFor)
		if err != nil {
			return nil, err
		}
		return &next, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", task.ScheduleKind)
	}
}

// ensureExecutionThread implements §4.7.1.
func (e *Engine) ensureExecutionThread(ctx context.Context, task *store.ScheduledTask) error {
	if task.ExecutionThreadKey != "" {
		return nil
	}
	if task.DeliveryTarget.Source == "telegram" {
		if e.bridge == nil {
			return errors.New("telegram_topics_unavailable")
		}
		key, err := e.bridge.CreateTopic(ctx, task.DeliveryTarget)
		if err != nil {
			return fmt.Errorf("telegram_topics_unavailable: %w", err)
		}
		if err := e.store.SetTaskExecutionThread(ctx, task.TaskID, key); err != nil {
			return fmt.Errorf("persist execution thread: %w", err)
		}
		task.ExecutionThreadKey = key
		return nil
	}
	key := fmt.Sprintf("%s:task:%s", task.DeliveryTarget.Source, task.TaskID)
	if err := e.store.SetTaskExecutionThread(ctx, task.TaskID, key); err != nil {
		return fmt.Errorf("persist execution thread: %w", err)
	}
	task.ExecutionThreadKey = key
	return nil
}

// dispatchTaskRun implements §4.7's dispatchTaskRun.
func (e *Engine) dispatchTaskRun(ctx context.Context, task *store.ScheduledTask, taskRun *store.ScheduledTaskRun) error {
	if taskRun.Status != store.TaskRunStatusPending {
		return nil
	}
	instructions := fmt.Sprintf("[SCHEDULED TASK]\n%s\n\nScheduled for: %s",
		task.Instructions, taskRun.ScheduledFor.UTC().Format(time.RFC3339))

	result, err := e.ingester.Ingest(ctx, store.IngestMessage{
		Source:         fmt.Sprintf("task:%s", task.TaskID),
		ThreadKey:      task.ExecutionThreadKey,
		DeliveryMode:   store.DeliveryModeFollowUp,
		IdempotencyKey: taskRun.IdempotencyKey,
		InputText:      instructions,
	})
	if err != nil {
		if finalizeErr := e.finalizeTaskRun(ctx, task.TaskID, taskRun.TaskRunID, taskRun.ScheduledFor, store.TaskRunStatusFailed, err.Error()); finalizeErr != nil {
			return finalizeErr
		}
		taskRun.Status = store.TaskRunStatusFailed
		taskRun.ErrorMessage = err.Error()
		return nil
	}

	switch result.Run.Status {
	case store.RunStatusRunning:
		if err := e.store.DispatchTaskRun(ctx, taskRun.TaskRunID, result.Run.RunID); err != nil {
			return fmt.Errorf("dispatch task run %s: %w", taskRun.TaskRunID, err)
		}
		taskRun.Status = store.TaskRunStatusDispatched
		taskRun.RunID = result.Run.RunID
		e.publishTaskRunEvent(task.TaskID, taskRun.TaskRunID, result.Run.RunID, store.TaskRunStatusDispatched)
		e.fireDeliveryHook(ctx, task.TaskID, taskRun.TaskRunID, result.Run.RunID)
		return nil
	case store.RunStatusSucceeded:
		if err := e.finalizeTaskRun(ctx, task.TaskID, taskRun.TaskRunID, taskRun.ScheduledFor, store.TaskRunStatusSucceeded, ""); err != nil {
			return err
		}
		taskRun.Status = store.TaskRunStatusSucceeded
		return nil
	default:
		if err := e.finalizeTaskRun(ctx, task.TaskID, taskRun.TaskRunID, taskRun.ScheduledFor, store.TaskRunStatusFailed, result.Run.ErrorMessage); err != nil {
			return err
		}
		taskRun.Status = store.TaskRunStatusFailed
		taskRun.ErrorMessage = result.Run.ErrorMessage
		return nil
	}
}

// resumePendingTaskRuns implements §4.7 phase 2: a crash between task-run
// creation and dispatch leaves rows stuck pending; redispatch them.
func (e *Engine) resumePendingTaskRuns(ctx context.Context) error {
	pending, err := e.store.ListPendingTaskRuns(ctx, e.recoveryBatchSize)
	if err != nil {
		return fmt.Errorf("list pending task runs: %w", err)
	}
	for i := range pending {
		taskRun := pending[i]
		task, err := e.store.GetTask(ctx, taskRun.TaskID)
		if err != nil {
			e.logger.Error("task engine: resume pending task run, parent task missing", "task_run_id", taskRun.TaskRunID, "task_id", taskRun.TaskID, "error", err)
			continue
		}
		if err := e.ensureExecutionThread(ctx, task); err != nil {
			if finalizeErr := e.finalizeTaskRun(ctx, task.TaskID, taskRun.TaskRunID, taskRun.ScheduledFor, store.TaskRunStatusFailed, err.Error()); finalizeErr != nil {
				e.logger.Error("task engine: resume pending task run finalize failed", "task_run_id", taskRun.TaskRunID, "error", finalizeErr)
			}
			continue
		}
		if err := e.dispatchTaskRun(ctx, task, &taskRun); err != nil {
			e.logger.Error("task engine: resume pending task run dispatch failed", "task_run_id", taskRun.TaskRunID, "error", err)
		}
	}
	return nil
}

// reconcileDispatchedTaskRuns implements §4.7 phase 3: a task run's
// underlying run may have settled while the daemon was down.
func (e *Engine) reconcileDispatchedTaskRuns(ctx context.Context) error {
	dispatched, err := e.store.ListDispatchedTaskRuns(ctx, e.recoveryBatchSize)
	if err != nil {
		return fmt.Errorf("list dispatched task runs: %w", err)
	}
	for _, taskRun := range dispatched {
		run, err := e.store.GetRun(ctx, taskRun.RunID)
		if err != nil {
			e.logger.Error("task engine: reconcile dispatched task run, underlying run missing", "task_run_id", taskRun.TaskRunID, "run_id", taskRun.RunID, "error", err)
			continue
		}
		switch run.Status {
		case store.RunStatusRunning:
			e.fireDeliveryHook(ctx, taskRun.TaskID, taskRun.TaskRunID, taskRun.RunID)
		case store.RunStatusSucceeded:
			if err := e.finalizeTaskRun(ctx, taskRun.TaskID, taskRun.TaskRunID, taskRun.ScheduledFor, store.TaskRunStatusSucceeded, ""); err != nil {
				e.logger.Error("task engine: reconcile finalize succeeded failed", "task_run_id", taskRun.TaskRunID, "error", err)
			}
		default:
			if err := e.finalizeTaskRun(ctx, taskRun.TaskID, taskRun.TaskRunID, taskRun.ScheduledFor, store.TaskRunStatusFailed, run.ErrorMessage); err != nil {
				e.logger.Error("task engine: reconcile finalize failed failed", "task_run_id", taskRun.TaskRunID, "error", err)
			}
		}
	}
	return nil
}

// RunNow implements the `run-now` operation (§6): it materializes and
// dispatches an occurrence for "now" immediately, independent of the task's
// schedule and without disturbing next_run_at (scenario S3).
func (e *Engine) RunNow(ctx context.Context, taskID string) (*store.ScheduledTaskRun, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	scheduledFor := time.Now().UTC()

	taskRun, _, err := e.store.CreateOrGetTaskRun(ctx, task.TaskID, scheduledFor)
	if err != nil {
		return nil, fmt.Errorf("create or get task run: %w", err)
	}

	if err := e.ensureExecutionThread(ctx, task); err != nil {
		if finalizeErr := e.finalizeTaskRun(ctx, task.TaskID, taskRun.TaskRunID, scheduledFor, store.TaskRunStatusFailed, err.Error()); finalizeErr != nil {
			return taskRun, finalizeErr
		}
		taskRun.Status = store.TaskRunStatusFailed
		taskRun.ErrorMessage = err.Error()
		return taskRun, err
	}

	if taskRun.Status == store.TaskRunStatusPending {
		if err := e.dispatchTaskRun(ctx, task, taskRun); err != nil {
			return taskRun, err
		}
	}
	return taskRun, nil
}

func (e *Engine) finalizeTaskRun(ctx context.Context, taskID, taskRunID string, scheduledFor time.Time, status, errMsg string) error {
	if err := e.store.FinalizeTaskRun(ctx, taskRunID, status, errMsg); err != nil {
		return fmt.Errorf("finalize task run %s: %w", taskRunID, err)
	}
	if err := e.store.RecordTaskOutcome(ctx, taskID, scheduledFor, status, errMsg); err != nil {
		return fmt.Errorf("record task outcome for %s: %w", taskID, err)
	}
	e.publishTaskRunEvent(taskID, taskRunID, "", status)
	return nil
}

func (e *Engine) publishTaskRunEvent(taskID, taskRunID, runID, status string) {
	if e.bus == nil {
		return
	}
	topic := bus.TopicTaskRunDispatched
	switch status {
	case "created":
		topic = bus.TopicTaskRunCreated
	case store.TaskRunStatusSucceeded:
		topic = bus.TopicTaskRunSucceeded
	case store.TaskRunStatusFailed:
		topic = bus.TopicTaskRunFailed
	}
	e.bus.Publish(bus.Event{
		Topic: topic,
		Payload: bus.TaskRunEvent{
			TaskID: taskID, TaskRunID: taskRunID, RunID: runID, Status: status,
		},
	})
}

func (e *Engine) fireDeliveryHook(ctx context.Context, taskID, taskRunID, runID string) {
	if e.hook == nil {
		return
	}
	e.hook.NotifyTaskRunProgress(ctx, taskID, taskRunID, runID)
}
