package taskengine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/executor"
	"github.com/basket/go-claw/internal/runservice"
	"github.com/basket/go-claw/internal/store"
)

func newTestStore(t *testing.T, eventBus *bus.Bus) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"), eventBus)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeBridge struct {
	mu    sync.Mutex
	calls int
	key   string
	err   error
}

func (b *fakeBridge) CreateTopic(_ context.Context, _ store.DeliveryTarget) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return "", b.err
	}
	return b.key, nil
}

func (b *fakeBridge) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestEngine_ProcessDueTask_OnceDisablesAndDispatches(t *testing.T) {
	eventBus := bus.New()
	st := newTestStore(t, eventBus)
	svc := runservice.New(st, eventBus, executor.EchoExecutor{}, nil)
	ctx := context.Background()

	scheduledFor := time.Now().UTC().Add(-time.Minute)
	taskID, err := st.CreateTask(ctx, store.ScheduledTask{
		Title:            "echo once",
		Instructions:     "say hello",
		ScheduleKind:     store.ScheduleKindOnce,
		Enabled:          true,
		NextRunAt:        &scheduledFor,
		CreatorThreadKey: "cli:main",
		DeliveryTarget:   store.DeliveryTarget{Source: "cli"},
	})
	require.NoError(t, err)

	eng := New(Config{Store: st, Bus: eventBus, Ingester: svc})
	eng.tick(ctx)

	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.False(t, task.Enabled, "a once-schedule task disables itself after firing")
	require.Equal(t, "cli:task:"+taskID, task.ExecutionThreadKey)

	taskRun, created, err := st.CreateOrGetTaskRun(ctx, taskID, scheduledFor)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, store.TaskRunStatusDispatched, taskRun.Status)

	require.Eventually(t, func() bool {
		run, err := st.GetRun(ctx, taskRun.RunID)
		require.NoError(t, err)
		return run.Status == store.RunStatusSucceeded
	}, time.Second, time.Millisecond)

	// Second tick's reconcile phase finalizes the task run against the now-
	// settled underlying run.
	eng.tick(ctx)

	taskRun, _, err = st.CreateOrGetTaskRun(ctx, taskID, scheduledFor)
	require.NoError(t, err)
	require.Equal(t, store.TaskRunStatusSucceeded, taskRun.Status)

	task, err = st.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, store.TaskRunStatusSucceeded, task.LastRunStatus)
}

func TestEngine_EnsureExecutionThread_TelegramUsesBridgeOnceThenPersists(t *testing.T) {
	st := newTestStore(t, nil)
	ctx := context.Background()

	taskID, err := st.CreateTask(ctx, store.ScheduledTask{
		Title:            "telegram reminder",
		Instructions:     "ping",
		ScheduleKind:     store.ScheduleKindOnce,
		CreatorThreadKey: "telegram:chat:101",
		DeliveryTarget:   store.DeliveryTarget{Source: "telegram", ThreadKey: "telegram:chat:101"},
	})
	require.NoError(t, err)

	bridge := &fakeBridge{key: "telegram:chat:101:topic:55"}
	eng := New(Config{Store: st, Bridge: bridge})

	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.NoError(t, eng.ensureExecutionThread(ctx, task))
	require.Equal(t, "telegram:chat:101:topic:55", task.ExecutionThreadKey)
	require.Equal(t, 1, bridge.callCount())

	persisted, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "telegram:chat:101:topic:55", persisted.ExecutionThreadKey)

	// Re-running against the now-persisted task must not call the bridge
	// again (§4.7.1 is lazy creation, once).
	require.NoError(t, eng.ensureExecutionThread(ctx, persisted))
	require.Equal(t, 1, bridge.callCount())
}

func TestEngine_EnsureExecutionThread_TelegramWithoutBridgeFails(t *testing.T) {
	st := newTestStore(t, nil)
	ctx := context.Background()

	taskID, err := st.CreateTask(ctx, store.ScheduledTask{
		Title:            "telegram reminder",
		Instructions:     "ping",
		ScheduleKind:     store.ScheduleKindOnce,
		CreatorThreadKey: "telegram:chat:101",
		DeliveryTarget:   store.DeliveryTarget{Source: "telegram", ThreadKey: "telegram:chat:101"},
	})
	require.NoError(t, err)

	eng := New(Config{Store: st})
	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)

	err = eng.ensureExecutionThread(ctx, task)
	require.ErrorContains(t, err, "telegram_topics_unavailable")
}

// Scenario S3: a run-now against a telegram-delivered task creates exactly
// one topic via the bridge and dispatches through it.
func TestEngine_RunNow_CreatesTopicOnceAndDispatches(t *testing.T) {
	eventBus := bus.New()
	st := newTestStore(t, eventBus)
	svc := runservice.New(st, eventBus, executor.EchoExecutor{}, nil)
	ctx := context.Background()

	taskID, err := st.CreateTask(ctx, store.ScheduledTask{
		Title:            "daily standup",
		Instructions:     "remind the team",
		ScheduleKind:     store.ScheduleKindCron,
		CronExpr:         "0 9 * * 1-5",
		Timezone:         "America/Los_Angeles",
		Enabled:          true,
		CreatorThreadKey: "telegram:chat:101",
		DeliveryTarget:   store.DeliveryTarget{Source: "telegram", ThreadKey: "telegram:chat:101"},
	})
	require.NoError(t, err)

	bridge := &fakeBridge{key: "telegram:chat:101:topic:9"}
	eng := New(Config{Store: st, Bus: eventBus, Ingester: svc, Bridge: bridge})

	taskRun, err := eng.RunNow(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, 1, bridge.callCount())
	require.Equal(t, store.TaskRunStatusDispatched, taskRun.Status)

	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "telegram:chat:101:topic:9", task.ExecutionThreadKey)

	require.Eventually(t, func() bool {
		run, err := st.GetRun(ctx, taskRun.RunID)
		require.NoError(t, err)
		return run.Status == store.RunStatusSucceeded
	}, time.Second, time.Millisecond)
}
