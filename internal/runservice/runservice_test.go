package runservice

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/executor"
	"github.com/basket/go-claw/internal/store"
)

func newTestStore(t *testing.T, eventBus *bus.Bus) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"), eventBus)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestService_IngestDispatchesAndMarksSucceeded(t *testing.T) {
	eventBus := bus.New()
	st := newTestStore(t, eventBus)
	svc := New(st, eventBus, executor.EchoExecutor{}, nil)
	ctx := context.Background()

	result, err := svc.Ingest(ctx, store.IngestMessage{Source: "cli", ThreadKey: "t1", InputText: "echo this"})
	require.NoError(t, err)
	require.False(t, result.Deduplicated)

	require.Eventually(t, func() bool {
		run, err := st.GetRun(ctx, result.Run.RunID)
		require.NoError(t, err)
		return run.Status == store.RunStatusSucceeded
	}, time.Second, time.Millisecond)

	run, err := st.GetRun(ctx, result.Run.RunID)
	require.NoError(t, err)
	require.Contains(t, string(run.Output), "echo this")
}

func TestService_DeduplicatedIngestIsNotReenqueued(t *testing.T) {
	st := newTestStore(t, nil)

	// An executor that blocks forever lets us prove a second, deduplicated
	// ingest does not attempt a second dispatch (which would also block and
	// never settle).
	blocked := make(chan struct{})
	exec := blockingExecutor{started: blocked}
	svc := New(st, nil, exec, nil)
	ctx := context.Background()

	msg := store.IngestMessage{Source: "cli", ThreadKey: "t1", InputText: "x", IdempotencyKey: "k1"}
	first, err := svc.Ingest(ctx, msg)
	require.NoError(t, err)
	<-blocked

	second, err := svc.Ingest(ctx, msg)
	require.NoError(t, err)
	require.True(t, second.Deduplicated)
	require.Equal(t, first.Run.RunID, second.Run.RunID)
}

func TestService_InitRecoversRunningRuns(t *testing.T) {
	st := newTestStore(t, nil)
	ctx := context.Background()

	// Insert a run directly in `running` state, simulating a crash mid-dispatch.
	result, err := st.Ingest(ctx, store.IngestMessage{Source: "cli", ThreadKey: "t1", InputText: "recovered"})
	require.NoError(t, err)

	svc := New(st, nil, executor.EchoExecutor{}, nil)
	require.NoError(t, svc.Init(ctx))

	require.Eventually(t, func() bool {
		run, err := st.GetRun(ctx, result.Run.RunID)
		require.NoError(t, err)
		return run.Status == store.RunStatusSucceeded
	}, time.Second, time.Millisecond)
}

func TestService_CancelMarksFailedWithSentinel(t *testing.T) {
	st := newTestStore(t, nil)
	ctx := context.Background()

	blocked := make(chan struct{})
	exec := blockingExecutor{started: blocked}
	svc := New(st, nil, exec, nil)

	result, err := svc.Ingest(ctx, store.IngestMessage{Source: "cli", ThreadKey: "t1", InputText: "will be cancelled"})
	require.NoError(t, err)
	<-blocked

	require.NoError(t, svc.Cancel(ctx, result.Run))

	run, err := st.GetRun(ctx, result.Run.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusFailed, run.Status)
	require.Equal(t, ErrCancelled.Error(), run.ErrorMessage)
}

// blockingExecutor signals started, then blocks forever, modeling an
// in-flight agent turn for tests that only need to observe state while a
// dispatch is stuck mid-flight and never care how it eventually resolves.
type blockingExecutor struct {
	started chan struct{}
}

func (b blockingExecutor) Execute(_ context.Context, run store.Run, _ []store.InputImage) (json.RawMessage, error) {
	close(b.started)
	select {}
}
