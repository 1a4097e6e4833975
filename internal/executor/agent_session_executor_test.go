package executor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basket/go-claw/internal/agentsession"
	"github.com/basket/go-claw/internal/controller"
	"github.com/basket/go-claw/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// scriptedFactory opens one shared ScriptedSession per threadKey, recording
// the `existing` SessionID it was called with so tests can assert resume
// behavior.
type scriptedFactory struct {
	mu       sync.Mutex
	sessions map[string]*agentsession.ScriptedSession
	opened   []*agentsession.SessionID
}

func newScriptedFactory() *scriptedFactory {
	return &scriptedFactory{sessions: make(map[string]*agentsession.ScriptedSession)}
}

func (f *scriptedFactory) Open(_ context.Context, threadKey string, existing *agentsession.SessionID) (agentsession.TurnSession, agentsession.SessionID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, existing)
	session := agentsession.NewScriptedSession()
	f.sessions[threadKey] = session
	return session, agentsession.SessionID{SessionID: "sess-" + threadKey, SessionFile: "/tmp/" + threadKey + ".json"}, nil
}

func (f *scriptedFactory) openedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

func (f *scriptedFactory) sessionFor(threadKey string) *agentsession.ScriptedSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[threadKey]
}

func TestAgentSessionExecutor_OpensSessionOncePersistsBinding(t *testing.T) {
	st := newTestStore(t)
	factory := newScriptedFactory()
	exec := NewAgentSessionExecutor(st, factory, nil)
	ctx := context.Background()

	run := store.Run{RunID: "r1", ThreadKey: "t1", InputText: "hi", DeliveryMode: store.DeliveryModeFollowUp}

	resultCh := make(chan struct {
		out []byte
		err error
	}, 1)
	go func() {
		out, err := exec.Execute(ctx, run, nil)
		resultCh <- struct {
			out []byte
			err error
		}{out, err}
	}()

	session := waitForSession(t, factory, "t1")
	require.Eventually(t, func() bool { return len(session.Calls()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, "prompt", session.Calls()[0].Kind)

	session.Emit(agentsession.Event{Kind: agentsession.EventMessageStart, Role: agentsession.RoleUser, Text: "hi"})
	session.Emit(agentsession.Event{Kind: agentsession.EventMessageEnd, Role: agentsession.RoleAssistant, Text: "hello back", Provider: "acme"})

	res := <-resultCh
	require.NoError(t, res.err)
	var out controller.TurnOutput
	require.NoError(t, json.Unmarshal(res.out, &out))
	require.Equal(t, "hello back", out.Text)

	persisted, err := st.GetThreadSession(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "sess-t1", persisted.SessionID)

	// A second run on the same thread reuses the live session/controller,
	// it does not call factory.Open again.
	run2 := store.Run{RunID: "r2", ThreadKey: "t1", InputText: "again", DeliveryMode: store.DeliveryModeFollowUp}
	go func() { _, _ = exec.Execute(ctx, run2, nil) }()
	require.Eventually(t, func() bool { return len(session.Calls()) == 2 }, time.Second, time.Millisecond)
	require.Equal(t, 1, factory.openedCount())
}

func TestAgentSessionExecutor_ResetThreadClosesSessionAndBinding(t *testing.T) {
	st := newTestStore(t)
	factory := newScriptedFactory()
	exec := NewAgentSessionExecutor(st, factory, nil)
	ctx := context.Background()

	run := store.Run{RunID: "r1", ThreadKey: "t1", InputText: "hi", DeliveryMode: store.DeliveryModeFollowUp}
	go func() { _, _ = exec.Execute(ctx, run, nil) }()

	session := waitForSession(t, factory, "t1")
	require.Eventually(t, func() bool { return len(session.Calls()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, exec.ResetThread(ctx, "t1"))

	_, err := st.GetThreadSession(ctx, "t1")
	require.ErrorIs(t, err, store.ErrThreadSessionNotFound)

	// A subsequent run re-opens a fresh session via the factory.
	run2 := store.Run{RunID: "r2", ThreadKey: "t1", InputText: "hi again", DeliveryMode: store.DeliveryModeFollowUp}
	go func() { _, _ = exec.Execute(ctx, run2, nil) }()
	require.Eventually(t, func() bool { return factory.openedCount() == 2 }, time.Second, time.Millisecond)
}

func waitForSession(t *testing.T, factory *scriptedFactory, threadKey string) *agentsession.ScriptedSession {
	t.Helper()
	var session *agentsession.ScriptedSession
	require.Eventually(t, func() bool {
		session = factory.sessionFor(threadKey)
		return session != nil
	}, time.Second, time.Millisecond)
	return session
}
