package controller

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basket/go-claw/internal/agentsession"
)

type progressRecorder struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *progressRecorder) sink(ev ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *progressRecorder) kindsFor(runID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.RunID == runID {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func submitAsync(t *testing.T, c *Controller, runID string, mode DeliveryMode, text string) <-chan Result {
	t.Helper()
	resCh := make(chan Result, 1)
	go func() {
		out, err := c.Submit(context.Background(), runID, mode, text, nil)
		resCh <- Result{Output: out, Err: err}
	}()
	return resCh
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for controller result")
		return Result{}
	}
}

func TestController_SingleRunResolves(t *testing.T) {
	session := agentsession.NewScriptedSession()
	rec := &progressRecorder{}
	c := New("thread-1", session, rec.sink)

	resCh := submitAsync(t, c, "run-1", DeliveryModeFollowUp, "hi there")

	require.Eventually(t, func() bool { return len(session.Calls()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, "prompt", session.Calls()[0].Kind)

	session.Emit(agentsession.Event{Kind: agentsession.EventAgentStart})
	session.Emit(agentsession.Event{Kind: agentsession.EventTurnStart})
	session.Emit(agentsession.Event{Kind: agentsession.EventMessageStart, Role: agentsession.RoleUser, Text: "hi there"})
	session.Emit(agentsession.Event{Kind: agentsession.EventMessageStart, Role: agentsession.RoleAssistant})
	session.Emit(agentsession.Event{Kind: agentsession.EventMessageEnd, Role: agentsession.RoleAssistant, Text: "hello!", Provider: "acme", Model: "m1"})
	session.Emit(agentsession.Event{Kind: agentsession.EventTurnEnd})

	res := waitResult(t, resCh)
	require.NoError(t, res.Err)

	var out TurnOutput
	require.NoError(t, json.Unmarshal(res.Output, &out))
	require.Equal(t, "hello!", out.Text)
	require.Equal(t, "acme", out.Provider)
	require.Equal(t, DeliveryModeFollowUp, out.DeliveryMode)

	kinds := rec.kindsFor("run-1")
	require.Contains(t, kinds, "queued")
	require.Contains(t, kinds, "delivered")
	require.Contains(t, kinds, string(agentsession.EventMessageEnd))
}

func TestController_TwoRunsCorrelateByText(t *testing.T) {
	session := agentsession.NewScriptedSession()
	rec := &progressRecorder{}
	c := New("thread-1", session, rec.sink)

	res1 := submitAsync(t, c, "run-1", DeliveryModeFollowUp, "first")
	require.Eventually(t, func() bool { return len(session.Calls()) == 1 }, time.Second, time.Millisecond)

	res2 := submitAsync(t, c, "run-2", DeliveryModeFollowUp, "second")
	require.Eventually(t, func() bool { return len(session.Calls()) == 2 }, time.Second, time.Millisecond)

	require.Equal(t, "prompt", session.Calls()[0].Kind)
	require.Equal(t, "followUp", session.Calls()[1].Kind)

	// Provider resolves "second" first, out of submission order.
	session.Emit(agentsession.Event{Kind: agentsession.EventMessageStart, Role: agentsession.RoleUser, Text: "second"})
	session.Emit(agentsession.Event{Kind: agentsession.EventMessageEnd, Role: agentsession.RoleAssistant, Text: "second reply"})

	r2 := waitResult(t, res2)
	require.NoError(t, r2.Err)
	var out2 TurnOutput
	require.NoError(t, json.Unmarshal(r2.Output, &out2))
	require.Equal(t, "second reply", out2.Text)

	session.Emit(agentsession.Event{Kind: agentsession.EventMessageStart, Role: agentsession.RoleUser, Text: "first"})
	session.Emit(agentsession.Event{Kind: agentsession.EventMessageEnd, Role: agentsession.RoleAssistant, Text: "first reply"})

	r1 := waitResult(t, res1)
	require.NoError(t, r1.Err)
	var out1 TurnOutput
	require.NoError(t, json.Unmarshal(r1.Output, &out1))
	require.Equal(t, "first reply", out1.Text)
}

func TestController_SteerJumpsAheadOfFollowUp(t *testing.T) {
	session := agentsession.NewScriptedSession()
	c := New("thread-1", session, nil)

	submitAsync(t, c, "run-1", DeliveryModeFollowUp, "first turn")
	require.Eventually(t, func() bool { return len(session.Calls()) == 1 }, time.Second, time.Millisecond)

	submitAsync(t, c, "run-2", DeliveryModeFollowUp, "queued follow up")
	submitAsync(t, c, "run-3", DeliveryModeSteer, "steer now")

	require.Eventually(t, func() bool { return len(session.Calls()) == 3 }, time.Second, time.Millisecond)
	require.Equal(t, "steer", session.Calls()[1].Kind)
	require.Equal(t, "followUp", session.Calls()[2].Kind)
}

func TestController_AgentEndBeforeResolutionFailsPending(t *testing.T) {
	session := agentsession.NewScriptedSession()
	c := New("thread-1", session, nil)

	resCh := submitAsync(t, c, "run-1", DeliveryModeFollowUp, "hi")
	require.Eventually(t, func() bool { return len(session.Calls()) == 1 }, time.Second, time.Millisecond)

	session.Emit(agentsession.Event{Kind: agentsession.EventAgentEnd})

	res := waitResult(t, resCh)
	require.Error(t, res.Err)
}

func TestController_EventsClosedFailsEverythingOutstanding(t *testing.T) {
	session := agentsession.NewScriptedSession()
	c := New("thread-1", session, nil)

	resCh := submitAsync(t, c, "run-1", DeliveryModeFollowUp, "hi")
	require.Eventually(t, func() bool { return len(session.Calls()) == 1 }, time.Second, time.Millisecond)

	session.CloseEvents()

	res := waitResult(t, resCh)
	require.Error(t, res.Err)

	select {
	case <-c.Stopped():
	case <-time.After(time.Second):
		t.Fatal("expected controller to stop once event stream closed")
	}
}

func TestController_CancelQueuedRun(t *testing.T) {
	session := agentsession.NewScriptedSession()
	c := New("thread-1", session, nil)

	submitAsync(t, c, "run-1", DeliveryModeFollowUp, "first")
	require.Eventually(t, func() bool { return len(session.Calls()) == 1 }, time.Second, time.Millisecond)

	resCh := submitAsync(t, c, "run-2", DeliveryModeFollowUp, "queued")
	// give the loop a moment to enqueue run-2 as pending (dispatch happens
	// eagerly, so it is already in the pending deque, not the followUp queue)
	require.Eventually(t, func() bool { return len(session.Calls()) == 2 }, time.Second, time.Millisecond)

	found := c.Cancel(context.Background(), "run-2", context.Canceled)
	require.True(t, found)

	res := waitResult(t, resCh)
	require.ErrorIs(t, res.Err, context.Canceled)
}
