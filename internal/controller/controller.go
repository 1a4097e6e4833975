// Package controller implements the Thread Run Controller: one instance per
// active agent session, correlating a TurnSession's single-threaded event
// stream back to the runs that were submitted to it.
//
// The teacher's engine keeps per-task mutable state (cancel funcs, active
// counts) behind a mutex and lets goroutines mutate it directly; here the
// same "explicit state owned by one loop" idea is pushed further into a
// single-goroutine state machine fed by an inbox channel, so submissions
// and session events are always processed in a single total order and the
// correlation logic has no shared mutable state to race on.
package controller

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/go-claw/internal/agentsession"
)

// DeliveryMode mirrors store.DeliveryMode* without importing the store
// package, keeping the controller storage-agnostic.
type DeliveryMode string

const (
	DeliveryModeFollowUp DeliveryMode = "followUp"
	DeliveryModeSteer    DeliveryMode = "steer"
)

// Result is what Submit resolves with once a run reaches a terminal state.
type Result struct {
	Output []byte
	Err    error
}

// TurnOutput is the JSON shape written into a run's `output` column once its
// assistant turn resolves.
type TurnOutput struct {
	Text             string          `json:"text"`
	Provider         string          `json:"provider,omitempty"`
	Model            string          `json:"model,omitempty"`
	DeliveryMode     DeliveryMode    `json:"delivery_mode"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
}

// ProgressEvent is forwarded to an optional sink for every real or synthetic
// event the controller observes, tagged with the run id it was correlated
// to.
type ProgressEvent struct {
	RunID string
	Kind  string // agentsession.EventKind values, plus "queued"/"delivered"
	Event *agentsession.Event
}

// ProgressSink receives a ProgressEvent. Implementations must not block for
// long; the controller's single loop goroutine calls it synchronously.
type ProgressSink func(ProgressEvent)

type submission struct {
	runID    string
	mode     DeliveryMode
	text     string
	images   []agentsession.Image
	resultCh chan Result
}

type cancelRequest struct {
	runID string
	err   error
	found chan bool
}

type inboxMsg struct {
	submit       *submission
	event        *agentsession.Event
	eventsClosed bool
	cancel       *cancelRequest
}

// Controller correlates runs submitted against a single TurnSession.
type Controller struct {
	threadKey  string
	session    agentsession.TurnSession
	onProgress ProgressSink

	inbox chan inboxMsg
	done  chan struct{}
}

// New creates a Controller and starts its event pump and processing loop.
func New(threadKey string, session agentsession.TurnSession, onProgress ProgressSink) *Controller {
	c := &Controller{
		threadKey:  threadKey,
		session:    session,
		onProgress: onProgress,
		inbox:      make(chan inboxMsg, 64),
		done:       make(chan struct{}),
	}
	go c.pumpEvents()
	go c.loop()
	return c
}

func (c *Controller) pumpEvents() {
	for ev := range c.session.Events() {
		ev := ev
		c.inbox <- inboxMsg{event: &ev}
	}
	c.inbox <- inboxMsg{eventsClosed: true}
}

// Submit appends a run to the matching queue and blocks until it resolves,
// is cancelled, or ctx is done.
func (c *Controller) Submit(ctx context.Context, runID string, mode DeliveryMode, text string, images []agentsession.Image) ([]byte, error) {
	sub := &submission{runID: runID, mode: mode, text: text, images: images, resultCh: make(chan Result, 1)}
	select {
	case c.inbox <- inboxMsg{submit: sub}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("controller for thread %q is stopped", c.threadKey)
	}
	c.notify(runID, "queued", nil)
	select {
	case res := <-sub.resultCh:
		return res.Output, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel resolves runID with err if it is still queued or pending, and asks
// the underlying session to abort its current turn. Returns false if runID
// was not found (e.g. it already resolved).
func (c *Controller) Cancel(ctx context.Context, runID string, err error) bool {
	req := &cancelRequest{runID: runID, err: err, found: make(chan bool, 1)}
	select {
	case c.inbox <- inboxMsg{cancel: req}:
	case <-c.done:
		return false
	}
	_ = c.session.Abort(ctx)
	select {
	case found := <-req.found:
		return found
	case <-c.done:
		return false
	}
}

// Stopped reports whether the controller's loop has exited (e.g. because
// the session's event stream closed).
func (c *Controller) Stopped() <-chan struct{} { return c.done }

type controllerState struct {
	followUp    []*submission
	steer       []*submission
	pending     []*submission
	activeRunID string
	firstCall   bool
}

func (c *Controller) loop() {
	st := controllerState{firstCall: true}
	for msg := range c.inbox {
		switch {
		case msg.submit != nil:
			if msg.submit.mode == DeliveryModeSteer {
				st.steer = append(st.steer, msg.submit)
			} else {
				st.followUp = append(st.followUp, msg.submit)
			}
			c.dispatchAvailable(&st)
		case msg.event != nil:
			c.handleEvent(&st, *msg.event)
		case msg.cancel != nil:
			c.handleCancel(&st, msg.cancel)
		case msg.eventsClosed:
			c.failAllPending(&st, fmt.Errorf("agent session closed unexpectedly"))
			close(c.done)
			return
		}
	}
}

// dispatchAvailable eagerly delivers every queued submission to the session
// (steer ahead of followUp), moving each into the pending deque in
// dispatch order. Dispatch calls are fire-and-forget, so nothing here waits
// for a turn to finish before starting the next delivery.
func (c *Controller) dispatchAvailable(st *controllerState) {
	ctx := context.Background()
	for {
		var sub *submission
		switch {
		case len(st.steer) > 0:
			sub, st.steer = st.steer[0], st.steer[1:]
		case len(st.followUp) > 0:
			sub, st.followUp = st.followUp[0], st.followUp[1:]
		default:
			return
		}

		var err error
		if st.firstCall {
			err = c.session.Prompt(ctx, sub.text, sub.images)
			st.firstCall = false
		} else if sub.mode == DeliveryModeSteer {
			err = c.session.Steer(ctx, sub.text, sub.images)
		} else {
			err = c.session.FollowUp(ctx, sub.text, sub.images)
		}
		if err != nil {
			sub.resultCh <- Result{Err: err}
			continue
		}
		st.pending = append(st.pending, sub)
		c.notify(sub.runID, "delivered", nil)
	}
}

func (c *Controller) headRunID(st *controllerState) string {
	if st.activeRunID != "" {
		return st.activeRunID
	}
	if len(st.pending) > 0 {
		return st.pending[0].runID
	}
	return ""
}

func (c *Controller) handleEvent(st *controllerState, ev agentsession.Event) {
	switch ev.Kind {
	case agentsession.EventAgentStart, agentsession.EventTurnStart:
		c.notify(c.headRunID(st), string(ev.Kind), &ev)

	case agentsession.EventMessageStart:
		if ev.Role == agentsession.RoleUser {
			st.activeRunID = c.correlateUserMessage(st, ev)
		}
		c.notify(c.headRunID(st), string(ev.Kind), &ev)

	case agentsession.EventMessageUpdate, agentsession.EventToolExecutionStart,
		agentsession.EventToolExecutionUpdate, agentsession.EventToolExecutionEnd:
		c.notify(c.headRunID(st), string(ev.Kind), &ev)

	case agentsession.EventMessageEnd:
		if ev.Role == agentsession.RoleAssistant {
			c.resolveActive(st, ev)
		} else {
			c.notify(c.headRunID(st), string(ev.Kind), &ev)
		}

	case agentsession.EventTurnEnd:
		c.notify(c.headRunID(st), string(ev.Kind), &ev)
		st.activeRunID = ""

	case agentsession.EventAgentEnd:
		c.notify(c.headRunID(st), string(ev.Kind), &ev)
		c.failAllPending(st, fmt.Errorf("agent ended before message delivery"))
	}
}

// correlateUserMessage finds the earliest pending submission whose text
// matches the event (submission-order tie-break), falling back to the
// head of the deque so a steer tag with no exact text match still attaches
// to the oldest unresolved run.
func (c *Controller) correlateUserMessage(st *controllerState, ev agentsession.Event) string {
	for _, p := range st.pending {
		if p.text == ev.Text {
			return p.runID
		}
	}
	if len(st.pending) > 0 {
		return st.pending[0].runID
	}
	return ""
}

func (c *Controller) resolveActive(st *controllerState, ev agentsession.Event) {
	runID := c.headRunID(st)
	idx := -1
	for i, p := range st.pending {
		if p.runID == runID {
			idx = i
			break
		}
	}
	c.notify(runID, string(ev.Kind), &ev)
	if idx >= 0 {
		sub := st.pending[idx]
		st.pending = append(st.pending[:idx], st.pending[idx+1:]...)
		out := TurnOutput{
			Text: ev.Text, Provider: ev.Provider, Model: ev.Model, DeliveryMode: sub.mode,
		}
		if len(ev.StructuredOutput) > 0 {
			out.StructuredOutput = ev.StructuredOutput
		}
		payload, err := json.Marshal(out)
		if err != nil {
			sub.resultCh <- Result{Err: fmt.Errorf("encode turn output: %w", err)}
		} else {
			sub.resultCh <- Result{Output: payload}
		}
	}
	st.activeRunID = ""
}

func (c *Controller) handleCancel(st *controllerState, req *cancelRequest) {
	if removed := removeByRunID(&st.steer, req.runID); removed != nil {
		removed.resultCh <- Result{Err: req.err}
		req.found <- true
		return
	}
	if removed := removeByRunID(&st.followUp, req.runID); removed != nil {
		removed.resultCh <- Result{Err: req.err}
		req.found <- true
		return
	}
	if removed := removeByRunID(&st.pending, req.runID); removed != nil {
		if st.activeRunID == req.runID {
			st.activeRunID = ""
		}
		removed.resultCh <- Result{Err: req.err}
		req.found <- true
		return
	}
	req.found <- false
}

func removeByRunID(queue *[]*submission, runID string) *submission {
	for i, s := range *queue {
		if s.runID == runID {
			*queue = append((*queue)[:i], (*queue)[i+1:]...)
			return s
		}
	}
	return nil
}

func (c *Controller) failAllPending(st *controllerState, err error) {
	for _, s := range st.pending {
		s.resultCh <- Result{Err: err}
	}
	for _, s := range st.followUp {
		s.resultCh <- Result{Err: err}
	}
	for _, s := range st.steer {
		s.resultCh <- Result{Err: err}
	}
	st.pending, st.followUp, st.steer = nil, nil, nil
}

func (c *Controller) notify(runID, kind string, ev *agentsession.Event) {
	if c.onProgress == nil || runID == "" {
		return
	}
	c.onProgress(ProgressEvent{RunID: runID, Kind: kind, Event: ev})
}
