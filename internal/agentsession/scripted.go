package agentsession

import (
	"context"
	"sync"
)

// ScriptedSession is a TurnSession whose event stream is driven by the test
// (or a diagnostic caller) rather than a real agent runner. It records every
// Prompt/FollowUp/Steer call and lets the caller push events onto its
// stream at will, mirroring the teacher's pattern of registering a
// hand-built processor in place of a live one for deterministic tests.
type ScriptedSession struct {
	mu       sync.Mutex
	calls    []ScriptedCall
	events   chan Event
	aborted  bool
	abortErr error
}

// ScriptedCall records one Prompt/FollowUp/Steer invocation.
type ScriptedCall struct {
	Kind   string // "prompt" | "followUp" | "steer"
	Text   string
	Images []Image
}

// NewScriptedSession creates a session with a buffered event channel large
// enough for typical test scripts.
func NewScriptedSession() *ScriptedSession {
	return &ScriptedSession{events: make(chan Event, 256)}
}

func (s *ScriptedSession) Prompt(_ context.Context, text string, images []Image) error {
	return s.record("prompt", text, images)
}

func (s *ScriptedSession) FollowUp(_ context.Context, text string, images []Image) error {
	return s.record("followUp", text, images)
}

func (s *ScriptedSession) Steer(_ context.Context, text string, images []Image) error {
	return s.record("steer", text, images)
}

func (s *ScriptedSession) record(kind, text string, images []Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, ScriptedCall{Kind: kind, Text: text, Images: images})
	return nil
}

// Calls returns a copy of the calls made so far, for test assertions.
func (s *ScriptedSession) Calls() []ScriptedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScriptedCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *ScriptedSession) Events() <-chan Event { return s.events }

// Emit pushes an event onto the session's stream. Intended for test driver
// goroutines.
func (s *ScriptedSession) Emit(e Event) { s.events <- e }

// CloseEvents closes the event channel, simulating the provider connection
// ending.
func (s *ScriptedSession) CloseEvents() { close(s.events) }

func (s *ScriptedSession) Abort(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return s.abortErr
}

func (s *ScriptedSession) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *ScriptedSession) Close() error { return nil }
