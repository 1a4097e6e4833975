// Package executor implements the Run Executor (C4): the opaque driver
// that, given a run, produces a terminal output. Two implementations exist —
// EchoExecutor for tests and diagnostic mode, and AgentSessionExecutor which
// drives a real, resumable agent conversation through the Thread Run
// Controller (internal/controller).
package executor

import (
	"context"
	"encoding/json"

	"github.com/basket/go-claw/internal/store"
)

// Executor drives a single run to a terminal output. Execute blocks until
// the run completes or ctx is done; it never mutates the run's persisted
// status itself — that is the dispatcher's job (§4.5 step 3).
type Executor interface {
	Execute(ctx context.Context, run store.Run, images []store.InputImage) (json.RawMessage, error)
}

// messagePayload is the terminal output shape produced by EchoExecutor,
// matching §4.2's `{type: "message", text, delivery_mode}`.
type messagePayload struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	DeliveryMode string `json:"delivery_mode"`
}

// EchoExecutor returns the run's own input text as its output. Used by the
// RUNNER=echo configuration and by tests that need a deterministic, fast
// executor without spawning a real agent process.
type EchoExecutor struct{}

func (EchoExecutor) Execute(_ context.Context, run store.Run, _ []store.InputImage) (json.RawMessage, error) {
	return json.Marshal(messagePayload{Type: "message", Text: run.InputText, DeliveryMode: run.DeliveryMode})
}
