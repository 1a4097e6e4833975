// Package agentsession defines the contract the Thread Run Controller
// requires from a resumable agent conversation: fire-and-forget turn
// submission plus a single-threaded, ordered stream of typed turn events.
package agentsession

import "context"

// EventKind enumerates the typed events a TurnSession emits while driving a
// turn to completion.
type EventKind string

const (
	EventAgentStart          EventKind = "agent_start"
	EventTurnStart           EventKind = "turn_start"
	EventMessageStart        EventKind = "message_start"
	EventMessageUpdate       EventKind = "message_update"
	EventToolExecutionStart  EventKind = "tool_execution_start"
	EventToolExecutionUpdate EventKind = "tool_execution_update"
	EventToolExecutionEnd    EventKind = "tool_execution_end"
	EventMessageEnd          EventKind = "message_end"
	EventTurnEnd             EventKind = "turn_end"
	EventAgentEnd            EventKind = "agent_end"
)

// Role distinguishes the speaker of a message_start/message_end event.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Event is one entry in a TurnSession's event stream. Fields are populated
// according to Kind; irrelevant fields are left zero.
type Event struct {
	Kind EventKind

	// message_start / message_end
	Role Role
	Text string // accumulated text, populated on message_end

	// message_update
	Delta        string
	ContentIndex int

	// tool_execution_*
	ToolCallID string
	ToolName   string
	ToolArgs   []byte
	ToolResult []byte
	ToolIsError bool

	// message_end
	Provider         string
	Model            string
	StructuredOutput []byte

	// turn_end
	ToolResultCount int
}

// Image is one input image attached to a turn submission.
type Image struct {
	MimeType string
	Filename string
	Bytes    []byte
}

// TurnSession is a resumable agent conversation bound to one thread key.
// Prompt/FollowUp/Steer are fire-and-forget: they return once the call has
// been accepted by the underlying provider, not once the turn completes.
// Turn completion is observed through Events.
type TurnSession interface {
	// Prompt starts the session's first-ever turn.
	Prompt(ctx context.Context, text string, images []Image) error
	// FollowUp submits the next turn once the session already exists.
	FollowUp(ctx context.Context, text string, images []Image) error
	// Steer interrupts the in-flight turn with inline guidance.
	Steer(ctx context.Context, text string, images []Image) error
	// Events returns the session's single-threaded, ordered event stream.
	// The channel is closed once the session itself is closed.
	Events() <-chan Event
	// Abort asks the session to cancel its current turn, if any.
	Abort(ctx context.Context) error
	// Close releases any resources held by the session.
	Close() error
}

// SessionID identifies a persisted session binding for a thread (§3
// ThreadSession: threadKey -> (sessionId, sessionFile)).
type SessionID struct {
	SessionID   string
	SessionFile string
}

// Factory opens (or resumes) a TurnSession for a thread. Implementations
// decide what "resume" means for their provider (e.g. rehydrating an
// on-disk transcript named by SessionFile).
type Factory interface {
	Open(ctx context.Context, threadKey string, existing *SessionID) (TurnSession, SessionID, error)
}
