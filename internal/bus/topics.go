package bus

// Run progress event topics, published by the Thread Run Controller (C5) and
// consumed by run-progress subscribers (chat gateway, HTTP SSE handlers).
const (
	TopicRunQueued    = "run.queued"
	TopicRunDelivered = "run.delivered"
	TopicRunSucceeded = "run.succeeded"
	TopicRunFailed    = "run.failed"
	TopicRunEvent     = "run.event" // raw forwarded executor event, see RunProgressEvent
)

// Scheduled task engine event topics.
const (
	TopicTaskRunCreated    = "task_run.created"
	TopicTaskRunDispatched = "task_run.dispatched"
	TopicTaskRunSucceeded  = "task_run.succeeded"
	TopicTaskRunFailed     = "task_run.failed"
)

// RunProgressEvent is the payload published alongside TopicRunEvent and the
// run.* lifecycle topics. RunID correlates the event back to the submitting
// run; Kind mirrors the executor event types from the TurnSession contract
// (agent_start, turn_start, message_start, message_update, tool_execution_*,
// message_end, turn_end, agent_end) plus the synthetic "queued"/"delivered".
type RunProgressEvent struct {
	RunID   string      `json:"run_id"`
	Kind    string      `json:"kind"`
	Payload interface{} `json:"payload,omitempty"`
}

// TaskRunEvent is published when a scheduled task's materialized task-run
// changes state.
type TaskRunEvent struct {
	TaskID    string `json:"task_id"`
	TaskRunID string `json:"task_run_id"`
	RunID     string `json:"run_id,omitempty"`
	Status    string `json:"status"`
}
