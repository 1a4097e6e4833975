package bus

import "testing"

func TestEventTopics_Constants(t *testing.T) {
	topics := map[string]bool{
		TopicRunQueued:         true,
		TopicRunDelivered:      true,
		TopicRunSucceeded:      true,
		TopicRunFailed:         true,
		TopicRunEvent:          true,
		TopicTaskRunCreated:    true,
		TopicTaskRunDispatched: true,
		TopicTaskRunSucceeded:  true,
		TopicTaskRunFailed:     true,
	}
	for name, nonEmpty := range topics {
		if !nonEmpty || name == "" {
			t.Fatalf("topic constant is empty")
		}
	}
	if len(topics) != 9 {
		t.Fatalf("expected 9 unique topics, got %d", len(topics))
	}
}

func TestRunProgressEvent_Fields(t *testing.T) {
	ev := RunProgressEvent{
		RunID:   "run-123",
		Kind:    "message_update",
		Payload: map[string]string{"delta": "hi"},
	}
	if ev.RunID == "" {
		t.Fatal("RunID must not be empty")
	}
	if ev.Kind == "" {
		t.Fatal("Kind must not be empty")
	}
}

func TestTaskRunEvent_Fields(t *testing.T) {
	ev := TaskRunEvent{
		TaskID:    "task-1",
		TaskRunID: "taskrun-1",
		RunID:     "run-1",
		Status:    "dispatched",
	}
	if ev.TaskID == "" || ev.TaskRunID == "" || ev.Status == "" {
		t.Fatal("required fields must not be empty")
	}
}
