package main

import (
	"encoding/json"
	"time"
)

// The following mirror httpapi's unexported request/response structs
// (internal/httpapi/runs.go, tasks.go). They are redeclared here rather
// than imported because httpapi keeps its wire types package-private —
// this client only needs the JSON shape, not httpapi's internals.

type runCreateRequest struct {
	Source          string          `json:"source"`
	ThreadKey       string          `json:"thread_key"`
	UserKey         string          `json:"user_key,omitempty"`
	DeliveryMode    string          `json:"delivery_mode"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	InputText       string          `json:"input_text"`
	ClaimChatImages bool            `json:"claim_chat_images,omitempty"`
}

type runResponse struct {
	RunID        string          `json:"run_id"`
	Source       string          `json:"source"`
	ThreadKey    string          `json:"thread_key"`
	UserKey      string          `json:"user_key"`
	DeliveryMode string          `json:"delivery_mode"`
	Status       string          `json:"status"`
	InputText    string          `json:"input_text"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Deduplicated bool            `json:"deduplicated,omitempty"`
}

type taskRequest struct {
	Title              string     `json:"title,omitempty"`
	Instructions       string     `json:"instructions,omitempty"`
	ScheduleKind       string     `json:"schedule_kind,omitempty"`
	OnceAt             *time.Time `json:"once_at,omitempty"`
	CronExpr           string     `json:"cron_expr,omitempty"`
	RRuleExpr          string     `json:"rrule_expr,omitempty"`
	Timezone           string     `json:"timezone,omitempty"`
	Enabled            *bool      `json:"enabled,omitempty"`
	CreatorThreadKey   string     `json:"creator_thread_key,omitempty"`
	OwnerUserKey       string     `json:"owner_user_key,omitempty"`
	ExecutionThreadKey string     `json:"execution_thread_key,omitempty"`
}

type taskResponse struct {
	TaskID             string     `json:"task_id"`
	Title              string     `json:"title"`
	Instructions       string     `json:"instructions"`
	ScheduleKind       string     `json:"schedule_kind"`
	OnceAt             *time.Time `json:"once_at,omitempty"`
	CronExpr           string     `json:"cron_expr,omitempty"`
	RRuleExpr          string     `json:"rrule_expr,omitempty"`
	Timezone           string     `json:"timezone"`
	Enabled            bool       `json:"enabled"`
	NextRunAt          *time.Time `json:"next_run_at,omitempty"`
	CreatorThreadKey   string     `json:"creator_thread_key"`
	OwnerUserKey       string     `json:"owner_user_key,omitempty"`
	ExecutionThreadKey string     `json:"execution_thread_key,omitempty"`
	LastRunAt          *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus      string     `json:"last_run_status,omitempty"`
	LastErrorMessage   string     `json:"last_error_message,omitempty"`
}

type taskListResponse struct {
	Tasks []taskResponse `json:"tasks"`
}
