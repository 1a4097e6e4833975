package httpapi

import (
	"github.com/gin-gonic/gin"
)

// errorBody is the `{error: {code, message}}` envelope from §6.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// Stable error codes named in §6/§7.
const (
	codeInvalidTaskPayload  = "invalid_task_payload"
	codeInvalidThreadKey    = "invalid_thread_key"
	codeInvalidTaskQuery    = "invalid_task_query"
	codeInvalidRunPayload   = "invalid_run_payload"
	codeTaskNotFound        = "task_not_found"
	codeRunNotFound         = "run_not_found"
	codeThreadNotFound      = "thread_not_found"
	codeTasksUnavailable    = "tasks_unavailable"
	codeTaskCreateError     = "task_create_error"
	codeTaskRunNowError     = "task_run_now_error"
	codeIdempotencyMismatch = "IdempotencyPayloadMismatch"
	codeMethodNotAllowed    = "method_not_allowed"
	codeInputRejected       = "input_rejected"
	codeInternal            = "internal_error"
)

func writeError(c *gin.Context, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	c.AbortWithStatusJSON(status, body)
}
