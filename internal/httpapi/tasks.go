package httpapi

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/basket/go-claw/internal/store"
)

// taskRequest is the JSON body for POST /v1/tasks (create) and the mutable
// subset accepted by PATCH /v1/tasks/{id}.
type taskRequest struct {
	Title              string                `json:"title"`
	Instructions       string                `json:"instructions"`
	ScheduleKind       string                `json:"schedule_kind,omitempty"`
	OnceAt             *time.Time            `json:"once_at,omitempty"`
	CronExpr           string                `json:"cron_expr,omitempty"`
	RRuleExpr          string                `json:"rrule_expr,omitempty"`
	Timezone           string                `json:"timezone,omitempty"`
	Enabled            *bool                 `json:"enabled,omitempty"`
	CreatorThreadKey   string                `json:"creator_thread_key,omitempty"`
	OwnerUserKey       string                `json:"owner_user_key,omitempty"`
	DeliveryTarget     *store.DeliveryTarget `json:"delivery_target,omitempty"`
	ExecutionThreadKey string                `json:"execution_thread_key,omitempty"`
}

type taskResponse struct {
	TaskID             string               `json:"task_id"`
	Title              string               `json:"title"`
	Instructions       string               `json:"instructions"`
	ScheduleKind       string               `json:"schedule_kind"`
	OnceAt             *time.Time           `json:"once_at,omitempty"`
	CronExpr           string               `json:"cron_expr,omitempty"`
	RRuleExpr          string               `json:"rrule_expr,omitempty"`
	Timezone           string               `json:"timezone"`
	Enabled            bool                 `json:"enabled"`
	NextRunAt          *time.Time           `json:"next_run_at,omitempty"`
	CreatorThreadKey   string               `json:"creator_thread_key"`
	OwnerUserKey       string               `json:"owner_user_key,omitempty"`
	DeliveryTarget     store.DeliveryTarget `json:"delivery_target"`
	ExecutionThreadKey string               `json:"execution_thread_key,omitempty"`
	LastRunAt          *time.Time           `json:"last_run_at,omitempty"`
	LastRunStatus      string               `json:"last_run_status,omitempty"`
	LastErrorMessage   string               `json:"last_error_message,omitempty"`
}

func taskToResponse(t store.ScheduledTask) taskResponse {
	return taskResponse{
		TaskID:             t.TaskID,
		Title:              t.Title,
		Instructions:       t.Instructions,
		ScheduleKind:       t.ScheduleKind,
		OnceAt:             t.OnceAt,
		CronExpr:           t.CronExpr,
		RRuleExpr:          t.RRuleExpr,
		Timezone:           t.Timezone,
		Enabled:            t.Enabled,
		NextRunAt:          t.NextRunAt,
		CreatorThreadKey:   t.CreatorThreadKey,
		OwnerUserKey:       t.OwnerUserKey,
		DeliveryTarget:     t.DeliveryTarget,
		ExecutionThreadKey: t.ExecutionThreadKey,
		LastRunAt:          t.LastRunAt,
		LastRunStatus:      t.LastRunStatus,
		LastErrorMessage:   t.LastErrorMessage,
	}
}

// handleListTasks implements "list (filter by thread, by state)" (§6).
// "state" has no single matching store column: it selects on the
// enabled/disabled flag for the literal values "enabled"/"disabled", and on
// the task's last run status (pending/succeeded/failed) for any other
// value. See DESIGN.md for this reading of an otherwise loosely specified
// filter.
func (s *Server) handleListTasks(c *gin.Context) {
	threadKey := c.Query("thread_key")
	state := strings.ToLower(strings.TrimSpace(c.Query("state")))

	tasks, err := s.cfg.Store.ListTasks(c.Request.Context(), threadKey)
	if err != nil {
		writeError(c, 500, codeTasksUnavailable, err.Error())
		return
	}

	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		if !taskMatchesState(t, state) {
			continue
		}
		out = append(out, taskToResponse(t))
	}
	c.JSON(200, gin.H{"tasks": out})
}

func taskMatchesState(t store.ScheduledTask, state string) bool {
	switch state {
	case "":
		return true
	case "enabled":
		return t.Enabled
	case "disabled":
		return !t.Enabled
	default:
		return t.LastRunStatus == state
	}
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, 400, codeInvalidTaskPayload, err.Error())
		return
	}
	if req.Title == "" || req.Instructions == "" || req.ScheduleKind == "" || req.CreatorThreadKey == "" {
		writeError(c, 400, codeInvalidTaskPayload,
			"title, instructions, schedule_kind and creator_thread_key are required")
		return
	}

	task := store.ScheduledTask{
		Title:            req.Title,
		Instructions:     req.Instructions,
		ScheduleKind:     req.ScheduleKind,
		OnceAt:           req.OnceAt,
		CronExpr:         req.CronExpr,
		RRuleExpr:        req.RRuleExpr,
		Timezone:         req.Timezone,
		Enabled:          true,
		CreatorThreadKey: req.CreatorThreadKey,
		OwnerUserKey:     req.OwnerUserKey,
	}
	if req.Enabled != nil {
		task.Enabled = *req.Enabled
	}
	if req.DeliveryTarget != nil {
		task.DeliveryTarget = *req.DeliveryTarget
	}

	taskID, err := s.cfg.Store.CreateTask(c.Request.Context(), task)
	if err != nil {
		writeError(c, 500, codeTaskCreateError, err.Error())
		return
	}
	created, err := s.cfg.Store.GetTask(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, 500, codeTaskCreateError, err.Error())
		return
	}
	c.JSON(201, taskToResponse(*created))
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.cfg.Store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, 404, codeTaskNotFound, err.Error())
		return
	}
	c.JSON(200, taskToResponse(*task))
}

func (s *Server) handlePatchTask(c *gin.Context) {
	taskID := c.Param("id")
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, 400, codeInvalidTaskPayload, err.Error())
		return
	}

	patch := store.TaskPatch{}
	if req.Title != "" {
		patch.Title = &req.Title
	}
	if req.Instructions != "" {
		patch.Instructions = &req.Instructions
	}
	if req.Enabled != nil {
		patch.Enabled = req.Enabled
	}
	if req.CronExpr != "" {
		patch.CronExpr = &req.CronExpr
	}
	if req.RRuleExpr != "" {
		patch.RRuleExpr = &req.RRuleExpr
	}
	if req.OnceAt != nil {
		patch.OnceAt = req.OnceAt
	}
	if req.Timezone != "" {
		patch.Timezone = &req.Timezone
	}

	if err := s.cfg.Store.PatchTask(c.Request.Context(), taskID, patch); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(c, 404, codeTaskNotFound, err.Error())
			return
		}
		writeError(c, 500, codeInternal, err.Error())
		return
	}
	task, err := s.cfg.Store.GetTask(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, 404, codeTaskNotFound, err.Error())
		return
	}
	c.JSON(200, taskToResponse(*task))
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	if err := s.cfg.Store.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(c, 404, codeTaskNotFound, err.Error())
			return
		}
		writeError(c, 500, codeInternal, err.Error())
		return
	}
	c.Status(204)
}

// handleRunNowTask implements "run-now" (§6) by delegating to the
// Scheduled Task Engine's RunNow, which materializes (or reuses) today's
// task-run row and dispatches it immediately (§4.7).
func (s *Server) handleRunNowTask(c *gin.Context) {
	taskID := c.Param("id")
	if s.cfg.Tasks == nil {
		writeError(c, 503, codeTasksUnavailable, "task engine not configured")
		return
	}
	taskRun, err := s.cfg.Tasks.RunNow(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			writeError(c, 404, codeTaskNotFound, err.Error())
			return
		}
		writeError(c, 500, codeTaskRunNowError, err.Error())
		return
	}
	c.JSON(200, gin.H{
		"task_run_id":   taskRun.TaskRunID,
		"task_id":       taskRun.TaskID,
		"run_id":        taskRun.RunID,
		"status":        taskRun.Status,
		"error_message": taskRun.ErrorMessage,
	})
}
