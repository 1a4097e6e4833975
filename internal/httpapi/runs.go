package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/runservice"
	"github.com/basket/go-claw/internal/store"
)

// runCreateRequest is the JSON body for POST /v1/runs (run intake, §4.1).
type runCreateRequest struct {
	Source          string          `json:"source"`
	ThreadKey       string          `json:"thread_key"`
	UserKey         string          `json:"user_key"`
	DeliveryMode    string          `json:"delivery_mode"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	InputText       string          `json:"input_text"`
	Images          []runImageInput `json:"images,omitempty"`
	ClaimChatImages bool            `json:"claim_chat_images,omitempty"`
}

type runImageInput struct {
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	DataB64  string `json:"data_base64"`
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

func runToResponse(run store.Run, deduplicated bool) runResponse {
	return runResponse{
		RunID:        run.RunID,
		Source:       run.Source,
		ThreadKey:    run.ThreadKey,
		UserKey:      run.UserKey,
		DeliveryMode: run.DeliveryMode,
		Status:       run.Status,
		InputText:    run.InputText,
		Output:       run.Output,
		ErrorMessage: run.ErrorMessage,
		Deduplicated: deduplicated,
	}
}

func (s *Server) handleCreateRun(c *gin.Context) {
	var req runCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, 400, codeInvalidRunPayload, err.Error())
		return
	}
	if req.Source == "" || req.ThreadKey == "" || req.DeliveryMode == "" {
		writeError(c, 400, codeInvalidRunPayload, "source, thread_key and delivery_mode are required")
		return
	}

	images := make([]store.IngestImage, 0, len(req.Images))
	for _, img := range req.Images {
		raw, err := base64.StdEncoding.DecodeString(img.DataB64)
		if err != nil {
			writeError(c, 400, codeInvalidRunPayload, "image_base64_invalid")
			return
		}
		images = append(images, store.IngestImage{MimeType: img.MimeType, Filename: img.Filename, Bytes: raw})
	}

	result, err := s.cfg.Runs.Ingest(c.Request.Context(), store.IngestMessage{
		Source:          req.Source,
		ThreadKey:       req.ThreadKey,
		UserKey:         req.UserKey,
		DeliveryMode:    req.DeliveryMode,
		IdempotencyKey:  req.IdempotencyKey,
		InputText:       req.InputText,
		Images:          images,
		ClaimChatImages: req.ClaimChatImages,
	})
	if err != nil {
		if errors.Is(err, store.ErrIdempotencyPayloadMismatch) {
			writeError(c, 409, codeIdempotencyMismatch, err.Error())
			return
		}
		if errors.Is(err, runservice.ErrInputRejected) {
			writeError(c, 400, codeInputRejected, err.Error())
			return
		}
		writeError(c, 500, codeInternal, err.Error())
		return
	}
	c.JSON(201, runToResponse(result.Run, result.Deduplicated))
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.cfg.Store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, 404, codeRunNotFound, err.Error())
		return
	}
	c.JSON(200, runToResponse(*run, false))
}

func (s *Server) handleCancelRun(c *gin.Context) {
	runID := c.Param("id")
	run, err := s.cfg.Store.GetRun(c.Request.Context(), runID)
	if err != nil {
		writeError(c, 404, codeRunNotFound, err.Error())
		return
	}
	if run.Status != store.RunStatusRunning {
		c.JSON(200, runToResponse(*run, false))
		return
	}
	if err := s.cfg.Runs.Cancel(c.Request.Context(), *run); err != nil {
		writeError(c, 500, codeInternal, err.Error())
		return
	}
	run, err = s.cfg.Store.GetRun(c.Request.Context(), runID)
	if err != nil {
		writeError(c, 404, codeRunNotFound, err.Error())
		return
	}
	c.JSON(200, runToResponse(*run, false))
}

// handleWaitRun implements the run-intake "wait for terminal" operation
// (§6) as a long-poll: block on the bus for this run's terminal event (or
// the request's own context deadline/cancellation), falling back to
// returning the run's current state immediately if no bus is configured.
func (s *Server) handleWaitRun(c *gin.Context) {
	runID := c.Param("id")
	run, err := s.cfg.Store.GetRun(c.Request.Context(), runID)
	if err != nil {
		writeError(c, 404, codeRunNotFound, err.Error())
		return
	}
	if run.Status != store.RunStatusRunning || s.cfg.Bus == nil {
		c.JSON(200, runToResponse(*run, false))
		return
	}

	sub := s.cfg.Bus.Subscribe("run.")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			c.JSON(200, runToResponse(*run, false))
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				c.JSON(200, runToResponse(*run, false))
				return
			}
			progress, ok := ev.Payload.(bus.RunProgressEvent)
			if !ok || progress.RunID != runID {
				continue
			}
			if progress.Kind != store.RunStatusSucceeded && progress.Kind != store.RunStatusFailed {
				continue
			}
			final, err := s.cfg.Store.GetRun(ctx, runID)
			if err != nil {
				writeError(c, 404, codeRunNotFound, err.Error())
				return
			}
			c.JSON(200, runToResponse(*final, false))
			return
		}
	}
}

// handleStreamRun implements progress streaming via server-sent events
// (§6: "server-sent events or long-poll, implementation-free"). Each
// run.* event for this run id is forwarded as one SSE message via
// c.SSEvent, the way gin's own streaming examples use c.Writer.Flush()
// under the hood; the stream ends after a terminal event or when the
// client disconnects.
func (s *Server) handleStreamRun(c *gin.Context) {
	runID := c.Param("id")
	if s.cfg.Bus == nil {
		writeError(c, 503, codeInternal, "progress streaming unavailable")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(200)
	c.Writer.Flush()

	sub := s.cfg.Bus.Subscribe("run.")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			progress, ok := ev.Payload.(bus.RunProgressEvent)
			if !ok || progress.RunID != runID {
				continue
			}
			c.SSEvent(progress.Kind, progress)
			c.Writer.Flush()
			if progress.Kind == store.RunStatusSucceeded || progress.Kind == store.RunStatusFailed {
				return
			}
		}
	}
}
