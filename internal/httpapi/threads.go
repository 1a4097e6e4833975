package httpapi

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/basket/go-claw/internal/store"
)

// findActiveRunForThread returns the single running run bound to threadKey,
// if any (thread keys serialize execution, so at most one run is ever
// running per thread at a time — §5). Mirrors chatgateway.handleCancel's
// lookup, which has no dedicated per-thread store query to call instead.
func findActiveRunForThread(runs []store.Run, threadKey string) (store.Run, bool) {
	for _, run := range runs {
		if run.ThreadKey == threadKey {
			return run, true
		}
	}
	return store.Run{}, false
}

// handleCancelThread implements "cancel active run" (§6): finds the
// thread's sole running run, if any, and cancels it the same way the chat
// gateway's /cancel command does.
func (s *Server) handleCancelThread(c *gin.Context) {
	threadKey := c.Param("threadKey")
	running, err := s.cfg.Store.ListRunningRuns(c.Request.Context(), 0)
	if err != nil {
		writeError(c, 500, codeInternal, err.Error())
		return
	}
	run, ok := findActiveRunForThread(running, threadKey)
	if !ok {
		c.JSON(200, gin.H{"cancelled": false})
		return
	}
	if err := s.cfg.Runs.Cancel(c.Request.Context(), run); err != nil {
		writeError(c, 500, codeInternal, err.Error())
		return
	}
	c.JSON(200, gin.H{"cancelled": true, "run_id": run.RunID})
}

// handleResetThreadSession implements "delete (reset) session" (§6): drops
// the thread's bound agent session so its next run starts a fresh one.
func (s *Server) handleResetThreadSession(c *gin.Context) {
	threadKey := c.Param("threadKey")
	if err := s.cfg.Store.DeleteThreadSession(c.Request.Context(), threadKey); err != nil {
		writeError(c, 500, codeInternal, err.Error())
		return
	}
	c.Status(204)
}

// threadShareResponse is the payload for "share session" (§6). This daemon
// is single-user and local-only (§1), so there is no recipient to share
// with; "share" is implemented as a read-only export of the thread's
// current session binding, suitable for a caller to hand off or archive.
type threadShareResponse struct {
	ThreadKey   string `json:"thread_key"`
	SessionID   string `json:"session_id"`
	SessionFile string `json:"session_file"`
}

func (s *Server) handleShareThread(c *gin.Context) {
	threadKey := c.Param("threadKey")
	ts, err := s.cfg.Store.GetThreadSession(c.Request.Context(), threadKey)
	if err != nil {
		if errors.Is(err, store.ErrThreadSessionNotFound) {
			writeError(c, 404, codeThreadNotFound, err.Error())
			return
		}
		writeError(c, 500, codeInternal, err.Error())
		return
	}
	c.JSON(200, threadShareResponse{
		ThreadKey:   ts.ThreadKey,
		SessionID:   ts.SessionID,
		SessionFile: ts.SessionFile,
	})
}
