package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/store"
)

// upgrader accepts any origin: the daemon only ever binds to localhost
// (§6, HOST defaults to 127.0.0.1), so there is no cross-origin browser
// client to police, mirroring kdlbs-kandev's gateway/websocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsPingInterval = 20 * time.Second

// handleTailRun upgrades to a WebSocket and forwards this run's run.*
// progress events as JSON text frames — the transport alternative to
// handleStreamRun's SSE named in SPEC_FULL's domain stack, used by the
// local CLI's live-tail command where gorilla/websocket's framed,
// bidirectional connection is a better fit than a one-shot SSE GET.
func (s *Server) handleTailRun(c *gin.Context) {
	runID := c.Param("id")
	if s.cfg.Bus == nil {
		writeError(c, 503, codeInternal, "progress streaming unavailable")
		return
	}
	run, err := s.cfg.Store.GetRun(c.Request.Context(), runID)
	if err != nil {
		writeError(c, 404, codeRunNotFound, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "run_id", runID, "error", err)
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(runToResponse(*run, false)); err != nil {
		return
	}
	if run.Status != store.RunStatusRunning {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run already terminal"))
		return
	}

	sub := s.cfg.Bus.Subscribe("run.")
	defer s.cfg.Bus.Unsubscribe(sub)

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			progress, ok := ev.Payload.(bus.RunProgressEvent)
			if !ok || progress.RunID != runID {
				continue
			}
			if err := conn.WriteJSON(progress); err != nil {
				return
			}
			if progress.Kind == store.RunStatusSucceeded || progress.Kind == store.RunStatusFailed {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run terminal"))
				return
			}
		}
	}
}
