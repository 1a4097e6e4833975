// Package httpapi implements the daemon's HTTP surface (§6): run intake,
// thread operations, scheduled-task CRUD, and health. This surface is out
// of scope for the core per §1 ("deliberately out of scope ... the HTTP
// surface routing") but is implemented as the thin outer layer the core
// plugs into, the way the teacher's internal/gateway plugs into net/http —
// here built on gin-gonic/gin, following the router/handler/error shape of
// kdlbs-kandev's internal/*/api packages (Config struct of wired
// dependencies, *gin.Engine from New(), c.JSON responses, a shared error
// envelope) rather than the teacher's own hand-rolled net/http mux.
package httpapi

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/doctor"
	"github.com/basket/go-claw/internal/store"
)

// Ingester is the subset of runservice.Service the HTTP surface needs to
// create and cancel runs, declared locally to avoid importing runservice
// for its whole surface (mirrors chatgateway.Ingester).
type Ingester interface {
	Ingest(ctx context.Context, msg store.IngestMessage) (*store.IngestResult, error)
	Cancel(ctx context.Context, run store.Run) error
}

// TaskRunner is the subset of taskengine.Engine the HTTP surface needs for
// the task run-now operation (§6).
type TaskRunner interface {
	RunNow(ctx context.Context, taskID string) (*store.ScheduledTaskRun, error)
}

// Config wires the HTTP surface to the rest of the daemon.
type Config struct {
	Store   *store.Store
	Bus     *bus.Bus
	Runs    Ingester
	Tasks   TaskRunner
	Logger  *slog.Logger
	Cfg     config.Config
	Version string
}

// Server serves the daemon's JSON HTTP surface.
type Server struct {
	cfg Config
	log *slog.Logger
}

// New wires a Server from cfg. A nil Logger falls back to slog.Default(),
// matching the rest of the daemon's components.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, log: logger}
}

// Handler builds the daemon's top-level http.Handler: a gin.Engine with
// only gin.Recovery() wired in (request logging is the daemon's own slog
// logger, not gin's default combined-log-format middleware — see
// DESIGN.md), routes grouped under /v1 the way kdlbs-kandev's
// SetupRoutes(router *gin.RouterGroup, ...) groups a service's endpoints.
func (s *Server) Handler() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealthz)

	v1 := router.Group("/v1")
	{
		v1.GET("/doctor", s.handleDoctor)

		runs := v1.Group("/runs")
		runs.POST("", s.handleCreateRun)
		runs.GET("/:id", s.handleGetRun)
		runs.POST("/:id/cancel", s.handleCancelRun)
		runs.GET("/:id/wait", s.handleWaitRun)
		runs.GET("/:id/stream", s.handleStreamRun)
		runs.GET("/:id/tail", s.handleTailRun)

		threads := v1.Group("/threads")
		threads.POST("/:threadKey/cancel", s.handleCancelThread)
		threads.DELETE("/:threadKey/session", s.handleResetThreadSession)
		threads.GET("/:threadKey/share", s.handleShareThread)

		tasks := v1.Group("/tasks")
		tasks.GET("", s.handleListTasks)
		tasks.POST("", s.handleCreateTask)
		tasks.GET("/:id", s.handleGetTask)
		tasks.PATCH("/:id", s.handlePatchTask)
		tasks.DELETE("/:id", s.handleDeleteTask)
		tasks.POST("/:id/run-now", s.handleRunNowTask)
	}

	return router
}

func (s *Server) handleHealthz(c *gin.Context) {
	dbOK := true
	if _, err := s.cfg.Store.ListRunningRuns(c.Request.Context(), 1); err != nil {
		dbOK = false
	}
	status := 200
	if !dbOK {
		status = 503
	}
	c.JSON(status, gin.H{"healthy": dbOK, "db_ok": dbOK})
}

// handleDoctor runs the daemon's self-diagnostic sweep (internal/doctor)
// and returns it verbatim, the HTTP-surface counterpart to `jagc doctor`.
func (s *Server) handleDoctor(c *gin.Context) {
	d := doctor.Run(c.Request.Context(), s.cfg.Cfg, s.cfg.Store, s.cfg.Version)
	c.JSON(200, d)
}
