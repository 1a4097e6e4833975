// Package runservice implements the Run Service (C7): it orchestrates
// ingest → store → scheduler → executor → terminal update, recovers
// in-flight runs left mid-dispatch by a prior crash, and multiplexes run
// progress subscriptions for callers (HTTP SSE handlers, the chat gateway).
package runservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/executor"
	jagcdotel "github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/safety"
	"github.com/basket/go-claw/internal/scheduler"
	"github.com/basket/go-claw/internal/shared"
	"github.com/basket/go-claw/internal/store"
)

// defaultShutdownTimeout bounds how long Shutdown waits for in-flight
// dispatches to settle when the caller's context carries no deadline.
const defaultShutdownTimeout = 30 * time.Second

func timeUntil(t time.Time) time.Duration {
	d := time.Until(t)
	if d < 0 {
		return 0
	}
	return d
}

// ErrCancelled is the sentinel error recorded on a run's errorMessage when
// it is cancelled via Cancel, matching §5's "This operation was aborted".
// The chat gateway matches on this exact text to suppress the terminal
// failure message for an actively-cancelled run.
var ErrCancelled = errors.New("This operation was aborted")

// ErrInputRejected is returned by Ingest when safety.Sanitizer blocks the
// submitted text as a likely prompt-injection attempt.
var ErrInputRejected = errors.New("input rejected by sanitizer")

// Canceller is implemented by executors that support mid-flight
// cancellation (currently executor.AgentSessionExecutor). The Run Service
// type-asserts for it so it works unchanged with executor.EchoExecutor,
// which has no notion of an in-flight turn to interrupt.
type Canceller interface {
	CancelRun(ctx context.Context, threadKey, runID string, sentinelErr error) bool
}

// Service wires the scheduler to the store and an Executor, implementing
// dispatchRunById and startup recovery per §4.5.
type Service struct {
	store     *store.Store
	bus       *bus.Bus
	exec      executor.Executor
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	sanitizer *safety.Sanitizer
	tracer    trace.Tracer
	metrics   *jagcdotel.Metrics
}

// SetTelemetry wires an OpenTelemetry tracer and metric instruments into
// the service, used by dispatchRunByID to emit a span and duration/count
// metrics per run. Optional: a Service with no telemetry set records
// nothing, the same zero-overhead default internal/otel.Init itself
// provides when tracing is disabled.
func (s *Service) SetTelemetry(tracer trace.Tracer, metrics *jagcdotel.Metrics) {
	s.tracer = tracer
	s.metrics = metrics
}

// New wires a Service. exec is typically executor.EchoExecutor{} (RUNNER=echo)
// or an *executor.AgentSessionExecutor (RUNNER=pi).
func New(st *store.Store, eventBus *bus.Bus, exec executor.Executor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: st, bus: eventBus, exec: exec, logger: logger, sanitizer: safety.NewSanitizer()}
	s.scheduler = scheduler.New(logger, s.dispatchRunByID)
	return s
}

// Ingest implements the ingest → store → enqueue path. A deduplicated
// ingest is not re-enqueued: its run is already dispatched or terminal, and
// recovery at boot (Init) is what re-enqueues anything left mid-flight.
//
// Before storing, the input text passes through the same prompt-injection
// sanitizer the teacher's engine/brain.go runs on every inbound message
// (safety.Sanitizer.Check): an ActionBlock verdict rejects the submission
// outright rather than handing a crafted "ignore all previous instructions"
// payload to the agent session; an ActionWarn verdict is logged but still
// dispatched, since these markers are only suspicious, not conclusive.
func (s *Service) Ingest(ctx context.Context, msg store.IngestMessage) (*store.IngestResult, error) {
	if check := s.sanitizer.Check(msg.InputText); check.Action != safety.ActionAllow {
		s.logger.Warn("sanitizer flagged inbound run text", "thread_key", msg.ThreadKey, "action", check.Action, "reason", check.Reason)
		if check.Action == safety.ActionBlock {
			return nil, fmt.Errorf("%w: %s", ErrInputRejected, check.Reason)
		}
	}

	result, err := s.store.Ingest(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !result.Deduplicated {
		s.scheduler.Enqueue(result.Run.ThreadKey, result.Run.RunID)
	}
	return result, nil
}

// Init recovers work left mid-flight by a prior crash: every run still
// `running` at boot is re-enqueued exactly once via EnsureEnqueued (§4.5,
// Testable Property 13).
func (s *Service) Init(ctx context.Context) error {
	running, err := s.store.ListRunningRuns(ctx, 0)
	if err != nil {
		return fmt.Errorf("list running runs for recovery: %w", err)
	}
	for _, run := range running {
		if s.scheduler.EnsureEnqueued(run.ThreadKey, run.RunID) {
			s.logger.Info("recovered in-flight run", "run_id", run.RunID, "thread_key", run.ThreadKey)
		}
	}
	return nil
}

// dispatchRunById implements §4.5's dispatchRunById: load, execute,
// mark terminal, clean up images. It is the scheduler.DispatchFunc.
func (s *Service) dispatchRunByID(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status != store.RunStatusRunning {
		return nil
	}

	images, err := s.store.ListRunInputImages(ctx, runID)
	if err != nil {
		return fmt.Errorf("load input images for run %s: %w", runID, err)
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	start := time.Now()
	ctx, span := s.startDispatchSpan(ctx, run.RunID, run.ThreadKey)
	if s.metrics != nil {
		s.metrics.ActiveRuns.Add(ctx, 1)
		defer s.metrics.ActiveRuns.Add(ctx, -1)
	}

	output, execErr := s.exec.Execute(ctx, *run, images)

	s.endDispatchSpan(ctx, span, start, execErr)
	if execErr != nil {
		s.logger.Error("run dispatch failed", "run_id", runID, "trace_id", shared.TraceID(ctx), "error", execErr)
	}

	var markErr error
	if execErr != nil {
		markErr = s.store.MarkFailed(ctx, runID, execErr.Error())
	} else {
		markErr = s.store.MarkSucceeded(ctx, runID, output)
	}
	if markErr != nil {
		var notRunning *store.RunNotRunningError
		if !errors.As(markErr, &notRunning) {
			return fmt.Errorf("mark run %s terminal: %w", runID, markErr)
		}
		// A CAS loss here means another actor (typically Cancel) already
		// wrote the terminal state; legitimate race, not an error (§4.5 step 3).
		s.logger.Debug("terminal mark lost race, run already settled", "run_id", runID, "current_status", notRunning.CurrentStatus)
	}

	if _, delErr := s.store.DeleteRunInputImages(ctx, runID); delErr != nil {
		return fmt.Errorf("delete input images for run %s: %w", runID, delErr)
	}

	return execErr
}

// startDispatchSpan starts a span for one run's dispatch if a tracer is
// configured; otherwise it returns ctx unchanged and a nil span, which
// endDispatchSpan treats as a no-op. Grounded on the teacher's
// internal/otel.StartSpan convenience wrapper.
func (s *Service) startDispatchSpan(ctx context.Context, runID, threadKey string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	return jagcdotel.StartSpan(ctx, s.tracer, "runservice.dispatch",
		jagcdotel.AttrRunID.String(runID),
		jagcdotel.AttrThreadKey.String(threadKey),
		jagcdotel.AttrTraceID.String(shared.TraceID(ctx)),
	)
}

// endDispatchSpan records the dispatch outcome on span and metrics (both
// optional) and ends the span.
func (s *Service) endDispatchSpan(ctx context.Context, span trace.Span, start time.Time, execErr error) {
	status := store.RunStatusSucceeded
	if execErr != nil {
		status = store.RunStatusFailed
	}
	if s.metrics != nil {
		attrs := otelmetric.WithAttributes(jagcdotel.AttrRunStatus.String(status))
		s.metrics.RunDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		s.metrics.RunsTotal.Add(ctx, 1, attrs)
	}
	if span == nil {
		return
	}
	span.SetAttributes(jagcdotel.AttrRunStatus.String(status))
	if execErr != nil {
		span.SetStatus(codes.Error, execErr.Error())
	}
	span.End()
}

// Cancel marks runID failed with the cancellation sentinel and, if the
// configured executor supports it, asks the underlying session to abort
// its current turn (§4.5, §5 cancellation). The chat gateway is expected
// to suppress the terminal failure text for runs cancelled this way by
// comparing errorMessage against ErrCancelled's text.
func (s *Service) Cancel(ctx context.Context, run store.Run) error {
	if canceller, ok := s.exec.(Canceller); ok {
		canceller.CancelRun(ctx, run.ThreadKey, run.RunID, ErrCancelled)
	}
	if err := s.store.MarkFailed(ctx, run.RunID, ErrCancelled.Error()); err != nil {
		var notRunning *store.RunNotRunningError
		if errors.As(err, &notRunning) {
			return nil // already terminal; cancellation raced completion, benign
		}
		return fmt.Errorf("mark run %s cancelled: %w", run.RunID, err)
	}
	return nil
}

// Subscribe returns a bus subscription carrying every run's progress
// events; callers multiplexing progress to a single HTTP/SSE or chat
// client filter by RunProgressEvent.RunID themselves, since the bus only
// matches on topic prefix, not payload fields. Returns nil if no event bus
// is configured.
func (s *Service) Subscribe() *bus.Subscription {
	if s.bus == nil {
		return nil
	}
	return s.bus.Subscribe(bus.TopicRunEvent)
}

// Shutdown implements the graceful-shutdown order from §5 for this
// component's slice: stop the scheduler (await in-flight dispatches), then
// drain the executor if it holds live sessions.
func (s *Service) Shutdown(ctx context.Context) {
	deadline := defaultShutdownTimeout
	if d, ok := ctx.Deadline(); ok {
		deadline = timeUntil(d)
	}
	s.scheduler.Stop(deadline)
	if drainer, ok := s.exec.(interface{ DrainAll() }); ok {
		drainer.DrainAll()
	}
}
