package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/agentsession"
	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/controller"
	jagcdotel "github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/pricing"
	"github.com/basket/go-claw/internal/safety"
	"github.com/basket/go-claw/internal/store"
	"github.com/basket/go-claw/internal/tokenutil"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// threadEntry is the live state held for one thread with an open agent
// session: the session itself and the controller correlating runs against
// it. Mirrors the teacher's RunningAgent record in internal/agent/registry.go.
type threadEntry struct {
	session    agentsession.TurnSession
	controller *controller.Controller
}

// AgentSessionExecutor is the real (non-echo) Run Executor. It owns one
// AgentSession per threadKey, persists the (threadKey, sessionId,
// sessionFile) binding so sessions resume across restarts, and delegates
// event-to-run correlation to a per-thread controller.Controller.
//
// The keyed map of live threads is guarded the same way the teacher's
// agent.Registry guards its RunningAgent map: a single leaf sync.RWMutex,
// never held while doing I/O or calling into another component.
type AgentSessionExecutor struct {
	store        *store.Store
	factory      agentsession.Factory
	bus          *bus.Bus
	leakDetector *safety.LeakDetector
	logger       *slog.Logger
	metrics      *jagcdotel.Metrics

	mu      sync.RWMutex
	threads map[string]*threadEntry

	toolStartsMu sync.Mutex
	toolStarts   map[string]time.Time
}

// NewAgentSessionExecutor wires a Factory (the concrete agent-process
// driver) and an optional event bus used to publish run progress. A
// safety.LeakDetector scans every message/tool-result event for leaked
// secrets before it reaches the bus, the output-side counterpart to
// runservice's intake-side safety.Sanitizer.
func NewAgentSessionExecutor(st *store.Store, factory agentsession.Factory, eventBus *bus.Bus) *AgentSessionExecutor {
	return &AgentSessionExecutor{
		store:        st,
		factory:      factory,
		bus:          eventBus,
		leakDetector: safety.NewLeakDetector(),
		logger:       slog.Default(),
		threads:      make(map[string]*threadEntry),
		toolStarts:   make(map[string]time.Time),
	}
}

// SetMetrics wires OpenTelemetry tool-call instruments into the executor,
// mirroring runservice.Service.SetTelemetry: an optional post-construction
// setter so existing call sites that don't care about telemetry are
// unaffected. With no metrics set, progressSink records nothing.
func (e *AgentSessionExecutor) SetMetrics(metrics *jagcdotel.Metrics) {
	e.metrics = metrics
}

// Execute implements Executor by routing the run to its thread's
// controller, opening (or resuming) a session first if none is live yet.
func (e *AgentSessionExecutor) Execute(ctx context.Context, run store.Run, images []store.InputImage) (json.RawMessage, error) {
	entry, err := e.getOrOpenThread(ctx, run.ThreadKey)
	if err != nil {
		return nil, fmt.Errorf("open agent session for thread %q: %w", run.ThreadKey, err)
	}

	mode := controller.DeliveryModeFollowUp
	if run.DeliveryMode == store.DeliveryModeSteer {
		mode = controller.DeliveryModeSteer
	}
	return entry.controller.Submit(ctx, run.RunID, mode, run.InputText, toAgentImages(images))
}

// CancelRun asks the run's thread controller to resolve it early and abort
// the session's current turn, per §4.5's cancellation contract. Returns
// false if the thread has no live session (nothing to cancel) or the run
// was not found queued/pending.
func (e *AgentSessionExecutor) CancelRun(ctx context.Context, threadKey, runID string, sentinelErr error) bool {
	e.mu.RLock()
	entry, ok := e.threads[threadKey]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	return entry.controller.Cancel(ctx, runID, sentinelErr)
}

// ResetThread drops the live session and controller for a thread (if any)
// and deletes its persisted session binding, so the next run starts a
// fresh agent conversation. Mirrors the "/new" lifecycle from §3's Session
// entity ("deleted on explicit /new").
func (e *AgentSessionExecutor) ResetThread(ctx context.Context, threadKey string) error {
	e.mu.Lock()
	entry, ok := e.threads[threadKey]
	if ok {
		delete(e.threads, threadKey)
	}
	e.mu.Unlock()

	if ok {
		_ = entry.session.Close()
	}
	if err := e.store.DeleteThreadSession(ctx, threadKey); err != nil {
		return fmt.Errorf("delete thread session: %w", err)
	}
	return nil
}

// DrainAll closes every live session, for graceful shutdown. Cancellation
// of in-flight runs is the caller's responsibility (via the scheduler/run
// service shutting down first); this only releases session resources.
func (e *AgentSessionExecutor) DrainAll() {
	e.mu.Lock()
	entries := make([]*threadEntry, 0, len(e.threads))
	for k, v := range e.threads {
		entries = append(entries, v)
		delete(e.threads, k)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		entry := entry
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = entry.session.Close()
		}()
	}
	wg.Wait()
}

func (e *AgentSessionExecutor) getOrOpenThread(ctx context.Context, threadKey string) (*threadEntry, error) {
	e.mu.RLock()
	entry, ok := e.threads[threadKey]
	e.mu.RUnlock()
	if ok {
		return entry, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.threads[threadKey]; ok {
		return entry, nil
	}

	var existing *agentsession.SessionID
	persisted, err := e.store.GetThreadSession(ctx, threadKey)
	switch {
	case err == nil:
		existing = &agentsession.SessionID{SessionID: persisted.SessionID, SessionFile: persisted.SessionFile}
	case errors.Is(err, store.ErrThreadSessionNotFound):
		// no prior session, Prompt will start a fresh one
	default:
		return nil, fmt.Errorf("load thread session: %w", err)
	}

	session, sessionID, err := e.factory.Open(ctx, threadKey, existing)
	if err != nil {
		return nil, fmt.Errorf("factory open: %w", err)
	}
	if err := e.store.UpsertThreadSession(ctx, threadKey, sessionID.SessionID, sessionID.SessionFile); err != nil {
		return nil, fmt.Errorf("persist thread session: %w", err)
	}

	ctrl := controller.New(threadKey, session, e.progressSink(threadKey))
	entry = &threadEntry{session: session, controller: ctrl}
	e.threads[threadKey] = entry

	go e.evictOnStop(threadKey, ctrl)
	return entry, nil
}

// evictOnStop removes a thread's entry once its controller stops (e.g. the
// session's event stream closed), so a subsequent run reopens a fresh
// session instead of submitting into a dead controller.
func (e *AgentSessionExecutor) evictOnStop(threadKey string, ctrl *controller.Controller) {
	<-ctrl.Stopped()
	e.mu.Lock()
	if current, ok := e.threads[threadKey]; ok && current.controller == ctrl {
		delete(e.threads, threadKey)
	}
	e.mu.Unlock()
}

func (e *AgentSessionExecutor) progressSink(threadKey string) controller.ProgressSink {
	if e.bus == nil {
		return nil
	}
	return func(ev controller.ProgressEvent) {
		e.recordToolMetrics(ev.Event)
		payload := e.eventPayload(ev.Event)
		e.bus.Publish(bus.TopicRunEvent, bus.RunProgressEvent{RunID: ev.RunID, Kind: ev.Kind, Payload: payload})
		switch ev.Kind {
		case "queued":
			e.bus.Publish(bus.TopicRunQueued, bus.RunProgressEvent{RunID: ev.RunID, Kind: ev.Kind})
		case "delivered":
			e.bus.Publish(bus.TopicRunDelivered, bus.RunProgressEvent{RunID: ev.RunID, Kind: ev.Kind})
		}
	}
}

// recordToolMetrics tracks each tool call's wall-clock duration between its
// tool_execution_start and tool_execution_end events, keyed by ToolCallID
// since a thread's agent process may interleave calls to distinct tools.
// A no-op when SetMetrics was never called, the same optional-wiring
// convention as runservice.Service.SetTelemetry.
func (e *AgentSessionExecutor) recordToolMetrics(ev *agentsession.Event) {
	if e.metrics == nil || ev == nil || ev.ToolCallID == "" {
		return
	}
	switch ev.Kind {
	case agentsession.EventToolExecutionStart:
		e.toolStartsMu.Lock()
		e.toolStarts[ev.ToolCallID] = time.Now()
		e.toolStartsMu.Unlock()
	case agentsession.EventToolExecutionEnd:
		e.toolStartsMu.Lock()
		start, ok := e.toolStarts[ev.ToolCallID]
		delete(e.toolStarts, ev.ToolCallID)
		e.toolStartsMu.Unlock()
		if !ok {
			return
		}
		ctx := context.Background()
		attrs := otelmetric.WithAttributes(jagcdotel.AttrToolName.String(ev.ToolName))
		e.metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		if ev.ToolIsError {
			e.metrics.ToolCallErrors.Add(ctx, 1, attrs)
		}
	}
}

// eventPayload forwards the agent session's own event to bus subscribers
// (HTTP SSE/WebSocket tail, chat delivery), the way the teacher's
// gateway.go forwards OpenAI stream chunks verbatim rather than
// re-deriving a summary. On a completed assistant message it also attaches
// a rough usage estimate — the same tokenutil.EstimateTokens +
// pricing.EstimateCost pairing the teacher's engine/gateway code runs on
// every AddHistory call — so progress consumers get a cost signal without
// the opaque agent process needing to report token counts itself.
//
// Tool results and completed messages are also scanned with
// safety.LeakDetector before the payload leaves the process; any warnings
// are logged (never blocked — unlike the intake-side Sanitizer, a leak
// warning on agent output is informational, not a rejection) and attached
// to the payload so a CLI/chat client can surface them.
func (e *AgentSessionExecutor) eventPayload(ev *agentsession.Event) any {
	if ev == nil {
		return nil
	}
	payload := map[string]any{
		"role":    ev.Role,
		"text":    ev.Text,
		"delta":   ev.Delta,
		"tool":    ev.ToolName,
		"model":   ev.Model,
		"is_tool": ev.ToolName != "",
	}
	if ev.Kind == agentsession.EventMessageEnd && ev.Text != "" {
		completionTokens := tokenutil.EstimateTokens(ev.Text)
		payload["usage"] = map[string]any{
			"completion_tokens": completionTokens,
			"estimated_cost_usd": pricing.EstimateCost(ev.Model, 0, completionTokens),
		}
		if e.metrics != nil {
			e.metrics.TokensUsed.Add(context.Background(), int64(completionTokens), otelmetric.WithAttributes(jagcdotel.AttrModel.String(ev.Model)))
		}
	}

	scanText := ev.Text
	if ev.Kind == agentsession.EventToolExecutionEnd {
		scanText = string(ev.ToolResult)
	}
	if warnings := e.leakDetector.Scan(scanText); len(warnings) > 0 {
		e.logger.Warn("leak detector flagged agent output", "tool", ev.ToolName, "count", len(warnings))
		payload["leak_warnings"] = warnings
	}
	return payload
}

func toAgentImages(images []store.InputImage) []agentsession.Image {
	if len(images) == 0 {
		return nil
	}
	out := make([]agentsession.Image, len(images))
	for i, img := range images {
		out[i] = agentsession.Image{MimeType: img.MimeType, Filename: img.Filename, Bytes: img.ImageBytes}
	}
	return out
}
