package chatgateway

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/runservice"
	"github.com/basket/go-claw/internal/store"
)

// telegramMessagePayload mirrors the `{type, text, delivery_mode}` shape an
// executor's terminal output takes (executor.EchoExecutor, and the real
// agent executor's final message turn); only the text is rendered.
type telegramMessagePayload struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// deliveryLoop subscribes to every run.* lifecycle topic and renders
// progress/terminal output for runs whose threadKey lives in the telegram
// namespace, whether that run was ingested by this gateway or dispatched by
// the scheduled task engine (Scenario S3).
func (g *Gateway) deliveryLoop(ctx context.Context) {
	sub := g.bus.Subscribe("run.")
	defer g.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			progress, ok := ev.Payload.(bus.RunProgressEvent)
			if !ok {
				continue
			}
			g.handleRunEvent(ctx, progress)
		}
	}
}

func (g *Gateway) handleRunEvent(ctx context.Context, ev bus.RunProgressEvent) {
	run, err := g.store.GetRun(ctx, ev.RunID)
	if err != nil {
		return
	}
	if !strings.HasPrefix(run.ThreadKey, "telegram:") {
		return
	}

	switch ev.Kind {
	case store.RunStatusSucceeded, store.RunStatusFailed:
		g.deliverTerminal(ctx, *run)
	default:
		g.editProgress(*run, progressLabelFor(ev.Kind))
	}
}

func progressLabelFor(kind string) string {
	switch kind {
	case "queued":
		return "⏳ Queued…"
	default:
		return workingIndicatorText
	}
}

// trackProgress registers (and immediately shows) the single progress
// message for a freshly ingested run, before any bus event has arrived.
func (g *Gateway) trackProgress(runID string, chatID int64, messageThreadID int) {
	g.progressMu.Lock()
	if _, exists := g.progress[runID]; exists {
		g.progressMu.Unlock()
		return
	}
	state := &progressState{chatID: chatID, messageThreadID: messageThreadID}
	g.progress[runID] = state
	g.progressMu.Unlock()

	g.showOrEditProgress(runID, state, workingIndicatorText, "")
}

// ensureProgress returns the tracked progress state for runID, deriving one
// from the run's threadKey if this is the first event the gateway has seen
// for it (a task-engine-dispatched run, never locally ingested).
func (g *Gateway) ensureProgress(run store.Run) (*progressState, bool) {
	g.progressMu.Lock()
	defer g.progressMu.Unlock()
	if state, ok := g.progress[run.RunID]; ok {
		return state, true
	}
	chatID, topicID, ok := parseThreadKey(run.ThreadKey)
	if !ok {
		return nil, false
	}
	state := &progressState{chatID: chatID, messageThreadID: topicID}
	g.progress[run.RunID] = state
	return state, true
}

func (g *Gateway) editProgress(run store.Run, text string) {
	state, ok := g.ensureProgress(run)
	if !ok {
		return
	}
	g.showOrEditProgress(run.RunID, state, text, "")
}

// showOrEditProgress sends or edits the tracked progress message. parseMode
// is forwarded to the Telegram message so a rendered MarkdownV2 terminal
// chunk keeps its formatting across an edit; progress frames pass "" since
// they're plain status text.
func (g *Gateway) showOrEditProgress(runID string, state *progressState, text, parseMode string) {
	if !state.hasMessage {
		msg := tgbotapi.NewMessage(state.chatID, text)
		msg.ParseMode = parseMode
		if state.messageThreadID > baseTopicID {
			msg.MessageThreadID = state.messageThreadID
		}
		sent, err := g.api.Send(msg)
		if err != nil {
			g.logger.Warn("chat gateway: send progress message failed", "error", err, "run_id", runID)
			return
		}
		state.messageID = sent.MessageID
		state.hasMessage = true
		return
	}
	edit := tgbotapi.NewEditMessageText(state.chatID, state.messageID, text)
	edit.ParseMode = parseMode
	if _, err := g.api.Send(edit); err != nil {
		g.logger.Debug("chat gateway: edit progress message failed", "error", err, "run_id", runID)
	}
}

// deliverTerminal implements §4.8's delivery idempotence: a terminal result
// is rendered exactly once per run id for the lifetime of this process. The
// task's six-table schema (§6) carries no persisted delivery ledger, so a
// restart mid-delivery relies on the run's own terminal state rather than a
// recorded "already delivered" marker; see DESIGN.md for the accepted
// at-least-once-across-restarts, exactly-once-in-process trade-off.
func (g *Gateway) deliverTerminal(ctx context.Context, run store.Run) {
	g.deliveredMu.Lock()
	if _, already := g.delivered[run.RunID]; already {
		g.deliveredMu.Unlock()
		return
	}
	g.delivered[run.RunID] = struct{}{}
	g.deliveredMu.Unlock()

	g.suppressMu.Lock()
	_, suppressed := g.suppressed[run.RunID]
	g.suppressMu.Unlock()

	if run.Status == store.RunStatusFailed && suppressed && run.ErrorMessage == runservice.ErrCancelled.Error() {
		return
	}

	state, ok := g.ensureProgress(run)
	if !ok {
		return
	}

	rendered, attachments := renderMarkdown(renderOutput(run))
	chunks := chunkText(rendered)

	g.showOrEditProgress(run.RunID, state, chunks[0], "MarkdownV2")
	for _, chunk := range chunks[1:] {
		g.sendMarkdownText(state.chatID, state.messageThreadID, chunk)
	}
	for _, att := range attachments {
		g.sendDocument(state.chatID, state.messageThreadID, att)
	}

	g.cleanupRun(ctx, run.RunID)
}

// sendMarkdownText sends a single already-rendered MarkdownV2 chunk, the
// continuation counterpart to showOrEditProgress's first chunk.
func (g *Gateway) sendMarkdownText(chatID int64, messageThreadID int, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "MarkdownV2"
	if messageThreadID > baseTopicID {
		msg.MessageThreadID = messageThreadID
	}
	if _, err := g.api.Send(msg); err != nil {
		g.logger.Error("chat gateway: send markdown message failed", "error", err)
	}
}

// sendDocument uploads a detached code block as a file attachment, per
// §4.8's "oversized code blocks become attached documents"; the library's
// DocumentConfig implements tgbotapi.Chattable so it goes through the same
// TelegramAPI.Send the gateway already uses for text and edits.
func (g *Gateway) sendDocument(chatID int64, messageThreadID int, att documentAttachment) {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: att.Filename, Bytes: att.Content})
	if messageThreadID > baseTopicID {
		doc.MessageThreadID = messageThreadID
	}
	if _, err := g.api.Send(doc); err != nil {
		g.logger.Error("chat gateway: send document failed", "error", err, "filename", att.Filename)
	}
}

// renderOutput extracts the user-visible text for a terminal run: the
// executor's message text on success, or an error line on failure.
func renderOutput(run store.Run) string {
	if run.Status == store.RunStatusFailed {
		return terminalFailureText(run.ErrorMessage)
	}
	if len(run.Output) == 0 {
		return ""
	}
	var payload telegramMessagePayload
	if err := json.Unmarshal(run.Output, &payload); err == nil && payload.Text != "" {
		return payload.Text
	}
	return string(run.Output)
}

func (g *Gateway) cleanupRun(_ context.Context, runID string) {
	g.progressMu.Lock()
	delete(g.progress, runID)
	g.progressMu.Unlock()
	g.suppressMu.Lock()
	delete(g.suppressed, runID)
	g.suppressMu.Unlock()
}

// parseThreadKey recovers the chat id and (optional) forum topic id from a
// threadKey produced by chatThreadKey, for runs this gateway never ingested
// itself (a scheduled task's execution thread, Scenario S3).
func parseThreadKey(threadKey string) (chatID int64, topicID int, ok bool) {
	parts := strings.Split(threadKey, ":")
	// "telegram:chat:{id}" or "telegram:chat:{id}:topic:{id}"
	if len(parts) < 3 || parts[0] != "telegram" || parts[1] != "chat" {
		return 0, 0, false
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if len(parts) >= 5 && parts[3] == "topic" {
		tid, err := strconv.Atoi(parts[4])
		if err != nil {
			return id, 0, true
		}
		return id, tid, true
	}
	return id, 0, true
}
