// Package chatgateway implements the Chat-Gateway Delivery Loop (C9): it
// long-polls the Telegram bot API for updates, maps them onto run ingests,
// buffers photo attachments into the pending input-image scope (§4.6), and
// renders run progress/terminal output back into the originating chat.
package chatgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/store"
)

const (
	pollTimeoutSeconds = 60
	stallTimeout       = 150 * time.Second // 2.5x the long-poll timeout, grounded on the teacher's reconnect loop
	initialBackoff     = time.Second
	maxBackoff         = 30 * time.Second
)

// Ingester is the narrow slice of runservice.Service the chat gateway needs:
// create ingests and cancel the active run for a thread. Declared locally to
// avoid an import cycle with runservice (same pattern as
// taskengine.Ingester).
type Ingester interface {
	Ingest(ctx context.Context, msg store.IngestMessage) (*store.IngestResult, error)
	Cancel(ctx context.Context, run store.Run) error
}

// TelegramAPI is the slice of *tgbotapi.BotAPI the gateway calls, narrowed
// to a local interface so tests can substitute a fake transport without a
// live network connection.
type TelegramAPI interface {
	GetUpdates(tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Config wires a Gateway.
type Config struct {
	BotToken          string
	AllowedUserIDsRaw string // TELEGRAM_ALLOWED_USER_IDS, comma-separated
	Store             *store.Store
	Bus               *bus.Bus
	Ingester          Ingester
	// API overrides the Telegram transport; nil constructs a real
	// *tgbotapi.BotAPI from BotToken. Tests inject a fake here.
	API    TelegramAPI
	Logger *slog.Logger
}

// Gateway runs the long-poll ingest loop and the run-progress delivery loop.
type Gateway struct {
	api      TelegramAPI
	allowed  map[int64]struct{}
	store    *store.Store
	bus      *bus.Bus
	ingester Ingester
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	progressMu sync.Mutex
	progress   map[string]*progressState // runID -> in-flight progress message

	deliveredMu sync.Mutex
	delivered   map[string]struct{} // runID -> terminal result already sent

	suppressMu sync.Mutex
	suppressed map[string]struct{} // runID -> cancelled, suppress the terminal failure text (S5)
}

type progressState struct {
	chatID          int64
	messageThreadID int
	messageID       int
	hasMessage      bool
}

// New constructs a Gateway. If cfg.API is nil, it initializes a real
// Telegram bot from cfg.BotToken.
func New(cfg Config) (*Gateway, error) {
	api := cfg.API
	if api == nil {
		bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
		if err != nil {
			return nil, fmt.Errorf("init telegram bot: %w", err)
		}
		api = bot
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		api:        api,
		allowed:    parseAllowedUserIDs(cfg.AllowedUserIDsRaw),
		store:      cfg.Store,
		bus:        cfg.Bus,
		ingester:   cfg.Ingester,
		logger:     logger,
		progress:   make(map[string]*progressState),
		delivered:  make(map[string]struct{}),
		suppressed: make(map[string]struct{}),
	}, nil
}

// BotAPI returns the gateway's Telegram transport, so callers (main's
// taskengine wiring) can build a TopicBridge over the same connection
// instead of opening a second bot session.
func (g *Gateway) BotAPI() TelegramAPI {
	return g.api
}

// Start launches the poll loop and, if a bus is configured, the run-progress
// delivery loop, both running until Stop is called or ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.reconnectLoop(ctx)
	}()

	if g.bus != nil {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.deliveryLoop(ctx)
		}()
	}
}

// Stop signals both loops to exit and waits for them to return.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

// reconnectLoop wraps pollLoop with the teacher's exponential-backoff
// reconnection shape: a hard GetUpdates failure (not a normal empty
// long-poll return) triggers a capped backoff before resuming, rather than
// busy-looping against a degraded API.
func (g *Gateway) reconnectLoop(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		err := g.pollLoop(ctx)
		if err == nil {
			return // context cancelled
		}
		g.logger.Warn("chat gateway poll loop stalled, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollLoop implements §4.8's poll loop and retry policy: GetUpdates with an
// explicit allowed_updates filter and bounded timeout, offset advances by
// max(update_id)+1, 5xx gets a small backoff, 429 honors retry_after. It
// returns a non-nil error only on a stall (no updates for stallTimeout),
// which the caller treats as a reconnect signal; a run of ordinary transient
// errors is retried in place without unwinding the loop.
func (g *Gateway) pollLoop(ctx context.Context) error {
	offset := 0
	retryBackoff := initialBackoff
	lastActivity := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(lastActivity) > stallTimeout {
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}

		cfg := tgbotapi.NewUpdate(offset)
		cfg.Timeout = pollTimeoutSeconds
		cfg.AllowedUpdates = []string{"message"}

		updates, err := g.api.GetUpdates(cfg)
		if err != nil {
			wait := retryDelay(err, retryBackoff)
			g.logger.Warn("chat gateway getUpdates failed, retrying", "error", err, "wait", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			retryBackoff *= 2
			if retryBackoff > maxBackoff {
				retryBackoff = maxBackoff
			}
			continue
		}
		retryBackoff = initialBackoff
		lastActivity = time.Now()

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			g.handleUpdate(ctx, u)
		}
	}
}

// retryDelay honors a 429's retry_after hint verbatim; any other error
// (network failure, 5xx) backs off by fallback, doubled by the caller on
// each consecutive failure.
func retryDelay(err error, fallback time.Duration) time.Duration {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && tgErr.ResponseParameters.RetryAfter > 0 {
		return time.Duration(tgErr.ResponseParameters.RetryAfter) * time.Second
	}
	return fallback
}

// handleUpdate routes one update: allow-list check, photo buffering, /cancel,
// and text ingest (§4.8). Invalid/irrelevant updates (no message, empty
// text) are skipped without logging an error, matching "invalid update
// payloads are logged and skipped; the poll continues" at debug level.
func (g *Gateway) handleUpdate(ctx context.Context, u tgbotapi.Update) {
	msg := u.Message
	if msg == nil || msg.From == nil {
		return
	}
	if _, ok := g.allowed[msg.From.ID]; !ok {
		g.logger.Warn("chat gateway: unauthorized user", "user_id", msg.From.ID)
		g.sendText(msg.Chat.ID, topicIDOf(msg), fmt.Sprintf(
			"You're not authorized to use this bot. Ask the operator to run: %s", allowCommandHint(msg.From.ID)))
		return
	}

	if len(msg.Photo) > 0 {
		g.handlePhoto(ctx, u)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if text == "/cancel" {
		g.handleCancel(ctx, msg)
		return
	}

	threadKey := chatThreadKey(msg.Chat.ID, topicIDOf(msg))
	g.sendChatAction(msg.Chat.ID, topicIDOf(msg))

	ingestMsg, err := mapIngestMessage(msg.Chat.ID, topicIDOf(msg), msg.From.ID, u.UpdateID, text)
	if errors.Is(err, errEmptySteer) {
		g.sendText(msg.Chat.ID, topicIDOf(msg), "Send /steer followed by the text you want to steer with.")
		return
	}

	result, err := g.ingester.Ingest(ctx, ingestMsg)
	if err != nil {
		if errors.Is(err, store.ErrIdempotencyPayloadMismatch) {
			g.sendText(msg.Chat.ID, topicIDOf(msg), "That message conflicts with a request already in flight.")
			return
		}
		g.logger.Error("chat gateway ingest failed", "error", err, "thread_key", threadKey)
		g.sendText(msg.Chat.ID, topicIDOf(msg), "Sorry, something went wrong starting that run.")
		return
	}

	g.trackProgress(result.Run.RunID, msg.Chat.ID, topicIDOf(msg))
	if result.Run.Status != store.RunStatusRunning {
		// Deduplicated ingest of an already-settled run; deliver immediately
		// rather than waiting for a bus event that already fired.
		g.deliverTerminal(ctx, result.Run)
	}
}

// topicIDOf returns the message's forum topic id, or 0 for a non-topic chat.
func topicIDOf(msg *tgbotapi.Message) int {
	if msg.IsTopicMessage {
		return msg.MessageThreadID
	}
	return 0
}

// handleCancel implements Scenario S5: find the active run on this chat's
// thread and cancel it, acknowledging with the exact text the test asserts
// and suppressing the subsequent terminal-failure delivery for that run.
func (g *Gateway) handleCancel(ctx context.Context, msg *tgbotapi.Message) {
	threadKey := chatThreadKey(msg.Chat.ID, topicIDOf(msg))
	running, err := g.store.ListRunningRuns(ctx, 0)
	if err != nil {
		g.logger.Error("chat gateway: list running runs for cancel failed", "error", err)
		return
	}
	var target *store.Run
	for i := range running {
		if running[i].ThreadKey == threadKey {
			target = &running[i]
			break
		}
	}
	if target == nil {
		g.sendText(msg.Chat.ID, topicIDOf(msg), "There's no active run to cancel here.")
		return
	}

	g.suppressMu.Lock()
	g.suppressed[target.RunID] = struct{}{}
	g.suppressMu.Unlock()

	if err := g.ingester.Cancel(ctx, *target); err != nil {
		g.logger.Error("chat gateway: cancel failed", "error", err, "run_id", target.RunID)
		return
	}
	g.sendText(msg.Chat.ID, topicIDOf(msg), cancelAckText)
}

// handlePhoto downloads the highest-resolution size of a photo update and
// buffers it as a pending input image (§4.6), leaving text ingest to claim
// it on the next message in the same scope.
func (g *Gateway) handlePhoto(ctx context.Context, u tgbotapi.Update) {
	msg := u.Message
	sizes := msg.Photo
	if len(sizes) == 0 {
		return
	}
	largest := sizes[len(sizes)-1]

	url, err := g.api.GetFileDirectURL(largest.FileID)
	if err != nil {
		g.logger.Error("chat gateway: get file url failed", "error", err, "file_id", largest.FileID)
		return
	}
	data, mimeType, err := downloadFile(ctx, url)
	if err != nil {
		g.logger.Error("chat gateway: download photo failed", "error", err, "file_id", largest.FileID)
		return
	}

	threadKey := chatThreadKey(msg.Chat.ID, topicIDOf(msg))
	userKey := userKeyFor(msg.From.ID)
	updateID := fmt.Sprintf("%d", u.UpdateID)

	_, err = g.store.InsertPendingTelegramImages(ctx, "telegram", threadKey, userKey, updateID, msg.MediaGroupID,
		[]store.IngestImage{{MimeType: mimeType, Filename: fmt.Sprintf("%s.jpg", largest.FileID), Bytes: data}})
	if err != nil {
		if errors.Is(err, store.ErrImageBufferLimitExceeded) {
			g.sendText(msg.Chat.ID, topicIDOf(msg), "Image buffer is full; send fewer images or wait for the buffer to clear.")
			return
		}
		g.logger.Error("chat gateway: buffer pending image failed", "error", err)
	}
}

func downloadFile(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build file request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch file: unexpected status %d", resp.StatusCode)
	}
	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if readErr != nil {
			break
		}
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return buf, mimeType, nil
}

func (g *Gateway) sendText(chatID int64, messageThreadID int, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if messageThreadID > baseTopicID {
		msg.MessageThreadID = messageThreadID
	}
	if _, err := g.api.Send(msg); err != nil {
		g.logger.Error("chat gateway: send message failed", "error", err)
	}
}

func (g *Gateway) sendChatAction(chatID int64, _ int) {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := g.api.Request(action); err != nil {
		g.logger.Debug("chat gateway: typing indicator failed", "error", err)
	}
}
