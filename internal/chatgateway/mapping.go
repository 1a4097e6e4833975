package chatgateway

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/basket/go-claw/internal/store"
)

// errEmptySteer is returned by mapIngestMessage when a /steer command carries
// no body text; the caller replies with a user-visible rejection instead of
// creating an ingest (§4.8).
var errEmptySteer = errors.New("empty steer command")

// baseTopicID is the forum "General" topic id; messages posted there carry
// messageThreadID == 1 and are normalized back to the base chat thread key
// rather than getting their own synthetic sub-thread (§4.8).
const baseTopicID = 1

// chatThreadKey derives the run threadKey for a chat message, folding the
// forum General topic (id 1) back onto the base chat.
func chatThreadKey(chatID int64, messageThreadID int) string {
	if messageThreadID <= baseTopicID {
		return fmt.Sprintf("telegram:chat:%d", chatID)
	}
	return fmt.Sprintf("telegram:chat:%d:topic:%d", chatID, messageThreadID)
}

func userKeyFor(fromID int64) string {
	return fmt.Sprintf("telegram:user:%d", fromID)
}

func idempotencyKeyFor(updateID int) string {
	return fmt.Sprintf("telegram:update:%d", updateID)
}

const steerPrefix = "/steer"

// mapIngestMessage implements §4.8's ingest mapping rule for a text message.
// A leading "/steer" maps to deliveryMode=steer with the remainder as body;
// a steer with no remaining body is rejected via errEmptySteer.
func mapIngestMessage(chatID int64, messageThreadID int, fromID int64, updateID int, text string) (store.IngestMessage, error) {
	deliveryMode := store.DeliveryModeFollowUp
	body := text

	trimmed := strings.TrimSpace(text)
	if trimmed == steerPrefix || strings.HasPrefix(trimmed, steerPrefix+" ") {
		rest := strings.TrimSpace(strings.TrimPrefix(trimmed, steerPrefix))
		if rest == "" {
			return store.IngestMessage{}, errEmptySteer
		}
		deliveryMode = store.DeliveryModeSteer
		body = rest
	}

	return store.IngestMessage{
		Source:          "telegram",
		ThreadKey:       chatThreadKey(chatID, messageThreadID),
		UserKey:         userKeyFor(fromID),
		DeliveryMode:    deliveryMode,
		IdempotencyKey:  idempotencyKeyFor(updateID),
		InputText:       body,
		ClaimChatImages: true,
	}, nil
}

// parseAllowedUserIDs parses TELEGRAM_ALLOWED_USER_IDS: a comma-separated
// list where each entry's leading zeroes are stripped before comparison
// (§4.8, §6), so "007" and "7" both authorize user id 7. Blank entries are
// ignored; a malformed entry is dropped rather than failing the whole list,
// since one bad id in the env var shouldn't lock out every other allowed user.
func parseAllowedUserIDs(raw string) map[int64]struct{} {
	allowed := make(map[int64]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		stripped := strings.TrimLeft(part, "0")
		if stripped == "" {
			stripped = "0"
		}
		id, err := strconv.ParseInt(stripped, 10, 64)
		if err != nil {
			continue
		}
		allowed[id] = struct{}{}
	}
	return allowed
}

// allowCommandHint is surfaced in the deny message so an operator can copy
// the exact command that would authorize the user (§4.8).
func allowCommandHint(userID int64) string {
	return fmt.Sprintf("TELEGRAM_ALLOWED_USER_IDS=%d", userID)
}
