package chatgateway

import (
	"context"
	"encoding/json"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-claw/internal/store"
)

// TopicBridge implements taskengine.TopicBridge over a TelegramAPI transport
// (the same one the Gateway long-polls with), creating a dedicated forum
// topic the first time a telegram-provider scheduled task runs (§4.7.1,
// Scenario S3). Declared here rather than in taskengine to avoid that
// package depending on the Telegram wire library; taskengine only sees the
// narrow CreateTopic method.
type TopicBridge struct {
	api TelegramAPI
}

// NewTopicBridge wraps an existing chat gateway's bot connection. Pass
// gw.BotAPI() so scheduled-task topic creation and the interactive chat loop
// share one Telegram session.
func NewTopicBridge(api TelegramAPI) *TopicBridge {
	return &TopicBridge{api: api}
}

// forumTopic decodes only the field this bridge needs from createForumTopic's
// result payload.
type forumTopic struct {
	MessageThreadID int `json:"message_thread_id"`
}

// CreateTopic calls Telegram's createForumTopic for the chat named in
// target.ThreadKey ("telegram:chat:{id}") and returns a threadKey pointing at
// the new topic, in the "telegram:chat:{id}:topic:{id}" shape parseThreadKey
// expects.
func (b *TopicBridge) CreateTopic(_ context.Context, target store.DeliveryTarget) (string, error) {
	chatID, _, ok := parseThreadKey(target.ThreadKey)
	if !ok {
		return "", fmt.Errorf("telegram topic bridge: invalid thread key %q", target.ThreadKey)
	}

	cfg := tgbotapi.NewCreateForumTopicConfig(chatID, topicName(target))
	resp, err := b.api.Request(cfg)
	if err != nil {
		return "", fmt.Errorf("createForumTopic: %w", err)
	}
	if !resp.Ok {
		return "", fmt.Errorf("createForumTopic: %s", resp.Description)
	}

	var topic forumTopic
	if err := json.Unmarshal(resp.Result, &topic); err != nil {
		return "", fmt.Errorf("createForumTopic: decode result: %w", err)
	}
	return fmt.Sprintf("telegram:chat:%d:topic:%d", chatID, topic.MessageThreadID), nil
}

func topicName(target store.DeliveryTarget) string {
	if target.UserKey != "" {
		return "Task: " + target.UserKey
	}
	return "Scheduled task"
}
