package chatgateway

import (
	"context"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"

	"github.com/basket/go-claw/internal/store"
)

func TestTopicBridge_CreateTopic(t *testing.T) {
	api := &fakeTelegramAPI{
		requestResult: &tgbotapi.APIResponse{Ok: true, Result: []byte(`{"message_thread_id":77}`)},
	}
	bridge := NewTopicBridge(api)

	key, err := bridge.CreateTopic(context.Background(), store.DeliveryTarget{
		Source:    "telegram",
		ThreadKey: "telegram:chat:555",
	})
	require.NoError(t, err)
	require.Equal(t, "telegram:chat:555:topic:77", key)
	require.Len(t, api.requested, 1)
}

func TestTopicBridge_CreateTopic_InvalidThreadKey(t *testing.T) {
	bridge := NewTopicBridge(&fakeTelegramAPI{})
	_, err := bridge.CreateTopic(context.Background(), store.DeliveryTarget{
		Source:    "telegram",
		ThreadKey: "not-a-telegram-key",
	})
	require.Error(t, err)
}

func TestTopicBridge_CreateTopic_APIError(t *testing.T) {
	api := &fakeTelegramAPI{requestResult: &tgbotapi.APIResponse{Ok: false, Description: "forbidden"}}
	bridge := NewTopicBridge(api)
	_, err := bridge.CreateTopic(context.Background(), store.DeliveryTarget{
		Source:    "telegram",
		ThreadKey: "telegram:chat:1",
	})
	require.Error(t, err)
}
