package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basket/go-claw/internal/store"
)

func TestEchoExecutor_ReturnsInputAsMessage(t *testing.T) {
	var e EchoExecutor
	run := store.Run{RunID: "r1", InputText: "hello world", DeliveryMode: store.DeliveryModeFollowUp}

	out, err := e.Execute(context.Background(), run, nil)
	require.NoError(t, err)

	var payload messagePayload
	require.NoError(t, json.Unmarshal(out, &payload))
	require.Equal(t, "message", payload.Type)
	require.Equal(t, "hello world", payload.Text)
	require.Equal(t, store.DeliveryModeFollowUp, payload.DeliveryMode)
}
