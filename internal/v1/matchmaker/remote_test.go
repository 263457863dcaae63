package matchmaker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-gg/arena/internal/v1/types"
)

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "$abc123", roomChannel("abc123"))
	assert.Equal(t, "abc123:req-1", replyChannel("abc123", "req-1"))
	assert.Equal(t, "chat:c", concurrencyKey("chat"))
}

func TestDecodeReply(t *testing.T) {
	value, processID, err := decodeReply([]byte(`[0, ["proc-1", "payload"]]`))
	require.NoError(t, err)
	assert.Equal(t, "payload", value)
	assert.Equal(t, types.ProcessID("proc-1"), processID)

	value, processID, err = decodeReply([]byte(`[1, ["proc-1", "something broke"]]`))
	require.Error(t, err)
	assert.Nil(t, value)
	assert.Equal(t, types.ProcessID("proc-1"), processID)
	assert.Equal(t, "something broke", err.Error())

	for _, malformed := range []string{`{}`, `[0]`, `[0, "flat"]`, `["x", ["p", 1]]`, `[0, ["p"]]`, `garbage`} {
		_, _, err := decodeReply([]byte(malformed))
		assert.Error(t, err, malformed)
	}
}

func TestRoomCallWireFormat(t *testing.T) {
	f := newFleet(t, 2)
	host, peer := f.members[0], f.members[1]
	registerChat(t, host, Definition{MaxClients: 4})
	ctx := context.Background()

	created, err := host.Create(ctx, "chat", nil)
	require.NoError(t, err)
	roomID := types.RoomID(created.Room.RoomID)

	// Speak the protocol by hand: [method, requestId, args] in, [code,
	// [processId, payload]] out.
	replies := make(chan []byte, 1)
	unsubscribe, err := f.presence.Subscribe(ctx, replyChannel(roomID, "req-42"), func(data []byte) {
		replies <- data
	})
	require.NoError(t, err)
	defer unsubscribe()

	frame, err := json.Marshal([]any{"maxClients", "req-42", nil})
	require.NoError(t, err)
	require.NoError(t, f.presence.Publish(ctx, roomChannel(roomID), frame))

	select {
	case data := <-replies:
		var decoded []any
		require.NoError(t, json.Unmarshal(data, &decoded))
		require.Len(t, decoded, 2)
		assert.Equal(t, float64(types.IPCSuccess), decoded[0])
		payload, ok := decoded[1].([]any)
		require.True(t, ok)
		require.Len(t, payload, 2)
		assert.Equal(t, string(host.ProcessID()), payload[0])
		assert.Equal(t, float64(4), payload[1])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply frame")
	}

	// Malformed frames are dropped without a reply
	require.NoError(t, f.presence.Publish(ctx, roomChannel(roomID), []byte(`garbage`)))

	_, _, err = peer.RemoteCall(ctx, roomID, "maxClients", nil, 0)
	require.NoError(t, err)
}
