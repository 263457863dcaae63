package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-gg/arena/internal/v1/room"
	"github.com/lattice-gg/arena/internal/v1/types"
)

func newChatRoom(t *testing.T, options types.ClientOptions) *room.Room {
	r := room.New(room.Config{
		ID:         "chat-room",
		Name:       "chat",
		ProcessID:  "proc-1",
		MaxClients: 8,
		Logic:      NewChat(),
	})
	t.Cleanup(func() {
		r.Dispose(context.Background())
		r.WaitClosed()
	})
	require.NoError(t, r.OnCreate(context.Background(), options))
	require.NoError(t, r.MarkCreated())
	return r
}

func joinClient(t *testing.T, r *room.Room, sid types.SessionID) *room.Client {
	ctx := context.Background()
	require.True(t, r.ReserveSeat(ctx, sid, nil))
	c := room.NewClient(sid, nil)
	require.NoError(t, r.Join(ctx, c))
	return c
}

func readEvent(t *testing.T, c *room.Client) chatEvent {
	select {
	case data := <-c.Messages():
		var event chatEvent
		require.NoError(t, json.Unmarshal(data, &event))
		return event
	default:
		t.Fatalf("client %s has no pending frame", c.SessionID)
		return chatEvent{}
	}
}

func drain(c *room.Client) {
	for {
		select {
		case <-c.Messages():
		default:
			return
		}
	}
}

func TestChat_OnCreateReadsOptions(t *testing.T) {
	r := newChatRoom(t, types.ClientOptions{"topic": "go", "maxClients": float64(3)})
	assert.Equal(t, 3, r.MaxClients())
}

func TestChat_JoinAnnouncedToOthers(t *testing.T) {
	r := newChatRoom(t, nil)
	a := joinClient(t, r, "s1")
	b := joinClient(t, r, "s2")

	event := readEvent(t, a)
	assert.Equal(t, "joined", event.Type)
	assert.Equal(t, "s2", event.Session)

	// The joiner gets no echo of its own announcement
	select {
	case <-b.Messages():
		t.Fatal("joiner received its own announcement")
	default:
	}
}

func TestChat_MessageBroadcastAndHistory(t *testing.T) {
	r := newChatRoom(t, nil)
	a := joinClient(t, r, "s1")
	b := joinClient(t, r, "s2")
	drain(a)

	r.HandleMessage(context.Background(), a, []byte(`{"text":"hello"}`))

	for _, c := range []*room.Client{a, b} {
		event := readEvent(t, c)
		assert.Equal(t, "message", event.Type)
		require.NotNil(t, event.Message)
		assert.Equal(t, "hello", event.Message.Text)
		assert.Equal(t, "s1", event.Message.SessionID)
	}

	// A later joiner receives the backlog
	c := joinClient(t, r, "s3")
	event := readEvent(t, c)
	assert.Equal(t, "message", event.Type)
	assert.Equal(t, "hello", event.Message.Text)
}

func TestChat_MalformedFramesIgnored(t *testing.T) {
	r := newChatRoom(t, nil)
	a := joinClient(t, r, "s1")

	r.HandleMessage(context.Background(), a, []byte(`not json`))
	r.HandleMessage(context.Background(), a, []byte(`{"text":""}`))

	select {
	case <-a.Messages():
		t.Fatal("malformed frame produced a broadcast")
	default:
	}
}

func TestChat_HistoryBounded(t *testing.T) {
	r := newChatRoom(t, nil)
	a := joinClient(t, r, "s1")
	ctx := context.Background()

	for i := 0; i < chatHistorySize+10; i++ {
		r.HandleMessage(ctx, a, []byte(fmt.Sprintf(`{"text":"msg-%d"}`, i)))
	}

	logic := r.Logic().(*Chat)
	logic.mu.Lock()
	defer logic.mu.Unlock()
	require.Len(t, logic.history, chatHistorySize)
	assert.Equal(t, "msg-10", logic.history[0].Text)
}

func TestChat_RecentMessagesMethod(t *testing.T) {
	r := newChatRoom(t, nil)
	for name, method := range Definition() {
		r.RegisterMethod(name, method)
	}
	a := joinClient(t, r, "s1")
	ctx := context.Background()

	r.HandleMessage(ctx, a, []byte(`{"text":"first"}`))
	r.HandleMessage(ctx, a, []byte(`{"text":"second"}`))

	got, err := r.Call(ctx, "recentMessages", []any{})
	require.NoError(t, err)
	messages, ok := got.([]ChatMessage)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].Text)
	assert.Equal(t, "second", messages[1].Text)
}

func TestChat_LeaveAnnounced(t *testing.T) {
	r := newChatRoom(t, nil)
	a := joinClient(t, r, "s1")
	_ = joinClient(t, r, "s2")
	drain(a)

	r.Leave(context.Background(), "s2")

	event := readEvent(t, a)
	assert.Equal(t, "left", event.Type)
	assert.Equal(t, "s2", event.Session)
}
