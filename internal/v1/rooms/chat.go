// Package rooms contains the room types this server ships with.
package rooms

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-gg/arena/internal/v1/logging"
	"github.com/lattice-gg/arena/internal/v1/room"
	"github.com/lattice-gg/arena/internal/v1/types"
)

// chatHistorySize bounds the per-room message backlog replayed to joiners.
const chatHistorySize = 50

// ChatMessage is one broadcast chat entry.
type ChatMessage struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	SentAt    string `json:"sentAt"`
}

// chatEvent is the outbound frame envelope.
type chatEvent struct {
	Type    string       `json:"type"`
	Message *ChatMessage `json:"message,omitempty"`
	Session string       `json:"session,omitempty"`
}

// Chat is a lobby-style room: every inbound text frame is rebroadcast to the
// other occupants, with a bounded history replayed on join.
type Chat struct {
	mu      sync.Mutex
	topic   string
	history []ChatMessage
}

// NewChat builds one chat room instance.
func NewChat() room.Logic {
	return &Chat{}
}

func (c *Chat) OnCreate(ctx context.Context, r *room.Room, options types.ClientOptions) error {
	if topic, ok := options["topic"].(string); ok {
		c.mu.Lock()
		c.topic = topic
		c.mu.Unlock()
	}
	if max, ok := options["maxClients"].(float64); ok && max > 0 {
		r.SetMaxClients(int(max))
	}
	logging.Info(ctx, "Chat room created",
		zap.String("room_id", string(r.ID())),
		zap.String("topic", c.topic))
	return nil
}

func (c *Chat) OnJoin(ctx context.Context, r *room.Room, cl *room.Client, options types.ClientOptions) error {
	c.mu.Lock()
	backlog := make([]ChatMessage, len(c.history))
	copy(backlog, c.history)
	c.mu.Unlock()

	for i := range backlog {
		if frame, err := json.Marshal(chatEvent{Type: "message", Message: &backlog[i]}); err == nil {
			cl.Send(frame)
		}
	}

	if frame, err := json.Marshal(chatEvent{Type: "joined", Session: string(cl.SessionID)}); err == nil {
		r.Broadcast(frame, cl.SessionID)
	}
	return nil
}

func (c *Chat) OnLeave(ctx context.Context, r *room.Room, cl *room.Client) {
	if frame, err := json.Marshal(chatEvent{Type: "left", Session: string(cl.SessionID)}); err == nil {
		r.Broadcast(frame, cl.SessionID)
	}
}

func (c *Chat) OnMessage(ctx context.Context, r *room.Room, cl *room.Client, data []byte) {
	var inbound struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &inbound); err != nil || inbound.Text == "" {
		logging.GetLogger().Debug("Ignoring malformed chat frame", zap.String("sessionId", string(cl.SessionID)))
		return
	}

	msg := ChatMessage{
		SessionID: string(cl.SessionID),
		Text:      inbound.Text,
		SentAt:    time.Now().UTC().Format(time.RFC3339),
	}

	c.mu.Lock()
	c.history = append(c.history, msg)
	if len(c.history) > chatHistorySize {
		c.history = c.history[len(c.history)-chatHistorySize:]
	}
	c.mu.Unlock()

	frame, err := json.Marshal(chatEvent{Type: "message", Message: &msg})
	if err != nil {
		return
	}
	// Echo to the sender too; clients render from the broadcast stream.
	r.Broadcast(frame, "")
}

// RecentMessages exposes the backlog as a remote-callable method, so other
// processes can inspect a room without connecting to it.
func RecentMessages(ctx context.Context, r *room.Room, args []any) (any, error) {
	logic, ok := r.Logic().(*Chat)
	if !ok {
		return nil, nil
	}
	logic.mu.Lock()
	defer logic.mu.Unlock()
	out := make([]ChatMessage, len(logic.history))
	copy(out, logic.history)
	return out, nil
}

// Definition wires Chat into the matchmaker-facing registration shape used by
// main.
func Definition() map[string]room.Method {
	return map[string]room.Method{
		"recentMessages": RecentMessages,
	}
}
