package room

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lattice-gg/arena/internal/v1/logging"
	"github.com/lattice-gg/arena/internal/v1/types"
)

const sendBufferSize = 64

// Client represents one connected session inside a room. The transport owns
// the socket; the room only pushes outbound frames into the send buffer.
type Client struct {
	SessionID types.SessionID
	Options   types.ClientOptions

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	send      chan []byte
}

// NewClient builds a client for a consumed seat reservation.
func NewClient(sessionID types.SessionID, options types.ClientOptions) *Client {
	return &Client{
		SessionID: sessionID,
		Options:   options,
		send:      make(chan []byte, sendBufferSize),
	}
}

// Send queues an outbound frame. Frames are dropped (with a warning) rather
// than blocking the room when the client cannot keep up.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		logging.GetLogger().Debug("Skipping send to closed client", zap.String("sessionId", string(c.SessionID)))
		return
	}
	c.mu.Unlock()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Client send channel full - dropping message", zap.String("sessionId", string(c.SessionID)))
	}
}

// Messages exposes the outbound frame stream to the transport's write pump.
// The channel closes when the client disconnects.
func (c *Client) Messages() <-chan []byte {
	return c.send
}

// CloseSend marks the client disconnected and closes the outbound stream.
func (c *Client) CloseSend() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}
