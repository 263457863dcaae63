package room

import (
	"context"

	"github.com/lattice-gg/arena/internal/v1/types"
)

// Logic is the authored behavior of a room type. OnCreate runs once while
// the room is still invisible to the fleet; OnJoin runs on the owning
// process after a reserved seat is consumed.
type Logic interface {
	OnCreate(ctx context.Context, r *Room, options types.ClientOptions) error
	OnJoin(ctx context.Context, r *Room, c *Client, options types.ClientOptions) error
}

// LeaveHandler is implemented by logic that wants leave notifications.
type LeaveHandler interface {
	OnLeave(ctx context.Context, r *Room, c *Client)
}

// MessageHandler is implemented by logic that processes client messages.
type MessageHandler interface {
	OnMessage(ctx context.Context, r *Room, c *Client, data []byte)
}

// DisposeHandler is implemented by logic that needs teardown.
type DisposeHandler interface {
	OnDispose(ctx context.Context, r *Room)
}

// Hooks are the fixed lifecycle callback slots the matchmaker attaches at
// creation. There is no open subscription model: each slot has exactly one
// listener.
type Hooks struct {
	OnJoin    func(ctx context.Context, r *Room, c *Client)
	OnLeave   func(ctx context.Context, r *Room, c *Client)
	OnLock    func(ctx context.Context, r *Room)
	OnUnlock  func(ctx context.Context, r *Room)
	OnDispose func(ctx context.Context, r *Room)
}
