// Package presence provides the shared pub/sub, set and counter service that
// spans all processes of the fleet. The matchmaker uses it for room RPC
// channels, per-room-type sets and admission counters.
package presence

import "context"

// Handler receives the raw payload of one published message.
type Handler func(data []byte)

// Unsubscribe tears down a single subscription. Calling it more than once is
// a no-op.
type Unsubscribe func()

// Presence is the contract consumed by the matchmaker. Implementations must
// provide atomic Incr/Decr; Del and SRem are treated as idempotent by
// callers, so transient failures on those paths are equivalent to "no
// effect".
type Presence interface {
	// Subscribe registers handler for every message published on channel.
	// The handler runs on a background goroutine owned by the subscription.
	Subscribe(ctx context.Context, channel string, handler Handler) (Unsubscribe, error)

	// Publish broadcasts data to all current subscribers of channel.
	Publish(ctx context.Context, channel string, data []byte) error

	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Del(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close() error
}
