package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/lattice-gg/arena/internal/v1/metrics"
)

// Redis is the fleet-wide Presence backed by a Redis cluster. Every unary
// command goes through a circuit breaker; subscriptions are long-lived and
// managed outside of it.
type Redis struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Client returns the underlying Redis client.
func (r *Redis) Client() *redis.Client {
	if r == nil {
		return nil
	}
	return r.client
}

// NewRedis creates a robust Redis connection with automatic retries.
func NewRedis(addr, password string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis presence", "addr", addr)
	return &Redis{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
		subs:   make(map[*redis.PubSub]struct{}),
	}, nil
}

// Subscribe opens a dedicated pub/sub connection for channel and pumps every
// message into handler until the returned Unsubscribe runs or ctx is
// cancelled.
func (r *Redis) Subscribe(ctx context.Context, channel string, handler Handler) (Unsubscribe, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("presence is closed")
	}

	pubsub := r.client.Subscribe(ctx, channel)
	r.subs[pubsub] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	// Confirm the subscription is active before returning so a publish
	// immediately after Subscribe cannot be lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		r.dropSub(pubsub)
		r.wg.Done()
		return nil, fmt.Errorf("failed to subscribe to %q: %w", channel, err)
	}

	ch := pubsub.Channel()

	go func() {
		defer r.wg.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			r.dropSub(pubsub)
			if err := pubsub.Close(); err != nil {
				slog.Warn("Redis unsubscribe failed", "channel", channel, "error", err)
			}
		})
	}
	return unsubscribe, nil
}

func (r *Redis) dropSub(pubsub *redis.PubSub) {
	r.mu.Lock()
	delete(r.subs, pubsub)
	r.mu.Unlock()
}

// Publish broadcasts data to all subscribers of channel, on every process.
func (r *Redis) Publish(ctx context.Context, channel string, data []byte) error {
	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping publish", "channel", channel)
			return nil // Graceful degradation: drop message, don't crash caller
		}
		slog.Error("Redis Publish failed", "channel", channel, "error", err)
		return err
	}
	return nil
}

// SAdd adds a member to a Redis Set.
func (r *Redis) SAdd(ctx context.Context, key, member string) error {
	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.client.SAdd(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping SAdd", "key", key)
			return nil
		}
		slog.Error("Redis SAdd failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

// SRem removes a member from a Redis Set. Callers treat failure as "no
// effect", so the breaker degrades gracefully here.
func (r *Redis) SRem(ctx context.Context, key, member string) error {
	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.client.SRem(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping SRem", "key", key)
			return nil
		}
		slog.Error("Redis SRem failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

// SMembers retrieves all members of a Redis Set.
func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := r.cb.Execute(func() (interface{}, error) {
		return r.client.SMembers(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: returning empty set members", "key", key)
			return nil, nil
		}
		slog.Error("Redis SMembers failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}

// Incr atomically increments key and returns the new value.
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	res, err := r.cb.Execute(func() (interface{}, error) {
		return r.client.Incr(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		slog.Error("Redis Incr failed", "key", key, "error", err)
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return res.(int64), nil
}

// Decr atomically decrements key and returns the new value.
func (r *Redis) Decr(ctx context.Context, key string) (int64, error) {
	res, err := r.cb.Execute(func() (interface{}, error) {
		return r.client.Decr(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		slog.Error("Redis Decr failed", "key", key, "error", err)
		return 0, fmt.Errorf("failed to decrement counter: %w", err)
	}
	return res.(int64), nil
}

// Del removes a key. Idempotent path: an open breaker degrades to "no effect".
func (r *Redis) Del(ctx context.Context, key string) error {
	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.client.Del(ctx, key).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping Del", "key", key)
			return nil
		}
		slog.Error("Redis Del failed", "key", key, "error", err)
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity using the PING command.
// Used by health checks to verify Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close tears down all open subscriptions and the client connection.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*redis.PubSub, 0, len(r.subs))
	for ps := range r.subs {
		subs = append(subs, ps)
	}
	r.subs = make(map[*redis.PubSub]struct{})
	r.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	r.wg.Wait()

	return r.client.Close()
}
