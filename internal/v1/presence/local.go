package presence

import (
	"context"
	"fmt"
	"sync"
)

// Local is an in-process Presence for single-instance deployments and tests.
// Semantics match the Redis implementation: handlers run asynchronously, so
// a subscriber may publish from its handler without deadlocking.
type Local struct {
	mu       sync.Mutex
	nextID   int
	channels map[string]map[int]Handler
	sets     map[string]map[string]struct{}
	counters map[string]int64
	closed   bool
	wg       sync.WaitGroup
}

// NewLocal creates an empty in-memory presence.
func NewLocal() *Local {
	return &Local{
		channels: make(map[string]map[int]Handler),
		sets:     make(map[string]map[string]struct{}),
		counters: make(map[string]int64),
	}
}

func (l *Local) Subscribe(ctx context.Context, channel string, handler Handler) (Unsubscribe, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, fmt.Errorf("presence is closed")
	}

	l.nextID++
	id := l.nextID
	if l.channels[channel] == nil {
		l.channels[channel] = make(map[int]Handler)
	}
	l.channels[channel][id] = handler

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if subs, ok := l.channels[channel]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(l.channels, channel)
				}
			}
		})
	}
	return unsubscribe, nil
}

func (l *Local) Publish(ctx context.Context, channel string, data []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("presence is closed")
	}
	handlers := make([]Handler, 0, len(l.channels[channel]))
	for _, h := range l.channels[channel] {
		handlers = append(handlers, h)
	}
	l.wg.Add(len(handlers))
	l.mu.Unlock()

	// Deliver asynchronously, like a real pub/sub round trip.
	for _, h := range handlers {
		go func(h Handler) {
			defer l.wg.Done()
			h(data)
		}(h)
	}
	return nil
}

func (l *Local) SAdd(ctx context.Context, key, member string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sets[key] == nil {
		l.sets[key] = make(map[string]struct{})
	}
	l.sets[key][member] = struct{}{}
	return nil
}

func (l *Local) SRem(ctx context.Context, key, member string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if members, ok := l.sets[key]; ok {
		delete(members, member)
		if len(members) == 0 {
			delete(l.sets, key)
		}
	}
	return nil
}

func (l *Local) SMembers(ctx context.Context, key string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	members := make([]string, 0, len(l.sets[key]))
	for m := range l.sets[key] {
		members = append(members, m)
	}
	return members, nil
}

func (l *Local) Incr(ctx context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters[key]++
	return l.counters[key], nil
}

func (l *Local) Decr(ctx context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters[key]--
	return l.counters[key], nil
}

func (l *Local) Del(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counters, key)
	delete(l.sets, key)
	return nil
}

func (l *Local) Ping(ctx context.Context) error {
	return nil
}

// Close drops all subscriptions and waits for in-flight deliveries.
func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.channels = make(map[string]map[int]Handler)
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}
