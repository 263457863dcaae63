package matchmaker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-gg/arena/internal/v1/driver"
	"github.com/lattice-gg/arena/internal/v1/logging"
)

const (
	admissionStep = 100 * time.Millisecond
	admissionCap  = 2 * time.Second
)

// awaitRoomAvailable staggers near-simultaneous matchmaking queries on the
// same room type. The first arrival proceeds immediately; each later
// arrival waits min(concurrency x 100ms, 2s) so it observes the earlier
// seat reservations instead of racing to create parallel rooms. The
// counter is always decremented, even when fn fails.
func (m *Matchmaker) awaitRoomAvailable(ctx context.Context, roomName string, fn func() (*driver.Listing, error)) (*driver.Listing, error) {
	key := concurrencyKey(roomName)

	n, err := m.presence.Incr(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() {
		// The decrement must happen regardless of how fn or the wait
		// ended, or the stagger carries over to unrelated requests.
		if _, err := m.presence.Decr(context.Background(), key); err != nil {
			logging.Error(ctx, "Failed to decrement admission counter", zap.String("name", roomName), zap.Error(err))
		}
	}()

	concurrency := n - 1
	if concurrency > 0 {
		wait := time.Duration(concurrency) * admissionStep
		if wait > admissionCap {
			wait = admissionCap
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return fn()
}
