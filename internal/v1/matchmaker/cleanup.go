package matchmaker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lattice-gg/arena/internal/v1/driver"
	"github.com/lattice-gg/arena/internal/v1/logging"
	"github.com/lattice-gg/arena/internal/v1/types"
)

// CleanupStaleRooms reaps listings whose owning process no longer answers.
// A room that fails to reply to a trivial property call within the short
// timeout is assumed dead: the timeout is the signal, not an error. Runs on
// every handler (re)registration and is idempotent on a clean registry.
func (m *Matchmaker) CleanupStaleRooms(ctx context.Context, roomName string) error {
	listings, err := m.driver.Find(ctx, driver.QueryConditions{"name": roomName})
	if err != nil {
		return err
	}

	removed := 0
	for _, listing := range listings {
		roomID := types.RoomID(listing.RoomID)

		_, _, err := m.RemoteCall(ctx, roomID, "roomId", nil, m.remoteCallTimeout)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrRemoteCallTimeout) {
			// The owner answered, just unhappily. The room is alive.
			logging.Warn(ctx, "Room answered cleanup probe with an error",
				zap.String("room_id", string(roomID)), zap.Error(err))
			continue
		}

		if err := listing.Remove(ctx); err != nil {
			logging.Error(ctx, "Failed to remove stale listing", zap.String("room_id", string(roomID)), zap.Error(err))
			continue
		}
		if err := m.presence.SRem(ctx, roomName, string(roomID)); err != nil {
			logging.Error(ctx, "Failed to clear stale set membership", zap.String("room_id", string(roomID)), zap.Error(err))
		}
		removed++
		logging.Info(ctx, "Reaped stale room",
			zap.String("room_id", string(roomID)),
			zap.String("name", roomName),
			zap.String("dead_process_id", listing.ProcessID))
	}

	// Drop any concurrency carried over from the previous registration.
	if err := m.presence.Del(ctx, concurrencyKey(roomName)); err != nil {
		logging.Error(ctx, "Failed to reset admission counter", zap.String("name", roomName), zap.Error(err))
	}

	if removed > 0 {
		logging.Info(ctx, "Stale room cleanup finished", zap.String("name", roomName), zap.Int("removed", removed))
	}
	return nil
}
