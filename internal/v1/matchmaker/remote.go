package matchmaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lattice-gg/arena/internal/v1/logging"
	"github.com/lattice-gg/arena/internal/v1/metrics"
	"github.com/lattice-gg/arena/internal/v1/presence"
	"github.com/lattice-gg/arena/internal/v1/room"
	"github.com/lattice-gg/arena/internal/v1/types"
)

// roomChannel is the per-room RPC channel the owning process subscribes to.
func roomChannel(roomID types.RoomID) string {
	return "$" + string(roomID)
}

// replyChannel carries exactly one reply for one request.
func replyChannel(roomID types.RoomID, requestID string) string {
	return string(roomID) + ":" + requestID
}

// concurrencyKey is the per-room-type admission counter.
func concurrencyKey(roomName string) string {
	return roomName + ":c"
}

type remoteReply struct {
	value     any
	processID types.ProcessID
	err       error
}

// RemoteCall invokes method on the room that owns roomID, wherever it is
// hosted. Rooms owned by this process are called directly; everything else
// is a presence round trip bounded by timeout. The returned process id is
// the owner's.
func (m *Matchmaker) RemoteCall(ctx context.Context, roomID types.RoomID, method string, args []any, timeout time.Duration) (any, types.ProcessID, error) {
	if r, ok := m.LocalRoom(roomID); ok {
		value, err := r.Call(ctx, method, args)
		if err != nil {
			// Same error shape regardless of where the room lives.
			return nil, m.processID, &RemoteCallError{RoomID: roomID, Method: method, Message: err.Error()}
		}
		return value, m.processID, nil
	}

	if timeout <= 0 {
		timeout = m.remoteCallTimeout
	}

	requestID := uuid.NewString()
	replies := make(chan remoteReply, 1)

	unsubscribe, err := m.presence.Subscribe(ctx, replyChannel(roomID, requestID), func(data []byte) {
		value, processID, err := decodeReply(data)
		select {
		case replies <- remoteReply{value: value, processID: processID, err: err}:
		default:
			// First reply wins; duplicates drop.
		}
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to open reply channel for room %q: %w", roomID, err)
	}
	defer unsubscribe()

	request, err := json.Marshal([]any{method, requestID, args})
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode remote call: %w", err)
	}
	start := time.Now()
	if err := m.presence.Publish(ctx, roomChannel(roomID), request); err != nil {
		return nil, "", fmt.Errorf("failed to publish remote call to room %q: %w", roomID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		if reply.err != nil {
			metrics.RemoteCallDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
			return nil, reply.processID, &RemoteCallError{RoomID: roomID, Method: method, Message: reply.err.Error()}
		}
		metrics.RemoteCallDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
		return reply.value, reply.processID, nil
	case <-timer.C:
		metrics.RemoteCallDuration.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
		return nil, "", fmt.Errorf("%w: method %q on room %q after %s", ErrRemoteCallTimeout, method, roomID, timeout)
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// decodeReply parses [code, payload]. A SUCCESS payload is [processId,
// value]; an ERROR payload is [processId, message].
func decodeReply(data []byte) (any, types.ProcessID, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) != 2 {
		return nil, "", fmt.Errorf("malformed reply frame")
	}
	var code int
	if err := json.Unmarshal(frame[0], &code); err != nil {
		return nil, "", fmt.Errorf("malformed reply code")
	}

	var payload []any
	if err := json.Unmarshal(frame[1], &payload); err != nil || len(payload) != 2 {
		return nil, "", fmt.Errorf("malformed reply payload")
	}
	processID, _ := payload[0].(string)

	if code != types.IPCSuccess {
		message, _ := payload[1].(string)
		return nil, types.ProcessID(processID), fmt.Errorf("%s", message)
	}
	return payload[1], types.ProcessID(processID), nil
}

// subscribeRoomChannel answers remote calls for a locally owned room until
// the room disposes.
func (m *Matchmaker) subscribeRoomChannel(r *room.Room) (presence.Unsubscribe, error) {
	roomID := r.ID()
	return m.presence.Subscribe(context.Background(), roomChannel(roomID), func(data []byte) {
		m.handleRoomCall(r, data)
	})
}

// handleRoomCall executes one inbound [method, requestId, args] frame and
// publishes its reply.
func (m *Matchmaker) handleRoomCall(r *room.Room, data []byte) {
	ctx := context.Background()

	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		logging.Warn(ctx, "Dropping malformed room call", zap.String("room_id", string(r.ID())))
		return
	}
	var method, requestID string
	if err := json.Unmarshal(frame[0], &method); err != nil {
		logging.Warn(ctx, "Dropping room call with bad method", zap.String("room_id", string(r.ID())))
		return
	}
	if err := json.Unmarshal(frame[1], &requestID); err != nil || requestID == "" {
		logging.Warn(ctx, "Dropping room call with bad request id", zap.String("room_id", string(r.ID())))
		return
	}
	var args []any
	if len(frame) > 2 {
		if err := json.Unmarshal(frame[2], &args); err != nil {
			m.publishReply(ctx, r.ID(), requestID, types.IPCError, "malformed arguments")
			return
		}
	}

	value, err := r.Call(ctx, method, args)
	if err != nil {
		m.publishReply(ctx, r.ID(), requestID, types.IPCError, err.Error())
		return
	}
	m.publishReply(ctx, r.ID(), requestID, types.IPCSuccess, value)
}

func (m *Matchmaker) publishReply(ctx context.Context, roomID types.RoomID, requestID string, code int, payload any) {
	data, err := json.Marshal([]any{code, []any{string(m.processID), payload}})
	if err != nil {
		logging.Error(ctx, "Failed to encode reply", zap.String("room_id", string(roomID)), zap.Error(err))
		return
	}
	if err := m.presence.Publish(ctx, replyChannel(roomID, requestID), data); err != nil {
		logging.Error(ctx, "Failed to publish reply", zap.String("room_id", string(roomID)), zap.Error(err))
	}
}
