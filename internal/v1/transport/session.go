package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lattice-gg/arena/internal/v1/logging"
	"github.com/lattice-gg/arena/internal/v1/metrics"
	"github.com/lattice-gg/arena/internal/v1/room"
	"github.com/lattice-gg/arena/internal/v1/types"
)

var errOriginNotAllowed = errors.New("origin not allowed")

const writeWait = 10 * time.Second

// session owns one room WebSocket: the write pump drains the room client's
// outbound stream, the read pump feeds inbound frames to the room and drives
// the heartbeat.
type session struct {
	conn   *websocket.Conn
	room   *room.Room
	client *room.Client

	pingInterval   time.Duration
	pingMaxRetries int

	leaveOnce sync.Once
}

// leave detaches the session from its room exactly once, whichever pump
// noticed the disconnect first.
func (s *session) leave() {
	s.leaveOnce.Do(func() {
		s.room.Leave(context.Background(), s.client.SessionID)
		metrics.DecConnection()
	})
}

// readPump processes inbound frames until the socket dies or the heartbeat
// gives up. It owns the read deadline: each pong (or data frame) extends it.
func (s *session) readPump() {
	defer func() {
		s.leave()
		_ = s.conn.Close()
	}()

	deadline := s.pingInterval * time.Duration(s.pingMaxRetries+1)
	_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	pingerDone := make(chan struct{})
	defer close(pingerDone)
	go func() {
		pinger := time.NewTicker(s.pingInterval)
		defer pinger.Stop()
		for {
			select {
			case <-pingerDone:
				return
			case <-pinger.C:
				if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	ctx := context.Background()
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if closeErr := (&websocket.CloseError{}); errors.As(err, &closeErr) && closeErr.Code == types.WSCloseConsented {
				logging.GetLogger().Debug("Client left by consent", zap.String("sessionId", string(s.client.SessionID)))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
		s.room.HandleMessage(ctx, s.client, data)
	}
}

// writePump forwards the room client's outbound stream to the socket. The
// stream closing means the room dropped the client; a consented close frame
// tells the peer this is final.
func (s *session) writePump() {
	defer func() { _ = s.conn.Close() }()

	for message := range s.client.Messages() {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message",
				zap.String("sessionId", string(s.client.SessionID)), zap.Error(err))
			return
		}
	}

	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(types.WSCloseConsented, ""), time.Now().Add(time.Second))
}
