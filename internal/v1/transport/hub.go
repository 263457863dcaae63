package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lattice-gg/arena/internal/v1/logging"
	"github.com/lattice-gg/arena/internal/v1/matchmaker"
	"github.com/lattice-gg/arena/internal/v1/metrics"
	"github.com/lattice-gg/arena/internal/v1/room"
	"github.com/lattice-gg/arena/internal/v1/types"
)

// Hub bridges WebSocket connections to the matchmaker and to locally hosted
// rooms. Matchmake sockets are one-shot request/reply; room sockets live for
// the whole session.
type Hub struct {
	matchmaker     *matchmaker.Matchmaker
	allowedOrigins []string
	pingInterval   time.Duration
	pingMaxRetries int
}

// Config tunes the hub. Zero values fall back to defaults.
type Config struct {
	Matchmaker     *matchmaker.Matchmaker
	AllowedOrigins []string
	PingInterval   time.Duration
	PingMaxRetries int
}

// NewHub creates a new Hub and configures it with its dependencies.
func NewHub(cfg Config) *Hub {
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 1500 * time.Millisecond
	}
	pingMaxRetries := cfg.PingMaxRetries
	if pingMaxRetries < 1 {
		pingMaxRetries = 2
	}
	return &Hub{
		matchmaker:     cfg.Matchmaker,
		allowedOrigins: cfg.AllowedOrigins,
		pingInterval:   pingInterval,
		pingMaxRetries: pingMaxRetries,
	}
}

// RegisterRoutes attaches the hub's endpoints to the router.
func (h *Hub) RegisterRoutes(r gin.IRouter) {
	r.GET("/matchmake/:method/:name", h.ServeMatchmake)
	r.GET("/:name/:roomId", h.ServeRoom)
}

// matchmakeResponse is the one-shot reply on a matchmake socket. Exactly one
// of the two shapes is populated.
type matchmakeResponse struct {
	Room      any             `json:"room,omitempty"`
	SessionID types.SessionID `json:"sessionId,omitempty"`

	Code  int    `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// ServeMatchmake upgrades, reads a single options frame, runs the requested
// matchmake operation and replies once.
// GET /matchmake/:method/:name
func (h *Hub) ServeMatchmake(c *gin.Context) {
	method := c.Param("method")
	name := c.Param("name")

	conn, err := h.upgrade(c)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	metrics.IncConnection()
	defer metrics.DecConnection()

	ctx := c.Request.Context()

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		logging.Warn(ctx, "Matchmake socket closed before sending options", zap.String("method", method), zap.Error(err))
		return
	}

	options := types.ClientOptions{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &options); err != nil {
			h.replyMatchmakeError(ctx, conn, types.ErrMatchmakeUnhandled, "malformed options payload")
			return
		}
	}

	reservation, err := h.matchmaker.Invoke(ctx, method, name, options)
	if err != nil {
		logging.Warn(ctx, "Matchmake request failed",
			zap.String("method", method),
			zap.String("name", name),
			zap.Error(err))
		h.replyMatchmakeError(ctx, conn, matchmaker.ErrorCode(err), err.Error())
		return
	}

	reply, err := json.Marshal(matchmakeResponse{Room: reservation.Room, SessionID: reservation.SessionID})
	if err != nil {
		logging.Error(ctx, "Failed to encode matchmake reply", zap.Error(err))
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
		logging.Warn(ctx, "Failed to write matchmake reply", zap.Error(err))
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (h *Hub) replyMatchmakeError(ctx context.Context, conn *websocket.Conn, code int, message string) {
	reply, err := json.Marshal(matchmakeResponse{Code: code, Error: message})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
		logging.Warn(ctx, "Failed to write matchmake error", zap.Error(err))
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(types.WSCloseWithError, ""), time.Now().Add(time.Second))
}

// ServeRoom connects a reserved session to the room hosting it. The seat must
// have been reserved through a matchmake operation on this process.
// GET /:name/:roomId?sessionId=...
func (h *Hub) ServeRoom(c *gin.Context) {
	roomID := types.RoomID(c.Param("roomId"))
	sessionID := types.SessionID(c.Query("sessionId"))

	conn, err := h.upgrade(c)
	if err != nil {
		return
	}

	ctx := c.Request.Context()

	r, ok := h.matchmaker.LocalRoom(roomID)
	if !ok || sessionID == "" {
		logging.Warn(ctx, "Room connection rejected",
			zap.String("room_id", string(roomID)),
			zap.Bool("found", ok))
		h.closeWithError(conn, "room not found")
		return
	}

	options, reserved := r.SeatOptions(sessionID)
	if !reserved {
		h.sendJoinError(ctx, conn, "seat reservation expired or missing")
		return
	}

	client := room.NewClient(sessionID, options)
	if err := r.Join(ctx, client); err != nil {
		logging.Warn(ctx, "Room join failed",
			zap.String("room_id", string(roomID)),
			zap.String("session_id", string(sessionID)),
			zap.Error(err))
		h.sendJoinError(ctx, conn, err.Error())
		return
	}

	metrics.IncConnection()

	session := &session{
		conn:           conn,
		room:           r,
		client:         client,
		pingInterval:   h.pingInterval,
		pingMaxRetries: h.pingMaxRetries,
	}
	go session.writePump()
	go session.readPump()
}

// joinErrorFrame precedes the error close on a failed room connection.
type joinErrorFrame struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

func (h *Hub) sendJoinError(ctx context.Context, conn *websocket.Conn, message string) {
	frame, err := json.Marshal(joinErrorFrame{Code: types.JoinError, Error: message})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			logging.Warn(ctx, "Failed to write join error", zap.Error(err))
		}
	}
	h.closeWithError(conn, message)
}

func (h *Hub) closeWithError(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(types.WSCloseWithError, reason), time.Now().Add(time.Second))
	_ = conn.Close()
}

// upgrade performs the WebSocket handshake. Compression stays off; room
// frames are small and latency matters more than bytes.
func (h *Hub) upgrade(c *gin.Context) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
		EnableCompression: false,
		WriteBufferPool:   &sync.Pool{},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}

// validateOrigin checks if the request origin is in the allowed list.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Allow non-browser clients (game clients, tests)
		return nil
	}
	if len(allowedOrigins) == 0 {
		return nil
	}
	for _, allowed := range allowedOrigins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), strings.TrimRight(origin, "/")) {
			return nil
		}
	}
	logging.Warn(context.Background(), "Origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return errOriginNotAllowed
}
