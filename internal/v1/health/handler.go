package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lattice-gg/arena/internal/v1/logging"
	"github.com/lattice-gg/arena/internal/v1/presence"
)

// RoomCounter reports how many rooms this process currently hosts.
type RoomCounter interface {
	LocalRoomCount() int
}

// Handler manages health check endpoints
type Handler struct {
	presence presence.Presence
	rooms    RoomCounter
}

// NewHandler creates a new health check handler
func NewHandler(p presence.Presence, rooms RoomCounter) *Handler {
	return &Handler{
		presence: p,
		rooms:    rooms,
	}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status     string            `json:"status"`
	Checks     map[string]string `json:"checks"`
	LocalRooms int               `json:"localRooms"`
	Timestamp  string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if the presence backend answers
// Returns 503 otherwise
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	presenceStatus := h.checkPresence(ctx)
	checks["presence"] = presenceStatus
	if presenceStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	localRooms := 0
	if h.rooms != nil {
		localRooms = h.rooms.LocalRoomCount()
	}

	response := ReadinessResponse{
		Status:     status,
		Checks:     checks,
		LocalRooms: localRooms,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkPresence verifies the presence backend answers a PING
func (h *Handler) checkPresence(ctx context.Context) string {
	if h.presence == nil {
		return "healthy"
	}

	if err := h.presence.Ping(ctx); err != nil {
		logging.Error(ctx, "Presence health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}
