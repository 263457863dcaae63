package matchmaker

import (
	"errors"
	"fmt"

	"github.com/lattice-gg/arena/internal/v1/types"
)

// MatchmakeError is a terminal matchmaking failure carrying its wire code.
// The transport serializes it as {code, error}.
type MatchmakeError struct {
	Code    int
	Message string
}

func (e *MatchmakeError) Error() string {
	return e.Message
}

func newMatchmakeError(code int, format string, args ...any) *MatchmakeError {
	return &MatchmakeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// SeatReservationError is the only retriable failure kind: the chosen room
// could not take the seat (filled or locked between query and reservation).
type SeatReservationError struct {
	RoomID types.RoomID
}

func (e *SeatReservationError) Error() string {
	return fmt.Sprintf("room %q denied the seat reservation", e.RoomID)
}

// ErrRemoteCallTimeout marks a remote room call that got no reply within its
// timeout. Stale-room cleanup relies on distinguishing this from a remote
// error.
var ErrRemoteCallTimeout = errors.New("remote room call timed out")

// RemoteCallError carries the string message of an error raised on the
// owning process.
type RemoteCallError struct {
	RoomID  types.RoomID
	Method  string
	Message string
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("remote call %s on room %q failed: %s", e.Method, e.RoomID, e.Message)
}

// ErrorCode maps any matchmaking failure to its wire code; unexpected
// internal errors surface as the unhandled code.
func ErrorCode(err error) int {
	var me *MatchmakeError
	if errors.As(err, &me) {
		return me.Code
	}
	return types.ErrMatchmakeUnhandled
}
