package room

import (
	"context"
	"fmt"

	"github.com/lattice-gg/arena/internal/v1/types"
)

// Method is one entry of a room's remote-call table.
type Method func(ctx context.Context, r *Room, args []any) (any, error)

// Prop resolves a readable room attribute for argument-less remote calls.
type Prop func(r *Room) any

// RegisterMethod adds a user method to the dispatch table. Registration
// happens while the room is being created; the table is read-only afterwards.
func (r *Room) RegisterMethod(name string, m Method) {
	r.methods[name] = m
}

// Call routes one remote (or locally short-circuited) room call. When args
// is nil and the name resolves to a property rather than a method, the
// property value is returned; otherwise the method is invoked. Unknown names
// surface as remote-call errors to the requesting process.
func (r *Room) Call(ctx context.Context, method string, args []any) (any, error) {
	if args == nil {
		if p, ok := r.props[method]; ok {
			if _, isMethod := r.methods[method]; !isMethod {
				return p(r), nil
			}
		}
	}
	m, ok := r.methods[method]
	if !ok {
		return nil, fmt.Errorf("room %q has no method %q", r.id, method)
	}
	return m(ctx, r, args)
}

// registerBuiltins installs the reserved method and property names every
// room answers.
func (r *Room) registerBuiltins() {
	r.methods["_reserveSeat"] = func(ctx context.Context, r *Room, args []any) (any, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("_reserveSeat: missing sessionId argument")
		}
		sessionID, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("_reserveSeat: sessionId must be a string")
		}
		var options types.ClientOptions
		if len(args) > 1 {
			if m, ok := args[1].(map[string]any); ok {
				options = m
			}
		}
		return r.ReserveSeat(ctx, types.SessionID(sessionID), options), nil
	}

	r.methods["hasReservedSeat"] = func(ctx context.Context, r *Room, args []any) (any, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("hasReservedSeat: missing sessionId argument")
		}
		sessionID, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("hasReservedSeat: sessionId must be a string")
		}
		return r.HasReservedSeat(types.SessionID(sessionID)), nil
	}

	r.props["roomId"] = func(r *Room) any { return string(r.id) }
	r.props["roomName"] = func(r *Room) any { return r.name }
	r.props["processId"] = func(r *Room) any { return string(r.processID) }
	r.props["maxClients"] = func(r *Room) any { return r.maxClients }
	r.props["clients"] = func(r *Room) any { return r.ClientCount() }
	r.props["locked"] = func(r *Room) any { return r.Locked() }
	r.props["private"] = func(r *Room) any { return r.private }
}
