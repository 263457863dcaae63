// Package types holds the identifiers, option bags and wire-stable codes
// shared between the matchmaker, rooms and the transport layer.
package types

// RoomID uniquely identifies a room across the whole fleet.
type RoomID string

// SessionID identifies one reserved seat / connected client inside a room.
type SessionID string

// ProcessID identifies the process hosting a set of rooms.
type ProcessID string

// ClientOptions is the opaque key/value bag a client sends with a matchmake
// request. Only room logic and handler filter projections interpret it.
type ClientOptions map[string]any

// Matchmaking error codes. These are part of the wire protocol and must
// never be renumbered.
const (
	ErrMatchmakeNoHandler       = 4210
	ErrMatchmakeInvalidCriteria = 4211
	ErrMatchmakeInvalidRoomID   = 4212
	ErrMatchmakeUnhandled       = 4213
	ErrMatchmakeExpired         = 4214
)

// WebSocket close codes used by the transport.
const (
	WSCloseConsented = 4000
	WSCloseWithError = 4002
)

// JoinError is the framed message code sent before closing a room-join
// socket whose join failed.
const JoinError = 4201

// IPC reply codes carried on presence reply channels.
const (
	IPCSuccess = 0
	IPCError   = 1
)
