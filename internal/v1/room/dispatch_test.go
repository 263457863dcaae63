package room

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-gg/arena/internal/v1/types"
)

func TestCall_Properties(t *testing.T) {
	r := newTestRoom(t, Config{ID: "prop-room", Name: "chat", ProcessID: "proc-9", MaxClients: 6})
	ctx := context.Background()

	cases := map[string]any{
		"roomId":     "prop-room",
		"roomName":   "chat",
		"processId":  "proc-9",
		"maxClients": 6,
		"clients":    0,
		"locked":     false,
		"private":    false,
	}
	for name, want := range cases {
		got, err := r.Call(ctx, name, nil)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
}

func TestCall_PropertyNeedsNilArgs(t *testing.T) {
	r := newTestRoom(t, Config{})

	// With non-nil args the name must resolve to a method
	_, err := r.Call(context.Background(), "roomId", []any{})
	assert.Error(t, err)
}

func TestCall_UnknownMethod(t *testing.T) {
	r := newTestRoom(t, Config{})

	_, err := r.Call(context.Background(), "doesNotExist", []any{1})
	assert.Error(t, err)
}

func TestCall_ReserveSeatBuiltin(t *testing.T) {
	r := newTestRoom(t, Config{MaxClients: 1})
	ctx := context.Background()
	markCreated(t, r)

	got, err := r.Call(ctx, "_reserveSeat", []any{"s1", map[string]any{"team": "red"}})
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = r.Call(ctx, "hasReservedSeat", []any{"s1"})
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = r.Call(ctx, "hasReservedSeat", []any{"nobody"})
	require.NoError(t, err)
	assert.Equal(t, false, got)

	// Full room: the second session is denied, not errored
	got, err = r.Call(ctx, "_reserveSeat", []any{"s2"})
	require.NoError(t, err)
	assert.Equal(t, false, got)
}

func TestCall_BuiltinArgumentValidation(t *testing.T) {
	r := newTestRoom(t, Config{})
	ctx := context.Background()

	_, err := r.Call(ctx, "_reserveSeat", []any{})
	assert.Error(t, err)

	_, err = r.Call(ctx, "_reserveSeat", []any{42})
	assert.Error(t, err)

	_, err = r.Call(ctx, "hasReservedSeat", []any{})
	assert.Error(t, err)
}

func TestRegisterMethod_UserEntry(t *testing.T) {
	r := newTestRoom(t, Config{})
	r.RegisterMethod("echo", func(ctx context.Context, r *Room, args []any) (any, error) {
		return args, nil
	})

	got, err := r.Call(context.Background(), "echo", []any{"a", float64(1)})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", float64(1)}, got)
}

func TestCall_OptionsRoundTrip(t *testing.T) {
	r := newTestRoom(t, Config{MaxClients: 2})
	ctx := context.Background()
	markCreated(t, r)

	_, err := r.Call(ctx, "_reserveSeat", []any{"s1", map[string]any{"hero": "mage"}})
	require.NoError(t, err)

	opts, ok := r.SeatOptions(types.SessionID("s1"))
	require.True(t, ok)
	assert.Equal(t, "mage", opts["hero"])
}
