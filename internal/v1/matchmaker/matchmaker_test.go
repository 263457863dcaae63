package matchmaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-gg/arena/internal/v1/driver"
	"github.com/lattice-gg/arena/internal/v1/presence"
	"github.com/lattice-gg/arena/internal/v1/room"
	"github.com/lattice-gg/arena/internal/v1/types"
)

// testLogic is the minimal authored room behavior.
type testLogic struct {
	createErr error
}

func (l *testLogic) OnCreate(ctx context.Context, r *room.Room, options types.ClientOptions) error {
	return l.createErr
}

func (l *testLogic) OnJoin(ctx context.Context, r *room.Room, c *room.Client, options types.ClientOptions) error {
	return nil
}

// fleet is a set of matchmakers sharing one presence and registry, which is
// exactly what separate processes against one Redis look like.
type fleet struct {
	presence *presence.Local
	driver   *driver.LocalDriver
	members  []*Matchmaker
}

func newFleet(t *testing.T, size int) *fleet {
	f := &fleet{
		presence: presence.NewLocal(),
		driver:   driver.NewLocalDriver(),
	}
	for i := 0; i < size; i++ {
		m := New(Config{
			Presence:           f.presence,
			Driver:             f.driver,
			RemoteCallTimeout:  200 * time.Millisecond,
			SeatReservationTTL: 2 * time.Second,
		})
		f.members = append(f.members, m)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, m := range f.members {
			_ = m.GracefulShutdown(ctx)
		}
		_ = f.presence.Close()
	})
	return f
}

func registerChat(t *testing.T, m *Matchmaker, def Definition) {
	if def.New == nil {
		def.New = func() room.Logic { return &testLogic{} }
	}
	require.NoError(t, m.RegisterHandler(context.Background(), "chat", def))
}

func TestJoinOrCreate_CreatesThenFills(t *testing.T) {
	f := newFleet(t, 1)
	m := f.members[0]
	registerChat(t, m, Definition{MaxClients: 2})
	ctx := context.Background()

	first, err := m.JoinOrCreate(ctx, "chat", nil)
	require.NoError(t, err)
	require.NotNil(t, first.Room)
	assert.NotEmpty(t, first.SessionID)
	assert.Equal(t, 1, m.LocalRoomCount())

	second, err := m.JoinOrCreate(ctx, "chat", nil)
	require.NoError(t, err)
	assert.Equal(t, first.Room.RoomID, second.Room.RoomID)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, m.LocalRoomCount())

	// The room filled and auto-locked; the next request gets a fresh room
	third, err := m.JoinOrCreate(ctx, "chat", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Room.RoomID, third.Room.RoomID)
	assert.Equal(t, 2, m.LocalRoomCount())
}

func TestJoinOrCreate_NoHandler(t *testing.T) {
	f := newFleet(t, 1)
	m := f.members[0]

	_, err := m.JoinOrCreate(context.Background(), "battle", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrMatchmakeNoHandler, ErrorCode(err))
}

func TestJoinOrCreate_CreateFailure(t *testing.T) {
	f := newFleet(t, 1)
	m := f.members[0]
	registerChat(t, m, Definition{
		New: func() room.Logic { return &testLogic{createErr: errors.New("boom")} },
	})

	_, err := m.JoinOrCreate(context.Background(), "chat", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrMatchmakeUnhandled, ErrorCode(err))
	// The failed room never became reachable
	assert.Equal(t, 0, m.LocalRoomCount())
}

func TestCreate_AlwaysNewRoom(t *testing.T) {
	f := newFleet(t, 1)
	m := f.members[0]
	registerChat(t, m, Definition{MaxClients: 8})
	ctx := context.Background()

	a, err := m.Create(ctx, "chat", nil)
	require.NoError(t, err)
	b, err := m.Create(ctx, "chat", nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.Room.RoomID, b.Room.RoomID)
	assert.Equal(t, 2, m.LocalRoomCount())
}

func TestJoin_RequiresExistingRoom(t *testing.T) {
	f := newFleet(t, 1)
	m := f.members[0]
	registerChat(t, m, Definition{MaxClients: 2})
	ctx := context.Background()

	_, err := m.Join(ctx, "chat", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrMatchmakeInvalidCriteria, ErrorCode(err))

	created, err := m.Create(ctx, "chat", nil)
	require.NoError(t, err)

	joined, err := m.Join(ctx, "chat", nil)
	require.NoError(t, err)
	assert.Equal(t, created.Room.RoomID, joined.Room.RoomID)
}

func TestJoinByID(t *testing.T) {
	f := newFleet(t, 1)
	m := f.members[0]
	registerChat(t, m, Definition{MaxClients: 4})
	ctx := context.Background()

	created, err := m.Create(ctx, "chat", nil)
	require.NoError(t, err)
	roomID := types.RoomID(created.Room.RoomID)

	joined, err := m.JoinByID(ctx, roomID, nil)
	require.NoError(t, err)
	assert.Equal(t, created.Room.RoomID, joined.Room.RoomID)

	_, err = m.JoinByID(ctx, "no-such-room", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrMatchmakeInvalidRoomID, ErrorCode(err))
}

func TestJoinByID_LockedRoom(t *testing.T) {
	f := newFleet(t, 1)
	m := f.members[0]
	registerChat(t, m, Definition{MaxClients: 1})
	ctx := context.Background()

	created, err := m.Create(ctx, "chat", nil)
	require.NoError(t, err)

	// The single seat auto-locked the room
	_, err = m.JoinByID(ctx, types.RoomID(created.Room.RoomID), nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrMatchmakeInvalidRoomID, ErrorCode(err))
}

func TestJoinByID_Rejoin(t *testing.T) {
	f := newFleet(t, 1)
	m := f.members[0]
	registerChat(t, m, Definition{MaxClients: 2})
	ctx := context.Background()

	created, err := m.JoinOrCreate(ctx, "chat", nil)
	require.NoError(t, err)
	roomID := types.RoomID(created.Room.RoomID)

	// A valid reservation re-resolves to the same session
	rejoined, err := m.JoinByID(ctx, roomID, types.ClientOptions{"sessionId": string(created.SessionID)})
	require.NoError(t, err)
	assert.Equal(t, created.SessionID, rejoined.SessionID)

	// An unknown session is expired, not re-seated
	_, err = m.JoinByID(ctx, roomID, types.ClientOptions{"sessionId": "stale-session"})
	require.Error(t, err)
	assert.Equal(t, types.ErrMatchmakeExpired, ErrorCode(err))
}

func TestQuery(t *testing.T) {
	f := newFleet(t, 1)
	m := f.members[0]
	registerChat(t, m, Definition{MaxClients: 1})
	require.NoError(t, m.RegisterHandler(context.Background(), "secret", Definition{
		New:     func() room.Logic { return &testLogic{} },
		Private: true,
	}))
	ctx := context.Background()

	locked, err := m.Create(ctx, "chat", nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, "secret", nil)
	require.NoError(t, err)

	listings, err := m.Query(ctx, "", nil)
	require.NoError(t, err)
	// Private rooms stay hidden; locked ones are listed
	require.Len(t, listings, 1)
	assert.Equal(t, locked.Room.RoomID, listings[0].RoomID)
	assert.True(t, listings[0].Locked)

	listings, err = m.Query(ctx, "secret", nil)
	require.NoError(t, err)
	assert.Empty(t, listings)
}

func TestFilterFields_PartitionRooms(t *testing.T) {
	f := newFleet(t, 1)
	m := f.members[0]
	registerChat(t, m, Definition{
		MaxClients: 8,
		FilterFields: func(options types.ClientOptions) map[string]any {
			if mode, ok := options["mode"].(string); ok {
				return map[string]any{"mode": mode}
			}
			return nil
		},
	})
	ctx := context.Background()

	ranked, err := m.JoinOrCreate(ctx, "chat", types.ClientOptions{"mode": "ranked"})
	require.NoError(t, err)
	casual, err := m.JoinOrCreate(ctx, "chat", types.ClientOptions{"mode": "casual"})
	require.NoError(t, err)
	assert.NotEqual(t, ranked.Room.RoomID, casual.Room.RoomID)

	rankedAgain, err := m.JoinOrCreate(ctx, "chat", types.ClientOptions{"mode": "ranked"})
	require.NoError(t, err)
	assert.Equal(t, ranked.Room.RoomID, rankedAgain.Room.RoomID)
}

func TestInvoke(t *testing.T) {
	f := newFleet(t, 1)
	m := f.members[0]
	registerChat(t, m, Definition{MaxClients: 2})
	ctx := context.Background()

	res, err := m.Invoke(ctx, "joinOrCreate", "chat", nil)
	require.NoError(t, err)
	assert.NotNil(t, res.Room)

	// Internal operations are not reachable by name
	_, err = m.Invoke(ctx, "reserveSeatFor", "chat", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrMatchmakeUnhandled, ErrorCode(err))
}

func TestRemoteCall_CrossProcess(t *testing.T) {
	f := newFleet(t, 2)
	host, peer := f.members[0], f.members[1]
	registerChat(t, host, Definition{MaxClients: 4})
	ctx := context.Background()

	created, err := host.Create(ctx, "chat", nil)
	require.NoError(t, err)
	roomID := types.RoomID(created.Room.RoomID)

	// The peer does not host the room, so this is a full pub/sub round trip
	_, ok := peer.LocalRoom(roomID)
	require.False(t, ok)

	value, processID, err := peer.RemoteCall(ctx, roomID, "roomId", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, string(roomID), value)
	assert.Equal(t, host.ProcessID(), processID)
}

func TestRemoteCall_ErrorsCrossProcess(t *testing.T) {
	f := newFleet(t, 2)
	host, peer := f.members[0], f.members[1]
	registerChat(t, host, Definition{MaxClients: 4})
	ctx := context.Background()

	created, err := host.Create(ctx, "chat", nil)
	require.NoError(t, err)

	_, _, err = peer.RemoteCall(ctx, types.RoomID(created.Room.RoomID), "noSuchMethod", []any{1}, 0)
	require.Error(t, err)
	var rce *RemoteCallError
	require.ErrorAs(t, err, &rce)
	assert.Equal(t, "noSuchMethod", rce.Method)
	// A remote error is not a timeout
	assert.False(t, errors.Is(err, ErrRemoteCallTimeout))
}

func TestRemoteCall_LocalErrorsWrapped(t *testing.T) {
	f := newFleet(t, 1)
	m := f.members[0]
	registerChat(t, m, Definition{MaxClients: 4})
	ctx := context.Background()

	created, err := m.Create(ctx, "chat", nil)
	require.NoError(t, err)
	roomID := types.RoomID(created.Room.RoomID)
	_, ok := m.LocalRoom(roomID)
	require.True(t, ok)

	// A locally hosted room fails with the same error shape as a remote one
	_, _, err = m.RemoteCall(ctx, roomID, "noSuchMethod", []any{1}, 0)
	require.Error(t, err)
	var rce *RemoteCallError
	require.ErrorAs(t, err, &rce)
	assert.Equal(t, "noSuchMethod", rce.Method)
	assert.False(t, errors.Is(err, ErrRemoteCallTimeout))
}

func TestRemoteCall_Timeout(t *testing.T) {
	f := newFleet(t, 1)
	m := f.members[0]

	start := time.Now()
	_, _, err := m.RemoteCall(context.Background(), "nobody-hosts-this", "roomId", nil, 150*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemoteCallTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestMatchmakeAcrossProcesses(t *testing.T) {
	f := newFleet(t, 2)
	host, peer := f.members[0], f.members[1]
	registerChat(t, host, Definition{MaxClients: 4})
	registerChat(t, peer, Definition{MaxClients: 4})
	ctx := context.Background()

	created, err := host.JoinOrCreate(ctx, "chat", nil)
	require.NoError(t, err)

	// The peer finds the hosted room through the shared registry and reserves
	// its seat with a remote call
	joined, err := peer.JoinOrCreate(ctx, "chat", nil)
	require.NoError(t, err)
	assert.Equal(t, created.Room.RoomID, joined.Room.RoomID)
	assert.Equal(t, 0, peer.LocalRoomCount())

	r, ok := host.LocalRoom(types.RoomID(created.Room.RoomID))
	require.True(t, ok)
	assert.True(t, r.HasReservedSeat(joined.SessionID))
}

func TestCleanupStaleRooms(t *testing.T) {
	f := newFleet(t, 1)
	m := f.members[0]
	registerChat(t, m, Definition{MaxClients: 4})
	ctx := context.Background()

	live, err := m.Create(ctx, "chat", nil)
	require.NoError(t, err)

	// A listing left behind by a process that no longer exists
	dead := f.driver.CreateInstance(&driver.Listing{
		RoomID:    "dead-room",
		Name:      "chat",
		ProcessID: "gone-process",
	})
	require.NoError(t, dead.Save(ctx))
	require.NoError(t, f.presence.SAdd(ctx, "chat", "dead-room"))

	require.NoError(t, m.CleanupStaleRooms(ctx, "chat"))

	listings, err := f.driver.Find(ctx, driver.QueryConditions{"name": "chat"})
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, live.Room.RoomID, listings[0].RoomID)

	members, err := f.presence.SMembers(ctx, "chat")
	require.NoError(t, err)
	assert.NotContains(t, members, "dead-room")

	// Idempotent on a clean registry
	require.NoError(t, m.CleanupStaleRooms(ctx, "chat"))
}

func TestAwaitRoomAvailable_SerializesAndReleases(t *testing.T) {
	f := newFleet(t, 1)
	m := f.members[0]
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.awaitRoomAvailable(ctx, "chat", func() (*driver.Listing, error) {
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Both released their slot: a fresh increment sees an idle counter
	n, err := f.presence.Incr(ctx, concurrencyKey("chat"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGracefulShutdown(t *testing.T) {
	f := newFleet(t, 1)
	m := f.members[0]
	registerChat(t, m, Definition{MaxClients: 4})
	ctx := context.Background()

	created, err := m.Create(ctx, "chat", nil)
	require.NoError(t, err)
	require.Equal(t, 1, m.LocalRoomCount())

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.GracefulShutdown(shutdownCtx))

	assert.Equal(t, 0, m.LocalRoomCount())

	// The registry no longer advertises the room
	got, err := f.driver.FindOne(ctx, driver.QueryConditions{"roomId": created.Room.RoomID}, nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	// New matchmaking is refused while shut down
	_, err = m.Invoke(ctx, "joinOrCreate", "chat", nil)
	require.Error(t, err)

	// A second shutdown is rejected
	assert.Error(t, m.GracefulShutdown(shutdownCtx))
}

func TestGracefulShutdown_RefusesDirectCreates(t *testing.T) {
	f := newFleet(t, 1)
	m := f.members[0]
	registerChat(t, m, Definition{MaxClients: 2})
	ctx := context.Background()

	require.NoError(t, m.GracefulShutdown(ctx))

	// Embedders calling past Invoke must not mint rooms that escape the
	// disconnect fan-out
	_, err := m.Create(ctx, "chat", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrMatchmakeUnhandled, ErrorCode(err))
	assert.Equal(t, 0, m.LocalRoomCount())

	_, err = m.JoinOrCreate(ctx, "chat", nil)
	require.Error(t, err)
	assert.Equal(t, 0, m.LocalRoomCount())

	// No listing leaked into the registry either
	listings, err := f.driver.Find(ctx, driver.QueryConditions{"name": "chat"})
	require.NoError(t, err)
	assert.Empty(t, listings)
}

func TestGeneratedIDs(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := generateID()
		require.Len(t, id, 9)
		for _, c := range id {
			valid := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
				(c >= '0' && c <= '9') || c == '_' || c == '-'
			require.True(t, valid, "unexpected character %q in id %q", c, id)
		}
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}
