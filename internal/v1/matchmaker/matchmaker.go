// Package matchmaker selects or creates rooms for joining clients, reserves
// their seats through cross-process room calls, and keeps the distributed
// room registry consistent with the rooms this process actually hosts.
package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lattice-gg/arena/internal/v1/driver"
	"github.com/lattice-gg/arena/internal/v1/logging"
	"github.com/lattice-gg/arena/internal/v1/metrics"
	"github.com/lattice-gg/arena/internal/v1/presence"
	"github.com/lattice-gg/arena/internal/v1/room"
	"github.com/lattice-gg/arena/internal/v1/types"
)

// maxReservationAttempts bounds the joinOrCreate/join retry loop on lost
// seat races.
const maxReservationAttempts = 5

// exposedMethods is the set of operations the transport may invoke by name.
var exposedMethods = map[string]struct{}{
	"joinOrCreate": {},
	"create":       {},
	"join":         {},
	"joinById":     {},
}

// SeatReservation is a successful matchmake result: the room's listing and
// the fresh session the client must present on its room-join connection.
type SeatReservation struct {
	Room      *driver.Listing `json:"room"`
	SessionID types.SessionID `json:"sessionId"`
}

// Config wires a Matchmaker to its fleet services.
type Config struct {
	Presence  presence.Presence
	Driver    driver.Driver
	ProcessID types.ProcessID

	// RemoteCallTimeout bounds presence round trips (default 2s).
	RemoteCallTimeout time.Duration

	// SeatReservationTTL bounds how long a reserved seat waits for its
	// client (default 8s).
	SeatReservationTTL time.Duration
}

// Matchmaker is the per-process matchmaking core.
type Matchmaker struct {
	presence  presence.Presence
	driver    driver.Driver
	processID types.ProcessID

	remoteCallTimeout time.Duration
	seatTTL           time.Duration

	mu           sync.Mutex
	handlers     map[string]*registeredHandler
	localRooms   map[types.RoomID]*room.Room
	roomSubs     map[types.RoomID]presence.Unsubscribe
	shuttingDown bool
}

// New creates a matchmaker for this process.
func New(cfg Config) *Matchmaker {
	processID := cfg.ProcessID
	if processID == "" {
		processID = types.ProcessID(uuid.NewString())
	}
	remoteCallTimeout := cfg.RemoteCallTimeout
	if remoteCallTimeout <= 0 {
		remoteCallTimeout = 2000 * time.Millisecond
	}
	seatTTL := cfg.SeatReservationTTL
	if seatTTL <= 0 {
		seatTTL = 8 * time.Second
	}

	return &Matchmaker{
		presence:          cfg.Presence,
		driver:            cfg.Driver,
		processID:         processID,
		remoteCallTimeout: remoteCallTimeout,
		seatTTL:           seatTTL,
		handlers:          make(map[string]*registeredHandler),
		localRooms:        make(map[types.RoomID]*room.Room),
		roomSubs:          make(map[types.RoomID]presence.Unsubscribe),
	}
}

// ProcessID identifies this matchmaker's process across the fleet.
func (m *Matchmaker) ProcessID() types.ProcessID {
	return m.processID
}

// RegisterHandler installs (or replaces) the room-type registration and
// reaps listings left behind by dead processes for that type.
func (m *Matchmaker) RegisterHandler(ctx context.Context, name string, def Definition) error {
	if name == "" {
		return fmt.Errorf("room type name must not be empty")
	}
	if def.New == nil {
		return fmt.Errorf("definition for %q has no constructor", name)
	}

	m.mu.Lock()
	_, replaced := m.handlers[name]
	m.handlers[name] = &registeredHandler{name: name, def: def}
	m.mu.Unlock()

	if replaced {
		logging.Info(ctx, "Replaced room handler", zap.String("name", name))
	} else {
		logging.Info(ctx, "Registered room handler", zap.String("name", name))
	}

	return m.CleanupStaleRooms(ctx, name)
}

func (m *Matchmaker) handler(name string) *registeredHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[name]
}

// LocalRoom resolves a room hosted by this process.
func (m *Matchmaker) LocalRoom(roomID types.RoomID) (*room.Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.localRooms[roomID]
	return r, ok
}

// LocalRoomCount reports how many rooms this process hosts.
func (m *Matchmaker) LocalRoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.localRooms)
}

// Invoke dispatches a transport matchmake request. Only the exposed methods
// are reachable by name.
func (m *Matchmaker) Invoke(ctx context.Context, method, name string, options types.ClientOptions) (*SeatReservation, error) {
	if _, ok := exposedMethods[method]; !ok {
		return nil, newMatchmakeError(types.ErrMatchmakeUnhandled, "matchmake method %q is not exposed", method)
	}
	if m.isShuttingDown() {
		return nil, newMatchmakeError(types.ErrMatchmakeUnhandled, "process is shutting down")
	}

	var (
		result *SeatReservation
		err    error
	)
	switch method {
	case "joinOrCreate":
		result, err = m.JoinOrCreate(ctx, name, options)
	case "create":
		result, err = m.Create(ctx, name, options)
	case "join":
		result, err = m.Join(ctx, name, options)
	case "joinById":
		result, err = m.JoinByID(ctx, types.RoomID(name), options)
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.MatchmakeRequests.WithLabelValues(method, status).Inc()
	return result, err
}

// JoinOrCreate finds a suitable room or creates one, then reserves a seat.
// Lost seat races retry with a fresh query, up to maxReservationAttempts.
func (m *Matchmaker) JoinOrCreate(ctx context.Context, name string, options types.ClientOptions) (*SeatReservation, error) {
	var lastErr error
	for attempt := 0; attempt < maxReservationAttempts; attempt++ {
		if attempt > 0 {
			metrics.SeatReservationRetries.Inc()
		}

		listing, err := m.queryRoom(ctx, name, options)
		if err != nil {
			return nil, err
		}
		if listing == nil {
			_, listing, err = m.createRoom(ctx, name, options)
			if err != nil {
				return nil, err
			}
		}

		result, err := m.reserveSeatFor(ctx, listing, options)
		if err == nil {
			return result, nil
		}
		var seatErr *SeatReservationError
		if !errors.As(err, &seatErr) {
			return nil, err
		}
		lastErr = err
	}
	return nil, newMatchmakeError(types.ErrMatchmakeUnhandled,
		"joinOrCreate for %q gave up after %d seat reservation attempts: %s", name, maxReservationAttempts, lastErr)
}

// Create unconditionally creates a new room and reserves a seat in it.
func (m *Matchmaker) Create(ctx context.Context, name string, options types.ClientOptions) (*SeatReservation, error) {
	_, listing, err := m.createRoom(ctx, name, options)
	if err != nil {
		return nil, err
	}
	return m.reserveSeatFor(ctx, listing, options)
}

// Join reserves a seat in an existing room; it never creates one.
func (m *Matchmaker) Join(ctx context.Context, name string, options types.ClientOptions) (*SeatReservation, error) {
	var lastErr error
	for attempt := 0; attempt < maxReservationAttempts; attempt++ {
		if attempt > 0 {
			metrics.SeatReservationRetries.Inc()
		}

		listing, err := m.queryRoom(ctx, name, options)
		if err != nil {
			return nil, err
		}
		if listing == nil {
			return nil, newMatchmakeError(types.ErrMatchmakeInvalidCriteria,
				"no rooms of type %q match the given criteria", name)
		}

		result, err := m.reserveSeatFor(ctx, listing, options)
		if err == nil {
			return result, nil
		}
		var seatErr *SeatReservationError
		if !errors.As(err, &seatErr) {
			return nil, err
		}
		lastErr = err
	}
	return nil, newMatchmakeError(types.ErrMatchmakeUnhandled,
		"join for %q gave up after %d seat reservation attempts: %s", name, maxReservationAttempts, lastErr)
}

// JoinByID targets one specific room. With options.sessionId set it is a
// rejoin: the existing reservation is validated instead of taking a new
// seat.
func (m *Matchmaker) JoinByID(ctx context.Context, roomID types.RoomID, options types.ClientOptions) (*SeatReservation, error) {
	listing, err := m.driver.FindOne(ctx, driver.QueryConditions{"roomId": string(roomID)}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to look up room %q: %w", roomID, err)
	}
	if listing == nil {
		return nil, newMatchmakeError(types.ErrMatchmakeInvalidRoomID, "room %q not found", roomID)
	}

	if sid, ok := options["sessionId"].(string); ok && sid != "" {
		reserved, _, err := m.RemoteCall(ctx, roomID, "hasReservedSeat", []any{sid}, m.remoteCallTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to check reservation on room %q: %w", roomID, err)
		}
		if ok, _ := reserved.(bool); ok {
			return &SeatReservation{Room: listing, SessionID: types.SessionID(sid)}, nil
		}
		return nil, newMatchmakeError(types.ErrMatchmakeExpired,
			"session %q has no remaining reservation in room %q", sid, roomID)
	}

	if listing.Locked {
		return nil, newMatchmakeError(types.ErrMatchmakeInvalidRoomID, "room %q is locked", roomID)
	}
	return m.reserveSeatFor(ctx, listing, options)
}

// Query lists public rooms, optionally restricted to one type. Locked rooms
// stay visible here; locking only hides rooms from matchmaking.
func (m *Matchmaker) Query(ctx context.Context, name string, conditions driver.QueryConditions) ([]*driver.Listing, error) {
	conds := make(driver.QueryConditions, len(conditions)+2)
	for k, v := range conditions {
		conds[k] = v
	}
	conds["private"] = false
	if name != "" {
		conds["name"] = name
	}
	return m.driver.Find(ctx, conds)
}

// queryRoom picks the best unlocked room of the type under the admission
// gate, so near-simultaneous joins converge on one destination.
func (m *Matchmaker) queryRoom(ctx context.Context, name string, options types.ClientOptions) (*driver.Listing, error) {
	return m.awaitRoomAvailable(ctx, name, func() (*driver.Listing, error) {
		handler := m.handler(name)
		if handler == nil {
			return nil, newMatchmakeError(types.ErrMatchmakeNoHandler, "no handler registered for room type %q", name)
		}

		conds := driver.QueryConditions{
			"locked": false,
			"name":   name,
		}
		for k, v := range handler.filterFields(options) {
			conds[k] = v
		}
		return m.driver.FindOne(ctx, conds, handler.def.Sort)
	})
}

// reserveSeatFor asks the owning process for a seat under a fresh session.
func (m *Matchmaker) reserveSeatFor(ctx context.Context, listing *driver.Listing, options types.ClientOptions) (*SeatReservation, error) {
	sessionID := types.SessionID(generateID())

	reserved, _, err := m.RemoteCall(ctx, types.RoomID(listing.RoomID), "_reserveSeat",
		[]any{string(sessionID), map[string]any(options)}, m.remoteCallTimeout)
	if err != nil {
		if errors.Is(err, ErrRemoteCallTimeout) {
			// An unreachable owner and a denied seat retry the same way.
			return nil, &SeatReservationError{RoomID: types.RoomID(listing.RoomID)}
		}
		return nil, err
	}
	if ok, _ := reserved.(bool); !ok {
		return nil, &SeatReservationError{RoomID: types.RoomID(listing.RoomID)}
	}

	logging.Info(ctx, "Seat reserved",
		zap.String("room_id", listing.RoomID),
		zap.String("session_id", string(sessionID)))
	return &SeatReservation{Room: listing, SessionID: sessionID}, nil
}

// createRoom instantiates the handler's room, registers it in the fleet and
// publishes its listing.
func (m *Matchmaker) createRoom(ctx context.Context, name string, options types.ClientOptions) (*room.Room, *driver.Listing, error) {
	handler := m.handler(name)
	if handler == nil {
		return nil, nil, newMatchmakeError(types.ErrMatchmakeNoHandler, "no handler registered for room type %q", name)
	}

	roomID := types.RoomID(generateID())
	r := room.New(room.Config{
		ID:          roomID,
		Name:        name,
		ProcessID:   m.processID,
		MaxClients:  handler.def.MaxClients,
		Private:     handler.def.Private,
		AutoDispose: !handler.def.DisableAutoDispose,
		SeatTTL:     m.seatTTL,
		Logic:       handler.def.New(),
	})
	for methodName, method := range handler.def.Methods {
		r.RegisterMethod(methodName, method)
	}

	listing := m.driver.CreateInstance(&driver.Listing{
		RoomID:     string(roomID),
		Name:       name,
		ProcessID:  string(m.processID),
		Private:    handler.def.Private,
		MaxClients: r.MaxClients(),
		Fields:     handler.filterFields(options),
	})
	r.SetListing(listing)

	if err := r.OnCreate(ctx, handler.mergedOptions(options)); err != nil {
		r.Dispose(ctx)
		return nil, nil, newMatchmakeError(types.ErrMatchmakeUnhandled, "%s", err.Error())
	}
	if err := r.MarkCreated(); err != nil {
		return nil, nil, err
	}
	listing.MaxClients = r.MaxClients()

	r.SetHooks(m.roomHooks())
	if err := m.createRoomReferences(ctx, r); err != nil {
		r.Dispose(ctx)
		return nil, nil, err
	}

	// Remote calls can already be arriving; publish and return detached
	// copies of the row, never the one the room keeps mutating.
	if err := r.SaveListing(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to publish listing for room %q: %w", roomID, err)
	}

	metrics.ActiveRooms.Inc()
	logging.Info(ctx, "Room created",
		zap.String("room_id", string(roomID)),
		zap.String("name", name),
		zap.String("process_id", string(m.processID)))
	return r, r.ListingSnapshot(), nil
}

// createRoomReferences makes the room reachable: the local handle map, the
// room-type presence set and the remote-call channel.
func (m *Matchmaker) createRoomReferences(ctx context.Context, r *room.Room) error {
	roomID := r.ID()

	unsubscribe, err := m.subscribeRoomChannel(r)
	if err != nil {
		return fmt.Errorf("failed to subscribe room channel for %q: %w", roomID, err)
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		unsubscribe()
		return newMatchmakeError(types.ErrMatchmakeUnhandled, "process is shutting down")
	}
	m.localRooms[roomID] = r
	m.roomSubs[roomID] = unsubscribe
	m.mu.Unlock()

	if err := m.presence.SAdd(ctx, r.Name(), string(roomID)); err != nil {
		return fmt.Errorf("failed to announce room %q: %w", roomID, err)
	}
	return nil
}

// roomHooks binds the fixed lifecycle slots of every locally created room.
func (m *Matchmaker) roomHooks() room.Hooks {
	return room.Hooks{
		OnJoin: func(ctx context.Context, r *room.Room, c *room.Client) {
			logging.Info(ctx, "Client joined room",
				zap.String("room_id", string(r.ID())),
				zap.String("session_id", string(c.SessionID)))
		},
		OnLeave: func(ctx context.Context, r *room.Room, c *room.Client) {
			logging.Info(ctx, "Client left room",
				zap.String("room_id", string(r.ID())),
				zap.String("session_id", string(c.SessionID)))
		},
		OnLock: func(ctx context.Context, r *room.Room) {
			// A locked room keeps its listing; it only leaves the
			// matchmaking set.
			if err := m.presence.SRem(ctx, r.Name(), string(r.ID())); err != nil {
				logging.Error(ctx, "Failed to hide locked room", zap.String("room_id", string(r.ID())), zap.Error(err))
			}
		},
		OnUnlock: func(ctx context.Context, r *room.Room) {
			if err := m.presence.SAdd(ctx, r.Name(), string(r.ID())); err != nil {
				logging.Error(ctx, "Failed to republish unlocked room", zap.String("room_id", string(r.ID())), zap.Error(err))
			}
		},
		OnDispose: m.disposeRoom,
	}
}

// disposeRoom unwinds everything createRoom and createRoomReferences set up.
func (m *Matchmaker) disposeRoom(ctx context.Context, r *room.Room) {
	roomID := r.ID()

	m.mu.Lock()
	unsubscribe := m.roomSubs[roomID]
	delete(m.roomSubs, roomID)
	_, wasLocal := m.localRooms[roomID]
	delete(m.localRooms, roomID)
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if !wasLocal {
		return
	}

	if l := r.Listing(); l != nil {
		if err := l.Remove(ctx); err != nil {
			logging.Error(ctx, "Failed to remove listing", zap.String("room_id", string(roomID)), zap.Error(err))
		}
	}
	if err := m.presence.SRem(ctx, r.Name(), string(roomID)); err != nil {
		logging.Error(ctx, "Failed to clear room set membership", zap.String("room_id", string(roomID)), zap.Error(err))
	}
	if err := m.presence.Del(ctx, concurrencyKey(r.Name())); err != nil {
		logging.Error(ctx, "Failed to delete admission counter", zap.String("name", r.Name()), zap.Error(err))
	}

	metrics.ActiveRooms.Dec()
	logging.Info(ctx, "Room disposed", zap.String("room_id", string(roomID)), zap.String("name", r.Name()))
}

func (m *Matchmaker) isShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// GracefulShutdown disconnects every locally hosted room in parallel and
// returns when all have disposed. A second call while one is in progress is
// rejected.
func (m *Matchmaker) GracefulShutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return fmt.Errorf("graceful shutdown already in progress")
	}
	m.shuttingDown = true
	rooms := make([]*room.Room, 0, len(m.localRooms))
	for _, r := range m.localRooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	logging.Info(ctx, "Disconnecting local rooms", zap.Int("count", len(rooms)))

	var wg sync.WaitGroup
	for _, r := range rooms {
		wg.Add(1)
		go func(r *room.Room) {
			defer wg.Done()
			if err := r.Disconnect(ctx); err != nil {
				logging.Error(ctx, "Room disconnect failed", zap.String("room_id", string(r.ID())), zap.Error(err))
			}
			r.WaitClosed()
		}(r)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
