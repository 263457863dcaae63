package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-gg/arena/internal/v1/driver"
	"github.com/lattice-gg/arena/internal/v1/logging"
	"github.com/lattice-gg/arena/internal/v1/metrics"
	"github.com/lattice-gg/arena/internal/v1/types"
)

// State is the room lifecycle. Transitions are monotone; there is no way
// back from a later state to an earlier one.
type State int32

const (
	StateCreating State = iota
	StateCreated
	StateDisconnecting
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateCreated:
		return "created"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisposed:
		return "disposed"
	}
	return "unknown"
}

// DefaultMaxClients caps rooms whose definition does not set a capacity.
const DefaultMaxClients = 4

// Config carries the immutable identity and policy of a new room.
type Config struct {
	ID          types.RoomID
	Name        string
	ProcessID   types.ProcessID
	MaxClients  int
	Private     bool
	AutoDispose bool
	SeatTTL     time.Duration
	Logic       Logic
}

// Room is the per-process live handle of a hosted room: seat reservations,
// connected clients, lock state and the dispatch tables remote calls route
// through. The listing is the registry's view of this handle; only the
// owning process mutates it.
type Room struct {
	id        types.RoomID
	name      string
	processID types.ProcessID

	logic       Logic
	maxClients  int
	private     bool
	autoDispose bool
	seatTTL     time.Duration

	mu           sync.Mutex
	state        State
	locked       bool
	autoLocked   bool
	reservations map[types.SessionID]*reservation
	clients      map[types.SessionID]*Client
	listing      *driver.Listing

	methods map[string]Method
	props   map[string]Prop
	hooks   Hooks

	sweepStop chan struct{}
	sweepOnce sync.Once
	wg        sync.WaitGroup
}

type reservation struct {
	options types.ClientOptions
	expires time.Time
}

// New builds a room handle in CREATING state and starts its seat sweep.
func New(cfg Config) *Room {
	maxClients := cfg.MaxClients
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	seatTTL := cfg.SeatTTL
	if seatTTL <= 0 {
		seatTTL = 8 * time.Second
	}

	r := &Room{
		id:           cfg.ID,
		name:         cfg.Name,
		processID:    cfg.ProcessID,
		logic:        cfg.Logic,
		maxClients:   maxClients,
		private:      cfg.Private,
		autoDispose:  cfg.AutoDispose,
		seatTTL:      seatTTL,
		state:        StateCreating,
		reservations: make(map[types.SessionID]*reservation),
		clients:      make(map[types.SessionID]*Client),
		methods:      make(map[string]Method),
		props:        make(map[string]Prop),
		sweepStop:    make(chan struct{}),
	}
	r.registerBuiltins()
	r.startSeatSweep()
	return r
}

func (r *Room) ID() types.RoomID           { return r.id }
func (r *Room) Name() string               { return r.name }
func (r *Room) ProcessID() types.ProcessID { return r.processID }
func (r *Room) MaxClients() int            { return r.maxClients }

// SetMaxClients adjusts capacity from OnCreate, before the room is visible
// to the fleet.
func (r *Room) SetMaxClients(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateCreating && n > 0 {
		r.maxClients = n
		if r.listing != nil {
			r.listing.MaxClients = n
		}
	}
}
func (r *Room) Private() bool { return r.private }

// Logic exposes the authored behavior instance, for methods that need to
// reach past the room handle.
func (r *Room) Logic() Logic { return r.logic }

// Listing returns the registry row owned by this room.
func (r *Room) Listing() *driver.Listing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listing
}

// SetListing attaches the registry row. Called once by the matchmaker while
// the room is still CREATING.
func (r *Room) SetListing(l *driver.Listing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listing = l
}

// SetHooks attaches the matchmaker's lifecycle slots.
func (r *Room) SetHooks(h Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = h
}

func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Room) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked
}

func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Room) ReservationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reservations)
}

// advanceLocked moves the lifecycle forward. Backward transitions are bugs.
func (r *Room) advanceLocked(to State) error {
	if to <= r.state {
		return fmt.Errorf("room %s: illegal state transition %s -> %s", r.id, r.state, to)
	}
	r.state = to
	return nil
}

// MarkCreated transitions CREATING -> CREATED after OnCreate succeeded.
func (r *Room) MarkCreated() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateCreating {
		return fmt.Errorf("room %s: cannot mark created from %s", r.id, r.state)
	}
	return r.advanceLocked(StateCreated)
}

// OnCreate runs the authored creation logic.
func (r *Room) OnCreate(ctx context.Context, options types.ClientOptions) error {
	return r.logic.OnCreate(ctx, r, options)
}

// Join consumes the client's seat reservation and hands the client to the
// room. Fails when no unexpired reservation exists for the session.
func (r *Room) Join(ctx context.Context, c *Client) error {
	r.mu.Lock()
	if r.state != StateCreated {
		r.mu.Unlock()
		return fmt.Errorf("room %s is %s", r.id, r.state)
	}

	res, ok := r.reservations[c.SessionID]
	if !ok || time.Now().After(res.expires) {
		r.mu.Unlock()
		return fmt.Errorf("seat reservation for session %q expired or missing", c.SessionID)
	}
	delete(r.reservations, c.SessionID)
	metrics.ReservedSeats.Dec()

	r.clients[c.SessionID] = c
	r.syncListingLocked()
	r.mu.Unlock()

	if err := r.logic.OnJoin(ctx, r, c, c.Options); err != nil {
		// The seat is gone either way; roll the client back out.
		r.mu.Lock()
		delete(r.clients, c.SessionID)
		r.syncListingLocked()
		r.mu.Unlock()
		r.saveListing(ctx)
		return err
	}

	r.saveListing(ctx)
	metrics.RoomClients.WithLabelValues(string(r.id)).Set(float64(r.ClientCount()))
	if r.hooks.OnJoin != nil {
		r.hooks.OnJoin(ctx, r, c)
	}
	return nil
}

// Leave removes a disconnected client and unlocks or disposes the room as
// capacity frees up.
func (r *Room) Leave(ctx context.Context, sessionID types.SessionID) {
	r.mu.Lock()
	if r.state != StateCreated {
		r.mu.Unlock()
		return
	}
	c, ok := r.clients[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, sessionID)
	r.syncListingLocked()
	unlocked := r.maybeAutoUnlockLocked()
	empty := len(r.clients) == 0 && len(r.reservations) == 0
	r.mu.Unlock()

	c.CloseSend()
	if lh, ok := r.logic.(LeaveHandler); ok {
		lh.OnLeave(ctx, r, c)
	}

	r.saveListing(ctx)
	metrics.RoomClients.WithLabelValues(string(r.id)).Set(float64(r.ClientCount()))
	if r.hooks.OnLeave != nil {
		r.hooks.OnLeave(ctx, r, c)
	}
	if unlocked && r.hooks.OnUnlock != nil {
		r.hooks.OnUnlock(ctx, r)
	}

	if empty && r.autoDispose {
		r.Dispose(ctx)
	}
}

// Lock makes the room ineligible for matchmaking. User-initiated locks are
// not undone automatically when capacity frees.
func (r *Room) Lock(ctx context.Context) {
	r.lock(ctx, false)
}

func (r *Room) lock(ctx context.Context, auto bool) {
	r.mu.Lock()
	if r.locked || r.state != StateCreated {
		r.mu.Unlock()
		return
	}
	r.locked = true
	r.autoLocked = auto
	if r.listing != nil {
		r.listing.Locked = true
	}
	r.mu.Unlock()

	r.saveListing(ctx)
	if r.hooks.OnLock != nil {
		r.hooks.OnLock(ctx, r)
	}
}

// Unlock restores matchmaking eligibility.
func (r *Room) Unlock(ctx context.Context) {
	r.mu.Lock()
	if !r.locked || r.state != StateCreated {
		r.mu.Unlock()
		return
	}
	r.locked = false
	r.autoLocked = false
	if r.listing != nil {
		r.listing.Locked = false
	}
	r.mu.Unlock()

	r.saveListing(ctx)
	if r.hooks.OnUnlock != nil {
		r.hooks.OnUnlock(ctx, r)
	}
}

// maybeAutoUnlockLocked clears a lock that was applied automatically when
// the room filled. Explicit locks stay.
func (r *Room) maybeAutoUnlockLocked() bool {
	if !r.locked || !r.autoLocked {
		return false
	}
	if len(r.clients)+len(r.reservations) >= r.maxClients {
		return false
	}
	r.locked = false
	r.autoLocked = false
	if r.listing != nil {
		r.listing.Locked = false
	}
	return true
}

// Broadcast fans a frame out to every connected client except the given one.
func (r *Room) Broadcast(data []byte, except types.SessionID) {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for sid, c := range r.clients {
		if sid == except {
			continue
		}
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.Send(data)
	}
}

// HandleMessage routes an inbound client frame to the authored logic.
func (r *Room) HandleMessage(ctx context.Context, c *Client, data []byte) {
	if mh, ok := r.logic.(MessageHandler); ok {
		mh.OnMessage(ctx, r, c, data)
	}
}

// Disconnect forces every client out and disposes the room. Used by
// graceful shutdown.
func (r *Room) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateCreated {
		state := r.state
		r.mu.Unlock()
		if state == StateDisconnecting || state == StateDisposed {
			return nil
		}
		return fmt.Errorf("room %s: cannot disconnect while %s", r.id, state)
	}
	if err := r.advanceLocked(StateDisconnecting); err != nil {
		r.mu.Unlock()
		return err
	}
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[types.SessionID]*Client)
	metrics.ReservedSeats.Sub(float64(len(r.reservations)))
	r.reservations = make(map[types.SessionID]*reservation)
	r.mu.Unlock()

	for _, c := range clients {
		c.CloseSend()
		if lh, ok := r.logic.(LeaveHandler); ok {
			lh.OnLeave(ctx, r, c)
		}
	}

	r.Dispose(ctx)
	return nil
}

// Dispose finishes the lifecycle: authored teardown first, then the
// matchmaker's dispose slot (listing removal, channel unsubscribe).
func (r *Room) Dispose(ctx context.Context) {
	r.mu.Lock()
	if r.state == StateDisposed {
		r.mu.Unlock()
		return
	}
	if err := r.advanceLocked(StateDisposed); err != nil {
		r.mu.Unlock()
		logging.Error(ctx, "Dispose rejected", zap.String("room_id", string(r.id)), zap.Error(err))
		return
	}
	metrics.ReservedSeats.Sub(float64(len(r.reservations)))
	r.reservations = make(map[types.SessionID]*reservation)
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[types.SessionID]*Client)
	r.mu.Unlock()

	r.stopSeatSweep()
	for _, c := range clients {
		c.CloseSend()
	}

	if dh, ok := r.logic.(DisposeHandler); ok {
		dh.OnDispose(ctx, r)
	}

	metrics.RoomClients.DeleteLabelValues(string(r.id))
	if r.hooks.OnDispose != nil {
		r.hooks.OnDispose(ctx, r)
	}
}

// syncListingLocked mirrors occupancy onto the registry row. Reserved seats
// count toward the published client count so concurrent matchmakers observe
// pending joins.
func (r *Room) syncListingLocked() {
	if r.listing == nil {
		return
	}
	r.listing.Clients = len(r.clients) + len(r.reservations)
}

// SaveListing publishes the registry row. The row is snapshotted under the
// room lock and the detached copy is handed to the driver, so concurrent
// occupancy changes never race the write.
func (r *Room) SaveListing(ctx context.Context) error {
	r.mu.Lock()
	var snapshot *driver.Listing
	if r.listing != nil && r.state != StateDisposed {
		snapshot = r.listing.Snapshot()
	}
	r.mu.Unlock()

	if snapshot == nil {
		return nil
	}
	return snapshot.Save(ctx)
}

// ListingSnapshot returns a detached copy of the registry row, safe to hand
// to callers outside the room lock.
func (r *Room) ListingSnapshot() *driver.Listing {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listing == nil {
		return nil
	}
	return r.listing.Snapshot()
}

func (r *Room) saveListing(ctx context.Context) {
	if err := r.SaveListing(ctx); err != nil {
		logging.Error(ctx, "Failed to save room listing", zap.String("room_id", string(r.id)), zap.Error(err))
	}
}
