package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-gg/arena/internal/v1/logging"
	"github.com/lattice-gg/arena/internal/v1/metrics"
	"github.com/lattice-gg/arena/internal/v1/types"
)

// seatSweepInterval bounds how stale an expired reservation can linger.
const seatSweepInterval = time.Second

// ReserveSeat promises the session a seat on its next join. Reservations are
// idempotent per session: re-reserving refreshes the expiry. Returns false
// when the room cannot take the seat (locked, full, or not CREATED), which
// the matchmaker surfaces as a retriable seat-reservation failure.
func (r *Room) ReserveSeat(ctx context.Context, sessionID types.SessionID, options types.ClientOptions) bool {
	r.mu.Lock()
	if r.state != StateCreated || r.locked {
		r.mu.Unlock()
		return false
	}

	if existing, ok := r.reservations[sessionID]; ok {
		existing.expires = time.Now().Add(r.seatTTL)
		existing.options = options
		r.mu.Unlock()
		return true
	}

	if len(r.clients)+len(r.reservations) >= r.maxClients {
		r.mu.Unlock()
		return false
	}

	r.reservations[sessionID] = &reservation{
		options: options,
		expires: time.Now().Add(r.seatTTL),
	}
	metrics.ReservedSeats.Inc()
	r.syncListingLocked()
	full := len(r.clients)+len(r.reservations) >= r.maxClients
	r.mu.Unlock()

	r.saveListing(ctx)
	if full {
		r.lock(ctx, true)
	}
	return true
}

// HasReservedSeat reports whether the session holds an unexpired seat.
func (r *Room) HasReservedSeat(sessionID types.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[sessionID]
	return ok && time.Now().Before(res.expires)
}

// SeatOptions returns the options recorded with an unexpired reservation.
func (r *Room) SeatOptions(sessionID types.SessionID) (types.ClientOptions, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[sessionID]
	if !ok || time.Now().After(res.expires) {
		return nil, false
	}
	return res.options, true
}

func (r *Room) startSeatSweep() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(seatSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.sweepStop:
				return
			case <-ticker.C:
				r.sweepExpiredSeats(context.Background())
			}
		}
	}()
}

// stopSeatSweep signals the sweeper without waiting: Dispose may run on the
// sweep goroutine itself.
func (r *Room) stopSeatSweep() {
	r.sweepOnce.Do(func() {
		close(r.sweepStop)
	})
}

// WaitClosed blocks until the room's background goroutines have exited.
func (r *Room) WaitClosed() {
	r.wg.Wait()
}

// sweepExpiredSeats frees capacity held by reservations whose client never
// arrived.
func (r *Room) sweepExpiredSeats(ctx context.Context) {
	now := time.Now()

	r.mu.Lock()
	if r.state != StateCreated {
		r.mu.Unlock()
		return
	}
	var freed int
	for sid, res := range r.reservations {
		if now.After(res.expires) {
			delete(r.reservations, sid)
			freed++
		}
	}
	if freed == 0 {
		r.mu.Unlock()
		return
	}
	metrics.ReservedSeats.Sub(float64(freed))
	r.syncListingLocked()
	unlocked := r.maybeAutoUnlockLocked()
	empty := len(r.clients) == 0 && len(r.reservations) == 0
	r.mu.Unlock()

	logging.Info(ctx, "Freed expired seat reservations",
		zap.String("room_id", string(r.id)), zap.Int("count", freed))

	r.saveListing(ctx)
	if unlocked && r.hooks.OnUnlock != nil {
		r.hooks.OnUnlock(ctx, r)
	}
	if empty && r.autoDispose {
		r.Dispose(ctx)
	}
}
