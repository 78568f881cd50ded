package gate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/fleetgauge/meter-quality-worker/internal/errs"
)

// VehicleLocks is a keyed critical section: ingestion and corrections for
// the same vehicle serialize, different vehicles proceed in parallel.
// There is no global lock.
type VehicleLocks struct {
	mu      sync.Mutex
	sems    map[uuid.UUID]*semaphore.Weighted
	maxWait time.Duration
}

// NewVehicleLocks creates the lock table. maxWait bounds how long an
// acquire may block before surfacing a concurrency conflict.
func NewVehicleLocks(maxWait time.Duration) *VehicleLocks {
	return &VehicleLocks{
		sems:    make(map[uuid.UUID]*semaphore.Weighted),
		maxWait: maxWait,
	}
}

func (l *VehicleLocks) sem(vehicleID uuid.UUID) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sems[vehicleID]
	if !ok {
		s = semaphore.NewWeighted(1)
		l.sems[vehicleID] = s
	}
	return s
}

// WithVehicleLock runs fn inside the vehicle's critical section. If the
// lock cannot be acquired within the wait bound it returns a
// ConcurrencyConflict instead of deadlocking. Once fn starts it runs to
// completion: the section is short and non-interruptible, so fn gets a
// context detached from the caller's cancellation.
func (l *VehicleLocks) WithVehicleLock(ctx context.Context, vehicleID uuid.UUID, fn func(ctx context.Context) error) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	s := l.sem(vehicleID)
	if err := s.Acquire(waitCtx, 1); err != nil {
		return errs.ConcurrencyConflict(vehicleID.String())
	}
	defer s.Release(1)

	// Never abort mid-write: a reading persisted without its paired
	// error records would violate the atomicity contract.
	return fn(context.WithoutCancel(ctx))
}
