package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/storage"
	"github.com/juju/clock"
)

// ErrNotHeld is returned when releasing a lease the caller does not hold
var ErrNotHeld = errors.New("lease not held")

// Locker is a short-lived distributed mutual-exclusion lock. Acquire never
// blocks waiting for another holder: it reports false instead.
type Locker interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) error
}

// Leadership reports whether this instance is the current cluster leader
type Leadership interface {
	IsLeader() bool
}

// Standalone is the leadership view of a single-instance deployment
type Standalone struct{}

// IsLeader always returns true
func (Standalone) IsLeader() bool { return true }

// StoreLocker implements Locker on top of a lease table. Expiry is judged
// with the locker's clock at acquisition time.
type StoreLocker struct {
	store storage.LeaseStore
	clock clock.Clock
}

// NewStoreLocker creates a locker over a lease store
func NewStoreLocker(store storage.LeaseStore, clk clock.Clock) *StoreLocker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &StoreLocker{store: store, clock: clk}
}

// Acquire takes or renews the named lease for ttl
func (l *StoreLocker) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := l.store.AcquireLease(name, holder, l.clock.Now(), ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	return ok, nil
}

// Release drops the named lease if holder owns it
func (l *StoreLocker) Release(ctx context.Context, name, holder string) error {
	leases, err := l.store.ListLeases()
	if err != nil {
		return fmt.Errorf("failed to list leases: %w", err)
	}
	held := false
	for _, ls := range leases {
		if ls.Name == name && ls.Holder == holder {
			held = true
			break
		}
	}
	if !held {
		return fmt.Errorf("%s held by another instance: %w", name, ErrNotHeld)
	}
	if err := l.store.ReleaseLease(name, holder); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}
