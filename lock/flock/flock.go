package flock

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"github.com/projecteru2/anvil/lock"
)

const retryDelay = 100 * time.Millisecond

// compile-time interface check.
var _ lock.TryLocker = (*Lock)(nil)

// Lock provides cross-process locking using flock(2) via gofrs/flock.
// An exclusive Lock excludes every other holder of the same path; shared
// Locks on a path coexist with each other but not with an exclusive one.
// Unlock leaves the lock file in place; its owner decides when to remove it.
type Lock struct {
	fl     *flock.Flock
	shared bool
}

// New creates an exclusive Lock for the given path.
func New(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// NewShared creates a shared (reader) Lock for the given path.
func NewShared(path string) *Lock {
	return &Lock{fl: flock.New(path), shared: true}
}

// Lock acquires the flock. Blocks until the lock is available
// or the context is cancelled.
func (l *Lock) Lock(ctx context.Context) error {
	var (
		locked bool
		err    error
	)
	if l.shared {
		locked, err = l.fl.TryRLockContext(ctx, retryDelay)
	} else {
		locked, err = l.fl.TryLockContext(ctx, retryDelay)
	}
	if err != nil {
		return fmt.Errorf("acquire flock %s: %w", l.fl.Path(), err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire flock %s: context done", l.fl.Path())
	}
	return nil
}

// TryLock makes a single non-blocking attempt.
func (l *Lock) TryLock(_ context.Context) (bool, error) {
	var (
		locked bool
		err    error
	)
	if l.shared {
		locked, err = l.fl.TryRLock()
	} else {
		locked, err = l.fl.TryLock()
	}
	if err != nil {
		return false, fmt.Errorf("try flock %s: %w", l.fl.Path(), err)
	}
	return locked, nil
}

// Unlock releases the flock.
func (l *Lock) Unlock(_ context.Context) error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release flock %s: %w", l.fl.Path(), err)
	}
	return nil
}
