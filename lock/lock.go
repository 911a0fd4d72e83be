// Package lock defines the locking contract shared by storage, the image
// cache and GC. Implementations live in subpackages.
package lock

import (
	"context"

	"github.com/projecteru2/core/log"
)

// Locker is a context-aware mutual exclusion primitive.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// TryLocker can also make a single non-blocking attempt.
type TryLocker interface {
	Locker
	// TryLock returns false, nil when the lock is held elsewhere.
	TryLock(ctx context.Context) (bool, error)
}

// WithLock runs fn while holding l. l is released on every return path.
func WithLock(ctx context.Context, l Locker, fn func() error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer unlock(ctx, l)
	return fn()
}

// TryWithLock runs fn only if l can be taken without waiting. It reports
// whether fn ran.
func TryWithLock(ctx context.Context, l TryLocker, fn func() error) (bool, error) {
	ok, err := l.TryLock(ctx)
	if err != nil || !ok {
		return false, err
	}
	defer unlock(ctx, l)
	return true, fn()
}

func unlock(ctx context.Context, l Locker) {
	if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
		log.WithFunc("lock.unlock").Warnf(ctx, "unlock: %v", err)
	}
}
