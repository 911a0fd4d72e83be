package lease

import (
	"context"
	"time"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/types"
)

// Store persists node leases. Acquire is an atomic conditional update on the
// persisted record: it either installs the lease or fails fast with
// errdefs.ErrNodeLocked. Callers retry; the store never queues.
type Store interface {
	Acquire(ctx context.Context, nodeID, holder string, mode types.LeaseMode, ttl time.Duration) (*types.Lease, error)
	// Release drops l. Releasing a lease that already expired and was
	// taken over returns errdefs.ErrInvalidState.
	Release(ctx context.Context, l *types.Lease) error
	// Extend pushes l's expiry to now+ttl and updates l in place.
	Extend(ctx context.Context, l *types.Lease, ttl time.Duration) error
	List(ctx context.Context) ([]*types.Lease, error)
	// CleanExpired removes expired leases and returns how many were removed.
	CleanExpired(ctx context.Context) (int, error)
}

// Conflict returns the live lease in held that prevents mode from being
// granted, or nil. Exclusive conflicts with any live lease; shared only
// with a live exclusive one.
func Conflict(held []*types.Lease, mode types.LeaseMode, now time.Time) *types.Lease {
	for _, l := range held {
		if l == nil || l.Expired(now) {
			continue
		}
		if mode == types.LeaseExclusive || l.Mode == types.LeaseExclusive {
			return l
		}
	}
	return nil
}

// Locked builds the lock-conflict error for nodeID.
func Locked(nodeID string, by *types.Lease) error {
	holder := "another process"
	if by != nil {
		holder = by.Holder
	}
	return errdefs.NodeLocked(nodeID, holder)
}

// Lost is returned when a holder no longer owns the lease it tries to use.
func Lost(l *types.Lease) error {
	return errdefs.InvalidState("%s lease on node %s held by %s was lost", l.Mode, l.NodeID, l.Holder)
}
