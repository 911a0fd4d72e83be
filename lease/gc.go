package lease

import (
	"context"
	"time"

	"github.com/projecteru2/anvil/gc"
)

const gcName = "lease"

// Snapshot is the lease store as seen by one GC run.
type Snapshot struct {
	live    map[string]struct{}
	expired []string
}

// LeasedNodeIDs implements the gc leased-node protocol.
func (s Snapshot) LeasedNodeIDs() map[string]struct{} { return s.live }

// GCModule removes expired leases. Its snapshot reports the nodes under a
// live lease so other modules leave them alone.
func GCModule(store Store) gc.Module[Snapshot] {
	return gc.Module[Snapshot]{
		Name: gcName,
		ReadDB: func(ctx context.Context) (Snapshot, error) {
			leases, err := store.List(ctx)
			if err != nil {
				return Snapshot{}, err
			}
			now := time.Now()
			snap := Snapshot{live: map[string]struct{}{}}
			for _, l := range leases {
				if l.Expired(now) {
					snap.expired = append(snap.expired, l.NodeID)
					continue
				}
				snap.live[l.NodeID] = struct{}{}
			}
			return snap, nil
		},
		Resolve: func(snap Snapshot, _ map[string]any) []string {
			return snap.expired
		},
		Collect: func(ctx context.Context, _ []string) error {
			_, err := store.CleanExpired(ctx)
			return err
		},
	}
}
