package node

import (
	"context"

	"github.com/projecteru2/anvil/gc"
)

const gcName = "node"

// Snapshot lists registered nodes for other GC modules. Nodes themselves
// are never collected.
type Snapshot struct {
	ids map[string]struct{}
}

// RegisteredNodeIDs implements the gc registered-node protocol.
func (s Snapshot) RegisteredNodeIDs() map[string]struct{} { return s.ids }

func GCModule(store Store) gc.Module[Snapshot] {
	return gc.Module[Snapshot]{
		Name: gcName,
		ReadDB: func(ctx context.Context) (Snapshot, error) {
			nodes, err := store.List(ctx)
			if err != nil {
				return Snapshot{}, err
			}
			snap := Snapshot{ids: make(map[string]struct{}, len(nodes))}
			for _, n := range nodes {
				snap.ids[n.ID] = struct{}{}
			}
			return snap, nil
		},
		Resolve: func(Snapshot, map[string]any) []string { return nil },
		Collect: func(context.Context, []string) error { return nil },
	}
}
