package gc

// Collect aggregates ID sets from all snapshots in others using the given
// accessor. It returns nil when no snapshot supports the accessor, so
// callers can tell "nothing referenced" from "nobody to ask".
//
// Usage:
//
//	nodeIDs := gc.Collect(others, gc.NodeIDs)
//	if nodeIDs == nil {
//		return nil // no node snapshot registered, keep everything
//	}
func Collect(others map[string]any, accessor func(any) map[string]struct{}) map[string]struct{} {
	var result map[string]struct{}
	for _, snap := range others {
		ids := accessor(snap)
		if ids == nil {
			continue
		}
		if result == nil {
			result = make(map[string]struct{})
		}
		for id := range ids {
			result[id] = struct{}{}
		}
	}
	return result
}

// --- Cross-module protocols ---
//
// Each protocol is an unexported interface (implementation detail) paired
// with an exported accessor function. Snapshot types in other packages
// implement the interface by adding the matching method.

// registeredNodeIDs is implemented by snapshots of the node store.
type registeredNodeIDs interface {
	RegisteredNodeIDs() map[string]struct{}
}

// NodeIDs extracts registered node IDs from a snapshot.
// Returns nil if the snapshot does not implement RegisteredNodeIDs.
func NodeIDs(snap any) map[string]struct{} {
	if r, ok := snap.(registeredNodeIDs); ok {
		if ids := r.RegisteredNodeIDs(); ids != nil {
			return ids
		}
		return map[string]struct{}{}
	}
	return nil
}

// leasedNodeIDs is implemented by snapshots that know which nodes are
// currently under a live lease.
type leasedNodeIDs interface {
	LeasedNodeIDs() map[string]struct{}
}

// LeasedIDs extracts live-leased node IDs from a snapshot.
// Returns nil if the snapshot does not implement LeasedNodeIDs.
func LeasedIDs(snap any) map[string]struct{} {
	if l, ok := snap.(leasedNodeIDs); ok {
		if ids := l.LeasedNodeIDs(); ids != nil {
			return ids
		}
		return map[string]struct{}{}
	}
	return nil
}
