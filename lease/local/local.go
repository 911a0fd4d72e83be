package local

import (
	"context"
	"slices"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/anvil/lease"
	storejson "github.com/projecteru2/anvil/storage/json"
	"github.com/projecteru2/anvil/types"
	"github.com/projecteru2/anvil/utils"
)

// compile-time interface check.
var _ lease.Store = (*Store)(nil)

// leaseIndex is the top-level structure of leases.json.
type leaseIndex struct {
	Nodes map[string][]*types.Lease `json:"nodes"`
}

// Init implements storage.Initer.
func (idx *leaseIndex) Init() {
	if idx.Nodes == nil {
		idx.Nodes = make(map[string][]*types.Lease)
	}
}

func (idx *leaseIndex) prune(nodeID string, now time.Time) {
	live := slices.DeleteFunc(idx.Nodes[nodeID], func(l *types.Lease) bool {
		return l == nil || l.Expired(now)
	})
	if len(live) == 0 {
		delete(idx.Nodes, nodeID)
		return
	}
	idx.Nodes[nodeID] = live
}

func (idx *leaseIndex) find(l *types.Lease, now time.Time) *types.Lease {
	for _, cur := range idx.Nodes[l.NodeID] {
		if cur != nil && cur.Holder == l.Holder && cur.Mode == l.Mode && !cur.Expired(now) {
			return cur
		}
	}
	return nil
}

// Store keeps leases in a JSON file updated under flock. Every
// orchestrator process sharing the file sees the same lease table, and the
// check-then-install in Acquire happens inside one exclusive flock section.
type Store struct {
	store *storejson.Store[leaseIndex]
	now   func() time.Time
}

// New creates a lease store backed by indexFile, locked through lockFile.
func New(indexFile, lockFile string) *Store {
	return &Store{
		store: storejson.New[leaseIndex](indexFile, lockFile),
		now:   time.Now,
	}
}

func (s *Store) Acquire(ctx context.Context, nodeID, holder string, mode types.LeaseMode, ttl time.Duration) (*types.Lease, error) {
	var granted types.Lease
	err := s.store.Update(ctx, func(idx *leaseIndex) error {
		now := s.now()
		idx.prune(nodeID, now)
		if by := lease.Conflict(idx.Nodes[nodeID], mode, now); by != nil {
			return lease.Locked(nodeID, by)
		}
		granted = types.Lease{
			NodeID:     nodeID,
			Holder:     holder,
			Mode:       mode,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		rec := granted
		idx.Nodes[nodeID] = append(idx.Nodes[nodeID], &rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.WithFunc("lease.local.Acquire").Debugf(ctx, "%s lease on %s granted to %s until %s", mode, nodeID, holder, granted.ExpiresAt)
	return &granted, nil
}

func (s *Store) Release(ctx context.Context, l *types.Lease) error {
	return s.store.Update(ctx, func(idx *leaseIndex) error {
		now := s.now()
		if idx.find(l, now) == nil {
			idx.prune(l.NodeID, now)
			return lease.Lost(l)
		}
		idx.Nodes[l.NodeID] = slices.DeleteFunc(idx.Nodes[l.NodeID], func(cur *types.Lease) bool {
			return cur != nil && cur.Holder == l.Holder && cur.Mode == l.Mode
		})
		idx.prune(l.NodeID, now)
		return nil
	})
}

func (s *Store) Extend(ctx context.Context, l *types.Lease, ttl time.Duration) error {
	return s.store.Update(ctx, func(idx *leaseIndex) error {
		now := s.now()
		cur := idx.find(l, now)
		if cur == nil {
			return lease.Lost(l)
		}
		cur.ExpiresAt = now.Add(ttl)
		l.ExpiresAt = cur.ExpiresAt
		return nil
	})
}

func (s *Store) List(ctx context.Context) ([]*types.Lease, error) {
	var out []*types.Lease
	return out, s.store.Read(ctx, func(idx *leaseIndex) error {
		for _, id := range utils.SortedKeys(idx.Nodes) {
			for _, l := range idx.Nodes[id] {
				if l != nil {
					c := *l
					out = append(out, &c)
				}
			}
		}
		return nil
	})
}

func (s *Store) CleanExpired(ctx context.Context) (int, error) {
	removed := 0
	err := s.store.Update(ctx, func(idx *leaseIndex) error {
		now := s.now()
		for id, held := range idx.Nodes {
			before := len(held)
			idx.prune(id, now)
			removed += before - len(idx.Nodes[id])
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		log.WithFunc("lease.local.CleanExpired").Infof(ctx, "cleaned %d expired leases", removed)
	}
	return removed, nil
}
