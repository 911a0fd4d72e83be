package local

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/types"
)

const ttl = time.Minute

func newTestStore(t *testing.T) (*Store, string, string) {
	dir := t.TempDir()
	idx, lk := filepath.Join(dir, "leases.json"), filepath.Join(dir, "leases.lock")
	return New(idx, lk), idx, lk
}

func TestAcquire_ExclusiveConflictAcrossStores(t *testing.T) {
	ctx := context.Background()
	a, idx, lk := newTestStore(t)
	b := New(idx, lk) // second orchestrator process

	if _, err := a.Acquire(ctx, "n1", "conductor-a", types.LeaseExclusive, ttl); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	_, err := b.Acquire(ctx, "n1", "conductor-b", types.LeaseExclusive, ttl)
	if !errdefs.IsNodeLocked(err) {
		t.Fatalf("expected node locked, got %v", err)
	}
	if _, err := b.Acquire(ctx, "n2", "conductor-b", types.LeaseExclusive, ttl); err != nil {
		t.Fatalf("other node must be free: %v", err)
	}
}

func TestAcquire_SharedCoexistButBlockExclusive(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	r1, err := s.Acquire(ctx, "n1", "r1", types.LeaseShared, ttl)
	if err != nil {
		t.Fatalf("shared 1: %v", err)
	}
	if _, err := s.Acquire(ctx, "n1", "r2", types.LeaseShared, ttl); err != nil {
		t.Fatalf("shared 2: %v", err)
	}
	if _, err := s.Acquire(ctx, "n1", "w", types.LeaseExclusive, ttl); !errdefs.IsNodeLocked(err) {
		t.Fatalf("expected exclusive to conflict with shared, got %v", err)
	}
	if err := s.Release(ctx, r1); err != nil {
		t.Fatalf("release: %v", err)
	}
	leases, _ := s.List(ctx)
	if len(leases) != 1 || leases[0].Holder != "r2" {
		t.Errorf("expected only r2 to remain, got %+v", leases)
	}
}

func TestAcquire_ExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	stale, err := s.Acquire(ctx, "n1", "crashed", types.LeaseExclusive, ttl)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(2 * ttl)

	if _, err := s.Acquire(ctx, "n1", "fresh", types.LeaseExclusive, ttl); err != nil {
		t.Fatalf("expected takeover of expired lease: %v", err)
	}
	if err := s.Release(ctx, stale); !errors.Is(err, errdefs.ErrInvalidState) {
		t.Fatalf("expected releasing a lost lease to fail, got %v", err)
	}
	if err := s.Extend(ctx, stale, ttl); err == nil {
		t.Fatal("expected extending a lost lease to fail")
	}
}

func TestExtend_PushesExpiry(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	l, err := s.Acquire(ctx, "n1", "a", types.LeaseExclusive, ttl)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(ttl / 2)
	if err := s.Extend(ctx, l, ttl); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if !l.ExpiresAt.Equal(now.Add(ttl)) {
		t.Errorf("expected expiry %s, got %s", now.Add(ttl), l.ExpiresAt)
	}
	now = now.Add(ttl * 3 / 4)
	if _, err := s.Acquire(ctx, "n1", "b", types.LeaseExclusive, ttl); !errdefs.IsNodeLocked(err) {
		t.Fatalf("expected extended lease to still hold, got %v", err)
	}
}

func TestCleanExpired(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	_, _ = s.Acquire(ctx, "n1", "a", types.LeaseExclusive, ttl)
	_, _ = s.Acquire(ctx, "n2", "b", types.LeaseShared, 3*ttl)
	now = now.Add(2 * ttl)

	n, err := s.CleanExpired(ctx)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 removed, got %d", n)
	}
	leases, _ := s.List(ctx)
	if len(leases) != 1 || leases[0].NodeID != "n2" {
		t.Errorf("unexpected leases %+v", leases)
	}
}

func TestAcquire_ConcurrentExclusiveSingleWinner(t *testing.T) {
	ctx := context.Background()
	_, idx, lk := newTestStore(t)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := New(idx, lk)
			_, err := s.Acquire(ctx, "n1", "holder-"+string(rune('a'+i)), types.LeaseExclusive, ttl)
			switch {
			case err == nil:
				wins.Add(1)
			case !errdefs.IsNodeLocked(err):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", wins.Load())
	}
}
