package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/types"
)

// newTestStore connects to ANVIL_TEST_MONGO_URI and skips without it.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("ANVIL_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("ANVIL_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	s, err := New(ctx, uri, "anvil_test_"+uuid.NewString()[:8])
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = s.coll.Database().Drop(ctx)
		_ = s.Close(ctx)
	})
	return s
}

func TestAcquire_ExclusiveConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	l, err := s.Acquire(ctx, "n1", "a", types.LeaseExclusive, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := s.Acquire(ctx, "n1", "b", types.LeaseExclusive, time.Minute); !errdefs.IsNodeLocked(err) {
		t.Fatalf("expected node locked, got %v", err)
	}
	if _, err := s.Acquire(ctx, "n1", "c", types.LeaseShared, time.Minute); !errdefs.IsNodeLocked(err) {
		t.Fatalf("expected shared to conflict, got %v", err)
	}
	if err := s.Release(ctx, l); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := s.Acquire(ctx, "n1", "b", types.LeaseExclusive, time.Minute); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
}

func TestAcquire_SharedCoexist(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, h := range []string{"r1", "r2"} {
		if _, err := s.Acquire(ctx, "n1", h, types.LeaseShared, time.Minute); err != nil {
			t.Fatalf("shared %s: %v", h, err)
		}
	}
	if _, err := s.Acquire(ctx, "n1", "w", types.LeaseExclusive, time.Minute); !errdefs.IsNodeLocked(err) {
		t.Fatalf("expected exclusive to conflict, got %v", err)
	}
	leases, err := s.List(ctx)
	if err != nil || len(leases) != 2 {
		t.Fatalf("list = %v, %v", leases, err)
	}
}

func TestExtend_LostAfterTakeover(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	stale, err := s.Acquire(ctx, "n1", "crashed", types.LeaseExclusive, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := s.Acquire(ctx, "n1", "fresh", types.LeaseExclusive, time.Minute); err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if err := s.Extend(ctx, stale, time.Minute); err == nil {
		t.Fatal("expected extend of a lost lease to fail")
	}
}
