package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/anvil/driver"
	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/lease"
	"github.com/projecteru2/anvil/metrics"
	"github.com/projecteru2/anvil/node"
	"github.com/projecteru2/anvil/types"
)

// compile-time interface check.
var _ driver.Task = (*Task)(nil)

// Manager hands out Tasks: a lease on one node plus the loaded node and
// its resolved driver.
type Manager struct {
	leases  lease.Store
	nodes   node.Store
	drivers *driver.Registry
	ttl     time.Duration
	host    string
}

func NewManager(leases lease.Store, nodes node.Store, drivers *driver.Registry, ttl time.Duration) *Manager {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "anvil"
	}
	return &Manager{leases: leases, nodes: nodes, drivers: drivers, ttl: ttl, host: host}
}

// Acquire takes a lease on nodeID and loads the node. A conflicting lease
// fails fast with errdefs.ErrNodeLocked. The returned Task keeps its lease
// alive until Release.
func (m *Manager) Acquire(ctx context.Context, nodeID string, shared bool, purpose string) (*Task, error) {
	logger := log.WithFunc("task.Acquire")
	mode := types.LeaseExclusive
	if shared {
		mode = types.LeaseShared
	}

	holder := fmt.Sprintf("%s/%s", m.host, uuid.NewString())
	l, err := m.leases.Acquire(ctx, nodeID, holder, mode, m.ttl)
	if err != nil {
		if errdefs.IsNodeLocked(err) {
			metrics.RecordLeaseConflict(string(mode))
			logger.Warnf(ctx, "%s: %v", purpose, err)
		}
		return nil, err
	}

	t := &Task{
		manager: m,
		lease:   l,
		purpose: purpose,
		done:    make(chan struct{}),
	}
	fail := func(err error) (*Task, error) {
		if rerr := m.leases.Release(context.WithoutCancel(ctx), l); rerr != nil {
			logger.Warnf(ctx, "release lease on %s after failed acquire: %v", nodeID, rerr)
		}
		return nil, err
	}
	if t.node, err = m.nodes.Load(ctx, nodeID); err != nil {
		return fail(err)
	}
	if t.driver, err = m.drivers.Get(t.node.Driver); err != nil {
		return fail(fmt.Errorf("node %s: %w", nodeID, err))
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.stop = cancel
	go t.renew(rctx, m.ttl)

	logger.Debugf(ctx, "%s lease on %s taken by %s for %s", mode, nodeID, holder, purpose)
	return t, nil
}

// Task is a node under lease. Only an exclusive task may Save.
type Task struct {
	manager *Manager
	lease   *types.Lease
	node    *types.Node
	driver  driver.Driver
	purpose string

	mu       sync.Mutex // guards lease.ExpiresAt against the renewer
	lost     atomic.Bool
	stop     context.CancelFunc
	done     chan struct{}
	released sync.Once
}

func (t *Task) Node() *types.Node { return t.node }

func (t *Task) Shared() bool { return t.lease.Mode == types.LeaseShared }

func (t *Task) Driver() driver.Driver { return t.driver }

func (t *Task) Purpose() string { return t.purpose }

// Lease returns a copy of the current lease.
func (t *Task) Lease() types.Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.lease
}

// Save persists the node. Shared tasks and tasks whose lease was lost
// cannot write.
func (t *Task) Save(ctx context.Context) error {
	if t.Shared() {
		return errdefs.InvalidState("task %q on node %s holds a shared lease and cannot save", t.purpose, t.node.ID)
	}
	if err := t.live(time.Now()); err != nil {
		return err
	}
	return t.manager.nodes.Save(ctx, t.node)
}

// live fails once the lease was taken over or has run past its expiry
// without a successful renewal; another holder may own it by then.
func (t *Task) live(now time.Time) error {
	t.mu.Lock()
	l := *t.lease
	t.mu.Unlock()
	if t.lost.Load() {
		return lease.Lost(&l)
	}
	if l.Expired(now) {
		t.lost.Store(true)
		return lease.Lost(&l)
	}
	return nil
}

// Release stops renewal and drops the lease. Safe to call more than once.
func (t *Task) Release(ctx context.Context) error {
	var err error
	t.released.Do(func() {
		t.stop()
		<-t.done
		if t.lost.Load() {
			return
		}
		t.mu.Lock()
		l := *t.lease
		t.mu.Unlock()
		err = t.manager.leases.Release(context.WithoutCancel(ctx), &l)
		if err == nil {
			log.WithFunc("task.Release").Debugf(ctx, "%s lease on %s released by %s", l.Mode, l.NodeID, l.Holder)
		}
	})
	return err
}

// renew extends the lease at a third of its TTL until stopped.
func (t *Task) renew(ctx context.Context, ttl time.Duration) {
	defer close(t.done)
	logger := log.WithFunc("task.renew")
	ticker := time.NewTicker(ttl / 3) //nolint:mnd
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t.mu.Lock()
		l := *t.lease
		t.mu.Unlock()
		err := t.manager.leases.Extend(ctx, &l, ttl)
		switch {
		case err == nil:
			t.mu.Lock()
			t.lease.ExpiresAt = l.ExpiresAt
			t.mu.Unlock()
		case errors.Is(err, errdefs.ErrInvalidState):
			t.lost.Store(true)
			logger.Errorf(ctx, err, "lease on %s lost while running %s", l.NodeID, t.purpose)
			return
		case ctx.Err() != nil:
			return
		default:
			if lerr := t.live(time.Now()); lerr != nil {
				logger.Errorf(ctx, err, "lease on %s expired while running %s", l.NodeID, t.purpose)
				return
			}
			logger.Warnf(ctx, "extend lease on %s: %v", l.NodeID, err)
		}
	}
}

// With runs fn under a task on nodeID and releases the task on every exit
// path, including a panic in fn.
func With(ctx context.Context, m *Manager, nodeID string, shared bool, purpose string, fn func(*Task) error) (err error) {
	t, err := m.Acquire(ctx, nodeID, shared, purpose)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := t.Release(ctx); rerr != nil {
			log.WithFunc("task.With").Warnf(ctx, "release %s on %s: %v", purpose, nodeID, rerr)
			if err == nil {
				err = rerr
			}
		}
	}()
	return fn(t)
}
