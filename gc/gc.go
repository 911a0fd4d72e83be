package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/anvil/lock"
	"github.com/projecteru2/anvil/metrics"
)

// Module is one garbage-collected resource type.
//
// ReadDB snapshots what is recorded and what exists on disk. Resolve
// receives the module's own snapshot plus every other module's snapshot
// (keyed by module name) and returns the IDs to remove. Collect removes
// them; it is called on every run, also with no IDs, so modules can do
// unconditional housekeeping there.
type Module[S any] struct {
	Name    string
	ReadDB  func(ctx context.Context) (S, error)
	Resolve func(snap S, others map[string]any) []string
	Collect func(ctx context.Context, ids []string) error
}

type runner interface {
	name() string
	readDB(ctx context.Context) (any, error)
	resolve(snap any, others map[string]any) []string
	collect(ctx context.Context, ids []string) error
}

func (m Module[S]) name() string { return m.Name }

func (m Module[S]) readDB(ctx context.Context) (any, error) { return m.ReadDB(ctx) }

func (m Module[S]) resolve(snap any, others map[string]any) []string {
	return m.Resolve(snap.(S), others)
}

func (m Module[S]) collect(ctx context.Context, ids []string) error { return m.Collect(ctx, ids) }

// Orchestrator runs registered modules in three phases: snapshot all,
// resolve each against the others, collect.
type Orchestrator struct {
	locker  lock.Locker
	mu      sync.Mutex
	modules []runner
}

// New creates an Orchestrator. locker, when non-nil, is held for the whole
// run so only one GC runs at a time across processes.
func New(locker lock.Locker) *Orchestrator {
	return &Orchestrator{locker: locker}
}

// Register adds m to o.
func Register[S any](o *Orchestrator, m Module[S]) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.modules = append(o.modules, m)
}

// Run performs one GC pass. Module failures are joined; one failing
// module does not stop the others from collecting. With a TryLocker a pass
// already running elsewhere makes this one a no-op.
func (o *Orchestrator) Run(ctx context.Context) error {
	switch l := o.locker.(type) {
	case nil:
		return o.run(ctx)
	case lock.TryLocker:
		ran, err := lock.TryWithLock(ctx, l, func() error { return o.run(ctx) })
		if err == nil && !ran {
			log.WithFunc("gc.Run").Infof(ctx, "another GC pass holds the lock, skipped")
		}
		return err
	default:
		return lock.WithLock(ctx, l, func() error { return o.run(ctx) })
	}
}

func (o *Orchestrator) run(ctx context.Context) error {
	logger := log.WithFunc("gc.Run")
	o.mu.Lock()
	modules := append([]runner(nil), o.modules...)
	o.mu.Unlock()

	snaps := make([]any, len(modules))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range modules {
		g.Go(func() error {
			snap, err := m.readDB(gctx)
			if err != nil {
				return fmt.Errorf("gc %s: read: %w", m.name(), err)
			}
			snaps[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	byName := make(map[string]any, len(modules))
	for i, m := range modules {
		byName[m.name()] = snaps[i]
	}

	var errs []error
	for i, m := range modules {
		others := make(map[string]any, len(byName)-1)
		for name, snap := range byName {
			if name != m.name() {
				others[name] = snap
			}
		}
		ids := m.resolve(snaps[i], others)
		if err := m.collect(ctx, ids); err != nil {
			errs = append(errs, fmt.Errorf("gc %s: collect: %w", m.name(), err))
			continue
		}
		metrics.RecordGCRemovals(m.name(), len(ids))
		if len(ids) > 0 {
			logger.Infof(ctx, "gc %s: collected %d", m.name(), len(ids))
		}
	}
	return errors.Join(errs...)
}
