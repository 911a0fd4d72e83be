package driver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/types"
)

// Task is the view of a locked node a driver operates on.
type Task interface {
	Node() *types.Node
	// Shared reports whether the task holds only a shared lease.
	Shared() bool
	// Save persists the node. It fails for shared tasks.
	Save(ctx context.Context) error
}

// Driver implements the deploy interface for one family of nodes.
type Driver interface {
	Name() string
	Validate(ctx context.Context, t Task) error
	Deploy(ctx context.Context, t Task) error
	ContinueDeploy(ctx context.Context, t Task, cb *types.DeployCallback) error
}

// Registry maps driver names to implementations.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: map[string]Driver{}}
	for _, d := range drivers {
		r.Register(d)
	}
	return r
}

// Register adds d. Registering the same name twice is a programming error.
func (r *Registry) Register(d Driver) {
	name := normalize(d.Name())
	if name == "" {
		panic("driver: empty driver name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.drivers[name]; exists {
		panic(fmt.Sprintf("driver: %q already registered", name))
	}
	r.drivers[name] = d
}

func (r *Registry) Get(name string) (Driver, error) {
	r.mu.RLock()
	d, ok := r.drivers[normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, errdefs.InvalidParameter("unknown driver %q", name)
	}
	return d, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		out = append(out, name)
	}
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
