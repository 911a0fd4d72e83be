package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/projecteru2/anvil/catalog"
	"github.com/projecteru2/anvil/config"
	"github.com/projecteru2/anvil/deploy"
	"github.com/projecteru2/anvil/driver"
	"github.com/projecteru2/anvil/driver/iscsi"
	"github.com/projecteru2/anvil/executor/command"
	"github.com/projecteru2/anvil/gc"
	"github.com/projecteru2/anvil/imagecache"
	"github.com/projecteru2/anvil/images"
	"github.com/projecteru2/anvil/images/file"
	"github.com/projecteru2/anvil/images/httpimg"
	"github.com/projecteru2/anvil/images/registry"
	"github.com/projecteru2/anvil/lease"
	leaselocal "github.com/projecteru2/anvil/lease/local"
	leasemongo "github.com/projecteru2/anvil/lease/mongo"
	"github.com/projecteru2/anvil/lock/flock"
	"github.com/projecteru2/anvil/node"
	nodebadger "github.com/projecteru2/anvil/node/badger"
	nodelocal "github.com/projecteru2/anvil/node/local"
	"github.com/projecteru2/anvil/power/ipmitool"
	"github.com/projecteru2/anvil/task"
	"github.com/projecteru2/anvil/utils"
)

// backends is everything a command may need, wired from conf.
type backends struct {
	leases  lease.Store
	nodes   node.Store
	cache   *imagecache.Cache
	builder *deploy.Builder
	drivers *driver.Registry
	tasks   *task.Manager
	closers []func(context.Context) error
}

// initBackends opens the stores and wires the deploy stack.
func initBackends(ctx context.Context) (*backends, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("prepare root dir: %w", err)
	}
	b := &backends{}
	if err := b.openStores(ctx); err != nil {
		b.Close(ctx)
		return nil, err
	}

	resolver := newResolver(conf)
	cache, err := imagecache.New(ctx, conf, resolver)
	if err != nil {
		b.Close(ctx)
		return nil, fmt.Errorf("init image cache: %w", err)
	}
	b.cache = cache

	var lookup deploy.URLLookup
	if conf.CatalogURL != "" {
		lookup = catalog.New(conf.CatalogURL, catalog.DefaultService, utils.NewHTTPClient())
	}
	b.builder = deploy.NewBuilder(conf, resolver, lookup)

	b.drivers = driver.NewRegistry(iscsi.New(
		conf,
		b.builder,
		cache,
		ipmitool.New(conf.IPMIToolBinary, nil),
		command.New(conf.DeployCommand),
		iscsi.NewParamsDir(conf),
	))
	b.tasks = task.NewManager(b.leases, b.nodes, b.drivers, conf.LeaseTTL())
	return b, nil
}

func (b *backends) openStores(ctx context.Context) error {
	switch conf.LeaseBackend {
	case config.BackendLocal, "":
		b.leases = leaselocal.New(conf.LeaseIndexFile(), conf.LeaseIndexLock())
	case config.BackendMongo:
		s, err := leasemongo.New(ctx, conf.MongoURI, conf.MongoDatabase)
		if err != nil {
			return fmt.Errorf("init mongo lease store: %w", err)
		}
		b.leases = s
		b.closers = append(b.closers, s.Close)
	default:
		return fmt.Errorf("unknown lease_backend %q", conf.LeaseBackend)
	}

	switch conf.NodeBackend {
	case config.BackendLocal, "":
		b.nodes = nodelocal.New(conf.NodeIndexFile(), conf.NodeIndexLock())
	case config.BackendBadger:
		s, err := nodebadger.Open(ctx, conf.NodeBadgerDir())
		if err != nil {
			return fmt.Errorf("init badger node store: %w", err)
		}
		b.nodes = s
		b.closers = append(b.closers, func(context.Context) error { return s.Close() })
	default:
		return fmt.Errorf("unknown node_backend %q", conf.NodeBackend)
	}
	return nil
}

// Close releases store connections.
func (b *backends) Close(ctx context.Context) {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		fmt.Fprintf(os.Stderr, "close backends: %v\n", err)
	}
}

// newGC registers every GC module against one cross-process lock.
func (b *backends) newGC() *gc.Orchestrator {
	o := gc.New(flock.New(conf.GCLock()))
	gc.Register(o, node.GCModule(b.nodes))
	gc.Register(o, lease.GCModule(b.leases))
	b.cache.RegisterGC(o)
	return o
}

func newResolver(conf *config.Config) *images.Resolver {
	hc := utils.NewHTTPClient()
	r := images.NewResolver()
	if conf.ImageRegistryURL != "" {
		r.Register(registry.New(conf.ImageRegistryURL, hc), images.OpaqueScheme)
	}
	r.Register(httpimg.New(hc), httpimg.Schemes...)
	r.Register(file.File{}, file.Scheme)
	return r
}

func formatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}

// parseKV turns key=value pairs into a mapping. Values stay strings; the
// deploy package decodes them at use.
func parseKV(pairs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid key=value %q", p)
		}
		out[k] = v
	}
	return out, nil
}

// newCommandContext is cancelled by SIGINT or SIGTERM.
func newCommandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
