// Package imagecache keeps shared master copies of instance images and
// materializes per-node working copies from them.
package imagecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/anvil/config"
	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/images"
	"github.com/projecteru2/anvil/lock"
	"github.com/projecteru2/anvil/lock/flock"
	"github.com/projecteru2/anvil/storage"
	storejson "github.com/projecteru2/anvil/storage/json"
	"github.com/projecteru2/anvil/types"
	"github.com/projecteru2/anvil/utils"
)

// Cache is the instance image cache.
//
// Masters live at {master_dir}/{hex}.img where hex is the digest of the
// canonical href. The index records which nodes reference each master;
// a node's reference is written before its master is fetched, so cleanup
// never removes a master that a deploy is about to use.
type Cache struct {
	conf       *config.Config
	store      storage.Store[cacheIndex]
	images     *images.Resolver
	fetchGroup singleflight.Group
	now        func() time.Time
}

// New creates the cache and its directories.
func New(ctx context.Context, conf *config.Config, resolver *images.Resolver) (*Cache, error) {
	if err := utils.EnsureDirs(filepath.Dir(conf.CacheIndexFile()), conf.MasterRoot(), conf.MasterTempDir(), conf.ImagesRoot()); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	log.WithFunc("imagecache.New").Infof(ctx, "instance image cache at %s", conf.MasterRoot())
	return &Cache{
		conf:   conf,
		store:  storejson.New[cacheIndex](conf.CacheIndexFile(), conf.CacheIndexLock()),
		images: resolver,
		now:    time.Now,
	}, nil
}

// CacheInstanceImage makes the node's image available at
// {images_dir}/{node}/disk and returns the canonical href and that path.
func (c *Cache) CacheInstanceImage(ctx context.Context, node *types.Node) (href, diskPath string, err error) {
	logger := log.WithFunc("imagecache.CacheInstanceImage")
	if err := config.ValidateNodeID(node.ID); err != nil {
		return "", "", err
	}
	src, _ := node.InstanceInfo["image_source"].(string)
	if src == "" {
		return "", "", errdefs.MissingParameter("node %s has no instance_info.image_source", node.ID)
	}
	href = images.Canonical(src)
	key := images.KeyOf(href)
	hex := key.Hex()
	master := c.conf.MasterPath(hex)
	diskPath = c.conf.NodeImageFile(node.ID)

	if err := utils.EnsureDirs(c.conf.NodeImageDir(node.ID)); err != nil {
		return "", "", err
	}
	if err := c.store.Update(ctx, func(idx *cacheIndex) error {
		idx.reserve(hex, href, key.String(), master, node.ID, c.now())
		return nil
	}); err != nil {
		return "", "", fmt.Errorf("reserve %s for %s: %w", href, node.ID, err)
	}

	_, err, shared := c.fetchGroup.Do(hex, func() (any, error) {
		return nil, c.populate(ctx, href, hex)
	})
	if err != nil {
		if rerr := c.store.Update(context.WithoutCancel(ctx), func(idx *cacheIndex) error {
			idx.release(node.ID, c.now())
			return nil
		}); rerr != nil {
			logger.Warnf(ctx, "drop reservation of %s for %s: %v", href, node.ID, rerr)
		}
		return "", "", fmt.Errorf("fetch %s: %w", href, err)
	}
	if shared {
		logger.Debugf(ctx, "fetch of %s shared with a concurrent request", href)
	}

	if err := materialize(master, diskPath); err != nil {
		return "", "", fmt.Errorf("materialize %s: %w", diskPath, err)
	}
	logger.Infof(ctx, "node %s: image %s ready at %s", node.ID, href, diskPath)
	return href, diskPath, nil
}

// populate downloads href into its master slot unless a valid master
// already exists. The per-image flock serializes processes; singleflight
// already serialized goroutines of this one.
func (c *Cache) populate(ctx context.Context, href, hex string) error {
	master := c.conf.MasterPath(hex)
	return lock.WithLock(ctx, flock.New(c.conf.MasterLock(hex)), func() error {
		if utils.ValidFile(master) {
			recordFetch("hit")
			return c.touch(ctx, hex, master)
		}
		svc, err := c.images.For(href)
		if err != nil {
			recordFetch("error")
			return err
		}
		start := time.Now()
		if err := utils.AtomicWriteFileIn(c.conf.MasterTempDir(), master, func(w io.Writer) error {
			return svc.Download(ctx, href, w)
		}); err != nil {
			recordFetch("error")
			return err
		}
		recordFetch("miss")
		log.WithFunc("imagecache.populate").Infof(ctx, "fetched %s into %s in %s", href, master, time.Since(start).Round(time.Millisecond))
		return c.touch(ctx, hex, master)
	})
}

// touch records the master's size in the index.
func (c *Cache) touch(ctx context.Context, hex, master string) error {
	st, err := os.Stat(master)
	if err != nil {
		return err
	}
	return c.store.Update(ctx, func(idx *cacheIndex) error {
		if e := idx.Images[hex]; e != nil {
			e.Size = st.Size()
		}
		return nil
	})
}

// materialize puts a working copy of master at dst: a hard link when both
// live on one filesystem, a copy otherwise.
func materialize(master, dst string) error {
	if err := utils.RemoveIfExists(dst); err != nil {
		return err
	}
	if err := os.Link(master, dst); err == nil {
		return nil
	}
	src, err := os.Open(master) //nolint:gosec // cache-managed path
	if err != nil {
		return err
	}
	defer src.Close() //nolint:errcheck
	return utils.AtomicWriteFile(dst, func(w io.Writer) error {
		_, err := io.Copy(w, src)
		return err
	})
}

// DestroyImages drops the node's references, runs CleanUp once and
// removes the node's working copy and directory. Missing paths are fine.
func (c *Cache) DestroyImages(ctx context.Context, nodeID string) error {
	if err := config.ValidateNodeID(nodeID); err != nil {
		return err
	}
	var errs []error
	if err := c.store.Update(ctx, func(idx *cacheIndex) error {
		idx.release(nodeID, c.now())
		return nil
	}); err != nil {
		errs = append(errs, fmt.Errorf("release references of %s: %w", nodeID, err))
	}
	if err := c.CleanUp(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := utils.RemoveIfExists(c.conf.NodeImageFile(nodeID)); err != nil {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(c.conf.NodeImageDir(nodeID)); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		log.WithFunc("imagecache.DestroyImages").Infof(ctx, "node %s: instance images destroyed", nodeID)
	}
	return errors.Join(errs...)
}

// List returns the cache entries sorted by href.
func (c *Cache) List(ctx context.Context) ([]*types.CachedImage, error) {
	var out []*types.CachedImage
	err := c.store.Read(ctx, func(idx *cacheIndex) error {
		for _, e := range idx.Images {
			if e != nil {
				cp := *e
				cp.Nodes = append([]string(nil), e.Nodes...)
				out = append(out, &cp)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Href < out[j].Href })
	return out, err
}
