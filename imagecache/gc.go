package imagecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/anvil/gc"
	"github.com/projecteru2/anvil/metrics"
	"github.com/projecteru2/anvil/utils"
)

const (
	masterSuffix = ".img"
	lockSuffix   = ".lock"
	gcName       = "imagecache"
)

func recordFetch(outcome string) { metrics.RecordCacheFetch(outcome) }

// CleanUp removes stale temp downloads, master files the index does not
// know, and unreferenced masters that are older than master_ttl or do not
// fit the master_max_size budget (oldest first).
//
// Per-image lock files go with their entries. A fetch reserves its entry
// under the index lock before it takes the image flock, so no process
// holds or waits on the lock of an entry with no referrers.
func (c *Cache) CleanUp(ctx context.Context) error {
	logger := log.WithFunc("imagecache.CleanUp")
	maxBytes, err := c.conf.MasterMaxBytes()
	if err != nil {
		return fmt.Errorf("parse master_max_size %q: %w", c.conf.MasterMaxSize, err)
	}
	ttl := c.conf.MasterTTL()

	cutoff := c.now().Add(-utils.StaleTempAge)
	errs := utils.RemoveMatching(ctx, c.conf.MasterTempDir(), func(e os.DirEntry) bool {
		info, err := e.Info()
		return err == nil && info.ModTime().Before(cutoff)
	})

	removed := 0
	if err := c.store.Update(ctx, func(idx *cacheIndex) error {
		now := c.now()

		// Files no entry points at: interrupted runs or a lost index.
		errs = append(errs, utils.RemoveMatching(ctx, c.conf.MasterRoot(), func(e os.DirEntry) bool {
			name := e.Name()
			if e.IsDir() {
				return false
			}
			for _, suffix := range []string{masterSuffix, lockSuffix} {
				if strings.HasSuffix(name, suffix) {
					_, known := idx.Images[strings.TrimSuffix(name, suffix)]
					return !known
				}
			}
			return false
		})...)

		var total int64
		type candidate struct {
			hex      string
			lastUsed time.Time
			size     int64
		}
		var idle []candidate
		for hex, e := range idx.Images {
			if e == nil {
				delete(idx.Images, hex)
				continue
			}
			st, statErr := os.Stat(c.conf.MasterPath(hex))
			if statErr != nil && len(e.Nodes) == 0 {
				// Fetch never completed and nobody waits for it.
				delete(idx.Images, hex)
				_ = utils.RemoveIfExists(c.conf.MasterLock(hex))
				continue
			}
			var size int64
			if statErr == nil {
				size = st.Size()
			}
			total += size
			if len(e.Nodes) == 0 {
				idle = append(idle, candidate{hex: hex, lastUsed: e.LastUsed, size: size})
			}
		}
		sort.Slice(idle, func(i, j int) bool { return idle[i].lastUsed.Before(idle[j].lastUsed) })

		for _, cand := range idle {
			expired := ttl > 0 && now.Sub(cand.lastUsed) >= ttl
			overBudget := maxBytes > 0 && total > maxBytes
			if !expired && !overBudget {
				continue
			}
			if err := utils.RemoveIfExists(c.conf.MasterPath(cand.hex)); err != nil {
				errs = append(errs, err)
				continue
			}
			_ = utils.RemoveIfExists(c.conf.MasterLock(cand.hex))
			delete(idx.Images, cand.hex)
			total -= cand.size
			removed++
			logger.Infof(ctx, "removed master %s (expired %v, over budget %v)", cand.hex, expired, overBudget)
		}
		if maxBytes > 0 && total > maxBytes {
			logger.Warnf(ctx, "master cache %d bytes exceeds budget %d, remaining masters are in use", total, maxBytes)
		}
		return nil
	}); err != nil {
		errs = append(errs, err)
	}
	if removed > 0 {
		logger.Infof(ctx, "master cache cleanup removed %d images", removed)
	}
	return errors.Join(errs...)
}

// cacheSnapshot is the typed GC snapshot for the image cache.
type cacheSnapshot struct {
	nodeDirs   []string            // per-node working dirs on disk
	referenced map[string]struct{} // node IDs holding index references
}

// GCModule returns a typed gc.Module[cacheSnapshot] for the image cache.
//
// Resolve: node IDs that have a working dir or an index reference but are
// no longer registered in the node store. Without a node snapshot nothing
// is resolved.
//
// Collect: drops the orphans' references and dirs, then runs CleanUp.
func (c *Cache) GCModule() gc.Module[cacheSnapshot] {
	return gc.Module[cacheSnapshot]{
		Name: gcName,
		ReadDB: func(ctx context.Context) (cacheSnapshot, error) {
			var snap cacheSnapshot
			if err := c.store.Read(ctx, func(idx *cacheIndex) error {
				snap.referenced = idx.referencedNodes()
				return nil
			}); err != nil {
				return snap, err
			}
			snap.nodeDirs = utils.ScanSubdirs(c.conf.ImagesRoot())
			return snap, nil
		},
		Resolve: func(snap cacheSnapshot, others map[string]any) []string {
			known := gc.Collect(others, gc.NodeIDs)
			if known == nil {
				return nil
			}
			// A node under a live lease may be mid-registration; leave it.
			protected := utils.MergeSets(known, gc.Collect(others, gc.LeasedIDs))
			candidates := append([]string(nil), snap.nodeDirs...)
			candidates = append(candidates, utils.SortedKeys(snap.referenced)...)
			seen := map[string]struct{}{}
			var orphans []string
			for _, id := range utils.FilterUnreferenced(candidates, protected) {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				orphans = append(orphans, id)
			}
			return orphans
		},
		Collect: func(ctx context.Context, ids []string) error {
			var errs []error
			if len(ids) > 0 {
				if err := c.store.Update(ctx, func(idx *cacheIndex) error {
					now := c.now()
					for _, id := range ids {
						idx.release(id, now)
					}
					return nil
				}); err != nil {
					errs = append(errs, err)
				}
				for _, id := range ids {
					if err := os.RemoveAll(filepath.Clean(c.conf.NodeImageDir(id))); err != nil {
						errs = append(errs, err)
					}
				}
			}
			if err := c.CleanUp(ctx); err != nil {
				errs = append(errs, err)
			}
			return errors.Join(errs...)
		},
	}
}

// RegisterGC registers the image cache GC module with the given Orchestrator.
func (c *Cache) RegisterGC(orch *gc.Orchestrator) {
	gc.Register(orch, c.GCModule())
}
