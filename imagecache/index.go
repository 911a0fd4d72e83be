package imagecache

import (
	"slices"
	"time"

	"github.com/projecteru2/anvil/types"
)

// cacheIndex is the top-level structure of cache.json, keyed by the digest
// hex of the canonical image href.
type cacheIndex struct {
	Images map[string]*types.CachedImage `json:"images"`
}

// Init implements storage.Initer.
func (idx *cacheIndex) Init() {
	if idx.Images == nil {
		idx.Images = make(map[string]*types.CachedImage)
	}
}

// reserve records nodeID as a referrer of the master for href, creating
// the entry if needed.
func (idx *cacheIndex) reserve(hex, href, digest, path, nodeID string, now time.Time) {
	e := idx.Images[hex]
	if e == nil {
		e = &types.CachedImage{Href: href, Digest: digest, Path: path}
		idx.Images[hex] = e
	}
	if !slices.Contains(e.Nodes, nodeID) {
		e.Nodes = append(e.Nodes, nodeID)
	}
	e.LastUsed = now
}

// release drops nodeID from every entry and returns how many entries
// referenced it.
func (idx *cacheIndex) release(nodeID string, now time.Time) int {
	n := 0
	for _, e := range idx.Images {
		if e == nil {
			continue
		}
		before := len(e.Nodes)
		e.Nodes = slices.DeleteFunc(e.Nodes, func(id string) bool { return id == nodeID })
		if len(e.Nodes) != before {
			e.LastUsed = now
			n++
		}
	}
	return n
}

// referencedNodes returns every node ID that holds a reference.
func (idx *cacheIndex) referencedNodes() map[string]struct{} {
	out := map[string]struct{}{}
	for _, e := range idx.Images {
		if e == nil {
			continue
		}
		for _, id := range e.Nodes {
			out[id] = struct{}{}
		}
	}
	return out
}
