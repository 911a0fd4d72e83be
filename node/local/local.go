package local

import (
	"context"
	"time"

	"github.com/projecteru2/anvil/config"
	"github.com/projecteru2/anvil/node"
	storejson "github.com/projecteru2/anvil/storage/json"
	"github.com/projecteru2/anvil/types"
	"github.com/projecteru2/anvil/utils"
)

// compile-time interface check.
var _ node.Store = (*Store)(nil)

// nodeIndex is the top-level structure of nodes.json.
type nodeIndex struct {
	Nodes map[string]*types.Node `json:"nodes"`
}

// Init implements storage.Initer.
func (idx *nodeIndex) Init() {
	if idx.Nodes == nil {
		idx.Nodes = make(map[string]*types.Node)
	}
}

// Store keeps node records in a flock-guarded JSON file.
type Store struct {
	store *storejson.Store[nodeIndex]
}

func New(indexFile, lockFile string) *Store {
	return &Store{store: storejson.New[nodeIndex](indexFile, lockFile)}
}

func (s *Store) Load(ctx context.Context, id string) (*types.Node, error) {
	var out *types.Node
	err := s.store.Read(ctx, func(idx *nodeIndex) error {
		n, ok := idx.Nodes[id]
		if !ok || n == nil {
			return node.NotFound(id)
		}
		out = n.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Init()
	return out, nil
}

func (s *Store) Save(ctx context.Context, n *types.Node) error {
	if err := config.ValidateNodeID(n.ID); err != nil {
		return err
	}
	return s.store.Update(ctx, func(idx *nodeIndex) error {
		c := n.Clone()
		c.UpdatedAt = time.Now().UTC()
		idx.Nodes[n.ID] = c
		n.UpdatedAt = c.UpdatedAt
		return nil
	})
}

func (s *Store) List(ctx context.Context) ([]*types.Node, error) {
	var out []*types.Node
	return out, s.store.Read(ctx, func(idx *nodeIndex) error {
		for _, id := range utils.SortedKeys(idx.Nodes) {
			if n := idx.Nodes[id]; n != nil {
				out = append(out, n.Clone())
			}
		}
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.store.Update(ctx, func(idx *nodeIndex) error {
		if _, ok := idx.Nodes[id]; !ok {
			return node.NotFound(id)
		}
		delete(idx.Nodes, id)
		return nil
	})
}
