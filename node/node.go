package node

import (
	"context"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/types"
)

// Store persists node records. Load returns a detached copy; callers
// mutate it and hand it back through Save.
type Store interface {
	Load(ctx context.Context, id string) (*types.Node, error)
	Save(ctx context.Context, n *types.Node) error
	List(ctx context.Context) ([]*types.Node, error)
	Delete(ctx context.Context, id string) error
}

// NotFound is the error every Store returns for an unknown node.
func NotFound(id string) error {
	return errdefs.NotFound("node %s not found", id)
}
