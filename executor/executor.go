package executor

import (
	"context"

	"github.com/projecteru2/anvil/types"
)

// Executor writes the instance image onto the node's exported disk and
// partitions it. A returned error means the node is not deployed.
type Executor interface {
	Deploy(ctx context.Context, info *types.DeployInfo) error
}
