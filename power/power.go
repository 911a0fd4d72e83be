package power

import (
	"context"

	"github.com/projecteru2/anvil/types"
)

// Controller drives a node's power through its management interface.
// SetPowerState returns once the node reports the requested state.
type Controller interface {
	SetPowerState(ctx context.Context, node *types.Node, state types.PowerState) error
	PowerState(ctx context.Context, node *types.Node) (types.PowerState, error)
}
