package types

import "time"

// ProvisionState is a node's position in the provisioning lifecycle.
type ProvisionState string

const (
	NoState    ProvisionState = ""
	Available  ProvisionState = "available"
	Deploying  ProvisionState = "deploying"
	DeployWait ProvisionState = "wait call-back" // deploy ramdisk booted, awaiting its callback
	DeployFail ProvisionState = "deploy failed"
	Active     ProvisionState = "active"
)

// PowerState is the requested or observed power state of a node.
type PowerState string

const (
	PowerOn   PowerState = "power on"
	PowerOff  PowerState = "power off"
	Rebooting PowerState = "rebooting"
)

// Boot options understood by the deploy ramdisk.
const (
	BootOptionLocal   = "local"
	BootOptionNetboot = "netboot"
)

// Node is the persisted record of one physical machine.
//
// InstanceInfo, DriverInfo and Properties are loosely typed mappings as
// written by operators or API clients; they are decoded at the boundary
// (see package deploy) and never pattern-matched deeper in.
type Node struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Driver string `json:"driver"`

	ProvisionState       ProvisionState `json:"provision_state"`
	TargetProvisionState ProvisionState `json:"target_provision_state"`
	PowerState           PowerState     `json:"power_state,omitempty"`

	InstanceInfo map[string]any `json:"instance_info"`
	DriverInfo   map[string]any `json:"driver_info"`
	Properties   map[string]any `json:"properties"`

	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Init fills nil mappings so callers can write into them directly.
func (n *Node) Init() {
	if n.InstanceInfo == nil {
		n.InstanceInfo = make(map[string]any)
	}
	if n.DriverInfo == nil {
		n.DriverInfo = make(map[string]any)
	}
	if n.Properties == nil {
		n.Properties = make(map[string]any)
	}
}

// Clone returns a copy whose top-level mappings are detached from n.
func (n *Node) Clone() *Node {
	c := *n
	c.InstanceInfo = cloneMap(n.InstanceInfo)
	c.DriverInfo = cloneMap(n.DriverInfo)
	c.Properties = cloneMap(n.Properties)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
