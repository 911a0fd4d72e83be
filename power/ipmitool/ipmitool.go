// Package ipmitool implements power.Controller with the ipmitool CLI.
package ipmitool

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/power"
	"github.com/projecteru2/anvil/types"
	"github.com/projecteru2/anvil/utils"
)

const (
	// stateTimeout bounds how long a BMC may take to reach the requested state.
	stateTimeout = 60 * time.Second
	pollInterval = 2 * time.Second
)

// compile-time interface check.
var _ power.Controller = (*IPMITool)(nil)

// Runner executes name with args and returns combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput() //nolint:gosec
}

type IPMITool struct {
	binary   string
	run      Runner
	timeout  time.Duration
	interval time.Duration
}

// New returns a controller invoking binary. A nil run uses os/exec.
func New(binary string, run Runner) *IPMITool {
	if run == nil {
		run = execRunner
	}
	return &IPMITool{binary: binary, run: run, timeout: stateTimeout, interval: pollInterval}
}

type credentials struct {
	address, username, password, port string
}

func parseDriverInfo(node *types.Node) (*credentials, error) {
	get := func(k string) string {
		v, _ := node.DriverInfo[k].(string)
		return v
	}
	c := &credentials{
		address:  get("ipmi_address"),
		username: get("ipmi_username"),
		password: get("ipmi_password"),
		port:     get("ipmi_port"),
	}
	if c.address == "" {
		return nil, errdefs.MissingParameter("node %s is missing driver_info.ipmi_address", node.ID)
	}
	return c, nil
}

func (t *IPMITool) exec(ctx context.Context, node *types.Node, args ...string) (string, error) {
	c, err := parseDriverInfo(node)
	if err != nil {
		return "", err
	}
	full := []string{"-I", "lanplus", "-H", c.address}
	if c.port != "" {
		full = append(full, "-p", c.port)
	}
	if c.username != "" {
		full = append(full, "-U", c.username)
	}
	if c.password != "" {
		full = append(full, "-P", c.password)
	}
	full = append(full, args...)
	out, err := t.run(ctx, t.binary, full...)
	if err != nil {
		return "", fmt.Errorf("ipmitool %s on node %s: %w: %s", strings.Join(args, " "), node.ID, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (t *IPMITool) PowerState(ctx context.Context, node *types.Node) (types.PowerState, error) {
	out, err := t.exec(ctx, node, "power", "status")
	if err != nil {
		return "", err
	}
	switch {
	case strings.Contains(out, "is on"):
		return types.PowerOn, nil
	case strings.Contains(out, "is off"):
		return types.PowerOff, nil
	default:
		return "", fmt.Errorf("node %s: unexpected power status %q", node.ID, strings.TrimSpace(out))
	}
}

// SetPowerState drives the node to state. Rebooting is power off followed
// by power on, each waited for.
func (t *IPMITool) SetPowerState(ctx context.Context, node *types.Node, state types.PowerState) error {
	logger := log.WithFunc("ipmitool.SetPowerState")
	switch state {
	case types.PowerOn, types.PowerOff:
		if err := t.setAndWait(ctx, node, state); err != nil {
			return err
		}
	case types.Rebooting:
		if err := t.setAndWait(ctx, node, types.PowerOff); err != nil {
			return err
		}
		if err := t.setAndWait(ctx, node, types.PowerOn); err != nil {
			return err
		}
		state = types.PowerOn
	default:
		return errdefs.InvalidParameter("unsupported power state %q", state)
	}
	node.PowerState = state
	logger.Infof(ctx, "node %s: %s", node.ID, state)
	return nil
}

func (t *IPMITool) setAndWait(ctx context.Context, node *types.Node, state types.PowerState) error {
	verb := "on"
	if state == types.PowerOff {
		verb = "off"
	}
	if _, err := t.exec(ctx, node, "power", verb); err != nil {
		return err
	}
	return utils.WaitFor(ctx, t.timeout, t.interval, func() (bool, error) {
		cur, err := t.PowerState(ctx, node)
		if err != nil {
			return false, err
		}
		return cur == state, nil
	})
}
