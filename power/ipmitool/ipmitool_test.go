package ipmitool

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/types"
)

// fakeBMC simulates a BMC whose power state follows the last command.
type fakeBMC struct {
	mu    sync.Mutex
	on    bool
	calls []string
}

func (b *fakeBMC) run(_ context.Context, name string, args ...string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cmd := strings.Join(args[len(args)-2:], " ")
	b.calls = append(b.calls, cmd)
	switch cmd {
	case "power on":
		b.on = true
	case "power off":
		b.on = false
	case "power status":
		if b.on {
			return []byte("Chassis Power is on\n"), nil
		}
		return []byte("Chassis Power is off\n"), nil
	}
	if name != "ipmitool" {
		return nil, errors.New("wrong binary")
	}
	return nil, nil
}

func newTestTool(b *fakeBMC) *IPMITool {
	t := New("ipmitool", b.run)
	t.interval = time.Millisecond
	t.timeout = time.Second
	return t
}

func testNode() *types.Node {
	return &types.Node{ID: "n1", DriverInfo: map[string]any{"ipmi_address": "10.0.0.5", "ipmi_username": "admin"}}
}

func TestSetPowerState_Off(t *testing.T) {
	b := &fakeBMC{on: true}
	n := testNode()
	if err := newTestTool(b).SetPowerState(context.Background(), n, types.PowerOff); err != nil {
		t.Fatalf("power off: %v", err)
	}
	if n.PowerState != types.PowerOff {
		t.Errorf("state = %q", n.PowerState)
	}
	if b.calls[0] != "power off" {
		t.Errorf("calls = %v", b.calls)
	}
}

func TestSetPowerState_Reboot(t *testing.T) {
	b := &fakeBMC{on: true}
	n := testNode()
	if err := newTestTool(b).SetPowerState(context.Background(), n, types.Rebooting); err != nil {
		t.Fatalf("reboot: %v", err)
	}
	if n.PowerState != types.PowerOn {
		t.Errorf("state = %q", n.PowerState)
	}
	off, on := slices.Index(b.calls, "power off"), slices.Index(b.calls, "power on")
	if off < 0 || on < 0 || off > on {
		t.Errorf("expected off before on, calls = %v", b.calls)
	}
}

func TestSetPowerState_MissingAddress(t *testing.T) {
	n := &types.Node{ID: "n1", DriverInfo: map[string]any{}}
	if err := newTestTool(&fakeBMC{}).SetPowerState(context.Background(), n, types.PowerOff); !errdefs.IsMissingParameter(err) {
		t.Fatalf("expected missing parameter, got %v", err)
	}
}

func TestSetPowerState_Unsupported(t *testing.T) {
	if err := newTestTool(&fakeBMC{}).SetPowerState(context.Background(), testNode(), "hibernate"); !errdefs.IsInvalidParameter(err) {
		t.Fatalf("expected invalid parameter, got %v", err)
	}
}
