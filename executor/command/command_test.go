package command

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/types"
)

func testInfo() *types.DeployInfo {
	return &types.DeployInfo{Address: "10.0.0.2", Port: "3260", IQN: "iqn-n1", LUN: 1, NodeID: "n1", ImagePath: "/images/n1/disk"}
}

func TestDeploy_PassesInfoOnStdin(t *testing.T) {
	out := filepath.Join(t.TempDir(), "stdin.json")
	c := New("sh", "-c", "cat > "+out)
	if err := c.Deploy(context.Background(), testInfo()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	data, err := os.ReadFile(out) //nolint:gosec
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"iqn":"iqn-n1"`) {
		t.Errorf("unexpected payload %s", data)
	}
}

func TestDeploy_NonZeroExitIsDeployFailure(t *testing.T) {
	c := New("sh", "-c", "echo 'partition table is garbage' >&2; exit 3")
	err := c.Deploy(context.Background(), testInfo())
	if !errdefs.IsDeployFailure(err) {
		t.Fatalf("expected deploy failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "partition table is garbage") {
		t.Errorf("expected stderr in error, got %q", err.Error())
	}
}

func TestDeploy_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := New("sh", "-c", "exec sleep 10")
	if err := c.Deploy(ctx, testInfo()); !errdefs.IsDeployFailure(err) {
		t.Fatalf("expected deploy failure on timeout, got %v", err)
	}
}

func TestDeploy_NotConfigured(t *testing.T) {
	if err := New("").Deploy(context.Background(), testInfo()); !errdefs.IsMissingParameter(err) {
		t.Fatalf("expected missing parameter, got %v", err)
	}
}
