// Package command runs an external deploy executor binary. DeployInfo is
// written as JSON to its stdin; stdout lines are logged at debug level.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/executor"
	"github.com/projecteru2/anvil/types"
)

const (
	// maxStderr caps how much of the executor's stderr lands in last_error.
	maxStderr = 4096
	// waitDelay bounds how long output pipes are drained after the process is killed.
	waitDelay = 5 * time.Second
)

// compile-time interface check.
var _ executor.Executor = (*Command)(nil)

type Command struct {
	path string
	args []string
}

// New returns an executor running path with args.
func New(path string, args ...string) *Command {
	return &Command{path: path, args: args}
}

func (c *Command) Deploy(ctx context.Context, info *types.DeployInfo) error {
	logger := log.WithFunc("command.Deploy")
	if c.path == "" {
		return errdefs.MissingParameter("deploy command is not configured")
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode deploy info: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.path, c.args...) //nolint:gosec
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Infof(ctx, "node %s: deploying %s to %s:%s", info.NodeID, info.ImagePath, info.Address, info.Port)
	err = cmd.Run()
	for line := range strings.Lines(stdout.String()) {
		logger.Debugf(ctx, "node %s: %s", info.NodeID, strings.TrimRight(line, "\n"))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errdefs.DeployFailure("deploy of node %s aborted: %v", info.NodeID, ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderr {
			msg = msg[len(msg)-maxStderr:]
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return errdefs.DeployFailure("deploy of node %s exited with %d: %s", info.NodeID, exitErr.ExitCode(), msg)
		}
		return errdefs.DeployFailure("deploy of node %s: %v: %s", info.NodeID, err, msg)
	}
	return nil
}
