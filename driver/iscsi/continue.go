package iscsi

import (
	"context"
	"errors"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/anvil/config"
	"github.com/projecteru2/anvil/driver"
	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/metrics"
	"github.com/projecteru2/anvil/types"
)

// ContinueDeploy handles the ramdisk callback. The deploy key is checked
// before anything else. A ramdisk error or an executor failure moves the
// node to DEPLOYFAIL and is not returned; only validation, state and
// persistence errors are.
func (d *Driver) ContinueDeploy(ctx context.Context, t driver.Task, cb *types.DeployCallback) error {
	logger := log.WithFunc("iscsi.ContinueDeploy")
	node := t.Node()

	info, err := d.builder.GetDeployInfo(node, cb)
	if err != nil {
		return err
	}
	if t.Shared() {
		return errdefs.InvalidState("continue deploy of node %s requires an exclusive lease", node.ID)
	}
	if node.ProvisionState != types.DeployWait {
		return errdefs.InvalidState("node %s is %q, not %q", node.ID, node.ProvisionState, types.DeployWait)
	}

	if cb.Error != "" {
		logger.Errorf(ctx, errors.New(cb.Error), "node %s: deploy ramdisk failed", node.ID)
		return d.fail(ctx, t, cb.Error)
	}

	start := time.Now()
	ectx, cancel := context.WithTimeout(ctx, d.timeout)
	err = d.executor.Deploy(ectx, info)
	if err == nil {
		// A cancelled run that still returned nil did not finish writing.
		err = ectx.Err()
	}
	cancel()
	metrics.ObserveDeployDuration(time.Since(start).Seconds())
	if err != nil {
		logger.Errorf(ctx, err, "node %s: deploy failed", node.ID)
		return d.fail(ctx, t, err.Error())
	}

	return d.succeed(ctx, t)
}

// fail moves the node to DEPLOYFAIL, powers it off and drops its images.
// It runs detached from ctx so a cancelled caller still leaves a
// consistent node behind.
func (d *Driver) fail(ctx context.Context, t driver.Task, reason string) error {
	logger := log.WithFunc("iscsi.fail")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	node := t.Node()
	node.ProvisionState = types.DeployFail
	node.LastError = reason

	if err := d.power.SetPowerState(ctx, node, types.PowerOff); err != nil {
		logger.Warnf(ctx, "node %s: power off after failed deploy: %v", node.ID, err)
	}
	if err := d.cache.DestroyImages(ctx, node.ID); err != nil {
		logger.Warnf(ctx, "node %s: destroy images: %v", node.ID, err)
	}
	if err := d.boot.CleanUp(ctx, node); err != nil {
		logger.Warnf(ctx, "node %s: clean up boot params: %v", node.ID, err)
	}
	metrics.RecordDeploy("failed")
	return t.Save(ctx)
}

func (d *Driver) succeed(ctx context.Context, t driver.Task) error {
	logger := log.WithFunc("iscsi.succeed")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	node := t.Node()
	target := node.TargetProvisionState
	if target == types.NoState {
		target = types.Active
	}
	node.ProvisionState = target
	node.TargetProvisionState = types.NoState
	node.LastError = ""

	if err := d.cache.DestroyImages(ctx, node.ID); err != nil {
		logger.Warnf(ctx, "node %s: release images: %v", node.ID, err)
	}
	if err := d.boot.CleanUp(ctx, node); err != nil {
		logger.Warnf(ctx, "node %s: clean up boot params: %v", node.ID, err)
	}
	if err := d.postDeployPower(ctx, node); err != nil {
		logger.Warnf(ctx, "node %s: post deploy power: %v", node.ID, err)
	}
	metrics.RecordDeploy("succeeded")
	if err := t.Save(ctx); err != nil {
		return err
	}
	logger.Infof(ctx, "node %s: deployed, now %s", node.ID, node.ProvisionState)
	return nil
}

func (d *Driver) postDeployPower(ctx context.Context, node *types.Node) error {
	switch d.conf.PostDeployPower {
	case config.PostDeployNone, "":
		return nil
	case config.PostDeployOn:
		return d.power.SetPowerState(ctx, node, types.PowerOn)
	case config.PostDeployReboot:
		return d.power.SetPowerState(ctx, node, types.Rebooting)
	default:
		return errdefs.InvalidParameter("unknown post_deploy_power %q", d.conf.PostDeployPower)
	}
}
