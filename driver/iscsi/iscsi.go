// Package iscsi deploys nodes by network-booting a deploy ramdisk that
// exports the node's disk over iSCSI; the deploy executor then writes the
// cached instance image onto it.
package iscsi

import (
	"context"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/anvil/config"
	"github.com/projecteru2/anvil/deploy"
	"github.com/projecteru2/anvil/driver"
	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/executor"
	"github.com/projecteru2/anvil/images"
	"github.com/projecteru2/anvil/power"
	"github.com/projecteru2/anvil/types"
)

const (
	Name = "iscsi"

	// cleanupTimeout bounds failure handling once the caller's context is gone.
	cleanupTimeout = 2 * time.Minute
)

// compile-time interface check.
var _ driver.Driver = (*Driver)(nil)

// ImageCache is the per-node image lifecycle the driver depends on.
type ImageCache interface {
	CacheInstanceImage(ctx context.Context, node *types.Node) (href, diskPath string, err error)
	DestroyImages(ctx context.Context, nodeID string) error
}

// Driver implements driver.Driver for iSCSI deploys.
type Driver struct {
	conf     *config.Config
	builder  *deploy.Builder
	cache    ImageCache
	power    power.Controller
	executor executor.Executor
	boot     BootPreparer
	timeout  time.Duration
}

func New(conf *config.Config, builder *deploy.Builder, cache ImageCache, pc power.Controller, ex executor.Executor, boot BootPreparer) *Driver {
	return &Driver{
		conf:     conf,
		builder:  builder,
		cache:    cache,
		power:    pc,
		executor: ex,
		boot:     boot,
		timeout:  conf.DeployTimeout(),
	}
}

func (d *Driver) Name() string { return Name }

// Validate checks instance_info and that the image carries the kernel and
// ramdisk the deploy needs.
func (d *Driver) Validate(ctx context.Context, t driver.Task) error {
	info, err := d.builder.ParseInstanceInfo(t.Node())
	if err != nil {
		return err
	}
	required := []string{"kernel_id", "ramdisk_id"}
	if !images.IsOpaque(info.ImageSource) {
		required = []string{"kernel", "ramdisk"}
	}
	return d.builder.ValidateImageProperties(ctx, info, required)
}

// Deploy prepares the node's image and ramdisk and reboots it into the
// ramdisk. The node is left in DEPLOYWAIT until the ramdisk calls back.
func (d *Driver) Deploy(ctx context.Context, t driver.Task) error {
	logger := log.WithFunc("iscsi.Deploy")
	node := t.Node()
	if t.Shared() {
		return errdefs.InvalidState("deploy of node %s requires an exclusive lease", node.ID)
	}
	switch node.ProvisionState {
	case types.NoState, types.Available, types.DeployFail:
	default:
		return errdefs.InvalidState("node %s is %q, cannot start a deploy", node.ID, node.ProvisionState)
	}
	if err := d.Validate(ctx, t); err != nil {
		return err
	}

	href, disk, err := d.cache.CacheInstanceImage(ctx, node)
	if err != nil {
		return fmt.Errorf("cache image for node %s: %w", node.ID, err)
	}
	opts, err := d.builder.BuildDeployRamdiskOptions(ctx, node)
	if err != nil {
		d.destroyImages(ctx, node)
		return err
	}
	if err := d.boot.Prepare(ctx, node, opts); err != nil {
		d.discard(ctx, node)
		return fmt.Errorf("prepare ramdisk boot for node %s: %w", node.ID, err)
	}

	// The deploy key must be persisted before the ramdisk can call back.
	node.ProvisionState = types.Deploying
	if node.TargetProvisionState == types.NoState {
		node.TargetProvisionState = types.Active
	}
	node.LastError = ""
	if err := t.Save(ctx); err != nil {
		d.discard(ctx, node)
		return err
	}

	if err := d.power.SetPowerState(ctx, node, types.Rebooting); err != nil {
		reason := fmt.Sprintf("reboot into deploy ramdisk: %v", err)
		logger.Errorf(ctx, err, "node %s: %s", node.ID, reason)
		if ferr := d.fail(ctx, t, reason); ferr != nil {
			return ferr
		}
		return errdefs.DeployFailure("node %s: %s", node.ID, reason)
	}

	node.ProvisionState = types.DeployWait
	if err := t.Save(ctx); err != nil {
		return err
	}
	logger.Infof(ctx, "node %s: image %s at %s, waiting for ramdisk callback", node.ID, href, disk)
	return nil
}

func (d *Driver) destroyImages(ctx context.Context, node *types.Node) {
	if err := d.cache.DestroyImages(context.WithoutCancel(ctx), node.ID); err != nil {
		log.WithFunc("iscsi.destroyImages").Warnf(ctx, "node %s: destroy images: %v", node.ID, err)
	}
}

// discard undoes a deploy that never reached the reboot: the working copy
// and any boot params written for it.
func (d *Driver) discard(ctx context.Context, node *types.Node) {
	d.destroyImages(ctx, node)
	if err := d.boot.CleanUp(context.WithoutCancel(ctx), node); err != nil {
		log.WithFunc("iscsi.discard").Warnf(ctx, "node %s: clean up boot params: %v", node.ID, err)
	}
}
