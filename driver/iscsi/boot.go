package iscsi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/anvil/config"
	"github.com/projecteru2/anvil/types"
	"github.com/projecteru2/anvil/utils"
)

// BootPreparer hands ramdisk options to whatever network-boots the node.
type BootPreparer interface {
	Prepare(ctx context.Context, node *types.Node, opts *types.DeployDescriptor) error
	CleanUp(ctx context.Context, node *types.Node) error
}

// ParamsDir writes the ramdisk options of each node to
// {root}/boot/{node}/deploy.json plus a kernel command line in cmdline,
// for an external boot server to pick up.
type ParamsDir struct {
	conf *config.Config
}

func NewParamsDir(conf *config.Config) *ParamsDir {
	return &ParamsDir{conf: conf}
}

func (p *ParamsDir) Prepare(ctx context.Context, node *types.Node, opts *types.DeployDescriptor) error {
	if err := config.ValidateNodeID(node.ID); err != nil {
		return err
	}
	dir := p.conf.BootDir(node.ID)
	if err := utils.EnsureDirs(dir); err != nil {
		return err
	}
	if err := utils.AtomicWriteJSON(filepath.Join(dir, "deploy.json"), opts); err != nil {
		return fmt.Errorf("write ramdisk options: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cmdline"), []byte(kernelCmdline(opts)+"\n"), 0o644); err != nil { //nolint:gosec,mnd
		return fmt.Errorf("write kernel cmdline: %w", err)
	}
	log.WithFunc("iscsi.ParamsDir.Prepare").Debugf(ctx, "node %s: ramdisk options written to %s", node.ID, dir)
	return nil
}

func (p *ParamsDir) CleanUp(_ context.Context, node *types.Node) error {
	if err := config.ValidateNodeID(node.ID); err != nil {
		return err
	}
	return os.RemoveAll(p.conf.BootDir(node.ID))
}

func kernelCmdline(opts *types.DeployDescriptor) string {
	params := map[string]string{
		"iscsi_target_iqn": opts.ISCSITargetIQN,
		"deployment_id":    opts.DeploymentID,
		"deployment_key":   opts.DeploymentKey,
		"disk":             opts.Disk,
		"anvil_api_url":    opts.APIURL,
		"boot_option":      opts.BootOption,
	}
	if opts.RootDevice != "" {
		params["root_device"] = opts.RootDevice
	}
	parts := make([]string, 0, len(params))
	for _, k := range utils.SortedKeys(params) {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, " ")
}
