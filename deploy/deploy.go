// Package deploy validates deployment parameters and builds the
// descriptors handed to the deploy ramdisk and the deploy executor.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/anvil/config"
	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/images"
	"github.com/projecteru2/anvil/types"
	"github.com/projecteru2/anvil/utils"
)

const (
	deployKeyLength = 32
	iscsiPort       = "3260"
	iscsiLUN        = 1
)

// URLLookup resolves the API URL the deploy ramdisk calls back to.
type URLLookup interface {
	ServiceURL(ctx context.Context) (string, error)
}

// Builder builds deploy descriptors from node records.
type Builder struct {
	conf    *config.Config
	images  *images.Resolver
	catalog URLLookup
	keygen  func(n int) (string, error)
}

// NewBuilder returns a Builder. catalog is consulted only when
// conf.APIURL is empty and may be nil otherwise.
func NewBuilder(conf *config.Config, resolver *images.Resolver, catalog URLLookup) *Builder {
	return &Builder{conf: conf, images: resolver, catalog: catalog, keygen: utils.RandomAlnum}
}

// ValidateImageProperties checks that the image named by info carries
// every property in required. Registry images are asked for their
// properties; direct-URI images are validated by their scheme's service
// and take kernel and ramdisk from info.
func (b *Builder) ValidateImageProperties(ctx context.Context, info *types.InstanceInfo, required []string) error {
	ref := info.ImageSource
	svc, err := b.images.For(ref)
	if err != nil {
		return err
	}
	meta, err := svc.Show(ctx, ref)
	switch {
	case err == nil:
	case errors.Is(err, errdefs.ErrImageNotFound),
		errors.Is(err, errdefs.ErrImageNotAuthorized),
		errors.Is(err, errdefs.ErrImageRefValidation):
		return errdefs.InvalidParameter("failed to validate image %s: %v", ref, err)
	default:
		return fmt.Errorf("show image %s: %w", ref, err)
	}

	props := map[string]any{}
	for k, v := range meta.Properties {
		props[k] = v
	}
	if !images.IsOpaque(ref) {
		props["kernel"] = info.Kernel
		props["ramdisk"] = info.Ramdisk
	}

	var missing []string
	for _, name := range required {
		if isEmpty(props[name]) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errdefs.MissingParameter("image %s is missing the following properties: %s", ref, strings.Join(missing, ", "))
	}
	return nil
}

// BuildDeployRamdiskOptions returns the parameters for the deploy ramdisk.
// A fresh deploy key is written into node.InstanceInfo["deploy_key"]; the
// caller must persist the node before the ramdisk boots.
func (b *Builder) BuildDeployRamdiskOptions(ctx context.Context, node *types.Node) (*types.DeployDescriptor, error) {
	key, err := b.keygen(deployKeyLength)
	if err != nil {
		return nil, fmt.Errorf("generate deploy key: %w", err)
	}

	apiURL := b.conf.APIURL
	if apiURL == "" {
		if b.catalog == nil {
			return nil, errdefs.MissingParameter("no api_url configured and no service catalog to look it up")
		}
		if apiURL, err = b.catalog.ServiceURL(ctx); err != nil {
			return nil, fmt.Errorf("resolve api url: %w", err)
		}
	}

	node.Init()
	node.InstanceInfo["deploy_key"] = key

	d := &types.DeployDescriptor{
		ISCSITargetIQN: "iqn-" + node.ID,
		DeploymentID:   node.ID,
		DeploymentKey:  key,
		Disk:           b.conf.DiskDevices,
		APIURL:         apiURL,
		BootOption:     GetBootOption(node),
	}
	if hints, ok := ParseRootDeviceHints(node); ok {
		d.RootDevice = hints
	}
	log.WithFunc("deploy.BuildDeployRamdiskOptions").Debugf(ctx, "node %s: ramdisk options built, iqn %s, boot %s", node.ID, d.ISCSITargetIQN, d.BootOption)
	return d, nil
}

// GetDeployInfo checks the callback's key against the issued deploy key
// and returns the parameters for the deploy executor.
func (b *Builder) GetDeployInfo(node *types.Node, cb *types.DeployCallback) (*types.DeployInfo, error) {
	issued, _ := node.InstanceInfo["deploy_key"].(string)
	if issued == "" || cb.Key != issued {
		return nil, errdefs.InvalidParameter("deploy key for node %s does not match", node.ID)
	}
	info, err := b.ParseInstanceInfo(node)
	if err != nil {
		return nil, err
	}
	di := &types.DeployInfo{
		Address:           cb.Address,
		Port:              iscsiPort,
		IQN:               cb.IQN,
		LUN:               iscsiLUN,
		Key:               cb.Key,
		NodeID:            node.ID,
		ImagePath:         b.conf.NodeImageFile(node.ID),
		RootMB:            info.RootGB * 1024, //nolint:mnd
		SwapMB:            info.SwapMB,
		EphemeralMB:       info.EphemeralGB * 1024, //nolint:mnd
		EphemeralFormat:   info.EphemeralFormat,
		PreserveEphemeral: info.PreserveEphemeral,
		ConfigDrive:       info.ConfigDrive,
		BootOption:        GetBootOption(node),
	}
	if hints, ok := ParseRootDeviceHints(node); ok {
		di.RootDevice = hints
	}
	return di, nil
}

// quote percent-encodes s for a kernel command line, keeping "/" as is.
func quote(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), "%2F", "/")
}
