package config

import (
	"path/filepath"
	"strings"
	"time"

	units "github.com/docker/go-units"
	coretypes "github.com/projecteru2/core/types"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/utils"
)

// Backend names for lease and node persistence.
const (
	BackendLocal  = "local"
	BackendMongo  = "mongo"
	BackendBadger = "badger"
)

// Post-deploy power hooks.
const (
	PostDeployNone   = "none"
	PostDeployOn     = "on"
	PostDeployReboot = "reboot"
)

// Config holds global Anvil configuration.
type Config struct {
	// RootDir is the base directory for persistent data (stores, caches).
	// Env: ANVIL_ROOT_DIR. Default: /var/lib/anvil.
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// ImagesDir holds per-node working copies: {ImagesDir}/{node}/disk.
	// Default: {RootDir}/images.
	ImagesDir string `json:"images_dir" mapstructure:"images_dir"`
	// MasterDir holds master copies shared across nodes.
	// Default: {RootDir}/master_images.
	MasterDir string `json:"master_dir" mapstructure:"master_dir"`
	// DiskDevices is the comma separated list of candidate disks passed to
	// the deploy ramdisk.
	DiskDevices string `json:"disk_devices" mapstructure:"disk_devices"`
	// DefaultEphemeralFormat is used when ephemeral_gb > 0 and the node
	// does not name a format.
	DefaultEphemeralFormat string `json:"default_ephemeral_format" mapstructure:"default_ephemeral_format"`
	// APIURL is the static API URL the ramdisk calls back to. Empty means
	// it is looked up in the service catalog.
	APIURL string `json:"api_url" mapstructure:"api_url"`
	// CatalogURL is the service catalog endpoint.
	CatalogURL string `json:"catalog_url" mapstructure:"catalog_url"`
	// ImageRegistryURL serves opaque image:// identifiers.
	ImageRegistryURL string `json:"image_registry_url" mapstructure:"image_registry_url"`

	// LeaseBackend selects the lease store: "local" or "mongo".
	LeaseBackend string `json:"lease_backend" mapstructure:"lease_backend"`
	// NodeBackend selects the node store: "local" or "badger".
	NodeBackend   string `json:"node_backend" mapstructure:"node_backend"`
	MongoURI      string `json:"mongo_uri" mapstructure:"mongo_uri"`
	MongoDatabase string `json:"mongo_database" mapstructure:"mongo_database"`

	// LeaseTTLSeconds bounds how long a crashed holder can keep a node locked.
	// Live holders renew well before expiry. Default: 60.
	LeaseTTLSeconds int `json:"lease_ttl_seconds" mapstructure:"lease_ttl_seconds"`
	// MasterTTLSeconds is how long an unreferenced master copy is kept.
	// Default: 7 days.
	MasterTTLSeconds int `json:"master_ttl_seconds" mapstructure:"master_ttl_seconds"`
	// MasterMaxSize caps the total size of master copies, e.g. "20G".
	MasterMaxSize string `json:"master_max_size" mapstructure:"master_max_size"`

	// DeployTimeoutSeconds bounds one deploy executor run. Default: 3600.
	DeployTimeoutSeconds int `json:"deploy_timeout_seconds" mapstructure:"deploy_timeout_seconds"`
	// DeployCommand is the external deploy executor binary.
	DeployCommand string `json:"deploy_command" mapstructure:"deploy_command"`
	// IPMIToolBinary is the path or name of the ipmitool executable.
	IPMIToolBinary string `json:"ipmitool_binary" mapstructure:"ipmitool_binary"`
	// PostDeployPower is what happens after a successful deploy:
	// "none", "on" or "reboot". Default: "reboot".
	PostDeployPower string `json:"post_deploy_power" mapstructure:"post_deploy_power"`

	// Listen is the callback API address. Default: ":6385".
	Listen string `json:"listen" mapstructure:"listen"`
	// GCSchedule is the cron spec for periodic GC in serve mode.
	GCSchedule string `json:"gc_schedule" mapstructure:"gc_schedule"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:                "/var/lib/anvil",
		DiskDevices:            "cciss/c0d0,sda,hda,vda",
		DefaultEphemeralFormat: "ext4",
		LeaseBackend:           BackendLocal,
		NodeBackend:            BackendLocal,
		MongoDatabase:          "anvil",
		LeaseTTLSeconds:        60,
		MasterTTLSeconds:       7 * 24 * 60 * 60,
		MasterMaxSize:          "20G",
		DeployTimeoutSeconds:   3600,
		DeployCommand:          "anvil-deploy",
		IPMIToolBinary:         "ipmitool",
		PostDeployPower:        PostDeployReboot,
		Listen:                 ":6385",
		GCSchedule:             "@every 10m",
		Log: coretypes.ServerLogConfig{
			Level: "info",
		},
	}
}

// DiskDeviceList parses DiskDevices into a slice.
func (c *Config) DiskDeviceList() []string {
	var out []string
	for s := range strings.SplitSeq(c.DiskDevices, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

func (c *Config) MasterTTL() time.Duration {
	return time.Duration(c.MasterTTLSeconds) * time.Second
}

func (c *Config) DeployTimeout() time.Duration {
	return time.Duration(c.DeployTimeoutSeconds) * time.Second
}

// MasterMaxBytes parses MasterMaxSize. Zero means no size budget.
func (c *Config) MasterMaxBytes() (int64, error) {
	if c.MasterMaxSize == "" {
		return 0, nil
	}
	return units.RAMInBytes(c.MasterMaxSize)
}

// Derived path helpers. All persistent data lives under RootDir unless
// ImagesDir / MasterDir are set explicitly.

func (c *Config) dbDir() string { return filepath.Join(c.RootDir, "db") }

func (c *Config) NodeIndexFile() string  { return filepath.Join(c.dbDir(), "nodes.json") }
func (c *Config) NodeIndexLock() string  { return filepath.Join(c.dbDir(), "nodes.lock") }
func (c *Config) NodeBadgerDir() string  { return filepath.Join(c.dbDir(), "nodes.badger") }
func (c *Config) LeaseIndexFile() string { return filepath.Join(c.dbDir(), "leases.json") }
func (c *Config) LeaseIndexLock() string { return filepath.Join(c.dbDir(), "leases.lock") }
func (c *Config) CacheIndexFile() string { return filepath.Join(c.dbDir(), "cache.json") }
func (c *Config) CacheIndexLock() string { return filepath.Join(c.dbDir(), "cache.lock") }
func (c *Config) GCLock() string         { return filepath.Join(c.dbDir(), "gc.lock") }

// ImagesRoot returns the per-node working copy root.
func (c *Config) ImagesRoot() string {
	if c.ImagesDir != "" {
		return c.ImagesDir
	}
	return filepath.Join(c.RootDir, "images")
}

// MasterRoot returns the shared master cache root.
func (c *Config) MasterRoot() string {
	if c.MasterDir != "" {
		return c.MasterDir
	}
	return filepath.Join(c.RootDir, "master_images")
}

// ValidateNodeID rejects IDs that cannot name a single directory entry.
// Node IDs become path components under the images and boot roots.
func ValidateNodeID(id string) error {
	switch {
	case id == "":
		return errdefs.MissingParameter("node id is required")
	case id == "." || id == "..", strings.ContainsAny(id, `/\`+"\x00"), filepath.Base(id) != id:
		return errdefs.InvalidParameter("node id %q is not a valid path component", id)
	}
	return nil
}

func (c *Config) NodeImageDir(nodeID string) string {
	return filepath.Join(c.ImagesRoot(), nodeID)
}

func (c *Config) NodeImageFile(nodeID string) string {
	return filepath.Join(c.NodeImageDir(nodeID), "disk")
}

// BootDir holds the deploy ramdisk parameters for nodeID, served by the
// network boot server.
func (c *Config) BootDir(nodeID string) string {
	return filepath.Join(c.RootDir, "boot", nodeID)
}

func (c *Config) MasterTempDir() string { return filepath.Join(c.MasterRoot(), "temp") }

func (c *Config) MasterPath(hex string) string {
	return filepath.Join(c.MasterRoot(), hex+".img")
}

func (c *Config) MasterLock(hex string) string {
	return filepath.Join(c.MasterRoot(), hex+".lock")
}

// EnsureDirs creates the static directories. Per-node dirs are created on demand.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(c.dbDir(), c.ImagesRoot(), c.MasterRoot(), c.MasterTempDir())
}
