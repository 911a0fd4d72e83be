package config

import (
	"path/filepath"
	"testing"

	"github.com/projecteru2/anvil/errdefs"
)

func TestDiskDeviceList(t *testing.T) {
	c := &Config{DiskDevices: " sda, ,vda,cciss/c0d0 "}
	got := c.DiskDeviceList()
	want := []string{"sda", "vda", "cciss/c0d0"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestNodeImagePaths(t *testing.T) {
	c := &Config{RootDir: "/var/lib/anvil"}
	if got := c.NodeImageFile("uuid"); got != "/var/lib/anvil/images/uuid/disk" {
		t.Errorf("unexpected image file %q", got)
	}
	c.ImagesDir = "/path"
	if got := c.NodeImageDir("uuid"); got != "/path/uuid" {
		t.Errorf("unexpected image dir %q", got)
	}
	if got := c.NodeImageFile("uuid"); got != filepath.Join("/path", "uuid", "disk") {
		t.Errorf("unexpected image file %q", got)
	}
}

func TestMasterRoot_Default(t *testing.T) {
	c := DefaultConfig()
	if c.MasterRoot() != "/var/lib/anvil/master_images" {
		t.Errorf("unexpected master root %q", c.MasterRoot())
	}
	if c.MasterTempDir() != "/var/lib/anvil/master_images/temp" {
		t.Errorf("unexpected temp dir %q", c.MasterTempDir())
	}
}

func TestMasterMaxBytes(t *testing.T) {
	c := &Config{MasterMaxSize: "2G"}
	n, err := c.MasterMaxBytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2<<30 {
		t.Errorf("expected %d, got %d", int64(2<<30), n)
	}
	c.MasterMaxSize = ""
	if n, _ := c.MasterMaxBytes(); n != 0 {
		t.Errorf("expected 0 for empty size, got %d", n)
	}
	c.MasterMaxSize = "lots"
	if _, err := c.MasterMaxBytes(); err == nil {
		t.Error("expected error for malformed size")
	}
}

func TestStatePaths(t *testing.T) {
	c := &Config{RootDir: "/srv/anvil"}
	if got := c.BootDir("n1"); got != "/srv/anvil/boot/n1" {
		t.Errorf("unexpected boot dir %q", got)
	}
	if got := c.GCLock(); got != "/srv/anvil/db/gc.lock" {
		t.Errorf("unexpected gc lock %q", got)
	}
}

func TestValidateNodeID(t *testing.T) {
	for _, id := range []string{"n1", "1be26c0b-03f2-4d2e-ae87-c02d7f33c123", "rack1.node-07", "..x"} {
		if err := ValidateNodeID(id); err != nil {
			t.Errorf("%q: unexpected error %v", id, err)
		}
	}
	if err := ValidateNodeID(""); !errdefs.IsMissingParameter(err) {
		t.Errorf("empty id: expected missing parameter, got %v", err)
	}
	for _, id := range []string{".", "..", "a/b", "/abs", `a\b`, "nul\x00"} {
		if err := ValidateNodeID(id); !errdefs.IsInvalidParameter(err) {
			t.Errorf("%q: expected invalid parameter, got %v", id, err)
		}
	}
}
