package local

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/types"
)

func newTestStore(t *testing.T) *Store {
	dir := t.TempDir()
	return New(filepath.Join(dir, "nodes.json"), filepath.Join(dir, "nodes.lock"))
}

func TestSaveLoad_RoundTripDetached(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	n := &types.Node{
		ID:             "n1",
		Driver:         "iscsi",
		ProvisionState: types.DeployWait,
		InstanceInfo:   map[string]any{"image_source": "image://abc", "root_gb": float64(10)},
	}
	if err := s.Save(ctx, n); err != nil {
		t.Fatalf("save: %v", err)
	}
	if n.UpdatedAt.IsZero() {
		t.Error("save must stamp UpdatedAt")
	}

	got, err := s.Load(ctx, "n1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ProvisionState != types.DeployWait || got.InstanceInfo["image_source"] != "image://abc" {
		t.Errorf("unexpected node %+v", got)
	}
	got.InstanceInfo["deploy_key"] = "x"
	again, _ := s.Load(ctx, "n1")
	if _, ok := again.InstanceInfo["deploy_key"]; ok {
		t.Error("unsaved mutation leaked into the store")
	}
	if again.DriverInfo == nil || again.Properties == nil {
		t.Error("Load must initialize nil mappings")
	}
}

func TestLoad_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load(context.Background(), "missing"); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.Delete(context.Background(), "missing"); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found on delete, got %v", err)
	}
}

func TestSave_RequiresID(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(context.Background(), &types.Node{}); !errdefs.IsMissingParameter(err) {
		t.Fatalf("expected missing parameter, got %v", err)
	}
}

func TestSave_RejectsPathLikeIDs(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"..", ".", "a/b", "../n1"} {
		if err := s.Save(context.Background(), &types.Node{ID: id}); !errdefs.IsInvalidParameter(err) {
			t.Errorf("id %q: expected invalid parameter, got %v", id, err)
		}
	}
}

func TestList_SortedAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []string{"c", "a", "b"} {
		if err := s.Save(ctx, &types.Node{ID: id}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	if err := s.Delete(ctx, "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	nodes, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(nodes) != 2 || nodes[0].ID != "a" || nodes[1].ID != "c" {
		t.Errorf("unexpected list %+v", nodes)
	}
}
