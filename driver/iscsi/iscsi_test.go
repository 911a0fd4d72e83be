package iscsi

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/projecteru2/anvil/config"
	"github.com/projecteru2/anvil/deploy"
	"github.com/projecteru2/anvil/errdefs"
	"github.com/projecteru2/anvil/images"
	"github.com/projecteru2/anvil/types"
)

type fakeTask struct {
	node    *types.Node
	shared  bool
	saves   []types.Node
	saveErr error
}

func (f *fakeTask) Node() *types.Node { return f.node }
func (f *fakeTask) Shared() bool      { return f.shared }

func (f *fakeTask) Save(context.Context) error {
	if f.shared {
		return errdefs.InvalidState("shared")
	}
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves = append(f.saves, *f.node.Clone())
	return nil
}

type fakeImages struct {
	props map[string]any
}

func (f *fakeImages) Show(context.Context, string) (*types.ImageInfo, error) {
	return &types.ImageInfo{Properties: f.props}, nil
}

func (f *fakeImages) Download(context.Context, string, io.Writer) error { return nil }

type fakeCache struct {
	cached    int
	destroyed int
	err       error
}

func (f *fakeCache) CacheInstanceImage(_ context.Context, node *types.Node) (string, string, error) {
	f.cached++
	if f.err != nil {
		return "", "", f.err
	}
	return "image://" + node.ID, "/images/" + node.ID + "/disk", nil
}

func (f *fakeCache) DestroyImages(context.Context, string) error {
	f.destroyed++
	return nil
}

type fakePower struct {
	mu    sync.Mutex
	calls []types.PowerState
	err   error
}

func (f *fakePower) SetPowerState(_ context.Context, _ *types.Node, state types.PowerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, state)
	return f.err
}

func (f *fakePower) PowerState(context.Context, *types.Node) (types.PowerState, error) {
	return types.PowerOn, nil
}

func (f *fakePower) count(state types.PowerState) int {
	n := 0
	for _, s := range f.calls {
		if s == state {
			n++
		}
	}
	return n
}

type fakeExecutor struct {
	calls []*types.DeployInfo
	err   error
	block bool
}

func (f *fakeExecutor) Deploy(ctx context.Context, info *types.DeployInfo) error {
	f.calls = append(f.calls, info)
	if f.block {
		<-ctx.Done()
		return errdefs.DeployFailure("aborted: %v", ctx.Err())
	}
	return f.err
}

type fakeBoot struct {
	prepared *types.DeployDescriptor
	cleaned  int
}

func (f *fakeBoot) Prepare(_ context.Context, _ *types.Node, opts *types.DeployDescriptor) error {
	f.prepared = opts
	return nil
}

func (f *fakeBoot) CleanUp(context.Context, *types.Node) error {
	f.cleaned++
	return nil
}

type fixture struct {
	driver  *Driver
	builder *deploy.Builder
	cache   *fakeCache
	power   *fakePower
	exec    *fakeExecutor
	boot    *fakeBoot
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.APIURL = "http://api:6385"
	conf.PostDeployPower = config.PostDeployReboot

	r := images.NewResolver()
	r.Register(&fakeImages{props: map[string]any{"kernel_id": "k", "ramdisk_id": "r"}}, images.OpaqueScheme, "http", "https")
	b := deploy.NewBuilder(conf, r, nil)

	f := &fixture{builder: b, cache: &fakeCache{}, power: &fakePower{}, exec: &fakeExecutor{}, boot: &fakeBoot{}}
	f.driver = New(conf, b, f.cache, f.power, f.exec, f.boot)
	return f
}

func waitingNode() *types.Node {
	return &types.Node{
		ID:                   "1be26c0b-03f2-4d2e-ae87-c02d7f33c123",
		Driver:               Name,
		ProvisionState:       types.DeployWait,
		TargetProvisionState: types.Active,
		InstanceInfo: map[string]any{
			"image_source": "image://image_uuid",
			"root_gb":      float64(10),
			"deploy_key":   "fake-56789",
		},
	}
}

func callback() *types.DeployCallback {
	return &types.DeployCallback{Address: "123456", IQN: "aaa-bbb", Key: "fake-56789"}
}

func assertFailed(t *testing.T, f *fixture, task *fakeTask) {
	t.Helper()
	n := task.node
	if n.ProvisionState != types.DeployFail {
		t.Errorf("state = %q, want %q", n.ProvisionState, types.DeployFail)
	}
	if n.TargetProvisionState != types.Active {
		t.Errorf("target = %q, want unchanged %q", n.TargetProvisionState, types.Active)
	}
	if n.LastError == "" {
		t.Error("expected last_error to be set")
	}
	if got := f.power.count(types.PowerOff); got != 1 || len(f.power.calls) != 1 {
		t.Errorf("power calls = %v, want one power off", f.power.calls)
	}
	if f.cache.destroyed != 1 {
		t.Errorf("destroy images called %d times, want 1", f.cache.destroyed)
	}
	if len(task.saves) != 1 || task.saves[0].ProvisionState != types.DeployFail {
		t.Errorf("expected failed node to be saved once, got %+v", task.saves)
	}
}

func TestContinueDeploy_RamdiskError(t *testing.T) {
	f := newFixture(t)
	task := &fakeTask{node: waitingNode()}
	cb := callback()
	cb.Error = "test ramdisk error"

	if err := f.driver.ContinueDeploy(context.Background(), task, cb); err != nil {
		t.Fatalf("continue deploy: %v", err)
	}
	assertFailed(t, f, task)
	if task.node.LastError != "test ramdisk error" {
		t.Errorf("last_error = %q", task.node.LastError)
	}
	if len(f.exec.calls) != 0 {
		t.Errorf("executor must not run, got %d calls", len(f.exec.calls))
	}
}

func TestContinueDeploy_ExecutorFailure(t *testing.T) {
	f := newFixture(t)
	f.exec.err = errdefs.DeployFailure("test deploy error")
	task := &fakeTask{node: waitingNode()}

	want, err := f.builder.GetDeployInfo(task.node, callback())
	if err != nil {
		t.Fatalf("get deploy info: %v", err)
	}
	if err := f.driver.ContinueDeploy(context.Background(), task, callback()); err != nil {
		t.Fatalf("continue deploy: %v", err)
	}
	assertFailed(t, f, task)
	if len(f.exec.calls) != 1 {
		t.Fatalf("executor called %d times, want 1", len(f.exec.calls))
	}
	if diff := cmp.Diff(want, f.exec.calls[0]); diff != "" {
		t.Errorf("deploy info mismatch (-want +got):\n%s", diff)
	}
}

func TestContinueDeploy_Timeout(t *testing.T) {
	f := newFixture(t)
	f.driver.timeout = 20 * time.Millisecond
	f.exec.block = true
	task := &fakeTask{node: waitingNode()}

	if err := f.driver.ContinueDeploy(context.Background(), task, callback()); err != nil {
		t.Fatalf("continue deploy: %v", err)
	}
	assertFailed(t, f, task)
}

func TestContinueDeploy_CallerCancelledStillSaves(t *testing.T) {
	f := newFixture(t)
	f.exec.block = true
	task := &fakeTask{node: waitingNode()}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	if err := f.driver.ContinueDeploy(ctx, task, callback()); err != nil {
		t.Fatalf("continue deploy: %v", err)
	}
	assertFailed(t, f, task)
}

func TestContinueDeploy_Success(t *testing.T) {
	f := newFixture(t)
	task := &fakeTask{node: waitingNode()}

	if err := f.driver.ContinueDeploy(context.Background(), task, callback()); err != nil {
		t.Fatalf("continue deploy: %v", err)
	}
	n := task.node
	if n.ProvisionState != types.Active || n.TargetProvisionState != types.NoState {
		t.Errorf("state = %q target = %q", n.ProvisionState, n.TargetProvisionState)
	}
	if n.LastError != "" {
		t.Errorf("last_error = %q", n.LastError)
	}
	if f.cache.destroyed != 1 {
		t.Errorf("images released %d times, want 1", f.cache.destroyed)
	}
	if diff := cmp.Diff([]types.PowerState{types.Rebooting}, f.power.calls); diff != "" {
		t.Errorf("power calls (-want +got):\n%s", diff)
	}
	if len(task.saves) != 1 {
		t.Errorf("saved %d times, want 1", len(task.saves))
	}
}

func TestContinueDeploy_PostDeployNone(t *testing.T) {
	f := newFixture(t)
	f.driver.conf.PostDeployPower = config.PostDeployNone
	task := &fakeTask{node: waitingNode()}

	if err := f.driver.ContinueDeploy(context.Background(), task, callback()); err != nil {
		t.Fatalf("continue deploy: %v", err)
	}
	if len(f.power.calls) != 0 {
		t.Errorf("expected no power action, got %v", f.power.calls)
	}
}

func TestContinueDeploy_KeyMismatchTouchesNothing(t *testing.T) {
	f := newFixture(t)
	task := &fakeTask{node: waitingNode()}
	cb := callback()
	cb.Key = "forged"
	cb.Error = "ramdisk error"

	err := f.driver.ContinueDeploy(context.Background(), task, cb)
	if !errdefs.IsInvalidParameter(err) {
		t.Fatalf("expected invalid parameter, got %v", err)
	}
	if task.node.ProvisionState != types.DeployWait {
		t.Errorf("state changed to %q", task.node.ProvisionState)
	}
	if len(task.saves)+len(f.power.calls)+len(f.exec.calls)+f.cache.destroyed != 0 {
		t.Error("a rejected callback must not have side effects")
	}
}

func TestContinueDeploy_NotWaiting(t *testing.T) {
	f := newFixture(t)
	n := waitingNode()
	n.ProvisionState = types.Active
	task := &fakeTask{node: n}

	err := f.driver.ContinueDeploy(context.Background(), task, callback())
	if !errors.Is(err, errdefs.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if len(f.exec.calls) != 0 || len(task.saves) != 0 {
		t.Error("expected no side effects")
	}
}

func TestDeploy_RebootsIntoRamdisk(t *testing.T) {
	f := newFixture(t)
	n := waitingNode()
	n.ProvisionState = types.Available
	n.TargetProvisionState = types.NoState
	delete(n.InstanceInfo, "deploy_key")
	task := &fakeTask{node: n}

	if err := f.driver.Deploy(context.Background(), task); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if n.ProvisionState != types.DeployWait || n.TargetProvisionState != types.Active {
		t.Errorf("state = %q target = %q", n.ProvisionState, n.TargetProvisionState)
	}
	if f.cache.cached != 1 {
		t.Errorf("image cached %d times, want 1", f.cache.cached)
	}
	key, _ := n.InstanceInfo["deploy_key"].(string)
	if f.boot.prepared == nil || f.boot.prepared.DeploymentKey != key || len(key) != 32 {
		t.Errorf("ramdisk prepared with %+v, node key %q", f.boot.prepared, key)
	}
	if diff := cmp.Diff([]types.PowerState{types.Rebooting}, f.power.calls); diff != "" {
		t.Errorf("power calls (-want +got):\n%s", diff)
	}
	if len(task.saves) != 2 || task.saves[0].ProvisionState != types.Deploying {
		t.Fatalf("expected deploying then waiting saves, got %d", len(task.saves))
	}
	if task.saves[0].InstanceInfo["deploy_key"] != key {
		t.Error("deploy key must be persisted before reboot")
	}

	if _, err := f.builder.GetDeployInfo(n, &types.DeployCallback{Key: key}); err != nil {
		t.Errorf("issued key must be accepted: %v", err)
	}
}

func TestDeploy_RebootFailure(t *testing.T) {
	f := newFixture(t)
	f.power.err = errors.New("bmc unreachable")
	n := waitingNode()
	n.ProvisionState = types.Available
	task := &fakeTask{node: n}

	if err := f.driver.Deploy(context.Background(), task); !errdefs.IsDeployFailure(err) {
		t.Fatalf("expected deploy failure, got %v", err)
	}
	if n.ProvisionState != types.DeployFail || n.LastError == "" {
		t.Errorf("state = %q last_error = %q", n.ProvisionState, n.LastError)
	}
	if f.cache.destroyed != 1 {
		t.Errorf("destroy images called %d times, want 1", f.cache.destroyed)
	}
}

func TestDeploy_SaveFailureDiscardsPreparedState(t *testing.T) {
	f := newFixture(t)
	n := waitingNode()
	n.ProvisionState = types.Available
	task := &fakeTask{node: n, saveErr: errors.New("disk full")}

	if err := f.driver.Deploy(context.Background(), task); err == nil {
		t.Fatal("expected the save error")
	}
	if f.cache.destroyed != 1 || f.boot.cleaned != 1 {
		t.Errorf("destroyed = %d, boot cleaned = %d, want 1 and 1", f.cache.destroyed, f.boot.cleaned)
	}
	if len(f.power.calls) != 0 {
		t.Errorf("node must not be rebooted, power calls %v", f.power.calls)
	}
}

func TestDeploy_SharedTaskRejected(t *testing.T) {
	f := newFixture(t)
	n := waitingNode()
	n.ProvisionState = types.Available
	if err := f.driver.Deploy(context.Background(), &fakeTask{node: n, shared: true}); !errors.Is(err, errdefs.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if f.cache.cached != 0 {
		t.Error("shared task must not cache images")
	}
}

func TestValidate_MissingImageProperties(t *testing.T) {
	f := newFixture(t)
	n := waitingNode()
	n.InstanceInfo["image_source"] = "http://example.com/img.qcow2"
	err := f.driver.Validate(context.Background(), &fakeTask{node: n})
	if !errdefs.IsMissingParameter(err) {
		t.Fatalf("expected missing parameter, got %v", err)
	}
}
