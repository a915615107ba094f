// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/builder"
	"github.com/openxenstack/domaind/devices"
	"github.com/openxenstack/domaind/enginestore"
	"github.com/openxenstack/domaind/hypervisor"
	"github.com/openxenstack/domaind/membroker"
	"github.com/openxenstack/domaind/storage"
	"github.com/openxenstack/domaind/types"
	"github.com/openxenstack/domaind/updatebus"
	"github.com/openxenstack/domaind/xenstore"
)

// fakeTransport is a membroker.Transport that always grants min and
// never refuses, enough to exercise the engine's reservation calls
// without a real ballooning daemon.
type fakeTransport struct{ nextID int }

func (f *fakeTransport) Login(ctx context.Context) (membroker.Session, error) {
	return membroker.Session{}, nil
}
func (f *fakeTransport) Reserve(ctx context.Context, sess membroker.Session, min, max uint64) (uint64, membroker.ReservationID, error) {
	f.nextID++
	return min, membroker.ReservationID(fmt.Sprintf("resv-%d", f.nextID)), nil
}
func (f *fakeTransport) TransferToDomain(ctx context.Context, sess membroker.Session, id membroker.ReservationID, domid types.DomId) error {
	return nil
}
func (f *fakeTransport) Release(ctx context.Context, sess membroker.Session, id membroker.ReservationID) error {
	return nil
}
func (f *fakeTransport) Balance(ctx context.Context, sess membroker.Session) error { return nil }

// fakeDaemon is a minimal storage.Daemon fake sufficient for PlugVBD.
type fakeDaemon struct{}

func (fakeDaemon) GetByName(ctx context.Context, name string) (storage.StorageRepo, storage.VirtualDisk, error) {
	return "sr0", storage.VirtualDisk(name), nil
}
func (fakeDaemon) DPCreate(ctx context.Context, dp storage.Datapath, caller string) error { return nil }
func (fakeDaemon) DPDestroy(ctx context.Context, dp storage.Datapath, allowLeak bool) error {
	return nil
}
func (fakeDaemon) Attach(ctx context.Context, dp storage.Datapath, sr storage.StorageRepo, vdi storage.VirtualDisk, rw bool) (storage.AttachInfo, error) {
	return storage.AttachInfo{Params: "/dev/fake0"}, nil
}
func (fakeDaemon) Activate(ctx context.Context, dp storage.Datapath, sr storage.StorageRepo, vdi storage.VirtualDisk) error {
	return nil
}
func (fakeDaemon) Deactivate(ctx context.Context, dp storage.Datapath, sr storage.StorageRepo, vdi storage.VirtualDisk) error {
	return nil
}
func (fakeDaemon) Detach(ctx context.Context, dp storage.Datapath, sr storage.StorageRepo, vdi storage.VirtualDisk) error {
	return nil
}
func (fakeDaemon) SetContentID(ctx context.Context, sr storage.StorageRepo, vdi storage.VirtualDisk, id string) error {
	return nil
}
func (fakeDaemon) SimilarContent(ctx context.Context, sr storage.StorageRepo, vdi storage.VirtualDisk) ([]storage.VirtualDisk, error) {
	return nil, nil
}
func (fakeDaemon) Clone(ctx context.Context, sr storage.StorageRepo, vdi storage.VirtualDisk) (storage.VirtualDisk, error) {
	return vdi, nil
}
func (fakeDaemon) Snapshot(ctx context.Context, sr storage.StorageRepo, vdi storage.VirtualDisk, url string) (storage.VirtualDisk, error) {
	return vdi, nil
}
func (fakeDaemon) Compose(ctx context.Context, sr storage.StorageRepo, parent, child storage.VirtualDisk) error {
	return nil
}

// fakeBuilder is an engine.BuildRunner fake: when onSuspend is
// supplied it plays the role of a helper announcing "suspend" exactly
// once; otherwise it returns a canned result as a build/restore would.
type fakeBuilder struct{ fail bool }

func (f *fakeBuilder) Run(ctx context.Context, args []string, extraFiles []*os.File, progress builder.ProgressSink, debug builder.DebugSink, onSuspend func() error) (*builder.BuildResult, error) {
	if f.fail {
		return nil, types.NewErrorf(types.KindBuildFailed, "fake builder failure")
	}
	if onSuspend != nil {
		if err := onSuspend(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &builder.BuildResult{StoreMfn: 1, ConsoleMfn: 2}, nil
}

// fastConfig mirrors DefaultConfig's shape with every timeout cut down
// to keep the suite from spending real minutes on the ack/wait budgets
// wants in production.
func fastConfig() Config {
	return Config{
		AckTimeout:                200 * time.Millisecond,
		SuspendShutdownAckTimeout: 500 * time.Millisecond,
		SuspendWaitTimeout:        2 * time.Second,
		DyingPollPeriod:           10 * time.Millisecond,
		DyingWallBudget:           500 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, fb *fakeBuilder) (*Engine, hypervisor.Control) {
	t.Helper()
	log := base.NewLogger("engine-test", true)
	store := enginestore.NewMemStore()
	xs := xenstore.NewMemClient()
	control := hypervisor.NewNullControl()
	broker := membroker.NewClient(log, &fakeTransport{})
	storageClient := storage.NewClient(log, fakeDaemon{})
	deviceSupervisor := devices.NewSupervisor(log, xs, control, devices.NewNullDMLauncher())
	bus := updatebus.NewBus()
	e := New(log, fastConfig(), store, xs, control, broker, storageClient, deviceSupervisor, fb, bus)
	t.Cleanup(e.Close)
	return e, control
}

func testCreateRequest(vmid types.VmId) CreateRequest {
	return CreateRequest{
		VmId:             vmid,
		CreateInfo:       types.CreateInfo{HVM: false, Name: "test-vm"},
		DynMinKiB:        256 * 1024,
		DynMaxKiB:        512 * 1024,
		StaticMaxKiB:     512 * 1024,
		VCPUs:            1,
		ShadowMultiplier: 1.0,
	}
}

func TestCreatePersistsDomIdAndXenstore(t *testing.T) {
	e, _ := newTestEngine(t, &fakeBuilder{})
	vmid := types.VmId("11111111-1111-1111-1111-111111111111")

	if err := e.Create(context.Background(), testCreateRequest(vmid)); err != nil {
		t.Fatalf("create: %v", err)
	}

	extra, err := e.store.Load(vmid)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !extra.DomId.Valid() {
		t.Fatalf("expected a valid domid after create")
	}

	name, err := e.xs.Read(context.Background(), xenstore.Join(xenstore.DomainPath(extra.DomId), "name"))
	if err != nil {
		t.Fatalf("read name: %v", err)
	}
	if name != "test-vm" {
		t.Fatalf("name=%q, want test-vm", name)
	}
}

func TestBuildPVDirectWritesStoreAndConsoleRefs(t *testing.T) {
	e, _ := newTestEngine(t, &fakeBuilder{})
	vmid := types.VmId("22222222-2222-2222-2222-222222222222")
	ctx := context.Background()

	if err := e.Create(ctx, testCreateRequest(vmid)); err != nil {
		t.Fatalf("create: %v", err)
	}
	extra, _ := e.store.Load(vmid)

	err := e.Build(ctx, BuildRequest{
		VmId:            vmid,
		Flavor:          types.BuilderPVDirect,
		PVDirect:        &types.PVDirectBuildInfo{Kernel: "/boot/vmlinuz", Cmdline: "root=/dev/xvda1"},
		MemoryMaxKiB:    512 * 1024,
		MemoryTargetKiB: 384 * 1024,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	ringRef, err := e.xs.Read(ctx, xenstore.Join(xenstore.DomainPath(extra.DomId), "store", "ring-ref"))
	if err != nil || ringRef != "1" {
		t.Fatalf("store/ring-ref=%q err=%v, want 1", ringRef, err)
	}
	storePort, err := e.xs.Read(ctx, xenstore.Join(xenstore.DomainPath(extra.DomId), "store", "port"))
	if err != nil || storePort == "" {
		t.Fatalf("store/port=%q err=%v, want non-empty", storePort, err)
	}
	consolePort, err := e.xs.Read(ctx, xenstore.Join(xenstore.DomainPath(extra.DomId), "console", "port"))
	if err != nil || consolePort == "" {
		t.Fatalf("console/port=%q err=%v, want non-empty", consolePort, err)
	}
	updated, _ := e.store.Load(vmid)
	if updated.BuildInfo == nil || updated.BuildInfo.Flavor != types.BuilderPVDirect {
		t.Fatalf("expected persisted build_info with pv-direct flavor, got %+v", updated.BuildInfo)
	}
}

func TestBuildHVMRestoresRevertedShadowAllocation(t *testing.T) {
	e, _ := newTestEngine(t, &fakeBuilder{})
	vmid := types.VmId("44444444-4444-4444-4444-444444444444")
	ctx := context.Background()

	req := testCreateRequest(vmid)
	req.CreateInfo.HVM = true
	if err := e.Create(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}
	extra, _ := e.store.Load(vmid)

	// The fake hypervisor starts every domain's shadow allocation at 0,
	// simulating a host that granted less than shadow_multiplier asked
	// for; build must detect and restore it.
	err := e.Build(ctx, BuildRequest{
		VmId:            vmid,
		Flavor:          types.BuilderHVM,
		HVM:             &types.HVMBuildInfo{ShadowMultiplier: 1.0},
		MemoryMaxKiB:    512 * 1024,
		MemoryTargetKiB: 384 * 1024,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	want := ShadowAllocationMiB(extra.MemoryStaticMaxKiB/1024, extra.VCPUs, 1.0)
	got, err := e.control.ShadowAllocationGet(extra.DomId)
	if err != nil {
		t.Fatalf("shadow allocation get: %v", err)
	}
	if got != want {
		t.Fatalf("shadow allocation = %dMiB, want %dMiB", got, want)
	}
}

func TestBuildFailurePropagatesError(t *testing.T) {
	e, _ := newTestEngine(t, &fakeBuilder{fail: true})
	vmid := types.VmId("33333333-3333-3333-3333-333333333333")
	ctx := context.Background()

	if err := e.Create(ctx, testCreateRequest(vmid)); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := e.Build(ctx, BuildRequest{
		VmId:     vmid,
		Flavor:   types.BuilderPVDirect,
		PVDirect: &types.PVDirectBuildInfo{Kernel: "/boot/vmlinuz"},
	})
	if !types.IsKind(err, types.KindBuildFailed) {
		t.Fatalf("expected BuildFailed, got %v", err)
	}
}

func TestSuspendThenResumeRoundTrip(t *testing.T) {
	e, control := newTestEngine(t, &fakeBuilder{})
	vmid := types.VmId("44444444-4444-4444-4444-444444444444")
	ctx := context.Background()

	if err := e.Create(ctx, testCreateRequest(vmid)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.Build(ctx, BuildRequest{
		VmId:     vmid,
		Flavor:   types.BuilderPVDirect,
		PVDirect: &types.PVDirectBuildInfo{Kernel: "/boot/vmlinuz"},
	}); err != nil {
		t.Fatalf("build: %v", err)
	}

	extra, _ := e.store.Load(vmid)
	domid := extra.DomId

	// Acknowledge the guest's suspend shutdown concurrently, the way a
	// cooperating guest kernel would clear control/shutdown and then
	// actually go down.
	go func() {
		time.Sleep(20 * time.Millisecond)
		path := xenstore.Join(xenstore.DomainPath(domid), "control", "shutdown")
		_ = e.xs.Write(ctx, path, "")
		_ = control.Shutdown(domid, types.ShutdownSuspend)
	}()

	imgPath := t.TempDir() + "/suspend.img"
	if err := e.Suspend(ctx, SuspendRequest{VmId: vmid, ImagePath: imgPath}); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	suspended, err := e.store.Load(vmid)
	if err != nil {
		t.Fatalf("load after suspend: %v", err)
	}
	if !suspended.HasSuspendImage() {
		t.Fatalf("expected suspend_memory_bytes to be set")
	}
	if suspended.DomId.Valid() {
		t.Fatalf("expected domid cleared after suspend, got %v", suspended.DomId)
	}

	err = e.Resume(ctx, ResumeRequest{
		Create:    testCreateRequest(vmid),
		ImagePath: imgPath,
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}

	resumed, err := e.store.Load(vmid)
	if err != nil {
		t.Fatalf("load after resume: %v", err)
	}
	if resumed.HasSuspendImage() {
		t.Fatalf("expected suspend_memory_bytes cleared after resume")
	}
	if !resumed.DomId.Valid() {
		t.Fatalf("expected a fresh live domid after resume")
	}
}

func TestDestroyErasesVmExtraWithoutSuspendImage(t *testing.T) {
	e, _ := newTestEngine(t, &fakeBuilder{})
	vmid := types.VmId("55555555-5555-5555-5555-555555555555")
	ctx := context.Background()

	if err := e.Create(ctx, testCreateRequest(vmid)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.Destroy(ctx, DestroyRequest{VmId: vmid}); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := e.store.Load(vmid); !types.IsKind(err, types.KindDoesNotExist) {
		t.Fatalf("expected VmExtra erased, got err=%v", err)
	}
}

func TestPlugVBDRecordsSnapshot(t *testing.T) {
	e, _ := newTestEngine(t, &fakeBuilder{})
	vmid := types.VmId("66666666-6666-6666-6666-666666666666")
	ctx := context.Background()

	if err := e.Create(ctx, testCreateRequest(vmid)); err != nil {
		t.Fatalf("create: %v", err)
	}
	iface, err := types.DiskNumberToInterface(false, 0)
	if err != nil {
		t.Fatalf("disk number to interface: %v", err)
	}
	err = e.PlugVBD(ctx, PlugVBDRequest{
		VmId:        vmid,
		LogicalID:   0,
		Iface:       iface,
		Disk:        storage.DiskPointer{VDI: "disk0"},
		ReadWrite:   true,
		BackendType: "phy",
	})
	if err != nil {
		t.Fatalf("plug vbd: %v", err)
	}
	extra, _ := e.store.Load(vmid)
	if len(extra.VBDs) != 1 || extra.VBDs[0].Params != "/dev/fake0" {
		t.Fatalf("expected one recorded vbd with params /dev/fake0, got %+v", extra.VBDs)
	}
}

func TestGCReconcileErasesDeadDomainWithNoResources(t *testing.T) {
	e, control := newTestEngine(t, &fakeBuilder{})
	vmid := types.VmId("77777777-7777-7777-7777-777777777777")
	ctx := context.Background()

	if err := e.Create(ctx, testCreateRequest(vmid)); err != nil {
		t.Fatalf("create: %v", err)
	}
	extra, _ := e.store.Load(vmid)
	if err := control.DomainDestroy(extra.DomId); err != nil {
		t.Fatalf("destroy underneath the engine: %v", err)
	}

	if err := e.ReconcileOnce(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, err := e.store.Load(vmid); !types.IsKind(err, types.KindDoesNotExist) {
		t.Fatalf("expected gc to erase the orphaned VmExtra, got err=%v", err)
	}
}
