// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/builder"
	"github.com/openxenstack/domaind/devices"
	"github.com/openxenstack/domaind/engine"
	"github.com/openxenstack/domaind/enginestore"
	"github.com/openxenstack/domaind/hypervisor"
	"github.com/openxenstack/domaind/membroker"
	"github.com/openxenstack/domaind/storage"
	"github.com/openxenstack/domaind/types"
	"github.com/openxenstack/domaind/updatebus"
	"github.com/openxenstack/domaind/xenstore"
)

type fakeTransport struct{}

func (fakeTransport) Login(ctx context.Context) (membroker.Session, error) {
	return membroker.Session{}, nil
}
func (fakeTransport) Reserve(ctx context.Context, sess membroker.Session, min, max uint64) (uint64, membroker.ReservationID, error) {
	return min, membroker.ReservationID("resv"), nil
}
func (fakeTransport) TransferToDomain(ctx context.Context, sess membroker.Session, id membroker.ReservationID, domid types.DomId) error {
	return nil
}
func (fakeTransport) Release(ctx context.Context, sess membroker.Session, id membroker.ReservationID) error {
	return nil
}
func (fakeTransport) Balance(ctx context.Context, sess membroker.Session) error { return nil }

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
func (fakeDaemon) SetContentID(ctx context.Context, sr storage.StorageRepo, vdi storage.VirtualDisk, contentID string) error {
	return nil
}
func (fakeDaemon) SimilarContent(ctx context.Context, sr storage.StorageRepo, vdi storage.VirtualDisk) ([]storage.VirtualDisk, error) {
	return nil, nil
}
func (fakeDaemon) Clone(ctx context.Context, sr storage.StorageRepo, vdi storage.VirtualDisk) (storage.VirtualDisk, error) {
	return vdi, nil
}
func (fakeDaemon) Snapshot(ctx context.Context, sr storage.StorageRepo, vdi storage.VirtualDisk, mirrorURL string) (storage.VirtualDisk, error) {
	return vdi, nil
}
func (fakeDaemon) Compose(ctx context.Context, sr storage.StorageRepo, parent, child storage.VirtualDisk) error {
	return nil
}

type fakeBuilder struct{}

func (fakeBuilder) Run(ctx context.Context, args []string, extraFiles []*os.File, progress builder.ProgressSink, debug builder.DebugSink, onSuspend func() error) (*builder.BuildResult, error) {
	return &builder.BuildResult{StoreMfn: 1, ConsoleMfn: 2}, nil
}

func fastConfig() engine.Config {
	return engine.Config{
		AckTimeout:                200 * time.Millisecond,
		SuspendShutdownAckTimeout: 500 * time.Millisecond,
		SuspendWaitTimeout:        2 * time.Second,
		DyingPollPeriod:           10 * time.Millisecond,
		DyingWallBudget:           500 * time.Millisecond,
	}
}

// newTestServer wires a real Engine over every null/fake collaborator,
// the same way engine's own test suite does, and puts it behind an
// httptest server exercising the actual HTTP/JSON transport.
func newTestServer(t *testing.T) (*httptest.Server, *updatebus.Bus) {
	t.Helper()
	log := base.NewLogger("rpc-test", true)
	store := enginestore.NewMemStore()
	xs := xenstore.NewMemClient()
	control := hypervisor.NewNullControl()
	broker := membroker.NewClient(log, fakeTransport{})
	storageClient := storage.NewClient(log, fakeDaemon{})
	deviceSupervisor := devices.NewSupervisor(log, xs, control, devices.NewNullDMLauncher())
	bus := updatebus.NewBus()
	eng := engine.New(log, fastConfig(), store, xs, control, broker, storageClient, deviceSupervisor, fakeBuilder{}, bus)
	t.Cleanup(eng.Close)

	srv := NewServer(log, eng, bus)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, bus
}

func call(t *testing.T, ts *httptest.Server, method string, params interface{}) Response {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	body, err := json.Marshal(Request{Method: method, Params: raw})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(ts.URL+"/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func testCreateParams(vmid types.VmId) createParams {
	return createParams{
		VmId:             vmid,
		CreateInfo:       types.CreateInfo{HVM: false, Name: "rpc-test-vm"},
		DynMinKiB:        256 * 1024,
		DynMaxKiB:        512 * 1024,
		StaticMaxKiB:     512 * 1024,
		VCPUs:            1,
		ShadowMultiplier: 1.0,
	}
}

func TestVMCreateAndGetState(t *testing.T) {
	ts, _ := newTestServer(t)
	vmid := types.VmId("11111111-1111-1111-1111-111111111111")

	resp := call(t, ts, "VM.create", testCreateParams(vmid))
	if resp.Error != nil {
		t.Fatalf("create failed: %+v", resp.Error)
	}

	resp = call(t, ts, "VM.get_state", vmIdParams{VmId: vmid})
	if resp.Error != nil {
		t.Fatalf("get_state failed: %+v", resp.Error)
	}
	var state stateResult
	if err := json.Unmarshal(resp.Result, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if state.VmExtra.VmId != vmid {
		t.Fatalf("unexpected vm_id in state: %+v", state.VmExtra)
	}
	if !state.DomInfo.DomId.Valid() {
		t.Fatalf("expected a live domid after create, got %+v", state.DomInfo)
	}
}

func TestVMCreateBuildAndVBDPlug(t *testing.T) {
	ts, _ := newTestServer(t)
	vmid := types.VmId("22222222-2222-2222-2222-222222222222")

	if resp := call(t, ts, "VM.create", testCreateParams(vmid)); resp.Error != nil {
		t.Fatalf("create failed: %+v", resp.Error)
	}

	buildResp := call(t, ts, "VM.build", buildParams{
		VmId:            vmid,
		Flavor:          types.BuilderPVDirect,
		PVDirect:        &types.PVDirectBuildInfo{Kernel: "/tmp/k", Cmdline: "root=/dev/xvda1"},
		MemoryMaxKiB:    512 * 1024,
		MemoryTargetKiB: 256 * 1024,
	})
	if buildResp.Error != nil {
		t.Fatalf("build failed: %+v", buildResp.Error)
	}

	plugResp := call(t, ts, "VBD.plug", vbdPlugParams{
		VmId:        vmid,
		LogicalID:   0,
		Iface:       types.DiskInterface{Bus: types.BusXen, Disk: 0},
		Disk:        storage.DiskPointer{Local: "/dev/loop0"},
		ReadWrite:   true,
		BackendType: "vbd",
	})
	if plugResp.Error != nil {
		t.Fatalf("vbd plug failed: %+v", plugResp.Error)
	}

	stateResp := call(t, ts, "VBD.get_state", vbdLogicalIDParams{VmId: vmid, LogicalID: 0})
	if stateResp.Error != nil {
		t.Fatalf("vbd get_state failed: %+v", stateResp.Error)
	}
	var vbd types.VBDSnapshot
	if err := json.Unmarshal(stateResp.Result, &vbd); err != nil {
		t.Fatalf("unmarshal vbd state: %v", err)
	}
	if vbd.Params != "/dev/loop0" {
		t.Fatalf("unexpected vbd params: %+v", vbd)
	}
}

func TestUnknownMethodMapsToNotSupported(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := call(t, ts, "VM.frobnicate", struct{}{})
	if resp.Error == nil || resp.Error.Kind != types.KindNotSupported.String() {
		t.Fatalf("expected NotSupported, got %+v", resp.Error)
	}
}

func TestDoesNotExistErrorMapsThroughTaxonomy(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := call(t, ts, "VM.get_state", vmIdParams{VmId: types.VmId("no-such-vm")})
	if resp.Error == nil || resp.Error.Kind != types.KindDoesNotExist.String() {
		t.Fatalf("expected DoesNotExist, got %+v", resp.Error)
	}
}

func TestDebugTriggerRejectsUnknownCommand(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := call(t, ts, "DEBUG.trigger", debugTriggerParams{Cmd: "nonsense", Args: []string{"x"}})
	if resp.Error == nil || resp.Error.Kind != types.KindNotSupported.String() {
		t.Fatalf("expected NotSupported, got %+v", resp.Error)
	}
}

func TestUpdatesGetOrdersAcrossVms(t *testing.T) {
	ts, bus := newTestServer(t)
	a := bus.Publish(types.NewVmUpdate(types.VmId("aaaa")))
	b := bus.Publish(types.NewVmUpdate(types.VmId("bbbb")))

	resp := call(t, ts, "UPDATES.get", updatesGetParams{LastId: 0, TimeoutMs: 1000})
	if resp.Error != nil {
		t.Fatalf("updates get failed: %+v", resp.Error)
	}
	var out updatesGetResult
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("unmarshal updates: %v", err)
	}
	if len(out.Updates) != 2 || out.Updates[0].Id != a.Id || out.Updates[1].Id != b.Id {
		t.Fatalf("unexpected updates: %+v", out)
	}
	if out.NextId != b.Id {
		t.Fatalf("expected next_id %d, got %d", b.Id, out.NextId)
	}

	empty := call(t, ts, "UPDATES.get", updatesGetParams{LastId: out.NextId, TimeoutMs: 50})
	var emptyOut updatesGetResult
	if err := json.Unmarshal(empty.Result, &emptyOut); err != nil {
		t.Fatalf("unmarshal empty updates: %v", err)
	}
	if len(emptyOut.Updates) != 0 {
		t.Fatalf("expected no updates past next_id, got %+v", emptyOut)
	}
}
