// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package devices

import (
	"context"
	"testing"
	"time"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/hypervisor"
	"github.com/openxenstack/domaind/types"
	"github.com/openxenstack/domaind/xenstore"
)

func newTestSupervisor() (*Supervisor, types.DomId) {
	log := base.NewLogger("devices-test", true)
	xs := xenstore.NewMemClient()
	control := hypervisor.NewNullControl()
	domid, _ := control.DomainCreate(0, true, "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	return NewSupervisor(log, xs, control, NewNullDMLauncher()), domid
}

func TestAddVBDAndLookupByLogicalID(t *testing.T) {
	s, domid := newTestSupervisor()
	ctx := context.Background()

	iface, err := types.DiskNumberToInterface(true, 0)
	if err != nil {
		t.Fatalf("disk number to interface: %v", err)
	}
	spec := VBDSpec{LogicalID: 7, Iface: iface, Mode: "w", BackendType: "phy", Params: "/dev/loop0", BackendDomId: 0}
	if err := s.AddVBD(ctx, types.VmId("v1"), domid, spec); err != nil {
		t.Fatalf("add vbd: %v", err)
	}

	devID, found, err := s.LookupByLogicalID(ctx, domid, kindVBD, 7)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !found {
		t.Fatal("expected device to be found")
	}
	wantDevID, _ := iface.DeviceKey()
	if devID != wantDevID {
		t.Fatalf("devID=%d, want %d", devID, wantDevID)
	}
}

func TestWaitForBackendDoneTimesOutWithoutBackend(t *testing.T) {
	xs := xenstore.NewMemClient()
	err := waitForBackendDone(context.Background(), xs, "/local/domain/0/backend/vbd/1/0", 50*time.Millisecond)
	if !types.IsKind(err, types.KindBackendTimeout) {
		t.Fatalf("expected BackendTimeout (no backend ever sets shutdown-done), got %v", err)
	}
}

func TestWaitForBackendDoneReturnsWhenSet(t *testing.T) {
	xs := xenstore.NewMemClient()
	path := "/local/domain/0/backend/vbd/1/0"
	_ = xs.Write(context.Background(), path+"/shutdown-done", "1")
	if err := waitForBackendDone(context.Background(), xs, path, time.Second); err != nil {
		t.Fatalf("expected no error once shutdown-done is set, got %v", err)
	}
}
