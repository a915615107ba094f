// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"testing"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/types"
)

type fakeDaemon struct {
	attached, activated bool
	failActivate        bool
}

func (f *fakeDaemon) GetByName(ctx context.Context, name string) (StorageRepo, VirtualDisk, error) {
	if name == "missing" {
		return "", "", types.NewError(types.KindDoesNotExist)
	}
	return StorageRepo("sr0"), VirtualDisk(name), nil
}
func (f *fakeDaemon) DPCreate(ctx context.Context, dp Datapath, caller string) error { return nil }
func (f *fakeDaemon) DPDestroy(ctx context.Context, dp Datapath, allowLeak bool) error {
	return nil
}
func (f *fakeDaemon) Attach(ctx context.Context, dp Datapath, sr StorageRepo, vdi VirtualDisk, rw bool) (AttachInfo, error) {
	f.attached = true
	return AttachInfo{Params: "/dev/fake0", BackendDomId: 0}, nil
}
func (f *fakeDaemon) Activate(ctx context.Context, dp Datapath, sr StorageRepo, vdi VirtualDisk) error {
	if f.failActivate {
		return types.NewError(types.KindInternalError)
	}
	f.activated = true
	return nil
}
func (f *fakeDaemon) Deactivate(ctx context.Context, dp Datapath, sr StorageRepo, vdi VirtualDisk) error {
	f.activated = false
	return nil
}
func (f *fakeDaemon) Detach(ctx context.Context, dp Datapath, sr StorageRepo, vdi VirtualDisk) error {
	f.attached = false
	return nil
}
func (f *fakeDaemon) SetContentID(ctx context.Context, sr StorageRepo, vdi VirtualDisk, id string) error {
	return nil
}
func (f *fakeDaemon) SimilarContent(ctx context.Context, sr StorageRepo, vdi VirtualDisk) ([]VirtualDisk, error) {
	return nil, nil
}
func (f *fakeDaemon) Clone(ctx context.Context, sr StorageRepo, vdi VirtualDisk) (VirtualDisk, error) {
	return vdi, nil
}
func (f *fakeDaemon) Snapshot(ctx context.Context, sr StorageRepo, vdi VirtualDisk, mirrorURL string) (VirtualDisk, error) {
	return vdi, nil
}
func (f *fakeDaemon) Compose(ctx context.Context, sr StorageRepo, parent, child VirtualDisk) error {
	return nil
}

func TestWithDiskLocalBypassesDaemon(t *testing.T) {
	f := &fakeDaemon{}
	c := NewClient(base.NewLogger("storage-test", true), f)
	var seen string
	err := c.WithDisk(context.Background(), DiskPointer{Local: "/dev/loop0"}, true, func(path string) error {
		seen = path
		return nil
	})
	if err != nil {
		t.Fatalf("with_disk: %v", err)
	}
	if seen != "/dev/loop0" {
		t.Fatalf("expected local path passed through, got %q", seen)
	}
}

func TestWithDiskAttachesAndCleansUp(t *testing.T) {
	f := &fakeDaemon{}
	c := NewClient(base.NewLogger("storage-test", true), f)
	var seen string
	err := c.WithDisk(context.Background(), DiskPointer{VDI: "disk1"}, true, func(path string) error {
		seen = path
		if !f.attached || !f.activated {
			t.Fatalf("expected attached+activated inside f")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("with_disk: %v", err)
	}
	if seen != "/dev/fake0" {
		t.Fatalf("unexpected local path %q", seen)
	}
	if f.attached || f.activated {
		t.Fatalf("expected deactivate+detach on exit")
	}
}

func TestWithDiskCleansUpOnActivateFailure(t *testing.T) {
	f := &fakeDaemon{failActivate: true}
	c := NewClient(base.NewLogger("storage-test", true), f)
	err := c.WithDisk(context.Background(), DiskPointer{VDI: "disk1"}, true, func(path string) error {
		t.Fatal("f should not run when activate fails")
		return nil
	})
	if err == nil {
		t.Fatal("expected error from activate failure")
	}
	if f.attached {
		t.Fatalf("expected dp destroyed/detached on activate failure")
	}
}
