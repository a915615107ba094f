// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/hypervisor"
	"github.com/openxenstack/domaind/types"
	"github.com/openxenstack/domaind/updatebus"
	"github.com/openxenstack/domaind/xenstore"
)

func newTestWatcher(t *testing.T) (*Watcher, hypervisor.Control, xenstore.Client, *updatebus.Bus) {
	t.Helper()
	log := base.NewLogger("watcher-test", true)
	xs := xenstore.NewMemClient()
	control := hypervisor.NewNullControl()
	bus := updatebus.NewBus()
	w := New(log, xs, control, bus)
	return w, control, xs, bus
}

// waitForUpdate polls the bus for a newer item than last, failing the
// test if none arrives within the timeout.
func waitForUpdate(t *testing.T, bus *updatebus.Bus, last uint64, timeout time.Duration) (types.Update, uint64) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		items, newLast := bus.Get(context.Background(), last, 10*time.Millisecond)
		if len(items) > 0 {
			return items[0], newLast
		}
		if time.Now().After(deadline) {
			t.Fatalf("no update published within %s", timeout)
		}
	}
}

func TestRefreshPublishesVmUpdateOnNewDomain(t *testing.T) {
	w, control, _, bus := newTestWatcher(t)
	ctx := context.Background()

	domid, err := control.DomainCreate(0, false, "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("domain create: %v", err)
	}

	w.refresh(ctx)

	upd, _ := waitForUpdate(t, bus, 0, time.Second)
	if upd.Kind != types.UpdateVm || upd.Vm != types.VmId("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa") {
		t.Fatalf("unexpected update: %+v", upd)
	}

	w.mu.Lock()
	_, tracked := w.domains[domid]
	w.mu.Unlock()
	if !tracked {
		t.Fatalf("expected domain %d to be tracked after refresh", domid)
	}
}

func TestRefreshPublishesVmUpdateOnDisappear(t *testing.T) {
	w, control, _, bus := newTestWatcher(t)
	ctx := context.Background()

	domid, err := control.DomainCreate(0, false, "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")
	if err != nil {
		t.Fatalf("domain create: %v", err)
	}
	w.refresh(ctx)
	_, last := waitForUpdate(t, bus, 0, time.Second)

	if err := control.DomainDestroy(domid); err != nil {
		t.Fatalf("domain destroy: %v", err)
	}
	w.refresh(ctx)

	upd, _ := waitForUpdate(t, bus, last, time.Second)
	if upd.Kind != types.UpdateVm || upd.Vm != types.VmId("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb") {
		t.Fatalf("unexpected update on disappear: %+v", upd)
	}

	w.mu.Lock()
	_, tracked := w.domains[domid]
	w.mu.Unlock()
	if tracked {
		t.Fatalf("expected domain %d to be untracked after disappearing", domid)
	}
}

func TestDeviceWatchPublishesVbdUpdateOnAppear(t *testing.T) {
	w, control, xs, bus := newTestWatcher(t)
	ctx := context.Background()

	domid, err := control.DomainCreate(0, false, "cccccccc-cccc-cccc-cccc-cccccccccccc")
	if err != nil {
		t.Fatalf("domain create: %v", err)
	}
	w.refresh(ctx)
	_, last := waitForUpdate(t, bus, 0, time.Second)

	devicePath := xenstore.Join(xenstore.DomainPath(domid), "device", "vbd", "51712")
	if err := xs.Mkdir(ctx, devicePath); err != nil {
		t.Fatalf("mkdir device path: %v", err)
	}

	upd, _ := waitForUpdate(t, bus, last, time.Second)
	if upd.Kind != types.UpdateVbd || upd.LinuxDevice != "xvda" {
		t.Fatalf("unexpected update on device appear: %+v", upd)
	}
}
