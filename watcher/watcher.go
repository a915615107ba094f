// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package watcher implements the Event/Watch subsystem: a single
// logical observer that mirrors the hypervisor's live domain list and
// a fixed set of per-domain control-tree paths, turning what it sees
// into Update items published on the update bus.
package watcher

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/hypervisor"
	"github.com/openxenstack/domaind/types"
	"github.com/openxenstack/domaind/updatebus"
	"github.com/openxenstack/domaind/xenstore"
)

// IntroduceDomainPath and ReleaseDomainPath are the two special xenstore
// watch paths a domain-list observer registers, fired by the toolstack
// whenever any domain appears or disappears.
const (
	IntroduceDomainPath = "@introduceDomain"
	ReleaseDomainPath   = "@releaseDomain"
)

// DefaultRefreshInterval is the fallback poll cadence used alongside the
// two special watches, in case a watch event is coalesced away during a
// burst of churn -- the same belt-and-suspenders ticker idiom the
// engine's gc pass and cmd/domainmgr daemons use.
const DefaultRefreshInterval = 5 * time.Second

// Watcher mirrors the live domain list into the Update bus. It owns no
// engine state; VmExtra persistence and state transitions are entirely
// the Lifecycle Engine's job. This is purely an observer.
type Watcher struct {
	log     base.Logger
	xs      xenstore.Client
	control hypervisor.Control
	bus     *updatebus.Bus

	refreshInterval time.Duration

	mu      sync.Mutex
	domains map[types.DomId]*domainWatch
}

// domainWatch tracks the per-domain watch goroutines and the device set
// last observed under this domain's device subtree, so appear/disappear
// can be diffed on every device-path wakeup.
type domainWatch struct {
	vmid   types.VmId
	code   types.ShutdownCode
	cancel context.CancelFunc

	devMu   sync.Mutex
	devices map[string]map[int]bool
}

// New returns a Watcher ready to Run.
func New(log base.Logger, xs xenstore.Client, control hypervisor.Control, bus *updatebus.Bus) *Watcher {
	return &Watcher{
		log:             log,
		xs:              xs,
		control:         control,
		bus:             bus,
		refreshInterval: DefaultRefreshInterval,
		domains:         map[types.DomId]*domainWatch{},
	}
}

// Run drives the watcher until ctx is cancelled. It registers the two
// domain-lifecycle watches, refreshes once immediately, and then
// refreshes again on every wakeup or fallback tick.
func (w *Watcher) Run(ctx context.Context) error {
	introCh, err := w.xs.Watch(ctx, IntroduceDomainPath)
	if err != nil {
		return err
	}
	defer w.xs.Unwatch(IntroduceDomainPath)

	releaseCh, err := w.xs.Watch(ctx, ReleaseDomainPath)
	if err != nil {
		return err
	}
	defer w.xs.Unwatch(ReleaseDomainPath)

	ticker := time.NewTicker(w.refreshInterval)
	defer ticker.Stop()

	w.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			w.stopAll()
			return nil
		case <-introCh:
			w.refresh(ctx)
		case <-releaseCh:
			w.refresh(ctx)
		case <-ticker.C:
			w.refresh(ctx)
		}
	}
}

// refresh diffs the hypervisor's current domain list against the
// mirror. New domains get their per-domain watches started; disappeared
// domains have theirs torn down; a changed shutdown code on a domain
// that survives is itself an Update::Vm push ( "on any
// change of shutdown/code, pushes Update::Vm(id)").
func (w *Watcher) refresh(ctx context.Context) {
	list, err := w.control.DomainGetInfoList(0)
	if err != nil {
		w.log.Warnf("watcher: domain_getinfolist: %v", err)
		return
	}
	live := make(map[types.DomId]types.DomInfo, len(list))
	for _, info := range list {
		live[info.DomId] = info
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for domid, info := range live {
		dw, ok := w.domains[domid]
		if !ok {
			dw = w.startDomainWatch(ctx, domid, types.VmId(info.Handle))
			dw.code = info.ShutdownCode
			w.domains[domid] = dw
			w.bus.Publish(types.NewVmUpdate(dw.vmid))
			continue
		}
		if dw.code != info.ShutdownCode {
			dw.code = info.ShutdownCode
			w.bus.Publish(types.NewVmUpdate(dw.vmid))
		}
	}

	for domid, dw := range w.domains {
		if _, ok := live[domid]; !ok {
			dw.cancel()
			delete(w.domains, domid)
			w.bus.Publish(types.NewVmUpdate(dw.vmid))
		}
	}
}

func (w *Watcher) stopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, dw := range w.domains {
		dw.cancel()
	}
	w.domains = map[types.DomId]*domainWatch{}
}

// startDomainWatch registers the fixed set of per-domain paths this
// watcher tracks: data/updated, memory/{target,uncooperative},
// console/{vnc-port,tc-port}, the per-vm rtc/timeoffset, and the device
// subtree. Everything but device collapses to Update::Vm; device
// appear/disappear is diffed into Update::Vbd|Vif.
func (w *Watcher) startDomainWatch(ctx context.Context, domid types.DomId, vmid types.VmId) *domainWatch {
	domCtx, cancel := context.WithCancel(ctx)
	dw := &domainWatch{vmid: vmid, cancel: cancel, devices: map[string]map[int]bool{}}

	domPath := xenstore.DomainPath(domid)
	vmPath := xenstore.VmPath(string(vmid))
	genericPaths := []string{
		xenstore.Join(domPath, "data", "updated"),
		xenstore.Join(domPath, "memory", "target"),
		xenstore.Join(domPath, "memory", "uncooperative"),
		xenstore.Join(domPath, "console", "vnc-port"),
		xenstore.Join(domPath, "console", "tc-port"),
		xenstore.Join(vmPath, "rtc", "timeoffset"),
	}
	for _, p := range genericPaths {
		w.watchGeneric(domCtx, p, vmid)
	}
	w.watchDevices(domCtx, domid, vmid, dw)
	return dw
}

func (w *Watcher) watchGeneric(ctx context.Context, path string, vmid types.VmId) {
	ch, err := w.xs.Watch(ctx, path)
	if err != nil {
		w.log.Debugf("watcher: watch %s: %v", path, err)
		return
	}
	go func() {
		defer w.xs.Unwatch(path)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				w.bus.Publish(types.NewVmUpdate(vmid))
			}
		}
	}()
}

func (w *Watcher) watchDevices(ctx context.Context, domid types.DomId, vmid types.VmId, dw *domainWatch) {
	devicePath := xenstore.Join(xenstore.DomainPath(domid), "device")
	ch, err := w.xs.Watch(ctx, devicePath)
	if err != nil {
		w.log.Debugf("watcher: watch %s: %v", devicePath, err)
		return
	}
	w.refreshDevices(ctx, devicePath, vmid, dw)
	go func() {
		defer w.xs.Unwatch(devicePath)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				w.refreshDevices(ctx, devicePath, vmid, dw)
			}
		}
	}()
}

// refreshDevices diffs the vbd/vif ids currently listed under a
// domain's device subtree against what this watch last saw, publishing
// one Update per id that appeared or disappeared. PCI devices have no
// per-frontend xenstore subtree in this scheme, so they are not
// observed here; the engine publishes their updates directly at
// plug/unplug time.
func (w *Watcher) refreshDevices(ctx context.Context, devicePath string, vmid types.VmId, dw *domainWatch) {
	kinds, err := w.xs.Directory(ctx, devicePath)
	if err != nil {
		return
	}

	dw.devMu.Lock()
	defer dw.devMu.Unlock()

	seenKinds := map[string]bool{}
	for _, kind := range kinds {
		if kind != "vbd" && kind != "vif" {
			continue
		}
		seenKinds[kind] = true
		ids, err := w.xs.Directory(ctx, xenstore.Join(devicePath, kind))
		if err != nil {
			continue
		}
		present := map[int]bool{}
		for _, idStr := range ids {
			id, err := strconv.Atoi(idStr)
			if err != nil {
				continue
			}
			present[id] = true
			if !dw.devices[kind][id] {
				w.publishDeviceUpdate(vmid, kind, id)
			}
		}
		for id := range dw.devices[kind] {
			if !present[id] {
				w.publishDeviceUpdate(vmid, kind, id)
			}
		}
		dw.devices[kind] = present
	}
	for kind := range dw.devices {
		if !seenKinds[kind] {
			for id := range dw.devices[kind] {
				w.publishDeviceUpdate(vmid, kind, id)
			}
			delete(dw.devices, kind)
		}
	}
}

func (w *Watcher) publishDeviceUpdate(vmid types.VmId, kind string, devID int) {
	switch kind {
	case "vbd":
		name := strconv.Itoa(devID)
		switch major := devID >> 8; {
		case devID&(1<<28) != 0:
			name = types.DiskInterface{Bus: types.BusXen, Disk: major & 0xfffff, Partition: devID & 0xff}.LinuxDevice()
		case major == 202:
			name = types.DiskInterface{Bus: types.BusXen, Disk: (devID >> 4) & 0xf, Partition: devID & 0xf}.LinuxDevice()
		case major == 8:
			name = types.DiskInterface{Bus: types.BusScsi, Disk: (devID >> 4) & 0xf, Partition: devID & 0xf}.LinuxDevice()
		case major == 3 || major == 22:
			name = types.DiskInterface{Bus: types.BusIde, Disk: (major/22)*2 + (devID&0xff)/64, Partition: devID & 0x3f}.LinuxDevice()
		}
		w.bus.Publish(types.NewVbdUpdate(vmid, name))
	case "vif":
		w.bus.Publish(types.NewVifUpdate(vmid, devID))
	}
}
