// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"sort"
	"sync"

	"github.com/openxenstack/domaind/types"
)

// nullDomain is the in-memory record kept for each domain the fake
// backend has created, mirroring the subset of xc_domaininfo_t the
// engine actually consumes.
type nullDomain struct {
	info      types.DomInfo
	shadowMB  uint32
	maxMemKB  uint64
	maxVCPUs  int
	affinity  map[int]uint64
	ioports   map[uint32]bool
	iomem     map[uint64]bool
	irqs      map[int]bool
	cpuid     []CPUIDEntry
	evtchnCtr uint32
}

// nullControl is a fake Control backend for tests, grounded on the
// teacher's null.go "null domain" hypervisor -- an in-memory stand-in
// good enough to exercise the engine's call sequences without a real
// hypervisor underneath.
type nullControl struct {
	mu     sync.Mutex
	doms   map[types.DomId]*nullDomain
	nextID int32
	closed bool
}

// NewNullControl returns a Control backend that keeps all domain state
// in memory. Used by engine, devices and rpc package tests.
func NewNullControl() Control {
	return &nullControl{doms: map[types.DomId]*nullDomain{}, nextID: 1}
}

func (c *nullControl) DomainCreate(ssid uint32, hvm bool, uuid string) (types.DomId, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := types.DomId(c.nextID)
	c.nextID++
	c.doms[id] = &nullDomain{
		info: types.DomInfo{
			DomId:    id,
			Handle:   uuid,
			HVMGuest: hvm,
		},
		affinity: map[int]uint64{},
		ioports:  map[uint32]bool{},
		iomem:    map[uint64]bool{},
		irqs:     map[int]bool{},
	}
	return id, nil
}

func (c *nullControl) get(domid types.DomId) (*nullDomain, error) {
	dom, ok := c.doms[domid]
	if !ok {
		return nil, types.NewErrorf(types.KindDoesNotExist, "domain %s not found", domid)
	}
	return dom, nil
}

func (c *nullControl) DomainDestroy(domid types.DomId) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.get(domid); err != nil {
		return err
	}
	delete(c.doms, domid)
	return nil
}

func (c *nullControl) Pause(domid types.DomId) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.get(domid)
	return err
}

func (c *nullControl) Unpause(domid types.DomId) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.get(domid)
	return err
}

func (c *nullControl) Shutdown(domid types.DomId, reason types.ShutdownReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dom, err := c.get(domid)
	if err != nil {
		return err
	}
	if !reason.Valid() {
		return types.NewErrorf(types.KindInternalError, "invalid shutdown reason %q", reason)
	}
	dom.info.Shutdown = true
	return nil
}

func (c *nullControl) DomainGetInfo(domid types.DomId) (types.DomInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dom, err := c.get(domid)
	if err != nil {
		return types.DomInfo{}, err
	}
	return dom.info, nil
}

func (c *nullControl) DomainGetInfoList(start types.DomId) ([]types.DomInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []types.DomId
	for id := range c.doms {
		if id >= start {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]types.DomInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.doms[id].info)
	}
	return out, nil
}

func (c *nullControl) EvtchnAllocUnbound(domid types.DomId, remote types.DomId) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dom, err := c.get(domid)
	if err != nil {
		return 0, err
	}
	dom.evtchnCtr++
	return dom.evtchnCtr, nil
}

func (c *nullControl) ShadowAllocationGet(domid types.DomId) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dom, err := c.get(domid)
	if err != nil {
		return 0, err
	}
	return dom.shadowMB, nil
}

func (c *nullControl) ShadowAllocationSet(domid types.DomId, megabytes uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dom, err := c.get(domid)
	if err != nil {
		return err
	}
	dom.shadowMB = megabytes
	return nil
}

func (c *nullControl) SetMaxMem(domid types.DomId, kb uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dom, err := c.get(domid)
	if err != nil {
		return err
	}
	dom.maxMemKB = kb
	dom.info.TotalMemoryPages = kb * 1024 / types.PageSizeBytes
	return nil
}

func (c *nullControl) SetMemmapLimit(domid types.DomId, kb uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.get(domid)
	return err
}

func (c *nullControl) MaxVCPUs(domid types.DomId, vcpus int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dom, err := c.get(domid)
	if err != nil {
		return err
	}
	dom.maxVCPUs = vcpus
	return nil
}

func (c *nullControl) VCPUAffinitySet(domid types.DomId, vcpu int, affinity uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dom, err := c.get(domid)
	if err != nil {
		return err
	}
	dom.affinity[vcpu] = affinity
	return nil
}

func (c *nullControl) VCPUAffinityGet(domid types.DomId, vcpu int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dom, err := c.get(domid)
	if err != nil {
		return 0, err
	}
	return dom.affinity[vcpu], nil
}

func (c *nullControl) IoportPermission(domid types.DomId, first, num uint32, allow bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dom, err := c.get(domid)
	if err != nil {
		return err
	}
	for p := first; p < first+num; p++ {
		dom.ioports[p] = allow
	}
	return nil
}

func (c *nullControl) IomemPermission(domid types.DomId, first, num uint64, allow bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dom, err := c.get(domid)
	if err != nil {
		return err
	}
	for p := first; p < first+num; p++ {
		dom.iomem[p] = allow
	}
	return nil
}

func (c *nullControl) IrqPermission(domid types.DomId, irq int, allow bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	dom, err := c.get(domid)
	if err != nil {
		return err
	}
	dom.irqs[irq] = allow
	return nil
}

func (c *nullControl) CPUIDSet(domid types.DomId, entries []CPUIDEntry) error {
	if err := ValidateCPUIDEntries(entries); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	dom, err := c.get(domid)
	if err != nil {
		return err
	}
	dom.cpuid = entries
	return nil
}

func (c *nullControl) CPUIDApply(domid types.DomId) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.get(domid)
	return err
}

func (c *nullControl) CPUIDCheck(entries []CPUIDEntry) error {
	return ValidateCPUIDEntries(entries)
}

func (c *nullControl) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
