// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package hypervisor

/*
#cgo LDFLAGS: -lxenctrl
#include <stdlib.h>
#include <string.h>
#include <xenctrl.h>

static int domaind_xc_domain_create(xc_interface *xch, uint32_t ssidref,
 int hvm, const char *uuid_str, uint32_t *domid) {
	xen_domain_handle_t handle;
	memset(handle, 0, sizeof(handle));
	uint32_t flags = hvm ? XEN_DOMCTL_CDF_hvm_guest: 0;
	return xc_domain_create(xch, ssidref, handle, flags, domid, NULL);
}
*/
import "C"

import (
	"unsafe"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/types"
)

// xenControl implements Control directly against libxc, the C library the
// original xenopsd OCaml bindings (xenctrl) drive too -- see
// _examples/original_source. libxl (via the xenlight package) is used
// nowhere here because every operation names sits below
// libxl's abstraction level.
type xenControl struct {
	log base.Logger
	xch *C.xc_interface
}

// NewControl opens an interface handle to the running hypervisor.
func NewControl(log base.Logger) (Control, error) {
	xch := C.xc_interface_open(nil, nil, 0)
	if xch == nil {
		return nil, types.NewErrorf(types.KindInternalError, "xc_interface_open failed")
	}
	return &xenControl{log: log, xch: xch}, nil
}

func (c *xenControl) Close() error {
	if c.xch != nil {
		C.xc_interface_close(c.xch)
		c.xch = nil
	}
	return nil
}

func (c *xenControl) DomainCreate(ssid uint32, hvm bool, uuid string) (types.DomId, error) {
	cuuid := C.CString(uuid)
	defer C.free(unsafe.Pointer(cuuid))

	var domid C.uint32_t
	hvmFlag := C.int(0)
	if hvm {
		hvmFlag = 1
	}
	rc := C.domaind_xc_domain_create(c.xch, C.uint32_t(ssid), hvmFlag, cuuid, &domid)
	if rc != 0 {
		return types.InvalidDomId, types.NewErrorf(types.KindInternalError, "xc_domain_create failed: rc=%d", int(rc))
	}
	return types.DomId(domid), nil
}

func (c *xenControl) DomainDestroy(domid types.DomId) error {
	if C.xc_domain_destroy(c.xch, C.uint32_t(domid)) != 0 {
		return types.NewErrorf(types.KindInternalError, "xc_domain_destroy(%s) failed", domid)
	}
	return nil
}

func (c *xenControl) Pause(domid types.DomId) error {
	if C.xc_domain_pause(c.xch, C.uint32_t(domid)) != 0 {
		return types.NewErrorf(types.KindInternalError, "xc_domain_pause(%s) failed", domid)
	}
	return nil
}

func (c *xenControl) Unpause(domid types.DomId) error {
	if C.xc_domain_unpause(c.xch, C.uint32_t(domid)) != 0 {
		return types.NewErrorf(types.KindInternalError, "xc_domain_unpause(%s) failed", domid)
	}
	return nil
}

func (c *xenControl) Shutdown(domid types.DomId, reason types.ShutdownReason) error {
	if !reason.Valid() {
		return types.NewErrorf(types.KindInternalError, "invalid shutdown reason %q", reason)
	}
	code := shutdownReasonCode(reason)
	if C.xc_domain_shutdown(c.xch, C.uint32_t(domid), C.int(code)) != 0 {
		return types.NewErrorf(types.KindInternalError, "xc_domain_shutdown(%s) failed", domid)
	}
	return nil
}

func shutdownReasonCode(r types.ShutdownReason) int {
	switch r {
	case types.ShutdownPoweroff:
		return 0
	case types.ShutdownReboot:
		return 1
	case types.ShutdownSuspend:
		return 2
	case types.ShutdownHalt:
		return 4
	default:
		return 0
	}
}

func (c *xenControl) DomainGetInfo(domid types.DomId) (types.DomInfo, error) {
	list, err := c.DomainGetInfoList(domid)
	if err != nil {
		return types.DomInfo{}, err
	}
	for _, di := range list {
		if di.DomId == domid {
			return di, nil
		}
	}
	return types.DomInfo{}, types.NewErrorf(types.KindDoesNotExist, "domain %s not found", domid)
}

func (c *xenControl) DomainGetInfoList(start types.DomId) ([]types.DomInfo, error) {
	const maxDomains = 1024
	cinfos := make([]C.xc_domaininfo_t, maxDomains)
	n := C.xc_domain_getinfolist(c.xch, C.uint32_t(start), C.uint(maxDomains), &cinfos[0])
	if n < 0 {
		return nil, types.NewErrorf(types.KindInternalError, "xc_domain_getinfolist failed")
	}
	out := make([]types.DomInfo, 0, int(n))
	for i := 0; i < int(n); i++ {
		out = append(out, domInfoFromC(cinfos[i]))
	}
	return out, nil
}

func (c *xenControl) EvtchnAllocUnbound(domid types.DomId, remote types.DomId) (uint32, error) {
	port := C.xc_evtchn_alloc_unbound(c.xch, C.uint32_t(domid), C.uint32_t(remote))
	if port < 0 {
		return 0, types.NewErrorf(types.KindInternalError, "xc_evtchn_alloc_unbound failed")
	}
	return uint32(port), nil
}

func (c *xenControl) ShadowAllocationGet(domid types.DomId) (uint32, error) {
	var mb C.uint32_t
	if C.xc_shadow_control(c.xch, C.uint32_t(domid), C.XEN_DOMCTL_SHADOW_OP_GET_ALLOCATION, nil, 0, &mb, 0, nil) < 0 {
		return 0, types.NewErrorf(types.KindInternalError, "xc_shadow_control(get) failed")
	}
	return uint32(mb), nil
}

func (c *xenControl) ShadowAllocationSet(domid types.DomId, megabytes uint32) error {
	mb := C.uint32_t(megabytes)
	if C.xc_shadow_control(c.xch, C.uint32_t(domid), C.XEN_DOMCTL_SHADOW_OP_SET_ALLOCATION, nil, 0, &mb, 0, nil) < 0 {
		return types.NewErrorf(types.KindInternalError, "xc_shadow_control(set,%d) failed", megabytes)
	}
	return nil
}

func (c *xenControl) SetMaxMem(domid types.DomId, kb uint64) error {
	if C.xc_domain_setmaxmem(c.xch, C.uint32_t(domid), C.uint64_t(kb)) != 0 {
		return types.NewErrorf(types.KindInternalError, "xc_domain_setmaxmem(%s,%d) failed", domid, kb)
	}
	return nil
}

func (c *xenControl) SetMemmapLimit(domid types.DomId, kb uint64) error {
	if C.xc_domain_set_memmap_limit(c.xch, C.uint32_t(domid), C.uint64_t(kb)) != 0 {
		return types.NewErrorf(types.KindInternalError, "xc_domain_set_memmap_limit(%s,%d) failed", domid, kb)
	}
	return nil
}

func (c *xenControl) MaxVCPUs(domid types.DomId, vcpus int) error {
	if C.xc_domain_max_vcpus(c.xch, C.uint32_t(domid), C.uint32_t(vcpus)) != 0 {
		return types.NewErrorf(types.KindInternalError, "xc_domain_max_vcpus(%s,%d) failed", domid, vcpus)
	}
	return nil
}

func (c *xenControl) VCPUAffinitySet(domid types.DomId, vcpu int, affinity uint64) error {
	bitmap := cpuBitmap(affinity)
	defer bitmap.free()
	if C.xc_vcpu_setaffinity(c.xch, C.uint32_t(domid), C.int(vcpu), &bitmap.hard, nil, C.XEN_VCPUAFFINITY_HARD) != 0 {
		return types.NewErrorf(types.KindInternalError, "xc_vcpu_setaffinity(%s,%d) failed", domid, vcpu)
	}
	return nil
}

func (c *xenControl) VCPUAffinityGet(domid types.DomId, vcpu int) (uint64, error) {
	bitmap := newCPUBitmap()
	defer bitmap.free()
	if C.xc_vcpu_getaffinity(c.xch, C.uint32_t(domid), C.int(vcpu), &bitmap.hard, nil, C.XEN_VCPUAFFINITY_HARD) != 0 {
		return 0, types.NewErrorf(types.KindInternalError, "xc_vcpu_getaffinity(%s,%d) failed", domid, vcpu)
	}
	return bitmap.toUint64(), nil
}

func (c *xenControl) IoportPermission(domid types.DomId, first, num uint32, allow bool) error {
	rc := C.xc_domain_ioport_permission(c.xch, C.uint32_t(domid), C.uint32_t(first), C.uint32_t(num), boolToC(allow))
	if rc != 0 {
		return types.NewErrorf(types.KindInternalError, "xc_domain_ioport_permission failed")
	}
	return nil
}

func (c *xenControl) IomemPermission(domid types.DomId, first, num uint64, allow bool) error {
	rc := C.xc_domain_iomem_permission(c.xch, C.uint32_t(domid), C.uint64_t(first), C.uint64_t(num), boolToC(allow))
	if rc != 0 {
		return types.NewErrorf(types.KindInternalError, "xc_domain_iomem_permission failed")
	}
	return nil
}

func (c *xenControl) IrqPermission(domid types.DomId, irq int, allow bool) error {
	rc := C.xc_domain_irq_permission(c.xch, C.uint32_t(domid), C.uint8_t(irq), boolToC(allow))
	if rc != 0 {
		return types.NewErrorf(types.KindInternalError, "xc_domain_irq_permission failed")
	}
	return nil
}

func boolToC(b bool) C.uint8_t {
	if b {
		return 1
	}
	return 0
}
