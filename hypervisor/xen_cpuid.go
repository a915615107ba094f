// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package hypervisor

/*
#include <stdlib.h>
#include <string.h>
#include <xenctrl.h>
*/
import "C"

import (
	"unsafe"

	"github.com/openxenstack/domaind/types"
)

// cpuMap wraps the variable-length xc_cpumap_t libxc expects for
// affinity calls. A single uint64 covers every pCPU count this package
// needs to support; wider topologies would grow the bitmap to
// nr_cpu_ids/8 bytes instead.
type cpuMap struct {
	hard C.xc_cpumap_t
	buf  []C.uint8_t
}

func newCPUBitmap() *cpuMap {
	buf := make([]C.uint8_t, 8)
	return &cpuMap{hard: (C.xc_cpumap_t)(&buf[0]), buf: buf}
}

func cpuBitmap(affinity uint64) *cpuMap {
	m := newCPUBitmap()
	for i := 0; i < 8; i++ {
		m.buf[i] = C.uint8_t(affinity >> (8 * i) & 0xff)
	}
	return m
}

func (m *cpuMap) toUint64() uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(m.buf[i]) << (8 * i)
	}
	return v
}

func (m *cpuMap) free() {}

// domInfoFromC converts one xc_domaininfo_t record into the engine-facing
// DomInfo shape described "domain_getinfo(list)".
func domInfoFromC(di C.xc_domaininfo_t) types.DomInfo {
	flags := uint32(di.flags)
	shutdown := flags&(1<<2) != 0
	shutdownCode := types.ShutdownCode((flags >> 8) & 0xff)
	return types.DomInfo{
		DomId:            types.DomId(di.domain),
		Handle:           uuidFromHandle(di.handle),
		HVMGuest:         flags&(1<<7) != 0,
		Shutdown:         shutdown,
		ShutdownCode:     shutdownCode,
		TotalMemoryPages: uint64(di.tot_pages),
	}
}

func uuidFromHandle(h C.xen_domain_handle_t) string {
	b := make([]byte, 16)
	for i := 0; i < 16; i++ {
		b[i] = byte(h[i])
	}
	return formatUUID(b)
}

func formatUUID(b []byte) string {
	const hex = "0123456789abcdef"
	out := make([]byte, 36)
	pos := 0
	dashAfter := map[int]bool{4: true, 6: true, 8: true, 10: true}
	for i, c := range b {
		out[pos] = hex[c>>4]
		out[pos+1] = hex[c&0xf]
		pos += 2
		if dashAfter[i+1] {
			out[pos] = '-'
			pos++
		}
	}
	return string(out[:36])
}

// CPUIDSet applies entries directly to the domain's cpuid policy, one
// xc_cpuid_set call per leaf/subleaf, passing each register's 32-char
// template straight through as libxc's own config string rather than
// collapsing it to a bitmask first.
func (c *xenControl) CPUIDSet(domid types.DomId, entries []CPUIDEntry) error {
	if err := ValidateCPUIDEntries(entries); err != nil {
		return err
	}
	for _, e := range entries {
		if err := c.cpuidSetLeaf(domid, e); err != nil {
			return err
		}
	}
	return nil
}

func (c *xenControl) cpuidSetLeaf(domid types.DomId, e CPUIDEntry) error {
	input := [2]C.uint{C.uint(e.Leaf), C.uint(e.Subleaf)}

	eax := C.CString(string(e.Policy.EAX))
	ebx := C.CString(string(e.Policy.EBX))
	ecx := C.CString(string(e.Policy.ECX))
	edx := C.CString(string(e.Policy.EDX))
	defer C.free(unsafe.Pointer(eax))
	defer C.free(unsafe.Pointer(ebx))
	defer C.free(unsafe.Pointer(ecx))
	defer C.free(unsafe.Pointer(edx))

	config := [4]*C.char{eax, ebx, ecx, edx}

	var transformed [4][33]C.char
	transformedPtrs := [4]*C.char{
		&transformed[0][0], &transformed[1][0], &transformed[2][0], &transformed[3][0],
	}

	if C.xc_cpuid_set(c.xch, C.uint32_t(domid), &input[0], &config[0], &transformedPtrs[0]) != 0 {
		return types.NewErrorf(types.KindInternalError, "xc_cpuid_set(%s, leaf %d/%d) failed", domid, e.Leaf, e.Subleaf)
	}
	return nil
}

// CPUIDApply re-derives the domain's default cpuid policy from its
// configured featureset, the default expects when no
// explicit cpuid entries were supplied at build time.
func (c *xenControl) CPUIDApply(domid types.DomId) error {
	if C.xc_cpuid_apply_policy(c.xch, C.uint32_t(domid), nil, 0) != 0 {
		return types.NewErrorf(types.KindInternalError, "xc_cpuid_apply_policy(%s) failed", domid)
	}
	return nil
}

// CPUIDCheck validates templates without touching the hypervisor.
func (c *xenControl) CPUIDCheck(entries []CPUIDEntry) error {
	return ValidateCPUIDEntries(entries)
}
