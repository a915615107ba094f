// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import "math"

// The constants below approximate how much host memory the hypervisor
// needs beyond a guest's own static-max to actually run it: shadow
// page tables for HVM's memory virtualization, plus a small per-vcpu
// and per-domain bookkeeping allowance for both HVM and PV guests.
// They are shaped after xl.cfg's documented shadow_memory default
// (roughly 1 MiB per vcpu plus 8 KiB per MiB of guest RAM) and the
// well-known HVM/PV overhead split xenopsd applies before reserving
// memory; the OCaml source that would pin down the exact constants
// was not present in the retrieved corpus (see DESIGN.md), so these
// are this engine's own tunables, deliberately conservative.
const (
	shadowKiBPerVCPU     = 1024
	shadowKiBPerMiBOfRAM = 8
	shadowFixedKiB       = 4096

	hvmExtraKiBPerVCPU = 1024
	hvmExtraFixedKiB   = 2048

	pvExtraKiBPerVCPU = 128
	pvExtraFixedKiB   = 512
)

// ShadowAllocationKiB computes the shadow page-table allocation an HVM
// domain needs before the caller's shadow_multiplier is applied.
func ShadowAllocationKiB(staticMaxMiB uint64, vcpus int) uint64 {
	return uint64(vcpus)*shadowKiBPerVCPU + staticMaxMiB*shadowKiBPerMiBOfRAM + shadowFixedKiB
}

// OverheadKiB computes the ballooning overhead a domain's static_max,
// vcpu count, and shadow_multiplier imply, using the HVM- or
// PV-specific formula.
func OverheadKiB(hvm bool, staticMaxMiB uint64, vcpus int, shadowMultiplier float64) uint64 {
	if shadowMultiplier <= 0 {
		shadowMultiplier = 1.0
	}
	if hvm {
		shadow := uint64(math.Ceil(float64(ShadowAllocationKiB(staticMaxMiB, vcpus)) * shadowMultiplier))
		return shadow + uint64(vcpus)*hvmExtraKiBPerVCPU + hvmExtraFixedKiB
	}
	return uint64(vcpus)*pvExtraKiBPerVCPU + pvExtraFixedKiB
}

// ShadowAllocationMiB is ShadowAllocationKiB rounded to whole MiB and
// scaled by shadowMultiplier, the unit shadow_allocation_set/get speak.
func ShadowAllocationMiB(staticMaxMiB uint64, vcpus int, shadowMultiplier float64) uint32 {
	if shadowMultiplier <= 0 {
		shadowMultiplier = 1.0
	}
	kib := float64(ShadowAllocationKiB(staticMaxMiB, vcpus)) * shadowMultiplier
	mib := uint64(math.Ceil(kib / 1024.0))
	if mib < 1 {
		mib = 1
	}
	return uint32(mib)
}
