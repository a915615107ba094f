// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package hypervisor implements the Hypervisor Control client of
// : a thin, synchronous wrapper around hypervisor primitives.
package hypervisor

import (
	"github.com/openxenstack/domaind/types"
)

// CPUIDEntry selects one leaf/subleaf to mask against a CPUIDPolicy, per
// "domain_cpuid_set/apply".
type CPUIDEntry struct {
	Leaf    uint32
	Subleaf uint32
	Policy  types.CPUIDPolicy
}

// Control is the typed surface over the hypervisor's syscall-like
// boundary that the engine needs. Every call that fails for a reason the
// hypervisor itself reports surfaces as *types.Error{Kind: InternalError}
// carrying the hypervisor's own error text, unless a more specific kind
// applies (e.g. BadCpuidTemplate, validated before any call reaches the
// hypervisor).
type Control interface {
	// DomainCreate creates a shell domain and returns its DomId.
	DomainCreate(ssid uint32, hvm bool, uuid string) (types.DomId, error)
	DomainDestroy(domid types.DomId) error
	Pause(domid types.DomId) error
	Unpause(domid types.DomId) error
	Shutdown(domid types.DomId, reason types.ShutdownReason) error

	DomainGetInfo(domid types.DomId) (types.DomInfo, error)
	DomainGetInfoList(start types.DomId) ([]types.DomInfo, error)

	// EvtchnAllocUnbound allocates an unbound event channel port on
	// domid for remote to bind (used for the store and console rings).
	EvtchnAllocUnbound(domid types.DomId, remote types.DomId) (uint32, error)

	ShadowAllocationGet(domid types.DomId) (uint32, error)
	ShadowAllocationSet(domid types.DomId, megabytes uint32) error
	SetMaxMem(domid types.DomId, kb uint64) error
	SetMemmapLimit(domid types.DomId, kb uint64) error
	MaxVCPUs(domid types.DomId, vcpus int) error

	// VCPUAffinitySet/Get operate on a 64-bit bitmap of allowed pCPUs.
	VCPUAffinitySet(domid types.DomId, vcpu int, affinity uint64) error
	VCPUAffinityGet(domid types.DomId, vcpu int) (uint64, error)

	IoportPermission(domid types.DomId, first, num uint32, allow bool) error
	IomemPermission(domid types.DomId, first, num uint64, allow bool) error
	IrqPermission(domid types.DomId, irq int, allow bool) error

	// CPUIDSet applies entries directly; CPUIDApply re-derives the
	// default policy for the domain's featureset; CPUIDCheck validates
	// templates without applying anything.
	CPUIDSet(domid types.DomId, entries []CPUIDEntry) error
	CPUIDApply(domid types.DomId) error
	CPUIDCheck(entries []CPUIDEntry) error

	Close() error
}

// ValidateCPUIDEntries checks every entry's templates before any
// hypervisor call is made property 8.
func ValidateCPUIDEntries(entries []CPUIDEntry) error {
	for _, e := range entries {
		if err := e.Policy.Validate(); err != nil {
			return err
		}
	}
	return nil
}
