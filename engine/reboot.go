// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	"github.com/openxenstack/domaind/hypervisor"
	"github.com/openxenstack/domaind/types"
)

// AckRebootRequest is guest-initiated reboot
// acknowledgement: the domain has already asked to reboot (control
// tree carries reason "reboot" and the guest has gone quiet), and the
// engine re-enters create/build against the same VmExtra without the
// caller supplying the original parameters again.
type AckRebootRequest struct {
	VmId  types.VmId
	CPUID []hypervisor.CPUIDEntry
	Task  Task
}

// AckReboot destroys the old domain, preserving VmExtra, and
// immediately recreates and rebuilds it from the same record. The
// resolved kernel/ramdisk a bootloader run previously extracted are
// reused as-is rather than rerunning the bootloader a second time; a
// reboot that needs a different boot target must go through a fresh
// create/build instead of AckReboot.
func (e *Engine) AckReboot(ctx context.Context, req AckRebootRequest) error {
	return e.queues.SubmitSync(req.VmId, func() error {
		return e.doAckReboot(ctx, req)
	})
}

func (e *Engine) doAckReboot(ctx context.Context, req AckRebootRequest) error {
	extra, err := e.store.Load(req.VmId)
	if err != nil {
		return err
	}
	if !extra.DomId.Valid() {
		return types.NewErrorf(types.KindDomainNotBuilt, "vm %s has no live domain to reboot", req.VmId)
	}
	if extra.BuildInfo == nil {
		return types.NewErrorf(types.KindDomainNotBuilt, "vm %s has no build_info to rebuild from", req.VmId)
	}

	if err := e.doDestroy(ctx, DestroyRequest{VmId: req.VmId, PreserveVmPath: true}); err != nil {
		return err
	}
	// doDestroy erases VmExtra once the domain has no other surviving
	// resources; recover the record we still need to rebuild from.
	extra.DomId = types.InvalidDomId
	if err := e.store.Save(extra); err != nil {
		return err
	}

	createReq := CreateRequest{
		VmId:             req.VmId,
		CreateInfo:       extra.CreateInfo,
		DynMinKiB:        extra.BuildInfo.MemoryTargetKiB,
		DynMaxKiB:        extra.BuildInfo.MemoryMaxKiB,
		StaticMaxKiB:     extra.MemoryStaticMaxKiB,
		VCPUs:            extra.VCPUs,
		ShadowMultiplier: extra.ShadowMultiplier,
	}
	if err := e.doCreate(ctx, createReq); err != nil {
		return err
	}

	buildReq := BuildRequest{
		VmId:            req.VmId,
		Flavor:          rebootFlavor(extra.BuildInfo.Flavor),
		HVM:             extra.BuildInfo.HVM,
		MemoryMaxKiB:    extra.BuildInfo.MemoryMaxKiB,
		MemoryTargetKiB: extra.BuildInfo.MemoryTargetKiB,
		CPUID:           req.CPUID,
		Task:            req.Task,
	}
	if buildReq.Flavor == types.BuilderPVDirect {
		buildReq.PVDirect = &types.PVDirectBuildInfo{
			Kernel:  extra.BuildInfo.ResolvedKernel,
			Ramdisk: extra.BuildInfo.ResolvedRamdisk,
		}
	}
	return e.doBuild(ctx, buildReq)
}

// rebootFlavor collapses pv-bootloader into pv-direct for a reboot,
// since the resolved kernel/ramdisk are reused verbatim.
func rebootFlavor(f types.BuilderFlavor) types.BuilderFlavor {
	if f == types.BuilderPVBootloader {
		return types.BuilderPVDirect
	}
	return f
}
