// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/builder"
	"github.com/openxenstack/domaind/hypervisor"
	"github.com/openxenstack/domaind/types"
	"github.com/openxenstack/domaind/xenstore"
)

// BuildRequest is "build": the flavor-specific kernel
// parameters plus the CPUID policy to apply once the domain exists.
type BuildRequest struct {
	VmId types.VmId

	Flavor       types.BuilderFlavor
	HVM          *types.HVMBuildInfo
	PVDirect     *types.PVDirectBuildInfo
	PVBootloader *types.PVBootloaderBuildInfo

	MemoryMaxKiB    uint64
	MemoryTargetKiB uint64

	CPUID []hypervisor.CPUIDEntry

	Task Task
}

// Build runs "build" transition against a domain that
// create has already produced: resolves the flavor-specific
// kernel/cmdline/ramdisk, invokes the builder helper, records the
// store/console rings, and applies the CPUID policy. Any failure
// deletes whatever kernel/ramdisk was extracted for this attempt
// and leaves the domain otherwise untouched
// for the caller to destroy.
func (e *Engine) Build(ctx context.Context, req BuildRequest) error {
	return e.queues.SubmitSync(req.VmId, func() error {
		return e.doBuild(ctx, req)
	})
}

func (e *Engine) doBuild(ctx context.Context, req BuildRequest) error {
	if req.Task == nil {
		req.Task = NoopTask{}
	}
	if err := hypervisor.ValidateCPUIDEntries(req.CPUID); err != nil {
		return err
	}

	extra, err := e.store.Load(req.VmId)
	if err != nil {
		return err
	}
	if !extra.DomId.Valid() {
		return types.NewErrorf(types.KindDomainNotBuilt, "vm %s has no live domain", req.VmId)
	}
	domid := extra.DomId

	info := &types.BuildInfo{
		Flavor:          req.Flavor,
		MemoryMaxKiB:    req.MemoryMaxKiB,
		MemoryTargetKiB: req.MemoryTargetKiB,
		VCPUs:           extra.VCPUs,
		HVM:             req.HVM,
		PVDirect:        req.PVDirect,
		PVBootloader:    req.PVBootloader,
	}

	args, extraFiles, cleanup, err := e.resolveBuildArgs(ctx, domid, req, info)
	if err != nil {
		return err
	}
	defer cleanup(false)

	onSuspend := func() error {
		return e.doRequestShutdown(ctx, req.VmId, types.ShutdownSuspend, e.cfg.SuspendShutdownAckTimeout)
	}

	result, err := e.builder.Run(ctx, args, extraFiles, taskProgressSink{req.Task}, logDebugSink{e.log}, onSuspend)
	if err != nil {
		cleanup(true)
		return err
	}

	if err := e.writeBuildXenstore(ctx, domid, req, info, result); err != nil {
		cleanup(true)
		return err
	}

	if req.Flavor == types.BuilderHVM {
		if err := e.verifyShadowAllocation(domid, extra.MemoryStaticMaxKiB, extra.VCPUs, req.HVM.ShadowMultiplier); err != nil {
			cleanup(true)
			return err
		}
	}

	if len(req.CPUID) > 0 {
		if err := e.control.CPUIDSet(domid, req.CPUID); err != nil {
			cleanup(true)
			return err
		}
	} else if err := e.control.CPUIDApply(domid); err != nil {
		cleanup(true)
		return err
	}

	extra.BuildInfo = info
	extra.Ty = req.Flavor
	if err := e.store.Save(extra); err != nil {
		cleanup(true)
		return err
	}

	e.publish(types.NewVmUpdate(req.VmId))
	return nil
}

// resolveBuildArgs turns a BuildRequest into the argv the builder
// helper expects for its flavor, running a bootloader against the
// boot disk first for the indirect-PV path ( "PV indirect
// runs a bootloader against the first boot disk"). cleanup(deleteAll)
// removes any kernel/ramdisk this call extracted; deleteAll is false
// on the ordinary path (nothing to delete for HVM/PVDirect) and true
// on any failure downstream of a bootloader extraction.
func (e *Engine) resolveBuildArgs(ctx context.Context, domid types.DomId, req BuildRequest, info *types.BuildInfo) (args []string, extraFiles []*os.File, cleanup func(deleteAll bool), err error) {
	noop := func(bool) {}

	switch req.Flavor {
	case types.BuilderHVM:
		if req.HVM == nil {
			return nil, nil, noop, types.NewErrorf(types.KindDomainNotBuilt, "hvm build requested without HVMBuildInfo")
		}
		args = []string{
			"build", "hvm",
			fmt.Sprintf("--domid=%d", domid),
			fmt.Sprintf("--memory-max-kib=%d", req.MemoryMaxKiB),
			fmt.Sprintf("--shadow-multiplier=%f", req.HVM.ShadowMultiplier),
		}
		return args, nil, noop, nil

	case types.BuilderPVDirect:
		if req.PVDirect == nil {
			return nil, nil, noop, types.NewErrorf(types.KindDomainNotBuilt, "pv-direct build requested without PVDirectBuildInfo")
		}
		info.ResolvedKernel = req.PVDirect.Kernel
		info.ResolvedRamdisk = req.PVDirect.Ramdisk
		args = e.pvArgs(domid, req.MemoryMaxKiB, req.PVDirect.Kernel, req.PVDirect.Cmdline, req.PVDirect.Ramdisk)
		return args, nil, noop, nil

	case types.BuilderPVBootloader:
		if req.PVBootloader == nil {
			return nil, nil, noop, types.NewErrorf(types.KindDomainNotBuilt, "pv-bootloader build requested without PVBootloaderBuildInfo")
		}
		kernel, ramdisk, cmdline, err := e.runBootloader(ctx, req.PVBootloader)
		if err != nil {
			return nil, nil, noop, err
		}
		info.ResolvedKernel = kernel
		info.ResolvedRamdisk = ramdisk
		cleanup = func(deleteAll bool) {
			if !deleteAll {
				return
			}
			if kernel != "" {
				if rmErr := os.Remove(kernel); rmErr != nil && !os.IsNotExist(rmErr) {
					e.log.Warnf("bootloader cleanup: remove %s: %v", kernel, rmErr)
				}
			}
			if ramdisk != "" {
				if rmErr := os.Remove(ramdisk); rmErr != nil && !os.IsNotExist(rmErr) {
					e.log.Warnf("bootloader cleanup: remove %s: %v", ramdisk, rmErr)
				}
			}
		}
		args = e.pvArgs(domid, req.MemoryMaxKiB, kernel, cmdline, ramdisk)
		return args, nil, cleanup, nil

	default:
		return nil, nil, noop, types.NewErrorf(types.KindNotSupported, "unknown build flavor %q", req.Flavor)
	}
}

func (e *Engine) pvArgs(domid types.DomId, memKiB uint64, kernel, cmdline, ramdisk string) []string {
	args := []string{
		"build", "pv",
		fmt.Sprintf("--domid=%d", domid),
		fmt.Sprintf("--memory-max-kib=%d", memKiB),
		fmt.Sprintf("--kernel=%s", kernel),
		fmt.Sprintf("--cmdline=%s", cmdline),
	}
	if ramdisk != "" {
		args = append(args, fmt.Sprintf("--ramdisk=%s", ramdisk))
	}
	return args
}

// runBootloader shells to the configured bootloader against the boot
// disk's already-activated local path, returning the kernel/ramdisk it
// extracted plus the cmdline it printed. Wraps every failure as
// BootloaderError.
func (e *Engine) runBootloader(ctx context.Context, info *types.PVBootloaderBuildInfo) (kernel, ramdisk, cmdline string, err error) {
	out, err := base.Exec(e.log, info.Bootloader, "--disk", info.BootDisk).WithContext(ctx).Output()
	if err != nil {
		return "", "", "", types.ErrBootloader(info.Bootloader, err.Error())
	}
	kernel, ramdisk, cmdline, perr := parseBootloaderOutput(string(out))
	if perr != nil {
		return "", "", "", types.ErrBootloader(info.Bootloader, perr.Error())
	}
	if kernel == "" {
		return "", "", "", types.NewErrorf(types.KindNoBootableDevice, "bootloader produced no kernel for %s", info.BootDisk)
	}
	return kernel, ramdisk, cmdline, nil
}

// parseBootloaderOutput reads the bootloader's line-based report:
// "kernel <path>", optional "ramdisk <path>", "cmdline <text>".
func parseBootloaderOutput(out string) (kernel, ramdisk, cmdline string, err error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "kernel "):
			kernel = strings.TrimPrefix(line, "kernel ")
		case strings.HasPrefix(line, "ramdisk "):
			ramdisk = strings.TrimPrefix(line, "ramdisk ")
		case strings.HasPrefix(line, "cmdline "):
			cmdline = strings.TrimPrefix(line, "cmdline ")
		}
	}
	return kernel, ramdisk, cmdline, nil
}

// verifyShadowAllocation re-reads the shadow allocation the hypervisor
// actually granted an HVM domain after build and restores it if the
// hypervisor silently reduced it below what shadow_multiplier
// requested (a low-memory host can do this during domain_create).
func (e *Engine) verifyShadowAllocation(domid types.DomId, staticMaxKiB uint64, vcpus int, shadowMultiplier float64) error {
	wantMiB := ShadowAllocationMiB(staticMaxKiB/1024, vcpus, shadowMultiplier)
	gotMiB, err := e.control.ShadowAllocationGet(domid)
	if err != nil {
		return err
	}
	if gotMiB >= wantMiB {
		return nil
	}
	e.log.Warnf("domain %d shadow allocation reverted to %dMiB, restoring %dMiB", domid, gotMiB, wantMiB)
	return e.control.ShadowAllocationSet(domid, wantMiB)
}

// writeBuildXenstore records the store and console ring references
// the build produced, allocates their event-channel ports, and writes
// the memory bounds and rtc offset the guest reads at boot.
func (e *Engine) writeBuildXenstore(ctx context.Context, domid types.DomId, req BuildRequest, info *types.BuildInfo, result *builder.BuildResult) error {
	storePort, err := e.control.EvtchnAllocUnbound(domid, DomZero)
	if err != nil {
		return types.NewErrorf(types.KindInternalError, "alloc store evtchn for domain %d: %v", domid, err)
	}
	consolePort, err := e.control.EvtchnAllocUnbound(domid, DomZero)
	if err != nil {
		return types.NewErrorf(types.KindInternalError, "alloc console evtchn for domain %d: %v", domid, err)
	}

	var rtcOffset int64
	if req.HVM != nil {
		rtcOffset = req.HVM.TimeOffsetSeconds
	}

	domPath := xenstore.DomainPath(domid)
	return e.xs.Transaction(ctx, func(tx xenstore.Tx) error {
		fields := map[string]string{
			"store/ring-ref":          fmt.Sprintf("%d", result.StoreMfn),
			"store/port":              fmt.Sprintf("%d", storePort),
			"console/ring-ref":        fmt.Sprintf("%d", result.ConsoleMfn),
			"console/port":            fmt.Sprintf("%d", consolePort),
			"memory/static-max":       fmt.Sprintf("%d", info.MemoryMaxKiB),
			"memory/target":           fmt.Sprintf("%d", info.MemoryTargetKiB),
			"platform/rtc/timeoffset": fmt.Sprintf("%d", rtcOffset),
		}
		for k, v := range fields {
			if err := tx.Write(ctx, xenstore.Join(domPath, k), v); err != nil {
				return err
			}
		}
		if result.Protocol != "" {
			if err := tx.Write(ctx, xenstore.Join(domPath, "store", "protocol"), result.Protocol); err != nil {
				return err
			}
		}
		return nil
	})
}
