// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/openxenstack/domaind/builder"
	"github.com/openxenstack/domaind/devices"
	"github.com/openxenstack/domaind/hypervisor"
	"github.com/openxenstack/domaind/types"
)

// ResumeRequest carries everything a fresh domain needs (as in
// CreateRequest) plus the suspend image to restore from. The memory
// pre-flight is not repeated by the caller: because VmExtra still
// carries suspend_memory_bytes, the reservation Resume makes through
// doCreate is pinned to that exact figure rather than the dynamic
// range ( "resume.. uses the exact suspend_memory_bytes
// for both min and max of the reservation").
type ResumeRequest struct {
	Create CreateRequest

	ImagePath string
	DM        devices.DMConfig
	CPUID     []hypervisor.CPUIDEntry
	Task      Task
}

// Resume runs "resume"/"restore" transition: recreate
// the domain against the pinned suspend memory figure, verify the
// image's save magic, run the builder helper in restore mode, restore
// the device model for HVM guests from its captured state, and clear
// suspend_memory_bytes once the guest is live again.
func (e *Engine) Resume(ctx context.Context, req ResumeRequest) error {
	return e.queues.SubmitSync(req.Create.VmId, func() error {
		return e.doResume(ctx, req)
	})
}

func (e *Engine) doResume(ctx context.Context, req ResumeRequest) error {
	if req.Task == nil {
		req.Task = NoopTask{}
	}
	if err := hypervisor.ValidateCPUIDEntries(req.CPUID); err != nil {
		return err
	}

	preExtra, err := e.store.Load(req.Create.VmId)
	if err != nil {
		return err
	}
	if !preExtra.HasSuspendImage() {
		return types.NewErrorf(types.KindDomainNotBuilt, "vm %s has no suspend image to resume from", req.Create.VmId)
	}

	imgFile, err := os.Open(req.ImagePath)
	if err != nil {
		return types.NewErrorf(types.KindIoError, "open suspend image %s: %v", req.ImagePath, err)
	}
	defer imgFile.Close()
	if err := builder.ReadAndCheckSaveMagic(imgFile); err != nil {
		return err
	}

	if err := e.doCreate(ctx, req.Create); err != nil {
		return err
	}

	extra, err := e.store.Load(req.Create.VmId)
	if err != nil {
		return err
	}
	domid := extra.DomId
	hvm := extra.CreateInfo.HVM

	args := []string{"restore", fmt.Sprintf("--domid=%d", domid)}
	result, err := e.builder.Run(ctx, args, []*os.File{imgFile}, taskProgressSink{req.Task}, logDebugSink{e.log}, nil)
	if err != nil {
		if destroyErr := e.control.DomainDestroy(domid); destroyErr != nil {
			e.log.Errorf("resume(%s): destroy after failed restore: %v", req.Create.VmId, destroyErr)
		}
		return err
	}

	if extra.BuildInfo == nil {
		return types.NewErrorf(types.KindDomainNotBuilt, "vm %s has no build_info to resume from", req.Create.VmId)
	}
	buildReq := BuildRequest{HVM: extra.BuildInfo.HVM}
	if err := e.writeBuildXenstore(ctx, domid, buildReq, extra.BuildInfo, result); err != nil {
		return err
	}

	if hvm {
		dmState, err := builder.ReadDMState(imgFile)
		if err != nil {
			return err
		}
		if err := e.devices.RestoreDeviceModel(ctx, domid, req.DM, dmState); err != nil {
			return err
		}
	} else {
		if err := e.devices.StartDeviceModel(ctx, domid, req.DM); err != nil {
			e.log.Debugf("resume(%s): no pv framebuffer device model: %v", req.Create.VmId, err)
		}
	}

	if len(req.CPUID) > 0 {
		if err := e.control.CPUIDSet(domid, req.CPUID); err != nil {
			return err
		}
	} else if err := e.control.CPUIDApply(domid); err != nil {
		return err
	}

	extra.SuspendMemoryBytes = 0
	if err := e.store.Save(extra); err != nil {
		return err
	}

	e.publish(types.NewVmUpdate(req.Create.VmId))
	return nil
}
