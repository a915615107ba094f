// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openxenstack/domaind/builder"
	"github.com/openxenstack/domaind/devices"
	"github.com/openxenstack/domaind/types"
)

// SuspendRequest names the target image path for
// "suspend".
type SuspendRequest struct {
	VmId      types.VmId
	ImagePath string
	Task      Task
}

// Suspend runs "suspend" transition: frame the image
// with the save magic, spawn the builder helper in save mode, and once
// it signals "suspend" issue request_shutdown(Suspend, 30s). After the
// guest actually disappears (up to SuspendWaitTimeout), capture the
// device-model state for HVM guests, record suspend_memory_bytes, hard
// shut down every VBD, and destroy the now-empty domain.
func (e *Engine) Suspend(ctx context.Context, req SuspendRequest) error {
	return e.queues.SubmitSync(req.VmId, func() error {
		return e.doSuspend(ctx, req)
	})
}

func (e *Engine) doSuspend(ctx context.Context, req SuspendRequest) error {
	if req.Task == nil {
		req.Task = NoopTask{}
	}
	extra, err := e.store.Load(req.VmId)
	if err != nil {
		return err
	}
	if !extra.DomId.Valid() {
		return types.NewErrorf(types.KindDomainNotBuilt, "vm %s has no live domain", req.VmId)
	}
	domid := extra.DomId
	hvm := extra.CreateInfo.HVM

	imgFile, err := os.OpenFile(req.ImagePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return types.NewErrorf(types.KindIoError, "create suspend image %s: %v", req.ImagePath, err)
	}
	defer imgFile.Close()

	if err := builder.WriteSaveMagic(imgFile); err != nil {
		return types.NewErrorf(types.KindIoError, "write save magic: %v", err)
	}

	args := []string{"save", fmt.Sprintf("--domid=%d", domid)}
	onSuspend := func() error {
		return e.doRequestShutdown(ctx, req.VmId, types.ShutdownSuspend, e.cfg.SuspendShutdownAckTimeout)
	}
	if _, err := e.builder.Run(ctx, args, []*os.File{imgFile}, taskProgressSink{req.Task}, logDebugSink{e.log}, onSuspend); err != nil {
		return err
	}

	info, err := e.waitForShutdown(ctx, domid, e.cfg.SuspendWaitTimeout)
	if err != nil {
		return err
	}
	suspendBytes := info.TotalMemoryPages * types.PageSizeBytes

	if hvm {
		dmState, err := e.devices.SuspendDeviceModel(ctx, domid)
		if err != nil {
			return err
		}
		if err := builder.WriteDMState(imgFile, dmState); err != nil {
			return types.NewErrorf(types.KindIoError, "write dm state: %v", err)
		}
		if err := e.devices.StopDeviceModel(ctx, domid); err != nil {
			e.log.Errorf("suspend(%s): stop device model: %v", req.VmId, err)
		}
	}

	if err := e.devices.HardShutdownAllVBDs(ctx, vbdRefs(domid, extra.VBDs)); err != nil {
		e.log.Errorf("suspend(%s): hard shutdown vbds: %v", req.VmId, err)
	}
	for _, v := range extra.VBDs {
		if v.VDIName == "" {
			continue
		}
		if err := e.storage.Deactivate(ctx, v.VDIName); err != nil {
			e.log.Errorf("suspend(%s): deactivate vdi %s: %v", req.VmId, v.VDIName, err)
		}
	}

	if err := e.control.DomainDestroy(domid); err != nil {
		return types.NewErrorf(types.KindInternalError, "destroy suspended domain %d: %v", domid, err)
	}

	extra.SuspendMemoryBytes = suspendBytes
	extra.DomId = types.InvalidDomId
	if err := e.store.Save(extra); err != nil {
		return err
	}

	e.publish(types.NewVmUpdate(req.VmId))
	return nil
}

func vbdRefs(domid types.DomId, snaps []types.VBDSnapshot) []devices.VBDRef {
	refs := make([]devices.VBDRef, 0, len(snaps))
	for _, s := range snaps {
		devID, err := s.Iface.DeviceKey()
		if err != nil {
			continue
		}
		refs = append(refs, devices.VBDRef{DomId: domid, BackendDomId: s.BackendDomId, DevID: devID})
	}
	return refs
}

// waitForShutdown polls the hypervisor's domain info until the guest
// reports shutdown or timeout expires.
func (e *Engine) waitForShutdown(ctx context.Context, domid types.DomId, timeout time.Duration) (types.DomInfo, error) {
	deadline := time.Now().Add(timeout)
	for {
		info, err := e.control.DomainGetInfo(domid)
		if err != nil {
			return types.DomInfo{}, err
		}
		if info.Shutdown {
			return info, nil
		}
		if time.Now().After(deadline) {
			return types.DomInfo{}, types.NewErrorf(types.KindBackendTimeout, "domain %d did not shut down within %s", domid, timeout)
		}
		select {
		case <-ctx.Done():
			return types.DomInfo{}, types.NewError(types.KindCancelled)
		case <-time.After(e.cfg.DyingPollPeriod):
		}
	}
}
