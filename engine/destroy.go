// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/openxenstack/domaind/types"
	"github.com/openxenstack/domaind/xenstore"
)

// DestroyRequest is "destroy": tear the domain and its
// devices down and erase the persistent record, unless PreserveVmPath
// asks to keep the per-uuid control-tree subtree across the teardown
// (used by reboot, which re-enters create/build against the same
// VmExtra).
type DestroyRequest struct {
	VmId           types.VmId
	PreserveVmPath bool
}

// Destroy runs "destroy" transition: hypervisor
// destroy, device-model stop, hard shutdown of every VBD, best-effort
// release of hotplug resources, control-tree cleanup, and a poll for
// the domain to actually leave the dying state within DyingWallBudget
// ( "destroy.. polls the hypervisor domain list.. 30s
// wall budget, 5s cadence, else StuckInDyingState"). VmExtra is erased
// unless the domain's last shutdown_code was Suspend, in which case
// the suspend image it left behind is the caller's data to keep.
func (e *Engine) Destroy(ctx context.Context, req DestroyRequest) error {
	return e.queues.SubmitSync(req.VmId, func() error {
		return e.doDestroy(ctx, req)
	})
}

func (e *Engine) doDestroy(ctx context.Context, req DestroyRequest) error {
	extra, err := e.store.Load(req.VmId)
	if err != nil {
		if types.IsKind(err, types.KindDoesNotExist) {
			return nil
		}
		return err
	}

	keepExtra := extra.HasSuspendImage()

	if extra.DomId.Valid() {
		domid := extra.DomId
		if info, infoErr := e.control.DomainGetInfo(domid); infoErr == nil && info.ShutdownCode == types.ShutdownCodeSuspend {
			keepExtra = true
		}

		if err := e.devices.StopDeviceModel(ctx, domid); err != nil {
			e.log.Errorf("destroy(%s): stop device model: %v", req.VmId, err)
		}
		if err := e.devices.HardShutdownAllVBDs(ctx, vbdRefs(domid, extra.VBDs)); err != nil {
			e.log.Errorf("destroy(%s): hard shutdown vbds: %v", req.VmId, err)
		}
		for _, v := range extra.VBDs {
			devID, kerr := v.Iface.DeviceKey()
			if kerr != nil {
				continue
			}
			if err := e.devices.ReleaseVBD(ctx, domid, v.BackendDomId, devID); err != nil {
				e.log.Errorf("destroy(%s): release vbd %d: %v", req.VmId, devID, err)
			}
		}
		for _, v := range extra.VIFs {
			if err := e.devices.ReleaseVIF(ctx, domid, DomZero, v.LogicalID); err != nil {
				e.log.Errorf("destroy(%s): release vif %d: %v", req.VmId, v.LogicalID, err)
			}
		}

		if err := e.control.DomainDestroy(domid); err != nil {
			return types.NewErrorf(types.KindInternalError, "destroy domain %d: %v", domid, err)
		}

		if err := e.pollDomainGone(ctx, domid); err != nil {
			return err
		}

		if err := e.cleanupControlTree(ctx, req, domid); err != nil {
			e.log.Errorf("destroy(%s): control tree cleanup: %v", req.VmId, err)
		}
	}

	if keepExtra {
		extra.DomId = types.InvalidDomId
		if err := e.store.Save(extra); err != nil {
			return err
		}
	} else {
		if err := e.store.Delete(req.VmId); err != nil {
			return err
		}
	}

	e.publish(types.NewVmUpdate(req.VmId))
	return nil
}

// pollDomainGone waits for the hypervisor to stop reporting domid at
// all, within DyingWallBudget polled every DyingPollPeriod. A domain
// stuck past the budget raises StuckInDyingState and the sentinel
// "deadbeef-dead-beef-dead-beef0000<domid-hex>" is written to the log;
// the domain's own handle is left unchanged.
func (e *Engine) pollDomainGone(ctx context.Context, domid types.DomId) error {
	deadline := time.Now().Add(e.cfg.DyingWallBudget)
	for {
		list, err := e.control.DomainGetInfoList(domid)
		if err != nil {
			return err
		}
		gone := true
		for _, d := range list {
			if d.DomId == domid {
				gone = false
				break
			}
		}
		if gone {
			return nil
		}
		if time.Now().After(deadline) {
			e.log.Errorf("domain %d stuck in dying state past %s, sentinel %s", domid, e.cfg.DyingWallBudget, stuckInDyingSentinel(domid))
			return types.ErrStuckInDyingState(domid)
		}
		select {
		case <-ctx.Done():
			return types.NewError(types.KindCancelled)
		case <-time.After(e.cfg.DyingPollPeriod):
		}
	}
}

// stuckInDyingSentinel formats the fixed-pattern UUID a caller can use
// to recognize a domain that never left the dying state.
func stuckInDyingSentinel(domid types.DomId) string {
	return fmt.Sprintf("deadbeef-dead-beef-dead-beef0000%04x", uint16(domid))
}

func (e *Engine) cleanupControlTree(ctx context.Context, req DestroyRequest, domid types.DomId) error {
	if err := e.xs.Rm(ctx, xenstore.DomainPath(domid)); err != nil && !types.IsKind(err, types.KindDoesNotExist) {
		return err
	}
	if req.PreserveVmPath {
		return nil
	}
	return e.xs.Rm(ctx, xenstore.VmPath(string(req.VmId)))
}
