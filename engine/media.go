// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	"github.com/openxenstack/domaind/storage"
	"github.com/openxenstack/domaind/types"
)

// InsertMediaRequest names the removable VBD by its logical id and the
// new disk to load into it.
type InsertMediaRequest struct {
	VmId      types.VmId
	LogicalID int
	Disk      storage.DiskPointer
}

// InsertMedia loads a new backing image into an already-plugged
// removable VBD without touching its frontend/backend subtree
// otherwise.
func (e *Engine) InsertMedia(ctx context.Context, req InsertMediaRequest) error {
	return e.queues.SubmitSync(req.VmId, func() error {
		return e.doInsertMedia(ctx, req)
	})
}

func (e *Engine) doInsertMedia(ctx context.Context, req InsertMediaRequest) error {
	extra, vbd, idx, err := e.findVBD(req.VmId, req.LogicalID)
	if err != nil {
		return err
	}
	domid := extra.DomId
	devID, err := vbd.Iface.DeviceKey()
	if err != nil {
		return err
	}

	var attachedParams string
	err = e.storage.WithDisk(ctx, req.Disk, false, func(localPath string) error {
		attachedParams = localPath
		return e.devices.InsertMedia(ctx, domid, vbd.BackendDomId, devID, localPath)
	})
	if err != nil {
		return err
	}

	extra.VBDs[idx].Params = attachedParams
	if err := e.store.Save(extra); err != nil {
		return err
	}
	e.publish(types.NewVbdUpdate(req.VmId, vbd.Iface.LinuxDevice()))
	return nil
}

// EjectMedia clears a removable VBD's backing image, leaving the
// frontend/backend pair itself in place.
func (e *Engine) EjectMedia(ctx context.Context, vmid types.VmId, logicalID int) error {
	return e.queues.SubmitSync(vmid, func() error {
		return e.doEjectMedia(ctx, vmid, logicalID)
	})
}

func (e *Engine) doEjectMedia(ctx context.Context, vmid types.VmId, logicalID int) error {
	extra, vbd, idx, err := e.findVBD(vmid, logicalID)
	if err != nil {
		return err
	}
	devID, err := vbd.Iface.DeviceKey()
	if err != nil {
		return err
	}
	if err := e.devices.EjectMedia(ctx, extra.DomId, vbd.BackendDomId, devID); err != nil {
		return err
	}
	extra.VBDs[idx].Params = ""
	if err := e.store.Save(extra); err != nil {
		return err
	}
	e.publish(types.NewVbdUpdate(vmid, vbd.Iface.LinuxDevice()))
	return nil
}

func (e *Engine) findVBD(vmid types.VmId, logicalID int) (*types.VmExtra, types.VBDSnapshot, int, error) {
	extra, err := e.store.Load(vmid)
	if err != nil {
		return nil, types.VBDSnapshot{}, -1, err
	}
	if !extra.DomId.Valid() {
		return nil, types.VBDSnapshot{}, -1, types.NewErrorf(types.KindDomainNotBuilt, "vm %s has no live domain", vmid)
	}
	for i, v := range extra.VBDs {
		if v.LogicalID == logicalID {
			return extra, v, i, nil
		}
	}
	return nil, types.VBDSnapshot{}, -1, types.NewErrorf(types.KindDeviceNotConnected, "vm %s has no vbd with logical id %d", vmid, logicalID)
}
