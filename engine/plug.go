// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	"github.com/openxenstack/domaind/devices"
	"github.com/openxenstack/domaind/storage"
	"github.com/openxenstack/domaind/types"
)

// PlugVBDRequest is "VBD.add": a disk pointer resolved
// through the Storage client, then wired to the guest as a block
// device frontend.
type PlugVBDRequest struct {
	VmId         types.VmId
	LogicalID    int
	Iface        types.DiskInterface
	Disk         storage.DiskPointer
	ReadWrite    bool
	BackendType  string
	BackendDomId types.DomId
	Extra        map[string]string
}

// PlugVBD activates disk through the Storage client and adds the
// resulting backend/frontend pair, recording the plugged device in
// VmExtra so suspend/destroy can find it again later.
func (e *Engine) PlugVBD(ctx context.Context, req PlugVBDRequest) error {
	return e.queues.SubmitSync(req.VmId, func() error {
		return e.doPlugVBD(ctx, req)
	})
}

func (e *Engine) doPlugVBD(ctx context.Context, req PlugVBDRequest) error {
	extra, err := e.store.Load(req.VmId)
	if err != nil {
		return err
	}
	if !extra.DomId.Valid() {
		return types.NewErrorf(types.KindDomainNotBuilt, "vm %s has no live domain", req.VmId)
	}
	domid := extra.DomId

	mode := "r"
	if req.ReadWrite {
		mode = "w"
	}

	var attachedParams string
	err = e.storage.WithDisk(ctx, req.Disk, req.ReadWrite, func(localPath string) error {
		attachedParams = localPath
		return e.devices.AddVBD(ctx, req.VmId, domid, devices.VBDSpec{
			LogicalID:    req.LogicalID,
			Iface:        req.Iface,
			Mode:         mode,
			BackendType:  req.BackendType,
			Params:       localPath,
			BackendDomId: req.BackendDomId,
			Extra:        req.Extra,
		})
	})
	if err != nil {
		return err
	}

	extra.VBDs = append(extra.VBDs, types.VBDSnapshot{
		LogicalID:    req.LogicalID,
		Iface:        req.Iface,
		Mode:         mode,
		BackendType:  req.BackendType,
		Params:       attachedParams,
		BackendDomId: req.BackendDomId,
		Extra:        req.Extra,
		VDIName:      req.Disk.VDI,
	})
	if err := e.store.Save(extra); err != nil {
		return err
	}

	e.publish(types.NewVbdUpdate(req.VmId, req.Iface.LinuxDevice()))
	return nil
}

// UnplugVBDRequest names the device to remove by its logical id.
type UnplugVBDRequest struct {
	VmId      types.VmId
	LogicalID int
}

// UnplugVBD requests a clean shutdown, waits for the backend to
// confirm, then releases the frontend/backend subtree and forgets the
// device in VmExtra.
func (e *Engine) UnplugVBD(ctx context.Context, req UnplugVBDRequest) error {
	return e.queues.SubmitSync(req.VmId, func() error {
		return e.doUnplugVBD(ctx, req)
	})
}

func (e *Engine) doUnplugVBD(ctx context.Context, req UnplugVBDRequest) error {
	extra, err := e.store.Load(req.VmId)
	if err != nil {
		return err
	}
	if !extra.DomId.Valid() {
		return types.NewErrorf(types.KindDomainNotBuilt, "vm %s has no live domain", req.VmId)
	}
	domid := extra.DomId

	idx := -1
	for i, v := range extra.VBDs {
		if v.LogicalID == req.LogicalID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return types.NewErrorf(types.KindDeviceNotConnected, "vm %s has no vbd with logical id %d", req.VmId, req.LogicalID)
	}
	v := extra.VBDs[idx]
	devID, err := v.Iface.DeviceKey()
	if err != nil {
		return types.NewErrorf(types.KindBadInterfaceName, "%v", err)
	}

	if err := e.devices.RequestVBDShutdown(ctx, domid, v.BackendDomId, devID); err != nil {
		return err
	}
	if err := e.devices.WaitVBDShutdown(ctx, domid, v.BackendDomId, devID); err != nil {
		if !types.IsKind(err, types.KindBackendTimeout) {
			return err
		}
		if err := e.devices.HardShutdownVBD(ctx, domid, v.BackendDomId, devID); err != nil {
			return err
		}
	}
	if err := e.devices.ReleaseVBD(ctx, domid, v.BackendDomId, devID); err != nil {
		return err
	}

	extra.VBDs = append(extra.VBDs[:idx], extra.VBDs[idx+1:]...)
	if err := e.store.Save(extra); err != nil {
		return err
	}

	e.publish(types.NewVbdUpdate(req.VmId, v.Iface.LinuxDevice()))
	return nil
}

// PlugVIFRequest is "VIF.add".
type PlugVIFRequest struct {
	VmId         types.VmId
	LogicalID    int
	DevID        int
	BackendDomId types.DomId
	Spec         devices.VIFSpec
}

// PlugVIF adds a network frontend/backend pair and records it in
// VmExtra.
func (e *Engine) PlugVIF(ctx context.Context, req PlugVIFRequest) error {
	return e.queues.SubmitSync(req.VmId, func() error {
		return e.doPlugVIF(ctx, req)
	})
}

func (e *Engine) doPlugVIF(ctx context.Context, req PlugVIFRequest) error {
	extra, err := e.store.Load(req.VmId)
	if err != nil {
		return err
	}
	if !extra.DomId.Valid() {
		return types.NewErrorf(types.KindDomainNotBuilt, "vm %s has no live domain", req.VmId)
	}
	domid := extra.DomId

	if err := e.devices.AddVIF(ctx, req.VmId, domid, req.BackendDomId, req.DevID, req.Spec); err != nil {
		return err
	}

	extra.VIFs = append(extra.VIFs, types.VIFSnapshot{
		LogicalID:   req.Spec.LogicalID,
		MAC:         req.Spec.MAC,
		MTU:         req.Spec.MTU,
		NetworkKind: "bridge",
		Bridge:      req.Spec.Network.Bridge,
		Rate:        req.Spec.Rate,
		OtherConfig: req.Spec.OtherConfig,
	})
	if err := e.store.Save(extra); err != nil {
		return err
	}

	e.publish(types.NewVifUpdate(req.VmId, req.Spec.LogicalID))
	return nil
}

// UnplugVIFRequest names the device to remove by its logical id.
type UnplugVIFRequest struct {
	VmId         types.VmId
	LogicalID    int
	DevID        int
	BackendDomId types.DomId
}

// UnplugVIF releases the frontend/backend subtree and forgets the
// device in VmExtra.
func (e *Engine) UnplugVIF(ctx context.Context, req UnplugVIFRequest) error {
	return e.queues.SubmitSync(req.VmId, func() error {
		return e.doUnplugVIF(ctx, req)
	})
}

func (e *Engine) doUnplugVIF(ctx context.Context, req UnplugVIFRequest) error {
	extra, err := e.store.Load(req.VmId)
	if err != nil {
		return err
	}
	if !extra.DomId.Valid() {
		return types.NewErrorf(types.KindDomainNotBuilt, "vm %s has no live domain", req.VmId)
	}
	domid := extra.DomId

	idx := -1
	for i, v := range extra.VIFs {
		if v.LogicalID == req.LogicalID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return types.NewErrorf(types.KindDeviceNotConnected, "vm %s has no vif with logical id %d", req.VmId, req.LogicalID)
	}

	if err := e.devices.ReleaseVIF(ctx, domid, req.BackendDomId, req.DevID); err != nil {
		return err
	}

	extra.VIFs = append(extra.VIFs[:idx], extra.VIFs[idx+1:]...)
	if err := e.store.Save(extra); err != nil {
		return err
	}

	e.publish(types.NewVifUpdate(req.VmId, req.LogicalID))
	return nil
}

// PlugPCIRequest is PCI passthrough plug, dispatched to
// the HVM device-model path or the PV hypervisor-permission path
// depending on the domain's create_info.
type PlugPCIRequest struct {
	VmId types.VmId
	Spec devices.PCISpec
}

// PlugPCI binds the host device then wires it in via the HVM or PV
// path according to how the domain was created.
func (e *Engine) PlugPCI(ctx context.Context, req PlugPCIRequest) error {
	return e.queues.SubmitSync(req.VmId, func() error {
		return e.doPlugPCI(ctx, req)
	})
}

func (e *Engine) doPlugPCI(ctx context.Context, req PlugPCIRequest) error {
	extra, err := e.store.Load(req.VmId)
	if err != nil {
		return err
	}
	if !extra.DomId.Valid() {
		return types.NewErrorf(types.KindDomainNotBuilt, "vm %s has no live domain", req.VmId)
	}
	domid := extra.DomId

	if err := e.devices.BindHostDevice(ctx, req.VmId, req.Spec); err != nil {
		return err
	}
	if extra.CreateInfo.HVM {
		if err := e.devices.PlugPCIHVM(ctx, domid, req.Spec); err != nil {
			return err
		}
	} else {
		if err := e.devices.PlugPCIPV(ctx, domid, req.Spec); err != nil {
			return err
		}
	}

	e.publish(types.NewPciUpdate(req.VmId, req.Spec.HostBDF))
	return nil
}

// UnplugPCI removes a previously plugged passthrough device.
func (e *Engine) UnplugPCI(ctx context.Context, req PlugPCIRequest) error {
	return e.queues.SubmitSync(req.VmId, func() error {
		return e.doUnplugPCI(ctx, req)
	})
}

func (e *Engine) doUnplugPCI(ctx context.Context, req PlugPCIRequest) error {
	extra, err := e.store.Load(req.VmId)
	if err != nil {
		return err
	}
	if !extra.DomId.Valid() {
		return types.NewErrorf(types.KindDomainNotBuilt, "vm %s has no live domain", req.VmId)
	}
	if err := e.devices.UnplugPCI(ctx, extra.DomId, req.Spec); err != nil {
		return err
	}
	e.publish(types.NewPciUpdate(req.VmId, req.Spec.HostBDF))
	return nil
}
