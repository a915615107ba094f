// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package devices

import (
	"context"
	"fmt"

	"github.com/openxenstack/domaind/types"
	"github.com/openxenstack/domaind/xenstore"
)

// PCISpec is the set of parameters names for a PCI
// passthrough device: the host BDF plus the msitranslate and
// pci_power_mgmt flags, which only the PV plug path (PlugPCIPV) writes.
type PCISpec struct {
	LogicalID    int
	HostBDF      string
	MsiTranslate bool
	PciPowerMgmt bool
}

// BindHostDevice checks that the host device may be passed through:
// it reads the device's PCI class from sysfs and refuses a bridge. It
// does not unbind the device from its host driver and writes nothing
// to the control tree.
func (s *Supervisor) BindHostDevice(ctx context.Context, vmid types.VmId, spec PCISpec) error {
	dev := NewHostPCIDevice(s.log, spec.HostBDF)
	isBridge, err := dev.IsBridge()
	if err != nil {
		return types.NewErrorf(types.KindInternalError, "pci bind %s: %v", spec.HostBDF, err)
	}
	if isBridge {
		return types.NewErrorf(types.KindDeviceDetachRejected, "refusing to passthrough PCI bridge %s", spec.HostBDF)
	}
	return nil
}

// PlugPCIHVM wires a bound host device into the HVM device-model
// configuration; the actual hotplug happens when the DM config is
// (re)applied.
func (s *Supervisor) PlugPCIHVM(ctx context.Context, domid types.DomId, spec PCISpec) error {
	path := xenstore.Join(xenstore.DomainPath(domid), "device", "pci", fmt.Sprintf("%d", spec.LogicalID))
	if err := s.xs.Mkdir(ctx, path); err != nil {
		return err
	}
	if err := s.xs.Write(ctx, xenstore.Join(path, "dev-0"), spec.HostBDF); err != nil {
		return err
	}
	return s.xs.Write(ctx, xenstore.Join(path, "private", "pci-id"), fmt.Sprintf("%d", spec.LogicalID))
}

// PlugPCIPV wires the device directly through the hypervisor for a PV
// guest, granting iomem permission for each of the device's memory
// BARs, and records the msitranslate and pci_power_mgmt flags. I/O-port
// BARs and the IRQ line get no permission grant here.
func (s *Supervisor) PlugPCIPV(ctx context.Context, domid types.DomId, spec PCISpec) error {
	dev := NewHostPCIDevice(s.log, spec.HostBDF)
	resources, err := dev.Resources()
	if err != nil {
		return types.NewErrorf(types.KindInternalError, "pci plug %s: %v", spec.HostBDF, err)
	}
	for _, r := range resources {
		if !r.valid() {
			continue
		}
		if r.isMem() {
			if err := s.control.IomemPermission(domid, r.start>>12, (r.size()+4095)>>12, true); err != nil {
				return err
			}
		}
	}
	path := xenstore.Join(xenstore.DomainPath(domid), "device", "pci", fmt.Sprintf("%d", spec.LogicalID))
	if err := s.xs.Mkdir(ctx, path); err != nil {
		return err
	}
	if err := s.xs.Write(ctx, xenstore.Join(path, "dev-0"), spec.HostBDF); err != nil {
		return err
	}
	msi := "0"
	if spec.MsiTranslate {
		msi = "1"
	}
	pm := "0"
	if spec.PciPowerMgmt {
		pm = "1"
	}
	if err := s.xs.Write(ctx, xenstore.Join(path, "msitranslate"), msi); err != nil {
		return err
	}
	if err := s.xs.Write(ctx, xenstore.Join(path, "power_mgmt"), pm); err != nil {
		return err
	}
	return s.xs.Write(ctx, xenstore.Join(path, "private", "pci-id"), fmt.Sprintf("%d", spec.LogicalID))
}

// UnplugPCI removes the frontend record and revokes any permissions
// PlugPCIPV granted.
func (s *Supervisor) UnplugPCI(ctx context.Context, domid types.DomId, spec PCISpec) error {
	dev := NewHostPCIDevice(s.log, spec.HostBDF)
	if resources, err := dev.Resources(); err == nil {
		for _, r := range resources {
			if r.valid() && r.isMem() {
				_ = s.control.IomemPermission(domid, r.start>>12, (r.size()+4095)>>12, false)
			}
		}
	}
	path := xenstore.Join(xenstore.DomainPath(domid), "device", "pci", fmt.Sprintf("%d", spec.LogicalID))
	return s.xs.Rm(ctx, path)
}
