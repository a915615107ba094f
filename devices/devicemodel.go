// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package devices

import (
	"context"

	"github.com/openxenstack/domaind/types"
)

// DisplayKind selects the HVM framebuffer's display transport.
type DisplayKind struct {
	VNC    bool
	Video  string
	IP     string
	Port   int
	Keymap string
}

// NicConfig, DiskConfig mirror the DM config fields names.
type NicConfig struct {
	MAC      string
	Bridge   string
	Position int
}

type DiskConfig struct {
	Path   string
	Format string
}

// DMConfig is the device-model configuration requires:
// "{memory, boot_order, serial, vcpus, nics[..], disks[], pci_emulations[],
// usb[], acpi, display=VNC(..), pci_passthrough, hvm, video_mib, extras[]}".
type DMConfig struct {
	MemoryKiB      uint64
	BootOrder      string
	Serial         string
	VCPUs          int
	Nics           []NicConfig
	Disks          []DiskConfig
	PciEmulations  []string
	Usb            []string
	Acpi           bool
	Display        DisplayKind
	PciPassthrough bool
	HVM            bool
	VideoMiB       int
	Extras         map[string]string
}

// DMLauncher is the process-supervision surface the device-model
// helper process is driven through; a real implementation execs the
// HVM device-model binary (qemu-dm-equivalent) the way builder.Helper
// execs the builder-helper, a fake backs engine tests.
type DMLauncher interface {
	Start(ctx context.Context, domid types.DomId, cfg DMConfig) error
	Restore(ctx context.Context, domid types.DomId, cfg DMConfig, state []byte) error
	Suspend(ctx context.Context, domid types.DomId) ([]byte, error)
	Resume(ctx context.Context, domid types.DomId) error
	Stop(ctx context.Context, domid types.DomId) error
	IsAlive(domid types.DomId) bool
}

// StartDeviceModel starts (HVM) or, for a PV guest with a framebuffer,
// starts the PV console/VNC path ( "For a PV guest with a
// framebuffer, start the PV console/VNC").
func (s *Supervisor) StartDeviceModel(ctx context.Context, domid types.DomId, cfg DMConfig) error {
	return s.dm.Start(ctx, domid, cfg)
}

func (s *Supervisor) RestoreDeviceModel(ctx context.Context, domid types.DomId, cfg DMConfig, state []byte) error {
	return s.dm.Restore(ctx, domid, cfg, state)
}

func (s *Supervisor) SuspendDeviceModel(ctx context.Context, domid types.DomId) ([]byte, error) {
	return s.dm.Suspend(ctx, domid)
}

func (s *Supervisor) ResumeDeviceModel(ctx context.Context, domid types.DomId) error {
	return s.dm.Resume(ctx, domid)
}

func (s *Supervisor) StopDeviceModel(ctx context.Context, domid types.DomId) error {
	return s.dm.Stop(ctx, domid)
}

func (s *Supervisor) IsDeviceModelAlive(domid types.DomId) bool {
	return s.dm.IsAlive(domid)
}

// NullDMLauncher is an in-memory DMLauncher fake for tests, grounded on
// the same "null backend" idiom as hypervisor.NewNullControl.
type NullDMLauncher struct {
	alive map[types.DomId]bool
}

func NewNullDMLauncher() *NullDMLauncher {
	return &NullDMLauncher{alive: map[types.DomId]bool{}}
}

func (n *NullDMLauncher) Start(ctx context.Context, domid types.DomId, cfg DMConfig) error {
	n.alive[domid] = true
	return nil
}

func (n *NullDMLauncher) Restore(ctx context.Context, domid types.DomId, cfg DMConfig, state []byte) error {
	n.alive[domid] = true
	return nil
}

func (n *NullDMLauncher) Suspend(ctx context.Context, domid types.DomId) ([]byte, error) {
	return []byte("fake-dm-state"), nil
}

func (n *NullDMLauncher) Resume(ctx context.Context, domid types.DomId) error {
	n.alive[domid] = true
	return nil
}

func (n *NullDMLauncher) Stop(ctx context.Context, domid types.DomId) error {
	delete(n.alive, domid)
	return nil
}

func (n *NullDMLauncher) IsAlive(domid types.DomId) bool {
	return n.alive[domid]
}
