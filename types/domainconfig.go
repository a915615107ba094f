// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// BuilderFlavor names the three ways a domain can be built.
type BuilderFlavor string

const (
	BuilderHVM          BuilderFlavor = "hvm"
	BuilderPVDirect     BuilderFlavor = "pv-direct"
	BuilderPVBootloader BuilderFlavor = "pv-bootloader"
)

// CreateInfo captures how the domain was created, stored as the
// VmExtra create_info field.
type CreateInfo struct {
	HVM           bool
	SecurityID    string
	Name          string
	InitialXSData map[string]string
}

// HVMBuildInfo is the hvmloader-specific subset of build parameters:
// pae, apic, acpi, nx, viridian, timeoffset, and shadow_multiplier.
type HVMBuildInfo struct {
	PAE               bool
	APIC              bool
	ACPI              bool
	NX                bool
	Viridian          bool
	TimeOffsetSeconds int64
	ShadowMultiplier  float64
}

// PVDirectBuildInfo is the direct-PV builder path: kernel/cmdline/ramdisk
// supplied by the caller verbatim.
type PVDirectBuildInfo struct {
	Kernel  string
	Cmdline string
	Ramdisk string // optional, "" if absent
}

// PVBootloaderBuildInfo is the indirect-PV path: a bootloader is run
// against the first boot disk to produce the effective kernel/cmdline/
// ramdisk, which are then deleted once the build completes.
type PVBootloaderBuildInfo struct {
	Bootloader string
	BootDisk   string // local path to the activated boot disk
}

// BuildInfo is the VmExtra build_info field: memory bounds, kernel
// path, VCPU count, and the PV-or-HVM builder parameters. Exactly one
// of HVM/PVDirect/PVBootloader is populated, selected by Flavor.
type BuildInfo struct {
	Flavor BuilderFlavor

	MemoryMaxKiB    uint64
	MemoryTargetKiB uint64
	VCPUs           int

	HVM          *HVMBuildInfo
	PVDirect     *PVDirectBuildInfo
	PVBootloader *PVBootloaderBuildInfo

	// ResolvedKernel/ResolvedRamdisk record the on-disk paths actually
	// passed to the builder helper, including anything extracted by a
	// bootloader run, so the build path can always find what to delete
	// on failure.
	ResolvedKernel  string
	ResolvedRamdisk string
}

// VBDSnapshot is a plugged VBD frontend as recorded in VmExtra, enough to
// regenerate the device-model disk model and to flush on suspend.
type VBDSnapshot struct {
	LogicalID    int
	Iface        DiskInterface
	Mode         string // "rw" | "ro"
	BackendType  string // "vbd" | "cdrom" | "floppy"
	Params       string
	BackendDomId DomId
	Extra        map[string]string

	// VDIName is the storage name this VBD was plugged from, empty for
	// a disk plugged directly from a local host path. Suspend uses it
	// to deactivate the backing VDI once the VBD itself is torn down.
	VDIName string
}

// VIFSnapshot is a plugged VIF frontend as recorded in VmExtra.
type VIFSnapshot struct {
	LogicalID   int
	MAC         string
	MTU         int
	NetworkKind string // "bridge" | "vswitch" | "netback"
	Bridge      string
	Rate        string
	OtherConfig map[string]string
}

// VmExtra is the persistent per-VM record It is the only
// state the engine owns across restarts; everything else is either
// derived from the hypervisor or owned by an external collaborator.
type VmExtra struct {
	VmId VmId `json:"vm_id"`

	DomId DomId `json:"domid"`

	CreateInfo CreateInfo `json:"create_info"`
	BuildInfo  *BuildInfo `json:"build_info,omitempty"`

	VCPUs              int     `json:"vcpus"`
	ShadowMultiplier   float64 `json:"shadow_multiplier"`
	MemoryStaticMaxKiB uint64  `json:"memory_static_max"`

	// SuspendMemoryBytes is 0 unless a resumable suspend image exists
	// (invariant 2).
	SuspendMemoryBytes uint64 `json:"suspend_memory_bytes"`

	Ty BuilderFlavor `json:"ty"`

	VBDs []VBDSnapshot `json:"vbds"`
	VIFs []VIFSnapshot `json:"vifs"`

	LastCreateTime time.Time `json:"last_create_time"`
}

// HasSuspendImage reports invariant 2: suspend_memory_bytes != 0 iff a
// valid suspend image exists.
func (v *VmExtra) HasSuspendImage() bool {
	return v.SuspendMemoryBytes != 0
}

// AnyResourcesSurvive reports invariant 1: VmExtra must exist whenever any
// host-side resource attributable to it still exists. Callers populate
// the flags from the live device/reservation/DM state they observe;
// this is a pure aggregation so the gc pass has one place
// to apply the rule.
func (v *VmExtra) AnyResourcesSurvive(domainLive, hasReservation, hasDMProcess bool) bool {
	return domainLive || hasReservation || hasDMProcess || v.HasSuspendImage() || len(v.VBDs) > 0 || len(v.VIFs) > 0
}
