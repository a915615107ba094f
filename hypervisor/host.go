// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package hypervisor

import (
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/openxenstack/domaind/base"
)

// HostCPUMem is a host memory/CPU snapshot. Nothing in this repository
// calls GetHostCPUMem; the ballooning-overhead formula
// (engine.OverheadKiB) does not consult host totals.
type HostCPUMem struct {
	TotalMemoryKiB uint64
	FreeMemoryKiB  uint64
	NumPCPUs       int
}

// GetHostCPUMem samples host memory and logical CPU count via gopsutil.
func GetHostCPUMem(log base.Logger) (HostCPUMem, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return HostCPUMem{}, err
	}
	ncpu, err := cpu.Counts(true)
	if err != nil {
		log.Warnf("cpu.Counts failed, falling back to 1: %v", err)
		ncpu = 1
	}
	return HostCPUMem{
		TotalMemoryKiB: vm.Total / 1024,
		FreeMemoryKiB:  vm.Available / 1024,
		NumPCPUs:       ncpu,
	}, nil
}
