// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package devices

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/openxenstack/domaind/base"
)

// sysfsPciDevices is where the host exposes PCI device metadata; bind,
// resource and class introspection for "PCI: bind host
// device" all read from here.
const sysfsPciDevices = "/sys/bus/pci/devices/"

//revive:disable:var-naming
const (
	ioresourceTypeBits = 0x00001f00
	ioresourceMem      = 0x00000200
)

const pciBaseClassBridge = "0x06"

//revive:enable:var-naming

// pciResource is one BAR of a PCI device, as read from its sysfs
// "resource" file.
type pciResource struct {
	start uint64
	end   uint64
	flags uint64
	index int
}

func (r pciResource) size() uint64 { return r.end - r.start + 1 }
func (r pciResource) valid() bool  { return r.flags != 0 && r.start != 0 && r.end != 0 }
func (r pciResource) isMem() bool  { return r.flags&ioresourceTypeBits == ioresourceMem }

// HostPCIDevice is one PCI function on the host, identified by its BDF
// ("bus:device.function") long address. The Device Supervisor binds
// these to a guest for passthrough ( "PCI: bind host
// device; plug/unplug via device-model for HVM; plug via hypervisor
// for PV").
type HostPCIDevice struct {
	Long string

	log base.Logger
}

// NewHostPCIDevice wraps a BDF long address for sysfs introspection.
func NewHostPCIDevice(log base.Logger, long string) *HostPCIDevice {
	return &HostPCIDevice{Long: long, log: log}
}

// IsVGA reports whether the device exposes a boot_vga sysfs file at all.
func (d *HostPCIDevice) IsVGA() bool {
	_, err := os.Stat(filepath.Join(sysfsPciDevices, d.Long, "boot_vga"))
	return err == nil
}

// VendorID reads the device's PCI vendor id.
func (d *HostPCIDevice) VendorID() (string, error) {
	return d.readTrimmed("vendor")
}

// DeviceID reads the device's PCI device id.
func (d *HostPCIDevice) DeviceID() (string, error) {
	return d.readTrimmed("device")
}

func (d *HostPCIDevice) readTrimmed(file string) (string, error) {
	b, err := os.ReadFile(filepath.Join(sysfsPciDevices, d.Long, file))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// LongWithoutFunction strips the ".<function>" suffix, used when
// walking a multi-function device's siblings.
func (d *HostPCIDevice) LongWithoutFunction() (string, error) {
	parts := strings.Split(d.Long, ".")
	if len(parts) == 0 {
		return "", fmt.Errorf("could not split %s", d.Long)
	}
	return strings.Join(parts[:len(parts)-1], "."), nil
}

// IsBridge reports whether the device's PCI class marks it as a
// bridge. On read failure it conservatively assumes true, since
// treating a bridge as a plain device risks stranding its secondary
// bus during passthrough.
func (d *HostPCIDevice) IsBridge() (bool, error) {
	class, err := d.readTrimmed("class")
	if err != nil {
		d.log.Errorf("pci: can't read class of %s: %v", d.Long, err)
		return true, err
	}
	return strings.HasPrefix(class, pciBaseClassBridge), nil
}

// IsBootVGA reports whether the firmware left this device driving the
// boot console.
func (d *HostPCIDevice) IsBootVGA() (bool, error) {
	v, err := d.readTrimmed("boot_vga")
	if err != nil {
		d.log.Errorf("pci: can't read boot_vga of %s: %v", d.Long, err)
		return false, err
	}
	return v == "1", nil
}

// Resources reads every valid BAR of the device.
func (d *HostPCIDevice) Resources() ([]pciResource, error) {
	path := filepath.Join(sysfsPciDevices, d.Long)

	files, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("can't read PCI device directory %s: %w", path, err)
	}

	validIndex := map[int]bool{}
	re := regexp.MustCompile(`^resource(\d+)$`)
	for _, f := range files {
		m := re.FindStringSubmatch(f.Name())
		if len(m) != 2 {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("can't convert resource index %s: %w", m[1], err)
		}
		validIndex[idx] = true
	}

	data, err := os.ReadFile(filepath.Join(path, "resource"))
	if err != nil {
		return nil, fmt.Errorf("can't read resource file of %s: %w", d.Long, err)
	}

	var resources []pciResource
	for index, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" || !validIndex[index] {
			continue
		}
		var start, end, flags uint64
		if _, err := fmt.Sscanf(line, "0x%016x 0x%016x 0x%016x", &start, &end, &flags); err != nil {
			return nil, fmt.Errorf("can't decode resource line %q of %s: %w", line, d.Long, err)
		}
		resources = append(resources, pciResource{start: start, end: end, flags: flags, index: index})
	}
	return resources, nil
}
