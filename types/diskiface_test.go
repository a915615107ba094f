// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package types

import "testing"

func TestDiskNumberToInterfaceHVMPrefersIDE(t *testing.T) {
	iface, err := DiskNumberToInterface(true, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if iface.Bus != BusIde {
		t.Fatalf("expected IDE bus for low disk number on HVM, got %v", iface.Bus)
	}

	iface, err = DiskNumberToInterface(true, ideFanout)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if iface.Bus != BusXen {
		t.Fatalf("expected fall-through to Xen numbering past IDE fan-out, got %v", iface.Bus)
	}
}

func TestDiskNumberToInterfacePVAlwaysXen(t *testing.T) {
	iface, err := DiskNumberToInterface(false, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if iface.Bus != BusXen {
		t.Fatalf("expected Xen numbering for PV guest, got %v", iface.Bus)
	}
}

func TestLinuxDevice(t *testing.T) {
	cases := []struct {
		iface DiskInterface
		want  string
	}{
		{DiskInterface{Bus: BusXen, Disk: 0, Partition: 0}, "xvda"},
		{DiskInterface{Bus: BusXen, Disk: 1, Partition: 1}, "xvdb1"},
		{DiskInterface{Bus: BusScsi, Disk: 0, Partition: 0}, "sda"},
		{DiskInterface{Bus: BusIde, Disk: 1, Partition: 0}, "hdb"},
	}
	for _, c := range cases {
		if got := c.iface.LinuxDevice(); got != c.want {
			t.Errorf("LinuxDevice(%+v) = %q, want %q", c.iface, got, c.want)
		}
	}
}

func TestDeviceKeyIDEFanoutLimit(t *testing.T) {
	iface := DiskInterface{Bus: BusIde, Disk: ideFanout, Partition: 0}
	if _, err := iface.DeviceKey(); !IsKind(err, KindBadInterfaceName) {
		t.Fatalf("expected BadInterfaceName past IDE fan-out, got %v", err)
	}
}

func TestDiskNumberToInterfaceRejectsNegative(t *testing.T) {
	if _, err := DiskNumberToInterface(true, -1); !IsKind(err, KindBadInterfaceName) {
		t.Fatalf("expected BadInterfaceName for negative disk number, got %v", err)
	}
}
