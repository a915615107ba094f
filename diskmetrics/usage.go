// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package diskmetrics

import (
	"context"
	"strconv"
	"strings"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/types"
)

// PartitionSize shells to lsblk for the byte size of a linux block
// device name (e.g. "xvda1"), and reports whether it is a partition
// rather than a whole disk -- used by the indirect-PV bootloader path
// to pick the first boot-capable partition off an attached disk.
func (n *Inspector) PartitionSize(ctx context.Context, linuxDevice string) (size uint64, isPartition bool, err error) {
	devPath := "/dev/" + linuxDevice
	out, err := base.Exec(n.log, "lsblk", "-nbdo", "SIZE", devPath).WithContext(ctx).Output()
	if err != nil {
		return 0, false, types.NewErrorf(types.KindIoError, "lsblk -nbdo SIZE %s: %v", devPath, err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0, false, types.NewErrorf(types.KindIoError, "lsblk -nbdo SIZE %s: empty output", devPath)
	}
	val, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, false, types.NewErrorf(types.KindIoError, "lsblk -nbdo SIZE %s: %v", devPath, err)
	}

	typeOut, err := base.Exec(n.log, "lsblk", "-nbdo", "TYPE", devPath).WithContext(ctx).Output()
	if err != nil {
		return val, false, types.NewErrorf(types.KindIoError, "lsblk -nbdo TYPE %s: %v", devPath, err)
	}
	return val, strings.EqualFold(strings.TrimSpace(string(typeOut)), "part"), nil
}
