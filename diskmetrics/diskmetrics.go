// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package diskmetrics introspects the local files and block devices that
// back a VBD once the Storage client has attached and
// activated it: virtual/actual size of a disk image, and the size of a
// raw partition, needed to size hotplug params and to detect a
// bootloader's boot disk without asking the storage daemon a second
// time.
package diskmetrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/types"
)

// ImageInfo mirrors the subset of "qemu-img info --output=json" fields
// the engine needs to size a VBD backend.
type ImageInfo struct {
	VirtualSize uint64 `json:"virtual-size"`
	Filename    string `json:"filename"`
	ClusterSize uint64 `json:"cluster-size"`
	Format      string `json:"format"`
	ActualSize  uint64 `json:"actual-size"`
	DirtyFlag   bool   `json:"dirty-flag"`
}

// Inspector shells out to qemu-img/lsblk to introspect local disk
// backing files, the same way the builder-helper and hotplug scripts
// are exec'd elsewhere in this repo (base.Command).
type Inspector struct {
	log base.Logger
}

// NewInspector returns an Inspector that logs through log.
func NewInspector(log base.Logger) *Inspector {
	return &Inspector{log: log}
}

// ImageInfo runs "qemu-img info" against path and parses its JSON
// output. Fails IoError if the file is absent or qemu-img cannot parse
// it.
func (n *Inspector) ImageInfo(ctx context.Context, path string) (ImageInfo, error) {
	if _, err := os.Stat(path); err != nil {
		return ImageInfo{}, types.NewErrorf(types.KindIoError, "stat %s: %v", path, err)
	}
	out, err := base.Exec(n.log, "qemu-img", "info", "-U", "--output=json", path).WithContext(ctx).Output()
	if err != nil {
		return ImageInfo{}, types.NewErrorf(types.KindIoError, "qemu-img info %s: %v", path, err)
	}
	var info ImageInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return ImageInfo{}, types.NewErrorf(types.KindIoError, "qemu-img info %s: bad json: %v", path, err)
	}
	return info, nil
}

// VirtualSize is a convenience wrapper returning just the guest-visible
// size of the image at path, used when a bootloader run needs to know
// whether an extracted kernel fits alongside the disk image.
func (n *Inspector) VirtualSize(ctx context.Context, path string) (uint64, error) {
	info, err := n.ImageInfo(ctx, path)
	if err != nil {
		return 0, err
	}
	return info.VirtualSize, nil
}

// Resize grows or shrinks the image at path to newSize bytes, used when
// the engine composes/clones a VDI whose target size differs from its
// source.
func (n *Inspector) Resize(ctx context.Context, path string, newSize uint64) error {
	if _, err := os.Stat(path); err != nil {
		return types.NewErrorf(types.KindIoError, "stat %s: %v", path, err)
	}
	if _, err := base.Exec(n.log, "qemu-img", "resize", path, fmt.Sprintf("%d", newSize)).WithContext(ctx).CombinedOutput(); err != nil {
		return types.NewErrorf(types.KindIoError, "qemu-img resize %s: %v", path, err)
	}
	return nil
}

// DirSize walks dirname recursively and sums file sizes, used to
// report the on-disk footprint of a VM's private hotplug scratch
// directory in host-usage metrics.
func (n *Inspector) DirSize(dirname string) uint64 {
	var total uint64
	entries, err := os.ReadDir(dirname)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		full := dirname + "/" + entry.Name()
		if entry.IsDir() {
			total += n.DirSize(full)
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		total += uint64(fi.Size())
	}
	return total
}
