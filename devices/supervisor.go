// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package devices implements the Device Supervisor:
// VBD/VIF/PCI frontend-backend wiring and the HVM device-model
// process, plus host PCI introspection used when binding a device for
// passthrough.
package devices

import (
	"context"
	"fmt"
	"time"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/hypervisor"
	"github.com/openxenstack/domaind/types"
	"github.com/openxenstack/domaind/xenstore"
)

// Supervisor drives VBD/VIF/PCI frontends and backends against the
// control tree, and the device-model process for HVM guests.
type Supervisor struct {
	log     base.Logger
	xs      xenstore.Client
	control hypervisor.Control
	dm      DMLauncher
}

// NewSupervisor returns a Supervisor wired to the given collaborators.
func NewSupervisor(log base.Logger, xs xenstore.Client, control hypervisor.Control, dm DMLauncher) *Supervisor {
	return &Supervisor{log: log, xs: xs, control: control, dm: dm}
}

// kindVBD, kindVIF, kindPCI name the per-frontend key each device kind
// tags with its logical id "each plug records the
// logical device id under the frontend's private control-tree path
// under key <kind>-id".
const (
	kindVBD = "vbd"
	kindVIF = "vif"
	kindPCI = "pci"
)

// recordDeviceID tags the frontend's private path with <kind>-id so
// that a later lookup by (VmId, kind, logical-id) is injective.
func (s *Supervisor) recordDeviceID(ctx context.Context, domid types.DomId, kind string, devID, logicalID int) error {
	path := xenstore.FrontendPath(domid, kind, devID)
	if err := s.xs.Mkdir(ctx, path); err != nil {
		return err
	}
	return s.xs.Write(ctx, xenstore.Join(path, "private", kind+"-id"), fmt.Sprintf("%d", logicalID))
}

// LookupByLogicalID scans a domain's frontends of one kind for the
// device whose <kind>-id matches logicalID, the reverse of
// recordDeviceID.
func (s *Supervisor) LookupByLogicalID(ctx context.Context, domid types.DomId, kind string, logicalID int) (devID int, found bool, err error) {
	base := xenstore.Join(xenstore.DomainPath(domid), "device", kind)
	children, err := s.xs.Directory(ctx, base)
	if err != nil {
		if types.IsKind(err, types.KindDoesNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	for _, c := range children {
		var id int
		if _, scanErr := fmt.Sscanf(c, "%d", &id); scanErr != nil {
			continue
		}
		val, readErr := s.xs.Read(ctx, xenstore.Join(xenstore.FrontendPath(domid, kind, id), "private", kind+"-id"))
		if readErr != nil {
			continue
		}
		var got int
		if _, scanErr := fmt.Sscanf(val, "%d", &got); scanErr == nil && got == logicalID {
			return id, true, nil
		}
	}
	return 0, false, nil
}

// BackendTimeout is the overall wall budget names for
// hard-shutdown of VBDs waiting on backend completion watches.
const BackendTimeout = 30 * time.Second

// waitForBackendDone blocks on path's shutdown-done watch up to
// timeout, raising BackendTimeout on expiry.
func waitForBackendDone(ctx context.Context, xs xenstore.Client, path string, timeout time.Duration) error {
	watchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch, err := xs.Watch(watchCtx, xenstore.Join(path, "shutdown-done"))
	if err != nil {
		return err
	}
	defer xs.Unwatch(xenstore.Join(path, "shutdown-done"))

	for {
		v, err := xs.Read(ctx, xenstore.Join(path, "shutdown-done"))
		if err == nil && v != "" {
			return nil
		}
		select {
		case <-ch:
			continue
		case <-watchCtx.Done():
			return types.NewErrorf(types.KindBackendTimeout, "backend %s did not complete shutdown within %s", path, timeout)
		}
	}
}
