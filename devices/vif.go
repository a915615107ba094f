// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package devices

import (
	"context"
	"fmt"

	"github.com/openxenstack/domaind/types"
	"github.com/openxenstack/domaind/xenstore"
)

// NetworkKind is the sum type names for VIF.add's network
// parameter: a plain bridge, a vswitch port, or another VM's netback.
type NetworkKind struct {
	Bridge       string
	VSwitch      string
	NetbackVmId  types.VmId
	NetbackDevID int
	isNetback    bool
	isVSwitch    bool
}

func BridgeKind(name string) NetworkKind  { return NetworkKind{Bridge: name} }
func VSwitchKind(name string) NetworkKind { return NetworkKind{VSwitch: name, isVSwitch: true} }
func NetbackKind(vmid types.VmId, devID int) NetworkKind {
	return NetworkKind{NetbackVmId: vmid, NetbackDevID: devID, isNetback: true}
}

func (k NetworkKind) kindString() string {
	switch {
	case k.isNetback:
		return "netback"
	case k.isVSwitch:
		return "vswitch"
	default:
		return "bridge"
	}
}

// VIFSpec is the set of parameters names for adding a
// network frontend/backend pair.
type VIFSpec struct {
	LogicalID   int
	Network     NetworkKind
	MAC         string
	MTU         int
	Rate        string
	Carrier     bool
	OtherConfig map[string]string
}

// AddVIF writes the frontend and backend control-tree records for one
// network device and tags the frontend with its logical id.
func (s *Supervisor) AddVIF(ctx context.Context, vmid types.VmId, domid types.DomId, backendDomid types.DomId, devID int, spec VIFSpec) error {
	backendPath := xenstore.BackendPath("vif", backendDomid, domid, devID)
	frontendPath := xenstore.FrontendPath(domid, "vif", devID)

	return s.xs.Transaction(ctx, func(tx xenstore.Tx) error {
		if err := tx.Mkdir(ctx, backendPath); err != nil {
			return err
		}
		backendFields := map[string]string{
			"frontend-id": fmt.Sprintf("%d", domid),
			"mac":         spec.MAC,
			"bridge":      spec.Network.Bridge,
			"kind":        spec.Network.kindString(),
			"rate":        spec.Rate,
		}
		if spec.Carrier {
			backendFields["carrier"] = "1"
		} else {
			backendFields["carrier"] = "0"
		}
		for k, v := range spec.OtherConfig {
			backendFields[k] = v
		}
		for k, v := range backendFields {
			if err := tx.Write(ctx, xenstore.Join(backendPath, k), v); err != nil {
				return err
			}
		}

		if err := tx.Mkdir(ctx, frontendPath); err != nil {
			return err
		}
		frontendFields := map[string]string{
			"backend":    backendPath,
			"backend-id": fmt.Sprintf("%d", backendDomid),
			"mac":        spec.MAC,
			"mtu":        fmt.Sprintf("%d", spec.MTU),
		}
		for k, v := range frontendFields {
			if err := tx.Write(ctx, xenstore.Join(frontendPath, k), v); err != nil {
				return err
			}
		}
		return tx.Write(ctx, xenstore.Join(frontendPath, "private", "vif-id"), fmt.Sprintf("%d", spec.LogicalID))
	})
}

// ReleaseVIF removes the frontend and backend subtrees for one device.
func (s *Supervisor) ReleaseVIF(ctx context.Context, domid, backendDomid types.DomId, devID int) error {
	frontendPath := xenstore.FrontendPath(domid, "vif", devID)
	backendPath := xenstore.BackendPath("vif", backendDomid, domid, devID)
	var firstErr error
	if err := s.xs.Rm(ctx, frontendPath); err != nil {
		firstErr = err
	}
	if err := s.xs.Rm(ctx, backendPath); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
