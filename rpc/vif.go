// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"

	"github.com/openxenstack/domaind/devices"
	"github.com/openxenstack/domaind/engine"
	"github.com/openxenstack/domaind/types"
)

var vifMethods = map[string]handlerFunc{
	"VIF.plug":      vifPlug,
	"VIF.unplug":    vifUnplug,
	"VIF.get_state": vifGetState,
}

// networkParams is a wire-friendly stand-in for devices.NetworkKind,
// whose vswitch/netback discriminators are set only by unexported
// fields its constructors populate; Resolve rebuilds a real
// NetworkKind through those same constructors instead of unmarshaling
// into the type directly.
type networkParams struct {
	Kind         string     `json:"kind"` // "bridge" | "vswitch" | "netback"
	Bridge       string     `json:"bridge,omitempty"`
	VSwitch      string     `json:"vswitch,omitempty"`
	NetbackVmId  types.VmId `json:"netback_vm_id,omitempty"`
	NetbackDevID int        `json:"netback_dev_id,omitempty"`
}

func (n networkParams) resolve() devices.NetworkKind {
	switch n.Kind {
	case "vswitch":
		return devices.VSwitchKind(n.VSwitch)
	case "netback":
		return devices.NetbackKind(n.NetbackVmId, n.NetbackDevID)
	default:
		return devices.BridgeKind(n.Bridge)
	}
}

type vifSpecParams struct {
	LogicalID   int               `json:"logical_id"`
	Network     networkParams     `json:"network"`
	MAC         string            `json:"mac"`
	MTU         int               `json:"mtu"`
	Rate        string            `json:"rate,omitempty"`
	Carrier     bool              `json:"carrier"`
	OtherConfig map[string]string `json:"other_config,omitempty"`
}

type vifPlugParams struct {
	VmId         types.VmId    `json:"vm_id"`
	LogicalID    int           `json:"logical_id"`
	DevID        int           `json:"dev_id"`
	BackendDomId types.DomId   `json:"backend_domid"`
	Spec         vifSpecParams `json:"spec"`
}

func vifPlug(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p vifPlugParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	req := engine.PlugVIFRequest{
		VmId:         p.VmId,
		LogicalID:    p.LogicalID,
		DevID:        p.DevID,
		BackendDomId: p.BackendDomId,
		Spec: devices.VIFSpec{
			LogicalID:   p.Spec.LogicalID,
			Network:     p.Spec.Network.resolve(),
			MAC:         p.Spec.MAC,
			MTU:         p.Spec.MTU,
			Rate:        p.Spec.Rate,
			Carrier:     p.Spec.Carrier,
			OtherConfig: p.Spec.OtherConfig,
		},
	}
	return nil, s.engine.PlugVIF(ctx, req)
}

type vifUnplugParams struct {
	VmId         types.VmId  `json:"vm_id"`
	LogicalID    int         `json:"logical_id"`
	DevID        int         `json:"dev_id"`
	BackendDomId types.DomId `json:"backend_domid"`
}

func vifUnplug(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p vifUnplugParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	req := engine.UnplugVIFRequest{
		VmId:         p.VmId,
		LogicalID:    p.LogicalID,
		DevID:        p.DevID,
		BackendDomId: p.BackendDomId,
	}
	return nil, s.engine.UnplugVIF(ctx, req)
}

func vifGetState(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p vbdLogicalIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	extra, _, err := s.engine.GetState(p.VmId)
	if err != nil {
		return nil, err
	}
	for i := range extra.VIFs {
		if extra.VIFs[i].LogicalID == p.LogicalID {
			return &extra.VIFs[i], nil
		}
	}
	return nil, types.NewErrorf(types.KindDeviceNotConnected, "vm %s has no vif with logical id %d", p.VmId, p.LogicalID)
}
