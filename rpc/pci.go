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

var pciMethods = map[string]handlerFunc{
	"PCI.plug":   pciPlug,
	"PCI.unplug": pciUnplug,
}

type pciParams struct {
	VmId types.VmId      `json:"vm_id"`
	Spec devices.PCISpec `json:"spec"`
}

func pciPlug(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p pciParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.engine.PlugPCI(ctx, engine.PlugPCIRequest{VmId: p.VmId, Spec: p.Spec})
}

func pciUnplug(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p pciParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.engine.UnplugPCI(ctx, engine.PlugPCIRequest{VmId: p.VmId, Spec: p.Spec})
}
