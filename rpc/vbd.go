// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"

	"github.com/openxenstack/domaind/engine"
	"github.com/openxenstack/domaind/storage"
	"github.com/openxenstack/domaind/types"
)

var vbdMethods = map[string]handlerFunc{
	"VBD.plug":                      vbdPlug,
	"VBD.unplug":                    vbdUnplug,
	"VBD.insert":                    vbdInsert,
	"VBD.eject":                     vbdEject,
	"VBD.get_state":                 vbdGetState,
	"VBD.get_device_action_request": vbdGetDeviceActionRequest,
}

type vbdPlugParams struct {
	VmId         types.VmId          `json:"vm_id"`
	LogicalID    int                 `json:"logical_id"`
	Iface        types.DiskInterface `json:"iface"`
	Disk         storage.DiskPointer `json:"disk"`
	ReadWrite    bool                `json:"read_write"`
	BackendType  string              `json:"backend_type"`
	BackendDomId types.DomId         `json:"backend_domid"`
	Extra        map[string]string   `json:"extra,omitempty"`
}

func vbdPlug(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p vbdPlugParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	req := engine.PlugVBDRequest{
		VmId:         p.VmId,
		LogicalID:    p.LogicalID,
		Iface:        p.Iface,
		Disk:         p.Disk,
		ReadWrite:    p.ReadWrite,
		BackendType:  p.BackendType,
		BackendDomId: p.BackendDomId,
		Extra:        p.Extra,
	}
	return nil, s.engine.PlugVBD(ctx, req)
}

type vbdLogicalIDParams struct {
	VmId      types.VmId `json:"vm_id"`
	LogicalID int        `json:"logical_id"`
}

func vbdUnplug(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p vbdLogicalIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.engine.UnplugVBD(ctx, engine.UnplugVBDRequest{VmId: p.VmId, LogicalID: p.LogicalID})
}

type vbdInsertParams struct {
	VmId      types.VmId          `json:"vm_id"`
	LogicalID int                 `json:"logical_id"`
	Disk      storage.DiskPointer `json:"disk"`
}

func vbdInsert(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p vbdInsertParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	req := engine.InsertMediaRequest{VmId: p.VmId, LogicalID: p.LogicalID, Disk: p.Disk}
	return nil, s.engine.InsertMedia(ctx, req)
}

func vbdEject(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p vbdLogicalIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.engine.EjectMedia(ctx, p.VmId, p.LogicalID)
}

func vbdGetState(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p vbdLogicalIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	vbd, err := findVBDSnapshot(s, p.VmId, p.LogicalID)
	if err != nil {
		return nil, err
	}
	return vbd, nil
}

func vbdGetDeviceActionRequest(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p vbdLogicalIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	vbd, err := findVBDSnapshot(s, p.VmId, p.LogicalID)
	if err != nil {
		return nil, err
	}
	devID, err := vbd.Iface.DeviceKey()
	if err != nil {
		return nil, err
	}
	action, err := s.engine.DeviceActionRequest(ctx, p.VmId, "vbd", devID)
	if err != nil {
		return nil, err
	}
	return actionRequestResult{Action: action}, nil
}

func findVBDSnapshot(s *Server, vmid types.VmId, logicalID int) (*types.VBDSnapshot, error) {
	extra, _, err := s.engine.GetState(vmid)
	if err != nil {
		return nil, err
	}
	for i := range extra.VBDs {
		if extra.VBDs[i].LogicalID == logicalID {
			return &extra.VBDs[i], nil
		}
	}
	return nil, types.NewErrorf(types.KindDeviceNotConnected, "vm %s has no vbd with logical id %d", vmid, logicalID)
}
