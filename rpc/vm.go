// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openxenstack/domaind/engine"
	"github.com/openxenstack/domaind/hypervisor"
	"github.com/openxenstack/domaind/types"
)

var vmMethods = map[string]handlerFunc{
	"VM.create":                    vmCreate,
	"VM.build":                     vmBuild,
	"VM.unpause":                   vmUnpause,
	"VM.shutdown":                  vmShutdown,
	"VM.suspend":                   vmSuspend,
	"VM.restore":                   vmRestore,
	"VM.get_state":                 vmGetState,
	"VM.get_domain_action_request": vmGetDomainActionRequest,
	"VM.set_internal_state":        vmSetInternalState,
	"VM.get_internal_state":        vmGetInternalState,
	"VM.receive_memory":            vmReceiveMemory,
}

type createParams struct {
	VmId             types.VmId       `json:"vm_id"`
	CreateInfo       types.CreateInfo `json:"create_info"`
	DynMinKiB        uint64           `json:"dyn_min_kib"`
	DynMaxKiB        uint64           `json:"dyn_max_kib"`
	StaticMaxKiB     uint64           `json:"static_max_kib"`
	VCPUs            int              `json:"vcpus"`
	ShadowMultiplier float64          `json:"shadow_multiplier"`
	SecurityID       uint32           `json:"security_id"`
}

func vmCreate(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p createParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	req := engine.CreateRequest{
		VmId:             p.VmId,
		CreateInfo:       p.CreateInfo,
		DynMinKiB:        p.DynMinKiB,
		DynMaxKiB:        p.DynMaxKiB,
		StaticMaxKiB:     p.StaticMaxKiB,
		VCPUs:            p.VCPUs,
		ShadowMultiplier: p.ShadowMultiplier,
		SecurityID:       p.SecurityID,
	}
	if err := s.engine.Create(ctx, req); err != nil {
		return nil, err
	}
	return nil, nil
}

type buildParams struct {
	VmId            types.VmId                   `json:"vm_id"`
	Flavor          types.BuilderFlavor          `json:"flavor"`
	HVM             *types.HVMBuildInfo          `json:"hvm,omitempty"`
	PVDirect        *types.PVDirectBuildInfo     `json:"pv_direct,omitempty"`
	PVBootloader    *types.PVBootloaderBuildInfo `json:"pv_bootloader,omitempty"`
	MemoryMaxKiB    uint64                       `json:"memory_max_kib"`
	MemoryTargetKiB uint64                       `json:"memory_target_kib"`
	CPUID           []hypervisor.CPUIDEntry      `json:"cpuid,omitempty"`
}

func vmBuild(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p buildParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	req := engine.BuildRequest{
		VmId:            p.VmId,
		Flavor:          p.Flavor,
		HVM:             p.HVM,
		PVDirect:        p.PVDirect,
		PVBootloader:    p.PVBootloader,
		MemoryMaxKiB:    p.MemoryMaxKiB,
		MemoryTargetKiB: p.MemoryTargetKiB,
		CPUID:           p.CPUID,
		Task:            engine.NoopTask{},
	}
	if err := s.engine.Build(ctx, req); err != nil {
		return nil, err
	}
	return nil, nil
}

type vmIdParams struct {
	VmId types.VmId `json:"vm_id"`
}

func vmUnpause(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p vmIdParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return nil, s.engine.Unpause(ctx, p.VmId)
}

type shutdownParams struct {
	VmId           types.VmId           `json:"vm_id"`
	Reason         types.ShutdownReason `json:"reason"`
	Hard           bool                 `json:"hard"`
	TimeoutSeconds int                  `json:"timeout_seconds"`
}

func vmShutdown(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p shutdownParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if !p.Reason.Valid() {
		return nil, types.NewErrorf(types.KindInternalError, "invalid shutdown reason %q", p.Reason)
	}
	if p.Hard {
		return nil, s.engine.HardShutdown(ctx, p.VmId, p.Reason)
	}
	timeout := secondsOrDefault(p.TimeoutSeconds, 30)
	return nil, s.engine.RequestShutdown(ctx, p.VmId, p.Reason, timeout)
}

type suspendParams struct {
	VmId      types.VmId `json:"vm_id"`
	ImagePath string     `json:"image_path"`
}

func vmSuspend(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p suspendParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	req := engine.SuspendRequest{VmId: p.VmId, ImagePath: p.ImagePath, Task: engine.NoopTask{}}
	return nil, s.engine.Suspend(ctx, req)
}

type restoreParams struct {
	Create    createParams            `json:"create"`
	ImagePath string                  `json:"image_path"`
	CPUID     []hypervisor.CPUIDEntry `json:"cpuid,omitempty"`
}

func vmRestore(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p restoreParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	req := engine.ResumeRequest{
		Create: engine.CreateRequest{
			VmId:             p.Create.VmId,
			CreateInfo:       p.Create.CreateInfo,
			DynMinKiB:        p.Create.DynMinKiB,
			DynMaxKiB:        p.Create.DynMaxKiB,
			StaticMaxKiB:     p.Create.StaticMaxKiB,
			VCPUs:            p.Create.VCPUs,
			ShadowMultiplier: p.Create.ShadowMultiplier,
			SecurityID:       p.Create.SecurityID,
		},
		ImagePath: p.ImagePath,
		CPUID:     p.CPUID,
		Task:      engine.NoopTask{},
	}
	return nil, s.engine.Resume(ctx, req)
}

type stateResult struct {
	VmExtra *types.VmExtra `json:"vm_extra"`
	DomInfo types.DomInfo  `json:"dom_info"`
}

func vmGetState(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p vmIdParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	extra, info, err := s.engine.GetState(p.VmId)
	if err != nil {
		return nil, err
	}
	return stateResult{VmExtra: extra, DomInfo: info}, nil
}

type actionRequestResult struct {
	Action string `json:"action"`
}

func vmGetDomainActionRequest(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p vmIdParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	action, err := s.engine.DomainActionRequest(p.VmId)
	if err != nil {
		return nil, err
	}
	return actionRequestResult{Action: action}, nil
}

type setInternalStateParams struct {
	VmId    types.VmId     `json:"vm_id"`
	VmExtra *types.VmExtra `json:"vm_extra"`
}

func vmSetInternalState(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p setInternalStateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.VmExtra == nil {
		return nil, types.NewErrorf(types.KindInternalError, "missing vm_extra")
	}
	return nil, s.engine.SetInternalState(p.VmId, p.VmExtra)
}

func vmGetInternalState(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p vmIdParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return s.engine.GetInternalState(p.VmId)
}

func secondsOrDefault(v, def int) time.Duration {
	if v <= 0 {
		return time.Duration(def) * time.Second
	}
	return time.Duration(v) * time.Second
}
