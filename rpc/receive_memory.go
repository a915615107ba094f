// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"

	"github.com/openxenstack/domaind/engine"
	"github.com/openxenstack/domaind/hypervisor"
	"github.com/openxenstack/domaind/types"
)

// receiveMemoryParams carries everything doResume's CreateRequest half
// needs; the sender streams the suspend image bytes separately over
// the TCP address this call hands back.
type receiveMemoryParams struct {
	Create createParams            `json:"create"`
	CPUID  []hypervisor.CPUIDEntry `json:"cpuid,omitempty"`
}

type receiveMemoryResult struct {
	Address string `json:"address"`
}

// vmReceiveMemory is the migration-receive side of suspend/resume: it
// opens a one-shot listener, hands the address back to the caller, and
// once a sender connects pipes the bytes to a temp file and feeds that
// file straight into the existing restore path.
func vmReceiveMemory(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p receiveMemoryParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, types.NewErrorf(types.KindIoError, "receive_memory: listen: %v", err)
	}

	go s.acceptReceiveMemory(ln, p)

	return receiveMemoryResult{Address: ln.Addr().String()}, nil
}

func (s *Server) acceptReceiveMemory(ln net.Listener, p receiveMemoryParams) {
	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		s.log.Errorf("receive_memory(%s): accept: %v", p.Create.VmId, err)
		return
	}
	defer conn.Close()

	f, err := os.CreateTemp("", "receive-memory-*.img")
	if err != nil {
		s.log.Errorf("receive_memory(%s): create temp: %v", p.Create.VmId, err)
		return
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if _, err := io.Copy(f, conn); err != nil {
		s.log.Errorf("receive_memory(%s): copy: %v", p.Create.VmId, err)
		return
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
		ImagePath: f.Name(),
		CPUID:     p.CPUID,
		Task:      engine.NoopTask{},
	}
	if err := s.engine.Resume(context.Background(), req); err != nil {
		s.log.Errorf("receive_memory(%s): resume: %v", p.Create.VmId, err)
	}
}
