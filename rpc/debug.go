// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"

	"github.com/openxenstack/domaind/types"
)

var debugMethods = map[string]handlerFunc{
	"DEBUG.trigger": debugTrigger,
}

type debugTriggerParams struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
}

// debugTrigger is a closed, allow-listed debug switch: anything
// outside the two recognized commands is rejected with NotSupported
// rather than interpreted.
func debugTrigger(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p debugTriggerParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if len(p.Args) != 1 {
		return nil, types.NewErrorf(types.KindNotSupported, "trigger %q wants exactly one vm_id argument", p.Cmd)
	}
	vmid := types.VmId(p.Args[0])

	switch p.Cmd {
	case "shutdown-domain":
		return nil, s.engine.HardShutdown(ctx, vmid, types.ShutdownPoweroff)
	case "discard-suspend-image":
		return nil, s.engine.DiscardSuspendImage(vmid)
	default:
		return nil, types.NewErrorf(types.KindNotSupported, "unrecognized debug trigger %q", p.Cmd)
	}
}
