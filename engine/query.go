// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	"github.com/openxenstack/domaind/types"
	"github.com/openxenstack/domaind/xenstore"
)

// GetState returns the persisted VmExtra together with the
// hypervisor's live DomInfo for vmid. The returned DomInfo is the zero
// value if the domain isn't currently built or has already gone.
func (e *Engine) GetState(vmid types.VmId) (*types.VmExtra, types.DomInfo, error) {
	extra, err := e.store.Load(vmid)
	if err != nil {
		return nil, types.DomInfo{}, err
	}
	if !extra.DomId.Valid() {
		return extra, types.DomInfo{}, nil
	}
	info, err := e.control.DomainGetInfo(extra.DomId)
	if err != nil {
		return extra, types.DomInfo{}, nil
	}
	return extra, info, nil
}

// GetInternalState returns the exact persisted VmExtra untouched, so a
// toolstack instance can hand off ownership of a domain to another
// across a restart.
func (e *Engine) GetInternalState(vmid types.VmId) (*types.VmExtra, error) {
	return e.store.Load(vmid)
}

// SetInternalState overwrites the persisted VmExtra verbatim, the
// receiving half of the same handoff. It is serialized through the
// same per-VmId queue as every other mutation so it can never race a
// concurrent lifecycle operation.
func (e *Engine) SetInternalState(vmid types.VmId, extra *types.VmExtra) error {
	return e.queues.SubmitSync(vmid, func() error {
		if extra.VmId != vmid {
			return types.NewErrorf(types.KindInternalError, "internal state vm_id %s does not match target %s", extra.VmId, vmid)
		}
		return e.store.Save(extra)
	})
}

// DomainActionRequest reports the pending action a toolstack should
// take against a domain that has shut itself down, derived from the
// hypervisor's shutdown_code. An empty string means no action is
// pending.
func (e *Engine) DomainActionRequest(vmid types.VmId) (string, error) {
	extra, err := e.store.Load(vmid)
	if err != nil {
		return "", err
	}
	if !extra.DomId.Valid() {
		return "", nil
	}
	info, err := e.control.DomainGetInfo(extra.DomId)
	if err != nil {
		return "", nil
	}
	switch info.ShutdownCode {
	case types.ShutdownCodePoweroff:
		return "poweroff", nil
	case types.ShutdownCodeReboot:
		return "reboot", nil
	case types.ShutdownCodeSuspend:
		return "suspend", nil
	case types.ShutdownCodeCrash:
		return "crash", nil
	case types.ShutdownCodeHalt:
		return "halt", nil
	default:
		return "", nil
	}
}

// DeviceActionRequest reports whether a plugged frontend has moved to
// Closed on its own (a guest- or backend-initiated detach the caller
// hasn't asked for), the device-level analogue of
// DomainActionRequest. Only vbd and vif frontends carry a "state" key
// in this scheme.
func (e *Engine) DeviceActionRequest(ctx context.Context, vmid types.VmId, kind string, devID int) (string, error) {
	extra, err := e.store.Load(vmid)
	if err != nil {
		return "", err
	}
	if !extra.DomId.Valid() {
		return "", nil
	}
	frontendPath := xenstore.FrontendPath(extra.DomId, kind, devID)
	state, err := e.xs.Read(ctx, xenstore.Join(frontendPath, "state"))
	if err != nil {
		if types.IsKind(err, types.KindDoesNotExist) {
			return "", nil
		}
		return "", err
	}
	if state == xenbusStateClosed {
		return "closed", nil
	}
	return "", nil
}

// xenbusStateClosed is XenbusStateClosed, the frontend/backend
// convergence state devices.HardShutdownVBD also writes.
const xenbusStateClosed = "6"
