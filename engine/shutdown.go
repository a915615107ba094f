// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"time"

	"github.com/openxenstack/domaind/types"
	"github.com/openxenstack/domaind/xenstore"
)

// RequestShutdown writes reason to control/shutdown and waits up to
// timeout for the guest to acknowledge and clear it. Only the four
// closed ShutdownReason values are ever written.
func (e *Engine) RequestShutdown(ctx context.Context, vmid types.VmId, reason types.ShutdownReason, timeout time.Duration) error {
	return e.queues.SubmitSync(vmid, func() error {
		return e.doRequestShutdown(ctx, vmid, reason, timeout)
	})
}

func (e *Engine) doRequestShutdown(ctx context.Context, vmid types.VmId, reason types.ShutdownReason, timeout time.Duration) error {
	if !reason.Valid() {
		return types.NewErrorf(types.KindInternalError, "invalid shutdown reason %q", reason)
	}
	extra, err := e.store.Load(vmid)
	if err != nil {
		return err
	}
	if !extra.DomId.Valid() {
		return types.NewErrorf(types.KindDomainNotBuilt, "vm %s has no live domain", vmid)
	}
	domid := extra.DomId
	path := xenstore.Join(xenstore.DomainPath(domid), "control", "shutdown")

	watchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch, err := e.xs.Watch(watchCtx, path)
	if err != nil {
		return err
	}
	defer e.xs.Unwatch(path)

	if err := e.xs.Write(ctx, path, string(reason)); err != nil {
		return err
	}

	for {
		v, err := e.xs.Read(ctx, path)
		if err == nil && v == "" {
			return nil
		}
		select {
		case <-ch:
			continue
		case <-watchCtx.Done():
			return types.NewErrorf(types.KindBackendTimeout, "vm %s did not acknowledge %s within %s", vmid, reason, timeout)
		}
	}
}

// HardShutdown bypasses the guest entirely and asks the hypervisor to
// tear the domain down directly, used when a guest is unresponsive
// (VM.shutdown with hard set, and the shutdown-domain debug trigger).
func (e *Engine) HardShutdown(ctx context.Context, vmid types.VmId, reason types.ShutdownReason) error {
	return e.queues.SubmitSync(vmid, func() error {
		extra, err := e.store.Load(vmid)
		if err != nil {
			return err
		}
		if !extra.DomId.Valid() {
			return types.NewErrorf(types.KindDomainNotBuilt, "vm %s has no live domain", vmid)
		}
		if err := e.control.Shutdown(extra.DomId, reason); err != nil {
			return types.NewErrorf(types.KindInternalError, "hard shutdown domain %d: %v", extra.DomId, err)
		}
		return nil
	})
}
