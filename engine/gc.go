// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"time"

	"github.com/openxenstack/domaind/types"
)

// RunGC drives periodic reconciliation until ctx is cancelled, the
// same fixed-ticker idiom the rest of this codebase's daemons use for
// background sweeps.
func (e *Engine) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ReconcileOnce(ctx); err != nil {
				e.log.Errorf("gc: reconcile failed: %v", err)
			}
		}
	}
}

// ReconcileOnce applies VmExtra.AnyResourcesSurvive to every persisted
// record: a VmExtra with no live domain, no device-model process and
// no plugged devices left behind is stale and erased (invariant 1 of
// read in the other direction -- once nothing survives, the
// record no longer needs to). A record whose only surviving resource
// is a suspend image is left untouched; that is its whole purpose.
func (e *Engine) ReconcileOnce(ctx context.Context) error {
	vmids, err := e.store.List()
	if err != nil {
		return err
	}
	for _, vmid := range vmids {
		if err := e.reconcileOne(ctx, vmid); err != nil {
			e.log.Errorf("gc: reconcile %s: %v", vmid, err)
		}
	}
	return nil
}

func (e *Engine) reconcileOne(ctx context.Context, vmid types.VmId) error {
	extra, err := e.store.Load(vmid)
	if err != nil {
		if types.IsKind(err, types.KindDoesNotExist) {
			return nil
		}
		return err
	}

	domainLive := false
	hasDMProcess := false
	if extra.DomId.Valid() {
		if _, err := e.control.DomainGetInfo(extra.DomId); err == nil {
			domainLive = true
		}
		hasDMProcess = e.devices.IsDeviceModelAlive(extra.DomId)
	}

	if extra.AnyResourcesSurvive(domainLive, false, hasDMProcess) {
		return nil
	}
	return e.store.Delete(vmid)
}
