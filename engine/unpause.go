// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	"github.com/openxenstack/domaind/types"
)

// Unpause lifts a domain out of the paused state Build leaves it in,
// letting the guest actually start running. It is a distinct
// caller-driven step so a toolstack can finish device setup first.
func (e *Engine) Unpause(ctx context.Context, vmid types.VmId) error {
	return e.queues.SubmitSync(vmid, func() error {
		extra, err := e.store.Load(vmid)
		if err != nil {
			return err
		}
		if !extra.DomId.Valid() {
			return types.NewErrorf(types.KindDomainNotBuilt, "vm %s has no live domain to unpause", vmid)
		}
		return e.control.Unpause(extra.DomId)
	})
}
