// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/openxenstack/domaind/types"
)

// DiscardSuspendImage clears a VmExtra's suspend_memory_bytes without
// touching any hypervisor state. A caller that knows the on-disk image
// is gone or corrupt can make the record eligible for gc again without
// waiting for a failed restore to do it.
func (e *Engine) DiscardSuspendImage(vmid types.VmId) error {
	return e.queues.SubmitSync(vmid, func() error {
		extra, err := e.store.Load(vmid)
		if err != nil {
			return err
		}
		extra.SuspendMemoryBytes = 0
		return e.store.Save(extra)
	})
}
