// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package xenstore

import "fmt"

// DomainPath is the root of a domain's control-tree subtree
// ("/local/domain/<domid>"), under which places vm, cpu/*,
// memory/*, store/*, console/*, control/*, device, error, drivers,
// attr, data, messages, platform/*.
func DomainPath(domid DomId) string {
	return fmt.Sprintf("/local/domain/%d", domid)
}

// VmPath is the per-uuid subtree used for data that survives a reboot
// within the same VmId, e.g. rtc/timeoffset.
func VmPath(uuid string) string {
	return fmt.Sprintf("/vm/%s", uuid)
}

// Join appends components under a domain or vm path.
func Join(base string, components ...string) string {
	out := base
	for _, c := range components {
		out += "/" + c
	}
	return out
}

// BackendPath is the hotplug backend path for one frontend device,
// rooted under the backend domain rather than the guest's own domain
// path.
func BackendPath(kind string, backendDomId, frontendDomId DomId, devID int) string {
	return fmt.Sprintf("/local/domain/%d/backend/%s/%d/%d", backendDomId, kind, frontendDomId, devID)
}

// FrontendPath is the frontend device path for one device kind/id pair.
func FrontendPath(domid DomId, kind string, devID int) string {
	return fmt.Sprintf("/local/domain/%d/device/%s/%d", domid, kind, devID)
}
