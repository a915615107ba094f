// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"

	"github.com/google/uuid"
)

// DomId identifies a domain inside the hypervisor. It is assigned by the
// hypervisor at domain_create time and is reused after destruction, so it
// must never be treated as a stable identity across the lifetime of a VmId.
type DomId int32

// InvalidDomId is returned by lookups that find no live domain.
const InvalidDomId DomId = -1

func (d DomId) String() string {
	return fmt.Sprintf("%d", int32(d))
}

// Valid reports whether d refers to a domain that could plausibly exist.
func (d DomId) Valid() bool {
	return d >= 0
}

// VmId is the caller-supplied stable identity of a logical VM: a
// textual UUID. At most one live domain is resident for a given VmId
// at a time.
type VmId string

func (v VmId) String() string {
	return string(v)
}

// Valid reports whether v parses as a UUID, the only shape a caller
// may supply for VM.create.
func (v VmId) Valid() bool {
	_, err := uuid.Parse(string(v))
	return err == nil
}

// NewVmId generates a fresh random VmId. The migration receiver
// (VM.receive_memory) does not call it; it uses the VmId its caller
// supplies.
func NewVmId() VmId {
	return VmId(uuid.NewString())
}
