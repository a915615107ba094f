// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package enginestore

import (
	"sort"
	"sync"

	"github.com/openxenstack/domaind/types"
)

// MemStore is an in-memory Store for engine tests, mirroring the
// package's own "null backend" idiom used across hypervisor, xenstore
// and devices.
type MemStore struct {
	mu      sync.Mutex
	records map[types.VmId]*types.VmExtra
	changes chan types.VmId
}

// NewMemStore returns an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{records: map[types.VmId]*types.VmExtra{}, changes: make(chan types.VmId, 16)}
}

func (m *MemStore) Load(vmid types.VmId) (*types.VmExtra, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[vmid]
	if !ok {
		return nil, types.NewErrorf(types.KindDoesNotExist, "no VmExtra for %s", vmid)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemStore) Save(extra *types.VmExtra) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *extra
	m.records[extra.VmId] = &cp
	return nil
}

func (m *MemStore) Delete(vmid types.VmId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, vmid)
	return nil
}

func (m *MemStore) List() ([]types.VmId, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.VmId, 0, len(m.records))
	for id := range m.records {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemStore) Watch() <-chan types.VmId { return m.changes }

func (m *MemStore) Close() error { return nil }
