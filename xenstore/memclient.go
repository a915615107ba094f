// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package xenstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/openxenstack/domaind/types"
)

// memClient is an in-process fake of Client, used by engine and device
// tests that need a control tree without a running xenstored. It mirrors
// the hypervisor package's "null" backend pattern: calls are serialized
// by a single mutex, good enough for tests, not for production.
type memClient struct {
	mu    sync.Mutex
	nodes map[string]string
	// watches maps a watched path to the set of channels to notify.
	watches map[string][]chan struct{}
}

// NewMemClient returns an in-memory Client for tests.
func NewMemClient() Client {
	return &memClient{nodes: map[string]string{}, watches: map[string][]chan struct{}{}}
}

func (m *memClient) Read(_ context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.nodes[path]
	if !ok {
		return "", types.NewErrorf(types.KindDoesNotExist, "xenstore path %s not found", path)
	}
	return v, nil
}

func (m *memClient) Write(_ context.Context, path, value string) error {
	m.mu.Lock()
	m.nodes[path] = value
	m.mu.Unlock()
	m.fire(path)
	return nil
}

func (m *memClient) Mkdir(_ context.Context, path string) error {
	m.mu.Lock()
	_, existed := m.nodes[path]
	if !existed {
		m.nodes[path] = ""
	}
	m.mu.Unlock()
	if !existed {
		m.fire(path)
	}
	return nil
}

func (m *memClient) Rm(_ context.Context, path string) error {
	m.mu.Lock()
	prefix := path + "/"
	for k := range m.nodes {
		if k == path || strings.HasPrefix(k, prefix) {
			delete(m.nodes, k)
		}
	}
	m.mu.Unlock()
	m.fire(path)
	return nil
}

func (m *memClient) Directory(_ context.Context, path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := path + "/"
	seen := map[string]bool{}
	var children []string
	for k := range m.nodes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		child := strings.SplitN(rest, "/", 2)[0]
		if child != "" && !seen[child] {
			seen[child] = true
			children = append(children, child)
		}
	}
	sort.Strings(children)
	return children, nil
}

func (m *memClient) SetPerms(_ context.Context, _ string, _ DomId, _ []Permission) error {
	return nil
}

func (m *memClient) Readv(ctx context.Context, paths []string) (map[string]string, error) {
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		v, err := m.Read(ctx, p)
		if err != nil {
			if types.IsKind(err, types.KindDoesNotExist) {
				continue
			}
			return nil, err
		}
		out[p] = v
	}
	return out, nil
}

func (m *memClient) Writev(ctx context.Context, values map[string]string) error {
	for p, v := range values {
		if err := m.Write(ctx, p, v); err != nil {
			return err
		}
	}
	return nil
}

func (m *memClient) Watch(_ context.Context, path string) (<-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.watches[path]; len(existing) > 0 {
		return existing[0], nil
	}
	ch := make(chan struct{}, 1)
	m.watches[path] = append(m.watches[path], ch)
	return ch, nil
}

func (m *memClient) Unwatch(path string) error {
	m.mu.Lock()
	delete(m.watches, path)
	m.mu.Unlock()
	return nil
}

func (m *memClient) fire(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for watched, chans := range m.watches {
		if path == watched || strings.HasPrefix(path, watched+"/") || strings.HasPrefix(watched, path+"/") {
			for _, ch := range chans {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (m *memClient) Transaction(ctx context.Context, fn func(Tx) error) error {
	// The in-memory fake has no concurrent writers to race against, so a
	// transaction is just a single mutex-held pass of fn, undone when fn
	// returns an error.
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := make(map[string]string, len(m.nodes))
	for k, v := range m.nodes {
		saved[k] = v
	}
	if err := fn(&memTx{m: m}); err != nil {
		m.nodes = saved
		return err
	}
	return nil
}

func (m *memClient) Close() error { return nil }

// memTx implements Tx directly against memClient's map, already holding
// the lock Transaction acquired.
type memTx struct{ m *memClient }

func (t *memTx) Read(_ context.Context, path string) (string, error) {
	v, ok := t.m.nodes[path]
	if !ok {
		return "", types.NewErrorf(types.KindDoesNotExist, "xenstore path %s not found", path)
	}
	return v, nil
}
func (t *memTx) Write(_ context.Context, path, value string) error {
	t.m.nodes[path] = value
	return nil
}
func (t *memTx) Mkdir(_ context.Context, path string) error {
	if _, ok := t.m.nodes[path]; !ok {
		t.m.nodes[path] = ""
	}
	return nil
}
func (t *memTx) Rm(_ context.Context, path string) error {
	prefix := path + "/"
	for k := range t.m.nodes {
		if k == path || strings.HasPrefix(k, prefix) {
			delete(t.m.nodes, k)
		}
	}
	return nil
}
func (t *memTx) Directory(ctx context.Context, path string) ([]string, error) {
	prefix := path + "/"
	seen := map[string]bool{}
	var children []string
	for k := range t.m.nodes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		child := strings.SplitN(rest, "/", 2)[0]
		if child != "" && !seen[child] {
			seen[child] = true
			children = append(children, child)
		}
	}
	sort.Strings(children)
	return children, nil
}
func (t *memTx) SetPerms(_ context.Context, _ string, _ DomId, _ []Permission) error { return nil }
