// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package xenstore

/*
#cgo LDFLAGS: -lxenstore
#include <stdlib.h>
#include <string.h>
#include <xenstore.h>

static char **xs_alloc_strings(unsigned int n) {
	return calloc(n, sizeof(char *));
}
*/
import "C"

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/types"
)

// realClient talks to the running xenstored via libxenstore (the same C
// library the original xenopsd's OCaml xenstore bindings wrap). One
// xs_handle backs all operations; xenstore itself serializes concurrent
// transactions, so the mutex here only protects the handle from
// concurrent cgo calls racing on Go's side.
type realClient struct {
	log    base.Logger
	mu     sync.Mutex
	handle *C.struct_xs_handle

	watchMu sync.Mutex
	watches map[string]*watchState
}

type watchState struct {
	token string
	ch    chan struct{}
}

// NewClient opens a connection to the domain socket xenstored exposes.
func NewClient(log base.Logger) (Client, error) {
	h := C.xs_open(0)
	if h == nil {
		return nil, types.NewErrorf(types.KindIoError, "xs_open failed")
	}
	return &realClient{log: log, handle: h, watches: map[string]*watchState{}}, nil
}

func (c *realClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != nil {
		C.xs_close(c.handle)
		c.handle = nil
	}
	return nil
}

func (c *realClient) Read(ctx context.Context, path string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return readLocked(c.handle, path)
}

func readLocked(h *C.struct_xs_handle, path string) (string, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	var length C.uint
	value := C.xs_read(h, nil, cpath, &length)
	if value == nil {
		return "", types.NewErrorf(types.KindDoesNotExist, "xenstore path %s not found", path)
	}
	defer C.free(value)
	return C.GoStringN((*C.char)(value), C.int(length)), nil
}

func (c *realClient) Write(ctx context.Context, path, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeLocked(c.handle, nil, path, value)
}

func writeLocked(h *C.struct_xs_handle, txn *C.struct_xs_transaction_handle, path, value string) error {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	cvalue := C.CString(value)
	defer C.free(unsafe.Pointer(cvalue))

	var th *C.struct_xs_transaction_handle
	if txn != nil {
		th = txn
	}
	ok := C.xs_write(h, transactionOrNull(th), cpath, unsafe.Pointer(cvalue), C.uint(len(value)))
	if ok == 0 {
		return types.NewErrorf(types.KindIoError, "xenstore write %s failed", path)
	}
	return nil
}

func transactionOrNull(th *C.struct_xs_transaction_handle) C.struct_xs_transaction_handle {
	if th == nil {
		var zero C.struct_xs_transaction_handle
		return zero
	}
	return *th
}

func (c *realClient) Mkdir(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	if C.xs_mkdir(c.handle, nil, cpath) == 0 {
		return types.NewErrorf(types.KindIoError, "xenstore mkdir %s failed", path)
	}
	return nil
}

func (c *realClient) Rm(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	// rm of an absent path is not an error.
	C.xs_rm(c.handle, nil, cpath)
	return nil
}

func (c *realClient) Directory(ctx context.Context, path string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	var n C.uint
	list := C.xs_directory(c.handle, nil, cpath, &n)
	if list == nil {
		return nil, types.NewErrorf(types.KindDoesNotExist, "xenstore path %s not found", path)
	}
	defer C.free(unsafe.Pointer(list))

	out := make([]string, 0, int(n))
	base := uintptr(unsafe.Pointer(list))
	for i := 0; i < int(n); i++ {
		entry := *(**C.char)(unsafe.Pointer(base + uintptr(i)*unsafe.Sizeof(uintptr(0))))
		out = append(out, C.GoString(entry))
	}
	return out, nil
}

func (c *realClient) SetPerms(ctx context.Context, path string, owner DomId, perms []Permission) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	cperms := make([]C.struct_xs_permissions, 0, len(perms)+1)
	cperms = append(cperms, C.struct_xs_permissions{id: C.uint(owner), perms: C.XS_PERM_NONE})
	for _, p := range perms {
		mode := C.XS_PERM_READ
		if p.Write {
			mode = C.XS_PERM_READ | C.XS_PERM_WRITE
		}
		cperms = append(cperms, C.struct_xs_permissions{id: C.uint(p.DomId), perms: C.uint(mode)})
	}
	ok := C.xs_set_permissions(c.handle, nil, cpath, &cperms[0], C.uint(len(cperms)))
	if ok == 0 {
		return types.NewErrorf(types.KindIoError, "xenstore setperms %s failed", path)
	}
	return nil
}

func (c *realClient) Readv(ctx context.Context, paths []string) (map[string]string, error) {
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		v, err := c.Read(ctx, p)
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

func (c *realClient) Writev(ctx context.Context, values map[string]string) error {
	for p, v := range values {
		if err := c.Write(ctx, p, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *realClient) Watch(ctx context.Context, path string) (<-chan struct{}, error) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	if ws, ok := c.watches[path]; ok {
		return ws.ch, nil
	}

	token := fmt.Sprintf("domaind-%s", strings.ReplaceAll(path, "/", "_"))
	cpath := C.CString(path)
	ctoken := C.CString(token)
	defer C.free(unsafe.Pointer(cpath))
	defer C.free(unsafe.Pointer(ctoken))

	c.mu.Lock()
	ok := C.xs_watch(c.handle, cpath, ctoken)
	c.mu.Unlock()
	if ok == 0 {
		return nil, types.NewErrorf(types.KindIoError, "xenstore watch %s failed", path)
	}

	ch := make(chan struct{}, 1)
	c.watches[path] = &watchState{token: token, ch: ch}
	return ch, nil
}

func (c *realClient) Unwatch(path string) error {
	c.watchMu.Lock()
	ws, ok := c.watches[path]
	if ok {
		delete(c.watches, path)
	}
	c.watchMu.Unlock()
	if !ok {
		return nil
	}

	cpath := C.CString(path)
	ctoken := C.CString(ws.token)
	defer C.free(unsafe.Pointer(cpath))
	defer C.free(unsafe.Pointer(ctoken))

	c.mu.Lock()
	defer c.mu.Unlock()
	C.xs_unwatch(c.handle, cpath, ctoken)
	return nil
}

// txHandle adapts a live xs_transaction_handle to the Tx surface.
type txHandle struct {
	c  *realClient
	th *C.struct_xs_transaction_handle
}

func (t *txHandle) Read(ctx context.Context, path string) (string, error) {
	return readLocked(t.c.handle, path)
}
func (t *txHandle) Write(ctx context.Context, path, value string) error {
	return writeLocked(t.c.handle, t.th, path, value)
}
func (t *txHandle) Mkdir(ctx context.Context, path string) error {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	if C.xs_mkdir(t.c.handle, *t.th, cpath) == 0 {
		return types.NewErrorf(types.KindIoError, "xenstore mkdir %s failed", path)
	}
	return nil
}
func (t *txHandle) Rm(ctx context.Context, path string) error {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	C.xs_rm(t.c.handle, *t.th, cpath)
	return nil
}
func (t *txHandle) Directory(ctx context.Context, path string) ([]string, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	var n C.uint
	list := C.xs_directory(t.c.handle, *t.th, cpath, &n)
	if list == nil {
		return nil, types.NewErrorf(types.KindDoesNotExist, "xenstore path %s not found", path)
	}
	defer C.free(unsafe.Pointer(list))
	out := make([]string, 0, int(n))
	base := uintptr(unsafe.Pointer(list))
	for i := 0; i < int(n); i++ {
		entry := *(**C.char)(unsafe.Pointer(base + uintptr(i)*unsafe.Sizeof(uintptr(0))))
		out = append(out, C.GoString(entry))
	}
	return out, nil
}
func (t *txHandle) SetPerms(ctx context.Context, path string, owner DomId, perms []Permission) error {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	cperms := make([]C.struct_xs_permissions, 0, len(perms)+1)
	cperms = append(cperms, C.struct_xs_permissions{id: C.uint(owner), perms: C.XS_PERM_NONE})
	for _, p := range perms {
		mode := C.XS_PERM_READ
		if p.Write {
			mode = C.XS_PERM_READ | C.XS_PERM_WRITE
		}
		cperms = append(cperms, C.struct_xs_permissions{id: C.uint(p.DomId), perms: C.uint(mode)})
	}
	if C.xs_set_permissions(t.c.handle, *t.th, cpath, &cperms[0], C.uint(len(cperms))) == 0 {
		return types.NewErrorf(types.KindIoError, "xenstore setperms %s failed", path)
	}
	return nil
}

// Transaction implements the atomic-or-retry scope: a
// failed commit (xs_transaction_end reporting a write conflict) retries
// fn from the top rather than surfacing a partial update.
func (c *realClient) Transaction(ctx context.Context, fn func(Tx) error) error {
	for {
		c.mu.Lock()
		th := C.xs_transaction_start(c.handle)
		c.mu.Unlock()
		if th == nil {
			return types.NewErrorf(types.KindIoError, "xenstore transaction_start failed")
		}

		tx := &txHandle{c: c, th: &th}
		fnErr := fn(tx)

		c.mu.Lock()
		var abort C.bool
		if fnErr != nil {
			abort = C.bool(true)
		}
		ok := C.xs_transaction_end(c.handle, th, abort)
		c.mu.Unlock()

		if fnErr != nil {
			return fnErr
		}
		if ok != 0 {
			return nil
		}
		// xs_transaction_end failed due to a write conflict (EAGAIN):
		// retry the whole callback against fresh state.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
