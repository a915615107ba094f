// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package enginestore is the persistent VmExtra store: an in-process
// keyed store backed by a simple file layout under a root directory,
// with atomic write-then-rename. One JSON file per VmId, written with
// a temp-file-then-rename dance grounded on pubsub.WriteRename, and
// watched with fsnotify so an operator dropping or editing a record
// out of band is picked up without a restart.
package enginestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/types"
)

// Store is the interface the Lifecycle Engine depends on for VmExtra
// persistence; a FileStore in production, an in-memory fake in tests.
type Store interface {
	Load(vmid types.VmId) (*types.VmExtra, error)
	Save(extra *types.VmExtra) error
	Delete(vmid types.VmId) error
	List() ([]types.VmId, error)
	// Watch returns a channel that receives a VmId whenever its record
	// changes on disk for a reason other than this Store's own
	// Save/Delete (out-of-band edit or restart-time reconciliation).
	Watch() <-chan types.VmId
	Close() error
}

// FileStore is the on-disk Store: root directory, one file per VmId,
// content the JSON encoding of VmExtra ( "Persistent state
// layout").
type FileStore struct {
	log  base.Logger
	root string

	mu       sync.Mutex
	watching map[string]bool // paths this Store itself just wrote/removed

	watcher *fsnotify.Watcher
	changes chan types.VmId
	done    chan struct{}
}

// NewFileStore opens (creating if absent) a FileStore rooted at dir.
func NewFileStore(log base.Logger, dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, types.NewErrorf(types.KindIoError, "mkdir %s: %v", dir, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, types.NewErrorf(types.KindIoError, "fsnotify.NewWatcher: %v", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, types.NewErrorf(types.KindIoError, "watch %s: %v", dir, err)
	}
	fs := &FileStore{
		log:      log,
		root:     dir,
		watching: map[string]bool{},
		watcher:  w,
		changes:  make(chan types.VmId, 16),
		done:     make(chan struct{}),
	}
	go fs.pump()
	return fs, nil
}

func (fs *FileStore) pump() {
	for {
		select {
		case ev, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			fs.handleEvent(ev)
		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.log.Warnf("enginestore watch error: %v", err)
		case <-fs.done:
			return
		}
	}
}

func (fs *FileStore) handleEvent(ev fsnotify.Event) {
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".vmextra-") {
		// our own temp file mid-rename, not a completed record
		return
	}
	vmid := types.VmId(base)

	fs.mu.Lock()
	selfCaused := fs.watching[ev.Name]
	delete(fs.watching, ev.Name)
	fs.mu.Unlock()
	if selfCaused {
		return
	}

	select {
	case fs.changes <- vmid:
	default:
		fs.log.Warnf("enginestore watch channel full, dropping notification for %s", vmid)
	}
}

func (fs *FileStore) path(vmid types.VmId) string {
	return filepath.Join(fs.root, string(vmid))
}

func (fs *FileStore) markSelf(path string) {
	fs.mu.Lock()
	fs.watching[path] = true
	fs.mu.Unlock()
}

// Load reads and decodes the record for vmid, failing DoesNotExist if
// absent.
func (fs *FileStore) Load(vmid types.VmId) (*types.VmExtra, error) {
	data, err := os.ReadFile(fs.path(vmid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewErrorf(types.KindDoesNotExist, "no VmExtra for %s", vmid)
		}
		return nil, types.NewErrorf(types.KindIoError, "read %s: %v", vmid, err)
	}
	var extra types.VmExtra
	if err := json.Unmarshal(data, &extra); err != nil {
		return nil, types.NewErrorf(types.KindIoError, "decode %s: %v", vmid, err)
	}
	return &extra, nil
}

// Save atomically writes extra's JSON encoding, satisfying
// property 3: after (write, crash, restart, read) it equals the last
// completed write, never a partial one.
func (fs *FileStore) Save(extra *types.VmExtra) error {
	data, err := json.MarshalIndent(extra, "", " ")
	if err != nil {
		return types.NewErrorf(types.KindInternalError, "encode %s: %v", extra.VmId, err)
	}
	dest := fs.path(extra.VmId)
	fs.markSelf(dest)
	return writeRename(dest, data)
}

// Delete removes vmid's record; deleting an absent record is not an
// error, matching xenstore.Client.Rm's idempotence.
func (fs *FileStore) Delete(vmid types.VmId) error {
	dest := fs.path(vmid)
	fs.markSelf(dest)
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return types.NewErrorf(types.KindIoError, "remove %s: %v", vmid, err)
	}
	return nil
}

// List returns every VmId with a persisted record, sorted for
// deterministic gc/reconciliation ordering.
func (fs *FileStore) List() ([]types.VmId, error) {
	entries, err := os.ReadDir(fs.root)
	if err != nil {
		return nil, types.NewErrorf(types.KindIoError, "readdir %s: %v", fs.root, err)
	}
	var out []types.VmId
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".vmextra-") {
			continue
		}
		out = append(out, types.VmId(e.Name()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Watch returns the channel of out-of-band change notifications.
func (fs *FileStore) Watch() <-chan types.VmId { return fs.changes }

// Close stops the fsnotify watcher.
func (fs *FileStore) Close() error {
	close(fs.done)
	return fs.watcher.Close()
}

// writeRename does the temp-file-then-rename dance so a reader never
// observes a partially-written record, the pattern // pubsub.WriteRename uses for its own on-disk state.
func writeRename(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".vmextra-*")
	if err != nil {
		return types.NewErrorf(types.KindIoError, "tempfile in %s: %v", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return types.NewErrorf(types.KindIoError, "write %s: %v", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return types.NewErrorf(types.KindIoError, "close %s: %v", tmpName, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return types.NewErrorf(types.KindIoError, "rename %s -> %s: %v", tmpName, dest, err)
	}
	return nil
}
