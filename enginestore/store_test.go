// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package enginestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/types"
)

func TestFileStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(base.NewLogger("enginestore-test", true), dir)
	require.NoError(t, err)
	defer fs.Close()

	extra := &types.VmExtra{VmId: "vm-1", MemoryStaticMaxKiB: 262144, VCPUs: 2}
	require.NoError(t, fs.Save(extra))

	got, err := fs.Load("vm-1")
	require.NoError(t, err)
	require.Equal(t, extra.MemoryStaticMaxKiB, got.MemoryStaticMaxKiB)
	require.Equal(t, extra.VCPUs, got.VCPUs)
}

func TestFileStoreLoadMissingIsDoesNotExist(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(base.NewLogger("enginestore-test", true), dir)
	require.NoError(t, err)
	defer fs.Close()

	_, err = fs.Load("no-such-vm")
	require.True(t, types.IsKind(err, types.KindDoesNotExist))
}

func TestFileStoreDeleteThenList(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(base.NewLogger("enginestore-test", true), dir)
	require.NoError(t, err)
	defer fs.Close()

	require.NoError(t, fs.Save(&types.VmExtra{VmId: "vm-a"}))
	require.NoError(t, fs.Save(&types.VmExtra{VmId: "vm-b"}))

	ids, err := fs.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []types.VmId{"vm-a", "vm-b"}, ids)

	require.NoError(t, fs.Delete("vm-a"))
	ids, err = fs.List()
	require.NoError(t, err)
	require.Equal(t, []types.VmId{"vm-b"}, ids)
}

func TestFileStoreDeleteMissingIsNotError(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(base.NewLogger("enginestore-test", true), dir)
	require.NoError(t, err)
	defer fs.Close()

	require.NoError(t, fs.Delete("never-existed"))
}

func TestFileStoreWatchIgnoresSelfWrites(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(base.NewLogger("enginestore-test", true), dir)
	require.NoError(t, err)
	defer fs.Close()

	require.NoError(t, fs.Save(&types.VmExtra{VmId: "vm-1"}))

	select {
	case vmid := <-fs.Watch():
		t.Fatalf("unexpected out-of-band notification for our own write: %s", vmid)
	case <-time.After(200 * time.Millisecond):
	}
}
