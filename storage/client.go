// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage implements the Storage client:
// attach/activate/deactivate/detach of a virtual disk image via an
// external storage daemon, plus the scoped with_disk helper.
package storage

import (
	"context"
	"fmt"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/types"
)

// DiskPointer is either a local host path or a named VDI reference,
// never both.
type DiskPointer struct {
	Local string
	VDI   string
}

func (d DiskPointer) String() string {
	if d.Local != "" {
		return fmt.Sprintf("Local(%s)", d.Local)
	}
	return fmt.Sprintf("VDI(%s)", d.VDI)
}

// StorageRepo and VirtualDisk are opaque handles returned by name
// resolution; the engine only round-trips them back to the daemon.
type StorageRepo string
type VirtualDisk string

// AttachInfo is what attach returns: enough for the Device
// Supervisor to build a VBD backend.
type AttachInfo struct {
	Params       string
	BackendDomId types.DomId
}

// Datapath is the handle a caller (dp, caller) creates before
// attaching, matching "DP.create(dp, caller) -> datapath".
type Datapath string

// Daemon is the narrow RPC surface the external storage manager
// exposes; a real deployment dials its configured socket, tests use a
// fake. Kept separate from Client so the retry/logging wrapper stays
// independent of the wire transport, mirroring membroker's
// Transport/Client split.
type Daemon interface {
	GetByName(ctx context.Context, name string) (StorageRepo, VirtualDisk, error)
	DPCreate(ctx context.Context, dp Datapath, caller string) error
	DPDestroy(ctx context.Context, dp Datapath, allowLeak bool) error
	Attach(ctx context.Context, dp Datapath, sr StorageRepo, vdi VirtualDisk, rw bool) (AttachInfo, error)
	Activate(ctx context.Context, dp Datapath, sr StorageRepo, vdi VirtualDisk) error
	Deactivate(ctx context.Context, dp Datapath, sr StorageRepo, vdi VirtualDisk) error
	Detach(ctx context.Context, dp Datapath, sr StorageRepo, vdi VirtualDisk) error
	SetContentID(ctx context.Context, sr StorageRepo, vdi VirtualDisk, contentID string) error
	SimilarContent(ctx context.Context, sr StorageRepo, vdi VirtualDisk) ([]VirtualDisk, error)
	Clone(ctx context.Context, sr StorageRepo, vdi VirtualDisk) (VirtualDisk, error)
	Snapshot(ctx context.Context, sr StorageRepo, vdi VirtualDisk, mirrorURL string) (VirtualDisk, error)
	Compose(ctx context.Context, sr StorageRepo, parent, child VirtualDisk) error
}

// Client wraps a Daemon with logging and the with_disk scoped helper.
type Client struct {
	log    base.Logger
	daemon Daemon
}

// NewClient returns a Client over the given daemon transport.
func NewClient(log base.Logger, daemon Daemon) *Client {
	return &Client{log: log, daemon: daemon}
}

// GetByName resolves a name to (SR, VDI); fails NotFound via the
// daemon's own DoesNotExist error.
func (c *Client) GetByName(ctx context.Context, name string) (StorageRepo, VirtualDisk, error) {
	sr, vdi, err := c.daemon.GetByName(ctx, name)
	if err != nil {
		c.log.Warnf("get_by_name(%s) failed: %v", name, err)
		return "", "", err
	}
	return sr, vdi, nil
}

// WithDisk attaches and activates disk, runs f with a usable local
// device path, and guarantees deactivate+detach on every exit path
// ( "with_disk(disk, rw, f)").
func (c *Client) WithDisk(ctx context.Context, disk DiskPointer, rw bool, f func(localPath string) error) error {
	if disk.Local != "" {
		return f(disk.Local)
	}

	sr, vdi, err := c.GetByName(ctx, disk.VDI)
	if err != nil {
		return err
	}
	dp := Datapath(fmt.Sprintf("dp-%s", disk.VDI))
	if err := c.daemon.DPCreate(ctx, dp, "domaind"); err != nil {
		return err
	}
	cleanupDP := true
	defer func() {
		if cleanupDP {
			if err := c.daemon.DPDestroy(ctx, dp, true); err != nil {
				c.log.Errorf("with_disk: dp_destroy(%s) leaked: %v", dp, err)
			}
		}
	}()

	info, err := c.daemon.Attach(ctx, dp, sr, vdi, rw)
	if err != nil {
		return err
	}
	detached := false
	defer func() {
		if detached {
			return
		}
		if err := c.daemon.Deactivate(ctx, dp, sr, vdi); err != nil {
			c.log.Errorf("with_disk: deactivate(%s,%s) failed: %v", sr, vdi, err)
		}
		if err := c.daemon.Detach(ctx, dp, sr, vdi); err != nil {
			c.log.Errorf("with_disk: detach(%s,%s) failed: %v", sr, vdi, err)
		}
	}()

	if err := c.daemon.Activate(ctx, dp, sr, vdi); err != nil {
		return err
	}

	ferr := f(info.Params)

	if err := c.daemon.Deactivate(ctx, dp, sr, vdi); err != nil {
		c.log.Errorf("with_disk: deactivate(%s,%s) failed: %v", sr, vdi, err)
	}
	if err := c.daemon.Detach(ctx, dp, sr, vdi); err != nil {
		c.log.Errorf("with_disk: detach(%s,%s) failed: %v", sr, vdi, err)
	}
	detached = true
	return ferr
}

// Deactivate best-effort deactivates a named VDI outside a WithDisk
// scope, using the same "dp-<name>" datapath convention WithDisk
// itself uses. Suspend calls this after a VBD's frontend/backend has
// already been torn down, to guarantee no VDI is left active on a
// domain that is about to be destroyed.
func (c *Client) Deactivate(ctx context.Context, vdiName string) error {
	sr, vdi, err := c.daemon.GetByName(ctx, vdiName)
	if err != nil {
		return err
	}
	dp := Datapath(fmt.Sprintf("dp-%s", vdiName))
	return c.daemon.Deactivate(ctx, dp, sr, vdi)
}

// Clone, Snapshot, Compose and SetContentID pass straight through to
// the daemon, logging failures ( "for the mirror/migrate
// path").
func (c *Client) Clone(ctx context.Context, sr StorageRepo, vdi VirtualDisk) (VirtualDisk, error) {
	return c.daemon.Clone(ctx, sr, vdi)
}

func (c *Client) Snapshot(ctx context.Context, sr StorageRepo, vdi VirtualDisk, mirrorURL string) (VirtualDisk, error) {
	return c.daemon.Snapshot(ctx, sr, vdi, mirrorURL)
}

func (c *Client) Compose(ctx context.Context, sr StorageRepo, parent, child VirtualDisk) error {
	return c.daemon.Compose(ctx, sr, parent, child)
}

func (c *Client) SetContentID(ctx context.Context, sr StorageRepo, vdi VirtualDisk, contentID string) error {
	return c.daemon.SetContentID(ctx, sr, vdi, contentID)
}

func (c *Client) SimilarContent(ctx context.Context, sr StorageRepo, vdi VirtualDisk) ([]VirtualDisk, error) {
	return c.daemon.SimilarContent(ctx, sr, vdi)
}
