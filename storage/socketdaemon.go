// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/wireclient"
)

// socketDaemon implements Daemon over a wireclient connection to the
// external storage manager's control socket.
type socketDaemon struct {
	wire *wireclient.Client
}

// NewSocketDaemon returns a Daemon that dials sock lazily and speaks
// the newline-JSON protocol wireclient defines.
func NewSocketDaemon(log base.Logger, sock string) Daemon {
	return &socketDaemon{wire: wireclient.New(log, sock)}
}

type getByNameParams struct {
	Name string `json:"name"`
}

type getByNameResult struct {
	SR  StorageRepo `json:"sr"`
	VDI VirtualDisk `json:"vdi"`
}

func (d *socketDaemon) GetByName(ctx context.Context, name string) (StorageRepo, VirtualDisk, error) {
	var res getByNameResult
	if err := d.wire.Call(ctx, "get_by_name", getByNameParams{Name: name}, &res); err != nil {
		return "", "", err
	}
	return res.SR, res.VDI, nil
}

type dpCreateParams struct {
	DP     Datapath `json:"dp"`
	Caller string   `json:"caller"`
}

func (d *socketDaemon) DPCreate(ctx context.Context, dp Datapath, caller string) error {
	return d.wire.Call(ctx, "dp_create", dpCreateParams{DP: dp, Caller: caller}, nil)
}

type dpDestroyParams struct {
	DP        Datapath `json:"dp"`
	AllowLeak bool     `json:"allow_leak"`
}

func (d *socketDaemon) DPDestroy(ctx context.Context, dp Datapath, allowLeak bool) error {
	return d.wire.Call(ctx, "dp_destroy", dpDestroyParams{DP: dp, AllowLeak: allowLeak}, nil)
}

type attachParams struct {
	DP  Datapath    `json:"dp"`
	SR  StorageRepo `json:"sr"`
	VDI VirtualDisk `json:"vdi"`
	RW  bool        `json:"rw"`
}

func (d *socketDaemon) Attach(ctx context.Context, dp Datapath, sr StorageRepo, vdi VirtualDisk, rw bool) (AttachInfo, error) {
	var info AttachInfo
	if err := d.wire.Call(ctx, "attach", attachParams{DP: dp, SR: sr, VDI: vdi, RW: rw}, &info); err != nil {
		return AttachInfo{}, err
	}
	return info, nil
}

type dpSrVdiParams struct {
	DP  Datapath    `json:"dp"`
	SR  StorageRepo `json:"sr"`
	VDI VirtualDisk `json:"vdi"`
}

func (d *socketDaemon) Activate(ctx context.Context, dp Datapath, sr StorageRepo, vdi VirtualDisk) error {
	return d.wire.Call(ctx, "activate", dpSrVdiParams{DP: dp, SR: sr, VDI: vdi}, nil)
}

func (d *socketDaemon) Deactivate(ctx context.Context, dp Datapath, sr StorageRepo, vdi VirtualDisk) error {
	return d.wire.Call(ctx, "deactivate", dpSrVdiParams{DP: dp, SR: sr, VDI: vdi}, nil)
}

func (d *socketDaemon) Detach(ctx context.Context, dp Datapath, sr StorageRepo, vdi VirtualDisk) error {
	return d.wire.Call(ctx, "detach", dpSrVdiParams{DP: dp, SR: sr, VDI: vdi}, nil)
}

type setContentIDParams struct {
	SR        StorageRepo `json:"sr"`
	VDI       VirtualDisk `json:"vdi"`
	ContentID string      `json:"content_id"`
}

func (d *socketDaemon) SetContentID(ctx context.Context, sr StorageRepo, vdi VirtualDisk, contentID string) error {
	return d.wire.Call(ctx, "set_content_id", setContentIDParams{SR: sr, VDI: vdi, ContentID: contentID}, nil)
}

type srVdiParams struct {
	SR  StorageRepo `json:"sr"`
	VDI VirtualDisk `json:"vdi"`
}

func (d *socketDaemon) SimilarContent(ctx context.Context, sr StorageRepo, vdi VirtualDisk) ([]VirtualDisk, error) {
	var res []VirtualDisk
	if err := d.wire.Call(ctx, "similar_content", srVdiParams{SR: sr, VDI: vdi}, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (d *socketDaemon) Clone(ctx context.Context, sr StorageRepo, vdi VirtualDisk) (VirtualDisk, error) {
	var res VirtualDisk
	if err := d.wire.Call(ctx, "clone", srVdiParams{SR: sr, VDI: vdi}, &res); err != nil {
		return "", err
	}
	return res, nil
}

type snapshotParams struct {
	SR        StorageRepo `json:"sr"`
	VDI       VirtualDisk `json:"vdi"`
	MirrorURL string      `json:"mirror_url,omitempty"`
}

func (d *socketDaemon) Snapshot(ctx context.Context, sr StorageRepo, vdi VirtualDisk, mirrorURL string) (VirtualDisk, error) {
	var res VirtualDisk
	if err := d.wire.Call(ctx, "snapshot", snapshotParams{SR: sr, VDI: vdi, MirrorURL: mirrorURL}, &res); err != nil {
		return "", err
	}
	return res, nil
}

type composeParams struct {
	SR     StorageRepo `json:"sr"`
	Parent VirtualDisk `json:"parent"`
	Child  VirtualDisk `json:"child"`
}

func (d *socketDaemon) Compose(ctx context.Context, sr StorageRepo, parent, child VirtualDisk) error {
	return d.wire.Call(ctx, "compose", composeParams{SR: sr, Parent: parent, Child: child}, nil)
}
