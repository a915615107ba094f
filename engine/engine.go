// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine implements the VM Lifecycle Engine:
// the per-VmId state machine that drives a guest through
// create -> build -> plug devices -> run -> (shutdown|suspend|reboot|
// crash) -> cleanup, coordinating the Host-Configuration Tree, the
// Hypervisor Control client, the Builder-Helper protocol, the Memory
// Broker, the Device Supervisor and the Storage client. This is the
// core the rest of the repo's collaborator packages exist to serve.
package engine

import (
	"context"
	"os"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/builder"
	"github.com/openxenstack/domaind/devices"
	"github.com/openxenstack/domaind/enginestore"
	"github.com/openxenstack/domaind/hypervisor"
	"github.com/openxenstack/domaind/membroker"
	"github.com/openxenstack/domaind/storage"
	"github.com/openxenstack/domaind/types"
	"github.com/openxenstack/domaind/updatebus"
	"github.com/openxenstack/domaind/xenstore"
)

// DomZero is the backend domain that owns the store and console rings
// in every deployment this engine targets, the default passthrough
// case for backend_domid derivation.
const DomZero = types.DomId(0)

// BuildRunner is the subset of *builder.Helper the engine drives; kept
// as an interface so engine tests substitute a fake instead of exec'ing
// a real helper binary.
type BuildRunner interface {
	Run(ctx context.Context, args []string, extraFiles []*os.File, progress builder.ProgressSink, debug builder.DebugSink, onSuspend func() error) (*builder.BuildResult, error)
}

// Engine wires every collaborator client into the per-VmId state
// machine. One Engine serves every VmId on the host; per-VmId
// ordering is enforced by the queues field, so operations on a single
// VmId are totally ordered by its worker queue.
type Engine struct {
	log base.Logger
	cfg Config

	store   enginestore.Store
	xs      xenstore.Client
	control hypervisor.Control
	broker  *membroker.Client
	storage *storage.Client
	devices *devices.Supervisor
	builder BuildRunner
	bus     *updatebus.Bus
	queues  *updatebus.VmQueues
}

// New returns an Engine wired to the given collaborators. Every
// argument is an interface or a thin wrapper struct that a test can
// substitute a fake for (hypervisor.NewNullControl, xenstore.NewMemClient,
// enginestore.NewMemStore, a fake membroker.Transport/storage.Daemon,
// devices.NewNullDMLauncher, a fake BuildRunner).
func New(
	log base.Logger,
	cfg Config,
	store enginestore.Store,
	xs xenstore.Client,
	control hypervisor.Control,
	broker *membroker.Client,
	storageClient *storage.Client,
	deviceSupervisor *devices.Supervisor,
	buildRunner BuildRunner,
	bus *updatebus.Bus,
) *Engine {
	return &Engine{
		log:     log,
		cfg:     cfg,
		store:   store,
		xs:      xs,
		control: control,
		broker:  broker,
		storage: storageClient,
		devices: deviceSupervisor,
		builder: buildRunner,
		bus:     bus,
		queues:  updatebus.NewVmQueues(log, 16),
	}
}

// Close stops the per-VM worker queues.
func (e *Engine) Close() {
	e.queues.Close()
}

// publish pushes upd onto the update bus, if one is wired (tests that
// don't care about update fanout pass a nil bus).
func (e *Engine) publish(upd types.Update) {
	if e.bus != nil {
		e.bus.Publish(upd)
	}
}

func (e *Engine) loadOrNew(vmid types.VmId) (*types.VmExtra, error) {
	extra, err := e.store.Load(vmid)
	if err == nil {
		return extra, nil
	}
	if types.IsKind(err, types.KindDoesNotExist) {
		return &types.VmExtra{VmId: vmid, DomId: types.InvalidDomId}, nil
	}
	return nil, err
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
