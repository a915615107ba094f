// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package devices

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openxenstack/domaind/types"
	"github.com/openxenstack/domaind/xenstore"
)

// VBDSpec is the set of parameters names for adding a
// virtual block device frontend/backend pair.
type VBDSpec struct {
	LogicalID    int
	Iface        types.DiskInterface
	Mode         string // "r" or "w"
	BackendType  string
	Params       string
	BackendDomId types.DomId
	Extra        map[string]string
}

// AddVBD writes the frontend and backend control-tree records for one
// block device and tags the frontend with its logical id.
func (s *Supervisor) AddVBD(ctx context.Context, vmid types.VmId, domid types.DomId, spec VBDSpec) error {
	devID, err := spec.Iface.DeviceKey()
	if err != nil {
		return types.NewErrorf(types.KindBadInterfaceName, "%v", err)
	}

	backendPath := xenstore.BackendPath("vbd", spec.BackendDomId, domid, devID)
	frontendPath := xenstore.FrontendPath(domid, "vbd", devID)

	return s.xs.Transaction(ctx, func(tx xenstore.Tx) error {
		if err := tx.Mkdir(ctx, backendPath); err != nil {
			return err
		}
		backendFields := map[string]string{
			"frontend-id": fmt.Sprintf("%d", domid),
			"params":      spec.Params,
			"type":        spec.BackendType,
			"mode":        spec.Mode,
			"dev":         spec.Iface.LinuxDevice(),
		}
		for k, v := range spec.Extra {
			backendFields[k] = v
		}
		for k, v := range backendFields {
			if err := tx.Write(ctx, xenstore.Join(backendPath, k), v); err != nil {
				return err
			}
		}

		if err := tx.Mkdir(ctx, frontendPath); err != nil {
			return err
		}
		frontendFields := map[string]string{
			"backend":        backendPath,
			"backend-id":     fmt.Sprintf("%d", spec.BackendDomId),
			"virtual-device": fmt.Sprintf("%d", devID),
			"device-type":    "disk",
		}
		for k, v := range frontendFields {
			if err := tx.Write(ctx, xenstore.Join(frontendPath, k), v); err != nil {
				return err
			}
		}
		return tx.Write(ctx, xenstore.Join(frontendPath, "private", "vbd-id"), fmt.Sprintf("%d", spec.LogicalID))
	})
}

// InsertMedia writes a new backing path into an already-plugged VBD
// (CDROM media change); EjectMedia clears it.
func (s *Supervisor) InsertMedia(ctx context.Context, domid types.DomId, backendDomid types.DomId, devID int, params string) error {
	path := xenstore.BackendPath("vbd", backendDomid, domid, devID)
	return s.xs.Write(ctx, xenstore.Join(path, "params"), params)
}

func (s *Supervisor) EjectMedia(ctx context.Context, domid types.DomId, backendDomid types.DomId, devID int) error {
	path := xenstore.BackendPath("vbd", backendDomid, domid, devID)
	return s.xs.Write(ctx, xenstore.Join(path, "params"), "")
}

// IsMediaEjected reports whether a CDROM-class VBD currently has no
// backing params.
func (s *Supervisor) IsMediaEjected(ctx context.Context, domid types.DomId, backendDomid types.DomId, devID int) (bool, error) {
	path := xenstore.BackendPath("vbd", backendDomid, domid, devID)
	v, err := s.xs.Read(ctx, xenstore.Join(path, "params"))
	if err != nil {
		if types.IsKind(err, types.KindDoesNotExist) {
			return true, nil
		}
		return false, err
	}
	return v == "", nil
}

// RequestVBDShutdown asks a backend to shut down cleanly and returns
// immediately; the caller waits separately ( "clean
// shutdown (async request then wait)").
func (s *Supervisor) RequestVBDShutdown(ctx context.Context, domid, backendDomid types.DomId, devID int) error {
	path := xenstore.BackendPath("vbd", backendDomid, domid, devID)
	return s.xs.Write(ctx, xenstore.Join(path, "online"), "0")
}

// WaitVBDShutdown blocks on the backend's completion watch up to
// BackendTimeout.
func (s *Supervisor) WaitVBDShutdown(ctx context.Context, domid, backendDomid types.DomId, devID int) error {
	path := xenstore.BackendPath("vbd", backendDomid, domid, devID)
	return waitForBackendDone(ctx, s.xs, path, BackendTimeout)
}

// HardShutdownVBD forces the backend to flush without waiting for a
// cooperative shutdown.
func (s *Supervisor) HardShutdownVBD(ctx context.Context, domid, backendDomid types.DomId, devID int) error {
	path := xenstore.BackendPath("vbd", backendDomid, domid, devID)
	if err := s.xs.Write(ctx, xenstore.Join(path, "online"), "0"); err != nil {
		return err
	}
	return s.xs.Write(ctx, xenstore.Join(path, "state"), "6") // XenbusStateClosed
}

// ReleaseVBD removes the frontend and backend subtrees for one device.
func (s *Supervisor) ReleaseVBD(ctx context.Context, domid, backendDomid types.DomId, devID int) error {
	frontendPath := xenstore.FrontendPath(domid, "vbd", devID)
	backendPath := xenstore.BackendPath("vbd", backendDomid, domid, devID)
	var firstErr error
	if err := s.xs.Rm(ctx, frontendPath); err != nil {
		firstErr = err
	}
	if err := s.xs.Rm(ctx, backendPath); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// VBDRef names one plugged block device for the parallel hard-shutdown
// fan-out below.
type VBDRef struct {
	DomId        types.DomId
	BackendDomId types.DomId
	DevID        int
}

// HardShutdownAllVBDs forces every vbd in parallel and waits for every
// backend's completion watch plus overall timeout, raising
// BackendTimeout if the budget expires ( "Hard shutdown of
// all VBDs in parallel waits for every backend's completion watch..
// overall timeout raises BackendTimeout").
func (s *Supervisor) HardShutdownAllVBDs(ctx context.Context, vbds []VBDRef) error {
	ctx, cancel := context.WithTimeout(ctx, BackendTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var errs []error
	for _, v := range vbds {
		v := v
		g.Go(func() error {
			if err := s.HardShutdownVBD(gctx, v.DomId, v.BackendDomId, v.DevID); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			if err := s.WaitVBDShutdown(gctx, v.DomId, v.BackendDomId, v.DevID); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(errs) > 0 {
		return types.NewErrorf(types.KindBackendTimeout, "%d of %d VBDs did not shut down cleanly: %v", len(errs), len(vbds), errs[0])
	}
	return nil
}
