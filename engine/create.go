// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/openxenstack/domaind/membroker"
	"github.com/openxenstack/domaind/types"
	"github.com/openxenstack/domaind/xenstore"
)

// CreateRequest is the caller-supplied half "create":
// the dynamic memory range, vcpu count, shadow multiplier and
// create_info the engine needs on top of whatever VmExtra it already
// has persisted for this VmId (e.g. a resumable suspend image).
type CreateRequest struct {
	VmId types.VmId

	CreateInfo types.CreateInfo

	DynMinKiB    uint64
	DynMaxKiB    uint64
	StaticMaxKiB uint64
	VCPUs        int

	ShadowMultiplier float64
	SecurityID       uint32
}

// Create runs "create" transition: load or synthesize
// VmExtra, compute the ballooning overhead, reserve memory over a
// resume-aware target range, create the domain, and transfer the
// reservation to it. Serialized per VmId.
func (e *Engine) Create(ctx context.Context, req CreateRequest) error {
	return e.queues.SubmitSync(req.VmId, func() error {
		return e.doCreate(ctx, req)
	})
}

func (e *Engine) doCreate(ctx context.Context, req CreateRequest) error {
	if !req.VmId.Valid() {
		return types.NewErrorf(types.KindInvalidVmId, "%q is not a UUID", req.VmId)
	}

	extra, err := e.loadOrNew(req.VmId)
	if err != nil {
		return err
	}

	hvm := req.CreateInfo.HVM
	staticMaxMiB := req.StaticMaxKiB / 1024
	overhead := OverheadKiB(hvm, staticMaxMiB, req.VCPUs, req.ShadowMultiplier)

	var min, max uint64
	if extra.HasSuspendImage() {
		kib := extra.SuspendMemoryBytes / 1024
		min, max = kib, kib
	} else {
		min, max = req.DynMinKiB+overhead, req.DynMaxKiB+overhead
	}

	var domid types.DomId
	var amount uint64
	err = e.broker.WithReservation(ctx, min, max, func(granted uint64, resID membroker.ReservationID) (bool, error) {
		amount = granted
		var derr error
		domid, derr = e.control.DomainCreate(req.SecurityID, hvm, string(req.VmId))
		if derr != nil {
			return false, derr
		}
		if derr := e.broker.TransferToDomain(ctx, resID, domid); derr != nil {
			if destroyErr := e.control.DomainDestroy(domid); destroyErr != nil {
				e.log.Errorf("create(%s): destroy after failed transfer: %v", req.VmId, destroyErr)
			}
			return false, derr
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	extra.DomId = domid
	extra.CreateInfo = req.CreateInfo
	extra.VCPUs = req.VCPUs
	extra.ShadowMultiplier = req.ShadowMultiplier
	extra.MemoryStaticMaxKiB = req.StaticMaxKiB
	extra.LastCreateTime = time.Now()
	if err := e.store.Save(extra); err != nil {
		return err
	}

	initialTarget := minU64(req.DynMaxKiB, subOrZero(amount, overhead))
	if err := e.writeCreateXenstore(ctx, domid, req, initialTarget); err != nil {
		if destroyErr := e.control.DomainDestroy(domid); destroyErr != nil {
			e.log.Errorf("create(%s): destroy after xenstore setup failure: %v", req.VmId, destroyErr)
		}
		return err
	}

	if err := e.control.SetMaxMem(domid, req.StaticMaxKiB); err != nil {
		return err
	}
	if err := e.control.MaxVCPUs(domid, req.VCPUs); err != nil {
		return err
	}

	e.publish(types.NewVmUpdate(req.VmId))
	return nil
}

func subOrZero(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

func (e *Engine) writeCreateXenstore(ctx context.Context, domid types.DomId, req CreateRequest, initialTarget uint64) error {
	domPath := xenstore.DomainPath(domid)
	return e.xs.Transaction(ctx, func(tx xenstore.Tx) error {
		if err := tx.Mkdir(ctx, domPath); err != nil {
			return err
		}
		fields := map[string]string{
			"vm":                    xenstore.VmPath(string(req.VmId)),
			"name":                  req.CreateInfo.Name,
			"domid":                 fmt.Sprintf("%d", domid),
			"memory/static-max":     fmt.Sprintf("%d", req.StaticMaxKiB),
			"memory/dynamic-min":    fmt.Sprintf("%d", req.DynMinKiB),
			"memory/target":         fmt.Sprintf("%d", initialTarget),
			"memory/initial-target": fmt.Sprintf("%d", initialTarget),
			"control/shutdown":      "",
			"control/sysrq":         "",
		}
		for k, v := range fields {
			if err := tx.Write(ctx, xenstore.Join(domPath, k), v); err != nil {
				return err
			}
		}
		for k, v := range req.CreateInfo.InitialXSData {
			if err := tx.Write(ctx, xenstore.Join(domPath, k), v); err != nil {
				return err
			}
		}
		roPerms := []xenstore.Permission{{DomId: domid, Write: false}}
		rwPerms := []xenstore.Permission{{DomId: domid, Write: true}}
		for _, p := range []string{"memory", "cpu", "vm"} {
			if err := tx.SetPerms(ctx, xenstore.Join(domPath, p), DomZero, roPerms); err != nil {
				return err
			}
		}
		for _, p := range []string{"device", "error", "drivers", "control", "attr", "data", "messages"} {
			if err := tx.Mkdir(ctx, xenstore.Join(domPath, p)); err != nil {
				return err
			}
			if err := tx.SetPerms(ctx, xenstore.Join(domPath, p), DomZero, rwPerms); err != nil {
				return err
			}
		}
		return nil
	})
}
