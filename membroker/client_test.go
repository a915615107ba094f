// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package membroker

import (
	"context"
	"testing"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/types"
)

type fakeTransport struct {
	refusalsLeft int
	reserved     map[ReservationID]bool
	nextID       int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reserved: map[ReservationID]bool{}}
}

func (f *fakeTransport) Login(ctx context.Context) (Session, error) {
	return Session{token: "tok"}, nil
}

func (f *fakeTransport) Reserve(ctx context.Context, sess Session, min, max uint64) (uint64, ReservationID, error) {
	if f.refusalsLeft > 0 {
		f.refusalsLeft--
		return 0, "", types.ErrBallooning("CannotFreeThisMuch", "transient")
	}
	f.nextID++
	id := ReservationID("r" + string(rune('0'+f.nextID)))
	f.reserved[id] = true
	return min, id, nil
}

func (f *fakeTransport) TransferToDomain(ctx context.Context, sess Session, id ReservationID, domid types.DomId) error {
	delete(f.reserved, id)
	return nil
}

func (f *fakeTransport) Release(ctx context.Context, sess Session, id ReservationID) error {
	delete(f.reserved, id)
	return nil
}

func (f *fakeTransport) Balance(ctx context.Context, sess Session) error { return nil }

func TestReserveAndTransfer(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient(base.NewLogger("membroker-test", true), tr)
	amount, id, err := c.Reserve(context.Background(), 100, 200)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if amount != 100 {
		t.Fatalf("expected amount=min=100, got %d", amount)
	}
	if err := c.TransferToDomain(context.Background(), id, types.DomId(5)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if len(tr.reserved) != 0 {
		t.Fatalf("expected no residual reservations, got %d", len(tr.reserved))
	}
}

func TestWithReservationReleasesOnFailure(t *testing.T) {
	tr := newFakeTransport()
	c := NewClient(base.NewLogger("membroker-test", true), tr)
	err := c.WithReservation(context.Background(), 10, 20, func(amount uint64, id ReservationID) (bool, error) {
		return false, types.NewError(types.KindInternalError)
	})
	if err == nil {
		t.Fatal("expected propagated error")
	}
	if len(tr.reserved) != 0 {
		t.Fatalf("expected reservation released on failure, got %d outstanding", len(tr.reserved))
	}
}
