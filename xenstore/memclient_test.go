// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package xenstore

import (
	"context"
	"testing"

	"github.com/openxenstack/domaind/types"
)

func TestMemClientReadNotFound(t *testing.T) {
	c := NewMemClient()
	_, err := c.Read(context.Background(), "/local/domain/1/name")
	if !types.IsKind(err, types.KindDoesNotExist) {
		t.Fatalf("expected DoesNotExist, got %v", err)
	}
}

func TestMemClientWriteReadRoundtrip(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()
	if err := c.Write(ctx, "/local/domain/1/name", "guest"); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, err := c.Read(ctx, "/local/domain/1/name")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != "guest" {
		t.Fatalf("got %q, want %q", v, "guest")
	}
}

func TestMemClientDirectory(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()
	_ = c.Write(ctx, "/local/domain/1/memory/target", "1024")
	_ = c.Write(ctx, "/local/domain/1/memory/static-max", "2048")

	children, err := c.Directory(ctx, "/local/domain/1/memory")
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	if len(children) != 2 || children[0] != "static-max" || children[1] != "target" {
		t.Fatalf("unexpected children: %v", children)
	}
}

func TestMemClientTransactionAtomicity(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()
	err := c.Transaction(ctx, func(tx Tx) error {
		if err := tx.Write(ctx, "/local/domain/1/a", "1"); err != nil {
			return err
		}
		return tx.Write(ctx, "/local/domain/1/b", "2")
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	a, _ := c.Read(ctx, "/local/domain/1/a")
	b, _ := c.Read(ctx, "/local/domain/1/b")
	if a != "1" || b != "2" {
		t.Fatalf("transaction did not apply both writes: a=%q b=%q", a, b)
	}
}

func TestMemClientTransactionRollsBackOnError(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()
	err := c.Transaction(ctx, func(tx Tx) error {
		_ = tx.Write(ctx, "/local/domain/1/a", "1")
		return types.NewError(types.KindInternalError)
	})
	if err == nil {
		t.Fatalf("expected error to propagate")
	}
	if _, rerr := c.Read(ctx, "/local/domain/1/a"); !types.IsKind(rerr, types.KindDoesNotExist) {
		t.Fatalf("expected write inside failed transaction to be rolled back, got %v", rerr)
	}
}

func TestMemClientWatchFiresOnWrite(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()
	ch, err := c.Watch(ctx, "/local/domain/1/control/shutdown")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := c.Write(ctx, "/local/domain/1/control/shutdown", "poweroff"); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-ch:
	default:
		t.Fatalf("expected watch to fire")
	}
}
