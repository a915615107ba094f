// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package updatebus

import (
	"context"
	"testing"
	"time"

	"github.com/openxenstack/domaind/types"
)

func TestBusOrderingAcrossVms(t *testing.T) {
	b := NewBus()
	x := b.Publish(types.NewVmUpdate(types.VmId("x")))
	y := b.Publish(types.NewVmUpdate(types.VmId("y")))
	if !(x.Id < y.Id) {
		t.Fatalf("expected x.Id < y.Id, got %d, %d", x.Id, y.Id)
	}

	items, next := b.Get(context.Background(), 0, time.Second)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if next != y.Id {
		t.Fatalf("expected next=%d, got %d", y.Id, next)
	}

	items, _ = b.Get(context.Background(), next, 50*time.Millisecond)
	if len(items) != 0 {
		t.Fatalf("expected no items for fresh cursor, got %d", len(items))
	}
}

func TestBusGetUnblocksOnPublish(t *testing.T) {
	b := NewBus()
	done := make(chan []types.Update, 1)
	go func() {
		items, _ := b.Get(context.Background(), 0, 2*time.Second)
		done <- items
	}()
	time.Sleep(20 * time.Millisecond)
	b.Publish(types.NewVbdUpdate(types.VmId("x"), "xvda"))

	select {
	case items := <-done:
		if len(items) != 1 {
			t.Fatalf("expected 1 item, got %d", len(items))
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock on publish")
	}
}

func TestVmQueuesSerializePerVm(t *testing.T) {
	q := NewVmQueues(nil, 8)
	var trace []int
	ch := make(chan struct{})
	for i := 0; i < 5; i++ {
		n := i
		_ = q.Submit(types.VmId("v1"), func() error {
			trace = append(trace, n)
			if n == 4 {
				close(ch)
			}
			return nil
		})
	}
	<-ch
	for i, v := range trace {
		if v != i {
			t.Fatalf("expected strict order, got %v", trace)
		}
	}
}
