// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package updatebus

import (
	"fmt"
	"sync"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/types"
)

// Thunk is one unit of work submitted to a VM's serial queue.
type Thunk func() error

// VmQueues keeps one bounded FIFO per VmId, each drained by its own
// goroutine, so operations against a single VmId are totally ordered
// ( "operations on a single VmId are totally ordered by its
// worker queue") while different VMs proceed in parallel. The shape is
// workerpool.go idiom -- one goroutine per live queue -- simplified
// here to a strict FIFO instead of workerpool's keyed request/response
// cache, since the engine needs ordering, not a result cache. A VM's
// queue and goroutine are not collected when idle; they live until
// Close.
type VmQueues struct {
	log   base.Logger
	depth int

	mu     sync.Mutex
	queues map[types.VmId]*vmQueue
}

type vmQueue struct {
	ch   chan Thunk
	done chan struct{}
}

// ErrQueueFull is returned by Submit when the named VM's queue is
// already at capacity.
type ErrQueueFull struct{ VmId types.VmId }

func (e *ErrQueueFull) Error() string {
	return fmt.Sprintf("updatebus: queue for vm %s is full", e.VmId)
}

// NewVmQueues returns a queue manager whose per-VM FIFOs hold up to
// depth pending thunks before Submit starts returning ErrQueueFull.
func NewVmQueues(log base.Logger, depth int) *VmQueues {
	if depth <= 0 {
		depth = 16
	}
	return &VmQueues{log: log, depth: depth, queues: map[types.VmId]*vmQueue{}}
}

// Submit enqueues fn for serial execution against vmid, starting that
// VM's worker goroutine the first time it is used.
func (q *VmQueues) Submit(vmid types.VmId, fn Thunk) error {
	q.mu.Lock()
	vq, ok := q.queues[vmid]
	if !ok {
		vq = &vmQueue{ch: make(chan Thunk, q.depth), done: make(chan struct{})}
		q.queues[vmid] = vq
		go q.drain(vmid, vq)
	}
	q.mu.Unlock()

	select {
	case vq.ch <- fn:
		return nil
	default:
		return &ErrQueueFull{VmId: vmid}
	}
}

// SubmitSync submits fn and blocks until it has run, returning its error.
func (q *VmQueues) SubmitSync(vmid types.VmId, fn Thunk) error {
	result := make(chan error, 1)
	err := q.Submit(vmid, func() error {
		err := fn()
		result <- err
		return err
	})
	if err != nil {
		return err
	}
	return <-result
}

func (q *VmQueues) drain(vmid types.VmId, vq *vmQueue) {
	for {
		select {
		case fn := <-vq.ch:
			if err := fn(); err != nil {
				q.log.WithField("vmid", string(vmid)).Warnf("queued operation failed: %v", err)
			}
		case <-vq.done:
			return
		}
	}
}

// Close stops every per-VM worker goroutine. Queued-but-not-yet-run
// thunks are dropped.
func (q *VmQueues) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, vq := range q.queues {
		close(vq.done)
	}
	q.queues = map[types.VmId]*vmQueue{}
}
