// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blockdev

import (
	"container/list"
	"sync"
)

// bioQueue is a per-device FIFO of submitted bios, drained by a single
// worker goroutine. Completion callbacks run on the worker, in submission
// order.
//
// The queue is unbounded; submitters never block. Bios submitted after
// shutdown begins are completed immediately (on the submitter) with EINVAL
// rather than silently dropped.
type bioQueue struct {
	// The device whose synchronous methods execute the queued work.
	dev Device

	mu sync.Mutex

	// Submitted but not yet executed bios.
	//
	// INVARIANT: Each element is a *Bio.
	pending list.List // GUARDED_BY(mu)

	// Set once shutdown has begun. Enqueue is disabled afterward.
	shuttingDown bool // GUARDED_BY(mu)

	// Signalled when a bio is enqueued or shutdown begins.
	wake *sync.Cond

	// Closed by the worker when it has drained the queue and observed
	// shutdown.
	done chan struct{}
}

func newBioQueue(dev Device) *bioQueue {
	q := &bioQueue{
		dev:  dev,
		done: make(chan struct{}),
	}

	q.wake = sync.NewCond(&q.mu)
	go q.run()

	return q
}

// Enqueue a bio for execution. Safe for concurrent use.
func (q *bioQueue) submit(b *Bio) {
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		if b.Done != nil {
			b.Done(EINVAL)
		}

		return
	}

	q.pending.PushBack(b)
	q.mu.Unlock()

	q.wake.Signal()
}

// Disable enqueueing, wake the worker, and wait for it to drain every queued
// bio. After shutdown returns the worker runs no further completions; bios
// submitted later are completed on the submitter with EINVAL.
func (q *bioQueue) shutdown() {
	q.mu.Lock()
	q.shuttingDown = true
	q.mu.Unlock()

	q.wake.Broadcast()
	<-q.done
}

// The worker goroutine. Executes bios in FIFO order, invoking each
// completion with the outcome.
func (q *bioQueue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for q.pending.Len() == 0 && !q.shuttingDown {
			q.wake.Wait()
		}

		// Drain remaining work even when shutting down, so that submitters
		// that raced with shutdown still observe a completion.
		e := q.pending.Front()
		if e == nil {
			q.mu.Unlock()
			return
		}

		q.pending.Remove(e)
		q.mu.Unlock()

		b := e.Value.(*Bio)
		err := q.process(b)
		if b.Done != nil {
			b.Done(err)
		}
	}
}

// Execute a single bio against the device.
func (q *bioQueue) process(b *Bio) error {
	switch b.Kind {
	case BioRead:
		_, err := q.dev.ReadAt(b.Sector, b.Data)
		return err

	case BioWrite:
		_, err := q.dev.WriteAt(b.Sector, b.Data)
		return err

	case BioFlush:
		return q.dev.Flush()

	case BioDiscard:
		return q.dev.Trim(b.Sector, uint64(len(b.Data)))
	}

	return EINVAL
}
