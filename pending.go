// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/lfq"
)

// Pending request states.
const (
	pendingIdle uint32 = iota
	pendingQueued
	pendingRunning
	pendingDone
	pendingCanceled
)

// Pending is a send deferred until its FIFO has room.
//
// Send is retried from Progress, in the order requests were added, until
// it returns anything but ErrWouldBlock. Its result is kept in Err.
type Pending struct {
	Send func() error
	Err  error

	ep    *Endpoint
	state atomix.Uint32
}

// Done reports whether Send has completed.
func (p *Pending) Done() bool { return p.state.LoadAcquire() == pendingDone }

// Canceled reports whether the request was canceled before it ran.
func (p *Pending) Canceled() bool { return p.state.LoadAcquire() == pendingCanceled }

// pendingQueue holds the deferred sends of one interface. Requests that
// would block again are parked in stalled so the queue keeps its order.
type pendingQueue struct {
	q       *lfq.SPSC[*Pending]
	stalled *Pending
	live    int
}

func newPendingQueue(capacity int) *pendingQueue {
	return &pendingQueue{q: lfq.NewSPSC[*Pending](capacity)}
}

func (q *pendingQueue) empty() bool { return q.live == 0 }

func (q *pendingQueue) add(p *Pending) error {
	if !p.state.CompareAndSwapAcqRel(pendingIdle, pendingQueued) &&
		!p.state.CompareAndSwapAcqRel(pendingDone, pendingQueued) {
		return ErrBusy
	}
	if err := q.q.Enqueue(&p); err != nil {
		p.state.StoreRelease(pendingIdle)
		return err
	}
	q.live++
	return nil
}

// next returns the oldest request still queued.
func (q *pendingQueue) next() *Pending {
	if p := q.stalled; p != nil {
		q.stalled = nil
		return p
	}
	for {
		p, err := q.q.Dequeue()
		if err != nil {
			return nil
		}
		if p.state.LoadAcquire() == pendingQueued {
			return p
		}
	}
}

// dispatch runs queued requests until one would block. It returns the
// number completed.
func (q *pendingQueue) dispatch() int {
	n := 0
	for q.live > 0 {
		p := q.next()
		if p == nil {
			break
		}
		if !p.state.CompareAndSwapAcqRel(pendingQueued, pendingRunning) {
			continue
		}
		err := p.Send()
		if IsWouldBlock(err) {
			p.state.StoreRelease(pendingQueued)
			q.stalled = p
			break
		}
		p.Err = err
		p.state.StoreRelease(pendingDone)
		q.live--
		n++
	}
	return n
}

// cancel withdraws a request that has not started.
func (q *pendingQueue) cancel(p *Pending) error {
	if !p.state.CompareAndSwapAcqRel(pendingQueued, pendingCanceled) {
		return ErrNotImplemented
	}
	q.live--
	return nil
}

// purge cancels every queued request for which match returns true and
// hands it to fn.
func (q *pendingQueue) purge(match func(*Pending) bool, fn func(*Pending)) {
	keep := make([]*Pending, 0, q.live)
	for {
		p := q.next()
		if p == nil {
			break
		}
		if !match(p) {
			keep = append(keep, p)
			continue
		}
		if q.cancel(p) == nil && fn != nil {
			fn(p)
		}
	}
	for _, p := range keep {
		_ = q.q.Enqueue(&p)
	}
}
