// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

import (
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// ring is a view of one FIFO inside a segment.
//
// Based on Lamport's ring buffer with cached index optimization: writers
// cache the released tail and consumers detect new elements through the
// owner bit instead of the head index, so the only shared line touched on
// the fast path is the element itself.
//
// head counts published elements, tail counts released ones. Writers may
// claim an index while tail+fifoSize > index.
type ring struct {
	base unsafe.Pointer
	lay  *layout
	head *atomix.Uint64
	tail *atomix.Uint64
}

func newRing(base unsafe.Pointer, lay *layout) *ring {
	return &ring{
		base: base,
		lay:  lay,
		head: (*atomix.Uint64)(unsafe.Add(base, headOffset)),
		tail: (*atomix.Uint64)(unsafe.Add(base, tailOffset)),
	}
}

func (r *ring) elem(index uint64) *elemCtl          { return r.lay.elemAt(r.base, index) }
func (r *ring) payload(index uint64) unsafe.Pointer { return r.lay.payloadAt(r.base, index) }
func (r *ring) seg(index uint64) unsafe.Pointer     { return r.lay.segAt(r.base, index) }
func (r *ring) acks(index uint64) unsafe.Pointer    { return r.lay.ackAt(r.base, index) }

// reset puts every element back into its initial state: owner bit set,
// which no reader at generation zero accepts.
func (r *ring) reset() {
	r.head.StoreRelaxed(0)
	r.tail.StoreRelaxed(0)
	for i := uint64(0); i < r.lay.fifoSize; i++ {
		e := r.elem(i)
		clear(bytesAt(unsafe.Pointer(e), r.lay.elemSize))
		clear(bytesAt(r.seg(i), r.lay.segSize))
		e.word.StoreRelease(uint64(flagOwner))
	}
}

// publish makes the element at index visible to readers. word carries the
// owner bit for index's generation.
func (r *ring) publish(e *elemCtl, index uint64, word uint64) {
	e.word.StoreRelease(word)
	r.advanceHead(index + 1)
}

// advanceHead raises head to at least to. Several publishers may finish
// out of order, so head only ever moves forward.
func (r *ring) advanceHead(to uint64) {
	sw := spin.Wait{}
	for {
		cur := r.head.LoadAcquire()
		if cur >= to || r.head.CompareAndSwapAcqRel(cur, to) {
			return
		}
		sw.Once()
	}
}

// producer is the writer-side state of an endpoint.
type producer struct {
	txIndex    uint64
	cachedTail uint64
}

// writable reports whether the next index fits, refreshing the cached
// tail if the cached view says the ring is full.
func (p *producer) writable(r *ring) bool {
	if p.txIndex-p.cachedTail < r.lay.fifoSize {
		return true
	}
	p.cachedTail = r.tail.LoadAcquire()
	return p.txIndex-p.cachedTail < r.lay.fifoSize
}

// recvCheck is the reader-side state of a FIFO: the next index to consume
// and how often the tail is released back to writers.
type recvCheck struct {
	ring        *ring
	readIndex   uint64
	releaseMask uint64
	releases    bool // false for bcast receivers, which only acknowledge
}

func newRecvCheck(r *ring, releaseMask uint64, releases bool) recvCheck {
	return recvCheck{ring: r, releaseMask: releaseMask, releases: releases}
}

// peek returns the element at readIndex and its word if it has been
// published for the current generation.
func (c *recvCheck) peek() (*elemCtl, uint64, bool) {
	e := c.ring.elem(c.readIndex)
	w := e.word.LoadAcquire()
	if wordOwner(w) != ownerFlag(c.readIndex, c.ring.lay.fifoSize) {
		return nil, 0, false
	}
	return e, w, true
}

// hasNewData is peek without the result.
func (c *recvCheck) hasNewData() bool {
	_, _, ok := c.peek()
	return ok
}

// advance moves past the consumed element and releases the tail once per
// releaseMask+1 elements.
func (c *recvCheck) advance() {
	c.readIndex++
	if c.releases && c.readIndex&c.releaseMask == 0 {
		c.ring.tail.StoreRelease(c.readIndex)
	}
}

// release publishes the read index to writers immediately.
func (c *recvCheck) release() {
	if c.releases && c.ring.tail.LoadRelaxed() != c.readIndex {
		c.ring.tail.StoreRelease(c.readIndex)
	}
}

// retire returns the fifoSize elements from index on to the unpublished
// state of their generation, clears their counters and opens their locks.
// It reports how many locks were still held.
func (r *ring) retire(from uint64) (held int) {
	for idx := from; idx < from+r.lay.fifoSize; idx++ {
		e := r.elem(idx)
		if !e.lock.TryLock() {
			held++
		}
		e.pending.StoreRelease(0)
		e.word.StoreRelease(uint64(ownerFlag(idx+r.lay.fifoSize, r.lay.fifoSize)))
		e.lock.reset()
	}
	return held
}

// sentinelRing is a two-element ring whose elements carry the owner bit at
// generation zero, so reads through it never succeed. The dummy endpoint
// polls it until a real endpoint exists.
func sentinelRing() *ring {
	lay := &layout{fifoSize: 2, fifoMask: 1, elemSize: elemHeaderSize}
	mem := make([]uint64, (elemsOffset+2*elemHeaderSize)/8)
	r := newRing(unsafe.Pointer(unsafe.SliceData(mem)), lay)
	r.elem(0).word.StoreRelaxed(uint64(flagOwner))
	r.elem(1).word.StoreRelaxed(uint64(flagOwner))
	return r
}
