// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

import "testing"

func newTestRing(t *testing.T, depth uint64) *ring {
	t.Helper()
	lay := newLayout(RoleBcast, Locked, 2, depth, 128, 64)
	r := newRing(alignedMem(lay.total), lay)
	r.reset()
	return r
}

// publishAt publishes an inline element at index for its generation.
func publishAt(r *ring, index uint64) {
	flags := ownerFlag(index, r.lay.fifoSize) | flagInline
	r.publish(r.elem(index), index, packWord(flags, 0, int(index)))
}

func TestRingResetNotReady(t *testing.T) {
	r := newTestRing(t, 4)
	rc := newRecvCheck(r, 1, true)
	for range 3 {
		if rc.hasNewData() {
			t.Fatalf("reset ring reports data")
		}
	}
}

// TestRingOwnerParity walks two full generations: an element left over
// from the previous wrap must never look ready.
func TestRingOwnerParity(t *testing.T) {
	const depth = 4
	r := newTestRing(t, depth)
	rc := newRecvCheck(r, depth-1, true)

	for idx := uint64(0); idx < 3*depth; idx++ {
		if rc.hasNewData() {
			t.Fatalf("index %d: stale element ready", idx)
		}
		publishAt(r, idx)
		_, w, ok := rc.peek()
		if !ok {
			t.Fatalf("index %d: published element not ready", idx)
		}
		if wordLength(w) != int(idx) {
			t.Fatalf("index %d: read word of index %d", idx, wordLength(w))
		}
		rc.advance()
	}
	if r.head.Load() != 3*depth {
		t.Fatalf("head: got %d, want %d", r.head.Load(), 3*depth)
	}
}

func TestRingHeadMonotonic(t *testing.T) {
	r := newTestRing(t, 8)
	r.advanceHead(5)
	r.advanceHead(3)
	if h := r.head.Load(); h != 5 {
		t.Fatalf("head: got %d, want 5", h)
	}
}

func TestProducerWritable(t *testing.T) {
	const depth = 4
	r := newTestRing(t, depth)
	var p producer
	for range depth {
		if !p.writable(r) {
			t.Fatalf("index %d: not writable", p.txIndex)
		}
		p.txIndex++
	}
	if p.writable(r) {
		t.Fatalf("full ring writable")
	}
	r.tail.Store(1)
	if !p.writable(r) {
		t.Fatalf("released element not reused")
	}
	if p.cachedTail != 1 {
		t.Fatalf("cachedTail: got %d, want 1", p.cachedTail)
	}
}

func TestRecvCheckRelease(t *testing.T) {
	r := newTestRing(t, 8)
	rc := newRecvCheck(r, 3, true)
	for idx := uint64(0); idx < 6; idx++ {
		publishAt(r, idx)
	}
	for range 3 {
		rc.advance()
	}
	if tail := r.tail.Load(); tail != 0 {
		t.Fatalf("tail released early: %d", tail)
	}
	rc.advance()
	if tail := r.tail.Load(); tail != 4 {
		t.Fatalf("tail: got %d, want 4", tail)
	}
	rc.advance()
	rc.release()
	if tail := r.tail.Load(); tail != 5 {
		t.Fatalf("tail after release: got %d, want 5", tail)
	}

	// Acknowledging readers never move the tail
	ack := newRecvCheck(r, 0, false)
	ack.advance()
	ack.release()
	if tail := r.tail.Load(); tail != 5 {
		t.Fatalf("non-releasing reader moved tail to %d", tail)
	}
}

// TestRingRetire publishes into two generations, retires the window at the
// read index and checks that no reader in it sees an element again.
func TestRingRetire(t *testing.T) {
	const depth = 4
	r := newTestRing(t, depth)
	rc := newRecvCheck(r, depth-1, true)
	for idx := uint64(0); idx < depth+2; idx++ {
		publishAt(r, idx)
	}
	rc.readIndex = 2
	r.elem(3).pending.StoreRelease(2)
	r.elem(4).lock.Lock()

	if held := r.retire(rc.readIndex); held != 1 {
		t.Fatalf("retire: %d locks held, want 1", held)
	}
	for idx := rc.readIndex; idx < rc.readIndex+depth; idx++ {
		rc.readIndex = idx
		if rc.hasNewData() {
			t.Fatalf("index %d ready after retire", idx)
		}
		if p := r.elem(idx).pending.LoadAcquire(); p != 0 {
			t.Fatalf("index %d: pending %d", idx, p)
		}
		if !r.elem(idx).lock.TryLock() {
			t.Fatalf("index %d: lock still held", idx)
		}
		r.elem(idx).lock.Unlock()
	}

	// A writer of the retired window publishes as before
	publishAt(r, 6)
	rc.readIndex = 6
	if !rc.hasNewData() {
		t.Fatalf("index 6 not ready after publish")
	}
}

func TestSentinelRing(t *testing.T) {
	rc := newRecvCheck(sentinelRing(), 0, false)
	for range 4 {
		if rc.hasNewData() {
			t.Fatalf("sentinel ring reports data")
		}
	}
}

func TestSpinLock(t *testing.T) {
	var l spinLock
	l.Lock()
	if l.TryLock() {
		t.Fatalf("TryLock succeeded on a held lock")
	}
	l.Unlock()
	if !l.TryLock() {
		t.Fatalf("TryLock failed on a free lock")
	}
	l.reset()
	l.Lock()
	l.Unlock()
}
