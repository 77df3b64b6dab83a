// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

import "unsafe"

// collaborativeCompletion chains slots. After writing its own slot a
// contributor folds every ready neighbour to its right into it, zeroing
// their counters, and then stores how many slots its own now covers. The
// consumer follows the chain from slot 0 the same way. An extra slot at
// the end always reads zero and stops every walk.
//
// Offset 0 keeps its count in the element's pending word and publishes
// right away; it never waits for slower contributors.
type collaborativeCompletion struct{}

func (collaborativeCompletion) contribute(r *route, c *cell) (bool, int) {
	mine := c.slot(c.id)
	n := r.write(mine, c.src, c.length)
	covered := c.fold(r, mine, c.id+1)
	if c.id != 0 {
		c.flag(c.id).StoreRelease(covered)
		return false, n
	}
	c.e.pending.StoreRelease(uint32(covered))
	return true, n
}

// fold absorbs the chain starting at slot next into dst and returns the
// number of slots dst covers, itself included. r is nil when only
// counters are chained.
func (c *cell) fold(r *route, dst unsafe.Pointer, next int) uint64 {
	covered := uint64(1)
	for next < c.procs {
		w := c.flag(next)
		cnt := w.LoadAcquire()
		if cnt == 0 {
			break
		}
		if r != nil {
			r.foldSlot(dst, c.slot(next), c.length)
		}
		w.StoreRelaxed(0)
		covered += cnt
		next += int(cnt)
	}
	return covered
}

func (collaborativeCompletion) complete(r *route, c *cell) bool {
	p := int(c.e.pending.LoadAcquire())
	if p < c.procs {
		p += int(c.fold(r, c.data, p)) - 1
		c.e.pending.StoreRelease(uint32(p))
	}
	return p == c.procs
}

func (collaborativeCompletion) reset(c *cell) {
	c.e.pending.StoreRelease(0)
}

func (collaborativeCompletion) ack(c *cell) {
	c.flag(c.id).StoreRelease(c.fold(nil, nil, c.id+1))
}

func (collaborativeCompletion) acked(c *cell) bool {
	p := int(c.e.pending.LoadAcquire())
	if p < c.procs {
		p += int(c.fold(nil, nil, p)) - 1
		c.e.pending.StoreRelease(uint32(p))
	}
	return p == c.procs
}
