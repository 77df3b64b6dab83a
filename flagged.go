// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

// flaggedCompletion closes every slot with a word that a contributor sets
// to the inverse of the generation's owner bit once its data is in place.
// Slots never need clearing: the expected value flips with every wrap.
//
// Offset 0 publishes without waiting for anyone. The consumer then walks
// the slots in order, folding each one into slot 0 as its flag appears,
// and keeps its position in pending so a later poll resumes there.
type flaggedCompletion struct{}

func (flaggedCompletion) contribute(r *route, c *cell) (bool, int) {
	n := r.write(c.slot(c.id), c.src, c.length)
	if c.id != 0 {
		c.flag(c.id).StoreRelease(uint64(c.owner ^ flagOwner))
		return false, n
	}
	c.e.pending.StoreRelease(1)
	return true, n
}

func (flaggedCompletion) complete(r *route, c *cell) bool {
	p := int(c.e.pending.LoadAcquire())
	for p < c.procs {
		if uint8(c.flag(p).LoadAcquire()) == c.owner {
			break
		}
		if !c.packed {
			r.foldSlot(c.data, c.slot(p), c.length)
		}
		p++
	}
	c.e.pending.StoreRelease(uint32(p))
	return p == c.procs
}

func (flaggedCompletion) reset(*cell) {}

func (flaggedCompletion) ack(c *cell) {
	c.flag(c.id).StoreRelease(uint64(c.owner ^ flagOwner))
}

func (flaggedCompletion) acked(c *cell) bool {
	p := int(c.e.pending.LoadAcquire())
	for p < c.procs && uint8(c.flag(p).LoadAcquire()) != c.owner {
		p++
	}
	c.e.pending.StoreRelease(uint32(p))
	return p == c.procs
}
