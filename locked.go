// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

// lockedCompletion serializes contributors on the element spinlock. The
// first one in copies, later ones reduce, and whoever brings pending to
// the group size publishes.
type lockedCompletion struct{}

func (lockedCompletion) contribute(r *route, c *cell) (bool, int) {
	c.e.lock.Lock()
	prev := c.e.pending.AddAcqRel(1) - 1
	var n int
	if prev == 0 {
		n = r.write(c.data, c.src, c.length)
	} else {
		n = r.fold(c.data, c.src, c.length)
	}
	c.e.lock.Unlock()
	return int(prev)+1 == c.procs, n
}

func (lockedCompletion) complete(*route, *cell) bool { return true }

func (lockedCompletion) reset(c *cell) {
	c.e.pending.StoreRelease(0)
}

func (lockedCompletion) ack(c *cell) {
	c.e.lock.Lock()
	c.e.pending.AddAcqRel(1)
	c.e.lock.Unlock()
}

func (lockedCompletion) acked(c *cell) bool {
	return int(c.e.pending.LoadAcquire()) == c.procs
}
