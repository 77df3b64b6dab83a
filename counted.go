// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

// countedCompletion gives each contributor its own slot and counts
// arrivals with fetch-add. The last arrival publishes and the consumer
// reduces all slots into slot 0.
type countedCompletion struct{}

func (countedCompletion) contribute(r *route, c *cell) (bool, int) {
	n := r.write(c.slot(c.id), c.src, c.length)
	return int(c.e.pending.AddAcqRel(1)) == c.procs, n
}

func (countedCompletion) complete(r *route, c *cell) bool {
	if !c.packed {
		for id := 1; id < c.procs; id++ {
			r.foldSlot(c.data, c.slot(id), c.length)
		}
	}
	return true
}

func (countedCompletion) reset(c *cell) {
	c.e.pending.StoreRelease(0)
}

func (countedCompletion) ack(c *cell) {
	c.e.pending.AddAcqRel(1)
}

func (countedCompletion) acked(c *cell) bool {
	return int(c.e.pending.LoadAcquire()) == c.procs
}
