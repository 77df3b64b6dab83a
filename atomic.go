// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

import "unsafe"

// atomicCompletion adds every contribution into a zeroed data area with
// atomic fetch-add and counts arrivals the same way. Only integer sums
// qualify. The data area is zeroed again after delivery.
type atomicCompletion struct{}

func (atomicCompletion) contribute(r *route, c *cell) (bool, int) {
	n := c.length
	if r.lenNonzero {
		n = r.cb.reduce(c.data, c.src, c.length)
	}
	last := int(c.e.pending.AddAcqRel(1)) == c.procs
	if r.timed {
		// Concurrent writers cannot agree on a minimum without a CAS per
		// element; the publisher's clock stands for the group.
		if last {
			storeStamp(unsafe.Add(c.data, n), hresClock())
		}
		n += timestampSize
	}
	return last, n
}

func (atomicCompletion) complete(*route, *cell) bool { return true }

func (atomicCompletion) reset(c *cell) {
	clear(bytesAt(c.data, c.posted))
	c.e.pending.StoreRelease(0)
}

func (atomicCompletion) ack(c *cell) {
	c.e.pending.AddAcqRel(1)
}

func (atomicCompletion) acked(c *cell) bool {
	return int(c.e.pending.LoadAcquire()) == c.procs
}
