// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

import "unsafe"

// bcastRoot is the rank that writes a bcast group's FIFO.
const bcastRoot = 0

// sendBcast publishes one element in the root's own FIFO.
func (ep *Endpoint) sendBcast(r *route, amID uint8, header uint64, src unsafe.Pointer, length int, short bool) (int, error) {
	i := ep.iface
	if ep.kind != epLoopback {
		return 0, ErrInvalidParam
	}
	if !ep.fits(r, length) {
		return 0, ErrInvalidParam
	}
	if !i.mayBypassPending() || !ep.hasRoom() {
		return 0, ErrWouldBlock
	}

	idx := ep.txIndex
	e := ep.ring.elem(idx)
	flags := ownerFlag(idx, ep.ring.lay.fifoSize)
	var n int
	if short {
		n = r.write(ep.ring.payload(idx), src, length)
		flags |= flagInline
		e.header = header
	} else {
		n = r.write(ep.ring.seg(idx), src, length)
	}
	ep.ring.publish(e, idx, packWord(flags, amID, n))
	ep.txIndex++

	i.pollTail()
	return n, nil
}

// ackCell addresses the acknowledgement slots of element idx in r.
func (i *Iface) ackCell(r *ring, idx uint64, e *elemCtl) cell {
	c := cell{
		e:     e,
		data:  r.acks(idx),
		procs: i.lay.procs - 1,
		owner: ownerFlag(idx, i.lay.fifoSize),
	}
	if i.lay.ackSlots > 0 {
		c.stride = cacheLineSize
	}
	return c
}

// pollTail releases the root's elements that every receiver has
// acknowledged.
func (i *Iface) pollTail() int {
	if i.loopback == nil {
		return 0
	}
	done := completions[i.lay.strategy]
	n := 0
	for n < int(i.lay.fifoSize) {
		e, _, ok := i.recv.peek()
		if !ok {
			break
		}
		c := i.ackCell(i.ring, i.recv.readIndex, e)
		if !done.acked(&c) {
			break
		}
		e.pending.StoreRelease(0)
		i.recv.advance()
		n++
	}
	if n > 0 {
		i.recv.release()
	}
	return n
}

// progressEp delivers and acknowledges new elements from the root.
func (i *Iface) progressEp(ep *Endpoint) int {
	done := completions[i.lay.strategy]
	count := 0
	for count < i.pollCount {
		e, w, ok := ep.recv.peek()
		if !ok {
			break
		}
		idx := ep.recv.readIndex
		c := cell{e: e, posted: wordLength(w)}
		c.length = c.posted
		if i.opts.timestamps {
			c.length -= timestampSize
		}
		if wordInline(w) {
			c.data = ep.ring.payload(idx)
		} else {
			c.data = ep.ring.seg(idx)
		}
		i.deliver(w, e, &c)

		a := i.ackCell(ep.ring, idx, e)
		a.id = ep.offsetID
		done.ack(&a)
		ep.recv.advance()
		count++
	}
	return count
}

// progressBcast polls the endpoint that delivered last and, every
// releaseMask+1 idle calls, moves on to the next registered endpoint.
// The root also reclaims acknowledged elements.
func (i *Iface) progressBcast() int {
	count := i.pollTail()

	ep := i.lastNonzero
	n := i.progressEp(ep)
	if n == 0 && i.epCount > 0 {
		i.pollIfaceIdx++
		if ep.kind == epDummy || i.pollIfaceIdx&i.releaseMask == 0 {
			for range len(i.eps) {
				cand := i.eps[i.pollEpIdx]
				i.pollEpIdx = (i.pollEpIdx + 1) % len(i.eps)
				if cand == nil || cand == ep {
					continue
				}
				if n = i.progressEp(cand); n > 0 {
					i.lastNonzero = cand
				}
				break
			}
		}
	}
	return count + n
}
