// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

import "unsafe"

// sendIncast writes one contribution into the root's FIFO. The contributor
// the strategy designates publishes the element.
func (ep *Endpoint) sendIncast(r *route, amID uint8, header uint64, src unsafe.Pointer, length int, short bool) (int, error) {
	i := ep.iface
	if ep.kind != epRemote {
		return 0, ErrInvalidParam
	}
	if length != i.opts.reduction.TotalSize() || !ep.fits(r, length) {
		return 0, ErrInvalidParam
	}
	if !i.mayBypassPending() || !ep.writable(ep.ring) {
		return 0, ErrWouldBlock
	}

	idx := ep.txIndex
	e := ep.ring.elem(idx)
	c := cell{
		e:      e,
		procs:  ep.procs,
		owner:  ownerFlag(idx, ep.ring.lay.fifoSize),
		id:     ep.offsetID,
		src:    src,
		length: length,
	}
	if short {
		c.data, c.stride = ep.ring.payload(idx), ep.elemSlot
	} else {
		c.data, c.stride = ep.ring.seg(idx), ep.segSlot
	}

	publish, n := r.done.contribute(r, &c)
	if publish {
		flags := c.owner
		if i.opts.slotted {
			flags |= uint8(LengthPacked) << flagShift
		}
		if short {
			flags |= flagInline
			e.header = header
		}
		ep.ring.publish(e, idx, packWord(flags, amID, n))
	}
	ep.txIndex++
	return n, nil
}

// progressIncast consumes completed elements of the interface's own FIFO.
func (i *Iface) progressIncast() int {
	count := 0
	for count < i.pollCount {
		e, w, ok := i.recv.peek()
		if !ok {
			break
		}
		idx := i.recv.readIndex
		c := cell{
			e:      e,
			procs:  i.lay.procs - 1,
			owner:  wordOwner(w),
			posted: wordLength(w),
			packed: wordLenInfo(w) == LengthPacked,
		}
		c.length = c.posted
		if i.opts.timestamps {
			c.length -= timestampSize
		}
		r := i.bcopyProgress
		if wordInline(w) {
			r = i.shortProgress
			c.data = i.ring.payload(idx)
			if i.lay.strategy.slotted() {
				c.stride = i.lay.elemSlot
			}
		} else {
			c.data = i.ring.seg(idx)
			if i.lay.strategy.slotted() {
				c.stride = i.lay.segSlot
			}
		}

		if !r.done.complete(r, &c) {
			break
		}
		i.deliver(w, e, &c)
		r.done.reset(&c)
		i.recv.advance()
		count++
	}
	if count > 0 {
		i.recv.release()
	}
	return count
}
