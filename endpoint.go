// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

import (
	"fmt"
	"unsafe"
)

type epKind uint8

const (
	epRemote epKind = iota
	epLoopback
	epDummy
)

// Endpoint is a connection from one interface to a peer's FIFO.
//
// On incast a non-root rank writes its contributions through the endpoint
// connected to the root. On bcast the root sends through its loopback
// endpoint and every receiver reads and acknowledges through the endpoint
// connected to the root.
//
// Endpoints are reference counted: connecting twice to the same peer
// returns the same endpoint, and each Connect must be matched by Destroy.
type Endpoint struct {
	iface    *Iface
	kind     epKind
	refCount int

	remoteID int
	procs    int // contributors or receivers per element
	offsetID int // rank among the peer's writers

	seg  *Segment // nil unless the endpoint attached the peer's segment
	ring *ring
	producer
	recv recvCheck

	elemSlot int // 0 when the strategy is unslotted
	segSlot  int

	short *route
	bcopy *route

	scratch []byte
}

// RemoteID returns the rank of the peer.
func (ep *Endpoint) RemoteID() int { return ep.remoteID }

// OffsetID returns this rank's position among the peer's writers.
func (ep *Endpoint) OffsetID() int { return ep.offsetID }

// IsLoopback reports whether the endpoint targets the interface's own FIFO.
func (ep *Endpoint) IsLoopback() bool { return ep.kind == epLoopback }

func newEndpoint(i *Iface, kind epKind, remoteID int, r *ring, seg *Segment) (*Endpoint, error) {
	lay := i.lay
	ep := &Endpoint{
		iface:    i,
		kind:     kind,
		refCount: 1,
		remoteID: remoteID,
		procs:    lay.procs - 1,
		seg:      seg,
		ring:     r,
	}
	if i.rank > remoteID {
		ep.offsetID = i.rank - 1
	} else {
		ep.offsetID = i.rank
	}
	ep.recv = newRecvCheck(r, i.releaseMask, false)
	if kind == epDummy {
		return ep, nil
	}

	shortSel := selector{
		strategy:  lay.strategy,
		red:       i.opts.reduction,
		external:  i.opts.external,
		reduce:    lay.role == RoleIncast,
		idNonzero: ep.offsetID != 0,
		timed:     i.opts.timestamps,
	}
	bcopySel := shortSel
	if lay.role == RoleIncast {
		if lay.strategy.slotted() {
			ep.elemSlot = lay.elemSlot
			ep.segSlot = lay.segSlot
		}
		shortSel.stride, bcopySel.stride = lay.elemSlot, lay.segSlot
	} else {
		shortSel.stride, bcopySel.stride = lay.dataSize, lay.segSize
	}
	shortSel.capacity = lay.shortCapacity()
	bcopySel.capacity = lay.bcopyCapacity()

	m := specializations()
	var err error
	if ep.short, _, err = m.choose(shortSel); err != nil {
		return nil, fmt.Errorf("shmcoll: connect to rank %d: %w", remoteID, err)
	}
	if ep.bcopy, _, err = m.choose(bcopySel); err != nil {
		return nil, fmt.Errorf("shmcoll: connect to rank %d: %w", remoteID, err)
	}

	words := max(shortSel.capacity, bcopySel.capacity, 8) / 8
	ep.scratch = bytesAt(unsafe.Pointer(unsafe.SliceData(make([]uint64, words))), words*8)
	return ep, nil
}

// SendShort sends an inline message: header travels in the element
// control line and payload in the element itself.
//
// On incast payload is this rank's contribution and must be exactly the
// reduction size. The call returns ErrWouldBlock when the FIFO is full.
func (ep *Endpoint) SendShort(amID uint8, header uint64, payload []byte) error {
	if err := ep.sendable(amID); err != nil {
		return err
	}
	src := unsafe.Pointer(unsafe.SliceData(payload))
	if len(payload) > 0 && uintptr(src)%8 != 0 {
		copy(ep.scratch, payload)
		src = unsafe.Pointer(unsafe.SliceData(ep.scratch))
	}
	_, err := ep.send(ep.short, amID, header, src, len(payload), true)
	return err
}

// SendBcopy packs a message into the element's buffer segment and returns
// the packed length.
func (ep *Endpoint) SendBcopy(amID uint8, pack PackFunc) (int, error) {
	if err := ep.sendable(amID); err != nil {
		return 0, err
	}
	if !ep.iface.mayBypassPending() || !ep.hasRoom() {
		return 0, ErrWouldBlock
	}
	limit := ep.bcopy.capacity
	if ep.bcopy.timed {
		limit -= timestampSize
	}
	n := pack(ep.scratch[:max(limit, 0)])
	if n < 0 || n > limit {
		return 0, ErrInvalidParam
	}
	if _, err := ep.send(ep.bcopy, amID, 0, unsafe.Pointer(unsafe.SliceData(ep.scratch)), n, false); err != nil {
		return 0, err
	}
	return n, nil
}

func (ep *Endpoint) sendable(amID uint8) error {
	switch {
	case ep.refCount <= 0 || !ep.iface.ready():
		return ErrClosed
	case amID >= AmIDMax:
		return ErrInvalidParam
	case ep.kind == epDummy:
		return ErrInvalidParam
	}
	return nil
}

func (ep *Endpoint) send(r *route, amID uint8, header uint64, src unsafe.Pointer, length int, short bool) (int, error) {
	if ep.iface.lay.role == RoleIncast {
		return ep.sendIncast(r, amID, header, src, length, short)
	}
	return ep.sendBcast(r, amID, header, src, length, short)
}

// hasRoom reports whether the next send finds a free element. A bcast root
// reclaims acknowledged elements before giving up.
func (ep *Endpoint) hasRoom() bool {
	if ep.writable(ep.ring) {
		return true
	}
	if ep.kind == epLoopback && ep.iface.lay.role == RoleBcast {
		ep.iface.pollTail()
		return ep.writable(ep.ring)
	}
	return false
}

// fits reports whether a payload of length bytes fits the message class.
func (ep *Endpoint) fits(r *route, length int) bool {
	if r.timed {
		length += timestampSize
	}
	return length <= r.capacity
}

// PendingAdd queues req to be sent once the FIFO has room. It returns
// ErrBusy while the endpoint can still send directly.
func (ep *Endpoint) PendingAdd(req *Pending) error {
	i := ep.iface
	if !i.ready() || ep.refCount <= 0 {
		return ErrClosed
	}
	if req == nil || req.Send == nil {
		return ErrInvalidParam
	}
	if i.pending.empty() && ep.hasRoom() {
		return ErrBusy
	}
	req.ep = ep
	return i.pending.add(req)
}

// PendingPurge cancels every queued request of this endpoint and passes
// it to fn, which may be nil.
func (ep *Endpoint) PendingPurge(fn func(*Pending)) {
	ep.iface.pending.purge(func(p *Pending) bool { return p.ep == ep }, fn)
}

// Cancel withdraws a queued request. Anything that already reached shared
// memory cannot be withdrawn and yields ErrNotImplemented.
func (ep *Endpoint) Cancel(req *Pending) error {
	if req == nil || req.ep != ep {
		return ErrInvalidParam
	}
	return ep.iface.pending.cancel(req)
}

// Destroy drops one reference. The last one detaches the endpoint from
// its interface.
func (ep *Endpoint) Destroy() {
	if ep.refCount <= 0 {
		return
	}
	ep.refCount--
	if ep.refCount > 0 {
		return
	}
	ep.iface.unregister(ep)
	ep.PendingPurge(nil)
	if ep.seg != nil {
		ep.seg.Close()
		ep.seg = nil
	}
}
