// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

import (
	"fmt"
	"time"
	"unsafe"

	"code.hybscloud.com/atomix"
	"github.com/rs/zerolog"
)

// Interface states.
const (
	stateReady uint32 = iota + 1
	stateDraining
	stateClosed
)

// Query constants.
const (
	ifaceLatency  = 80 * time.Nanosecond
	ifaceOverhead = 11 * time.Nanosecond
)

// Iface is one rank's attachment to a collective group.
//
// It owns a segment holding its FIFO, a table of active message handlers
// and the endpoints it has connected. An Iface is driven by a single
// goroutine: sends, Progress and Close must not run concurrently. The
// peers it exchanges data with are other interfaces, usually in other
// processes.
type Iface struct {
	opts    Options
	rank    int
	lay     *layout
	seg     *Segment
	ring    *ring
	recv    recvCheck
	log     zerolog.Logger
	state   atomix.Uint32
	pending *pendingQueue

	releaseMask uint64
	pollCount   int
	pollMax     int
	dispatching bool

	eps          []*Endpoint
	epCount      int
	loopback     *Endpoint
	dummy        *Endpoint
	lastNonzero  *Endpoint
	pollEpIdx    int
	pollIfaceIdx uint64

	shortProgress *route
	bcopyProgress *route

	handlers [AmIDMax]Handler
	msg      Message
}

func newIface(opts Options, role Role) (*Iface, error) {
	if err := opts.validate(role); err != nil {
		return nil, err
	}

	lay := newLayout(role, opts.strategy, opts.procs, uint64(opts.depth), opts.elemSize, opts.segSize)
	i := &Iface{
		opts:        opts,
		rank:        opts.rank,
		lay:         lay,
		releaseMask: opts.releaseMask(),
		pollCount:   opts.pollCount,
		pollMax:     opts.pollCount,
		eps:         make([]*Endpoint, opts.procs),
		pending:     newPendingQueue(max(opts.depth, 64)),
	}
	i.log = opts.log.With().
		Str("group", opts.name).
		Str("role", role.String()).
		Int("rank", opts.rank).
		Logger()

	if err := i.resolveRoutes(); err != nil {
		return nil, err
	}
	if opts.strategy == Hypothetic {
		i.log.Warn().Msg("hypothetic strategy selected: no synchronization, results are unreliable")
	}

	name := segmentName(opts.name, role, opts.rank)
	var seg *Segment
	var err error
	if opts.inProcess {
		seg, err = CreateLocalSegment(name, lay.total)
	} else {
		seg, err = CreateSegment(name, lay.total, opts.dir)
	}
	if err != nil {
		return nil, err
	}
	i.seg = seg
	i.ring = newRing(seg.base(), lay)
	i.ring.reset()
	lay.writeHeader(seg.base())
	i.recv = newRecvCheck(i.ring, i.releaseMask, true)

	i.dummy, _ = newEndpoint(i, epDummy, opts.rank, sentinelRing(), nil)
	i.lastNonzero = i.dummy
	i.state.StoreRelease(stateReady)

	i.log.Debug().
		Str("segment", name).
		Int("size", lay.total).
		Str("strategy", opts.strategy.String()).
		Uint64("depth", lay.fifoSize).
		Msg("interface created")
	return i, nil
}

func segmentName(group string, role Role, rank int) string {
	return fmt.Sprintf("%s.%s.%d", group, role, rank)
}

// resolveRoutes picks the consumer-side routes. Every combination a
// sender could pick is validated here so that Connect cannot fail on it.
func (i *Iface) resolveRoutes() error {
	lay := i.lay
	red := i.opts.reduction
	sel := selector{
		strategy: lay.strategy,
		red:      red,
		external: i.opts.external,
		reduce:   lay.role == RoleIncast,
		timed:    i.opts.timestamps,
	}

	need := red.TotalSize()
	if i.opts.timestamps {
		need += timestampSize
	}
	if lay.role == RoleIncast && need > lay.shortCapacity() && need > lay.bcopyCapacity() {
		return fmt.Errorf("shmcoll: %d-byte contribution exceeds element and segment: %w", need, ErrInvalidParam)
	}

	m := specializations()
	var err error
	sel.stride, sel.capacity = lay.elemSlot, lay.shortCapacity()
	if _, i.shortProgress, err = m.choose(sel); err != nil {
		return fmt.Errorf("shmcoll: %v %v/%v: %w", lay.strategy, red.Operator, red.Operand, err)
	}
	sel.stride, sel.capacity = lay.segSlot, lay.bcopyCapacity()
	if _, i.bcopyProgress, err = m.choose(sel); err != nil {
		return fmt.Errorf("shmcoll: %v %v/%v: %w", lay.strategy, red.Operator, red.Operand, err)
	}
	return nil
}

func (i *Iface) ready() bool { return i.state.LoadAcquire() == stateReady }

// mayBypassPending reports whether a direct send keeps request order:
// either nothing is queued or the queue itself is being dispatched.
func (i *Iface) mayBypassPending() bool {
	return i.dispatching || i.pending.empty()
}

// Rank returns the rank of this interface.
func (i *Iface) Rank() int { return i.rank }

// Procs returns the group size.
func (i *Iface) Procs() int { return i.lay.procs }

// Role returns the collective direction.
func (i *Iface) Role() Role { return i.lay.role }

// Strategy returns the completion strategy.
func (i *Iface) Strategy() Strategy { return i.lay.strategy }

// ReadIndex returns the number of elements consumed from the interface's
// own FIFO. On a bcast root it counts elements reclaimed.
func (i *Iface) ReadIndex() uint64 { return i.recv.readIndex }

// Address returns what peers pass to Connect to reach this interface.
func (i *Iface) Address() Address {
	return Address{ID: i.rank, Name: i.seg.Name()}
}

// SetHandler installs h for amID. A nil h drops messages for amID.
func (i *Iface) SetHandler(amID uint8, h Handler) error {
	if amID >= AmIDMax {
		return ErrInvalidParam
	}
	i.handlers[amID] = h
	return nil
}

// Connect returns the endpoint for addr, creating it on first use.
//
// Connecting to the interface's own address yields the loopback endpoint.
// A bcast root sends through it; bcast receivers connect to the root.
func (i *Iface) Connect(addr Address) (*Endpoint, error) {
	if !i.ready() {
		return nil, ErrClosed
	}
	if addr.ID < 0 || addr.ID >= i.lay.procs {
		return nil, fmt.Errorf("shmcoll: connect to rank %d of %d: %w", addr.ID, i.lay.procs, ErrInvalidParam)
	}

	if addr.ID == i.rank {
		if addr.Name != i.seg.Name() {
			return nil, fmt.Errorf("shmcoll: loopback address %q, own segment %q: %w", addr.Name, i.seg.Name(), ErrInvalidParam)
		}
		if i.loopback != nil {
			i.loopback.refCount++
			return i.loopback, nil
		}
		if i.lay.role == RoleBcast && i.rank != bcastRoot {
			return nil, fmt.Errorf("shmcoll: loopback on bcast receiver: %w", ErrInvalidParam)
		}
		ep, err := newEndpoint(i, epLoopback, i.rank, i.ring, nil)
		if err != nil {
			return nil, err
		}
		i.loopback = ep
		i.log.Debug().Msg("loopback endpoint created")
		return ep, nil
	}

	if ep := i.eps[addr.ID]; ep != nil {
		if addr.Name != ep.seg.Name() {
			return nil, fmt.Errorf("shmcoll: rank %d is attached through %q, not %q: %w", addr.ID, ep.seg.Name(), addr.Name, ErrInvalidParam)
		}
		ep.refCount++
		return ep, nil
	}
	if i.lay.role == RoleBcast && (addr.ID != bcastRoot || i.rank == bcastRoot) {
		return nil, fmt.Errorf("shmcoll: bcast endpoint %d -> %d: %w", i.rank, addr.ID, ErrInvalidParam)
	}

	seg, err := OpenSegment(addr.Name, i.opts.dir)
	if err != nil {
		return nil, err
	}
	if !i.lay.matches(seg.base(), seg.Size()) {
		seg.Close()
		return nil, fmt.Errorf("shmcoll: segment %q has a different layout: %w", addr.Name, ErrInvalidParam)
	}
	ep, err := newEndpoint(i, epRemote, addr.ID, newRing(seg.base(), i.lay), seg)
	if err != nil {
		seg.Close()
		return nil, err
	}
	i.eps[addr.ID] = ep
	i.epCount++
	if i.lay.role == RoleBcast && i.lastNonzero == i.dummy {
		i.lastNonzero = ep
	}
	i.log.Debug().Int("remote", addr.ID).Int("offset", ep.offsetID).Msg("endpoint connected")
	return ep, nil
}

func (i *Iface) unregister(ep *Endpoint) {
	switch ep.kind {
	case epLoopback:
		i.loopback = nil
	case epRemote:
		if i.eps[ep.remoteID] == ep {
			i.eps[ep.remoteID] = nil
			i.epCount--
		}
	}
	if i.lay.role == RoleBcast {
		i.lastNonzero = i.dummy
	}
	i.log.Debug().Int("remote", ep.remoteID).Msg("endpoint destroyed")
}

// Progress consumes ready elements, invokes handlers and retries pending
// sends. It returns the number of elements consumed.
func (i *Iface) Progress() int {
	if i.state.LoadAcquire() == stateClosed {
		return 0
	}
	return i.progress()
}

func (i *Iface) progress() int {
	var n int
	if i.lay.role == RoleIncast {
		n = i.progressIncast()
	} else {
		n = i.progressBcast()
	}
	i.adjustPollWindow(n)
	if n == 0 && !i.pending.empty() {
		i.dispatching = true
		i.pending.dispatch()
		i.dispatching = false
	}
	return n
}

// adjustPollWindow widens the per-call budget while every poll is
// saturated and narrows it while polls come back empty.
func (i *Iface) adjustPollWindow(n int) {
	switch {
	case n >= i.pollCount && i.pollCount < i.pollMax:
		i.pollCount = min(i.pollCount*2, i.pollMax)
	case n == 0 && i.pollCount > 1:
		i.pollCount /= 2
	}
}

// deliver hands one element to its handler.
func (i *Iface) deliver(w uint64, e *elemCtl, c *cell) {
	amID := wordAmID(w)
	m := &i.msg
	*m = Message{AmID: amID}
	if wordInline(w) {
		m.Header = e.header
	} else {
		m.Flags |= MessageBuffered
	}
	if c.packed {
		m.Data = bytesAt(c.data, c.stride*c.procs)
		m.Stride = c.stride
		m.Flags |= MessagePacked
	} else {
		m.Data = bytesAt(c.data, c.length)
	}
	if i.opts.timestamps {
		m.Timestamp = loadStamp(unsafe.Add(c.data, c.length))
		m.Flags |= MessageTimed
	}

	h := i.handlers[amID%AmIDMax]
	if h == nil {
		return
	}
	if err := h(m); err != nil {
		i.log.Debug().Err(err).Uint8("am_id", amID).Msg("handler failed")
	}
}

// Query reports the interface's capabilities.
func (i *Iface) Query() (Attr, error) {
	if i.state.LoadAcquire() == stateClosed {
		return Attr{}, ErrClosed
	}
	lay := i.lay
	a := Attr{
		Flags:    CapAMBcopy | CapPending | CapCBSync | CapConnectToIface,
		MaxShort: lay.shortCapacity(),
		MaxBcopy: lay.bcopyCapacity(),
		Latency:  ifaceLatency,
		Overhead: ifaceOverhead,
	}
	if i.opts.timestamps {
		a.MaxShort -= timestampSize
		a.MaxBcopy -= timestampSize
	}
	a.MaxShort = max(a.MaxShort, 0)
	a.MaxBcopy = max(a.MaxBcopy, 0)
	if a.MaxShort > 0 {
		a.Flags |= CapAMShort
	}

	if lay.role == RoleBcast {
		a.Flags |= CapBcast
		return a, nil
	}

	a.Flags |= CapIncast
	switch lay.strategy {
	case CountedSlots, FlaggedSlots:
		a.Flags |= CapIncastSlotted
	case Collaborative:
		a.Flags |= CapIncastSlotted | CapIncastUnordered
	case Atomic:
		a.Flags |= CapIncastUnordered
	}

	if lay.strategy == Atomic {
		a.Operators = 1<<OpSum | 1<<OpSumAtomic
		for od := Operand(0); od < operandCount; od++ {
			if !od.IsFloat() {
				a.Operands |= 1 << od
			}
		}
		return a, nil
	}
	a.Operators = 1<<OpExternal | 1<<OpMin | 1<<OpMax | 1<<OpSum
	a.Operands = 1<<operandCount - 1
	return a, nil
}

// Close stops the interface: new sends fail with ErrClosed, ready elements
// are still delivered, queued sends are canceled and the segment is
// released. Endpoints still connected are destroyed.
func (i *Iface) Close() error {
	if !i.state.CompareAndSwapAcqRel(stateReady, stateDraining) {
		return ErrClosed
	}

	for range i.lay.fifoSize {
		if i.drain() == 0 {
			break
		}
	}
	i.pending.purge(func(*Pending) bool { return true }, nil)

	live := 0
	for _, ep := range append(i.eps, i.loopback) {
		if ep == nil {
			continue
		}
		live++
		ep.refCount = 1
		ep.Destroy()
	}
	if live > 0 {
		i.log.Warn().Int("endpoints", live).Msg("closing with live endpoints")
	}

	i.terminate()
	err := i.seg.Close()
	i.state.StoreRelease(stateClosed)
	i.log.Debug().Msg("interface closed")
	return err
}

// drain consumes what is already complete without dispatching pending
// sends.
func (i *Iface) drain() int {
	if i.lay.role == RoleIncast {
		return i.progressIncast()
	}
	return i.progressBcast()
}

// terminate resets whatever the drain left in the FIFO. Peers still
// attached see no element as ready and cannot deadlock on a lock.
func (i *Iface) terminate() {
	if i.recv.hasNewData() {
		i.log.Warn().Uint64("read_index", i.recv.readIndex).Msg("discarding incomplete elements")
	}
	if held := i.ring.retire(i.recv.readIndex); held > 0 {
		i.log.Warn().Int("locks", held).Msg("element locks held at close")
	}
}
