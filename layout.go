// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

import (
	"unsafe"

	"code.hybscloud.com/atomix"
)

// Segment layout:
//
//	off 0    segmentHeader                         64 B
//	off 64   FIFO head (published elements)         64 B
//	off 128  FIFO tail (released elements)          64 B
//	off 192  elements   fifoSize × elemSize
//	off ...  segments   fifoSize × segSize (bcopy payloads)
const (
	cacheLineSize     = 64
	segmentHeaderSize = 64
	headOffset        = 64
	tailOffset        = 128
	elemsOffset       = 192
	elemHeaderSize    = 64
	flagWordSize      = 8
	timestampSize     = 8
	segmentVersion    = 1
)

var segmentMagic = [8]byte{'S', 'H', 'M', 'C', 'O', 'L', 'L', 0}

// Element flag bits, stored in the low byte of the element word.
const (
	flagOwner  uint8 = 1 << 0
	flagInline uint8 = 1 << 1
	flagShift        = 2
)

// segmentHeader describes the FIFO a segment carries. Peers compare it with
// their own configuration before attaching.
type segmentHeader struct {
	magic    [8]byte
	version  uint32
	role     uint8
	strategy uint8
	_        [2]byte
	procs    uint32
	fifoSize uint32
	elemSize uint32
	segSize  uint32
	ready    atomix.Uint32
	_        [segmentHeaderSize - 36]byte
}

// elemCtl is the control line at the start of every FIFO element.
// header sits right before the payload so a short message is contiguous.
type elemCtl struct {
	word    atomix.Uint64 // flags | amID<<8 | length<<32
	pending atomix.Uint32
	lock    spinLock
	_       [elemHeaderSize - 24]byte
	header  uint64
}

func packWord(flags, amID uint8, length int) uint64 {
	return uint64(flags) | uint64(amID)<<8 | uint64(uint32(length))<<32
}

func wordFlags(w uint64) uint8  { return uint8(w) }
func wordAmID(w uint64) uint8   { return uint8(w >> 8) }
func wordLength(w uint64) int   { return int(uint32(w >> 32)) }
func wordOwner(w uint64) uint8  { return uint8(w) & flagOwner }
func wordInline(w uint64) bool  { return uint8(w)&flagInline != 0 }
func wordLenInfo(w uint64) LengthInfo {
	return LengthInfo(uint8(w) >> flagShift)
}

// ownerFlag is the owner bit expected for the element written at index.
// It flips exactly once per full wrap of the ring.
func ownerFlag(index, fifoSize uint64) uint8 {
	if index&fifoSize != 0 {
		return flagOwner
	}
	return 0
}

// layout is the byte-accurate shape of one FIFO, shared by the interface
// that owns it and every endpoint that writes into it.
type layout struct {
	role     Role
	strategy Strategy
	procs    int // group size
	fifoSize uint64
	fifoMask uint64
	elemSize int // control line + payload
	segSize  int

	// Incast: per-contributor slots inside the element payload and the
	// bcopy segment. Unslotted strategies share slot 0.
	slots    int
	elemSlot int
	segSlot  int

	// Bcast: data area followed by 64-byte acknowledgement slots.
	dataSize int
	ackSlots int

	total int
}

func alignUp(n, a int) int   { return (n + a - 1) / a * a }
func alignDown(n, a int) int { return n / a * a }

// newLayout sizes a FIFO. elemSize and segSize are the configured values
// before per-peer slots are added.
func newLayout(role Role, s Strategy, procs int, depth uint64, elemSize, segSize int) *layout {
	l := &layout{
		role:     role,
		strategy: s,
		procs:    procs,
		fifoSize: depth,
		fifoMask: depth - 1,
	}

	switch role {
	case RoleIncast:
		l.elemSlot = alignUp(elemSize-elemHeaderSize, cacheLineSize)
		l.segSlot = alignDown(segSize, cacheLineSize)
		switch s {
		case CountedSlots, FlaggedSlots:
			l.slots = procs - 1
		case Collaborative:
			l.slots = procs
		default:
			l.slots = 1
		}
		l.elemSize = elemHeaderSize + l.slots*l.elemSlot
		l.segSize = l.slots * l.segSlot
	default:
		l.dataSize = alignUp(elemSize-elemHeaderSize, cacheLineSize)
		switch s {
		case FlaggedSlots:
			l.ackSlots = procs - 1
		case Collaborative:
			l.ackSlots = procs
		}
		l.elemSize = elemHeaderSize + l.dataSize + l.ackSlots*cacheLineSize
		l.segSize = alignUp(segSize, cacheLineSize)
	}

	l.total = elemsOffset + int(depth)*(l.elemSize+l.segSize)
	return l
}

// slotCapacity is the number of payload bytes a slot can hold.
func (l *layout) slotCapacity(stride int) int {
	if l.strategy.flagged() {
		return stride - flagWordSize
	}
	return stride
}

// shortCapacity and bcopyCapacity bound one contribution, timestamp included.
func (l *layout) shortCapacity() int {
	if l.role == RoleBcast {
		return l.dataSize
	}
	return l.slotCapacity(l.elemSlot)
}

func (l *layout) bcopyCapacity() int {
	if l.role == RoleBcast {
		return l.segSize
	}
	return l.slotCapacity(l.segSlot)
}

func (l *layout) elemAt(base unsafe.Pointer, index uint64) *elemCtl {
	return (*elemCtl)(unsafe.Add(base, elemsOffset+int(index&l.fifoMask)*l.elemSize))
}

func (l *layout) payloadAt(base unsafe.Pointer, index uint64) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(l.elemAt(base, index)), elemHeaderSize)
}

func (l *layout) segAt(base unsafe.Pointer, index uint64) unsafe.Pointer {
	return unsafe.Add(base, elemsOffset+int(l.fifoSize)*l.elemSize+int(index&l.fifoMask)*l.segSize)
}

// ackAt returns the first acknowledgement slot of a bcast element.
func (l *layout) ackAt(base unsafe.Pointer, index uint64) unsafe.Pointer {
	return unsafe.Add(l.payloadAt(base, index), l.dataSize)
}

// slotWord is the completion word closing a slot: a generation flag for
// FlaggedSlots, a slot counter for Collaborative.
func slotWord(slot unsafe.Pointer, stride int) *atomix.Uint64 {
	return (*atomix.Uint64)(unsafe.Add(slot, stride-flagWordSize))
}

func bytesAt(p unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(p), n)
}

func (l *layout) writeHeader(base unsafe.Pointer) {
	h := (*segmentHeader)(base)
	h.magic = segmentMagic
	h.version = segmentVersion
	h.role = uint8(l.role)
	h.strategy = uint8(l.strategy)
	h.procs = uint32(l.procs)
	h.fifoSize = uint32(l.fifoSize)
	h.elemSize = uint32(l.elemSize)
	h.segSize = uint32(l.segSize)
	h.ready.StoreRelease(1)
}

// matches reports whether the segment at base was created with the same
// layout.
func (l *layout) matches(base unsafe.Pointer, size int) bool {
	if size < l.total {
		return false
	}
	h := (*segmentHeader)(base)
	return h.ready.LoadAcquire() == 1 &&
		h.magic == segmentMagic &&
		h.version == segmentVersion &&
		Role(h.role) == l.role &&
		Strategy(h.strategy) == l.strategy &&
		int(h.procs) == l.procs &&
		uint64(h.fifoSize) == l.fifoSize &&
		int(h.elemSize) == l.elemSize &&
		int(h.segSize) == l.segSize
}
