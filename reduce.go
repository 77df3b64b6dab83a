// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

import (
	"encoding/binary"
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

type number interface {
	~float32 | ~float64 |
		~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64
}

// memcpyFunc stores a contribution at dst and returns the bytes written.
// reduceFunc folds src into dst and returns the bytes folded. length is
// ignored by count-specialized variants.
type (
	memcpyFunc func(dst, src unsafe.Pointer, length int) int
	reduceFunc func(dst, src unsafe.Pointer, length int) int
)

// callbacks is one cell of the callback tables.
type callbacks struct {
	memcpy memcpyFunc
	reduce reduceFunc
	atomic bool // reduce is safe against concurrent writers
}

func (cb callbacks) valid() bool { return cb.memcpy != nil && cb.reduce != nil }

func vec[T number](p unsafe.Pointer, n int) []T {
	return unsafe.Slice((*T)(p), n)
}

func sumInto[T number](dst, src []T) {
	for i := range dst {
		dst[i] += src[i]
	}
}

func minInto[T number](dst, src []T) {
	for i := range dst {
		dst[i] = min(dst[i], src[i])
	}
}

func maxInto[T number](dst, src []T) {
	for i := range dst {
		dst[i] = max(dst[i], src[i])
	}
}

func makeMemcpy(count, size int) memcpyFunc {
	if count > 0 {
		n := count * size
		return func(dst, src unsafe.Pointer, _ int) int {
			copy(bytesAt(dst, n), bytesAt(src, n))
			return n
		}
	}
	return func(dst, src unsafe.Pointer, length int) int {
		copy(bytesAt(dst, length), bytesAt(src, length))
		return length
	}
}

func makeReduce[T number](op Operator, count int) reduceFunc {
	var fold func(dst, src []T)
	switch op {
	case OpMin:
		fold = minInto[T]
	case OpMax:
		fold = maxInto[T]
	case OpSum:
		fold = sumInto[T]
	default:
		return nil
	}

	size := int(unsafe.Sizeof(T(0)))
	if count > 0 {
		n := count * size
		return func(dst, src unsafe.Pointer, _ int) int {
			fold(vec[T](dst, count), vec[T](src, count))
			return n
		}
	}
	return func(dst, src unsafe.Pointer, length int) int {
		fold(vec[T](dst, length/size), vec[T](src, length/size))
		return length
	}
}

// makeCallbacks builds the callbacks for one table cell. count 0 selects
// the length-driven variant. The result is invalid when the combination
// has no implementation.
func makeCallbacks(op Operator, od Operand, count int) callbacks {
	if op == OpSumAtomic {
		return makeAtomicCallbacks(od, count)
	}
	var reduce reduceFunc
	switch od {
	case OperandFloat32:
		reduce = makeReduce[float32](op, count)
	case OperandFloat64:
		reduce = makeReduce[float64](op, count)
	case OperandInt8:
		reduce = makeReduce[int8](op, count)
	case OperandInt16:
		reduce = makeReduce[int16](op, count)
	case OperandInt32:
		reduce = makeReduce[int32](op, count)
	case OperandInt64:
		reduce = makeReduce[int64](op, count)
	case OperandUint8:
		reduce = makeReduce[uint8](op, count)
	case OperandUint16:
		reduce = makeReduce[uint16](op, count)
	case OperandUint32:
		reduce = makeReduce[uint32](op, count)
	case OperandUint64:
		reduce = makeReduce[uint64](op, count)
	}
	if reduce == nil {
		return callbacks{}
	}
	return callbacks{memcpy: makeMemcpy(count, od.Size()), reduce: reduce}
}

// Atomic sums. Integers only: floating point addition has no hardware
// fetch-add, and min/max would need a CAS loop per operand.

func makeAtomicCallbacks(od Operand, count int) callbacks {
	var add func(dst, src unsafe.Pointer, n int)
	switch od {
	case OperandInt8, OperandUint8:
		add = atomicAdd8
	case OperandInt16, OperandUint16:
		add = atomicAdd16
	case OperandInt32, OperandUint32:
		add = atomicAdd32
	case OperandInt64, OperandUint64:
		add = atomicAdd64
	default:
		return callbacks{}
	}

	size := od.Size()
	reduce := func(dst, src unsafe.Pointer, length int) int {
		n := length / size
		if count > 0 {
			n = count
		}
		add(dst, src, n)
		return n * size
	}
	// Writers never own the area exclusively, so the first write is an
	// add into zeroes as well.
	return callbacks{memcpy: memcpyFunc(reduce), reduce: reduce, atomic: true}
}

func atomicAdd64(dst, src unsafe.Pointer, n int) {
	for i, v := range vec[uint64](src, n) {
		(*atomix.Uint64)(unsafe.Add(dst, 8*i)).AddAcqRel(v)
	}
}

func atomicAdd32(dst, src unsafe.Pointer, n int) {
	for i, v := range vec[uint32](src, n) {
		(*atomix.Uint32)(unsafe.Add(dst, 4*i)).AddAcqRel(v)
	}
}

func atomicAdd16(dst, src unsafe.Pointer, n int) {
	for i, v := range vec[uint16](src, n) {
		atomicAddSubword(unsafe.Add(dst, 2*i), uint32(v), 0xffff)
	}
}

func atomicAdd8(dst, src unsafe.Pointer, n int) {
	for i, v := range vec[uint8](src, n) {
		atomicAddSubword(unsafe.Add(dst, i), uint32(v), 0xff)
	}
}

// atomicAddSubword adds v to the narrow integer at p with a CAS on the
// aligned 32-bit word containing it. Carries stay inside the lane.
// Assumes a little-endian target.
func atomicAddSubword(p unsafe.Pointer, v, mask uint32) {
	off := uintptr(p) & 3
	word := (*atomix.Uint32)(unsafe.Add(p, -int(off)))
	shift := off * 8
	sw := spin.Wait{}
	for {
		old := word.LoadAcquire()
		lane := (old>>shift + v) & mask
		upd := old&^(mask<<shift) | lane<<shift
		if word.CompareAndSwapAcqRel(old, upd) {
			return
		}
		sw.Once()
	}
}

// externalCallbacks adapts a caller-supplied reduction.
func externalCallbacks(fn ExternalReduce, od Operand) callbacks {
	size := od.Size()
	if size == 0 {
		size = 1
	}
	return callbacks{
		memcpy: makeMemcpy(0, 1),
		reduce: func(dst, src unsafe.Pointer, length int) int {
			fn(bytesAt(dst, length), bytesAt(src, length), length/size)
			return length
		},
	}
}

// Timestamps trail the payload and may be unaligned. A reduced element
// keeps the earliest.

func loadStamp(p unsafe.Pointer) uint64 {
	return binary.NativeEndian.Uint64(bytesAt(p, timestampSize))
}

func storeStamp(p unsafe.Pointer, ts uint64) {
	binary.NativeEndian.PutUint64(bytesAt(p, timestampSize), ts)
}

func minStamp(p unsafe.Pointer, ts uint64) {
	if ts < loadStamp(p) {
		storeStamp(p, ts)
	}
}
