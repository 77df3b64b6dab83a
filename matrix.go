// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

import (
	"errors"
	"math/bits"
	"sync"
	"unsafe"
)

// countMax bounds the counts with a dedicated basic table cell. Larger
// powers of two live in the extra table; anything else uses the
// length-driven cell at count 0.
const countMax = 17

var extraBase = bits.TrailingZeros(countMax - 1)

// kernel is one point of the specialization matrix: the send or progress
// path with every binary axis fixed.
type kernel struct {
	lenNonzero bool // zero-length kernels skip data handling entirely
	idNonzero  bool // the sender is never offset 0
	timed      bool // a timestamp trails every payload
	cacheLine  bool // pad writes to whole cache lines
	strategy   Strategy
	done       completion
}

// route pairs a kernel with the callbacks of one reduction.
type route struct {
	*kernel
	cb       callbacks
	capacity int // bytes one slot can hold
}

// write stores a contribution at dst.
func (r *route) write(dst, src unsafe.Pointer, length int) int {
	n := 0
	if r.lenNonzero {
		n = r.cb.memcpy(dst, src, length)
	}
	if r.timed {
		storeStamp(unsafe.Add(dst, n), hresClock())
		n += timestampSize
	}
	if r.cacheLine {
		if end := min(alignUp(n, cacheLineSize), r.capacity); end > n {
			clear(bytesAt(unsafe.Add(dst, n), end-n))
		}
	}
	return n
}

// fold reduces a local contribution into dst.
func (r *route) fold(dst, src unsafe.Pointer, length int) int {
	n := 0
	if r.lenNonzero {
		n = r.cb.reduce(dst, src, length)
	}
	if r.timed {
		minStamp(unsafe.Add(dst, n), hresClock())
		n += timestampSize
	}
	return n
}

// foldSlot reduces one shared slot into another.
func (r *route) foldSlot(dst, src unsafe.Pointer, length int) {
	n := 0
	if r.lenNonzero {
		n = r.cb.reduce(dst, src, length)
	}
	if r.timed {
		minStamp(unsafe.Add(dst, n), loadStamp(unsafe.Add(src, n)))
	}
}

type matrix struct {
	basic    [operatorCount][operandCount][countMax]callbacks
	extra    [operatorCount][operandCount][countMax]callbacks
	kernels  [2][2][2][2][strategyCount]kernel
	verbatim callbacks
}

var (
	matrixOnce  sync.Once
	matrixTable *matrix
)

// specializations returns the process-wide matrix, building it on first
// use.
func specializations() *matrix {
	matrixOnce.Do(func() {
		matrixTable = buildMatrix()
	})
	return matrixTable
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func buildMatrix() *matrix {
	m := &matrix{verbatim: callbacks{memcpy: makeMemcpy(0, 1)}}
	for op := OpMin; op < operatorCount; op++ {
		for od := Operand(0); od < operandCount; od++ {
			for c := 0; c < countMax; c++ {
				m.basic[op][od][c] = makeCallbacks(op, od, c)
			}
			for idx := 1; idx < countMax; idx++ {
				m.extra[op][od][idx] = makeCallbacks(op, od, 1<<(idx+extraBase))
			}
		}
	}
	for ln := range 2 {
		for id := range 2 {
			for ts := range 2 {
				for cl := range 2 {
					for s := Strategy(0); s < strategyCount; s++ {
						m.kernels[ln][id][ts][cl][s] = kernel{
							lenNonzero: ln == 1,
							idNonzero:  id == 1,
							timed:      ts == 1,
							cacheLine:  cl == 1,
							strategy:   s,
							done:       completions[s],
						}
					}
				}
			}
		}
	}
	return m
}

// extraIndex maps a power-of-two count above the basic table to its extra
// table index. Other counts map to 0.
func extraIndex(count int) int {
	if count < countMax || bits.OnesCount(uint(count)) != 1 {
		return 0
	}
	return bits.TrailingZeros(uint(count)) - extraBase
}

// lookup returns the callbacks for a reduction.
func (m *matrix) lookup(op Operator, od Operand, count int) (callbacks, error) {
	if op == OpExternal {
		return callbacks{}, ErrUnsupported
	}
	if op >= operatorCount || od >= operandCount || count < 0 {
		return callbacks{}, ErrInvalidParam
	}

	var cb callbacks
	switch idx := extraIndex(count); {
	case count < countMax:
		cb = m.basic[op][od][count]
	case idx > 0 && idx < countMax:
		cb = m.extra[op][od][idx]
	default:
		cb = m.basic[op][od][0]
	}
	if !cb.valid() {
		return callbacks{}, ErrUnsupported
	}
	return cb, nil
}

// selector names a point of the matrix.
type selector struct {
	strategy  Strategy
	red       Reduction
	external  ExternalReduce
	reduce    bool // false on bcast, where payloads are copied verbatim
	idNonzero bool
	timed     bool
	stride    int // slot stride of the message class
	capacity  int
}

// choose resolves the send and progress routes for one message class.
// Operators without a built-in implementation fall back to the external
// reduction when one is configured. Zero-length reductions need no
// callbacks at all.
func (m *matrix) choose(sel selector) (send, progress *route, err error) {
	if sel.strategy >= strategyCount {
		return nil, nil, ErrInvalidParam
	}

	cb := m.verbatim
	lenNonzero := !sel.reduce || sel.red.Count != 0
	if sel.reduce && lenNonzero {
		cb, err = m.lookup(sel.red.Operator, sel.red.Operand, sel.red.Count)
		if errors.Is(err, ErrUnsupported) && sel.external != nil && sel.red.Operator == OpExternal {
			cb, err = externalCallbacks(sel.external, sel.red.Operand), nil
		}
		if err != nil {
			return nil, nil, err
		}
		// Atomic writers reduce concurrently into one area.
		if sel.strategy == Atomic && !cb.atomic {
			return nil, nil, ErrUnsupported
		}
	}

	cl := sel.red.CacheAligned && sel.stride > 0 && sel.stride%cacheLineSize == 0
	send = &route{
		kernel:   &m.kernels[b2i(lenNonzero)][b2i(sel.idNonzero)][b2i(sel.timed)][b2i(cl)][sel.strategy],
		cb:       cb,
		capacity: sel.capacity,
	}
	progress = &route{
		kernel:   &m.kernels[b2i(lenNonzero)][0][b2i(sel.timed)][0][sel.strategy],
		cb:       cb,
		capacity: sel.capacity,
	}
	return send, progress, nil
}
