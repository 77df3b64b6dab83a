// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

import (
	"unsafe"

	"code.hybscloud.com/atomix"
)

// completion is one strategy's protocol for a FIFO element.
//
// Incast writers call contribute. Exactly one contributor per element is
// told to publish; the consumer then calls complete until it reports true,
// and reset once the element is delivered.
//
// Bcast receivers call ack after delivery and the root polls acked before
// releasing the element.
type completion interface {
	contribute(r *route, c *cell) (publish bool, posted int)
	complete(r *route, c *cell) bool
	reset(c *cell)
	ack(c *cell)
	acked(c *cell) bool
}

// cell addresses one FIFO element for a writer, the consumer, or, on bcast,
// the acknowledgement slots.
type cell struct {
	e      *elemCtl
	data   unsafe.Pointer // slot 0
	stride int            // slot stride, 0 when unslotted
	procs  int            // contributions or acknowledgements required
	owner  uint8          // owner bit of this generation
	id     int            // writer or receiver offset id

	src    unsafe.Pointer // writer payload
	length int            // payload bytes, timestamp excluded
	posted int            // bytes the publisher reported
	packed bool           // deliver raw slots, do not reduce
}

func (c *cell) slot(id int) unsafe.Pointer {
	return unsafe.Add(c.data, id*c.stride)
}

// flag is the completion word closing slot id.
func (c *cell) flag(id int) *atomix.Uint64 {
	return slotWord(c.slot(id), c.stride)
}

var completions = [strategyCount]completion{
	Locked:        lockedCompletion{},
	Atomic:        atomicCompletion{},
	Hypothetic:    hypotheticCompletion{},
	CountedSlots:  countedCompletion{},
	FlaggedSlots:  flaggedCompletion{},
	Collaborative: collaborativeCompletion{},
}
