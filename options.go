// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Default configuration values.
const (
	DefaultDepth         = 64
	DefaultElemSize      = 128
	DefaultSegSize       = 8192
	DefaultReleaseFactor = 0.5
	DefaultPollCount     = 16
	DefaultName          = "shmcoll"
)

// Options configures interface creation.
type Options struct {
	rank  int
	procs int

	strategy      Strategy
	depth         int
	elemSize      int
	segSize       int
	releaseFactor float64
	pollCount     int
	timestamps    bool

	reduction Reduction
	external  ExternalReduce
	slotted   bool

	name      string
	inProcess bool
	dir       string
	log       zerolog.Logger
}

// Builder creates interfaces with fluent configuration.
//
// Example:
//
//	// Incast root of a 4-rank group summing one int32 per rank
//	in, err := shmcoll.New(0, 4).
//	    Reduction(shmcoll.Reduction{Operator: shmcoll.OpSum, Operand: shmcoll.OperandInt32, Count: 1}).
//	    Name("job-17").
//	    Incast()
//
//	// Bcast receiver with a smaller ring
//	bc, err := shmcoll.New(2, 4).Depth(16).Name("job-17").Bcast()
type Builder struct {
	opts Options
}

// New creates a builder for rank of a group of procs processes.
//
// Bcast groups are rooted at rank 0. Every rank of an incast group owns a
// FIFO and may be the root of a collective by having the others connect
// to it.
func New(rank, procs int) *Builder {
	return &Builder{opts: Options{
		rank:          rank,
		procs:         procs,
		strategy:      DefaultStrategy,
		depth:         DefaultDepth,
		elemSize:      DefaultElemSize,
		segSize:       DefaultSegSize,
		releaseFactor: DefaultReleaseFactor,
		pollCount:     DefaultPollCount,
		name:          DefaultName,
		log:           zerolog.Nop(),
	}}
}

// Strategy selects the completion strategy.
func (b *Builder) Strategy(s Strategy) *Builder {
	b.opts.strategy = s
	return b
}

// Depth sets the FIFO capacity. It rounds up to the next power of 2.
func (b *Builder) Depth(n int) *Builder {
	b.opts.depth = n
	return b
}

// ElemSize sets the FIFO element size, 64-byte control line included.
// Incast elements grow by one slot per contributor.
func (b *Builder) ElemSize(n int) *Builder {
	b.opts.elemSize = n
	return b
}

// SegSize sets the per-element buffer for buffered (bcopy) sends.
func (b *Builder) SegSize(n int) *Builder {
	b.opts.segSize = n
	return b
}

// ReleaseFactor sets the fraction of the FIFO consumed between tail
// releases. Must be in (0, 1].
func (b *Builder) ReleaseFactor(f float64) *Builder {
	b.opts.releaseFactor = f
	return b
}

// PollCount bounds the number of elements one Progress call consumes.
func (b *Builder) PollCount(n int) *Builder {
	b.opts.pollCount = n
	return b
}

// Timestamps appends a CLOCK_MONOTONIC timestamp to every payload. A
// reduced message carries the earliest timestamp of its contributions.
func (b *Builder) Timestamps() *Builder {
	b.opts.timestamps = true
	return b
}

// Reduction sets the incast operation. The zero Reduction is a barrier.
func (b *Builder) Reduction(r Reduction) *Builder {
	b.opts.reduction = r
	return b
}

// External sets the reduction used for [OpExternal].
func (b *Builder) External(fn ExternalReduce) *Builder {
	b.opts.external = fn
	return b
}

// SlottedDelivery hands every contributor's slot to the handler instead of
// reducing them. CountedSlots and FlaggedSlots only.
func (b *Builder) SlottedDelivery() *Builder {
	b.opts.slotted = true
	return b
}

// Name sets the group name. All ranks of a group must agree on it.
func (b *Builder) Name(name string) *Builder {
	b.opts.name = name
	return b
}

// InProcess keeps segments in process memory. Every rank of the group
// must then live in this process.
func (b *Builder) InProcess() *Builder {
	b.opts.inProcess = true
	return b
}

// Dir places file-backed segments in dir instead of /dev/shm.
func (b *Builder) Dir(dir string) *Builder {
	b.opts.dir = dir
	return b
}

// Logger sets the logger. The default discards everything.
func (b *Builder) Logger(log zerolog.Logger) *Builder {
	b.opts.log = log
	return b
}

// Incast creates a many-to-one interface.
func (b *Builder) Incast() (*Iface, error) {
	return newIface(b.opts, RoleIncast)
}

// Bcast creates a one-to-many interface.
func (b *Builder) Bcast() (*Iface, error) {
	return newIface(b.opts, RoleBcast)
}

// validate normalizes o for role and rejects unusable combinations.
func (o *Options) validate(role Role) error {
	switch {
	case o.procs < 2:
		return fmt.Errorf("shmcoll: group of %d: %w", o.procs, ErrInvalidParam)
	case o.rank < 0 || o.rank >= o.procs:
		return fmt.Errorf("shmcoll: rank %d of %d: %w", o.rank, o.procs, ErrInvalidParam)
	case o.strategy >= strategyCount:
		return fmt.Errorf("shmcoll: %v: %w", o.strategy, ErrInvalidParam)
	case o.depth < 1:
		return fmt.Errorf("shmcoll: depth %d: %w", o.depth, ErrInvalidParam)
	case o.elemSize < elemHeaderSize:
		return fmt.Errorf("shmcoll: element size %d below %d: %w", o.elemSize, elemHeaderSize, ErrInvalidParam)
	case o.segSize < 0:
		return fmt.Errorf("shmcoll: segment size %d: %w", o.segSize, ErrInvalidParam)
	case o.releaseFactor <= 0 || o.releaseFactor > 1:
		return fmt.Errorf("shmcoll: release factor %v: %w", o.releaseFactor, ErrInvalidParam)
	case o.pollCount < 1:
		return fmt.Errorf("shmcoll: poll count %d: %w", o.pollCount, ErrInvalidParam)
	case o.name == "":
		return fmt.Errorf("shmcoll: empty name: %w", ErrInvalidParam)
	}
	o.depth = roundToPow2(o.depth)

	if role == RoleBcast {
		if o.slotted {
			return fmt.Errorf("shmcoll: slotted delivery on bcast: %w", ErrUnsupported)
		}
		return nil
	}

	r := &o.reduction
	if r.Count < 0 || r.Operand >= operandCount || r.Operator >= operatorCount {
		return fmt.Errorf("shmcoll: reduction %+v: %w", *r, ErrInvalidParam)
	}
	switch o.strategy {
	case Atomic:
		if r.Operator == OpSum {
			r.Operator = OpSumAtomic
		}
		// A barrier carries no operands, and the zero Reduction names
		// float32, so the operand is only checked when there is data.
		if r.Operator == OpMin || r.Operator == OpMax ||
			r.Count > 0 && (r.Operator != OpSumAtomic || r.Operand.IsFloat()) {
			return fmt.Errorf("shmcoll: %v %v under atomic strategy: %w", r.Operator, r.Operand, ErrUnsupported)
		}
	case Hypothetic:
		if r.Count == 0 {
			return fmt.Errorf("shmcoll: barrier under hypothetic strategy: %w", ErrUnsupported)
		}
	}
	if r.Operator == OpSumAtomic && o.strategy != Atomic {
		r.Operator = OpSum
	}
	if r.Operator == OpExternal && r.Count > 0 && o.external == nil {
		return fmt.Errorf("shmcoll: external operator without a reduction: %w", ErrUnsupported)
	}
	if o.slotted && o.strategy != CountedSlots && o.strategy != FlaggedSlots {
		return fmt.Errorf("shmcoll: slotted delivery under %v: %w", o.strategy, ErrUnsupported)
	}
	return nil
}

// releaseMask returns the mask of the tail release period.
func (o *Options) releaseMask() uint64 {
	n := max(int(float64(o.depth)*o.releaseFactor), 1)
	return uint64(roundToPow2(n)) - 1
}

// roundToPow2 rounds n up to the next power of 2.
func roundToPow2(n int) int {
	if n < 2 {
		return 2
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
