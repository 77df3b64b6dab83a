// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

import (
	"fmt"
	"time"
)

// Strategy selects how the contributors to one FIFO element signal that
// all of them have written before the consumer may read it.
//
// A strategy is fixed when an interface is built and never changes.
type Strategy uint8

const (
	// Locked serializes contributors on a process-shared spinlock
	// embedded in the element.
	Locked Strategy = iota

	// Atomic reduces with atomic adds into a zeroed data area and counts
	// contributors with fetch-add. Integer sums only.
	Atomic

	// Hypothetic performs no synchronization at all. It bounds the
	// achievable latency in benchmarks and produces wrong results under
	// contention.
	Hypothetic

	// CountedSlots gives every contributor a private slot and counts
	// arrivals with fetch-add. The consumer reduces the slots.
	CountedSlots

	// FlaggedSlots gives every contributor a private cache-line slot that
	// ends with a flag whose value alternates with the FIFO generation.
	// The consumer reduces slots as their flags appear.
	FlaggedSlots

	// Collaborative chains private slots: a contributor folds any ready
	// neighbours into its own slot before announcing how many slots it
	// now covers.
	Collaborative

	strategyCount
)

// DefaultStrategy is the production default.
const DefaultStrategy = FlaggedSlots

var strategyNames = [strategyCount]string{
	Locked:        "locked",
	Atomic:        "atomic",
	Hypothetic:    "hypothetic",
	CountedSlots:  "counted_slots",
	FlaggedSlots:  "flagged_slots",
	Collaborative: "collaborative",
}

func (s Strategy) String() string {
	if s < strategyCount {
		return strategyNames[s]
	}
	return fmt.Sprintf("strategy(%d)", uint8(s))
}

// slotted reports whether contributors own disjoint slots.
func (s Strategy) slotted() bool {
	return s == CountedSlots || s == FlaggedSlots || s == Collaborative
}

// flagged reports whether slots reserve a trailing completion word.
func (s Strategy) flagged() bool {
	return s == FlaggedSlots || s == Collaborative
}

// Role distinguishes the two collective directions.
type Role uint8

const (
	// RoleBcast is one-to-many: rank 0 of the group writes, every other
	// rank reads and acknowledges.
	RoleBcast Role = iota

	// RoleIncast is many-to-one: every non-root rank contributes to an
	// element that the root reduces and consumes.
	RoleIncast
)

func (r Role) String() string {
	if r == RoleIncast {
		return "incast"
	}
	return "bcast"
}

// Operator is a reduction operator.
type Operator uint8

const (
	OpExternal Operator = iota // caller-supplied reduction
	OpMin
	OpMax
	OpSum
	OpSumAtomic
	operatorCount
)

var operatorNames = [operatorCount]string{"external", "min", "max", "sum", "sum_atomic"}

func (o Operator) String() string {
	if o < operatorCount {
		return operatorNames[o]
	}
	return fmt.Sprintf("operator(%d)", uint8(o))
}

// Operand is the element type of a reduction vector.
type Operand uint8

const (
	OperandFloat32 Operand = iota
	OperandFloat64
	OperandInt8
	OperandInt16
	OperandInt32
	OperandInt64
	OperandUint8
	OperandUint16
	OperandUint32
	OperandUint64
	operandCount
)

var operandSizes = [operandCount]int{4, 8, 1, 2, 4, 8, 1, 2, 4, 8}

var operandNames = [operandCount]string{
	"float32", "float64", "int8", "int16", "int32", "int64",
	"uint8", "uint16", "uint32", "uint64",
}

// Size returns the operand width in bytes, or 0 if o is out of range.
func (o Operand) Size() int {
	if o < operandCount {
		return operandSizes[o]
	}
	return 0
}

// IsFloat reports whether o is a floating point type.
func (o Operand) IsFloat() bool {
	return o == OperandFloat32 || o == OperandFloat64
}

func (o Operand) String() string {
	if o < operandCount {
		return operandNames[o]
	}
	return fmt.Sprintf("operand(%d)", uint8(o))
}

// Reduction describes the collective operation an interface serves.
//
// Count is the number of operands per contribution. A zero Count makes
// every message zero-length, which is how barriers are expressed.
type Reduction struct {
	Operator     Operator
	Operand      Operand
	Count        int
	CacheAligned bool // operand vectors start on a cache line
}

// TotalSize returns the payload size of one contribution.
func (r Reduction) TotalSize() int {
	return r.Count * r.Operand.Size()
}

// LengthInfo is carried in the element flags and tells the consumer how
// the payload length is to be interpreted.
type LengthInfo uint8

const (
	// LengthDefault delivers one reduced payload.
	LengthDefault LengthInfo = iota
	// LengthPacked delivers every contributor's slot back to back,
	// unreduced.
	LengthPacked
)

// AmIDMax bounds active message identifiers.
const AmIDMax = 32

// MessageFlags describe a delivered message.
type MessageFlags uint8

const (
	MessageTimed   MessageFlags = 1 << iota // Timestamp is valid
	MessageBuffered                         // arrived through the bcopy path
	MessagePacked                           // Data holds raw slots
)

// Message is handed to a [Handler] by Progress.
//
// Data aliases shared memory and is valid only until the handler returns.
type Message struct {
	AmID      uint8
	Header    uint64
	Data      []byte
	Timestamp uint64
	Flags     MessageFlags

	// Stride is the distance between contributor slots in Data when
	// MessagePacked is set.
	Stride int
}

// Handler consumes one active message.
type Handler func(msg *Message) error

// PackFunc writes a buffered payload into dst and returns its length.
type PackFunc func(dst []byte) int

// ExternalReduce folds src into dst for operators the built-in library
// does not cover. Both slices hold count operands.
type ExternalReduce func(dst, src []byte, count int)

// CapFlags are capability bits reported by [Iface.Query].
type CapFlags uint32

const (
	CapAMShort CapFlags = 1 << iota
	CapAMBcopy
	CapPending
	CapCBSync
	CapConnectToIface
	CapBcast
	CapIncast
	CapIncastSlotted
	CapIncastUnordered
)

// Attr is the result of [Iface.Query].
type Attr struct {
	Flags     CapFlags
	MaxShort  int
	MaxBcopy  int
	Operators uint32 // bit per Operator
	Operands  uint32 // bit per Operand
	Latency   time.Duration
	Overhead  time.Duration
}

// Address identifies a peer interface: its rank and the name of the
// segment holding its FIFO.
type Address struct {
	ID   int
	Name string
}
