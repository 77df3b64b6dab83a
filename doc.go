// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package shmcoll provides collective operations over shared memory.
//
// A group of procs processes on one host exchanges messages through FIFOs
// placed in shared segments. Two directions are supported:
//
//   - Bcast: rank 0 writes, every other rank reads and acknowledges.
//   - Incast: every other rank contributes to an element that the root
//     reduces and consumes. With a reduction this is a reduce; with a
//     zero-length reduction it is a barrier.
//
// # Quick Start
//
//	// Every rank of a 4-rank group
//	in, err := shmcoll.New(rank, 4).
//	    Reduction(shmcoll.Reduction{Operator: shmcoll.OpSum, Operand: shmcoll.OperandInt32, Count: 1}).
//	    Name("job-17").
//	    Incast()
//
//	// Root
//	in.SetHandler(0, func(m *shmcoll.Message) error {
//	    sum := int32(binary.NativeEndian.Uint32(m.Data))
//	    return nil
//	})
//	for in.Progress() == 0 {
//	}
//
//	// Contributors, once the root's address is known
//	ep, err := in.Connect(rootAddr)
//	err = ep.SendShort(0, 0, payload)
//
// # FIFO
//
// Every interface owns a power-of-two ring of fixed-size elements. An
// element starts with a 64-byte control line holding one 64-bit word with
// the owner bit, flags, active message id and length. Writers claim
// indices against a cached copy of the tail; the reader recognises a
// published element by its owner bit, which flips once per wrap, so the
// reader never touches the head on its fast path.
//
// Short messages travel inside the element. Buffered (bcopy) messages
// travel in a per-element segment after the ring.
//
// # Completion Strategies
//
// How contributors to one incast element learn who publishes it, and how
// bcast receivers acknowledge, is a per-interface [Strategy]:
//
//	Locked         spinlock in the element, first copies, rest reduce
//	Atomic         fetch-add into a zeroed area, integer sums only
//	Hypothetic     no synchronization, for latency floor measurement
//	CountedSlots   private slots, fetch-add counter, root reduces
//	FlaggedSlots   private slots closed by a generation flag (default)
//	Collaborative  private slots folded by neighbours along a chain
//
// Strategies and reductions are resolved once, when an interface is built
// or an endpoint connects, into a send route and a progress route taken
// from a process-wide specialization matrix. Hot paths never branch on
// configuration.
//
// # Error Handling
//
// Sends never block. A full FIFO yields [ErrWouldBlock]; the caller
// drives [Iface.Progress] and retries, or queues the send with
// [Endpoint.PendingAdd]:
//
//	backoff := iox.Backoff{}
//	for {
//	    err := ep.SendShort(0, 0, payload)
//	    if err == nil {
//	        break
//	    }
//	    if !shmcoll.IsWouldBlock(err) {
//	        return err
//	    }
//	    in.Progress()
//	    backoff.Wait()
//	}
//
// Unsupported operator, operand and strategy combinations are rejected
// with [ErrUnsupported] when the interface is built, not when sending.
//
// # Segments
//
// Segments are files under /dev/shm mapped with MAP_SHARED. Ranks that
// live in one process can use [Builder.InProcess] instead, which keeps
// segments in ordinary memory published by name; tests use this to run a
// whole group inside one binary.
//
// # Race Detection
//
// Cross-process ordering relies on atomix acquire/release operations,
// which the race detector does not see. Tests that simulate several
// processes with goroutines are skipped under -race; see [RaceEnabled].
package shmcoll
