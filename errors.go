// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll

import (
	"errors"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock reports that the target FIFO has no free element.
//
// It is the transport's NO_RESOURCE condition: a control flow signal, not a
// failure. The caller retries after the consumer has made progress, or
// queues the send with [Endpoint.PendingAdd].
//
// This is an alias for [iox.ErrWouldBlock] for ecosystem consistency.
//
// Example:
//
//	backoff := iox.Backoff{}
//	for {
//	    err := ep.SendShort(id, hdr, payload)
//	    if err == nil {
//	        backoff.Reset()
//	        break
//	    }
//	    if shmcoll.IsWouldBlock(err) {
//	        iface.Progress()
//	        backoff.Wait()
//	        continue
//	    }
//	    return err
//	}
var ErrWouldBlock = iox.ErrWouldBlock

var (
	// ErrInvalidParam reports malformed configuration or arguments,
	// e.g. an element size smaller than the element header.
	ErrInvalidParam = errors.New("shmcoll: invalid parameter")

	// ErrUnsupported reports an operator, operand and strategy combination
	// without an implementation. It is returned at construction or connect
	// time, never from a send.
	ErrUnsupported = errors.New("shmcoll: unsupported")

	// ErrNotImplemented is returned when cancelling a send that has already
	// touched shared memory.
	ErrNotImplemented = errors.New("shmcoll: not implemented")

	// ErrNoMemory reports a failure to allocate or map a shared region.
	ErrNoMemory = errors.New("shmcoll: no memory")

	// ErrBusy is returned by PendingAdd while the endpoint can still send.
	ErrBusy = errors.New("shmcoll: busy")

	// ErrClosed is returned by operations on a draining or closed interface.
	ErrClosed = errors.New("shmcoll: closed")
)

// IsWouldBlock reports whether err indicates the operation would block.
// Delegates to [iox.IsWouldBlock] for wrapped error support.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// IsSemantic reports whether err is a control flow signal (not a failure).
// Delegates to [iox.IsSemantic].
func IsSemantic(err error) bool {
	return iox.IsSemantic(err)
}

// IsNonFailure reports whether err represents a non-failure condition.
// Delegates to [iox.IsNonFailure].
func IsNonFailure(err error) bool {
	return iox.IsNonFailure(err)
}
