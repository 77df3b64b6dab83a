// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll_test

import (
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/shmcoll"
)

// =============================================================================
// Test Helpers
// =============================================================================

// retryWithTimeout retries f until it returns true or timeout expires.
// Reports failure with the given message if timeout is reached.
func retryWithTimeout(t testing.TB, timeout time.Duration, f func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	backoff := iox.Backoff{}
	for !f() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout after %v: %s", timeout, msg)
		}
		backoff.Wait()
	}
}

// waitForCount waits until counter reaches target or timeout expires.
func waitForCount(t testing.TB, timeout time.Duration, counter *atomix.Int64, target int64, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	backoff := iox.Backoff{}
	for counter.Load() < target {
		if time.Now().After(deadline) {
			t.Fatalf("timeout after %v: %s (got %d, want %d)", timeout, msg, counter.Load(), target)
		}
		backoff.Wait()
	}
}

// groupName derives a segment-safe group name from the test name.
func groupName(t testing.TB) string {
	return strings.NewReplacer("/", ".", " ", "_").Replace(t.Name())
}

// group is a whole collective group living in one process.
type group struct {
	t      testing.TB
	ifaces []*shmcoll.Iface
	eps    []*shmcoll.Endpoint // eps[r] connects rank r to the root
}

// newIncastGroup builds procs incast interfaces from configure and
// connects every non-root rank to rank 0.
func newIncastGroup(t testing.TB, procs int, configure func(b *shmcoll.Builder) *shmcoll.Builder) *group {
	t.Helper()
	return newGroup(t, procs, configure, (*shmcoll.Builder).Incast)
}

// newBcastGroup builds procs bcast interfaces; rank 0 gets its loopback
// endpoint and every other rank connects to it.
func newBcastGroup(t testing.TB, procs int, configure func(b *shmcoll.Builder) *shmcoll.Builder) *group {
	t.Helper()
	return newGroup(t, procs, configure, (*shmcoll.Builder).Bcast)
}

func newGroup(t testing.TB, procs int, configure func(b *shmcoll.Builder) *shmcoll.Builder,
	build func(*shmcoll.Builder) (*shmcoll.Iface, error)) *group {
	t.Helper()
	g := &group{t: t, ifaces: make([]*shmcoll.Iface, procs), eps: make([]*shmcoll.Endpoint, procs)}
	name := groupName(t)
	for r := range procs {
		b := shmcoll.New(r, procs).Name(name).InProcess()
		if configure != nil {
			b = configure(b)
		}
		in, err := build(b)
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
		g.ifaces[r] = in
	}
	t.Cleanup(g.close)

	root := g.ifaces[0].Address()
	for r := range procs {
		ep, err := g.ifaces[r].Connect(root)
		if err != nil {
			t.Fatalf("rank %d connect: %v", r, err)
		}
		g.eps[r] = ep
	}
	return g
}

func (g *group) close() {
	for _, in := range g.ifaces {
		if in != nil {
			in.Close()
		}
	}
}

// root returns rank 0.
func (g *group) root() *shmcoll.Iface { return g.ifaces[0] }

// sendShort retries until the send leaves ErrWouldBlock, progressing the
// root in between.
func (g *group) sendShort(rank int, amID uint8, header uint64, payload []byte) {
	g.t.Helper()
	var err error
	retryWithTimeout(g.t, 5*time.Second, func() bool {
		err = g.eps[rank].SendShort(amID, header, payload)
		if shmcoll.IsWouldBlock(err) {
			g.root().Progress()
			return false
		}
		return true
	}, "send short")
	if err != nil {
		g.t.Fatalf("rank %d SendShort: %v", rank, err)
	}
}

func int32s(vals ...int32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.NativeEndian.PutUint32(b[4*i:], uint32(v))
	}
	return b
}

func decodeInt32s(b []byte) []int32 {
	out := make([]int32, len(b)/4)
	for i := range out {
		out[i] = int32(binary.NativeEndian.Uint32(b[4*i:]))
	}
	return out
}

func int64s(vals ...int64) []byte {
	b := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.NativeEndian.PutUint64(b[8*i:], uint64(v))
	}
	return b
}

func decodeInt64s(b []byte) []int64 {
	out := make([]int64, len(b)/8)
	for i := range out {
		out[i] = int64(binary.NativeEndian.Uint64(b[8*i:]))
	}
	return out
}

// collect installs a handler on amID that records copies of every message.
func collect(t testing.TB, in *shmcoll.Iface, amID uint8) *[]shmcoll.Message {
	t.Helper()
	var got []shmcoll.Message
	err := in.SetHandler(amID, func(m *shmcoll.Message) error {
		c := *m
		c.Data = append([]byte(nil), m.Data...)
		got = append(got, c)
		return nil
	})
	if err != nil {
		t.Fatalf("SetHandler: %v", err)
	}
	return &got
}
