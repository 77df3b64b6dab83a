// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package shmcoll_test

import (
	"errors"
	"os"
	"testing"
	"time"

	"code.hybscloud.com/shmcoll"
)

// =============================================================================
// Endpoint - Connection
// =============================================================================

func TestConnectRefCount(t *testing.T) {
	g := newIncastGroup(t, 3, nil)
	in := g.ifaces[1]

	again, err := in.Connect(g.root().Address())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if again != g.eps[1] {
		t.Fatalf("second Connect returned a new endpoint")
	}

	// One Destroy leaves the endpoint usable
	again.Destroy()
	if err := g.eps[1].SendShort(0, 0, nil); err != nil {
		t.Fatalf("SendShort after first Destroy: %v", err)
	}

	g.eps[1].Destroy()
	if err := g.eps[1].SendShort(0, 0, nil); !errors.Is(err, shmcoll.ErrClosed) {
		t.Fatalf("SendShort after last Destroy: got %v, want ErrClosed", err)
	}
	g.eps[1].Destroy() // no-op

	// A fresh Connect attaches again
	ep, err := in.Connect(g.root().Address())
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if ep == g.eps[1] {
		t.Fatalf("reconnect reused a destroyed endpoint")
	}
	g.eps[1] = ep
}

func TestConnectOffsets(t *testing.T) {
	g := newIncastGroup(t, 4, nil)
	for r := 1; r < 4; r++ {
		ep := g.eps[r]
		if ep.RemoteID() != 0 || ep.OffsetID() != r-1 || ep.IsLoopback() {
			t.Fatalf("rank %d: remote %d offset %d loopback %v", r, ep.RemoteID(), ep.OffsetID(), ep.IsLoopback())
		}
	}
	if !g.eps[0].IsLoopback() {
		t.Fatalf("root endpoint is not loopback")
	}

	// Contributions to a non-zero root shift offsets around it
	ep, err := g.ifaces[1].Connect(g.ifaces[2].Address())
	if err != nil {
		t.Fatalf("Connect(2): %v", err)
	}
	defer ep.Destroy()
	if ep.OffsetID() != 1 {
		t.Fatalf("rank 1 to rank 2: offset %d, want 1", ep.OffsetID())
	}
}

func TestConnectErrors(t *testing.T) {
	g := newIncastGroup(t, 2, nil)

	if _, err := g.ifaces[1].Connect(shmcoll.Address{ID: 5, Name: "x"}); !errors.Is(err, shmcoll.ErrInvalidParam) {
		t.Fatalf("rank out of range: got %v", err)
	}

	// Rank 1 is already attached to rank 0: another name must not alias it
	if _, err := g.ifaces[1].Connect(shmcoll.Address{ID: 0, Name: "no-such-segment"}); !errors.Is(err, shmcoll.ErrInvalidParam) {
		t.Fatalf("renamed peer: got %v, want ErrInvalidParam", err)
	}
	if _, err := g.root().Connect(shmcoll.Address{ID: 0, Name: "no-such-segment"}); !errors.Is(err, shmcoll.ErrInvalidParam) {
		t.Fatalf("renamed loopback: got %v, want ErrInvalidParam", err)
	}

	// A fresh rank without endpoints
	lone, err := shmcoll.New(1, 2).Name(groupName(t) + ".lone").InProcess().Incast()
	if err != nil {
		t.Fatalf("Incast: %v", err)
	}
	defer lone.Close()
	if _, err := lone.Connect(shmcoll.Address{ID: 0, Name: groupName(t) + ".no-such-segment"}); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing segment: got %v, want os.ErrNotExist", err)
	}

	// A peer built with a different depth has a different layout
	other, err := shmcoll.New(0, 2).Name(groupName(t) + ".other").InProcess().Depth(8).Incast()
	if err != nil {
		t.Fatalf("Incast: %v", err)
	}
	defer other.Close()
	if _, err := lone.Connect(other.Address()); !errors.Is(err, shmcoll.ErrInvalidParam) {
		t.Fatalf("layout mismatch: got %v, want ErrInvalidParam", err)
	}

	// Failed attempts leave the existing endpoint with its single reference
	g.eps[1].Destroy()
	if err := g.eps[1].SendShort(0, 0, nil); !errors.Is(err, shmcoll.ErrClosed) {
		t.Fatalf("endpoint outlived its only reference: %v", err)
	}
}

func TestSendErrors(t *testing.T) {
	g := newIncastGroup(t, 2, func(b *shmcoll.Builder) *shmcoll.Builder {
		return b.Reduction(shmcoll.Reduction{Operator: shmcoll.OpSum, Operand: shmcoll.OperandInt32, Count: 2})
	})
	ep := g.eps[1]

	if err := ep.SendShort(shmcoll.AmIDMax, 0, int32s(1, 2)); !errors.Is(err, shmcoll.ErrInvalidParam) {
		t.Fatalf("amID out of range: got %v", err)
	}
	if err := ep.SendShort(0, 0, int32s(1)); !errors.Is(err, shmcoll.ErrInvalidParam) {
		t.Fatalf("short contribution: got %v", err)
	}
	if err := g.eps[0].SendShort(0, 0, int32s(1, 2)); !errors.Is(err, shmcoll.ErrInvalidParam) {
		t.Fatalf("incast loopback: got %v", err)
	}
	if err := g.root().SetHandler(shmcoll.AmIDMax, nil); !errors.Is(err, shmcoll.ErrInvalidParam) {
		t.Fatalf("SetHandler out of range: got %v", err)
	}
	if err := ep.SendShort(shmcoll.AmIDMax-1, 0, int32s(1, 2)); err != nil {
		t.Fatalf("highest amID: %v", err)
	}
}

// TestUnhandledMessage consumes an element nobody listens for.
func TestUnhandledMessage(t *testing.T) {
	g := newIncastGroup(t, 2, nil)
	g.sendShort(1, 9, 0, nil)
	if n := g.root().Progress(); n != 1 {
		t.Fatalf("Progress: got %d, want 1", n)
	}
}

// TestHandlerErrorIgnored keeps consuming after a handler fails.
func TestHandlerErrorIgnored(t *testing.T) {
	g := newIncastGroup(t, 2, nil)
	calls := 0
	g.root().SetHandler(0, func(*shmcoll.Message) error {
		calls++
		return errors.New("handler failed")
	})
	g.sendShort(1, 0, 0, nil)
	g.sendShort(1, 0, 0, nil)
	retryWithTimeout(t, time.Second, func() bool {
		g.root().Progress()
		return calls == 2
	}, "delivery")
}

// =============================================================================
// Endpoint - Pending Requests
// =============================================================================

func TestPendingAddBusy(t *testing.T) {
	g := newIncastGroup(t, 2, nil)
	req := &shmcoll.Pending{Send: func() error { return nil }}
	if err := g.eps[1].PendingAdd(req); !errors.Is(err, shmcoll.ErrBusy) {
		t.Fatalf("PendingAdd with room: got %v, want ErrBusy", err)
	}
	if err := g.eps[1].PendingAdd(&shmcoll.Pending{}); !errors.Is(err, shmcoll.ErrInvalidParam) {
		t.Fatalf("PendingAdd without Send: got %v, want ErrInvalidParam", err)
	}
}

// TestPendingDispatch queues sends behind a full FIFO and checks that
// Progress dispatches them in order once elements are consumed.
func TestPendingDispatch(t *testing.T) {
	g := newBcastGroup(t, 2, func(b *shmcoll.Builder) *shmcoll.Builder {
		return b.Depth(2)
	})
	root := g.eps[0]
	var got []byte
	g.ifaces[1].SetHandler(0, func(m *shmcoll.Message) error {
		got = append(got, m.Data...)
		return nil
	})

	for i := range 2 {
		if err := root.SendShort(0, 0, []byte{byte(i)}); err != nil {
			t.Fatalf("SendShort(%d): %v", i, err)
		}
	}

	reqs := make([]*shmcoll.Pending, 3)
	for i := range reqs {
		b := []byte{byte(2 + i)}
		reqs[i] = &shmcoll.Pending{Send: func() error { return root.SendShort(0, 0, b) }}
		if err := root.PendingAdd(reqs[i]); err != nil {
			t.Fatalf("PendingAdd(%d): %v", i, err)
		}
	}
	if err := reqs[0].Send(); err == nil {
		t.Fatalf("direct send overtook the pending queue")
	}
	if err := root.PendingAdd(reqs[0]); !errors.Is(err, shmcoll.ErrBusy) {
		t.Fatalf("re-adding a queued request: got %v, want ErrBusy", err)
	}

	retryWithTimeout(t, time.Second, func() bool {
		g.ifaces[1].Progress()
		g.root().Progress()
		return len(got) == 5
	}, "dispatch")
	for i, b := range got {
		if b != byte(i) {
			t.Fatalf("got %v, want 0..4 in order", got)
		}
	}
	for i, r := range reqs {
		if !r.Done() || r.Err != nil {
			t.Fatalf("request %d: done %v err %v", i, r.Done(), r.Err)
		}
	}
}

func TestPendingCancel(t *testing.T) {
	g := newBcastGroup(t, 2, func(b *shmcoll.Builder) *shmcoll.Builder {
		return b.Depth(2)
	})
	root := g.eps[0]
	for range 2 {
		if err := root.SendShort(0, 0, nil); err != nil {
			t.Fatalf("SendShort: %v", err)
		}
	}

	ran := false
	req := &shmcoll.Pending{Send: func() error { ran = true; return nil }}
	if err := root.PendingAdd(req); err != nil {
		t.Fatalf("PendingAdd: %v", err)
	}
	if err := root.Cancel(req); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !req.Canceled() {
		t.Fatalf("request not canceled")
	}
	if err := root.Cancel(req); !errors.Is(err, shmcoll.ErrNotImplemented) {
		t.Fatalf("second Cancel: got %v, want ErrNotImplemented", err)
	}
	if err := g.eps[1].Cancel(req); !errors.Is(err, shmcoll.ErrInvalidParam) {
		t.Fatalf("Cancel on foreign endpoint: got %v, want ErrInvalidParam", err)
	}

	for range 10 {
		g.ifaces[1].Progress()
		g.root().Progress()
	}
	if ran {
		t.Fatalf("canceled request ran")
	}
	if err := root.SendShort(0, 0, nil); err != nil {
		t.Fatalf("SendShort after cancel: %v", err)
	}
}

func TestPendingPurge(t *testing.T) {
	g := newBcastGroup(t, 2, func(b *shmcoll.Builder) *shmcoll.Builder {
		return b.Depth(2)
	})
	root := g.eps[0]
	for range 2 {
		if err := root.SendShort(0, 0, nil); err != nil {
			t.Fatalf("SendShort: %v", err)
		}
	}
	for range 3 {
		if err := root.PendingAdd(&shmcoll.Pending{Send: func() error { return nil }}); err != nil {
			t.Fatalf("PendingAdd: %v", err)
		}
	}
	purged := 0
	root.PendingPurge(func(p *shmcoll.Pending) {
		if !p.Canceled() {
			t.Errorf("purged request not canceled")
		}
		purged++
	})
	if purged != 3 {
		t.Fatalf("purged %d, want 3", purged)
	}
}

// =============================================================================
// Iface - Lifecycle
// =============================================================================

func TestCloseDrainsAndRejects(t *testing.T) {
	g := newIncastGroup(t, 2, nil)
	got := collect(t, g.root(), 0)

	g.sendShort(1, 0, 0, nil)
	g.sendShort(1, 0, 0, nil)
	if err := g.root().Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(*got) != 2 {
		t.Fatalf("Close delivered %d ready elements, want 2", len(*got))
	}
	if err := g.root().Close(); !errors.Is(err, shmcoll.ErrClosed) {
		t.Fatalf("second Close: got %v, want ErrClosed", err)
	}
	if n := g.root().Progress(); n != 0 {
		t.Fatalf("Progress after Close: %d", n)
	}
	if _, err := g.root().Query(); !errors.Is(err, shmcoll.ErrClosed) {
		t.Fatalf("Query after Close: got %v", err)
	}
	if _, err := g.root().Connect(g.root().Address()); !errors.Is(err, shmcoll.ErrClosed) {
		t.Fatalf("Connect after Close: got %v", err)
	}
	if err := g.eps[0].SendShort(0, 0, nil); !errors.Is(err, shmcoll.ErrClosed) {
		t.Fatalf("loopback after Close: got %v", err)
	}

	// The contributor keeps its mapping and may still write
	if err := g.eps[1].SendShort(0, 0, nil); err != nil && !shmcoll.IsWouldBlock(err) {
		t.Fatalf("contributor after root Close: %v", err)
	}
}

// TestCloseRetiresElements closes a bcast root while its receiver has not
// read anything: the receiver must not deliver what the root discarded.
// Hypothetic roots reclaim without acknowledgements and are left out.
func TestCloseRetiresElements(t *testing.T) {
	for _, s := range []shmcoll.Strategy{shmcoll.Locked, shmcoll.Atomic, shmcoll.CountedSlots, shmcoll.FlaggedSlots, shmcoll.Collaborative} {
		t.Run(s.String(), func(t *testing.T) {
			g := newBcastGroup(t, 3, func(b *shmcoll.Builder) *shmcoll.Builder {
				return b.Strategy(s).Depth(4)
			})
			got := collect(t, g.ifaces[1], 0)
			for i := range 3 {
				if err := g.eps[0].SendShort(0, uint64(i), []byte("stale")); err != nil {
					t.Fatalf("SendShort(%d): %v", i, err)
				}
			}
			if err := g.root().Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			for range 4 {
				if n := g.ifaces[1].Progress(); n != 0 {
					t.Fatalf("receiver consumed %d retired elements", n)
				}
			}
			if len(*got) != 0 {
				t.Fatalf("receiver delivered %d retired elements", len(*got))
			}
		})
	}
}

func TestCloseCancelsPending(t *testing.T) {
	g := newBcastGroup(t, 2, func(b *shmcoll.Builder) *shmcoll.Builder {
		return b.Depth(2)
	})
	root := g.eps[0]
	for range 2 {
		if err := root.SendShort(0, 0, nil); err != nil {
			t.Fatalf("SendShort: %v", err)
		}
	}
	req := &shmcoll.Pending{Send: func() error { return nil }}
	if err := root.PendingAdd(req); err != nil {
		t.Fatalf("PendingAdd: %v", err)
	}
	if err := g.root().Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !req.Canceled() {
		t.Fatalf("pending request survived Close")
	}
}

// =============================================================================
// Iface - Query
// =============================================================================

func TestQuery(t *testing.T) {
	tests := []struct {
		name      string
		b         func(b *shmcoll.Builder) *shmcoll.Builder
		maxShort  int
		maxBcopy  int
		flags     shmcoll.CapFlags
		noFlags   shmcoll.CapFlags
		operators uint32
	}{
		{
			name:      "flagged",
			b:         func(b *shmcoll.Builder) *shmcoll.Builder { return b },
			maxShort:  56,
			maxBcopy:  8184,
			flags:     shmcoll.CapAMShort | shmcoll.CapAMBcopy | shmcoll.CapPending | shmcoll.CapIncast | shmcoll.CapIncastSlotted,
			noFlags:   shmcoll.CapIncastUnordered | shmcoll.CapBcast,
			operators: 1<<shmcoll.OpExternal | 1<<shmcoll.OpMin | 1<<shmcoll.OpMax | 1<<shmcoll.OpSum,
		},
		{
			name:     "flagged timestamps",
			b:        func(b *shmcoll.Builder) *shmcoll.Builder { return b.Timestamps() },
			maxShort: 48,
			maxBcopy: 8176,
			flags:    shmcoll.CapIncastSlotted,
		},
		{
			name:     "counted",
			b:        func(b *shmcoll.Builder) *shmcoll.Builder { return b.Strategy(shmcoll.CountedSlots) },
			maxShort: 64,
			maxBcopy: 8192,
			flags:    shmcoll.CapIncastSlotted,
			noFlags:  shmcoll.CapIncastUnordered,
		},
		{
			name:     "collaborative",
			b:        func(b *shmcoll.Builder) *shmcoll.Builder { return b.Strategy(shmcoll.Collaborative) },
			maxShort: 56,
			maxBcopy: 8184,
			flags:    shmcoll.CapIncastSlotted | shmcoll.CapIncastUnordered,
		},
		{
			name:      "atomic",
			b:         func(b *shmcoll.Builder) *shmcoll.Builder { return b.Strategy(shmcoll.Atomic) },
			maxShort:  64,
			maxBcopy:  8192,
			flags:     shmcoll.CapIncastUnordered,
			noFlags:   shmcoll.CapIncastSlotted,
			operators: 1<<shmcoll.OpSum | 1<<shmcoll.OpSumAtomic,
		},
		{
			name:     "locked",
			b:        func(b *shmcoll.Builder) *shmcoll.Builder { return b.Strategy(shmcoll.Locked).ElemSize(200) },
			maxShort: 192,
			maxBcopy: 8192,
			noFlags:  shmcoll.CapIncastSlotted | shmcoll.CapIncastUnordered,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := tt.b(shmcoll.New(0, 4).Name(groupName(t)).InProcess()).Incast()
			if err != nil {
				t.Fatalf("Incast: %v", err)
			}
			defer in.Close()
			attr, err := in.Query()
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if attr.MaxShort != tt.maxShort || attr.MaxBcopy != tt.maxBcopy {
				t.Fatalf("MaxShort/MaxBcopy: got %d/%d, want %d/%d", attr.MaxShort, attr.MaxBcopy, tt.maxShort, tt.maxBcopy)
			}
			if attr.Flags&tt.flags != tt.flags {
				t.Fatalf("flags %b missing %b", attr.Flags, tt.flags)
			}
			if attr.Flags&tt.noFlags != 0 {
				t.Fatalf("flags %b unexpectedly include %b", attr.Flags, attr.Flags&tt.noFlags)
			}
			if tt.operators != 0 && attr.Operators != tt.operators {
				t.Fatalf("operators: got %b, want %b", attr.Operators, tt.operators)
			}
			if attr.Latency <= 0 || attr.Overhead <= 0 {
				t.Fatalf("latency %v overhead %v", attr.Latency, attr.Overhead)
			}
		})
	}
}

func TestQueryBcast(t *testing.T) {
	in, err := shmcoll.New(0, 3).Name(groupName(t)).InProcess().Bcast()
	if err != nil {
		t.Fatalf("Bcast: %v", err)
	}
	defer in.Close()
	attr, err := in.Query()
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if attr.Flags&shmcoll.CapBcast == 0 || attr.Flags&shmcoll.CapIncast != 0 {
		t.Fatalf("flags: %b", attr.Flags)
	}
	if attr.MaxShort != 64 || attr.MaxBcopy != 8192 {
		t.Fatalf("MaxShort/MaxBcopy: got %d/%d", attr.MaxShort, attr.MaxBcopy)
	}
	if in.Role() != shmcoll.RoleBcast || in.Procs() != 3 || in.Rank() != 0 || in.Strategy() != shmcoll.DefaultStrategy {
		t.Fatalf("accessors: %v %d %d %v", in.Role(), in.Procs(), in.Rank(), in.Strategy())
	}
}
