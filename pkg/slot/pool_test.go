// Copyright 2026 The pvdrm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package slot

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/chisuhua/pvdrm/pkg/abi/pvdrm"
	"github.com/chisuhua/pvdrm/pkg/doorbell"
	"github.com/chisuhua/pvdrm/pkg/fence"
	"github.com/chisuhua/pvdrm/pkg/shmem"
)

// stubBackend services requests through its own mapping of the pool's page.
// Each notification is handled on a new goroutine, as a real backend in
// another domain would.
type stubBackend struct {
	page   *shmem.Page
	region shmem.Region
	pool   *Pool

	// serve computes the result and output of a claimed slot. If it
	// returns hold == true the slot is left claimed.
	serve func(i int, rec *pvdrm.Slot) (ret int32, out uint32, hold bool)

	wg      sync.WaitGroup
	served  atomic.Int64
	claimed atomic.Int64
}

func (b *stubBackend) Notify() error {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.scan()
	}()
	return nil
}

func (b *stubBackend) scan() {
	n := int(b.region.NSlots())
	for i := 0; i < n; i++ {
		if b.region.Code(i) != pvdrm.SlotHeld {
			continue
		}
		if !b.region.CASFence(i, pvdrm.FencePending, pvdrm.FenceClaimed) {
			continue
		}
		b.claimed.Add(1)
		b.region.SetRing(i, pvdrm.RingEmpty)
		ret, out, hold := b.serve(i, b.region.Slot(i))
		if hold {
			continue
		}
		b.signal(i, ret, out)
	}
	b.pool.Complete()
}

func (b *stubBackend) signal(i int, ret int32, out uint32) {
	b.region.SetRet(i, ret)
	b.region.SetRing(i, out)
	b.region.SetFence(i, pvdrm.FenceSignaled)
	b.served.Add(1)
}

// echo returns the first four payload bytes as the result.
func echo(i int, rec *pvdrm.Slot) (int32, uint32, bool) {
	v := int32(hostarch.ByteOrder.Uint32(rec.Payload[:]))
	return v, uint32(i), false
}

func newPoolWithBackend(t *testing.T, n int, serve func(int, *pvdrm.Slot) (int32, uint32, bool)) (*Pool, *stubBackend) {
	t.Helper()
	b := &stubBackend{serve: serve}
	p, err := New(Config{Slots: n, Peer: b})
	if err != nil {
		t.Fatalf("New(%d): %v", n, err)
	}
	page, err := shmem.Map(p.GrantRef())
	if err != nil {
		p.Close()
		t.Fatalf("Map(): %v", err)
	}
	b.page = page
	b.region = page.Region()
	b.pool = p
	t.Cleanup(func() {
		b.wg.Wait()
		page.Release()
		p.Close()
	})
	return p, b
}

func newPool(t *testing.T, n int) *Pool {
	t.Helper()
	p, err := New(Config{Slots: n, Peer: doorbell.Func(func() error { return nil })})
	if err != nil {
		t.Fatalf("New(%d): %v", n, err)
	}
	t.Cleanup(p.Close)
	return p
}

func mustPanic(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	f()
}

func TestNewInitializesRegion(t *testing.T) {
	p := newPool(t, 4)
	r := p.Region()
	if got := r.Count(); got != 0 {
		t.Errorf("Count(): got %d, want 0", got)
	}
	if got := r.NSlots(); got != 4 {
		t.Errorf("NSlots(): got %d, want 4", got)
	}
	for i := 0; i < pvdrm.MaxSlots; i++ {
		if got := r.Code(i); got != pvdrm.SlotUnused {
			t.Errorf("Code(%d): got %v, want %v", i, got, pvdrm.SlotUnused)
		}
		if got := r.Ring(i); got != pvdrm.RingEmpty {
			t.Errorf("Ring(%d): got %#x, want empty", i, got)
		}
		if got := r.SlotID(i); got != uint32(i) {
			t.Errorf("SlotID(%d): got %d", i, got)
		}
	}
}

func TestNewRejectsBadCapacity(t *testing.T) {
	peer := doorbell.Func(func() error { return nil })
	for _, n := range []int{-1, 0, pvdrm.MaxSlots + 1} {
		if p, err := New(Config{Slots: n, Peer: peer}); err == nil {
			p.Close()
			t.Errorf("New(%d) succeeded, want error", n)
		}
	}
	if p, err := New(Config{Slots: 1}); err == nil {
		p.Close()
		t.Errorf("New() without a peer succeeded, want error")
	}
}

func TestAllocateBlocksWhenExhausted(t *testing.T) {
	const n = 4
	p := newPool(t, n)
	var held []*Slot
	seen := make(map[int]bool)
	for i := 0; i < n; i++ {
		s, err := p.Allocate(context.Background())
		if err != nil {
			t.Fatalf("Allocate() #%d: %v", i, err)
		}
		if seen[s.ID()] {
			t.Fatalf("Allocate() returned slot %d twice", s.ID())
		}
		seen[s.ID()] = true
		if got := p.Region().Code(s.ID()); got != pvdrm.SlotHeld {
			t.Errorf("slot %d code: got %v, want %v", s.ID(), got, pvdrm.SlotHeld)
		}
		held = append(held, s)
	}
	if got := p.Held(); got != n {
		t.Errorf("Held(): got %d, want %d", got, n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if s, err := p.Allocate(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Allocate() with %d held: got slot %v err %v, want %v", n, s, err, context.DeadlineExceeded)
	}

	got := make(chan *Slot, 1)
	go func() {
		s, err := p.Allocate(context.Background())
		if err != nil {
			t.Errorf("blocked Allocate(): %v", err)
		}
		got <- s
	}()
	select {
	case s := <-got:
		t.Fatalf("Allocate() returned slot %d while all slots held", s.ID())
	case <-time.After(100 * time.Millisecond):
	}
	p.Free(held[2])
	select {
	case s := <-got:
		if s.ID() != held[2].ID() {
			t.Errorf("unblocked Allocate(): got slot %d, want %d", s.ID(), held[2].ID())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Allocate() still blocked after Free()")
	}
}

func TestReallocateIsFresh(t *testing.T) {
	p, _ := newPoolWithBackend(t, 1, func(i int, rec *pvdrm.Slot) (int32, uint32, bool) {
		return 77, 5, false
	})
	ctx := context.Background()

	s, err := p.Allocate(ctx)
	if err != nil {
		t.Fatalf("Allocate(): %v", err)
	}
	s.SetOp(pvdrm.OpOpen)
	s.SetHandle(9)
	s.Payload()[0] = 0xff
	ret, err := p.Request(ctx, s)
	if err != nil || ret != 77 {
		t.Fatalf("Request(): got (%d, %v), want (77, nil)", ret, err)
	}
	if got := s.Output(); got != 5 {
		t.Errorf("Output(): got %d, want 5", got)
	}
	first := s.ID()
	p.Free(s)

	s, err = p.Allocate(ctx)
	if err != nil {
		t.Fatalf("second Allocate(): %v", err)
	}
	defer p.Free(s)
	if s.ID() != first {
		t.Errorf("second Allocate(): got slot %d, want %d", s.ID(), first)
	}
	if s.fence.Signaled() {
		t.Errorf("reallocated slot has a signaled fence")
	}
	if got := s.Result(); got != 0 {
		t.Errorf("reallocated Result(): got %d, want 0", got)
	}
	r := p.Region()
	if got := r.Ret(s.ID()); got != 0 {
		t.Errorf("reallocated shared Ret: got %d, want 0", got)
	}
	if got := r.Fence(s.ID()); got != pvdrm.FenceIdle {
		t.Errorf("reallocated shared Fence: got %v, want %v", got, pvdrm.FenceIdle)
	}
	rec := r.Slot(s.ID())
	if rec.Op != uint32(pvdrm.OpNop) || rec.Handle != 0 || rec.Payload[0] != 0 {
		t.Errorf("reallocated request fields not cleared: op %d handle %d payload[0] %d", rec.Op, rec.Handle, rec.Payload[0])
	}
}

func TestFreeNotHeldPanics(t *testing.T) {
	p := newPool(t, 2)
	s, err := p.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate(): %v", err)
	}
	p.Free(s)
	mustPanic(t, "double Free()", func() { p.Free(s) })
	if got := p.Held(); got != 0 {
		t.Errorf("Held() after rejected double free: got %d, want 0", got)
	}
}

func TestFreeCorruptedCodePanics(t *testing.T) {
	p := newPool(t, 2)
	s, err := p.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate(): %v", err)
	}
	// A misbehaving peer rewrites the shared state.
	p.Region().SetCode(s.ID(), pvdrm.SlotUnused)
	mustPanic(t, "Free() of corrupted slot", func() { p.Free(s) })
}

func TestRequestNotHeldPanics(t *testing.T) {
	p := newPool(t, 1)
	s, err := p.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate(): %v", err)
	}
	p.Free(s)
	mustPanic(t, "Request() on a freed slot", func() { p.Request(context.Background(), s) })
}

func TestRequestReturnsSignaledValue(t *testing.T) {
	p, b := newPoolWithBackend(t, 8, echo)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))
	const cycles = 1000
	for i := 0; i < cycles; i++ {
		s, err := p.Allocate(ctx)
		if err != nil {
			t.Fatalf("cycle %d: Allocate(): %v", i, err)
		}
		want := rng.Int31() - rng.Int31()
		hostarch.ByteOrder.PutUint32(s.Payload()[:], uint32(want))
		got, err := p.Request(ctx, s)
		if err != nil {
			t.Fatalf("cycle %d: Request(): %v", i, err)
		}
		if got != want {
			t.Fatalf("cycle %d: Request(): got %d, want %d", i, got, want)
		}
		if out := s.Output(); out != uint32(s.ID()) {
			t.Errorf("cycle %d: Output(): got %d, want %d", i, out, s.ID())
		}
		p.Free(s)
	}
	if got := p.Region().Count(); got != cycles {
		t.Errorf("Count(): got %d, want %d", got, cycles)
	}
	if got := b.served.Load(); got != cycles {
		t.Errorf("backend served %d requests, want %d", got, cycles)
	}
}

func TestConcurrentCycles(t *testing.T) {
	const (
		slots   = 4
		workers = 10
		cycles  = 100
	)
	p, _ := newPoolWithBackend(t, slots, echo)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var (
		completed atomic.Int64
		maxHeld   atomic.Int64
	)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for c := 0; c < cycles; c++ {
				s, err := p.Allocate(gctx)
				if err != nil {
					return err
				}
				if h := int64(p.Held()); h > maxHeld.Load() {
					maxHeld.Store(h)
				}
				want := int32(w*cycles + c)
				hostarch.ByteOrder.PutUint32(s.Payload()[:], uint32(want))
				got, err := p.Request(gctx, s)
				p.Free(s)
				if err != nil {
					return err
				}
				if got != want {
					t.Errorf("worker %d cycle %d: got %d, want %d", w, c, got, want)
				}
				completed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("workers: %v", err)
	}
	if got := completed.Load(); got != workers*cycles {
		t.Errorf("completed cycles: got %d, want %d", got, workers*cycles)
	}
	if got := maxHeld.Load(); got > slots {
		t.Errorf("observed %d held slots, capacity is %d", got, slots)
	}
	if got := p.Held(); got != 0 {
		t.Errorf("Held() after all cycles: got %d, want 0", got)
	}
}

func TestRequestInterruptedBeforeClaim(t *testing.T) {
	// The peer never services anything.
	p := newPool(t, 1)
	s, err := p.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate(): %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Request(ctx, s)
	var ie *InterruptedError
	if !errors.As(err, &ie) {
		t.Fatalf("Request(): got %v, want *InterruptedError", err)
	}
	if !ie.Retracted {
		t.Errorf("InterruptedError.Retracted: got false, want true")
	}
	if !errors.Is(err, fence.ErrInterrupted) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Request(): %v does not wrap the interruption cause", err)
	}
	if got := p.Region().Fence(s.ID()); got != pvdrm.FenceIdle {
		t.Errorf("shared fence after retraction: got %v, want %v", got, pvdrm.FenceIdle)
	}
	p.Free(s)
	if got := p.Held(); got != 0 {
		t.Errorf("Held() after Free(): got %d, want 0", got)
	}
	s, err = p.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate() after retraction: %v", err)
	}
	p.Free(s)
}

func TestRequestInterruptedAfterClaim(t *testing.T) {
	p, b := newPoolWithBackend(t, 1, func(int, *pvdrm.Slot) (int32, uint32, bool) {
		return 0, 0, true
	})
	s, err := p.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate(): %v", err)
	}
	id := s.ID()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for b.claimed.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	_, err = p.Request(ctx, s)
	var ie *InterruptedError
	if !errors.As(err, &ie) {
		t.Fatalf("Request(): got %v, want *InterruptedError", err)
	}
	if ie.Retracted {
		t.Errorf("InterruptedError.Retracted: got true for a claimed request")
	}

	// The slot must stay out of the pool until the backend is done with it.
	p.Free(s)
	if got := p.Held(); got != 1 {
		t.Errorf("Held() after Free() of abandoned slot: got %d, want 1", got)
	}
	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	if _, err := p.Allocate(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Allocate() while abandoned slot outstanding: got %v, want %v", err, context.DeadlineExceeded)
	}

	b.signal(id, 3, 0)
	p.Complete()
	if got := p.Held(); got != 0 {
		t.Errorf("Held() after backend signaled: got %d, want 0", got)
	}
	s, err = p.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate() after abandoned slot released: %v", err)
	}
	if s.fence.Signaled() || s.Result() != 0 {
		t.Errorf("slot reused with stale completion state")
	}
	p.Free(s)
}

func TestCompleteIgnoresIdleSlots(t *testing.T) {
	p := newPool(t, 2)
	s, err := p.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate(): %v", err)
	}
	defer p.Free(s)
	// A peer signaling a slot with no request in flight must not fire its
	// fence.
	p.Region().SetFence(s.ID(), pvdrm.FenceSignaled)
	p.Complete()
	if s.fence.Signaled() {
		t.Errorf("Complete() signaled a slot with no request in flight")
	}
}

func TestAllocateAfterClose(t *testing.T) {
	p, err := New(Config{Slots: 1, Peer: doorbell.Func(func() error { return nil })})
	if err != nil {
		t.Fatalf("New(): %v", err)
	}
	p.Close()
	if _, err := p.Allocate(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Allocate() after Close(): got %v, want %v", err, ErrClosed)
	}
}

func TestCloseWakesBlockedAllocate(t *testing.T) {
	p, err := New(Config{Slots: 1, Peer: doorbell.Func(func() error { return nil })})
	if err != nil {
		t.Fatalf("New(): %v", err)
	}
	if _, err := p.Allocate(context.Background()); err != nil {
		t.Fatalf("Allocate(): %v", err)
	}

	errC := make(chan error, 1)
	go func() {
		_, err := p.Allocate(context.Background())
		errC <- err
	}()
	// Give the second Allocate a chance to block on the exhausted pool.
	time.Sleep(10 * time.Millisecond)
	p.Close()

	select {
	case err := <-errC:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("blocked Allocate() after Close(): got %v, want %v", err, ErrClosed)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Allocate() still blocked after Close()")
	}
}
