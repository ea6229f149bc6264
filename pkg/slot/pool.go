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

// Package slot implements the guest side of the pvdrm request channel: a
// fixed pool of request slots in a page shared with the backend, bounded
// admission to them, and the per-request completion protocol.
//
// A request goes through:
//
//	s, _ := pool.Allocate(ctx)  // may block while all slots are held
//	s.SetOp(...); copy(s.Payload()[:], ...)
//	ret, err := pool.Request(ctx, s)
//	pool.Free(s)
//
// The backend is told about new requests through the peer Notifier and
// reports completions by calling back into Complete (normally from the
// guest's doorbell.Bell.Serve loop).
package slot

import (
	"context"
	"errors"
	"fmt"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/semaphore"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/chisuhua/pvdrm/pkg/abi/pvdrm"
	"github.com/chisuhua/pvdrm/pkg/doorbell"
	"github.com/chisuhua/pvdrm/pkg/shmem"
)

// ErrClosed is returned by Allocate after Close.
var ErrClosed = errors.New("slot pool closed")

var (
	requestsCounter      = metrics.GetOrRegisterCounter("slot.requests", nil)
	allocateWaitsCounter = metrics.GetOrRegisterCounter("slot.allocate.waits", nil)
	retractedCounter     = metrics.GetOrRegisterCounter("slot.requests.retracted", nil)
	abandonedCounter     = metrics.GetOrRegisterCounter("slot.requests.abandoned", nil)
	heldGauge            = metrics.GetOrRegisterGauge("slot.held", nil)
)

// Config configures a Pool.
type Config struct {
	// Slots is the pool capacity, in [1, pvdrm.MaxSlots].
	Slots int

	// Peer is notified after each submitted request.
	Peer doorbell.Notifier
}

// Pool is a bounded pool of shared request slots.
type Pool struct {
	page   *shmem.Page
	region shmem.Region
	grant  shmem.GrantRef
	n      int
	peer   doorbell.Notifier

	// sem holds one unit per free slot. It bounds the number of held slots;
	// the scan in Allocate only picks which one.
	sem *semaphore.Weighted

	mu sync.Mutex

	// slots are the guest-private views of the shared slots. Their state
	// is authoritative; the shared Code fields mirror it for the backend.
	//
	// +checklocks:mu
	slots [pvdrm.MaxSlots]Slot

	// +checklocks:mu
	held int

	// +checklocks:mu
	closed bool

	// closeCtx is cancelled by Close to wake callers blocked in Allocate.
	closeCtx    context.Context
	closeCancel context.CancelFunc
}

// New allocates the shared page, grants it, and initializes a pool of
// cfg.Slots unused slots.
func New(cfg Config) (*Pool, error) {
	if cfg.Slots < 1 || cfg.Slots > pvdrm.MaxSlots {
		return nil, fmt.Errorf("invalid slot count %d, must be in [1, %d]", cfg.Slots, pvdrm.MaxSlots)
	}
	if cfg.Peer == nil {
		return nil, fmt.Errorf("slot pool requires a peer notifier")
	}
	page, err := shmem.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("allocating slot page: %w", err)
	}
	cu := cleanup.Make(page.Release)
	defer cu.Clean()

	grant, err := page.Share()
	if err != nil {
		return nil, fmt.Errorf("granting slot page: %w", err)
	}
	cu.Release()

	p := &Pool{
		page:   page,
		region: page.Region(),
		grant:  grant,
		n:      cfg.Slots,
		peer:   cfg.Peer,
		sem:    semaphore.NewWeighted(int64(cfg.Slots)),
	}
	p.closeCtx, p.closeCancel = context.WithCancel(context.Background())
	p.region.Init(cfg.Slots)
	for i := range p.slots {
		p.slots[i].pool = p
		p.slots[i].id = i
	}
	log.Infof("pvdrm: initialized %d slots, grant fd %d", cfg.Slots, grant.FD)
	return p, nil
}

// Capacity returns the number of slots in the pool.
func (p *Pool) Capacity() int {
	return p.n
}

// Held returns the number of slots currently held, including slots whose
// release waits on the backend.
func (p *Pool) Held() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}

// GrantRef returns the reference through which the backend maps the pool's
// page. It remains owned by p.
func (p *Pool) GrantRef() shmem.GrantRef {
	return p.grant
}

// Region returns the pool's view of the shared region.
func (p *Pool) Region() shmem.Region {
	return p.region
}

// Allocate returns an unused slot, marking it held. If all slots are held it
// blocks until one is freed, ctx is done, or the pool is closed.
//
// The returned slot has an armed fence, a zero result, and zeroed request
// fields, no matter how it was used before.
func (p *Pool) Allocate(ctx context.Context) (*Slot, error) {
	if !p.sem.TryAcquire(1) {
		allocateWaitsCounter.Inc(1)
		wctx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(p.closeCtx, cancel)
		err := p.sem.Acquire(wctx, 1)
		stop()
		cancel()
		if err != nil {
			if p.closeCtx.Err() != nil {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("waiting for a free slot: %w", err)
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrClosed
	}
	var s *Slot
	for i := 0; i < p.n; i++ {
		if !p.slots[i].held {
			s = &p.slots[i]
			break
		}
	}
	if s == nil {
		// The semaphore admitted us, so a slot must be free.
		panic(fmt.Sprintf("slot pool: no unused slot among %d after admission (held %d)", p.n, p.held))
	}
	if c := p.region.Code(s.id); c != pvdrm.SlotUnused {
		panic(fmt.Sprintf("slot pool: slot %d is free locally but shared code is %v", s.id, c))
	}
	s.held = true
	p.held++
	heldGauge.Update(int64(p.held))
	p.region.SetCode(s.id, pvdrm.SlotHeld)
	p.mu.Unlock()

	s.fence.Init()
	s.result = 0
	rec := p.region.Slot(s.id)
	rec.Op = uint32(pvdrm.OpNop)
	rec.Handle = 0
	rec.Payload = [pvdrm.SlotPayloadBytes]byte{}
	p.region.SetRet(s.id, 0)
	p.region.SetFence(s.id, pvdrm.FenceIdle)
	return s, nil
}

// Free returns s to the pool. Each successful Allocate must be matched by
// exactly one Free, including after a failed Request.
//
// If s carries a request the backend has claimed but not completed, the
// slot stays out of the pool until the backend signals it; see Request.
//
// Free panics if s is not held.
func (p *Pool) Free(s *Slot) {
	p.mu.Lock()
	if !s.held {
		p.mu.Unlock()
		panic(fmt.Sprintf("slot pool: free of slot %d which is not held", s.id))
	}
	if c := p.region.Code(s.id); c != pvdrm.SlotHeld {
		p.mu.Unlock()
		panic(fmt.Sprintf("slot pool: free of slot %d whose shared code is %v", s.id, c))
	}
	if s.freePending {
		p.mu.Unlock()
		panic(fmt.Sprintf("slot pool: double free of abandoned slot %d", s.id))
	}
	if s.abandoned {
		s.freePending = true
		p.mu.Unlock()
		log.Debugf("pvdrm: slot %d freed while the backend owns its request; deferring release", s.id)
		return
	}
	p.releaseLocked(s)
	p.mu.Unlock()
	p.sem.Release(1)
}

// +checklocks:p.mu
func (p *Pool) releaseLocked(s *Slot) {
	s.held = false
	s.inflight = false
	s.abandoned = false
	s.freePending = false
	p.held--
	heldGauge.Update(int64(p.held))
	p.region.SetCode(s.id, pvdrm.SlotUnused)
}

// Request submits the request held in s to the backend and blocks until the
// backend completes it, returning the backend's result.
//
// If ctx is done first, Request returns an *InterruptedError. If the backend
// had not yet claimed the request it is withdrawn and will never run
// (Retracted is true). Otherwise the request may still run; the slot is
// quarantined and Free only returns it to the pool once the backend has
// signaled it.
//
// Request panics if s is not held or already has a request in flight.
func (p *Pool) Request(ctx context.Context, s *Slot) (int32, error) {
	p.mu.Lock()
	if !s.held {
		p.mu.Unlock()
		panic(fmt.Sprintf("slot pool: request on slot %d which is not held", s.id))
	}
	if s.inflight || s.abandoned {
		p.mu.Unlock()
		panic(fmt.Sprintf("slot pool: request on slot %d which already has a request in flight", s.id))
	}
	s.inflight = true
	p.mu.Unlock()

	// The fence store is a release: the request fields written by the
	// caller are visible to the backend before it can observe Pending, and
	// Pending is visible before the count moves.
	p.region.SetFence(s.id, pvdrm.FencePending)
	p.region.IncCount()
	requestsCounter.Inc(1)

	if err := p.peer.Notify(); err != nil {
		return p.interrupted(s, fmt.Errorf("notifying backend: %w", err))
	}
	ret, err := s.fence.Wait(ctx)
	if err != nil {
		return p.interrupted(s, err)
	}
	return ret, nil
}

func (p *Pool) interrupted(s *Slot, cause error) (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !s.inflight {
		// Complete got there first.
		return s.result, nil
	}
	if p.region.CASFence(s.id, pvdrm.FencePending, pvdrm.FenceIdle) {
		s.inflight = false
		retractedCounter.Inc(1)
		return 0, &InterruptedError{Slot: s.id, Retracted: true, Err: cause}
	}
	s.abandoned = true
	abandonedCounter.Inc(1)
	log.Warningf("pvdrm: request in slot %d interrupted after the backend claimed it (fence %v): %v", s.id, p.region.Fence(s.id), cause)
	return 0, &InterruptedError{Slot: s.id, Err: cause}
}

// Complete delivers backend completions: every in-flight slot whose shared
// fence is signaled has its result read and its fence fired. It is the
// guest's notification callback and may be called spuriously.
func (p *Pool) Complete() {
	released := 0
	p.mu.Lock()
	for i := 0; i < p.n; i++ {
		s := &p.slots[i]
		if !s.inflight || p.region.Fence(i) != pvdrm.FenceSignaled {
			continue
		}
		ret := p.region.Ret(i)
		s.inflight = false
		if s.abandoned {
			s.abandoned = false
			if s.freePending {
				p.releaseLocked(s)
				released++
				log.Debugf("pvdrm: backend signaled abandoned slot %d (ret %d), released", i, ret)
			}
			continue
		}
		s.result = ret
		s.fence.Signal(ret)
	}
	p.mu.Unlock()
	if released > 0 {
		p.sem.Release(int64(released))
	}
}

// Close stops further allocation and releases the shared page and its
// grant. Callers blocked in Allocate return ErrClosed. No Request may be in
// progress, and slots still held must not be used afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	held := p.held
	p.closeCancel()
	p.mu.Unlock()
	if held > 0 {
		log.Warningf("pvdrm: closing slot pool with %d slots held", held)
	}
	p.grant.Close()
	p.page.Release()
}

// InterruptedError is returned by Request when the wait for completion ends
// early.
type InterruptedError struct {
	// Slot is the index of the slot.
	Slot int

	// Retracted is true if the request was withdrawn before the backend
	// claimed it, so it will never run.
	Retracted bool

	// Err is the reason the wait ended.
	Err error
}

// Error implements error.Error.
func (e *InterruptedError) Error() string {
	if e.Retracted {
		return fmt.Sprintf("request in slot %d withdrawn before the backend claimed it: %v", e.Slot, e.Err)
	}
	return fmt.Sprintf("request in slot %d abandoned while the backend owns it: %v", e.Slot, e.Err)
}

// Unwrap returns the reason the wait ended.
func (e *InterruptedError) Unwrap() error {
	return e.Err
}
