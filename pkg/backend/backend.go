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

// Package backend implements the privileged side of the pvdrm request
// channel. It maps the guest's shared page, claims pending requests,
// executes them against a handle table and signals their completion.
//
// Everything read from the shared page is written by the guest and is
// validated before use.
package backend

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/chisuhua/pvdrm/pkg/abi/pvdrm"
	"github.com/chisuhua/pvdrm/pkg/doorbell"
	"github.com/chisuhua/pvdrm/pkg/handle"
	"github.com/chisuhua/pvdrm/pkg/shmem"
)

var (
	servedCounter = metrics.GetOrRegisterCounter("backend.requests.served", nil)
	failedCounter = metrics.GetOrRegisterCounter("backend.requests.failed", nil)
	scansCounter  = metrics.GetOrRegisterCounter("backend.scans", nil)
)

// Config configures a Backend.
type Config struct {
	// Grant refers to the guest's shared page. It remains owned by the
	// caller.
	Grant shmem.GrantRef

	// Table holds the files opened on behalf of the guest.
	Table *handle.Table

	// Guest is notified after each batch of completions.
	Guest doorbell.Notifier
}

// Backend services requests posted in a guest's shared page.
type Backend struct {
	page   *shmem.Page
	region shmem.Region
	n      int
	table  *handle.Table
	guest  doorbell.Notifier

	// mu serializes Process.
	mu sync.Mutex

	// lastCount is the request count observed at the start of the last
	// complete scan.
	//
	// +checklocks:mu
	lastCount uint32

	// +checklocks:mu
	scanned bool
}

// New maps the shared page referred to by cfg.Grant.
func New(cfg Config) (*Backend, error) {
	if cfg.Table == nil || cfg.Guest == nil {
		return nil, fmt.Errorf("backend requires a handle table and a guest notifier")
	}
	page, err := shmem.Map(cfg.Grant)
	if err != nil {
		return nil, fmt.Errorf("mapping guest page: %w", err)
	}
	region := page.Region()
	n := region.NSlots()
	if n < 1 || n > pvdrm.MaxSlots {
		page.Release()
		return nil, fmt.Errorf("guest published invalid slot count %d", n)
	}
	log.Infof("pvdrm: backend mapped guest page with %d slots", n)
	return &Backend{
		page:   page,
		region: region,
		n:      int(n),
		table:  cfg.Table,
		guest:  cfg.Guest,
	}, nil
}

// Slots returns the number of slots the backend scans.
func (b *Backend) Slots() int {
	return b.n
}

// Process services every request that is pending in the shared page and
// notifies the guest if any completed. It returns the number of requests
// completed.
//
// The guest publishes a request before bumping the request count, so a
// scan is skipped when the count has not moved since the last one.
func (b *Backend) Process() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := b.region.Count()
	if b.scanned && count == b.lastCount {
		return 0
	}
	scansCounter.Inc(1)

	served := 0
	for i := 0; i < b.n; i++ {
		if b.region.Code(i) != pvdrm.SlotHeld {
			continue
		}
		if !b.region.CASFence(i, pvdrm.FencePending, pvdrm.FenceClaimed) {
			continue
		}
		b.region.SetRing(i, pvdrm.RingEmpty)
		ret, out := b.execute(i)
		b.region.SetRet(i, ret)
		if out != pvdrm.RingEmpty {
			b.region.SetRing(i, out)
		}
		// Release: Ret and the ring cell are visible before Signaled.
		b.region.SetFence(i, pvdrm.FenceSignaled)
		served++
		if ret < 0 {
			failedCounter.Inc(1)
		}
	}
	b.lastCount = count
	b.scanned = true

	if served > 0 {
		servedCounter.Inc(int64(served))
		if err := b.guest.Notify(); err != nil {
			log.Warningf("pvdrm: notifying guest of %d completions: %v", served, err)
		}
	}
	return served
}

// execute runs the claimed request in slot i, returning its result and the
// value for its output ring cell.
func (b *Backend) execute(i int) (int32, uint32) {
	// Work on a private copy so the guest cannot change the request while
	// it is validated and run.
	req := *b.region.Slot(i)
	if req.ID != uint32(i) {
		log.Warningf("pvdrm: slot %d carries ID %d, rejecting request", i, req.ID)
		return -int32(unix.EINVAL), pvdrm.RingEmpty
	}
	op := pvdrm.Op(req.Op)
	if log.IsLogging(log.Debug) {
		log.Debugf("pvdrm: slot %d: %v handle %d", i, op, req.Handle)
	}

	switch op {
	case pvdrm.OpNop:
		return 0, pvdrm.RingEmpty

	case pvdrm.OpOpen:
		f, err := b.table.InsertNew()
		if err != nil {
			return errno(err), pvdrm.RingEmpty
		}
		return 0, uint32(f.Handle())

	case pvdrm.OpClose:
		f, err := b.table.Lookup(req.Handle)
		if err != nil {
			return errno(err), pvdrm.RingEmpty
		}
		if err := b.table.RemoveAndDestroy(f); err != nil {
			return errno(err), pvdrm.RingEmpty
		}
		return 0, pvdrm.RingEmpty

	case pvdrm.OpMmap:
		var args pvdrm.MmapArgs
		args.Decode(&req.Payload)
		if args.Length == 0 || args.Length > math.MaxInt32 || args.Offset > math.MaxInt64 {
			return -int32(unix.EINVAL), pvdrm.RingEmpty
		}
		f, err := b.table.Lookup(req.Handle)
		if err != nil {
			return errno(err), pvdrm.RingEmpty
		}
		m, err := f.Map(int64(args.Offset), int(args.Length))
		if err != nil {
			return errno(err), pvdrm.RingEmpty
		}
		return 0, m.ID()

	case pvdrm.OpMunmap:
		var args pvdrm.MunmapArgs
		args.Decode(&req.Payload)
		f, err := b.table.Lookup(req.Handle)
		if err != nil {
			return errno(err), pvdrm.RingEmpty
		}
		m, err := f.Mapping(args.Mapping)
		if err != nil {
			return errno(err), pvdrm.RingEmpty
		}
		if err := m.Destroy(); err != nil {
			return errno(err), pvdrm.RingEmpty
		}
		return 0, pvdrm.RingEmpty

	default:
		log.Debugf("pvdrm: slot %d: unsupported op %v", i, op)
		return -int32(unix.ENOSYS), pvdrm.RingEmpty
	}
}

// errno converts err to the negative errno reported to the guest.
func errno(err error) int32 {
	var e unix.Errno
	switch {
	case errors.Is(err, handle.ErrNotFound), errors.Is(err, handle.ErrFileClosed):
		return -int32(unix.EBADF)
	case errors.Is(err, handle.ErrExhausted):
		return -int32(unix.ENOMEM)
	case errors.Is(err, handle.ErrNoMapping):
		return -int32(unix.EINVAL)
	case errors.As(err, &e):
		return -int32(e)
	default:
		log.Warningf("pvdrm: request failed: %v", err)
		return -int32(unix.EIO)
	}
}

// Serve services requests each time bell rings, until ctx is done or bell is
// shut down.
func (b *Backend) Serve(ctx context.Context, bell *doorbell.Bell) error {
	// Pick up anything posted before we started listening.
	b.Process()
	return bell.Serve(ctx, func() { b.Process() })
}

// Close unmaps the shared page. Process must not be running.
func (b *Backend) Close() {
	b.page.Release()
}
