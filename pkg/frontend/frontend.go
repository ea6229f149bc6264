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

// Package frontend is the guest-side pvdrm driver interface. Each call
// takes a slot from the pool, posts one request to the backend and waits for
// its completion.
package frontend

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/chisuhua/pvdrm/pkg/abi/pvdrm"
	"github.com/chisuhua/pvdrm/pkg/doorbell"
	"github.com/chisuhua/pvdrm/pkg/slot"
)

// Driver issues requests over a slot pool.
type Driver struct {
	pool *slot.Pool
}

// New returns a Driver using pool.
func New(pool *slot.Pool) *Driver {
	return &Driver{pool: pool}
}

// Pool returns the driver's slot pool.
func (d *Driver) Pool() *slot.Pool {
	return d.pool
}

// call runs one request and returns its output ring cell. A negative backend
// result is returned as a unix.Errno.
func (d *Driver) call(ctx context.Context, op pvdrm.Op, h int32, fill func(p *[pvdrm.SlotPayloadBytes]byte)) (uint32, error) {
	s, err := d.pool.Allocate(ctx)
	if err != nil {
		return 0, err
	}
	defer d.pool.Free(s)

	s.SetOp(op)
	s.SetHandle(h)
	if fill != nil {
		fill(s.Payload())
	}
	ret, err := d.pool.Request(ctx, s)
	if err != nil {
		return 0, fmt.Errorf("pvdrm %v: %w", op, err)
	}
	if ret < 0 {
		return 0, fmt.Errorf("pvdrm %v: %w", op, unix.Errno(-ret))
	}
	if ret > 0 {
		log.Warningf("pvdrm %v: backend returned unexpected result %d", op, ret)
	}
	return s.Output(), nil
}

// Nop round-trips an empty request.
func (d *Driver) Nop(ctx context.Context) error {
	_, err := d.call(ctx, pvdrm.OpNop, 0, nil)
	return err
}

// Open opens a new device file on the backend and returns its handle.
func (d *Driver) Open(ctx context.Context) (int32, error) {
	out, err := d.call(ctx, pvdrm.OpOpen, 0, nil)
	if err != nil {
		return 0, err
	}
	if out == pvdrm.RingEmpty || out <= pvdrm.FileGlobalHandle || out > 1<<31-1 {
		return 0, fmt.Errorf("pvdrm open: backend returned invalid handle %#x: %w", out, unix.EIO)
	}
	return int32(out), nil
}

// Close closes the device file h.
func (d *Driver) Close(ctx context.Context, h int32) error {
	_, err := d.call(ctx, pvdrm.OpClose, h, nil)
	return err
}

// Mmap maps length bytes of file h at offset on the backend and returns the
// mapping's ID.
func (d *Driver) Mmap(ctx context.Context, h int32, offset, length uint64) (uint32, error) {
	args := pvdrm.MmapArgs{Offset: offset, Length: length}
	out, err := d.call(ctx, pvdrm.OpMmap, h, args.Encode)
	if err != nil {
		return 0, err
	}
	if out == 0 || out == pvdrm.RingEmpty {
		return 0, fmt.Errorf("pvdrm mmap: backend returned invalid mapping %#x: %w", out, unix.EIO)
	}
	return out, nil
}

// Munmap destroys mapping id of file h.
func (d *Driver) Munmap(ctx context.Context, h int32, id uint32) error {
	args := pvdrm.MunmapArgs{Mapping: id}
	_, err := d.call(ctx, pvdrm.OpMunmap, h, args.Encode)
	return err
}

// Serve delivers completions to waiting requests each time bell rings,
// until ctx is done or bell is shut down.
func (d *Driver) Serve(ctx context.Context, bell *doorbell.Bell) error {
	return bell.Serve(ctx, d.pool.Complete)
}
