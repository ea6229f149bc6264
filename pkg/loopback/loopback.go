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

// Package loopback connects a pvdrm guest driver and backend in one process.
// The two sides share only what they would across domains: the granted page
// and a doorbell in each direction.
package loopback

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/chisuhua/pvdrm/pkg/backend"
	"github.com/chisuhua/pvdrm/pkg/doorbell"
	"github.com/chisuhua/pvdrm/pkg/frontend"
	"github.com/chisuhua/pvdrm/pkg/handle"
	"github.com/chisuhua/pvdrm/pkg/slot"
)

// Config configures a Loopback.
type Config struct {
	// Slots is the guest pool capacity.
	Slots int

	// Table is the backend's handle table.
	Table *handle.Table
}

// Loopback is a running guest/backend pair.
type Loopback struct {
	drv *frontend.Driver
	be  *backend.Backend

	pool      *slot.Pool
	toBackend *doorbell.Bell
	toGuest   *doorbell.Bell

	cancel context.CancelFunc
	g      *errgroup.Group
}

// New builds both sides. Start must be called before issuing requests.
func New(cfg Config) (*Loopback, error) {
	toBackend, err := doorbell.New()
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { toBackend.Close() })
	defer cu.Clean()

	toGuest, err := doorbell.New()
	if err != nil {
		return nil, err
	}
	cu.Add(func() { toGuest.Close() })

	pool, err := slot.New(slot.Config{Slots: cfg.Slots, Peer: toBackend})
	if err != nil {
		return nil, fmt.Errorf("creating guest pool: %w", err)
	}
	cu.Add(pool.Close)

	be, err := backend.New(backend.Config{
		Grant: pool.GrantRef(),
		Table: cfg.Table,
		Guest: toGuest,
	})
	if err != nil {
		return nil, fmt.Errorf("creating backend: %w", err)
	}
	cu.Release()

	return &Loopback{
		drv:       frontend.New(pool),
		be:        be,
		pool:      pool,
		toBackend: toBackend,
		toGuest:   toGuest,
	}, nil
}

// Driver returns the guest driver.
func (l *Loopback) Driver() *frontend.Driver {
	return l.drv
}

// Start runs both notification loops until ctx is done or Close is called.
func (l *Loopback) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.g, ctx = errgroup.WithContext(ctx)
	l.g.Go(func() error {
		return l.be.Serve(ctx, l.toBackend)
	})
	l.g.Go(func() error {
		return l.drv.Serve(ctx, l.toGuest)
	})
}

// Close stops the notification loops and releases both sides. No request
// may be in progress.
func (l *Loopback) Close() error {
	var err error
	if l.cancel != nil {
		l.cancel()
		if err = l.g.Wait(); errors.Is(err, context.Canceled) {
			err = nil
		}
	}
	l.be.Close()
	l.pool.Close()
	l.toBackend.Close()
	l.toGuest.Close()
	if err != nil {
		log.Warningf("pvdrm: loopback notification loop failed: %v", err)
	}
	return err
}
