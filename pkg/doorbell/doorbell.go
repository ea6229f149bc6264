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

// Package doorbell implements the out-of-band notification between a pvdrm
// guest and its backend.
//
// Each direction has its own Bell. The notifying domain calls Notify; the
// receiving domain runs Serve, which invokes a callback after every batch
// of notifications. Notifications carry no data: the callback is expected
// to rescan the shared region.
package doorbell

import (
	"context"
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/eventfd"
	"gvisor.dev/gvisor/pkg/log"
)

// Notifier signals a peer domain. Notify must not block on the peer.
type Notifier interface {
	Notify() error
}

// Func adapts an ordinary function to a Notifier.
type Func func() error

// Notify implements Notifier.Notify.
func (f Func) Notify() error {
	return f()
}

// Bell is an eventfd-backed doorbell.
type Bell struct {
	ev       eventfd.Eventfd
	shutdown atomicbitops.Bool
}

// New creates a Bell.
func New() (*Bell, error) {
	ev, err := eventfd.Create()
	if err != nil {
		return nil, fmt.Errorf("creating doorbell: %w", err)
	}
	return &Bell{ev: ev}, nil
}

// FromFD returns a Bell wrapping an eventfd received from another domain.
// The Bell takes ownership of fd.
func FromFD(fd int) *Bell {
	return &Bell{ev: eventfd.Wrap(fd)}
}

// FD returns the eventfd, so that it can be passed to the peer domain.
func (b *Bell) FD() int {
	return b.ev.FD()
}

// Notify implements Notifier.Notify.
func (b *Bell) Notify() error {
	return b.ev.Notify()
}

// Serve calls fn once after each batch of notifications, until ctx is done
// or Shutdown is called. Notifications that arrive while fn runs cause
// another call, so fn never misses state published before a Notify.
//
// At most one goroutine may call Serve at a time.
func (b *Bell) Serve(ctx context.Context, fn func()) error {
	stop := context.AfterFunc(ctx, b.Shutdown)
	defer stop()
	for {
		n, err := b.ev.Read()
		if b.shutdown.Load() {
			return ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("reading doorbell: %w", err)
		}
		if log.IsLogging(log.Debug) {
			log.Debugf("doorbell %d: %d notification(s)", b.ev.FD(), n)
		}
		fn()
	}
}

// Shutdown causes a concurrent or future Serve to return. It does not close
// the eventfd.
func (b *Bell) Shutdown() {
	if b.shutdown.Swap(true) {
		return
	}
	if err := b.ev.Notify(); err != nil {
		log.Warningf("doorbell %d: failed to wake server for shutdown: %v", b.ev.FD(), err)
	}
}

// Close releases the eventfd. Serve must not be running.
func (b *Bell) Close() error {
	return b.ev.Close()
}
