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

// Package fence provides a single-writer, single-waiter completion signal.
//
// A Fence is armed by Init, fired once by Signal, and observed by Wait. It
// is re-armed for every use; a Signal delivered to a previous arming is
// never visible after Init.
package fence

import (
	"context"
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/sync"
)

// ErrInterrupted is returned by Wait when the wait ends before the fence is
// signaled.
var ErrInterrupted = errors.New("fence wait interrupted")

// Fence is a completion signal carrying an int32 result.
//
// The zero value is unarmed; Init must be called before Signal or Wait.
type Fence struct {
	mu sync.Mutex

	// ch is closed when the fence is signaled. A new channel is made on
	// every Init.
	ch       chan struct{}
	result   int32
	signaled bool
}

// Init arms f, discarding any previous signal.
func (f *Fence) Init() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch = make(chan struct{})
	f.result = 0
	f.signaled = false
}

// Signal fires f with result. It returns false, and has no effect, if f is
// unarmed or already signaled.
func (f *Fence) Signal(result int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch == nil || f.signaled {
		return false
	}
	f.result = result
	f.signaled = true
	close(f.ch)
	return true
}

// Signaled returns true if f has been signaled since it was last armed.
func (f *Fence) Signaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled
}

// Wait blocks until f is signaled and returns the signaled result, or until
// ctx is done, in which case the returned error wraps both ErrInterrupted
// and ctx.Err().
//
// Precondition: f is armed.
func (f *Fence) Wait(ctx context.Context) (int32, error) {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	if ch == nil {
		panic("fence.Wait called on an unarmed fence")
	}
	select {
	case <-ch:
	default:
		select {
		case <-ch:
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, nil
}
