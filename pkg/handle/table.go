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

// Package handle implements the backend's table of open device files.
//
// Each file the guest opens is identified by a small positive integer
// handle. Handles in [1, pvdrm.FileGlobalHandle] are reserved and only
// registered explicitly; all others are assigned lowest-free-first.
package handle

import (
	"errors"
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"
	"gvisor.dev/gvisor/pkg/bitmap"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/chisuhua/pvdrm/pkg/abi/pvdrm"
)

var (
	// ErrNotFound is returned for handles that name no file.
	ErrNotFound = errors.New("no such file handle")

	// ErrExhausted is returned when no handle can be assigned.
	ErrExhausted = errors.New("file handles exhausted")

	// ErrReserved is returned by InsertFixed for handles outside the
	// reserved range.
	ErrReserved = errors.New("handle is not in the reserved range")

	// ErrExists is returned by InsertFixed for a handle already in use.
	ErrExists = errors.New("handle already registered")
)

var (
	lookupsCounter   = metrics.GetOrRegisterCounter("handle.lookups", nil)
	missesCounter    = metrics.GetOrRegisterCounter("handle.lookup.misses", nil)
	exhaustedCounter = metrics.GetOrRegisterCounter("handle.exhausted", nil)
	liveGauge        = metrics.GetOrRegisterGauge("handle.live", nil)
)

// Device opens connections to the underlying device.
type Device interface {
	// Open opens a new connection to the device at path.
	Open(path string) (Conn, error)
}

// Conn is an open connection to the device.
type Conn interface {
	// Mmap maps length bytes of the device at offset.
	Mmap(offset int64, length int) ([]byte, error)

	// Munmap unmaps a region returned by Mmap.
	Munmap(b []byte) error

	// Close closes the connection. Existing mappings stay valid until
	// unmapped.
	Close() error
}

const (
	// DefaultMaxHandles is the default bound on assigned handles.
	DefaultMaxHandles = 1 << 16

	initialHandleBits = 64
)

// Option configures a Table.
type Option func(*Table)

// WithMaxHandles bounds handles to [1, max).
func WithMaxHandles(max int32) Option {
	return func(t *Table) {
		t.max = uint32(max)
	}
}

// Table maps handles to open files.
type Table struct {
	dev  Device
	path string
	max  uint32

	missLog log.Logger

	mu sync.RWMutex

	// +checklocks:mu
	files map[int32]*File

	// used has bit h set for every assigned dynamic handle h.
	//
	// +checklocks:mu
	used bitmap.Bitmap
}

// NewTable returns an empty table whose files are opened from path on dev.
func NewTable(dev Device, path string, opts ...Option) *Table {
	t := &Table{
		dev:     dev,
		path:    path,
		max:     DefaultMaxHandles,
		missLog: log.BasicRateLimitedLogger(time.Second),
		files:   make(map[int32]*File),
		used:    bitmap.New(initialHandleBits),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Path returns the device path files are opened from.
func (t *Table) Path() string {
	return t.path
}

// Len returns the number of files in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.files)
}

// Lookup returns the file with handle h.
func (t *Table) Lookup(h int32) (*File, error) {
	lookupsCounter.Inc(1)
	if h > 0 {
		t.mu.RLock()
		f, ok := t.files[h]
		t.mu.RUnlock()
		if ok {
			return f, nil
		}
	}
	missesCounter.Inc(1)
	t.missLog.Warningf("pvdrm: lookup of unknown file handle %d", h)
	return nil, fmt.Errorf("%w: %d", ErrNotFound, h)
}

// InsertNew opens a new connection to the device and registers it under the
// lowest free dynamic handle.
func (t *Table) InsertNew() (*File, error) {
	conn, err := t.dev.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", t.path, err)
	}
	f := newFile(conn)

	t.mu.Lock()
	h, err := t.assignLocked()
	if err == nil {
		f.handle = h
		t.files[h] = f
		liveGauge.Update(int64(len(t.files)))
	}
	t.mu.Unlock()

	if err != nil {
		exhaustedCounter.Inc(1)
		if cerr := conn.Close(); cerr != nil {
			log.Warningf("pvdrm: closing connection after failed insert: %v", cerr)
		}
		return nil, err
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("pvdrm: opened %s as handle %d", t.path, h)
	}
	return f, nil
}

// assignLocked marks and returns the lowest free dynamic handle. If none is
// free it grows the bitmap and tries once more.
//
// +checklocks:t.mu
func (t *Table) assignLocked() (int32, error) {
	bit, err := t.used.FirstZero(pvdrm.FileGlobalHandle + 1)
	if err != nil || bit >= t.max {
		size := uint32(t.used.Size())
		if size >= t.max {
			return 0, fmt.Errorf("%w: all %d handles in use", ErrExhausted, t.max-pvdrm.FileGlobalHandle-1)
		}
		grow := size
		if size+grow > t.max {
			grow = t.max - size
		}
		if gerr := t.used.Grow(grow); gerr != nil {
			return 0, fmt.Errorf("%w: %v", ErrExhausted, gerr)
		}
		bit, err = t.used.FirstZero(size)
		if err != nil || bit >= t.max {
			return 0, fmt.Errorf("%w: no free handle after growing to %d", ErrExhausted, t.used.Size())
		}
	}
	t.used.Add(bit)
	return int32(bit), nil
}

// InsertFixed opens a new connection to the device and registers it under
// the reserved handle h.
func (t *Table) InsertFixed(h int32) (*File, error) {
	if h <= 0 || h > pvdrm.FileGlobalHandle {
		return nil, fmt.Errorf("%w: %d", ErrReserved, h)
	}
	conn, err := t.dev.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", t.path, err)
	}
	f := newFile(conn)
	f.handle = h

	t.mu.Lock()
	_, exists := t.files[h]
	if !exists {
		t.files[h] = f
		liveGauge.Update(int64(len(t.files)))
	}
	t.mu.Unlock()

	if exists {
		if cerr := conn.Close(); cerr != nil {
			log.Warningf("pvdrm: closing connection for duplicate handle %d: %v", h, cerr)
		}
		return nil, fmt.Errorf("%w: %d", ErrExists, h)
	}
	return f, nil
}

// RemoveAndDestroy closes f's device connection, removes f from the table
// and destroys its remaining mappings. It returns the error from closing the
// connection, if any. f must not be used afterwards.
func (t *Table) RemoveAndDestroy(f *File) error {
	if !f.markClosed() {
		return fmt.Errorf("%w: handle %d already destroyed", ErrNotFound, f.handle)
	}
	cerr := f.conn.Close()

	if h := f.handle; h > 0 {
		t.mu.Lock()
		if t.files[h] == f {
			delete(t.files, h)
			if h > pvdrm.FileGlobalHandle {
				t.used.Remove(uint32(h))
			}
			liveGauge.Update(int64(len(t.files)))
		}
		t.mu.Unlock()
	}

	f.destroyMappings()
	if cerr != nil {
		return fmt.Errorf("closing handle %d: %w", f.handle, cerr)
	}
	return nil
}

// Release destroys every file in the table.
func (t *Table) Release() {
	t.mu.RLock()
	files := make([]*File, 0, len(t.files))
	for _, f := range t.files {
		files = append(files, f)
	}
	t.mu.RUnlock()
	for _, f := range files {
		if err := t.RemoveAndDestroy(f); err != nil {
			log.Warningf("pvdrm: releasing handle %d: %v", f.handle, err)
		}
	}
}
