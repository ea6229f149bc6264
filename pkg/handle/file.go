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

package handle

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

var (
	// ErrNoMapping is returned for mapping IDs that name no mapping.
	ErrNoMapping = errors.New("no such mapping")

	// ErrFileClosed is returned for operations on a destroyed file.
	ErrFileClosed = errors.New("file destroyed")
)

// File is an open device connection and the mappings created through it.
type File struct {
	handle int32
	conn   Conn

	mu sync.Mutex

	// +checklocks:mu
	closed bool

	// mappings holds live mappings by ID. A Mapping removes itself when
	// destroyed.
	//
	// +checklocks:mu
	mappings map[uint32]*Mapping

	// +checklocks:mu
	lastMapping uint32
}

func newFile(conn Conn) *File {
	return &File{
		conn:     conn,
		mappings: make(map[uint32]*Mapping),
	}
}

// Handle returns f's handle.
func (f *File) Handle() int32 {
	return f.handle
}

// Mappings returns the number of live mappings of f.
func (f *File) Mappings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mappings)
}

// Map maps length bytes of the device at offset and records the mapping.
// Mapping IDs are never 0.
func (f *File) Map(offset int64, length int) (*Mapping, error) {
	if offset < 0 || length <= 0 {
		return nil, fmt.Errorf("invalid mapping range [%d, +%d)", offset, length)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("%w: handle %d", ErrFileClosed, f.handle)
	}
	mem, err := f.conn.Mmap(offset, length)
	if err != nil {
		return nil, fmt.Errorf("mapping handle %d at %#x: %w", f.handle, offset, err)
	}
	f.lastMapping++
	if f.lastMapping == 0 {
		f.lastMapping++
	}
	m := &Mapping{file: f, id: f.lastMapping, offset: offset, mem: mem}
	f.mappings[m.id] = m
	return m, nil
}

// Mapping returns the live mapping with the given ID.
func (f *File) Mapping(id uint32) (*Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mappings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d on handle %d", ErrNoMapping, id, f.handle)
	}
	return m, nil
}

// markClosed marks f closed, returning false if it already was.
func (f *File) markClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.closed = true
	return true
}

func (f *File) destroyMappings() {
	f.mu.Lock()
	ms := make([]*Mapping, 0, len(f.mappings))
	for _, m := range f.mappings {
		ms = append(ms, m)
	}
	f.mu.Unlock()
	for _, m := range ms {
		if err := m.Destroy(); err != nil && !errors.Is(err, ErrNoMapping) {
			log.Warningf("pvdrm: destroying mapping %d of handle %d: %v", m.id, f.handle, err)
		}
	}
}

// Mapping is a region of the device mapped through a File.
type Mapping struct {
	file   *File
	id     uint32
	offset int64
	mem    []byte
}

// ID returns the mapping's ID, unique within its file.
func (m *Mapping) ID() uint32 {
	return m.id
}

// Offset returns the device offset of the mapping.
func (m *Mapping) Offset() int64 {
	return m.offset
}

// Bytes returns the mapped memory. It must not be used after Destroy.
func (m *Mapping) Bytes() []byte {
	return m.mem
}

// Destroy unmaps m and detaches it from its file.
func (m *Mapping) Destroy() error {
	f := m.file
	f.mu.Lock()
	if f.mappings[m.id] != m {
		f.mu.Unlock()
		return fmt.Errorf("%w: %d already destroyed", ErrNoMapping, m.id)
	}
	delete(f.mappings, m.id)
	f.mu.Unlock()
	return f.conn.Munmap(m.mem)
}
