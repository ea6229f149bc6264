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

// Package hostdev provides the host device layer used by the backend's
// handle table: device files opened read-write and mapped shared.
package hostdev

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/chisuhua/pvdrm/pkg/handle"
)

// DefaultPath is the DRM device opened by default.
const DefaultPath = "/dev/dri/card0"

// Device opens host device files.
type Device struct{}

// Open implements handle.Device.Open.
func (Device) Open(path string) (handle.Conn, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open(%q): %w", path, err)
	}
	return &Conn{fd: fd}, nil
}

// Conn is an open host device file.
type Conn struct {
	fd int
}

// FD returns the host file descriptor.
func (c *Conn) FD() int {
	return c.fd
}

// Mmap implements handle.Conn.Mmap.
func (c *Conn) Mmap(offset int64, length int) ([]byte, error) {
	mem, err := unix.Mmap(c.fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap(fd %d, %#x, %d): %w", c.fd, offset, length, err)
	}
	return mem, nil
}

// Munmap implements handle.Conn.Munmap.
func (c *Conn) Munmap(b []byte) error {
	return unix.Munmap(b)
}

// Close implements handle.Conn.Close.
func (c *Conn) Close() error {
	return unix.Close(c.fd)
}
