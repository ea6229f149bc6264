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

package hostdev

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func newDeviceFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "card0")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating device file: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		t.Fatalf("sizing device file: %v", err)
	}
	return path
}

func TestMappingsAreShared(t *testing.T) {
	path := newDeviceFile(t, int64(2*unix.Getpagesize()))
	var dev Device
	a, err := dev.Open(path)
	if err != nil {
		t.Fatalf("Open(): %v", err)
	}
	defer a.Close()
	b, err := dev.Open(path)
	if err != nil {
		t.Fatalf("Open(): %v", err)
	}
	defer b.Close()

	page := unix.Getpagesize()
	ma, err := a.Mmap(int64(page), page)
	if err != nil {
		t.Fatalf("Mmap(): %v", err)
	}
	defer a.Munmap(ma)
	mb, err := b.Mmap(int64(page), page)
	if err != nil {
		t.Fatalf("Mmap(): %v", err)
	}
	defer b.Munmap(mb)

	ma[7] = 0x5a
	if mb[7] != 0x5a {
		t.Errorf("write through one connection not visible through the other")
	}
}

func TestOpenMissing(t *testing.T) {
	var dev Device
	_, err := dev.Open(filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, unix.ENOENT) {
		t.Errorf("Open() of missing file: got %v, want %v", err, unix.ENOENT)
	}
}

func TestMmapUnaligned(t *testing.T) {
	path := newDeviceFile(t, int64(unix.Getpagesize()))
	var dev Device
	c, err := dev.Open(path)
	if err != nil {
		t.Fatalf("Open(): %v", err)
	}
	defer c.Close()
	if _, err := c.Mmap(1, 16); !errors.Is(err, unix.EINVAL) {
		t.Errorf("Mmap() at unaligned offset: got %v, want %v", err, unix.EINVAL)
	}
}
