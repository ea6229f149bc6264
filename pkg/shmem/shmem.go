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

// Package shmem provides the single page of memory shared between a pvdrm
// guest and its backend, and the grant mechanism used to hand it from one
// domain to the other.
//
// The page is a sealed memfd. A GrantRef is a file descriptor referring to
// it; any domain that receives the descriptor (by inheritance or SCM_RIGHTS)
// can Map it and observe the same physical memory.
package shmem

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/abi/linux"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/memutil"

	"github.com/chisuhua/pvdrm/pkg/abi/pvdrm"
)

var (
	// ErrAlloc is returned when the shared page cannot be obtained.
	ErrAlloc = errors.New("shared page allocation failed")

	// ErrGrant is returned when the shared page cannot be shared with or
	// mapped by another domain.
	ErrGrant = errors.New("shared page grant failed")
)

// GrantRef refers to a shared page that another domain may map.
type GrantRef struct {
	// FD is a file descriptor for the page's memfd.
	FD int
}

// Close releases the reference. Mappings created from it are unaffected.
func (g GrantRef) Close() error {
	return unix.Close(g.FD)
}

// Page is a mapping of a shared page.
type Page struct {
	// fd is the memfd backing the page if this Page owns it, or -1.
	fd  int
	mem []byte
}

// AllocPage allocates a fresh zero-filled shared page and maps it.
func AllocPage() (*Page, error) {
	fd, err := memutil.CreateMemFD("pvdrm_shared_page", linux.MFD_CLOEXEC|linux.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("%w: memfd: %v", ErrAlloc, err)
	}
	cu := cleanup.Make(func() { unix.Close(fd) })
	defer cu.Clean()

	if err := unix.Ftruncate(fd, pvdrm.PageSize); err != nil {
		return nil, fmt.Errorf("%w: ftruncate: %v", ErrAlloc, err)
	}
	// Prevent either domain from truncating the file under the other,
	// which would turn accesses into SIGBUS.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_SEAL); err != nil {
		return nil, fmt.Errorf("%w: seal: %v", ErrAlloc, err)
	}
	mem, err := unix.Mmap(fd, 0, pvdrm.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap: %v", ErrAlloc, err)
	}
	cu.Release()
	return &Page{fd: fd, mem: mem}, nil
}

// Share returns a reference through which another domain can map p. The
// caller owns the returned reference.
func (p *Page) Share() (GrantRef, error) {
	if p.fd < 0 {
		return GrantRef{}, fmt.Errorf("%w: page is a foreign mapping", ErrGrant)
	}
	fd, err := unix.FcntlInt(uintptr(p.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return GrantRef{}, fmt.Errorf("%w: dup: %v", ErrGrant, err)
	}
	return GrantRef{FD: fd}, nil
}

// Map maps the page referred to by ref. The returned Page does not take
// ownership of ref.
func Map(ref GrantRef) (*Page, error) {
	var st unix.Stat_t
	if err := unix.Fstat(ref.FD, &st); err != nil {
		return nil, fmt.Errorf("%w: fstat: %v", ErrGrant, err)
	}
	if st.Size < pvdrm.PageSize {
		return nil, fmt.Errorf("%w: shared file is %d bytes, want at least %d", ErrGrant, st.Size, pvdrm.PageSize)
	}
	seals, err := unix.FcntlInt(uintptr(ref.FD), unix.F_GET_SEALS, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: get seals: %v", ErrGrant, err)
	}
	if seals&unix.F_SEAL_SHRINK == 0 {
		return nil, fmt.Errorf("%w: shared file is not sealed against shrinking (seals %#x)", ErrGrant, seals)
	}
	mem, err := unix.Mmap(ref.FD, 0, pvdrm.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap: %v", ErrGrant, err)
	}
	return &Page{fd: -1, mem: mem}, nil
}

// Region returns an accessor for the shared region laid out in p.
func (p *Page) Region() Region {
	return regionFromBytes(p.mem)
}

// Release unmaps p and, if p owns its memfd, closes it. p must not be used
// afterwards.
func (p *Page) Release() {
	if p.mem != nil {
		unix.Munmap(p.mem)
		p.mem = nil
	}
	if p.fd >= 0 {
		unix.Close(p.fd)
		p.fd = -1
	}
}
