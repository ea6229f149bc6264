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

// Package pvdrm defines the layout of the page shared between a pvdrm guest
// and its backend, and the request opcodes carried in its slots.
//
// Both domains map the same physical page and interpret it through
// SharedRegion. Every field has exactly one writer per protocol phase; see
// the field comments. Fields written by the other domain must be treated as
// untrusted and read with atomic loads.
package pvdrm

import "fmt"

// Sizes of the shared page and its parts.
const (
	// PageSize is the size of the shared page. The layout below must fit in
	// it.
	PageSize = 4096

	// MaxSlots is the number of slot records in the shared page. A pool may
	// use fewer (SharedRegion.NSlots) but never more.
	MaxSlots = 32

	// SlotPayloadBytes is the size of the opaque request payload of a slot.
	SlotPayloadBytes = 96

	// SlotBytes is the size of one Slot record.
	SlotBytes = 24 + SlotPayloadBytes

	// RegionBytes is the size of SharedRegion.
	RegionBytes = 8 + MaxSlots*SlotBytes + MaxSlots*4
)

// The shared region must fit in the page. This fails to compile otherwise.
const _ = uint(PageSize - RegionBytes)

// RingEmpty is the value of an output ring cell that holds no output.
const RingEmpty = 0xFFFFFFFF

// FileGlobalHandle is the largest reserved file handle. Handles in
// [1, FileGlobalHandle] are fixed and never assigned dynamically; 0 means
// "no handle".
const FileGlobalHandle = 1

// SlotCode is the allocation state of a slot. Only the guest writes it.
type SlotCode uint32

// Slot allocation states.
const (
	SlotUnused SlotCode = 0xFFFF0000
	SlotHeld   SlotCode = 0xFFFF0001
)

// String implements fmt.Stringer.
func (c SlotCode) String() string {
	switch c {
	case SlotUnused:
		return "unused"
	case SlotHeld:
		return "held"
	default:
		return fmt.Sprintf("SlotCode(%#x)", uint32(c))
	}
}

// FenceState is the per-slot completion word in the shared page.
//
// Transitions:
//
//	Idle -> Pending     guest, on submit
//	Pending -> Idle     guest, retracting an interrupted request
//	Pending -> Claimed  backend, before servicing
//	Claimed -> Signaled backend, after Ret and Ring are written
//	any -> Idle         guest, on allocation
type FenceState uint32

// Fence states.
const (
	FenceIdle FenceState = iota
	FencePending
	FenceClaimed
	FenceSignaled
)

// String implements fmt.Stringer.
func (s FenceState) String() string {
	switch s {
	case FenceIdle:
		return "idle"
	case FencePending:
		return "pending"
	case FenceClaimed:
		return "claimed"
	case FenceSignaled:
		return "signaled"
	default:
		return fmt.Sprintf("FenceState(%d)", uint32(s))
	}
}

// Op is a request opcode. The slot pool does not interpret it.
type Op uint32

// Request opcodes.
const (
	// OpNop does nothing and completes with 0.
	OpNop Op = iota

	// OpOpen opens a new device file on the backend. The output ring cell
	// receives the new file handle.
	OpOpen

	// OpClose closes the file named by Slot.Handle.
	OpClose

	// OpMmap maps a range of the file named by Slot.Handle. The payload
	// holds MmapArgs; the output ring cell receives the mapping ID.
	OpMmap

	// OpMunmap destroys the mapping whose ID is in MunmapArgs.
	OpMunmap

	numOps
)

// Valid returns true if op is a known opcode.
func (op Op) Valid() bool {
	return op < numOps
}

// String implements fmt.Stringer.
func (op Op) String() string {
	switch op {
	case OpNop:
		return "nop"
	case OpOpen:
		return "open"
	case OpClose:
		return "close"
	case OpMmap:
		return "mmap"
	case OpMunmap:
		return "munmap"
	default:
		return fmt.Sprintf("Op(%d)", uint32(op))
	}
}
