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

package pvdrm

import (
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Slot is one request record in the shared page.
type Slot struct {
	// ID is the index of the slot in SharedRegion.Slots. It is written once
	// by the guest when the region is initialized.
	ID uint32

	// Code holds a SlotCode. Written by the guest under its pool lock.
	Code uint32

	// Fence holds a FenceState. See FenceState for who may write which
	// transition.
	Fence uint32

	// Ret is the result of the request. Written by the backend before it
	// signals Fence; valid for the guest only after observing
	// FenceSignaled.
	Ret int32

	// Op holds an Op. Written by the guest before submission.
	Op uint32

	// Handle is the file handle the request applies to, if any. Written by
	// the guest before submission.
	Handle int32

	// Payload holds op-specific arguments. Written by the guest before
	// submission.
	Payload [SlotPayloadBytes]byte
}

// SharedRegion is the layout of the shared page.
type SharedRegion struct {
	// Count is incremented by the guest once per submitted request. It is a
	// progress hint for the backend and is never decremented.
	Count uint32

	// NSlots is the number of slots the guest uses. Written once at
	// initialization.
	NSlots uint32

	// Slots are the request records. Slots[i].ID == i.
	Slots [MaxSlots]Slot

	// Ring holds one output cell per slot. Written only by the backend, and
	// only while the matching slot is held.
	Ring [MaxSlots]uint32
}

// MmapArgs is the payload of OpMmap.
type MmapArgs struct {
	Offset uint64
	Length uint64
}

// Encode writes a into the payload p.
func (a MmapArgs) Encode(p *[SlotPayloadBytes]byte) {
	hostarch.ByteOrder.PutUint64(p[0:], a.Offset)
	hostarch.ByteOrder.PutUint64(p[8:], a.Length)
}

// Decode reads a from the payload p.
func (a *MmapArgs) Decode(p *[SlotPayloadBytes]byte) {
	a.Offset = hostarch.ByteOrder.Uint64(p[0:])
	a.Length = hostarch.ByteOrder.Uint64(p[8:])
}

// MunmapArgs is the payload of OpMunmap.
type MunmapArgs struct {
	Mapping uint32
}

// Encode writes a into the payload p.
func (a MunmapArgs) Encode(p *[SlotPayloadBytes]byte) {
	hostarch.ByteOrder.PutUint32(p[0:], a.Mapping)
}

// Decode reads a from the payload p.
func (a *MunmapArgs) Decode(p *[SlotPayloadBytes]byte) {
	a.Mapping = hostarch.ByteOrder.Uint32(p[0:])
}
