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

package shmem

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/chisuhua/pvdrm/pkg/abi/pvdrm"
)

// Region provides atomic access to the words of a shared region.
//
// The region is concurrently mutated by another, possibly adversarial,
// domain. Callers must read any cross-domain field at most once per
// decision and must not assume that a value read back equals the value
// they wrote.
type Region struct {
	r *pvdrm.SharedRegion
}

func regionFromBytes(mem []byte) Region {
	if len(mem) < pvdrm.RegionBytes {
		panic(fmt.Sprintf("shared mapping is %d bytes, need %d", len(mem), pvdrm.RegionBytes))
	}
	return Region{r: (*pvdrm.SharedRegion)(unsafe.Pointer(&mem[0]))}
}

// Init resets every field of the region to its initial state for a pool of
// n slots. It must only be called by the guest before the region is
// published.
func (r Region) Init(n int) {
	atomic.StoreUint32(&r.r.Count, 0)
	atomic.StoreUint32(&r.r.NSlots, uint32(n))
	for i := range r.r.Slots {
		s := &r.r.Slots[i]
		atomic.StoreUint32(&s.ID, uint32(i))
		atomic.StoreUint32(&s.Code, uint32(pvdrm.SlotUnused))
		atomic.StoreUint32(&s.Fence, uint32(pvdrm.FenceIdle))
		atomic.StoreInt32(&s.Ret, 0)
		atomic.StoreUint32(&r.r.Ring[i], pvdrm.RingEmpty)
	}
}

// Count returns the request counter.
func (r Region) Count() uint32 {
	return atomic.LoadUint32(&r.r.Count)
}

// IncCount increments the request counter. The atomic add orders all prior
// stores to the region before the increment.
func (r Region) IncCount() uint32 {
	return atomic.AddUint32(&r.r.Count, 1)
}

// NSlots returns the number of slots published by the guest.
func (r Region) NSlots() uint32 {
	return atomic.LoadUint32(&r.r.NSlots)
}

// SlotID returns the ID stored in slot i.
func (r Region) SlotID(i int) uint32 {
	return atomic.LoadUint32(&r.r.Slots[i].ID)
}

// Code returns the allocation state of slot i.
func (r Region) Code(i int) pvdrm.SlotCode {
	return pvdrm.SlotCode(atomic.LoadUint32(&r.r.Slots[i].Code))
}

// SetCode sets the allocation state of slot i.
func (r Region) SetCode(i int, c pvdrm.SlotCode) {
	atomic.StoreUint32(&r.r.Slots[i].Code, uint32(c))
}

// Fence returns the completion state of slot i.
func (r Region) Fence(i int) pvdrm.FenceState {
	return pvdrm.FenceState(atomic.LoadUint32(&r.r.Slots[i].Fence))
}

// SetFence sets the completion state of slot i. The store publishes all
// prior writes to the slot.
func (r Region) SetFence(i int, s pvdrm.FenceState) {
	atomic.StoreUint32(&r.r.Slots[i].Fence, uint32(s))
}

// CASFence atomically moves slot i's completion state from old to new, and
// returns true if it did.
func (r Region) CASFence(i int, old, new pvdrm.FenceState) bool {
	return atomic.CompareAndSwapUint32(&r.r.Slots[i].Fence, uint32(old), uint32(new))
}

// Ret returns the result of slot i.
func (r Region) Ret(i int) int32 {
	return atomic.LoadInt32(&r.r.Slots[i].Ret)
}

// SetRet sets the result of slot i.
func (r Region) SetRet(i int, v int32) {
	atomic.StoreInt32(&r.r.Slots[i].Ret, v)
}

// Ring returns the output cell of slot i.
func (r Region) Ring(i int) uint32 {
	return atomic.LoadUint32(&r.r.Ring[i])
}

// SetRing sets the output cell of slot i.
func (r Region) SetRing(i int, v uint32) {
	atomic.StoreUint32(&r.r.Ring[i], v)
}

// Slot returns the raw record of slot i, for request fields that are only
// written while the writer owns the slot (Op, Handle, Payload). Readers on
// the other side must copy those fields out before validating them.
func (r Region) Slot(i int) *pvdrm.Slot {
	return &r.r.Slots[i]
}
