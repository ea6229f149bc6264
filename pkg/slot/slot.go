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

package slot

import (
	"github.com/chisuhua/pvdrm/pkg/abi/pvdrm"
	"github.com/chisuhua/pvdrm/pkg/fence"
)

// Slot is a held request slot. The request setters may only be used between
// Allocate and Request; Result and Output only after Request returns.
type Slot struct {
	pool *Pool
	id   int

	fence  fence.Fence
	result int32

	// The following fields are protected by pool.mu.

	// held is true between Allocate and the slot's release.
	held bool

	// inflight is true from submission until the completion is consumed by
	// Complete or the request is withdrawn.
	inflight bool

	// abandoned is true if the waiter gave up after the backend claimed the
	// request.
	abandoned bool

	// freePending is true if Free was called while abandoned.
	freePending bool
}

// ID returns the slot's index in the shared region.
func (s *Slot) ID() int {
	return s.id
}

// SetOp sets the request opcode.
func (s *Slot) SetOp(op pvdrm.Op) {
	s.pool.region.Slot(s.id).Op = uint32(op)
}

// SetHandle sets the file handle the request applies to.
func (s *Slot) SetHandle(h int32) {
	s.pool.region.Slot(s.id).Handle = h
}

// Payload returns the request payload, which lives in shared memory.
func (s *Slot) Payload() *[pvdrm.SlotPayloadBytes]byte {
	return &s.pool.region.Slot(s.id).Payload
}

// Result returns the result of the last completed request.
func (s *Slot) Result() int32 {
	return s.result
}

// Output returns the slot's output ring cell, or pvdrm.RingEmpty if the
// backend wrote none.
func (s *Slot) Output() uint32 {
	return s.pool.region.Ring(s.id)
}
