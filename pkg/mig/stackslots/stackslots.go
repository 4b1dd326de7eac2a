// Copyright 2018 The HermitCore Authors.
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

// Package stackslots assigns each thread id a fixed stack slot in a
// reserved virtual-address region. A resumed thread must find its stack at
// the exact address it occupied on the source machine; because the slot is
// a pure function of the tid and both sides share the layout constants,
// equal tids get bit-identical stack bases on any two machines.
//
// Slots are indexed by tid and a tid binds to one slot for the life of the
// process, so no lock is needed.
package stackslots

import (
	"errors"
	"fmt"

	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
	"github.com/ssrg-vt/HermitCore/pkg/kern"
	"github.com/ssrg-vt/HermitCore/pkg/log"
)

const (
	// SlotsStart is the base of the reserved slot region.
	SlotsStart hostarch.Addr = 0x1_0000_0000

	// DefaultStackSize is the size of every thread stack and the distance
	// between slot starts. A stack begins one guard page above its slot
	// start, so it extends over the first page of the next slot. The
	// whole slab is checkpointed, not just the used portion.
	DefaultStackSize = 256 << 10

	// SlotCount is the number of reserved slots, one per possible tid.
	SlotCount = 32
)

// ErrExhausted indicates a tid with no reserved slot.
var ErrExhausted = errors.New("stack slot limit reached")

// Slots hands out stack slots and maps their backing on demand.
type Slots struct {
	mapper kern.Mapper
	log    log.Logger
}

// New returns the slot allocator backed by the given page-table mapper.
func New(mapper kern.Mapper) *Slots {
	s := &Slots{mapper: mapper, log: log.New("stackslots")}
	s.log.Debugf("reserving %#x-%#x (%d slots of %#x bytes)",
		SlotsStart, SlotsStart+SlotCount*DefaultStackSize, SlotCount, DefaultStackSize)
	return s
}

// Base returns the usable base address of tid's slot, one guard page above
// the slot start. It is a pure function of tid.
func Base(tid kern.Tid) (hostarch.Addr, error) {
	if tid < 0 || tid >= SlotCount {
		return 0, fmt.Errorf("tid %d: %w", tid, ErrExhausted)
	}
	return SlotsStart + hostarch.Addr(tid)*DefaultStackSize + hostarch.PageSize, nil
}

// Get maps fresh backing for tid's slot and returns its usable base. Get
// does not map the guard page at the slot start; the stack of tid-1, once
// mapped, covers it.
func (s *Slots) Get(tid kern.Tid) (hostarch.Addr, error) {
	base, err := Base(tid)
	if err != nil {
		return 0, err
	}

	pages := uint64(DefaultStackSize / hostarch.PageSize)
	if err := s.mapper.Map(base, pages, kern.MapRW|kern.MapNX); err != nil {
		return 0, fmt.Errorf("mapping stack slot for tid %d: %w", tid, err)
	}

	s.log.Debugf("mapped stack %#x-%#x for tid %d", base, base+DefaultStackSize, tid)
	return base, nil
}

// Contains returns true if addr falls inside the reserved slot region. The
// page-fault path uses it to tell stack faults from heap faults.
func Contains(addr hostarch.Addr) bool {
	return addr >= SlotsStart && addr < SlotsStart+SlotCount*DefaultStackSize
}
