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

package mem

import (
	"sync"

	"github.com/google/btree"

	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
)

// AreaFlags describe the role and mapping mode of an area.
type AreaFlags uint32

const (
	// AreaHeap marks the process heap.
	AreaHeap AreaFlags = 1 << iota

	// AreaStack marks a stack slot mapping.
	AreaStack

	// AreaStatic marks the data and bss segments.
	AreaStatic

	// AreaTLS marks a thread-local storage block.
	AreaTLS

	// AreaDemand defers page population until first access.
	AreaDemand
)

// area is one contiguous mapping. Nodes live in the arena; an area holds
// its backing bytes and, for demand mappings, a per-page presence bitmap.
type area struct {
	ar      hostarch.AddrRange
	flags   AreaFlags
	backing []byte
	present []bool // nil unless AreaDemand
}

func (a *area) pageIndex(addr hostarch.Addr) int {
	return int(uint64(addr.RoundDown()-a.ar.Start) / hostarch.PageSize)
}

// indexEntry is what the ordered index stores: the area's start address and
// its arena slot.
type indexEntry struct {
	start hostarch.Addr
	slot  int
}

// Less implements btree.Item.
func (e indexEntry) Less(other btree.Item) bool {
	return e.start < other.(indexEntry).start
}

// Space is the guest address-space table. It implements Memory.
type Space struct {
	mu    sync.Mutex
	arena []area
	free  []int
	index *btree.BTree
}

// NewSpace returns an empty address space.
func NewSpace() *Space {
	return &Space{index: btree.New(8)}
}

// Map creates an area covering ar. Both ends must be page-aligned and the
// range must not overlap an existing area. Demand areas start with no
// present pages.
func (s *Space) Map(ar hostarch.AddrRange, flags AreaFlags) error {
	if !ar.IsPageAligned() || !ar.WellFormed() {
		return ErrMisaligned
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.overlapsLocked(ar) {
		return ErrOverlap
	}

	a := area{
		ar:      ar,
		flags:   flags,
		backing: make([]byte, ar.Length()),
	}
	if flags&AreaDemand != 0 {
		a.present = make([]bool, hostarch.PagesIn(ar))
	}

	slot := s.allocSlotLocked()
	s.arena[slot] = a
	s.index.ReplaceOrInsert(indexEntry{start: ar.Start, slot: slot})
	return nil
}

// Unmap removes the area starting exactly at start. Removing a missing area
// is an error.
func (s *Space) Unmap(start hostarch.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.index.Get(indexEntry{start: start})
	if it == nil {
		return ErrNoArea
	}
	e := it.(indexEntry)
	s.index.Delete(e)
	s.arena[e.slot] = area{}
	s.free = append(s.free, e.slot)
	return nil
}

// Find returns the range and flags of the area containing addr.
func (s *Space) Find(addr hostarch.Addr) (hostarch.AddrRange, AreaFlags, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.findLocked(addr)
	if a == nil {
		return hostarch.AddrRange{}, 0, false
	}
	return a.ar, a.flags, true
}

// Present implements Memory.Present.
func (s *Space) Present(addr hostarch.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.findLocked(addr)
	if a == nil {
		return false
	}
	if a.present == nil {
		return true
	}
	return a.present[a.pageIndex(addr)]
}

// Touch implements Memory.Touch.
func (s *Space) Touch(addr hostarch.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.findLocked(addr)
	if a == nil {
		return ErrNoArea
	}
	if a.present != nil {
		a.present[a.pageIndex(addr)] = true
	}
	return nil
}

// Slice implements Memory.Slice.
func (s *Space) Slice(ar hostarch.AddrRange) ([]byte, error) {
	if !ar.WellFormed() {
		return nil, ErrNoArea
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if ar.Length() == 0 {
		return nil, nil
	}
	a := s.findLocked(ar.Start)
	if a == nil || ar.End > a.ar.End {
		return nil, ErrNoArea
	}
	if a.present != nil {
		for i := a.pageIndex(ar.Start); i <= a.pageIndex(ar.End-1); i++ {
			a.present[i] = true
		}
	}
	off := uint64(ar.Start - a.ar.Start)
	return a.backing[off : off+ar.Length()], nil
}

// grow extends the area starting at start by n bytes, preserving contents.
// Used by the heap.
func (s *Space) grow(start hostarch.Addr, n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.index.Get(indexEntry{start: start})
	if it == nil {
		return ErrNoArea
	}
	a := &s.arena[it.(indexEntry).slot]
	newEnd, ok := a.ar.End.AddLength(n)
	if !ok {
		return ErrNoMemory
	}
	if s.overlapsOtherLocked(hostarch.AddrRange{Start: a.ar.End, End: newEnd}, a.ar.Start) {
		return ErrNoMemory
	}

	grown := make([]byte, uint64(newEnd-a.ar.Start))
	copy(grown, a.backing)
	a.backing = grown
	a.ar.End = newEnd
	if a.present != nil {
		bitmap := make([]bool, hostarch.PagesIn(a.ar))
		copy(bitmap, a.present)
		a.present = bitmap
	}
	return nil
}

func (s *Space) allocSlotLocked() int {
	if n := len(s.free); n > 0 {
		slot := s.free[n-1]
		s.free = s.free[:n-1]
		return slot
	}
	s.arena = append(s.arena, area{})
	return len(s.arena) - 1
}

// findLocked returns the area containing addr, or nil.
func (s *Space) findLocked(addr hostarch.Addr) *area {
	var found *area
	s.index.DescendLessOrEqual(indexEntry{start: addr}, func(it btree.Item) bool {
		a := &s.arena[it.(indexEntry).slot]
		if a.ar.Contains(addr) {
			found = a
		}
		return false
	})
	return found
}

func (s *Space) overlapsLocked(ar hostarch.AddrRange) bool {
	return s.overlapsOtherLocked(ar, ^hostarch.Addr(0))
}

// overlapsOtherLocked reports whether ar intersects any area other than the
// one starting at except.
func (s *Space) overlapsOtherLocked(ar hostarch.AddrRange, except hostarch.Addr) bool {
	overlap := false
	s.index.AscendGreaterOrEqual(indexEntry{start: 0}, func(it btree.Item) bool {
		a := &s.arena[it.(indexEntry).slot]
		if a.ar.Start >= ar.End {
			return false
		}
		if a.ar.Start != except && a.ar.End > ar.Start && a.ar.Start < ar.End {
			overlap = true
			return false
		}
		return true
	})
	return overlap
}
