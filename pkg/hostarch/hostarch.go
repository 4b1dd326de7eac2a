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

// Package hostarch provides basic types and arithmetic for guest virtual
// addresses and pages.
package hostarch

import "encoding/binary"

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a guest page in bytes.
	PageSize = 1 << PageShift

	// PageMask masks the offset within a page.
	PageMask = PageSize - 1
)

// ByteOrder is the byte order of every on-disk record produced by this
// module. Both supported ISAs are little-endian.
var ByteOrder = binary.LittleEndian

// Addr represents a guest virtual address.
type Addr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// false if rounding overflows.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = (v + PageMask).RoundDown()
	if addr < v {
		return 0, false
	}
	return addr, true
}

// PageAligned returns true if v is aligned to a page boundary.
func (v Addr) PageAligned() bool {
	return v&PageMask == 0
}

// PageOffset returns the offset of v into its page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// AddLength returns v + length. ok is false if the result overflows.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// AddrRange is a range of guest virtual addresses, [Start, End).
type AddrRange struct {
	Start Addr
	End   Addr
}

// WellFormed returns true if Start <= End.
func (ar AddrRange) WellFormed() bool {
	return ar.Start <= ar.End
}

// Length returns the number of bytes in ar.
func (ar AddrRange) Length() uint64 {
	return uint64(ar.End - ar.Start)
}

// Contains returns true if addr falls within ar.
func (ar AddrRange) Contains(addr Addr) bool {
	return ar.Start <= addr && addr < ar.End
}

// IsPageAligned returns true if both ends of ar are page-aligned.
func (ar AddrRange) IsPageAligned() bool {
	return ar.Start.PageAligned() && ar.End.PageAligned()
}

// Intersect returns the intersection of ar and other, which may be empty.
func (ar AddrRange) Intersect(other AddrRange) AddrRange {
	if ar.Start < other.Start {
		ar.Start = other.Start
	}
	if ar.End > other.End {
		ar.End = other.End
	}
	if ar.Start > ar.End {
		ar.Start = ar.End
	}
	return ar
}

// PagesIn returns the number of pages fully or partially covered by ar.
func PagesIn(ar AddrRange) uint64 {
	if !ar.WellFormed() || ar.Length() == 0 {
		return 0
	}
	start := ar.Start.RoundDown()
	end, _ := ar.End.RoundUp()
	return uint64(end-start) / PageSize
}
