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

// Package mem models the guest address space: a table of virtual memory
// areas indexed by start address, with per-page presence for demand-mapped
// areas, and the process heap region.
//
// Area nodes are owned by a dense arena; the ordered index holds only
// {start address, arena slot} pairs. Freeing an area pushes its slot onto a
// free stack, so the table never chases pointer-linked lists.
package mem

import (
	"errors"

	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
)

// Fixed layout of the application portion of the address space. Source and
// target must agree on these for stacks and heap to restore in place.
const (
	// HeapStart is the virtual address at which the application heap is
	// placed on every machine.
	HeapStart hostarch.Addr = 0x2_0000_0000

	// HeapMax bounds heap growth.
	HeapMax hostarch.Addr = 0x8_0000_0000
)

// Errors returned by the memory layer.
var (
	// ErrNoArea indicates an access outside any mapped area.
	ErrNoArea = errors.New("address not covered by any area")

	// ErrOverlap indicates an attempt to map over an existing area.
	ErrOverlap = errors.New("area overlaps an existing mapping")

	// ErrMisaligned indicates a non-page-aligned area operation.
	ErrMisaligned = errors.New("area is not page-aligned")

	// ErrHeapStartMismatch indicates that the heap could not be placed at
	// the address recorded by the source machine.
	ErrHeapStartMismatch = errors.New("heap start differs from checkpointed address")

	// ErrNoMemory indicates backing-store exhaustion.
	ErrNoMemory = errors.New("out of memory")
)

// Memory is the view of guest memory consumed by the checkpoint codec and
// the heap fetcher.
type Memory interface {
	// Present returns true if the page containing addr is backed by a
	// present mapping.
	Present(addr hostarch.Addr) bool

	// Touch forces the page containing addr to be mapped, as a zero page
	// if it has no content yet.
	Touch(addr hostarch.Addr) error

	// Slice returns a writable view of [ar.Start, ar.End). The range must
	// lie within a single area. Accessing a range marks its pages
	// present.
	Slice(ar hostarch.AddrRange) ([]byte, error)
}
