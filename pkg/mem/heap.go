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

	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
)

// Heap manages the process heap region. The heap always starts at
// HeapStart; Sbrk extends it page by page. Heap pages are demand-mapped so
// that the resume path can leave them absent for the remote fetcher.
type Heap struct {
	mu    sync.Mutex
	space *Space
	end   hostarch.Addr
}

// NewHeap reserves the initial (empty) heap region in space.
func NewHeap(space *Space) (*Heap, error) {
	ar := hostarch.AddrRange{Start: HeapStart, End: HeapStart}
	if err := space.Map(ar, AreaHeap|AreaDemand); err != nil {
		return nil, err
	}
	return &Heap{space: space, end: HeapStart}, nil
}

// Start returns the heap's fixed start address.
func (h *Heap) Start() hostarch.Addr {
	return HeapStart
}

// End returns the current program break.
func (h *Heap) End() hostarch.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.end
}

// Size returns the current heap size in bytes.
func (h *Heap) Size() uint64 {
	return uint64(h.End() - HeapStart)
}

// Sbrk grows the heap by n bytes, rounded up to a page multiple, and
// returns the previous break. Growth past HeapMax fails with ErrNoMemory.
func (h *Heap) Sbrk(n uint64) (hostarch.Addr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.end
	if n == 0 {
		return old, nil
	}
	grown, ok := hostarch.Addr(n).RoundUp()
	if !ok {
		return 0, ErrNoMemory
	}
	newEnd, ok := h.end.AddLength(uint64(grown))
	if !ok || newEnd > HeapMax {
		return 0, ErrNoMemory
	}
	if err := h.space.grow(HeapStart, uint64(grown)); err != nil {
		return 0, err
	}
	h.end = newEnd
	return old, nil
}

// Range returns the current heap range.
func (h *Heap) Range() hostarch.AddrRange {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hostarch.AddrRange{Start: HeapStart, End: h.end}
}
