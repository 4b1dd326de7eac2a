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

// Package fetch populates heap pages after a lazy-heap resume. The resume
// path records the migrated heap's placement and leaves its pages absent;
// the page-fault handler pulls each missing page from the source machine
// through the remote source connection. A low-priority walker warms the
// working set in the background so that the fault path is not the only
// way pages arrive.
package fetch

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"

	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
	"github.com/ssrg-vt/HermitCore/pkg/log"
	"github.com/ssrg-vt/HermitCore/pkg/mem"
)

const (
	// WalkDelay is the pause between walker batches.
	WalkDelay = 200 * time.Millisecond

	// PresentBatch is how many already-present pages the walker skips
	// before yielding the network to the fault path.
	PresentBatch = 16

	// dialRetries bounds the remote-source connection attempts.
	dialRetries = 10
)

// ErrNotConfigured indicates a walker started before a migrated heap was
// recorded.
var ErrNotConfigured = errors.New("no migrated heap recorded")

// DialFunc opens a connection to the remote page source. The transport is
// chosen by environment configuration; the fetcher only holds the handle.
type DialFunc func(server string, port int) (io.Closer, error)

// Fetcher tracks the remote heap of the most recent resume.
type Fetcher struct {
	mu sync.Mutex

	// heap is the migrated heap range; zero length means no lazy heap is
	// outstanding.
	heap hostarch.AddrRange

	// source is the connection to the machine still holding the heap
	// pages. Closed at the next checkpoint so the source VM can die.
	source io.Closer

	log log.Logger
}

// New returns an idle fetcher.
func New() *Fetcher {
	return &Fetcher{log: log.New("fetch")}
}

// Configure records the migrated heap placement after resume. The pages in
// the range stay absent until faulted or walked in.
func (f *Fetcher) Configure(start hostarch.Addr, size uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heap = hostarch.AddrRange{Start: start, End: start + hostarch.Addr(size)}
	f.log.Infof("lazy heap %#x-%#x, %d pages", f.heap.Start, f.heap.End, hostarch.PagesIn(f.heap))
}

// Connect dials the remote page source with constant backoff and keeps the
// handle for the fault path.
func (f *Fetcher) Connect(dial DialFunc, server string, port int) error {
	var conn io.Closer
	op := func() error {
		c, err := dial(server, port)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), dialRetries)
	if err := backoff.Retry(op, b); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.source = conn
	return nil
}

// Heap returns the recorded migrated heap range; ok is false when none is
// outstanding.
func (f *Fetcher) Heap() (hostarch.AddrRange, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap, f.heap.Length() != 0
}

// Close releases the handle to the remote source. The checkpoint path
// calls it before saving the heap, so a chain of migrations does not pin
// every previous machine.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.heap = hostarch.AddrRange{}
	if f.source == nil {
		return nil
	}
	err := f.source.Close()
	f.source = nil
	return err
}

// Walker touches absent heap pages at a low rate until the whole heap has
// been visited.
type Walker struct {
	mem     mem.Memory
	fetcher *Fetcher
	limiter *rate.Limiter
	log     log.Logger
}

// NewWalker returns a walker over the fetcher's recorded heap.
func NewWalker(m mem.Memory, f *Fetcher) *Walker {
	return &Walker{
		mem:     m,
		fetcher: f,
		limiter: rate.NewLimiter(rate.Every(WalkDelay), 1),
		log:     log.New("fetch"),
	}
}

// Run scans the heap range page by page. A touch of an absent page faults
// it in from the remote source; runs of already-present pages are skipped
// in batches of PresentBatch before pausing. Run returns when the end of
// the heap is reached or ctx is cancelled.
func (w *Walker) Run(ctx context.Context) error {
	heap, ok := w.fetcher.Heap()
	if !ok {
		return ErrNotConfigured
	}

	w.log.Infof("remote memory walker starts")
	present := 0
	for page := heap.Start; page < heap.End; page += hostarch.PageSize {
		if w.mem.Present(page) {
			if present++; present < PresentBatch {
				continue
			}
			present = 0
			if err := w.limiter.Wait(ctx); err != nil {
				return err
			}
			continue
		}

		if err := w.mem.Touch(page); err != nil {
			return err
		}
		present = 0
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	w.log.Infof("remote memory walker done")
	return nil
}
