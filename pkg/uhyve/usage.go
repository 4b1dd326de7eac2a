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

package uhyve

import "sync"

// UsageTracker accumulates guest memory consumption and reports every
// change to the VMM over PortMemUsage. Reporting is informational; send
// errors are ignored.
type UsageTracker struct {
	mu    sync.Mutex
	w     PortWriter
	usage uint64
}

// NewUsageTracker returns a tracker reporting through w.
func NewUsageTracker(w PortWriter) *UsageTracker {
	return &UsageTracker{w: w}
}

// Set replaces the tracked value.
func (t *UsageTracker) Set(bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage = bytes
	t.report()
}

// Add increases the tracked value.
func (t *UsageTracker) Add(bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage += bytes
	t.report()
}

// Sub decreases the tracked value.
func (t *UsageTracker) Sub(bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage -= bytes
	t.report()
}

// Usage returns the tracked value.
func (t *UsageTracker) Usage() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

func (t *UsageTracker) report() {
	_ = SendMemUsage(t.w, MemUsage{Bytes: t.usage})
}
