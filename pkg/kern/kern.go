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

// Package kern declares the narrow interfaces through which the migration
// core reaches the rest of the unikernel: the scheduler, the page-table
// mapper, and per-task state. The kernel proper implements these; tests use
// the fakes in pkg/mig/migtest.
package kern

import (
	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
)

// Tid identifies a logical application thread. Tids are deterministic: the
// same tid names the same logical thread on both sides of a migration.
type Tid int32

// Priority selects the scheduling class of a spawned task.
type Priority uint8

const (
	// NormalPrio is the default task priority.
	NormalPrio Priority = 8

	// LowPrio runs a task only when nothing else is runnable. The heap
	// prefetch walker uses it.
	LowPrio Priority = 1
)

// Task exposes the per-thread state the migration core needs.
type Task interface {
	// ID returns the task's tid.
	ID() Tid

	// StackBase returns the lowest address of the task's stack, one guard
	// page above the start of its stack slot.
	StackBase() hostarch.Addr

	// TLSBase returns the start of the task's thread-local storage block,
	// or 0 if the task has no TLS.
	TLSBase() hostarch.Addr

	// TLSSize returns the size of the task's TLS block in bytes.
	TLSSize() uint64
}

// Scheduler is the slice of the unikernel scheduler consumed by the
// migration core. All methods are called from task context.
type Scheduler interface {
	// Current returns the calling task.
	Current() Task

	// Yield gives up the CPU; cooperative scheduling only.
	Yield()

	// SpawnAt creates a task with the given tid running entry. The tid
	// must not be live. The new task's stack comes from the tid's stack
	// slot, so its placement is deterministic.
	SpawnAt(tid Tid, prio Priority, entry func()) error

	// Spawn creates a task with the next free tid running entry.
	Spawn(prio Priority, entry func()) (Tid, error)

	// TaskIDs returns the tids of all live application tasks, in any
	// order.
	TaskIDs() []Tid
}

// MapFlags control page-table permissions for Mapper.Map.
type MapFlags uint32

const (
	// MapRW maps pages read-write.
	MapRW MapFlags = 1 << iota

	// MapNX maps pages non-executable.
	MapNX
)

// Mapper is the page-table interface. The real implementation lives in the
// architecture layer; the migration core only probes and populates mappings.
type Mapper interface {
	// Map backs [va, va+pages*PageSize) with fresh physical pages. va
	// must be page-aligned.
	Map(va hostarch.Addr, pages uint64, flags MapFlags) error

	// Mapped returns true if va is backed by a present page-table entry.
	Mapped(va hostarch.Addr) bool
}
