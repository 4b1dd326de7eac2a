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

// Package mdata defines the migration metadata record: the single
// fixed-layout blob written last during checkpoint and read first during
// resume.
//
// Write discipline: the primary thread owns the global fields; every other
// thread writes only through the view returned by ForTask, which refuses
// out-of-range tids. This keeps the record race-free without a lock.
package mdata

import (
	"errors"
	"fmt"

	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
	"github.com/ssrg-vt/HermitCore/pkg/kern"
	"github.com/ssrg-vt/HermitCore/pkg/mig/arch"
)

// MaxTasks bounds the number of threads a checkpoint can describe.
const MaxTasks = 32

// Errors returned by metadata operations.
var (
	// ErrBadTid indicates a tid outside [0, MaxTasks).
	ErrBadTid = errors.New("tid out of range")

	// ErrIncomplete indicates a record listing a tid whose per-thread
	// slots were never filled in.
	ErrIncomplete = errors.New("metadata incomplete: missing per-thread state")

	// ErrBadSize indicates a metadata stream of the wrong length.
	ErrBadSize = errors.New("metadata stream has wrong size")
)

// Record is the migration metadata. Field layout matches the marshalled
// little-endian form; a single instance exists per process.
type Record struct {
	// IP is the resume entry point. Meaningful only between machines of
	// the same ISA; the cross-ISA path takes the PC from the full
	// register set instead.
	IP uint64

	BssSize   uint64
	DataSize  uint64
	HeapStart uint64
	HeapSize  uint64
	TLSSize   uint64

	// TaskIDs lists live tids, primary first, zero-terminated.
	TaskIDs [MaxTasks]uint32

	// StackBase and StackOffset record, per tid, the slot base address
	// and the distance from the top of the slot down to the saved stack
	// pointer.
	StackBase   [MaxTasks]uint64
	StackOffset [MaxTasks]uint64

	// Callee-saved banks for both supported ISAs, indexed by tid.
	X86Callee [MaxTasks]arch.AMD64CalleeSaved
	ARMCallee [MaxTasks]arch.ARM64CalleeSaved

	// PopcornRegsValid is non-zero when the full register sets below
	// supersede the callee-saved banks.
	PopcornRegsValid uint32

	// Raw full register sets, one slot per ISA. Only the slot matching
	// the ISA that wrote them decodes to meaningful values; the other
	// carries the same bytes for layout compatibility.
	PopcornX86 [arch.AMD64RegsBytes]byte
	PopcornARM [arch.ARM64RegsBytes]byte
}

// Size is the marshalled size of a Record in bytes.
const Size = 6*8 + // scalar header
	MaxTasks*4 + // task ids
	2*MaxTasks*8 + // stack base/offset
	MaxTasks*arch.AMD64CalleeSavedBytes +
	MaxTasks*arch.ARM64CalleeSavedBytes +
	4 + // popcorn valid flag
	arch.AMD64RegsBytes + arch.ARM64RegsBytes

// TaskView is the write window a thread gets into its own metadata slots.
type TaskView struct {
	r   *Record
	tid kern.Tid
}

// ForTask returns the per-thread view for tid.
func (r *Record) ForTask(tid kern.Tid) (*TaskView, error) {
	if tid < 0 || tid >= MaxTasks {
		return nil, fmt.Errorf("%w: %d", ErrBadTid, tid)
	}
	return &TaskView{r: r, tid: tid}, nil
}

// SetStack records the thread's stack placement: the slot base and the
// byte distance from the top of the slot to the saved stack pointer.
func (v *TaskView) SetStack(base hostarch.Addr, offset uint64) {
	v.r.StackBase[v.tid] = uint64(base)
	v.r.StackOffset[v.tid] = offset
}

// Stack returns the recorded stack placement.
func (v *TaskView) Stack() (base hostarch.Addr, offset uint64) {
	return hostarch.Addr(v.r.StackBase[v.tid]), v.r.StackOffset[v.tid]
}

// SetCalleeSaved stores a sampled bank into the slot of its ISA.
func (v *TaskView) SetCalleeSaved(cs arch.CalleeSaved) {
	switch cs.Arch() {
	case arch.AMD64:
		b, _ := cs.AMD64()
		v.r.X86Callee[v.tid] = b
	case arch.ARM64:
		b, _ := cs.ARM64()
		v.r.ARMCallee[v.tid] = b
	}
}

// CalleeSaved returns the bank of the requested ISA.
func (v *TaskView) CalleeSaved(a arch.Arch) arch.CalleeSaved {
	if a == arch.AMD64 {
		return arch.NewAMD64CalleeSaved(v.r.X86Callee[v.tid])
	}
	return arch.NewARM64CalleeSaved(v.r.ARMCallee[v.tid])
}

// SetTaskIDs records the live tids with the primary first.
func (r *Record) SetTaskIDs(primary kern.Tid, all []kern.Tid) error {
	if len(all) >= MaxTasks {
		return fmt.Errorf("%w: %d tasks", ErrBadTid, len(all))
	}
	r.TaskIDs = [MaxTasks]uint32{}
	r.TaskIDs[0] = uint32(primary)
	i := 1
	for _, tid := range all {
		if tid == primary {
			continue
		}
		r.TaskIDs[i] = uint32(tid)
		i++
	}
	return nil
}

// TaskList returns the recorded tids, primary first.
func (r *Record) TaskList() []kern.Tid {
	var out []kern.Tid
	for _, id := range r.TaskIDs {
		if id == 0 {
			break
		}
		out = append(out, kern.Tid(id))
	}
	return out
}

// Primary returns the primary thread's tid, or false if the record lists no
// tasks.
func (r *Record) Primary() (kern.Tid, bool) {
	if r.TaskIDs[0] == 0 {
		return 0, false
	}
	return kern.Tid(r.TaskIDs[0]), true
}

// SetPopcornRegs stores a compiler-provided full register set into both ISA
// slots and marks them valid. The raw bytes land in both slots; only the
// originating ISA's slot is decodable, matching the layout the stack
// transformation runtime produces.
func (r *Record) SetPopcornRegs(rs arch.RegSet) {
	switch rs.Arch() {
	case arch.AMD64:
		regs, _ := rs.AMD64()
		regs.MarshalBytes(r.PopcornX86[:])
		copy(r.PopcornARM[:], r.PopcornX86[:])
	case arch.ARM64:
		regs, _ := rs.ARM64()
		regs.MarshalBytes(r.PopcornARM[:])
		copy(r.PopcornX86[:], r.PopcornARM[:])
	}
	r.PopcornRegsValid = 1
}

// PopcornRegs decodes the full register set for the requested ISA. ok is
// false when the record carries no valid set.
func (r *Record) PopcornRegs(a arch.Arch) (arch.RegSet, bool) {
	if r.PopcornRegsValid == 0 {
		return arch.RegSet{}, false
	}
	if a == arch.AMD64 {
		var regs arch.AMD64Regs
		regs.UnmarshalBytes(r.PopcornX86[:])
		return arch.NewAMD64RegSet(regs), true
	}
	var regs arch.ARM64Regs
	regs.UnmarshalBytes(r.PopcornARM[:])
	return arch.NewARM64RegSet(regs), true
}

// CheckComplete verifies that every listed tid has its stack slots filled
// in. The primary calls it before writing the record; a listed tid with an
// empty slot means a secondary never finished its per-thread phase.
func (r *Record) CheckComplete() error {
	for _, tid := range r.TaskList() {
		if r.StackBase[tid] == 0 {
			return fmt.Errorf("%w: tid %d", ErrIncomplete, tid)
		}
	}
	return nil
}
