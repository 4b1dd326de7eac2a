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

package mig

import (
	"fmt"

	"github.com/ssrg-vt/HermitCore/pkg/kern"
	"github.com/ssrg-vt/HermitCore/pkg/mig/arch"
	"github.com/ssrg-vt/HermitCore/pkg/mig/area"
	"github.com/ssrg-vt/HermitCore/pkg/mig/mdata"
	"github.com/ssrg-vt/HermitCore/pkg/mig/stackslots"
	"github.com/ssrg-vt/HermitCore/pkg/uhyve"
)

func role(primary bool) string {
	if primary {
		return "primary"
	}
	return "secondary"
}

// checkpoint runs after the barrier has converged. Every thread saves its
// own stack, TLS and registers; the primary then drains the shared state
// and signals the host. A send that returns means the host did not take
// the VM, so all threads are released with a source error and the process
// keeps running unchanged.
func (e *Engine) checkpoint(regset *arch.RegSet) int {
	task := e.sched.Current()
	tid := task.ID()
	primary := tid == kern.Tid(e.primaryTid.Load())
	e.log.Infof("thread %d (%s) entering checkpoint", tid, role(primary))

	total := int32(len(e.sched.TaskIDs()))

	err := e.saveThreadState(task)

	if !primary {
		// Done with the per-thread phase; tell the primary and park
		// until the host either takes the VM or the primary reports
		// failure. A per-thread failure surfaces to the primary as a
		// metadata slot that was never filled in.
		e.secThreadsReady.Add(-1)
		e.log.Infof("thread %d (secondary) done with checkpointing, waiting for primary", tid)
		return e.awaitDeparture(total)
	}

	if err == nil {
		err = e.saveGlobalState(task, regset)
	}
	if err != nil {
		e.log.Warningf("checkpoint failed: %v", err)
		return e.failDeparture(total)
	}

	// The host serialises the VM image and switches machines; on the
	// source this write does not return. A return is a failure.
	e.log.Infof("thread %d (primary) done with migration", tid)
	err = uhyve.SendMigration(e.port, uhyve.MigrationRequest{
		HeapSize: e.md.HeapSize,
		BssSize:  e.md.BssSize,
	})
	if err != nil {
		e.log.Warningf("host rejected migration: %v", err)
	} else {
		e.log.Warningf("migration send returned; host did not take the VM")
	}
	return e.failDeparture(total)
}

// saveThreadState is the per-thread checkpoint phase: sample the stack
// pointer and the callee-saved registers, then persist the stack slab and
// the TLS block. The stack is written only after the registers are
// sampled, so its contents reflect the frame about to be restored; the
// tid's metadata slots are filled last, marking the phase complete.
func (e *Engine) saveThreadState(task kern.Task) error {
	tid := task.ID()
	view, err := e.md.ForTask(tid)
	if err != nil {
		return err
	}

	// Empty the slot first: a filled slot is the completion marker the
	// primary checks, and it must not carry over from an earlier failed
	// attempt.
	view.SetStack(0, 0)

	sp := e.cpu.StackPointer()
	view.SetCalleeSaved(e.cpu.ReadCalleeSaved())

	base := task.StackBase()
	if err := area.SaveContiguous(e.space, e.fsys, base, stackslots.DefaultStackSize, StackStream(tid)); err != nil {
		return err
	}

	if size := task.TLSSize(); size > 0 {
		if err := area.SaveContiguous(e.space, e.fsys, task.TLSBase(), size, TLSStream(tid)); err != nil {
			return err
		}
	}

	used := uint64(base) + stackslots.DefaultStackSize - uint64(sp)
	view.SetStack(base, used)
	return nil
}

// saveGlobalState is the primary-only checkpoint phase: heap, static
// segments, thread list and registers, then -- once every secondary is
// done -- the fd table, and the metadata record as the very last write.
// The fd table is saved late so it cannot contain descriptors the
// secondaries were still using for their own streams, and a checkpoint
// without metadata is the signal "do not resume".
func (e *Engine) saveGlobalState(task kern.Task, regset *arch.RegSet) error {
	// Drop the handle to the previous migration's page source; a chain
	// of migrations must not pin every machine it passed through.
	if err := e.fetcher.Close(); err != nil {
		return fmt.Errorf("closing remote heap source: %w", err)
	}

	heap := e.heap.Range()
	e.md.HeapStart = uint64(heap.Start)
	e.md.HeapSize = heap.Length()
	e.log.Infof("checkpoint heap %#x-%#x", heap.Start, heap.End)
	if err := area.SavePaged(e.space, e.fsys, heap.Start, heap.Length(), HeapStream, true); err != nil {
		return err
	}

	e.log.Infof("checkpoint bss %#x size %#x", e.layout.BssStart, e.layout.BssSize)
	if err := area.SaveContiguous(e.space, e.fsys, e.layout.BssStart, e.layout.BssSize, BssStream); err != nil {
		return err
	}
	e.md.BssSize = e.layout.BssSize

	e.log.Infof("checkpoint data %#x size %#x", e.layout.DataStart, e.layout.DataSize)
	if err := area.SaveContiguous(e.space, e.fsys, e.layout.DataStart, e.layout.DataSize, DataStream); err != nil {
		return err
	}
	e.md.DataSize = e.layout.DataSize

	e.md.TLSSize = task.TLSSize()
	e.md.IP = uint64(e.layout.ResumeEntry)

	if err := e.md.SetTaskIDs(task.ID(), e.sched.TaskIDs()); err != nil {
		return err
	}

	if regset != nil {
		e.log.Infof("writing popcorn register set in metadata")
		e.md.SetPopcornRegs(*regset)
	} else {
		e.md.PopcornRegsValid = 0
	}

	// Wait for the secondaries to finish their per-thread phase; only
	// this thread's own barrier entry remains.
	for e.secThreadsReady.Load() != 1 {
		e.sched.Yield()
	}

	if err := e.fdt.Serialize(e.fsys, FdsStream); err != nil {
		return err
	}

	// A listed tid with an unfilled slot means a secondary failed; the
	// record must not be written in that state.
	if err := e.md.CheckComplete(); err != nil {
		return err
	}
	return e.md.Save(e.fsys, mdata.StreamName)
}

// failDeparture publishes a source-side failure to the parked secondaries
// and rejoins the running state itself.
func (e *Engine) failDeparture(total int32) int {
	e.departResult.Store(ResultSourceError)
	e.secThreadsReady.Add(-1)
	return e.rejoin(total)
}

// awaitDeparture parks a secondary until the primary publishes an outcome.
// On the source this only ever resolves to a failure: a successful
// migration never returns.
func (e *Engine) awaitDeparture(total int32) int {
	for e.departResult.Load() == departSentinel {
		e.sched.Yield()
	}
	return e.rejoin(total)
}

// rejoin restores the thread's share of the barrier accounting and returns
// the published result. The last thread out rearms the departure protocol
// for the next attempt.
func (e *Engine) rejoin(total int32) int {
	r := int(e.departResult.Load())
	e.runningThreads.Add(1)
	if e.departAcks.Add(1) == total {
		e.departAcks.Store(0)
		e.departResult.Store(departSentinel)
	}
	return r
}
