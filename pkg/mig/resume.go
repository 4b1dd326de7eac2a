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
	"context"
	"fmt"

	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
	"github.com/ssrg-vt/HermitCore/pkg/kern"
	"github.com/ssrg-vt/HermitCore/pkg/mem"
	"github.com/ssrg-vt/HermitCore/pkg/mig/area"
	"github.com/ssrg-vt/HermitCore/pkg/mig/fetch"
	"github.com/ssrg-vt/HermitCore/pkg/mig/mdata"
	"github.com/ssrg-vt/HermitCore/pkg/mig/stackslots"
)

// resume is entered on the target by every thread of the restored process:
// first by the boot thread, which is elected primary and rebuilds the
// shared state, then by the peers it spawns. Each thread restores its own
// TLS and registers and leaves through the resume barrier.
func (e *Engine) resume() int {
	task := e.sched.Current()
	tid := task.ID()

	primary := e.resumePrimary.CompareAndSwap(false, true)
	e.log.Infof("thread %d (%s) enters resume code", tid, role(primary))

	if primary {
		e.SetPrimary(tid)
		if err := e.restoreGlobalState(tid); err != nil {
			e.log.Warningf("resume failed: %v", err)
			return ResultTargetError
		}
	}

	if err := e.restoreThreadState(task); err != nil {
		e.log.Warningf("thread %d: %v", tid, err)
		return ResultTargetError
	}

	// Barrier: all restored threads synchronise before any of them
	// re-enters application code.
	e.threadsToResume.Add(-1)
	for e.threadsToResume.Load() != 0 {
		e.sched.Yield()
	}

	e.log.Infof("thread %d (%s): state restored, back to execution", tid, role(primary))

	if primary {
		e.resuming.Store(false)
		e.startWalker()
	}

	return e.restoreRegisters(tid)
}

// restoreGlobalState rebuilds the process-wide state from the checkpoint
// set: metadata first, then the static segments, the heap placement, the
// fd table, and finally the peer threads, each respawned on its original
// stack.
func (e *Engine) restoreGlobalState(primary kern.Tid) error {
	if err := e.md.Load(e.fsys, mdata.StreamName); err != nil {
		return err
	}

	e.log.Infof("restore bss at %#x, size %#x", e.layout.BssStart, e.md.BssSize)
	if err := area.RestoreContiguous(e.space, e.fsys, BssStream, e.layout.BssStart, e.md.BssSize); err != nil {
		return fmt.Errorf("cannot restore bss after migration: %w", err)
	}

	e.log.Infof("restore data at %#x, size %#x", e.layout.DataStart, e.md.DataSize)
	if err := area.RestoreContiguous(e.space, e.fsys, DataStream, e.layout.DataStart, e.md.DataSize); err != nil {
		return fmt.Errorf("cannot restore data after migration: %w", err)
	}

	if err := e.restoreHeap(); err != nil {
		return fmt.Errorf("cannot restore heap after migration: %w", err)
	}

	if err := e.fdt.Restore(e.fsys, FdsStream); err != nil {
		return fmt.Errorf("cannot restore file descriptors after migration: %w", err)
	}

	tasks := e.md.TaskList()
	if len(tasks) == 0 {
		return fmt.Errorf("%w: empty task list", mdata.ErrIncomplete)
	}
	e.threadsToResume.Store(int32(len(tasks)))

	// Respawn every peer on its original stack. The slot allocator is a
	// pure function of the tid, so the base it hands out must equal the
	// one the source recorded; anything else would resume the thread on
	// a stack whose addresses are all wrong.
	for _, peer := range tasks[1:] {
		base, err := e.slots.Get(peer)
		if err != nil {
			return err
		}
		if recorded := hostarch.Addr(e.md.StackBase[peer]); recorded != base {
			return fmt.Errorf("stack slot for tid %d is %#x but was checkpointed at %#x", peer, base, recorded)
		}
		if err := area.RestoreContiguous(e.space, e.fsys, StackStream(peer), base, stackslots.DefaultStackSize); err != nil {
			return err
		}
		if err := e.sched.SpawnAt(peer, kern.NormalPrio, func() { e.Migrate(nil) }); err != nil {
			return fmt.Errorf("respawning thread %d: %w", peer, err)
		}
		e.log.Infof("recreated thread %d", peer)
	}
	return nil
}

// restoreHeap places the heap at exactly the checkpointed address and
// either reads its pages back eagerly or records it for the remote
// fetcher.
func (e *Engine) restoreHeap() error {
	start := hostarch.Addr(e.md.HeapStart)
	if e.heap.Start() != start {
		return fmt.Errorf("%w: heap at %#x, checkpoint says %#x", mem.ErrHeapStartMismatch, e.heap.Start(), start)
	}
	if _, err := e.heap.Sbrk(e.md.HeapSize); err != nil {
		return err
	}

	if e.cfg.EagerHeap {
		return area.RestorePaged(e.space, e.fsys, HeapStream, start, e.md.HeapSize)
	}

	// Lazy: leave the pages absent and let the fault handler and the
	// walker pull them from the source machine.
	e.fetcher.Configure(start, e.md.HeapSize)
	if e.dial != nil && e.cfg.MigrateServer != "" && e.cfg.MigrateServer != "0" {
		if err := e.fetcher.Connect(e.dial, e.cfg.MigrateServer, e.cfg.MigratePort); err != nil {
			return fmt.Errorf("connecting to remote heap source: %w", err)
		}
	}
	return nil
}

// restoreThreadState restores the calling thread's TLS block.
func (e *Engine) restoreThreadState(task kern.Task) error {
	if e.md.TLSSize == 0 {
		return nil
	}
	tid := task.ID()
	e.log.Infof("restoring TLS of thread %d, size %#x", tid, e.md.TLSSize)
	if err := area.RestoreContiguous(e.space, e.fsys, TLSStream(tid), task.TLSBase(), e.md.TLSSize); err != nil {
		return fmt.Errorf("cannot restore TLS after migration: %w", err)
	}
	return nil
}

// startWalker launches the low-priority prefetch thread when a lazy heap
// is outstanding.
func (e *Engine) startWalker() {
	if _, ok := e.fetcher.Heap(); !ok {
		return
	}
	walker := fetch.NewWalker(e.space, e.fetcher)
	if _, err := e.sched.Spawn(kern.LowPrio, func() {
		if err := walker.Run(context.Background()); err != nil {
			e.log.Warningf("remote memory walker: %v", err)
		}
	}); err != nil {
		e.log.Warningf("cannot start remote memory walker: %v", err)
	}
}

// restoreRegisters is the last step of resume. With a valid popcorn set
// the full register file is installed and control transfers straight to
// the saved PC; otherwise the callee-saved bank is reloaded and the normal
// return from the migration call resumes execution.
func (e *Engine) restoreRegisters(tid kern.Tid) int {
	view, err := e.md.ForTask(tid)
	if err != nil {
		e.log.Warningf("thread %d: %v", tid, err)
		return ResultTargetError
	}

	if rs, ok := e.md.PopcornRegs(e.cpu.Arch()); ok {
		e.log.Infof("detected popcorn register set")
		if err := e.cpu.Install(rs); err != nil {
			e.log.Warningf("installing full register set: %v", err)
		}
		// Install transfers control on success; reaching this point is
		// always an error.
		return ResultTargetError
	}

	if err := e.cpu.WriteCalleeSaved(view.CalleeSaved(e.cpu.Arch())); err != nil {
		e.log.Warningf("thread %d: %v", tid, err)
		return ResultTargetError
	}
	return ResultResumed
}
