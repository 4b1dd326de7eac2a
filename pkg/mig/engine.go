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

// Package mig implements the migration engine: the migrate syscall, the
// two-phase barrier that quiesces application threads at migration points,
// the checkpoint of all process state into a named stream set, and the
// mirrored resume on the target machine.
package mig

import (
	"math"
	"sync/atomic"

	"github.com/ssrg-vt/HermitCore/pkg/config"
	"github.com/ssrg-vt/HermitCore/pkg/fs"
	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
	"github.com/ssrg-vt/HermitCore/pkg/kern"
	"github.com/ssrg-vt/HermitCore/pkg/log"
	"github.com/ssrg-vt/HermitCore/pkg/mem"
	"github.com/ssrg-vt/HermitCore/pkg/mig/arch"
	"github.com/ssrg-vt/HermitCore/pkg/mig/fdtable"
	"github.com/ssrg-vt/HermitCore/pkg/mig/fetch"
	"github.com/ssrg-vt/HermitCore/pkg/mig/mdata"
	"github.com/ssrg-vt/HermitCore/pkg/mig/stackslots"
	"github.com/ssrg-vt/HermitCore/pkg/uhyve"
)

// Result codes of the migrate syscall.
const (
	// ResultResumed: execution is back after a successful migration.
	ResultResumed = 0

	// ResultNotMigrating: the migration flag was not set.
	ResultNotMigrating = 1

	// ResultSourceError: state could not be saved on the source; the
	// process keeps running unchanged.
	ResultSourceError = -1

	// ResultTargetError: state could not be restored on the target.
	ResultTargetError = -2
)

// Layout locates the static segments of the running image and the resume
// entry point. The loader fills it from the link map.
type Layout struct {
	DataStart hostarch.Addr
	DataSize  uint64
	BssStart  hostarch.Addr
	BssSize   uint64

	// ResumeEntry is the address of the migration function's resume
	// label, recorded as metadata IP. Its byte value is only meaningful
	// to machines of the same ISA.
	ResumeEntry hostarch.Addr
}

// Options collects the engine's collaborators.
type Options struct {
	Sched   kern.Scheduler
	CPU     arch.CPU
	Space   *mem.Space
	Heap    *mem.Heap
	Slots   *stackslots.Slots
	FdTable *fdtable.Table
	Fs      fs.Filesystem
	Port    uhyve.PortWriter
	Fetcher *fetch.Fetcher
	Dial    fetch.DialFunc
	Layout  Layout
	Config  config.Config
}

// departSentinel marks "no result yet" in departResult. It must not
// collide with any result code.
const departSentinel int32 = math.MaxInt32

// Engine drives checkpoint and resume. One instance exists per process.
type Engine struct {
	sched   kern.Scheduler
	cpu     arch.CPU
	space   *mem.Space
	heap    *mem.Heap
	slots   *stackslots.Slots
	fdt     *fdtable.Table
	fsys    fs.Filesystem
	port    uhyve.PortWriter
	fetcher *fetch.Fetcher
	dial    fetch.DialFunc
	layout  Layout
	cfg     config.Config
	log     log.Logger

	// shouldMigrate is the one-shot flag set by the host transport; a
	// migration point converts it into a barrier entry.
	shouldMigrate atomic.Int32

	// runningThreads counts live application threads. Thread creation
	// and termination adjust it so the pre-checkpoint barrier converges
	// even while threads come and go.
	runningThreads atomic.Int32

	// secThreadsReady counts threads inside the migration code; the
	// primary waits on it before draining shared state.
	secThreadsReady atomic.Int32

	// threadsToResume is the post-resume barrier counter.
	threadsToResume atomic.Int32

	// resuming is set by the loader when the VM boots from a checkpoint.
	resuming atomic.Bool

	// resumePrimary elects the first thread entering the resume path.
	resumePrimary atomic.Bool

	// departResult publishes the primary's outcome to secondaries parked
	// after a source-side failure; departAcks counts threads that have
	// seen it so the last one can rearm the protocol.
	departResult atomic.Int32
	departAcks   atomic.Int32

	// primaryTid designates the thread doing process-global work.
	primaryTid atomic.Int32

	// md is the process-wide metadata record. The primary owns the
	// global fields; each thread writes only its own tid-indexed slots.
	md mdata.Record
}

// New returns an engine wired to its collaborators. The thread count
// starts at one for the main task.
func New(opts Options) *Engine {
	e := &Engine{
		sched:   opts.Sched,
		cpu:     opts.CPU,
		space:   opts.Space,
		heap:    opts.Heap,
		slots:   opts.Slots,
		fdt:     opts.FdTable,
		fsys:    opts.Fs,
		port:    opts.Port,
		fetcher: opts.Fetcher,
		dial:    opts.Dial,
		layout:  opts.Layout,
		cfg:     opts.Config,
		log:     log.New("migration"),
	}
	e.runningThreads.Store(1)
	e.primaryTid.Store(-1)
	e.departResult.Store(departSentinel)
	e.log.Infof("migration subsystem initialised")
	return e
}

// SetPrimary designates the thread doing process-global migration work.
func (e *Engine) SetPrimary(tid kern.Tid) {
	e.log.Infof("primary thread id is %d", tid)
	e.primaryTid.Store(int32(tid))
}

// SetResuming marks that this boot restores a checkpoint. The loader calls
// it before the application runs.
func (e *Engine) SetResuming() {
	e.resuming.Store(true)
}

// ForceMigration sets or clears the migration flag. The host transport
// sets it when the embedding VMM requests a move; clearing it before any
// thread reaches a migration point cancels the request.
func (e *Engine) ForceMigration(v bool) {
	if v {
		e.shouldMigrate.Store(1)
	} else {
		e.shouldMigrate.Store(0)
	}
}

// ThreadCreated accounts a new application thread. Must be called from the
// thread-creation path so that the barrier counts threads created between
// flag set and convergence.
func (e *Engine) ThreadCreated() {
	e.runningThreads.Add(1)
}

// ThreadExited accounts a terminating application thread.
func (e *Engine) ThreadExited() {
	e.runningThreads.Add(-1)
}

// Metadata exposes the record for host-side tooling and tests.
func (e *Engine) Metadata() *mdata.Record {
	return &e.md
}

// Migrate is the migration point. If the flag is clear it returns
// ResultNotMigrating immediately. Otherwise the calling thread joins the
// barrier, waits for every running thread to reach a migration point, and
// enters the checkpoint body; on the target, it restores state instead.
//
// regset optionally carries a compiler-provided cross-ISA register set; it
// supersedes the callee-saved banks on resume.
func (e *Engine) Migrate(regset *arch.RegSet) int {
	if e.resuming.Load() {
		return e.resume()
	}

	if e.shouldMigrate.Load() != 1 {
		return ResultNotMigrating
	}

	// Barrier: every thread entering migration code decrements
	// runningThreads; the barrier is reached when it hits zero. The sum
	// runningThreads+secThreadsReady is unchanged by entry.
	left := e.runningThreads.Add(-1)
	e.secThreadsReady.Add(1)
	for left != 0 {
		e.sched.Yield()
		left = e.runningThreads.Load()
	}

	e.shouldMigrate.Store(0)
	return e.checkpoint(regset)
}
