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

// Package migtest provides the scheduler, CPU and transport fakes shared
// by the migration tests. Fake tasks run as goroutines; the calling
// goroutine is mapped back to its task by id, the way the real scheduler
// resolves the current task from its core-local context.
package migtest

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
	"github.com/ssrg-vt/HermitCore/pkg/kern"
	"github.com/ssrg-vt/HermitCore/pkg/mem"
	"github.com/ssrg-vt/HermitCore/pkg/mig/arch"
	"github.com/ssrg-vt/HermitCore/pkg/mig/stackslots"
	"github.com/ssrg-vt/HermitCore/pkg/uhyve"
)

// gid returns the calling goroutine's id, parsed from the stack header.
func gid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		panic(fmt.Sprintf("cannot parse goroutine id from %q", buf[:n]))
	}
	return id
}

// Task is a fake kern.Task.
type Task struct {
	Tid   kern.Tid
	Stack hostarch.Addr
	TLS   hostarch.Addr
	TLSSz uint64
}

// ID implements kern.Task.ID.
func (t *Task) ID() kern.Tid { return t.Tid }

// StackBase implements kern.Task.StackBase.
func (t *Task) StackBase() hostarch.Addr { return t.Stack }

// TLSBase implements kern.Task.TLSBase.
func (t *Task) TLSBase() hostarch.Addr { return t.TLS }

// TLSSize implements kern.Task.TLSSize.
func (t *Task) TLSSize() uint64 { return t.TLSSz }

// Scheduler is a fake kern.Scheduler running tasks on goroutines.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[kern.Tid]*Task
	byGid map[uint64]*Task
	group errgroup.Group

	// OnSpawn and OnExit mirror the kernel's thread accounting hooks;
	// tests wire them to Engine.ThreadCreated/ThreadExited.
	OnSpawn func()
	OnExit  func()

	// TLSSize is given to tasks created by SpawnAt.
	TLSSize uint64
	// TLSBase computes a spawned task's TLS placement from its tid.
	TLSBase func(kern.Tid) hostarch.Addr
}

// NewScheduler returns an empty fake scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		tasks: make(map[kern.Tid]*Task),
		byGid: make(map[uint64]*Task),
	}
}

// Current implements kern.Scheduler.Current.
func (s *Scheduler) Current() kern.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byGid[gid()]
	if !ok {
		panic("calling goroutine is not bound to a task")
	}
	return t
}

// Yield implements kern.Scheduler.Yield.
func (s *Scheduler) Yield() { runtime.Gosched() }

// TaskIDs implements kern.Scheduler.TaskIDs.
func (s *Scheduler) TaskIDs() []kern.Tid {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]kern.Tid, 0, len(s.tasks))
	for tid := range s.tasks {
		out = append(out, tid)
	}
	return out
}

// Register creates a task without running anything, for harness-managed
// threads.
func (s *Scheduler) Register(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.Tid] = t
}

// RunAs binds the calling goroutine to an already registered task for the
// duration of fn.
func (s *Scheduler) RunAs(t *Task, fn func()) {
	g := gid()
	s.mu.Lock()
	s.byGid[g] = t
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.byGid, g)
		s.mu.Unlock()
	}()
	fn()
}

// SpawnAt implements kern.Scheduler.SpawnAt.
func (s *Scheduler) SpawnAt(tid kern.Tid, prio kern.Priority, entry func()) error {
	base, err := stackslots.Base(tid)
	if err != nil {
		return err
	}
	t := &Task{Tid: tid, Stack: base, TLSSz: s.TLSSize}
	if s.TLSBase != nil {
		t.TLS = s.TLSBase(tid)
	}

	s.mu.Lock()
	if _, live := s.tasks[tid]; live {
		s.mu.Unlock()
		return fmt.Errorf("tid %d already live", tid)
	}
	s.tasks[tid] = t
	s.mu.Unlock()

	if s.OnSpawn != nil {
		s.OnSpawn()
	}
	s.group.Go(func() error {
		s.RunAs(t, entry)
		if s.OnExit != nil {
			s.OnExit()
		}
		return nil
	})
	return nil
}

// Spawn implements kern.Scheduler.Spawn.
func (s *Scheduler) Spawn(prio kern.Priority, entry func()) (kern.Tid, error) {
	s.mu.Lock()
	tid := kern.Tid(1)
	for {
		if _, live := s.tasks[tid]; !live {
			break
		}
		tid++
	}
	s.mu.Unlock()
	if err := s.SpawnAt(tid, prio, entry); err != nil {
		return 0, err
	}
	return tid, nil
}

// Wait blocks until every spawned task has returned.
func (s *Scheduler) Wait() {
	_ = s.group.Wait()
}

// CPU is a fake arch.CPU with settable state.
type CPU struct {
	mu sync.Mutex

	// ISA is the fake's architecture.
	ISA arch.Arch

	// SP is returned by StackPointer. Tests point it into a mapped
	// stack slot.
	SP hostarch.Addr

	// SPFn, when set, computes the stack pointer instead of SP; tests
	// use it to derive a per-task value.
	SPFn func() hostarch.Addr

	// Callee is returned by ReadCalleeSaved.
	Callee arch.CalleeSaved

	// Written records banks loaded by WriteCalleeSaved.
	Written []arch.CalleeSaved

	// Installed records full register sets applied by Install.
	Installed []arch.RegSet
}

// Arch implements arch.CPU.Arch.
func (c *CPU) Arch() arch.Arch { return c.ISA }

// StackPointer implements arch.CPU.StackPointer.
func (c *CPU) StackPointer() hostarch.Addr {
	if c.SPFn != nil {
		return c.SPFn()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SP
}

// ReadCalleeSaved implements arch.CPU.ReadCalleeSaved.
func (c *CPU) ReadCalleeSaved() arch.CalleeSaved {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Callee
}

// WriteCalleeSaved implements arch.CPU.WriteCalleeSaved.
func (c *CPU) WriteCalleeSaved(cs arch.CalleeSaved) error {
	if cs.Arch() != c.ISA {
		return arch.ErrArchMismatch
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Written = append(c.Written, cs)
	return nil
}

// Install implements arch.CPU.Install. The fake cannot transfer control,
// so it records the set and returns; the caller treats any return as the
// "should not reach here" path.
func (c *CPU) Install(rs arch.RegSet) error {
	if rs.Arch() != c.ISA {
		return arch.ErrArchMismatch
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Installed = append(c.Installed, rs)
	return nil
}

// Port is a fake uhyve.PortWriter recording every send.
type Port struct {
	mu    sync.Mutex
	Sends []PortSend

	// Err, when set, is returned by Out.
	Err error
}

// PortSend is one recorded port write.
type PortSend struct {
	Port    uhyve.Port
	Payload []byte
}

// Out implements uhyve.PortWriter.Out.
func (p *Port) Out(port uhyve.Port, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Sends = append(p.Sends, PortSend{Port: port, Payload: append([]byte(nil), payload...)})
	return nil
}

// Mapper is a fake kern.Mapper backed by a mem.Space: mapping creates a
// stack area in the space.
type Mapper struct {
	Space *mem.Space
}

// Map implements kern.Mapper.Map.
func (m *Mapper) Map(va hostarch.Addr, pages uint64, flags kern.MapFlags) error {
	return m.Space.Map(hostarch.AddrRange{
		Start: va,
		End:   va + hostarch.Addr(pages*hostarch.PageSize),
	}, mem.AreaStack)
}

// Mapped implements kern.Mapper.Mapped.
func (m *Mapper) Mapped(va hostarch.Addr) bool {
	return m.Space.Present(va)
}
