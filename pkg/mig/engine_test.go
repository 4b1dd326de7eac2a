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
	"testing"

	"github.com/mohae/deepcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssrg-vt/HermitCore/pkg/config"
	"github.com/ssrg-vt/HermitCore/pkg/fs"
	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
	"github.com/ssrg-vt/HermitCore/pkg/kern"
	"github.com/ssrg-vt/HermitCore/pkg/mem"
	"github.com/ssrg-vt/HermitCore/pkg/mig/arch"
	"github.com/ssrg-vt/HermitCore/pkg/mig/fdtable"
	"github.com/ssrg-vt/HermitCore/pkg/mig/fetch"
	"github.com/ssrg-vt/HermitCore/pkg/mig/mdata"
	"github.com/ssrg-vt/HermitCore/pkg/mig/migtest"
	"github.com/ssrg-vt/HermitCore/pkg/mig/stackslots"
	"github.com/ssrg-vt/HermitCore/pkg/uhyve"
)

const (
	testDataStart hostarch.Addr = 0x60_0000
	testDataSize  uint64        = 0x2000
	testBssStart  hostarch.Addr = 0x70_0000
	testBssSize   uint64        = 0x3000
	testTLSStart  hostarch.Addr = 0x50_0000
	testTLSSize   uint64        = 0x100
	testResumeIP  hostarch.Addr = 0x40_1000
)

func testTLSBase(tid kern.Tid) hostarch.Addr {
	return testTLSStart + hostarch.Addr(tid)*hostarch.PageSize
}

// world is one machine: address space, scheduler, engine and their wiring.
// Source and target worlds of a migration share only the filesystem.
type world struct {
	t       *testing.T
	fsys    *fs.Mem
	sched   *migtest.Scheduler
	cpu     *migtest.CPU
	space   *mem.Space
	heap    *mem.Heap
	slots   *stackslots.Slots
	fdt     *fdtable.Table
	port    *migtest.Port
	fetcher *fetch.Fetcher
	engine  *Engine
}

func newWorld(t *testing.T, fsys *fs.Mem, cfg config.Config) *world {
	t.Helper()

	space := mem.NewSpace()
	require.NoError(t, space.Map(hostarch.AddrRange{
		Start: testDataStart, End: testDataStart + hostarch.Addr(testDataSize)}, mem.AreaStatic))
	require.NoError(t, space.Map(hostarch.AddrRange{
		Start: testBssStart, End: testBssStart + hostarch.Addr(testBssSize)}, mem.AreaStatic))
	require.NoError(t, space.Map(hostarch.AddrRange{
		Start: testTLSStart, End: testTLSBase(mdata.MaxTasks)}, mem.AreaTLS))

	heap, err := mem.NewHeap(space)
	require.NoError(t, err)

	sched := migtest.NewScheduler()
	sched.TLSSize = testTLSSize
	sched.TLSBase = testTLSBase

	cpu := &migtest.CPU{ISA: arch.AMD64}
	cpu.SPFn = func() hostarch.Addr {
		return sched.Current().StackBase() + stackslots.DefaultStackSize - 128
	}

	w := &world{
		t:       t,
		fsys:    fsys,
		sched:   sched,
		cpu:     cpu,
		space:   space,
		heap:    heap,
		slots:   stackslots.New(&migtest.Mapper{Space: space}),
		fdt:     fdtable.New(),
		port:    &migtest.Port{},
		fetcher: fetch.New(),
	}
	w.engine = New(Options{
		Sched:   sched,
		CPU:     cpu,
		Space:   space,
		Heap:    heap,
		Slots:   w.slots,
		FdTable: w.fdt,
		Fs:      fsys,
		Port:    w.port,
		Fetcher: w.fetcher,
		Layout: Layout{
			DataStart:   testDataStart,
			DataSize:    testDataSize,
			BssStart:    testBssStart,
			BssSize:     testBssSize,
			ResumeEntry: testResumeIP,
		},
		Config: cfg,
	})
	sched.OnSpawn = w.engine.ThreadCreated
	sched.OnExit = w.engine.ThreadExited
	return w
}

// addTask maps tid's stack slot and registers a task on it, the way the
// kernel sets up an application thread.
func (w *world) addTask(tid kern.Tid) *migtest.Task {
	w.t.Helper()
	base, err := w.slots.Get(tid)
	require.NoError(w.t, err)
	task := &migtest.Task{Tid: tid, Stack: base, TLS: testTLSBase(tid), TLSSz: testTLSSize}
	w.sched.Register(task)
	return task
}

// fillPattern writes the canonical test pattern over ar.
func (w *world) fillPattern(ar hostarch.AddrRange) []byte {
	w.t.Helper()
	b, err := w.space.Slice(ar)
	require.NoError(w.t, err)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return append([]byte(nil), b...)
}

func (w *world) read(ar hostarch.AddrRange) []byte {
	w.t.Helper()
	b, err := w.space.Slice(ar)
	require.NoError(w.t, err)
	return append([]byte(nil), b...)
}

// bootTarget builds the target-side world: shared checkpoint storage, the
// boot thread registered under the primary tid with its stack slot mapped,
// the way the loader hands control to the resume path. The boot thread's
// stack contents are not reloaded here.
func bootTarget(t *testing.T, fsys *fs.Mem, cfg config.Config, primary kern.Tid) (*world, *migtest.Task) {
	t.Helper()
	w := newWorld(t, fsys, cfg)
	w.engine.SetResuming()

	base, err := w.slots.Get(primary)
	require.NoError(t, err)
	task := &migtest.Task{Tid: primary, Stack: base, TLS: testTLSBase(primary), TLSSz: testTLSSize}
	w.sched.Register(task)
	return w, task
}

func TestMigrateFlagClear(t *testing.T) {
	w := newWorld(t, fs.NewMem(), config.Config{EagerHeap: true})
	task := w.addTask(1)
	w.engine.SetPrimary(1)

	ret := -99
	w.sched.RunAs(task, func() { ret = w.engine.Migrate(nil) })
	assert.Equal(t, ResultNotMigrating, ret)
}

func TestForceThenCancel(t *testing.T) {
	w := newWorld(t, fs.NewMem(), config.Config{EagerHeap: true})
	task := w.addTask(1)
	w.engine.SetPrimary(1)

	w.engine.ForceMigration(true)
	w.engine.ForceMigration(false)

	ret := -99
	w.sched.RunAs(task, func() { ret = w.engine.Migrate(nil) })
	assert.Equal(t, ResultNotMigrating, ret)

	// No checkpoint artifact was produced.
	assert.Equal(t, int64(-1), w.fsys.Size(mdata.StreamName))
}

func TestCheckpointSingleThread(t *testing.T) {
	fsys := fs.NewMem()
	w := newWorld(t, fsys, config.Config{EagerHeap: true})
	task := w.addTask(1)
	w.engine.SetPrimary(1)

	_, err := w.heap.Sbrk(4 * hostarch.PageSize)
	require.NoError(t, err)
	w.fillPattern(w.heap.Range())

	w.cpu.Callee = arch.NewAMD64CalleeSaved(arch.AMD64CalleeSaved{RBX: 11, R12: 12})

	w.engine.ForceMigration(true)
	ret := -99
	w.sched.RunAs(task, func() { ret = w.engine.Migrate(nil) })

	// The fake host's port write returns, which the source must treat
	// as a failed migration.
	assert.Equal(t, ResultSourceError, ret)

	// The full artifact set was written before the send.
	assert.Equal(t, int64(stackslots.DefaultStackSize), fsys.Size(StackStream(1)))
	assert.Equal(t, int64(testTLSSize), fsys.Size(TLSStream(1)))
	assert.Equal(t, int64(testBssSize), fsys.Size(BssStream))
	assert.Equal(t, int64(testDataSize), fsys.Size(DataStream))
	assert.Equal(t, int64(4*hostarch.PageSize), fsys.Size(HeapStream))
	assert.Equal(t, int64(mdata.Size), fsys.Size(mdata.StreamName))

	// The host got the migration request with the right sizes.
	require.Len(t, w.port.Sends, 1)
	send := w.port.Sends[0]
	assert.Equal(t, uhyve.PortMigrate, send.Port)
	assert.Equal(t, uint64(4*hostarch.PageSize), hostarch.ByteOrder.Uint64(send.Payload[0:8]))
	assert.Equal(t, testBssSize, hostarch.ByteOrder.Uint64(send.Payload[8:16]))

	md := w.engine.Metadata()
	assert.Equal(t, []kern.Tid{1}, md.TaskList())
	assert.Equal(t, uint64(testResumeIP), md.IP)
	assert.Equal(t, uint64(128), md.StackOffset[1])
	require.NoError(t, md.CheckComplete())
}

func TestFailedCheckpointIsRepeatable(t *testing.T) {
	// A failed source-side migration leaves the process running
	// unchanged; a later attempt must work identically.
	fsys := fs.NewMem()
	w := newWorld(t, fsys, config.Config{EagerHeap: true})
	task := w.addTask(1)
	w.engine.SetPrimary(1)

	for i := 0; i < 2; i++ {
		w.engine.ForceMigration(true)
		ret := -99
		w.sched.RunAs(task, func() { ret = w.engine.Migrate(nil) })
		assert.Equal(t, ResultSourceError, ret, "attempt %d", i)
	}
	assert.Len(t, w.port.Sends, 2)

	// And with the flag clear again, migration points are no-ops.
	ret := -99
	w.sched.RunAs(task, func() { ret = w.engine.Migrate(nil) })
	assert.Equal(t, ResultNotMigrating, ret)
}

func TestCheckpointTwoThreads(t *testing.T) {
	fsys := fs.NewMem()
	w := newWorld(t, fsys, config.Config{EagerHeap: true})
	primary := w.addTask(1)
	w.engine.SetPrimary(1)

	// Thread 2 sits in an application loop hitting migration points. Its
	// stack slot is mapped first, the way the kernel sets up a thread.
	_, err := w.slots.Get(2)
	require.NoError(t, err)
	retB := -99
	require.NoError(t, w.sched.SpawnAt(2, kern.NormalPrio, func() {
		for {
			if r := w.engine.Migrate(nil); r != ResultNotMigrating {
				retB = r
				return
			}
			w.sched.Yield()
		}
	}))

	w.engine.ForceMigration(true)
	retA := -99
	w.sched.RunAs(primary, func() { retA = w.engine.Migrate(nil) })
	w.sched.Wait()

	assert.Equal(t, ResultSourceError, retA)
	assert.Equal(t, ResultSourceError, retB)

	md := w.engine.Metadata()
	assert.Equal(t, kern.Tid(1), md.TaskList()[0])
	assert.ElementsMatch(t, []kern.Tid{1, 2}, md.TaskList())
	assert.Equal(t, int64(stackslots.DefaultStackSize), fsys.Size(StackStream(1)))
	assert.Equal(t, int64(stackslots.DefaultStackSize), fsys.Size(StackStream(2)))
}

func TestRoundTripEager(t *testing.T) {
	cfg := config.Config{EagerHeap: true}
	fsys := fs.NewMem()

	// Source machine.
	src := newWorld(t, fsys, cfg)
	task := src.addTask(1)
	src.engine.SetPrimary(1)

	_, err := src.heap.Sbrk(16 * hostarch.PageSize)
	require.NoError(t, err)
	wantHeap := src.fillPattern(src.heap.Range())
	wantData := src.fillPattern(hostarch.AddrRange{Start: testDataStart, End: testDataStart + hostarch.Addr(testDataSize)})
	wantTLS := src.fillPattern(hostarch.AddrRange{Start: testTLSBase(1), End: testTLSBase(1) + hostarch.Addr(testTLSSize)})

	// An open file with a non-trivial offset.
	appFD, err := fsys.Open("/tmp/x", fs.O_RDWR|fs.O_CREAT, fs.S_IRUSR|fs.S_IWUSR)
	require.NoError(t, err)
	require.NoError(t, src.fdt.Add(appFD, "/tmp/x"))
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(200 - i)
	}
	_, err = fsys.Write(appFD, payload)
	require.NoError(t, err)
	_, err = fsys.Lseek(appFD, 50, fs.SEEK_SET)
	require.NoError(t, err)

	srcCallee := arch.AMD64CalleeSaved{RBX: 7, RBP: 8, R12: 9, R13: 10, R14: 11, R15: 12}
	src.cpu.Callee = arch.NewAMD64CalleeSaved(srcCallee)

	src.engine.ForceMigration(true)
	ret := -99
	src.sched.RunAs(task, func() { ret = src.engine.Migrate(nil) })
	require.Equal(t, ResultSourceError, ret)

	wantMD := deepcopy.Copy(*src.engine.Metadata()).(mdata.Record)

	// Target machine, sharing only the checkpoint storage.
	dst, boot := bootTarget(t, fsys, cfg, 1)
	retD := -99
	dst.sched.RunAs(boot, func() { retD = dst.engine.Migrate(nil) })
	dst.sched.Wait()
	require.Equal(t, ResultResumed, retD)

	// The metadata travelled byte-identically.
	assert.Equal(t, wantMD, *dst.engine.Metadata())

	// Memory contents are restored byte for byte.
	assert.Equal(t, wantHeap, dst.read(dst.heap.Range()))
	assert.Equal(t, wantData, dst.read(hostarch.AddrRange{Start: testDataStart, End: testDataStart + hostarch.Addr(testDataSize)}))
	assert.Equal(t, wantTLS, dst.read(hostarch.AddrRange{Start: testTLSBase(1), End: testTLSBase(1) + hostarch.Addr(testTLSSize)}))

	// The callee-saved bank sampled on the source was loaded on the
	// target.
	require.Len(t, dst.cpu.Written, 1)
	bank, ok := dst.cpu.Written[0].AMD64()
	require.True(t, ok)
	assert.Equal(t, srcCallee, bank)

	// The file descriptor is rebound at the saved offset: reading ten
	// bytes yields the bytes at offsets 50..59.
	realFD, err := dst.fdt.Translate(appFD)
	require.NoError(t, err)
	buf := make([]byte, 10)
	n, err := fsys.Read(realFD, buf)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	assert.Equal(t, payload[50:60], buf)
}

func TestRoundTripTwoThreads(t *testing.T) {
	cfg := config.Config{EagerHeap: true}
	fsys := fs.NewMem()

	src := newWorld(t, fsys, cfg)
	primary := src.addTask(1)
	src.engine.SetPrimary(1)

	_, err := src.slots.Get(2)
	require.NoError(t, err)
	retB := -99
	require.NoError(t, src.sched.SpawnAt(2, kern.NormalPrio, func() {
		for {
			if r := src.engine.Migrate(nil); r != ResultNotMigrating {
				retB = r
				return
			}
			src.sched.Yield()
		}
	}))

	src.engine.ForceMigration(true)
	retA := -99
	src.sched.RunAs(primary, func() { retA = src.engine.Migrate(nil) })
	src.sched.Wait()
	require.Equal(t, ResultSourceError, retA)
	require.Equal(t, ResultSourceError, retB)

	dst, boot := bootTarget(t, fsys, cfg, 1)
	retD := -99
	dst.sched.RunAs(boot, func() { retD = dst.engine.Migrate(nil) })
	dst.sched.Wait()
	require.Equal(t, ResultResumed, retD)

	// The peer was respawned under its original tid on its original
	// stack, and both threads restored their registers.
	assert.ElementsMatch(t, []kern.Tid{1, 2}, dst.sched.TaskIDs())
	assert.Len(t, dst.cpu.Written, 2)

	base, err := stackslots.Base(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(base), dst.engine.Metadata().StackBase[2])
}

func TestRoundTripLazyHeap(t *testing.T) {
	cfg := config.Config{MigratePort: 4444}
	fsys := fs.NewMem()

	src := newWorld(t, fsys, cfg)
	task := src.addTask(1)
	src.engine.SetPrimary(1)

	_, err := src.heap.Sbrk(4 * hostarch.PageSize)
	require.NoError(t, err)
	src.fillPattern(src.heap.Range())

	src.engine.ForceMigration(true)
	ret := -99
	src.sched.RunAs(task, func() { ret = src.engine.Migrate(nil) })
	require.Equal(t, ResultSourceError, ret)

	dst, boot := bootTarget(t, fsys, cfg, 1)
	retD := -99
	dst.sched.RunAs(boot, func() { retD = dst.engine.Migrate(nil) })
	require.Equal(t, ResultResumed, retD)

	// The heap was placed but not populated; the fetcher knows about
	// it.
	heap, ok := dst.fetcher.Heap()
	require.True(t, ok)
	assert.Equal(t, mem.HeapStart, heap.Start)
	assert.Equal(t, uint64(4*hostarch.PageSize), heap.Length())

	// A synchronous access to the last heap page completes immediately:
	// the fault path materialises it.
	last := heap.End - hostarch.PageSize
	require.False(t, dst.space.Present(last))
	_, err = dst.space.Slice(hostarch.AddrRange{Start: last, End: heap.End})
	require.NoError(t, err)
	assert.True(t, dst.space.Present(last))

	// The walker the primary spawned warms the rest of the range.
	dst.sched.Wait()
	for page := heap.Start; page < heap.End; page += hostarch.PageSize {
		assert.True(t, dst.space.Present(page), "page %#x", page)
	}
}

func TestRoundTripPopcornRegs(t *testing.T) {
	cfg := config.Config{EagerHeap: true}
	fsys := fs.NewMem()

	src := newWorld(t, fsys, cfg)
	task := src.addTask(1)
	src.engine.SetPrimary(1)

	regs := arch.NewAMD64RegSet(arch.AMD64Regs{
		RIP: uint64(testResumeIP), RSP: uint64(task.Stack) + stackslots.DefaultStackSize - 128,
		RBP: 0x42, R12: 0x43,
	})
	src.engine.ForceMigration(true)
	ret := -99
	src.sched.RunAs(task, func() { ret = src.engine.Migrate(&regs) })
	require.Equal(t, ResultSourceError, ret)
	require.EqualValues(t, 1, src.engine.Metadata().PopcornRegsValid)

	dst, boot := bootTarget(t, fsys, cfg, 1)
	retD := -99
	dst.sched.RunAs(boot, func() { retD = dst.engine.Migrate(nil) })

	// The full register set supersedes the callee-saved banks. The fake
	// CPU cannot transfer control, so the engine reports the
	// should-not-reach path; what matters is the installed state.
	assert.Equal(t, ResultTargetError, retD)
	require.Len(t, dst.cpu.Installed, 1)
	assert.Equal(t, regs, dst.cpu.Installed[0])
	assert.Empty(t, dst.cpu.Written)
}

func TestResumeWithoutMetadata(t *testing.T) {
	// Booting from an incomplete checkpoint (no metadata record) must
	// fail with a target error: a missing mdata stream is the "do not
	// resume" signal.
	dst, boot := bootTarget(t, fs.NewMem(), config.Config{EagerHeap: true}, 1)
	ret := -99
	dst.sched.RunAs(boot, func() { ret = dst.engine.Migrate(nil) })
	assert.Equal(t, ResultTargetError, ret)
}

func TestResumeMissingStackStream(t *testing.T) {
	cfg := config.Config{EagerHeap: true}
	fsys := fs.NewMem()

	src := newWorld(t, fsys, cfg)
	primary := src.addTask(1)
	src.engine.SetPrimary(1)
	_, err := src.slots.Get(2)
	require.NoError(t, err)
	require.NoError(t, src.sched.SpawnAt(2, kern.NormalPrio, func() {
		for {
			if src.engine.Migrate(nil) != ResultNotMigrating {
				return
			}
			src.sched.Yield()
		}
	}))

	src.engine.ForceMigration(true)
	src.sched.RunAs(primary, func() { src.engine.Migrate(nil) })
	src.sched.Wait()

	// Corrupt the set: drop the peer's stack.
	fsys.Remove(StackStream(2))

	dst, boot := bootTarget(t, fsys, cfg, 1)
	ret := -99
	dst.sched.RunAs(boot, func() { ret = dst.engine.Migrate(nil) })
	assert.Equal(t, ResultTargetError, ret)
}

func TestPopcornStatus(t *testing.T) {
	w := newWorld(t, fs.NewMem(), config.Config{EagerHeap: true})
	task := w.addTask(1)
	w.engine.SetPrimary(1)

	st := w.engine.ThreadStatus()
	assert.Equal(t, 0, st.CurrentNode)
	assert.Equal(t, 0, st.ProposedNode)

	w.engine.ForceMigration(true)
	st = w.engine.ThreadStatus()
	assert.Equal(t, 1, st.ProposedNode)
	w.engine.ForceMigration(false)

	origin, nodes := w.engine.NodeInfo()
	assert.Equal(t, 0, origin)
	assert.True(t, nodes[0].Online)
	assert.True(t, nodes[1].Online)
	assert.Equal(t, arch.AMD64, nodes[0].Arch)
	assert.Equal(t, arch.ARM64, nodes[1].Arch)
	assert.Equal(t, 0, nodes[0].Distance)
	assert.Equal(t, 1, nodes[1].Distance)

	w.sched.RunAs(task, func() {
		assert.Equal(t, task.Stack, w.engine.StackAddr())
	})
	assert.Equal(t, uint64(stackslots.DefaultStackSize), w.engine.StackSize())
}
