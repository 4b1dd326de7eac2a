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

package mdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssrg-vt/HermitCore/pkg/fs"
	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
	"github.com/ssrg-vt/HermitCore/pkg/kern"
	"github.com/ssrg-vt/HermitCore/pkg/mig/arch"
)

func sampleRecord(t *testing.T) *Record {
	t.Helper()
	r := &Record{
		IP:        0xdeadbeef,
		BssSize:   0x3000,
		DataSize:  0x2000,
		HeapStart: 0x2_0000_0000,
		HeapSize:  0x100000,
		TLSSize:   0x80,
	}
	require.NoError(t, r.SetTaskIDs(2, []kern.Tid{1, 2, 3}))

	v, err := r.ForTask(1)
	require.NoError(t, err)
	v.SetStack(0x1_0004_1000, 0x200)
	v.SetCalleeSaved(arch.NewAMD64CalleeSaved(arch.AMD64CalleeSaved{RBX: 1, RBP: 2, R12: 3}))
	v.SetCalleeSaved(arch.NewARM64CalleeSaved(arch.ARM64CalleeSaved{X19: 7, X29: 8, X30: 9}))

	for _, tid := range []kern.Tid{2, 3} {
		v, err := r.ForTask(tid)
		require.NoError(t, err)
		v.SetStack(hostarch.Addr(0x1_0000_1000+0x40000*uint64(tid)), 0x100)
	}
	return r
}

func TestTaskIDsPrimaryFirst(t *testing.T) {
	r := sampleRecord(t)

	tasks := r.TaskList()
	assert.Equal(t, []kern.Tid{2, 1, 3}, tasks)

	primary, ok := r.Primary()
	require.True(t, ok)
	assert.Equal(t, kern.Tid(2), primary)
}

func TestForTaskRange(t *testing.T) {
	var r Record
	_, err := r.ForTask(MaxTasks)
	assert.ErrorIs(t, err, ErrBadTid)
	_, err = r.ForTask(-1)
	assert.ErrorIs(t, err, ErrBadTid)
	_, err = r.ForTask(MaxTasks - 1)
	assert.NoError(t, err)
}

func TestBothBanksCoexist(t *testing.T) {
	r := sampleRecord(t)
	v, err := r.ForTask(1)
	require.NoError(t, err)

	x86, ok := v.CalleeSaved(arch.AMD64).AMD64()
	require.True(t, ok)
	assert.Equal(t, uint64(1), x86.RBX)

	a64, ok := v.CalleeSaved(arch.ARM64).ARM64()
	require.True(t, ok)
	assert.Equal(t, uint64(7), a64.X19)
}

func TestMarshalRoundTrip(t *testing.T) {
	r := sampleRecord(t)
	r.SetPopcornRegs(arch.NewAMD64RegSet(arch.AMD64Regs{RIP: 0x1234, RSP: 0x5678, RAX: 9}))

	b := make([]byte, Size)
	r.MarshalBytes(b)

	var got Record
	got.UnmarshalBytes(b)
	assert.Equal(t, *r, got)
}

func TestSaveLoad(t *testing.T) {
	fsys := fs.NewMem()
	r := sampleRecord(t)
	require.NoError(t, r.Save(fsys, StreamName))

	var got Record
	require.NoError(t, got.Load(fsys, StreamName))
	assert.Equal(t, *r, got)
}

func TestLoadRejectsWrongSize(t *testing.T) {
	fsys := fs.NewMem()
	fd, err := fsys.Open(StreamName, fs.O_WRONLY|fs.O_CREAT, 0)
	require.NoError(t, err)
	_, err = fsys.Write(fd, make([]byte, Size-1))
	require.NoError(t, err)
	require.NoError(t, fsys.Close(fd))

	var r Record
	assert.ErrorIs(t, r.Load(fsys, StreamName), ErrBadSize)
}

func TestLoadMissing(t *testing.T) {
	var r Record
	assert.Error(t, r.Load(fs.NewMem(), StreamName))
}

func TestPopcornRegs(t *testing.T) {
	var r Record
	_, ok := r.PopcornRegs(arch.AMD64)
	assert.False(t, ok)

	want := arch.AMD64Regs{RIP: 0xabc, RSP: 0xdef, R15: 42, FSBase: 0x7000}
	r.SetPopcornRegs(arch.NewAMD64RegSet(want))
	require.EqualValues(t, 1, r.PopcornRegsValid)

	rs, ok := r.PopcornRegs(arch.AMD64)
	require.True(t, ok)
	got, ok := rs.AMD64()
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestCheckComplete(t *testing.T) {
	r := sampleRecord(t)
	require.NoError(t, r.CheckComplete())

	// A listed tid with an empty stack slot means a thread never
	// finished its per-thread phase.
	r.StackBase[3] = 0
	assert.ErrorIs(t, r.CheckComplete(), ErrIncomplete)
}
