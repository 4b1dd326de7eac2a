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

package arch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
)

func TestArchString(t *testing.T) {
	assert.Equal(t, "amd64", AMD64.String())
	assert.Equal(t, "arm64", ARM64.String())
}

func TestAMD64RegsRoundTrip(t *testing.T) {
	want := AMD64Regs{
		RAX: 1, RBX: 2, RCX: 3, RDX: 4, RSI: 5, RDI: 6, RBP: 7, RSP: 8,
		R8: 9, R9: 10, R10: 11, R11: 12, R12: 13, R13: 14, R14: 15, R15: 16,
		RIP: 0x401000, RFlags: 0x202,
		CS: 0x33, SS: 0x2b, FS: 0x53,
		FSBase: 0x7f0000000000, GSBase: 0x1000,
	}
	b := make([]byte, AMD64RegsBytes)
	want.MarshalBytes(b)

	var got AMD64Regs
	got.UnmarshalBytes(b)
	assert.Equal(t, want, got)
}

func TestARM64RegsRoundTrip(t *testing.T) {
	var want ARM64Regs
	for i := range want.X {
		want.X[i] = uint64(i + 100)
	}
	want.SP = 0x1_0004_0000
	want.PC = 0x401000
	want.Pstate = 0x60000000

	b := make([]byte, ARM64RegsBytes)
	want.MarshalBytes(b)

	var got ARM64Regs
	got.UnmarshalBytes(b)
	assert.Equal(t, want, got)
}

func TestCalleeSavedRoundTrip(t *testing.T) {
	x86 := AMD64CalleeSaved{RBX: 1, RBP: 2, R12: 3, R13: 4, R14: 5, R15: 6}
	b := make([]byte, AMD64CalleeSavedBytes)
	x86.MarshalBytes(b)
	var gotX86 AMD64CalleeSaved
	gotX86.UnmarshalBytes(b)
	assert.Equal(t, x86, gotX86)

	a64 := ARM64CalleeSaved{X19: 1, X28: 10, X29: 11, X30: 12}
	b = make([]byte, ARM64CalleeSavedBytes)
	a64.MarshalBytes(b)
	var gotA64 ARM64CalleeSaved
	gotA64.UnmarshalBytes(b)
	assert.Equal(t, a64, gotA64)
}

func TestRegSetTagging(t *testing.T) {
	rs := NewAMD64RegSet(AMD64Regs{RIP: 0x1000, RSP: 0x2000})
	assert.Equal(t, AMD64, rs.Arch())
	assert.Equal(t, hostarch.Addr(0x1000), rs.IP())
	assert.Equal(t, hostarch.Addr(0x2000), rs.SP())

	_, ok := rs.ARM64()
	assert.False(t, ok)
	regs, ok := rs.AMD64()
	require.True(t, ok)
	assert.Equal(t, uint64(0x1000), regs.RIP)

	arm := NewARM64RegSet(ARM64Regs{PC: 0x3000, SP: 0x4000})
	assert.Equal(t, ARM64, arm.Arch())
	assert.Equal(t, hostarch.Addr(0x3000), arm.IP())
	assert.Equal(t, hostarch.Addr(0x4000), arm.SP())
}

func TestCalleeSavedTagging(t *testing.T) {
	cs := NewARM64CalleeSaved(ARM64CalleeSaved{X19: 9})
	assert.Equal(t, ARM64, cs.Arch())
	_, ok := cs.AMD64()
	assert.False(t, ok)
	bank, ok := cs.ARM64()
	require.True(t, ok)
	assert.Equal(t, uint64(9), bank.X19)
}
