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

// Package arch provides the architecture-dependent register state used by
// checkpoint and resume: per-ISA register files, callee-saved banks, and
// the tagged full register set supplied by a cross-ISA-aware compiler.
package arch

import (
	"errors"
	"fmt"

	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
)

// Arch describes an architecture.
type Arch int

const (
	// ARM64 is the aarch64 architecture.
	ARM64 Arch = iota
	// AMD64 is the x86-64 architecture.
	AMD64
)

// String implements fmt.Stringer.
func (a Arch) String() string {
	switch a {
	case ARM64:
		return "arm64"
	case AMD64:
		return "amd64"
	default:
		return fmt.Sprintf("Arch(%d)", int(a))
	}
}

// Errors returned by register operations.
var (
	// ErrArchMismatch indicates a register set applied to a CPU of the
	// other architecture.
	ErrArchMismatch = errors.New("register set architecture does not match CPU")

	// ErrReturned indicates that a full register install returned, which
	// must not happen.
	ErrReturned = errors.New("full register restore returned")
)

// CPU is the live register file of the executing core. The platform layer
// provides one implementation per ISA, selected at build time; the register
// access sequences behind it are the only architecture-specific machine
// code in the migration path. Tests substitute a fake.
type CPU interface {
	// Arch returns the CPU's architecture.
	Arch() Arch

	// StackPointer returns the caller's stack pointer at the migration
	// point.
	StackPointer() hostarch.Addr

	// ReadCalleeSaved samples the non-volatile registers of the calling
	// thread.
	ReadCalleeSaved() CalleeSaved

	// WriteCalleeSaved loads the non-volatile registers before the
	// migration call returns. The bank must match Arch.
	WriteCalleeSaved(CalleeSaved) error

	// Install loads a full register set. SP, FP and PC are written last,
	// in that order, with no intervening memory access; on success control
	// transfers to the saved PC and Install never returns.
	Install(RegSet) error
}

// CalleeSaved is a tagged bank of non-volatile registers: the minimum state
// needed to return from the migration call as if it had succeeded locally.
type CalleeSaved struct {
	arch  Arch
	amd64 AMD64CalleeSaved
	arm64 ARM64CalleeSaved
}

// NewAMD64CalleeSaved tags an x86-64 bank.
func NewAMD64CalleeSaved(b AMD64CalleeSaved) CalleeSaved {
	return CalleeSaved{arch: AMD64, amd64: b}
}

// NewARM64CalleeSaved tags an aarch64 bank.
func NewARM64CalleeSaved(b ARM64CalleeSaved) CalleeSaved {
	return CalleeSaved{arch: ARM64, arm64: b}
}

// Arch returns the bank's architecture.
func (cs CalleeSaved) Arch() Arch {
	return cs.arch
}

// AMD64 returns the x86-64 bank; ok is false if the tag differs.
func (cs CalleeSaved) AMD64() (AMD64CalleeSaved, bool) {
	return cs.amd64, cs.arch == AMD64
}

// ARM64 returns the aarch64 bank; ok is false if the tag differs.
func (cs CalleeSaved) ARM64() (ARM64CalleeSaved, bool) {
	return cs.arm64, cs.arch == ARM64
}

// RegSet is a tagged full register set: every architectural register at a
// migration point, sufficient to reconstruct execution on any supported
// ISA. Compiler-provided on the heterogeneous path.
type RegSet struct {
	arch  Arch
	amd64 AMD64Regs
	arm64 ARM64Regs
}

// NewAMD64RegSet tags a full x86-64 register file.
func NewAMD64RegSet(r AMD64Regs) RegSet {
	return RegSet{arch: AMD64, amd64: r}
}

// NewARM64RegSet tags a full aarch64 register file.
func NewARM64RegSet(r ARM64Regs) RegSet {
	return RegSet{arch: ARM64, arm64: r}
}

// Arch returns the set's architecture.
func (rs RegSet) Arch() Arch {
	return rs.arch
}

// AMD64 returns the x86-64 register file; ok is false if the tag differs.
func (rs RegSet) AMD64() (AMD64Regs, bool) {
	return rs.amd64, rs.arch == AMD64
}

// ARM64 returns the aarch64 register file; ok is false if the tag differs.
func (rs RegSet) ARM64() (ARM64Regs, bool) {
	return rs.arm64, rs.arch == ARM64
}

// IP returns the instruction pointer of the set.
func (rs RegSet) IP() hostarch.Addr {
	switch rs.arch {
	case ARM64:
		return hostarch.Addr(rs.arm64.PC)
	default:
		return hostarch.Addr(rs.amd64.RIP)
	}
}

// SP returns the stack pointer of the set.
func (rs RegSet) SP() hostarch.Addr {
	switch rs.arch {
	case ARM64:
		return hostarch.Addr(rs.arm64.SP)
	default:
		return hostarch.Addr(rs.amd64.RSP)
	}
}
