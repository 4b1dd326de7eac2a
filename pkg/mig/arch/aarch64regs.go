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

import "github.com/ssrg-vt/HermitCore/pkg/hostarch"

// ARM64Regs is the full aarch64 register file at a migration point: the 31
// general-purpose registers, SP, PC, and the processor state.
type ARM64Regs struct {
	X      [31]uint64
	SP     uint64
	PC     uint64
	Pstate uint64
}

// ARM64RegsBytes is the marshalled size of ARM64Regs.
const ARM64RegsBytes = 34 * 8

// MarshalBytes serialises r into b, which must hold ARM64RegsBytes.
func (r *ARM64Regs) MarshalBytes(b []byte) {
	bo := hostarch.ByteOrder
	for i, v := range r.X {
		bo.PutUint64(b[i*8:], v)
	}
	bo.PutUint64(b[31*8:], r.SP)
	bo.PutUint64(b[32*8:], r.PC)
	bo.PutUint64(b[33*8:], r.Pstate)
}

// UnmarshalBytes deserialises r from b, which must hold ARM64RegsBytes.
func (r *ARM64Regs) UnmarshalBytes(b []byte) {
	bo := hostarch.ByteOrder
	for i := range r.X {
		r.X[i] = bo.Uint64(b[i*8:])
	}
	r.SP = bo.Uint64(b[31*8:])
	r.PC = bo.Uint64(b[32*8:])
	r.Pstate = bo.Uint64(b[33*8:])
}

// ARM64CalleeSaved is the aarch64 non-volatile register bank: x19-x28 plus
// the frame pointer (x29) and the link register (x30).
type ARM64CalleeSaved struct {
	X19 uint64
	X20 uint64
	X21 uint64
	X22 uint64
	X23 uint64
	X24 uint64
	X25 uint64
	X26 uint64
	X27 uint64
	X28 uint64
	X29 uint64
	X30 uint64
}

// ARM64CalleeSavedBytes is the marshalled size of ARM64CalleeSaved.
const ARM64CalleeSavedBytes = 12 * 8

// MarshalBytes serialises c into b, which must hold ARM64CalleeSavedBytes.
func (c *ARM64CalleeSaved) MarshalBytes(b []byte) {
	bo := hostarch.ByteOrder
	for i, v := range [...]uint64{
		c.X19, c.X20, c.X21, c.X22, c.X23, c.X24,
		c.X25, c.X26, c.X27, c.X28, c.X29, c.X30,
	} {
		bo.PutUint64(b[i*8:], v)
	}
}

// UnmarshalBytes deserialises c from b, which must hold
// ARM64CalleeSavedBytes.
func (c *ARM64CalleeSaved) UnmarshalBytes(b []byte) {
	bo := hostarch.ByteOrder
	dst := [...]*uint64{
		&c.X19, &c.X20, &c.X21, &c.X22, &c.X23, &c.X24,
		&c.X25, &c.X26, &c.X27, &c.X28, &c.X29, &c.X30,
	}
	for i, p := range dst {
		*p = bo.Uint64(b[i*8:])
	}
}
