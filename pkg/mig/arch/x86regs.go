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

// AMD64Regs is the full x86-64 register file at a migration point: the 16
// general-purpose registers, RIP, RFLAGS, and the segment state.
type AMD64Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RBP    uint64
	RSP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFlags uint64
	CS     uint16
	SS     uint16
	DS     uint16
	ES     uint16
	FS     uint16
	GS     uint16
	FSBase uint64
	GSBase uint64
}

// AMD64RegsBytes is the marshalled size of AMD64Regs.
const AMD64RegsBytes = 18*8 + 6*2 + 2*8

// MarshalBytes serialises r into b, which must hold AMD64RegsBytes.
func (r *AMD64Regs) MarshalBytes(b []byte) {
	bo := hostarch.ByteOrder
	for i, v := range [...]uint64{
		r.RAX, r.RBX, r.RCX, r.RDX, r.RSI, r.RDI, r.RBP, r.RSP,
		r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15,
		r.RIP, r.RFlags,
	} {
		bo.PutUint64(b[i*8:], v)
	}
	off := 18 * 8
	for i, v := range [...]uint16{r.CS, r.SS, r.DS, r.ES, r.FS, r.GS} {
		bo.PutUint16(b[off+i*2:], v)
	}
	off += 6 * 2
	bo.PutUint64(b[off:], r.FSBase)
	bo.PutUint64(b[off+8:], r.GSBase)
}

// UnmarshalBytes deserialises r from b, which must hold AMD64RegsBytes.
func (r *AMD64Regs) UnmarshalBytes(b []byte) {
	bo := hostarch.ByteOrder
	dst := [...]*uint64{
		&r.RAX, &r.RBX, &r.RCX, &r.RDX, &r.RSI, &r.RDI, &r.RBP, &r.RSP,
		&r.R8, &r.R9, &r.R10, &r.R11, &r.R12, &r.R13, &r.R14, &r.R15,
		&r.RIP, &r.RFlags,
	}
	for i, p := range dst {
		*p = bo.Uint64(b[i*8:])
	}
	off := 18 * 8
	sel := [...]*uint16{&r.CS, &r.SS, &r.DS, &r.ES, &r.FS, &r.GS}
	for i, p := range sel {
		*p = bo.Uint16(b[off+i*2:])
	}
	off += 6 * 2
	r.FSBase = bo.Uint64(b[off:])
	r.GSBase = bo.Uint64(b[off+8:])
}

// AMD64CalleeSaved is the x86-64 non-volatile register bank.
type AMD64CalleeSaved struct {
	RBX uint64
	RBP uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// AMD64CalleeSavedBytes is the marshalled size of AMD64CalleeSaved.
const AMD64CalleeSavedBytes = 6 * 8

// MarshalBytes serialises c into b, which must hold AMD64CalleeSavedBytes.
func (c *AMD64CalleeSaved) MarshalBytes(b []byte) {
	bo := hostarch.ByteOrder
	for i, v := range [...]uint64{c.RBX, c.RBP, c.R12, c.R13, c.R14, c.R15} {
		bo.PutUint64(b[i*8:], v)
	}
}

// UnmarshalBytes deserialises c from b, which must hold
// AMD64CalleeSavedBytes.
func (c *AMD64CalleeSaved) UnmarshalBytes(b []byte) {
	bo := hostarch.ByteOrder
	dst := [...]*uint64{&c.RBX, &c.RBP, &c.R12, &c.R13, &c.R14, &c.R15}
	for i, p := range dst {
		*p = bo.Uint64(b[i*8:])
	}
}
