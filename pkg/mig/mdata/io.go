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
	"fmt"

	"github.com/ssrg-vt/HermitCore/pkg/fs"
	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
	"github.com/ssrg-vt/HermitCore/pkg/mig/arch"
)

// StreamName is the metadata blob's name in the checkpoint file set.
const StreamName = "mdata.bin"

// MarshalBytes serialises r into b, which must hold Size bytes.
func (r *Record) MarshalBytes(b []byte) {
	bo := hostarch.ByteOrder
	off := 0
	put64 := func(v uint64) {
		bo.PutUint64(b[off:], v)
		off += 8
	}
	put64(r.IP)
	put64(r.BssSize)
	put64(r.DataSize)
	put64(r.HeapStart)
	put64(r.HeapSize)
	put64(r.TLSSize)
	for _, id := range r.TaskIDs {
		bo.PutUint32(b[off:], id)
		off += 4
	}
	for _, v := range r.StackBase {
		put64(v)
	}
	for _, v := range r.StackOffset {
		put64(v)
	}
	for i := range r.X86Callee {
		r.X86Callee[i].MarshalBytes(b[off:])
		off += arch.AMD64CalleeSavedBytes
	}
	for i := range r.ARMCallee {
		r.ARMCallee[i].MarshalBytes(b[off:])
		off += arch.ARM64CalleeSavedBytes
	}
	bo.PutUint32(b[off:], r.PopcornRegsValid)
	off += 4
	off += copy(b[off:], r.PopcornX86[:])
	off += copy(b[off:], r.PopcornARM[:])
}

// UnmarshalBytes deserialises r from b, which must hold Size bytes.
func (r *Record) UnmarshalBytes(b []byte) {
	bo := hostarch.ByteOrder
	off := 0
	get64 := func() uint64 {
		v := bo.Uint64(b[off:])
		off += 8
		return v
	}
	r.IP = get64()
	r.BssSize = get64()
	r.DataSize = get64()
	r.HeapStart = get64()
	r.HeapSize = get64()
	r.TLSSize = get64()
	for i := range r.TaskIDs {
		r.TaskIDs[i] = bo.Uint32(b[off:])
		off += 4
	}
	for i := range r.StackBase {
		r.StackBase[i] = get64()
	}
	for i := range r.StackOffset {
		r.StackOffset[i] = get64()
	}
	for i := range r.X86Callee {
		r.X86Callee[i].UnmarshalBytes(b[off:])
		off += arch.AMD64CalleeSavedBytes
	}
	for i := range r.ARMCallee {
		r.ARMCallee[i].UnmarshalBytes(b[off:])
		off += arch.ARM64CalleeSavedBytes
	}
	r.PopcornRegsValid = bo.Uint32(b[off:])
	off += 4
	off += copy(r.PopcornX86[:], b[off:])
	copy(r.PopcornARM[:], b[off:])
}

// Save writes the record to the named stream. The caller must have verified
// completeness first; Save is the last write of a checkpoint.
func (r *Record) Save(fsys fs.Filesystem, name string) error {
	b := make([]byte, Size)
	r.MarshalBytes(b)

	fd, err := fsys.Open(name, fs.O_WRONLY|fs.O_CREAT|fs.O_TRUNC, fs.S_IRUSR|fs.S_IWUSR)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	defer fsys.Close(fd)

	n, err := fsys.Write(fd, b)
	if err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if n != len(b) {
		return fmt.Errorf("writing %s: short write (%d of %d)", name, n, len(b))
	}
	return nil
}

// Load reads the record from the named stream, insisting on an exact-size
// blob. A missing or truncated record means "do not resume".
func (r *Record) Load(fsys fs.Filesystem, name string) error {
	fd, err := fsys.Open(name, fs.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", name, err)
	}
	defer fsys.Close(fd)

	size, err := fsys.Lseek(fd, 0, fs.SEEK_END)
	if err != nil {
		return fmt.Errorf("sizing %s: %w", name, err)
	}
	if size != Size {
		return fmt.Errorf("%w: %s is %d bytes, want %d", ErrBadSize, name, size, Size)
	}
	if _, err := fsys.Lseek(fd, 0, fs.SEEK_SET); err != nil {
		return fmt.Errorf("rewinding %s: %w", name, err)
	}

	b := make([]byte, Size)
	read := 0
	for read < len(b) {
		n, err := fsys.Read(fd, b[read:])
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		if n == 0 {
			return fmt.Errorf("reading %s: short read (%d of %d)", name, read, len(b))
		}
		read += n
	}
	r.UnmarshalBytes(b)

	// A tid past the slot arrays would be indexed with it later; reject
	// the record outright.
	for _, id := range r.TaskIDs {
		if id >= MaxTasks {
			return fmt.Errorf("%w: task id %d in %s", ErrBadTid, id, name)
		}
	}
	return nil
}
