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

// Package fdtable maintains the shadow file-descriptor table that lets open
// files survive a migration. Every application open registers its
// descriptor and path here; at checkpoint the table is serialised with the
// current seek position of each descriptor, and on the target each path is
// reopened and rebound to the application's descriptor number.
package fdtable

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ssrg-vt/HermitCore/pkg/fs"
	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
	"github.com/ssrg-vt/HermitCore/pkg/log"
)

const (
	// Capacity is the maximum number of tracked descriptors.
	Capacity = 128

	// MaxPathLen is the size of the on-disk path field. A tracked path
	// must be shorter, so the field always ends in a zero byte.
	MaxPathLen = 128
)

// Errors returned by table operations.
var (
	// ErrTableFull indicates no free entry for an open.
	ErrTableFull = errors.New("fd table full")

	// ErrPathTooLong indicates a path exceeding MaxPathLen.
	ErrPathTooLong = errors.New("path too long for fd table")

	// ErrNoEntry indicates a lookup or remove of an untracked descriptor.
	ErrNoEntry = errors.New("no fd table entry")

	// ErrBadStream indicates a serialised table whose size is not a
	// multiple of the record size.
	ErrBadStream = errors.New("fd stream size is not a multiple of the record size")
)

// recordBytes is the serialised size of one entry: two int32 descriptors,
// one uint64 offset, and the padded path.
const recordBytes = 4 + 4 + 8 + MaxPathLen

type entry struct {
	appFD  int32
	realFD int32
	offset uint64
	path   string
}

// Table is the shadow descriptor table. All mutations and lookups are
// serialised under one mutex, the moral equivalent of the original
// IRQ-save spinlock.
type Table struct {
	mu      sync.Mutex
	entries [Capacity]entry
	log     log.Logger
}

// New returns an empty table.
func New() *Table {
	t := &Table{log: log.New("fdtable")}
	for i := range t.entries {
		t.entries[i].appFD = -1
		t.entries[i].realFD = -1
	}
	return t
}

// Add registers an application descriptor and its reopenable path. Called
// on every application open.
func (t *Table) Add(appFD int, path string) error {
	if len(path) >= MaxPathLen {
		return fmt.Errorf("fd %d (%s): %w", appFD, path, ErrPathTooLong)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if t.entries[i].appFD == -1 {
			t.entries[i] = entry{
				appFD:  int32(appFD),
				realFD: int32(appFD),
				path:   path,
			}
			return nil
		}
	}
	return fmt.Errorf("fd %d (%s): %w", appFD, path, ErrTableFull)
}

// Remove drops the entry for appFD. Called on application close.
func (t *Table) Remove(appFD int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if t.entries[i].appFD == int32(appFD) {
			t.entries[i] = entry{appFD: -1, realFD: -1}
			return nil
		}
	}
	return fmt.Errorf("fd %d: %w", appFD, ErrNoEntry)
}

// Translate maps an application descriptor to the live host descriptor.
// Every downstream I/O call goes through here.
func (t *Table) Translate(appFD int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if t.entries[i].appFD == int32(appFD) {
			return int(t.entries[i].realFD), nil
		}
	}
	return -1, fmt.Errorf("fd %d: %w", appFD, ErrNoEntry)
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for i := range t.entries {
		if t.entries[i].appFD != -1 {
			n++
		}
	}
	return n
}

func marshalEntry(b []byte, e *entry) {
	bo := hostarch.ByteOrder
	bo.PutUint32(b[0:], uint32(e.appFD))
	bo.PutUint32(b[4:], uint32(e.realFD))
	bo.PutUint64(b[8:], e.offset)
	p := b[16:recordBytes]
	for i := range p {
		p[i] = 0
	}
	copy(p, e.path)
}

func unmarshalEntry(b []byte) entry {
	bo := hostarch.ByteOrder
	e := entry{
		appFD:  int32(bo.Uint32(b[0:])),
		realFD: int32(bo.Uint32(b[4:])),
		offset: bo.Uint64(b[8:]),
	}
	p := b[16:recordBytes]
	n := 0
	for n < len(p) && p[n] != 0 {
		n++
	}
	e.path = string(p[:n])
	return e
}

// Serialize walks the table and writes one record per live entry into the
// named stream. Each entry's offset is sampled from its live descriptor
// with SEEK_CUR at this moment. The entry referring to the stream being
// written is skipped: the stream itself must not be restored as an
// application file.
func (t *Table) Serialize(fsys fs.Filesystem, name string) error {
	fd, err := fsys.Open(name, fs.O_WRONLY|fs.O_CREAT|fs.O_TRUNC, fs.S_IRUSR|fs.S_IWUSR)
	if err != nil {
		return fmt.Errorf("serialising fd table to %s: %w", name, err)
	}
	defer fsys.Close(fd)

	t.mu.Lock()
	defer t.mu.Unlock()

	b := make([]byte, recordBytes)
	for i := range t.entries {
		e := &t.entries[i]
		if e.appFD == -1 || e.realFD == int32(fd) {
			continue
		}
		off, err := fsys.Lseek(int(e.realFD), 0, fs.SEEK_CUR)
		if err != nil {
			return fmt.Errorf("sampling offset of fd %d (%s): %w", e.appFD, e.path, err)
		}
		e.offset = uint64(off)

		marshalEntry(b, e)
		n, err := fsys.Write(fd, b)
		if err != nil {
			return fmt.Errorf("serialising fd table: %w", err)
		}
		if n != recordBytes {
			return fmt.Errorf("serialising fd table: short write")
		}
		t.log.Debugf("saved fd %d (%s), offset %#x", e.appFD, e.path, e.offset)
	}
	return nil
}

// Restore reads the named stream, reopens every recorded path, rebinds the
// application descriptor number to the fresh host descriptor, and seeks it
// to the saved offset. The table is rebuilt from scratch.
func (t *Table) Restore(fsys fs.Filesystem, name string) error {
	fd, err := fsys.Open(name, fs.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("restoring fd table from %s: %w", name, err)
	}
	defer fsys.Close(fd)

	size, err := fsys.Lseek(fd, 0, fs.SEEK_END)
	if err != nil {
		return fmt.Errorf("sizing fd stream %s: %w", name, err)
	}
	if size%recordBytes != 0 {
		return fmt.Errorf("%s: %w", name, ErrBadStream)
	}
	if _, err := fsys.Lseek(fd, 0, fs.SEEK_SET); err != nil {
		return fmt.Errorf("rewinding fd stream %s: %w", name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		t.entries[i] = entry{appFD: -1, realFD: -1}
	}

	b := make([]byte, recordBytes)
	slot := 0
	for read := int64(0); read < size; read += recordBytes {
		got := 0
		for got < recordBytes {
			n, err := fsys.Read(fd, b[got:])
			if err != nil {
				return fmt.Errorf("reading fd stream %s: %w", name, err)
			}
			if n == 0 {
				return fmt.Errorf("reading fd stream %s: short read", name)
			}
			got += n
		}
		e := unmarshalEntry(b)

		newFD, err := fsys.Open(e.path, fs.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("reopening %s after migration: %w", e.path, err)
		}
		off, err := fsys.Lseek(newFD, int64(e.offset), fs.SEEK_SET)
		if err != nil || uint64(off) != e.offset {
			return fmt.Errorf("restoring offset %#x of %s: %w", e.offset, e.path, err)
		}

		t.entries[slot] = entry{
			appFD:  e.appFD,
			realFD: int32(newFD),
			offset: e.offset,
			path:   e.path,
		}
		slot++
		t.log.Debugf("restored fd %d (%s) at offset %#x", e.appFD, e.path, e.offset)
	}
	return nil
}
