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

package fs

import (
	"sync"
)

// Mem is an in-memory Filesystem. It backs tests and the source-side unit
// tests of the checkpoint path; contents persist for the life of the
// process.
type Mem struct {
	mu     sync.Mutex
	files  map[string]*memFile
	open   map[int]*memFD
	nextFD int
}

type memFile struct {
	data []byte
}

type memFD struct {
	file   *memFile
	name   string
	flags  int
	offset int64
}

// NewMem returns an empty in-memory filesystem.
func NewMem() *Mem {
	return &Mem{
		files:  make(map[string]*memFile),
		open:   make(map[int]*memFD),
		nextFD: 3,
	}
}

// Open implements Filesystem.Open.
func (m *Mem) Open(path string, flags int, mode uint32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[path]
	if !ok {
		if flags&O_CREAT == 0 {
			return -1, ErrNotFound
		}
		f = &memFile{}
		m.files[path] = f
	}
	if flags&O_TRUNC != 0 {
		f.data = nil
	}

	fd := m.nextFD
	m.nextFD++
	m.open[fd] = &memFD{file: f, name: path, flags: flags}
	return fd, nil
}

// Read implements Filesystem.Read.
func (m *Mem) Read(fd int, p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.open[fd]
	if !ok {
		return -1, ErrBadFD
	}
	if d.offset >= int64(len(d.file.data)) {
		return 0, nil
	}
	n := copy(p, d.file.data[d.offset:])
	d.offset += int64(n)
	return n, nil
}

// Write implements Filesystem.Write.
func (m *Mem) Write(fd int, p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.open[fd]
	if !ok {
		return -1, ErrBadFD
	}
	end := d.offset + int64(len(p))
	if end > int64(len(d.file.data)) {
		grown := make([]byte, end)
		copy(grown, d.file.data)
		d.file.data = grown
	}
	copy(d.file.data[d.offset:end], p)
	d.offset = end
	return len(p), nil
}

// Lseek implements Filesystem.Lseek.
func (m *Mem) Lseek(fd int, offset int64, whence int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.open[fd]
	if !ok {
		return -1, ErrBadFD
	}
	var base int64
	switch whence {
	case SEEK_SET:
		base = 0
	case SEEK_CUR:
		base = d.offset
	case SEEK_END:
		base = int64(len(d.file.data))
	default:
		return -1, ErrInvalid
	}
	pos := base + offset
	if pos < 0 {
		return -1, ErrInvalid
	}
	d.offset = pos
	return pos, nil
}

// Close implements Filesystem.Close.
func (m *Mem) Close(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.open[fd]; !ok {
		return ErrBadFD
	}
	delete(m.open, fd)
	return nil
}

// Size returns the length of the named file, or -1 if it does not exist.
// Tests and the verifier use it to check stream completeness.
func (m *Mem) Size(path string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[path]
	if !ok {
		return -1
	}
	return int64(len(f.data))
}

// Remove deletes the named file if present.
func (m *Mem) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
}
