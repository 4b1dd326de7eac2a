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

// Package area serialises and restores virtual-memory regions to and from
// named checkpoint streams.
//
// Contiguous operations move a region in one read or write. Paged
// operations move it page by page; they are required when the region may be
// demand-mapped or is not physically contiguous. Any I/O failure is fatal
// to the migration attempt and is never retried.
package area

import (
	"errors"
	"fmt"

	"github.com/ssrg-vt/HermitCore/pkg/fs"
	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
	"github.com/ssrg-vt/HermitCore/pkg/mem"
)

// ErrMisaligned indicates a paged operation on a non-page-aligned range.
var ErrMisaligned = errors.New("paged area is not page-aligned")

// SaveContiguous persists [addr, addr+size) into the named stream.
func SaveContiguous(m mem.Memory, fsys fs.Filesystem, addr hostarch.Addr, size uint64, name string) error {
	end, ok := addr.AddLength(size)
	if !ok {
		return fmt.Errorf("saving %s: area overflows", name)
	}
	src, err := m.Slice(hostarch.AddrRange{Start: addr, End: end})
	if err != nil {
		return fmt.Errorf("saving %s: %w", name, err)
	}

	fd, err := fsys.Open(name, fs.O_WRONLY|fs.O_CREAT|fs.O_TRUNC, fs.S_IRUSR|fs.S_IWUSR)
	if err != nil {
		return fmt.Errorf("saving %s: cannot create stream: %w", name, err)
	}
	defer fsys.Close(fd)

	n, err := fsys.Write(fd, src)
	if err != nil {
		return fmt.Errorf("saving %s: %w", name, err)
	}
	if uint64(n) != size {
		return fmt.Errorf("saving %s: short write (%d of %d)", name, n, size)
	}
	return nil
}

// RestoreContiguous reads the named stream into [addr, addr+size).
func RestoreContiguous(m mem.Memory, fsys fs.Filesystem, name string, addr hostarch.Addr, size uint64) error {
	end, ok := addr.AddLength(size)
	if !ok {
		return fmt.Errorf("restoring %s: area overflows", name)
	}
	dst, err := m.Slice(hostarch.AddrRange{Start: addr, End: end})
	if err != nil {
		return fmt.Errorf("restoring %s: %w", name, err)
	}

	fd, err := fsys.Open(name, fs.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("restoring %s: cannot open stream: %w", name, err)
	}
	defer fsys.Close(fd)

	read := 0
	for read < len(dst) {
		n, err := fsys.Read(fd, dst[read:])
		if err != nil {
			return fmt.Errorf("restoring %s: %w", name, err)
		}
		if n == 0 {
			return fmt.Errorf("restoring %s: short read (%d of %d)", name, read, size)
		}
		read += n
	}
	return nil
}

// SavePaged persists [addr, addr+size) page by page. Both ends must be
// page-aligned. When demand is set, absent pages are touched first so that
// demand mappings materialise before being read; this is how the heap is
// checkpointed.
func SavePaged(m mem.Memory, fsys fs.Filesystem, addr hostarch.Addr, size uint64, name string, demand bool) error {
	ar, err := pagedRange(addr, size, name)
	if err != nil {
		return err
	}

	fd, err := fsys.Open(name, fs.O_WRONLY|fs.O_CREAT|fs.O_TRUNC, fs.S_IRUSR|fs.S_IWUSR)
	if err != nil {
		return fmt.Errorf("saving %s: cannot create stream: %w", name, err)
	}
	defer fsys.Close(fd)

	for page := ar.Start; page < ar.End; page += hostarch.PageSize {
		if demand && !m.Present(page) {
			if err := m.Touch(page); err != nil {
				return fmt.Errorf("saving %s: touching page %#x: %w", name, page, err)
			}
		}
		src, err := m.Slice(hostarch.AddrRange{Start: page, End: page + hostarch.PageSize})
		if err != nil {
			return fmt.Errorf("saving %s: page %#x: %w", name, page, err)
		}
		n, err := fsys.Write(fd, src)
		if err != nil {
			return fmt.Errorf("saving %s: page %#x: %w", name, page, err)
		}
		if n != hostarch.PageSize {
			return fmt.Errorf("saving %s: page %#x: short write", name, page)
		}
	}
	return nil
}

// RestorePaged reads the named stream into [addr, addr+size) page by page.
// Both ends must be page-aligned. Used when the heap travels eagerly in the
// checkpoint set.
func RestorePaged(m mem.Memory, fsys fs.Filesystem, name string, addr hostarch.Addr, size uint64) error {
	ar, err := pagedRange(addr, size, name)
	if err != nil {
		return err
	}

	fd, err := fsys.Open(name, fs.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("restoring %s: cannot open stream: %w", name, err)
	}
	defer fsys.Close(fd)

	for page := ar.Start; page < ar.End; page += hostarch.PageSize {
		dst, err := m.Slice(hostarch.AddrRange{Start: page, End: page + hostarch.PageSize})
		if err != nil {
			return fmt.Errorf("restoring %s: page %#x: %w", name, page, err)
		}
		read := 0
		for read < hostarch.PageSize {
			n, err := fsys.Read(fd, dst[read:])
			if err != nil {
				return fmt.Errorf("restoring %s: page %#x: %w", name, page, err)
			}
			if n == 0 {
				return fmt.Errorf("restoring %s: page %#x: short read", name, page)
			}
			read += n
		}
	}
	return nil
}

func pagedRange(addr hostarch.Addr, size uint64, name string) (hostarch.AddrRange, error) {
	end, ok := addr.AddLength(size)
	if !ok {
		return hostarch.AddrRange{}, fmt.Errorf("%s: area overflows", name)
	}
	ar := hostarch.AddrRange{Start: addr, End: end}
	if !ar.IsPageAligned() {
		return hostarch.AddrRange{}, fmt.Errorf("%s (%#x-%#x): %w", name, addr, end, ErrMisaligned)
	}
	return ar, nil
}
