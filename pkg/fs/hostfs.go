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

//go:build linux

package fs

import (
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Host is a Filesystem backed by a host directory, used by host-side tooling
// that reads checkpoint sets from the storage shared with the guest.
type Host struct {
	root string
}

// NewHost returns a Filesystem rooted at dir.
func NewHost(dir string) *Host {
	return &Host{root: dir}
}

// Open implements Filesystem.Open.
func (h *Host) Open(path string, flags int, mode uint32) (int, error) {
	return unix.Open(filepath.Join(h.root, path), flags, mode)
}

// Read implements Filesystem.Read.
func (h *Host) Read(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

// Write implements Filesystem.Write.
func (h *Host) Write(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}

// Lseek implements Filesystem.Lseek.
func (h *Host) Lseek(fd int, offset int64, whence int) (int64, error) {
	return unix.Seek(fd, offset, whence)
}

// Close implements Filesystem.Close.
func (h *Host) Close(fd int) error {
	return unix.Close(fd)
}
