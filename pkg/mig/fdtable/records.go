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

package fdtable

import (
	"fmt"

	"github.com/ssrg-vt/HermitCore/pkg/fs"
)

// Record is the decoded form of one serialised entry, for inspection
// tooling.
type Record struct {
	AppFD  int32
	Offset uint64
	Path   string
}

// ReadRecords decodes the serialised table in the named stream without
// touching any live descriptor.
func ReadRecords(fsys fs.Filesystem, name string) ([]Record, error) {
	fd, err := fsys.Open(name, fs.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening fd stream %s: %w", name, err)
	}
	defer fsys.Close(fd)

	size, err := fsys.Lseek(fd, 0, fs.SEEK_END)
	if err != nil {
		return nil, fmt.Errorf("sizing fd stream %s: %w", name, err)
	}
	if size%recordBytes != 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrBadStream)
	}
	if _, err := fsys.Lseek(fd, 0, fs.SEEK_SET); err != nil {
		return nil, err
	}

	var out []Record
	b := make([]byte, recordBytes)
	for read := int64(0); read < size; read += recordBytes {
		got := 0
		for got < recordBytes {
			n, err := fsys.Read(fd, b[got:])
			if err != nil {
				return nil, fmt.Errorf("reading fd stream %s: %w", name, err)
			}
			if n == 0 {
				return nil, fmt.Errorf("reading fd stream %s: short read", name)
			}
			got += n
		}
		e := unmarshalEntry(b)
		out = append(out, Record{AppFD: e.appFD, Offset: e.offset, Path: e.path})
	}
	return out, nil
}
