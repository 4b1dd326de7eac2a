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

package mig

import (
	"fmt"

	"github.com/ssrg-vt/HermitCore/pkg/kern"
)

// Checkpoint stream names, on storage visible to both machines.
const (
	// BssStream and DataStream hold the static segments.
	BssStream  = "bss.bin"
	DataStream = "data.bin"

	// HeapStream holds the page-wise serialised heap. The target reads
	// it only in eager-heap mode.
	HeapStream = "heap.bin"

	// FdsStream holds the serialised file-descriptor table.
	FdsStream = "fds.bin"

	stackStreamPrefix = "stack.bin"
	tlsStreamPrefix   = "tls.bin"
)

// StackStream names the stack blob of thread tid.
func StackStream(tid kern.Tid) string {
	return fmt.Sprintf("%s.%d", stackStreamPrefix, tid)
}

// TLSStream names the thread-local-storage blob of thread tid. The stream
// is absent when the binary carries no TLS.
func TLSStream(tid kern.Tid) string {
	return fmt.Sprintf("%s.%d", tlsStreamPrefix, tid)
}
