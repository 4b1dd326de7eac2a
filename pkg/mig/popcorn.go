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
	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
	"github.com/ssrg-vt/HermitCore/pkg/mig/arch"
	"github.com/ssrg-vt/HermitCore/pkg/mig/stackslots"
)

// MaxNodes bounds the popcorn node table. Must stay consistent with the
// migration library on the application side.
const MaxNodes = 32

// NodeInfo describes one machine of the popcorn setup.
type NodeInfo struct {
	Online   bool
	Arch     arch.Arch
	Distance int
}

// ThreadStatus is the migration status the application library polls.
type ThreadStatus struct {
	CurrentNode  int
	ProposedNode int
}

// For now the setup is hardcoded: node 0 is the x86 server, node 1 the arm
// board.
const (
	nodeAMD64 = 0
	nodeARM64 = 1
)

func localNode(a arch.Arch) int {
	if a == arch.ARM64 {
		return nodeARM64
	}
	return nodeAMD64
}

func peerNode(a arch.Arch) int {
	if a == arch.ARM64 {
		return nodeAMD64
	}
	return nodeARM64
}

// NodeInfo reports the node table; the origin node is 0.
func (e *Engine) NodeInfo() (origin int, nodes [MaxNodes]NodeInfo) {
	local := e.cpu.Arch()
	nodes[nodeAMD64] = NodeInfo{Online: true, Arch: arch.AMD64}
	nodes[nodeARM64] = NodeInfo{Online: true, Arch: arch.ARM64}
	nodes[localNode(local)].Distance = 0
	nodes[peerNode(local)].Distance = 1
	return 0, nodes
}

// ThreadStatus reports whether a migration is proposed for the calling
// thread and where it would go.
func (e *Engine) ThreadStatus() ThreadStatus {
	st := ThreadStatus{
		CurrentNode:  localNode(e.cpu.Arch()),
		ProposedNode: localNode(e.cpu.Arch()),
	}
	if e.shouldMigrate.Load() == 1 {
		st.ProposedNode = peerNode(e.cpu.Arch())
	}
	return st
}

// StackAddr returns the base of the calling thread's stack slot.
func (e *Engine) StackAddr() hostarch.Addr {
	return e.sched.Current().StackBase()
}

// StackSize returns the fixed per-thread stack size.
func (e *Engine) StackSize() uint64 {
	return stackslots.DefaultStackSize
}
