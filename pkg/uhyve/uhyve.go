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

// Package uhyve is the guest side of the hypervisor control-port protocol.
// Each port takes one packed little-endian record; the port values are
// reserved by the embedding VMM.
package uhyve

import (
	"github.com/ssrg-vt/HermitCore/pkg/hostarch"
)

// Port identifies a hypervisor control port.
type Port uint16

// Ports understood by the VMM.
const (
	// PortMigrate asks the host to serialise the VM image and switch
	// machines. The write does not return on success.
	PortMigrate Port = 0x507

	// PortMemUsage reports the guest's memory consumption.
	PortMemUsage Port = 0x508

	// Block-device ports, consumed by the filesystem collaborator.
	PortBlkInfo  Port = 0x509
	PortBlkWrite Port = 0x50a
	PortBlkRead  Port = 0x50b
	PortBlkStat  Port = 0x50c
)

// PortWriter delivers one packed record to a control port. The hypervisor
// transport implements it; its real form hands the record's guest-physical
// address to an I/O port.
type PortWriter interface {
	Out(port Port, payload []byte) error
}

// MigrationRequest is the PortMigrate payload.
type MigrationRequest struct {
	HeapSize uint64
	BssSize  uint64
}

func (r MigrationRequest) marshal() []byte {
	b := make([]byte, 16)
	hostarch.ByteOrder.PutUint64(b[0:8], r.HeapSize)
	hostarch.ByteOrder.PutUint64(b[8:16], r.BssSize)
	return b
}

// MemUsage is the PortMemUsage payload.
type MemUsage struct {
	Bytes uint64
}

func (u MemUsage) marshal() []byte {
	b := make([]byte, 8)
	hostarch.ByteOrder.PutUint64(b, u.Bytes)
	return b
}

// SendMigration delivers a migration request. On the source machine a
// successful send never returns; a return always signals an error.
func SendMigration(w PortWriter, r MigrationRequest) error {
	return w.Out(PortMigrate, r.marshal())
}

// SendMemUsage delivers a memory-usage report.
func SendMemUsage(w PortWriter, u MemUsage) error {
	return w.Out(PortMemUsage, u.marshal())
}
