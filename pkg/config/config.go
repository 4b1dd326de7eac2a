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

// Package config holds the migration knobs. The kernel loader fills a
// Config from the environment passed by the VMM; host tooling may merge a
// TOML file on top.
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config controls the migration engine.
type Config struct {
	// EagerHeap selects eager heap transfer: the target fully restores the
	// heap from heap.bin before threads run. When false, heap pages are
	// fetched on demand after resume. The checkpoint writes heap.bin in
	// either mode.
	EagerHeap bool `toml:"eager_heap"`

	// MigratePort is the source-side port for serving remote heap pages
	// after the VM has moved. Zero disables remote memory on the source,
	// which requires EagerHeap.
	MigratePort int `toml:"migrate_port"`

	// MigrateServer is the target-side address of the machine holding the
	// source heap. "0" disables remote memory on the target. When empty,
	// the heap stays lazy but the target dials no page source.
	MigrateServer string `toml:"migrate_server"`

	// BlkFormat asks the block filesystem to format its device on first
	// mount.
	BlkFormat bool `toml:"blk_format"`
}

// Default returns the configuration used when no knob is set: lazy heap
// transfer with remote memory enabled.
func Default() Config {
	return Config{
		MigratePort: 4444,
	}
}

// FromEnv builds a Config from the environment variables set by the VMM.
func FromEnv() Config {
	c := Default()
	if v, ok := os.LookupEnv("HERMIT_MIGRATE_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			c.MigratePort = p
		}
	}
	if v, ok := os.LookupEnv("HERMIT_MIGRATE_SERVER"); ok {
		c.MigrateServer = v
	}
	if v, ok := os.LookupEnv("HERMIT_BLK_FORMAT"); ok {
		c.BlkFormat = v == "1"
	}
	if c.RemoteMemoryDisabled() {
		c.EagerHeap = true
	}
	return c
}

// LoadFile merges the TOML file at path into c. Missing keys keep their
// current values.
func (c *Config) LoadFile(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// RemoteMemoryDisabled reports whether the lazy heap path is unusable and
// the full heap must travel in the checkpoint set.
func (c *Config) RemoteMemoryDisabled() bool {
	return c.MigratePort == 0 || c.MigrateServer == "0"
}
