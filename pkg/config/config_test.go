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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	t.Setenv("HERMIT_MIGRATE_PORT", "5555")
	t.Setenv("HERMIT_MIGRATE_SERVER", "10.1.2.3")
	t.Setenv("HERMIT_BLK_FORMAT", "1")

	c := FromEnv()
	assert.Equal(t, 5555, c.MigratePort)
	assert.Equal(t, "10.1.2.3", c.MigrateServer)
	assert.True(t, c.BlkFormat)
	assert.False(t, c.EagerHeap)
	assert.False(t, c.RemoteMemoryDisabled())
}

func TestRemoteMemoryDisabledForcesEagerHeap(t *testing.T) {
	// Port 0 on the source disables remote memory, so the full heap has
	// to travel in the checkpoint set.
	t.Setenv("HERMIT_MIGRATE_PORT", "0")
	c := FromEnv()
	assert.True(t, c.RemoteMemoryDisabled())
	assert.True(t, c.EagerHeap)

	os.Unsetenv("HERMIT_MIGRATE_PORT")
	t.Setenv("HERMIT_MIGRATE_SERVER", "0")
	c = FromEnv()
	assert.True(t, c.RemoteMemoryDisabled())
	assert.True(t, c.EagerHeap)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migration.toml")
	require.NoError(t, os.WriteFile(path, []byte(
		"eager_heap = true\nmigrate_server = \"192.168.0.7\"\n"), 0o644))

	c := Default()
	require.NoError(t, c.LoadFile(path))
	assert.True(t, c.EagerHeap)
	assert.Equal(t, "192.168.0.7", c.MigrateServer)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, 4444, c.MigratePort)
}

func TestLoadFileMissing(t *testing.T) {
	c := Default()
	assert.Error(t, c.LoadFile(filepath.Join(t.TempDir(), "nope.toml")))
}
