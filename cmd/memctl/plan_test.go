// Copyright 2024 The Firecracker Authors.
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

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roypat/firecracker/pkg/guestmem"
)

func TestMemoryConfig(t *testing.T) {
	pc := planConfig{TotalSizeMiB: 256, Backing: "huge_pages_2m"}
	cfg, err := pc.memoryConfig()
	require.NoError(t, err)
	assert.EqualValues(t, 256<<20, cfg.TotalSize)
	assert.Equal(t, guestmem.BackingHugePages2M, cfg.BackingMode)
}

func TestMemoryConfigDefaultsToStandard(t *testing.T) {
	cfg, err := planConfig{TotalSizeMiB: 128}.memoryConfig()
	require.NoError(t, err)
	assert.Equal(t, guestmem.BackingStandard, cfg.BackingMode)
}

func TestMemoryConfigUnknownBacking(t *testing.T) {
	_, err := planConfig{TotalSizeMiB: 128, Backing: "huge_pages_1g"}.memoryConfig()
	assert.Error(t, err)
}

func TestMemoryConfigSizeOutOfRange(t *testing.T) {
	// A MiB count whose byte size does not fit in 64 bits must be
	// rejected, not silently wrapped into a small valid size.
	for _, mib := range []uint64{1 << 44, 1<<44 + 1, ^uint64(0)} {
		_, err := planConfig{TotalSizeMiB: mib, Backing: "standard"}.memoryConfig()
		assert.Error(t, err, "total_size_mib %d", mib)
	}
}
