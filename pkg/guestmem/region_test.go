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

package guestmem

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testAllocator returns an Allocator whose backing objects are plain
// memfds regardless of the requested mode, so huge-page-mode paths can be
// exercised on hosts with no provisioned pool. If calls is non-nil it
// counts backing object creations.
func testAllocator(calls *int) *Allocator {
	return &Allocator{
		createBacking: func(size uint64, mode BackingMode) (int, error) {
			if calls != nil {
				*calls++
			}
			return createMemFD(size, BackingStandard)
		},
	}
}

// failingAllocator returns an Allocator that fails creation with err after
// succeeding n times.
func failingAllocator(n int, err error) *Allocator {
	return &Allocator{
		createBacking: func(size uint64, mode BackingMode) (int, error) {
			if n <= 0 {
				return -1, err
			}
			n--
			return createMemFD(size, BackingStandard)
		},
	}
}

func TestAllocate(t *testing.T) {
	a := NewAllocator()
	r, err := a.Allocate(1<<20, BackingStandard)
	require.NoError(t, err)
	defer r.Close()

	assert.EqualValues(t, 1<<20, r.Size())
	assert.Equal(t, BackingStandard, r.Mode())
	assert.EqualValues(t, PageSize, r.PageSize())

	fi, err := r.File().Stat()
	require.NoError(t, err)
	assert.EqualValues(t, 1<<20, fi.Size())
}

func TestAllocateSealed(t *testing.T) {
	a := NewAllocator()
	r, err := a.Allocate(1<<20, BackingStandard)
	require.NoError(t, err)
	defer r.Close()

	// The size seals must reject any resize of the backing object.
	assert.Error(t, r.File().Truncate(4096))
	assert.Error(t, r.File().Truncate(2<<20))
}

func TestAllocateBadSize(t *testing.T) {
	a := NewAllocator()

	_, err := a.Allocate(0, BackingStandard)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = a.Allocate(4097, BackingStandard)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = a.Allocate(3<<20, BackingHugePages2M)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestAllocateHostFailure(t *testing.T) {
	hostErr := errors.New("host says no")
	a := failingAllocator(0, hostErr)
	_, err := a.Allocate(1<<20, BackingStandard)
	assert.ErrorIs(t, err, hostErr)
}
