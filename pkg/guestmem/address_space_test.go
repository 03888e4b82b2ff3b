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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildAddressSpace maps one region per (offset, size) pair and seals.
func buildAddressSpace(t *testing.T, layout []Span) *AddressSpace {
	t.Helper()
	a := testAllocator(nil)
	b := NewBuilder()
	for _, span := range layout {
		r, err := a.Allocate(span.Size, BackingStandard)
		require.NoError(t, err)
		require.NoError(t, b.Map(r, span.GuestOffset))
	}
	as, err := b.Seal()
	require.NoError(t, err)
	t.Cleanup(func() { as.Destroy() })
	return as
}

func TestTranslate(t *testing.T) {
	// Two 1 MiB regions with a 1 MiB hole between them.
	as := buildAddressSpace(t, []Span{
		{GuestOffset: 0, Size: 1 << 20},
		{GuestOffset: 2 << 20, Size: 1 << 20},
	})
	require.Len(t, as.Regions(), 2)
	lo, hi := as.Regions()[0], as.Regions()[1]

	// Inside the first region.
	hva, err := as.Translate(0x5)
	require.NoError(t, err)
	assert.Equal(t, lo.BaseAddress()+0x5, hva)

	// In the hole.
	_, err = as.Translate(0x100000 + 5)
	assert.ErrorIs(t, err, ErrAddressOutOfRange)

	// Inside the second region.
	hva, err = as.Translate(0x200005)
	require.NoError(t, err)
	assert.Equal(t, hi.BaseAddress()+0x5, hva)

	// Past the end.
	_, err = as.Translate(3 << 20)
	assert.ErrorIs(t, err, ErrAddressOutOfRange)
}

func TestTranslateBoundaries(t *testing.T) {
	as := buildAddressSpace(t, []Span{{GuestOffset: 0, Size: 1 << 20}})
	r := as.Regions()[0]

	hva, err := as.Translate(0)
	require.NoError(t, err)
	assert.Equal(t, r.BaseAddress(), hva)

	hva, err = as.Translate(1<<20 - 1)
	require.NoError(t, err)
	assert.Equal(t, r.BaseAddress()+1<<20-1, hva)

	_, err = as.Translate(1 << 20)
	assert.ErrorIs(t, err, ErrAddressOutOfRange)
}

func TestSlice(t *testing.T) {
	as := buildAddressSpace(t, []Span{
		{GuestOffset: 0, Size: 1 << 20},
		{GuestOffset: 2 << 20, Size: 1 << 20},
	})

	s, err := as.Slice(0x1000, 0x2000)
	require.NoError(t, err)
	assert.Len(t, s, 0x2000)

	// Windows do not straddle the end of a region.
	_, err = as.Slice(1<<20-0x1000, 0x2000)
	assert.ErrorIs(t, err, ErrAddressOutOfRange)

	_, err = as.Slice(0x180000, 0x1000)
	assert.ErrorIs(t, err, ErrAddressOutOfRange)
}

func TestSliceIsShared(t *testing.T) {
	as := buildAddressSpace(t, []Span{{GuestOffset: 0, Size: 1 << 20}})

	a, err := as.Slice(0x3000, 16)
	require.NoError(t, err)
	b, err := as.Slice(0x3000, 16)
	require.NoError(t, err)

	copy(a, "device emulation")
	assert.Equal(t, "device emulation", string(b))
}

func TestMapOverlapRejected(t *testing.T) {
	a := testAllocator(nil)
	b := NewBuilder()

	r1, err := a.Allocate(1<<20, BackingStandard)
	require.NoError(t, err)
	require.NoError(t, b.Map(r1, 0))

	r2, err := a.Allocate(1<<20, BackingStandard)
	require.NoError(t, err)
	err = b.Map(r2, 0x80000)
	assert.ErrorIs(t, err, ErrRegionOverlap)
	r2.Close()

	require.NoError(t, b.Discard())
}

func TestMapUnalignedOffsetRejected(t *testing.T) {
	a := testAllocator(nil)
	b := NewBuilder()
	defer b.Discard()

	r, err := a.Allocate(1<<20, BackingStandard)
	require.NoError(t, err)
	defer r.Close()

	err = b.Map(r, 0x123)
	assert.ErrorIs(t, err, ErrMappingFailed)
}

func TestSealOrdersRegions(t *testing.T) {
	// Map out of order; Seal must order by guest offset.
	as := buildAddressSpace(t, []Span{
		{GuestOffset: 4 << 20, Size: 1 << 20},
		{GuestOffset: 0, Size: 1 << 20},
		{GuestOffset: 2 << 20, Size: 1 << 20},
	})

	var prev uint64
	for i, mr := range as.Regions() {
		if i > 0 {
			assert.Greater(t, mr.GuestOffset(), prev)
		}
		prev = mr.GuestOffset()
	}
	assert.EqualValues(t, 3<<20, as.TotalSize())
}

func TestSealEmpty(t *testing.T) {
	_, err := NewBuilder().Seal()
	assert.Error(t, err)
}

func TestSealTwice(t *testing.T) {
	a := testAllocator(nil)
	b := NewBuilder()
	r, err := a.Allocate(1<<20, BackingStandard)
	require.NoError(t, err)
	require.NoError(t, b.Map(r, 0))

	as, err := b.Seal()
	require.NoError(t, err)
	defer as.Destroy()

	_, err = b.Seal()
	assert.Error(t, err)

	r2, err := a.Allocate(1<<20, BackingStandard)
	require.NoError(t, err)
	defer r2.Close()
	assert.Error(t, b.Map(r2, 8<<20))
}

func TestDiscardRollsBack(t *testing.T) {
	a := testAllocator(nil)
	b := NewBuilder()
	for i := 0; i < 3; i++ {
		r, err := a.Allocate(1<<20, BackingStandard)
		require.NoError(t, err)
		require.NoError(t, b.Map(r, uint64(i)<<21))
	}
	require.NoError(t, b.Discard())
}
