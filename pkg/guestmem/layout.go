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

const (
	// mmio32GapEnd is the first guest physical address past 32 bits.
	mmio32GapEnd = uint64(1) << 32

	// mmio32GapSize is the size of the hole reserved below 4 GiB for
	// 32-bit MMIO devices. No RAM region may intersect it.
	mmio32GapSize = 768 << 20

	// mmio32GapStart is where the 32-bit MMIO hole begins (0xd0000000).
	// It is a multiple of HugePageSize, so the split below preserves
	// huge page granularity.
	mmio32GapStart = mmio32GapEnd - mmio32GapSize
)

// Span is a contiguous range of guest physical addresses to be backed by a
// single memory region.
type Span struct {
	// GuestOffset is the guest physical address the span starts at.
	GuestOffset uint64

	// Size is the span length in bytes.
	Size uint64
}

// ArchSpans splits totalSize bytes of guest RAM into the spans the x86-64
// guest memory map expects: a low span below the 32-bit MMIO hole and, if
// the requested size does not fit under it, a high span starting at 4 GiB.
// The spans' sizes always sum to totalSize.
func ArchSpans(totalSize uint64) []Span {
	if totalSize <= mmio32GapStart {
		return []Span{{GuestOffset: 0, Size: totalSize}}
	}
	return []Span{
		{GuestOffset: 0, Size: mmio32GapStart},
		{GuestOffset: mmio32GapEnd, Size: totalSize - mmio32GapStart},
	}
}
