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

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestArchSpansBelowGap(t *testing.T) {
	spans := ArchSpans(512 << 20)
	want := []Span{{GuestOffset: 0, Size: 512 << 20}}
	if diff := cmp.Diff(want, spans); diff != "" {
		t.Errorf("ArchSpans mismatch (-want +got):\n%s", diff)
	}
}

func TestArchSpansExactlyGapStart(t *testing.T) {
	spans := ArchSpans(mmio32GapStart)
	want := []Span{{GuestOffset: 0, Size: mmio32GapStart}}
	if diff := cmp.Diff(want, spans); diff != "" {
		t.Errorf("ArchSpans mismatch (-want +got):\n%s", diff)
	}
}

func TestArchSpansAboveGap(t *testing.T) {
	total := uint64(8) << 30
	spans := ArchSpans(total)
	want := []Span{
		{GuestOffset: 0, Size: mmio32GapStart},
		{GuestOffset: 1 << 32, Size: total - mmio32GapStart},
	}
	if diff := cmp.Diff(want, spans); diff != "" {
		t.Errorf("ArchSpans mismatch (-want +got):\n%s", diff)
	}
}

func TestArchSpansSumToTotal(t *testing.T) {
	for _, total := range []uint64{
		4096,
		256 << 20,
		mmio32GapStart,
		mmio32GapStart + HugePageSize,
		4 << 30,
		16 << 30,
	} {
		var sum uint64
		for _, span := range ArchSpans(total) {
			assert.Zero(t, span.Size%PageSize)
			sum += span.Size
		}
		assert.Equal(t, total, sum, "total %#x", total)
	}
}

func TestArchSpansGapNotCovered(t *testing.T) {
	for _, span := range ArchSpans(16 << 30) {
		end := span.GuestOffset + span.Size
		overlaps := span.GuestOffset < mmio32GapEnd && mmio32GapStart < end
		assert.False(t, overlaps, "span [%#x, %#x) intersects the MMIO gap", span.GuestOffset, end)
	}
}
