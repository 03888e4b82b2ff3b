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
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/roypat/firecracker/pkg/memutil"
)

var (
	// ErrAddressOutOfRange is returned when a guest physical address falls
	// outside every mapped region. At construction time it indicates a bad
	// layout; on a running VM it indicates a guest-address computation bug
	// in the caller and must be surfaced, not retried.
	ErrAddressOutOfRange = errors.New("guest address out of range")

	// ErrMappingFailed is returned when the host refuses to map a backing
	// object into the process address space.
	ErrMappingFailed = errors.New("failed to map guest memory region")

	// ErrRegionOverlap is returned when a region would overlap one already
	// mapped.
	ErrRegionOverlap = errors.New("guest memory regions overlap")
)

// MappedRegion is a Region mapped into the monitor's address space. The
// guest physical offset is the invariant key used to translate guest
// physical addresses to host addresses.
type MappedRegion struct {
	region      *Region
	guestOffset uint64
	slice       []byte
}

// GuestOffset returns the guest physical address the region starts at.
func (mr *MappedRegion) GuestOffset() uint64 {
	return mr.guestOffset
}

// Size returns the region size in bytes.
func (mr *MappedRegion) Size() uint64 {
	return mr.region.size
}

// Mode returns the region's backing mode.
func (mr *MappedRegion) Mode() BackingMode {
	return mr.region.mode
}

// BaseAddress returns the host virtual address the region is mapped at.
func (mr *MappedRegion) BaseAddress() uintptr {
	return memutil.SlicePointer(mr.slice)
}

// Slice returns the mapping as a byte slice. Accesses through it can fault
// if the backing pool is exhausted; device emulation must route them
// through a memfault.Monitor.
func (mr *MappedRegion) Slice() []byte {
	return mr.slice
}

// File returns the underlying shareable backing object.
func (mr *MappedRegion) File() *Region {
	return mr.region
}

// unmap releases the mapping and the backing object.
func (mr *MappedRegion) unmap() error {
	var merr *multierror.Error
	if err := memutil.UnmapSlice(mr.slice); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("failed to unmap region at guest offset %#x: %w", mr.guestOffset, err))
	}
	if err := mr.region.Close(); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

// A Builder assembles an AddressSpace. Regions may only be added before
// Seal; the sealed AddressSpace is immutable and safe for concurrent
// translation without locking. This is the "write once at setup, read many
// thereafter" discipline made explicit in the types.
type Builder struct {
	mapped []*MappedRegion
	sealed bool
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Map maps region into the process address space at a host-chosen base
// address and records its guest physical offset. On failure the region is
// left untouched and still owned by the caller.
//
// The mapping is read/write and shareable, so the snapshot subsystem and
// device emulation can reference the same pages without re-establishing it.
func (b *Builder) Map(region *Region, guestOffset uint64) error {
	if b.sealed {
		return fmt.Errorf("cannot map regions into a sealed address space")
	}
	if guestOffset%region.PageSize() != 0 {
		return fmt.Errorf("%w: guest offset %#x is not aligned to %d", ErrMappingFailed, guestOffset, region.PageSize())
	}
	end := guestOffset + region.size
	if end < guestOffset {
		return fmt.Errorf("%w: region at guest offset %#x overflows the address space", ErrMappingFailed, guestOffset)
	}
	for _, mr := range b.mapped {
		if guestOffset < mr.guestOffset+mr.region.size && mr.guestOffset < end {
			return fmt.Errorf("%w: [%#x, %#x) intersects [%#x, %#x)", ErrRegionOverlap,
				guestOffset, end, mr.guestOffset, mr.guestOffset+mr.region.size)
		}
	}

	slice, err := memutil.MapSlice(
		0, // Host-chosen address.
		uintptr(region.size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_NORESERVE,
		region.file.Fd(),
		0)
	if err != nil {
		mappingFailures.Inc()
		return fmt.Errorf("%w: %v", ErrMappingFailed, err)
	}

	b.mapped = append(b.mapped, &MappedRegion{
		region:      region,
		guestOffset: guestOffset,
		slice:       slice,
	})
	return nil
}

// Seal orders the mapped regions by guest offset and yields the immutable
// AddressSpace. The Builder must not be used afterwards.
//
// Seal must complete before any vCPU begins execution that could address
// the mapped ranges; enforcing that ordering is the caller's lifecycle.
func (b *Builder) Seal() (*AddressSpace, error) {
	if b.sealed {
		return nil, fmt.Errorf("address space already sealed")
	}
	if len(b.mapped) == 0 {
		return nil, fmt.Errorf("cannot seal an empty address space")
	}
	b.sealed = true

	regions := b.mapped
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].guestOffset < regions[j].guestOffset
	})
	var total uint64
	for _, mr := range regions {
		total += mr.region.size
	}
	guestBytesMapped.Add(float64(total))
	return &AddressSpace{regions: regions, totalSize: total}, nil
}

// Discard unwinds everything mapped so far. Used to roll back a failed
// construction attempt so no partial region list is left mapped.
func (b *Builder) Discard() error {
	b.sealed = true
	var merr *multierror.Error
	for _, mr := range b.mapped {
		if err := mr.unmap(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	b.mapped = nil
	return merr.ErrorOrNil()
}

// AddressSpace is the authoritative guest-physical-to-host-virtual
// translation table: an ordered, non-overlapping set of mapped regions
// whose union forms the guest physical address space.
//
// It is immutable after Seal, so every vCPU thread may translate
// concurrently without synchronization. Mutation happens only through
// Destroy, which the caller must invoke only after all vCPU threads have
// stopped.
type AddressSpace struct {
	// regions is ordered by ascending guest offset.
	regions []*MappedRegion

	totalSize uint64
}

// TotalSize returns the total guest memory size in bytes.
func (as *AddressSpace) TotalSize() uint64 {
	return as.totalSize
}

// Regions returns the mapped regions in ascending guest offset order. The
// returned slice must not be modified.
func (as *AddressSpace) Regions() []*MappedRegion {
	return as.regions
}

// find returns the region containing gpa, or nil.
func (as *AddressSpace) find(gpa uint64) *MappedRegion {
	i := sort.Search(len(as.regions), func(i int) bool {
		return gpa < as.regions[i].guestOffset+as.regions[i].region.size
	})
	if i == len(as.regions) || gpa < as.regions[i].guestOffset {
		return nil
	}
	return as.regions[i]
}

// Translate converts a guest physical address to the host virtual address
// it is mapped at.
func (as *AddressSpace) Translate(gpa uint64) (uintptr, error) {
	mr := as.find(gpa)
	if mr == nil {
		return 0, fmt.Errorf("%w: %#x", ErrAddressOutOfRange, gpa)
	}
	return mr.BaseAddress() + uintptr(gpa-mr.guestOffset), nil
}

// Slice returns the [gpa, gpa+length) window of guest memory as a byte
// slice. The window must lie entirely within one region; guest physical
// contiguity across a hole does not imply host virtual contiguity.
func (as *AddressSpace) Slice(gpa, length uint64) ([]byte, error) {
	mr := as.find(gpa)
	if mr == nil {
		return nil, fmt.Errorf("%w: %#x", ErrAddressOutOfRange, gpa)
	}
	off := gpa - mr.guestOffset
	if off+length > mr.region.size || off+length < off {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrAddressOutOfRange, gpa, gpa+length)
	}
	return mr.slice[off : off+length], nil
}

// Destroy unmaps all regions and releases their backing objects. It must be
// the last operation on the address space: no concurrent accessor may
// remain when it is called.
func (as *AddressSpace) Destroy() error {
	var merr *multierror.Error
	for _, mr := range as.regions {
		if err := mr.unmap(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	guestBytesMapped.Sub(float64(as.totalSize))
	as.regions = nil
	as.totalSize = 0
	return merr.ErrorOrNil()
}
