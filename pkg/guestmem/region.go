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
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/roypat/firecracker/pkg/memutil"
)

// ErrOutOfHostMemory is returned when the host cannot even create the
// shareable backing object. This is distinct from runtime pool exhaustion,
// which is only ever detected through package memfault.
var ErrOutOfHostMemory = errors.New("out of host memory")

// Region is an ownership-exclusive handle to one shareable backing object.
// Regions are created by an Allocator and consumed by a Builder; whichever
// holds the Region last is responsible for closing it.
type Region struct {
	file *os.File
	size uint64
	mode BackingMode
}

// Size returns the region size in bytes.
func (r *Region) Size() uint64 {
	return r.size
}

// Mode returns the backing mode the region was created with.
func (r *Region) Mode() BackingMode {
	return r.mode
}

// PageSize returns the region's page granularity in bytes.
func (r *Region) PageSize() uint64 {
	return r.mode.PageSize()
}

// File returns the underlying shareable memory object. The snapshot
// subsystem streams region contents through it, and device emulation may
// duplicate it for DMA-like access; the Region retains ownership.
func (r *Region) File() *os.File {
	return r.file
}

// Close releases the backing object. Existing mappings of it survive until
// they are unmapped.
func (r *Region) Close() error {
	return r.file.Close()
}

// An Allocator creates shareable, anonymous memory objects sized and
// aligned per the guest's memory map.
type Allocator struct {
	// createBacking creates the backing object fd for a region. Overridden
	// in tests to simulate hosts with and without huge page support.
	createBacking func(size uint64, mode BackingMode) (int, error)
}

// NewAllocator returns an Allocator backed by the host's memfd facility.
func NewAllocator() *Allocator {
	return &Allocator{createBacking: createMemFD}
}

// Allocate creates a backing object of exactly size bytes for the given
// mode.
//
// For BackingHugePages2M the object is created against the host's hugetlb
// shared memory facility. Creation succeeds even if the pre-reserved pool
// is smaller than size: reservation is lazy and materialized only on first
// touch, so exhaustion surfaces later as a memory fault, never here.
func (a *Allocator) Allocate(size uint64, mode BackingMode) (*Region, error) {
	if size == 0 || size%mode.PageSize() != 0 {
		return nil, fmt.Errorf("%w: region size %d is not a positive multiple of %d", ErrInvalidSize, size, mode.PageSize())
	}

	fd, err := a.createBacking(size, mode)
	if err != nil {
		return nil, err
	}

	regionsAllocated.Inc()
	logrus.WithFields(logrus.Fields{
		"size": size,
		"mode": mode,
	}).Debug("allocated guest memory region")

	return &Region{
		file: os.NewFile(uintptr(fd), "guest_mem"),
		size: size,
		mode: mode,
	}, nil
}

// createMemFD creates a sealed memfd of the given size.
func createMemFD(size uint64, mode BackingMode) (int, error) {
	flags := unix.MFD_CLOEXEC | unix.MFD_ALLOW_SEALING
	if mode == BackingHugePages2M {
		flags |= unix.MFD_HUGETLB | unix.MFD_HUGE_2MB
	}
	fd, err := memutil.CreateMemFD("guest_mem", flags)
	if err != nil {
		return -1, fmt.Errorf("%w: failed to create memfd: %v", ErrOutOfHostMemory, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: failed to size memfd to %d bytes: %v", ErrOutOfHostMemory, size, err)
	}
	// Seal the size so no sharer can cause faults in another by resizing
	// the object underneath a live mapping.
	if err := memutil.SealMemFD(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
