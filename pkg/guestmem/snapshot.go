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
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/roypat/firecracker/pkg/hostmem"
)

var (
	// ErrLayoutMismatch is returned when a snapshot's region records do
	// not sum to its declared total size.
	ErrLayoutMismatch = errors.New("snapshot layout mismatch")

	// ErrUnsupportedMode is returned when a snapshot requests a backing
	// mode the current host cannot satisfy. Checked explicitly at restore
	// time: failing fast here is strictly better than failing fatally
	// mid-execution through the fault monitor.
	ErrUnsupportedMode = errors.New("snapshot backing mode unsupported on this host")

	// ErrBadSnapshot is returned when a snapshot file cannot be decoded.
	ErrBadSnapshot = errors.New("malformed layout snapshot")
)

// LayoutRecord describes one region: where it sits in the guest physical
// address space, how large it is, and how it is backed.
type LayoutRecord struct {
	GuestOffset uint64
	Size        uint64
	Mode        BackingMode
}

// LayoutSnapshot is the metadata needed to reconstruct an equivalent guest
// memory layout on restore. Region contents are streamed separately by the
// snapshot orchestrator; only the layout lives here.
//
// Records are ordered by ascending guest offset. The serialized form is a
// versioned contract the snapshot file format preserves bit-exactly across
// releases.
type LayoutSnapshot struct {
	// TotalSize is the guest memory size the records must sum to.
	TotalSize uint64

	// Records describes the regions in ascending guest offset order.
	Records []LayoutRecord
}

// Snapshot file format, little-endian:
//
//	magic   u32  "FCMX"
//	version u16
//	_       u16  reserved, zero
//	total   u64
//	count   u32
//	records count * { offset u64, size u64, mode u8, _ [7]u8 }
const (
	snapshotMagic   = uint32(0x584d4346) // "FCMX"
	snapshotVersion = uint16(1)

	// maxSnapshotRecords bounds the record count accepted from a
	// snapshot file. The count field is untrusted input and must not
	// size an allocation; real layouts have a handful of regions.
	maxSnapshotRecords = 4096
)

// Capture projects the address space's layout into a LayoutSnapshot. It is
// a pure projection: capturing an unchanged layout twice yields identical
// snapshots, byte for byte once serialized.
func Capture(as *AddressSpace) *LayoutSnapshot {
	snap := &LayoutSnapshot{
		TotalSize: as.totalSize,
		Records:   make([]LayoutRecord, 0, len(as.regions)),
	}
	for _, mr := range as.regions {
		snap.Records = append(snap.Records, LayoutRecord{
			GuestOffset: mr.guestOffset,
			Size:        mr.region.size,
			Mode:        mr.region.mode,
		})
	}
	return snap
}

// Save writes the snapshot in its serialized form.
func (s *LayoutSnapshot) Save(w io.Writer) error {
	hdr := struct {
		Magic    uint32
		Version  uint16
		Reserved uint16
		Total    uint64
		Count    uint32
	}{
		Magic:   snapshotMagic,
		Version: snapshotVersion,
		Total:   s.TotalSize,
		Count:   uint32(len(s.Records)),
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	for _, r := range s.Records {
		rec := struct {
			Offset uint64
			Size   uint64
			Mode   uint8
			Pad    [7]uint8
		}{
			Offset: r.GuestOffset,
			Size:   r.Size,
			Mode:   uint8(r.Mode),
		}
		if err := binary.Write(w, binary.LittleEndian, rec); err != nil {
			return err
		}
	}
	return nil
}

// LoadSnapshot decodes a snapshot previously written by Save.
func LoadSnapshot(r io.Reader) (*LayoutSnapshot, error) {
	var hdr struct {
		Magic    uint32
		Version  uint16
		Reserved uint16
		Total    uint64
		Count    uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if hdr.Magic != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrBadSnapshot, hdr.Magic)
	}
	if hdr.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, hdr.Version)
	}
	if hdr.Count > maxSnapshotRecords {
		return nil, fmt.Errorf("%w: implausible record count %d", ErrBadSnapshot, hdr.Count)
	}

	snap := &LayoutSnapshot{
		TotalSize: hdr.Total,
		Records:   make([]LayoutRecord, 0, hdr.Count),
	}
	for i := uint32(0); i < hdr.Count; i++ {
		var rec struct {
			Offset uint64
			Size   uint64
			Mode   uint8
			Pad    [7]uint8
		}
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			return nil, fmt.Errorf("%w: truncated record %d: %v", ErrBadSnapshot, i, err)
		}
		if rec.Mode > uint8(BackingHugePages2M) {
			return nil, fmt.Errorf("%w: record %d has unknown backing mode %d", ErrBadSnapshot, i, rec.Mode)
		}
		snap.Records = append(snap.Records, LayoutRecord{
			GuestOffset: rec.Offset,
			Size:        rec.Size,
			Mode:        BackingMode(rec.Mode),
		})
	}
	return snap, nil
}

// validate checks the snapshot's internal consistency and, through pool,
// that the current host can satisfy the recorded backing modes.
func (s *LayoutSnapshot) validate(pool hostmem.Pool) error {
	var (
		sum      uint64
		prevEnd  uint64
		hugeSeen bool
	)
	for i, r := range s.Records {
		if r.Size == 0 || r.Size%r.Mode.PageSize() != 0 {
			return fmt.Errorf("%w: record %d has size %d, not a positive multiple of %d", ErrLayoutMismatch, i, r.Size, r.Mode.PageSize())
		}
		if i > 0 && r.GuestOffset < prevEnd {
			return fmt.Errorf("%w: record %d overlaps its predecessor", ErrLayoutMismatch, i)
		}
		prevEnd = r.GuestOffset + r.Size
		sum += r.Size
		if r.Mode == BackingHugePages2M {
			hugeSeen = true
		}
	}
	if sum != s.TotalSize {
		return fmt.Errorf("%w: regions sum to %d bytes, snapshot declares %d", ErrLayoutMismatch, sum, s.TotalSize)
	}
	if hugeSeen {
		info, err := pool.Info(HugePageSize)
		if err != nil {
			return fmt.Errorf("%w: cannot inspect host huge page pool: %v", ErrUnsupportedMode, err)
		}
		if !info.Configured() {
			return fmt.Errorf("%w: no 2 MiB huge page pool is provisioned", ErrUnsupportedMode)
		}
	}
	return nil
}

// Restore reconstructs an address space with the snapshot's exact layout,
// re-invoking the allocator and mapper per record, in record order. It
// fails before touching any host resource if the layout is inconsistent or
// the host cannot satisfy a recorded backing mode; failures during
// reconstruction unwind fully, leaving nothing mapped.
func Restore(s *LayoutSnapshot, alloc *Allocator, pool hostmem.Pool) (*AddressSpace, error) {
	if err := s.validate(pool); err != nil {
		return nil, err
	}

	b := NewBuilder()
	for _, r := range s.Records {
		region, err := alloc.Allocate(r.Size, r.Mode)
		if err != nil {
			return nil, multierror.Append(err, b.Discard()).ErrorOrNil()
		}
		if err := b.Map(region, r.GuestOffset); err != nil {
			region.Close()
			return nil, multierror.Append(err, b.Discard()).ErrorOrNil()
		}
	}
	as, err := b.Seal()
	if err != nil {
		return nil, multierror.Append(err, b.Discard()).ErrorOrNil()
	}
	logrus.WithFields(logrus.Fields{
		"regions": len(s.Records),
		"total":   s.TotalSize,
	}).Info("restored guest memory layout")
	return as, nil
}
