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
)

const (
	// PageSize is the smallest guest page granularity.
	PageSize = 4096

	// HugePageSize is the page granularity of huge-page-backed memory.
	HugePageSize = 2 << 20
)

// BackingMode selects how guest memory is physically backed on the host.
// It is chosen exactly once per VM instance, at construction time; changing
// it requires a new VM.
type BackingMode uint8

const (
	// BackingStandard backs guest memory with ordinary anonymous shared
	// memory. The kernel may still promote pages to huge pages
	// transparently, outside this subsystem's control.
	BackingStandard BackingMode = iota

	// BackingHugePages2M backs guest memory with the host's pre-reserved
	// 2 MiB huge page pool. Reservation against the pool is lazy; see
	// package memfault for the failure mode this implies.
	BackingHugePages2M
)

// PageSize returns the mode's page granularity in bytes.
func (m BackingMode) PageSize() uint64 {
	if m == BackingHugePages2M {
		return HugePageSize
	}
	return PageSize
}

// String implements fmt.Stringer.String.
func (m BackingMode) String() string {
	switch m {
	case BackingStandard:
		return "standard"
	case BackingHugePages2M:
		return "huge_pages_2m"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// Config is a validated memory configuration, handed in whole by the
// configuration front door. Immutable once accepted.
type Config struct {
	// TotalSize is the guest memory size in bytes. Must be a positive
	// multiple of the chosen mode's page granularity.
	TotalSize uint64

	// BackingMode is the requested backing mode.
	BackingMode BackingMode

	// BalloonEnabled is set if a balloon device was requested alongside.
	BalloonEnabled bool

	// DiffSnapshotEnabled is set if differential snapshots were requested.
	DiffSnapshotEnabled bool

	// InitrdPresent is set if an initrd will be loaded into guest memory.
	InitrdPresent bool
}

var (
	// ErrIncompatibleFeatures is returned when huge page backing is
	// requested together with a feature that needs page-state tracking at
	// a granularity huge page mappings cannot represent.
	ErrIncompatibleFeatures = errors.New("incompatible features requested")

	// ErrInvalidSize is returned when the total memory size is not a
	// positive multiple of the chosen mode's page granularity.
	ErrInvalidSize = errors.New("invalid memory size")
)

// SelectBacking validates cfg and returns the backing mode to construct the
// VM's memory with. It is a pure function with no side effects: it runs
// before any host resource is touched, and a rejected configuration means
// the VM never starts.
//
// Ballooning, differential snapshots and initrd loading each require byte-
// or base-page-granular tracking of guest memory state, which a mapping
// made exclusively of 2 MiB pages cannot provide. Those combinations are
// rejected rather than silently degraded.
func SelectBacking(cfg Config) (BackingMode, error) {
	mode := cfg.BackingMode
	if mode == BackingHugePages2M {
		switch {
		case cfg.BalloonEnabled:
			return 0, fmt.Errorf("%w: balloon device cannot be used with %v backing", ErrIncompatibleFeatures, mode)
		case cfg.DiffSnapshotEnabled:
			return 0, fmt.Errorf("%w: differential snapshots cannot be used with %v backing", ErrIncompatibleFeatures, mode)
		case cfg.InitrdPresent:
			return 0, fmt.Errorf("%w: initrd cannot be used with %v backing", ErrIncompatibleFeatures, mode)
		}
	}
	if cfg.TotalSize == 0 || cfg.TotalSize%mode.PageSize() != 0 {
		return 0, fmt.Errorf("%w: %d bytes is not a positive multiple of %d", ErrInvalidSize, cfg.TotalSize, mode.PageSize())
	}
	return mode, nil
}
