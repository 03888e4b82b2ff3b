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

// Package hostmem provides tools for interacting with the host Linux kernel's
// virtual memory management subsystem, in particular its pre-reserved huge
// page pools.
//
// The pools themselves are an operating-system resource provisioned by the
// host operator (e.g. via vm.nr_hugepages); this package only observes them.
package hostmem

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// sysHugepagesDir is where the kernel exposes per-size huge page pool state.
const sysHugepagesDir = "/sys/kernel/mm/hugepages"

// PoolInfo describes the state of one host huge page pool.
type PoolInfo struct {
	// PageSize is the pool's page size in bytes.
	PageSize uint64

	// TotalPages is the number of pages reserved in the pool.
	TotalPages uint64

	// FreePages is the number of pages not currently backing any mapping.
	FreePages uint64
}

// Configured reports whether the pool has any pages reserved at all.
func (p PoolInfo) Configured() bool {
	return p.TotalPages > 0
}

// FreeBytes returns the number of bytes the pool can still back.
//
// This is advisory only: reservation against the pool is lazy, so headroom
// observed here can be gone by the time a mapping is first touched.
func (p PoolInfo) FreeBytes() uint64 {
	return p.FreePages * p.PageSize
}

// Pool provides access to the host's huge page pool state. It is an
// interface so tests can substitute hosts with and without provisioned
// pools.
type Pool interface {
	// Info returns the state of the pool with the given page size.
	Info(pageSize uint64) (PoolInfo, error)
}

// SysfsPool reads huge page pool state from sysfs.
type SysfsPool struct {
	root string
}

// NewSysfsPool returns a Pool backed by the running kernel's sysfs.
func NewSysfsPool() *SysfsPool {
	return &SysfsPool{root: sysHugepagesDir}
}

// NewSysfsPoolAt returns a Pool rooted at the given directory instead of
// /sys/kernel/mm/hugepages.
func NewSysfsPoolAt(root string) *SysfsPool {
	return &SysfsPool{root: root}
}

// Info implements Pool.Info.
func (s *SysfsPool) Info(pageSize uint64) (PoolInfo, error) {
	dir := filepath.Join(s.root, fmt.Sprintf("hugepages-%dkB", pageSize/1024))
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			// The kernel does not support this page size at all.
			return PoolInfo{PageSize: pageSize}, nil
		}
		return PoolInfo{}, err
	}

	total, err := readUint(filepath.Join(dir, "nr_hugepages"))
	if err != nil {
		return PoolInfo{}, err
	}
	free, err := readUint(filepath.Join(dir, "free_hugepages"))
	if err != nil {
		return PoolInfo{}, err
	}

	return PoolInfo{
		PageSize:   pageSize,
		TotalPages: total,
		FreePages:  free,
	}, nil
}

// readUint parses a single-value sysfs entry.
func readUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return v, nil
}
