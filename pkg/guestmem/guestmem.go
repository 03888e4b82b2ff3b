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

// Package guestmem decides how a guest VM's RAM is physically backed on the
// host, constructs the mappings that give the guest address space its
// contents, and enforces which features may coexist with a chosen backing
// strategy.
//
// Construction runs configuration -> backing policy -> region allocator ->
// address space mapper, and arms a fault monitor for the lifetime of the
// mappings. The sealed address space is immutable; vCPU threads translate
// against it concurrently with no locking.
package guestmem

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/roypat/firecracker/pkg/hostmem"
	"github.com/roypat/firecracker/pkg/memfault"
)

// Memory is a VM's guest memory for its whole lifetime: the sealed address
// space plus the armed fault monitor. It is created once at VM construction
// and destroyed once at VM teardown.
type Memory struct {
	mode    BackingMode
	as      *AddressSpace
	monitor *memfault.Monitor
}

// New builds guest memory for the given configuration using the host's
// memfd facility.
func New(cfg Config) (*Memory, error) {
	return NewWithAllocator(cfg, NewAllocator())
}

// NewWithAllocator is New with an explicit allocator, letting tests supply
// fake host backends.
//
// Any failure unwinds every region allocated or mapped in the same attempt;
// a partially constructed Memory is never returned.
func NewWithAllocator(cfg Config, alloc *Allocator) (*Memory, error) {
	mode, err := SelectBacking(cfg)
	if err != nil {
		return nil, err
	}

	b := NewBuilder()
	for _, span := range ArchSpans(cfg.TotalSize) {
		region, err := alloc.Allocate(span.Size, mode)
		if err != nil {
			return nil, multierror.Append(err, b.Discard()).ErrorOrNil()
		}
		if err := b.Map(region, span.GuestOffset); err != nil {
			region.Close()
			return nil, multierror.Append(err, b.Discard()).ErrorOrNil()
		}
	}
	as, err := b.Seal()
	if err != nil {
		return nil, multierror.Append(err, b.Discard()).ErrorOrNil()
	}
	if as.TotalSize() != cfg.TotalSize {
		as.Destroy()
		return nil, fmt.Errorf("mapped %d bytes, configuration requested %d", as.TotalSize(), cfg.TotalSize)
	}

	logrus.WithFields(logrus.Fields{
		"total":   cfg.TotalSize,
		"mode":    mode,
		"regions": len(as.Regions()),
	}).Info("guest memory constructed")

	return &Memory{
		mode:    mode,
		as:      as,
		monitor: newArmedMonitor(),
	}, nil
}

// RestoreMemory rebuilds guest memory from a layout snapshot. The host's
// ability to satisfy the recorded backing modes is checked against pool
// before anything is allocated.
func RestoreMemory(snap *LayoutSnapshot, alloc *Allocator, pool hostmem.Pool) (*Memory, error) {
	as, err := Restore(snap, alloc, pool)
	if err != nil {
		return nil, err
	}
	mode := BackingStandard
	for _, r := range snap.Records {
		if r.Mode == BackingHugePages2M {
			mode = BackingHugePages2M
		}
	}
	return &Memory{
		mode:    mode,
		as:      as,
		monitor: newArmedMonitor(),
	}, nil
}

// newArmedMonitor returns a monitor wired to the package metrics.
func newArmedMonitor() *memfault.Monitor {
	m := memfault.NewMonitor()
	m.SetFaultHook(func(e memfault.ExhaustionError) {
		exhaustionFaults.Inc()
		logrus.WithField("addr", fmt.Sprintf("%#x", e.Addr)).
			Error("guest memory backing pool exhausted, VM must be torn down")
	})
	return m
}

// Mode returns the backing mode chosen at construction.
func (m *Memory) Mode() BackingMode {
	return m.mode
}

// AddressSpace returns the translation table for vCPU execution and device
// emulation.
func (m *Memory) AddressSpace() *AddressSpace {
	return m.as
}

// Monitor returns the fault monitor wrapping the mappings' lifetime. The VM
// supervisor must watch Monitor().Done() and tear the VM down when it
// fires.
func (m *Memory) Monitor() *memfault.Monitor {
	return m.monitor
}

// Snapshot captures the layout metadata needed to rebuild this memory on
// restore.
func (m *Memory) Snapshot() *LayoutSnapshot {
	return Capture(m.as)
}

// ReadAt copies guest memory at gpa into buf under the fault monitor's
// protection.
func (m *Memory) ReadAt(gpa uint64, buf []byte) error {
	src, err := m.as.Slice(gpa, uint64(len(buf)))
	if err != nil {
		return err
	}
	_, err = m.monitor.Copy(buf, src)
	return err
}

// WriteAt copies buf into guest memory at gpa under the fault monitor's
// protection.
func (m *Memory) WriteAt(gpa uint64, buf []byte) error {
	dst, err := m.as.Slice(gpa, uint64(len(buf)))
	if err != nil {
		return err
	}
	_, err = m.monitor.Copy(dst, buf)
	return err
}

// Destroy unmaps and releases all guest memory. It must be the last
// operation on the Memory, after every vCPU thread has stopped.
func (m *Memory) Destroy() error {
	return m.as.Destroy()
}
