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

// Package memfault detects host-level memory-access faults delivered over
// mapped guest memory and converts them into a defined failure outcome.
//
// When guest memory is backed by a huge page pool, reservation against the
// pool is lazy: creating and mapping the backing object succeeds even if the
// pool is too small, and the kernel raises SIGBUS only when a guest access
// first touches a page it cannot back. There is no recovery from that
// condition; the only correct reaction is to stop all guest execution and
// tear the VM down.
//
// A Monitor is a two-state machine (Armed, Faulted). All monitor accesses to
// guest memory must go through Monitor.Protect (or helpers built on it),
// which turns the fault into an ExhaustionError, transitions the monitor to
// Faulted exactly once, and signals the owning supervisor through a
// pre-created notification channel. The transition is one-way.
package memfault

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"
)

// State is the monitor state.
type State uint32

const (
	// Armed means mappings are live and no fault has been observed.
	Armed State = iota

	// Faulted means a host memory-access fault was delivered over a mapped
	// guest memory range. Terminal.
	Faulted
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

// ExhaustionError is returned when a guest memory access faulted because the
// host backing pool could not materialize a page. It is distinct from every
// construction-time error so callers can tell pool exhaustion apart from
// emulation bugs.
type ExhaustionError struct {
	// Addr is the host virtual address at which the fault occurred, or zero
	// if the host did not report one.
	Addr uintptr
}

// Error implements error.Error.
func (e ExhaustionError) Error() string {
	return fmt.Sprintf("guest memory backing exhausted: memory fault at %#x", e.Addr)
}

// Monitor observes asynchronous memory-access faults over guest memory.
//
// The zero value is not usable; call NewMonitor.
type Monitor struct {
	// state holds a State value. Transitions Armed -> Faulted exactly once.
	state atomic.Uint32

	// faultAddr is the host address of the first observed fault. Written
	// before state is published, read only after state reads Faulted.
	faultAddr atomic.Uintptr

	// notify is closed on the Armed -> Faulted transition. Created before
	// any guest access so the trip path performs no allocation.
	notify chan struct{}

	// onFault, if set, runs once after the transition, outside the fault
	// path. Used for metrics and logging hooks.
	onFault func(ExhaustionError)
}

// NewMonitor returns an armed Monitor.
func NewMonitor() *Monitor {
	return &Monitor{notify: make(chan struct{})}
}

// SetFaultHook registers f to run once when the monitor trips. Must be
// called before any guest access is protected by the monitor.
func (m *Monitor) SetFaultHook(f func(ExhaustionError)) {
	m.onFault = f
}

// State returns the current state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Done returns a channel that is closed when the monitor trips. The owning
// supervisor selects on it and tears the VM down when it fires.
func (m *Monitor) Done() <-chan struct{} {
	return m.notify
}

// Err returns nil while Armed, and the ExhaustionError after the monitor has
// tripped.
func (m *Monitor) Err() error {
	if m.State() != Faulted {
		return nil
	}
	return ExhaustionError{Addr: m.faultAddr.Load()}
}

// trip marks the monitor Faulted and wakes the supervisor. Safe to call from
// any goroutine; only the first call takes effect. Does not allocate.
func (m *Monitor) trip(addr uintptr) bool {
	m.faultAddr.CompareAndSwap(0, addr)
	if !m.state.CompareAndSwap(uint32(Armed), uint32(Faulted)) {
		return false
	}
	close(m.notify)
	return true
}

// Protect runs f, converting a memory-access fault raised by f into an
// ExhaustionError and tripping the monitor. Any other panic propagates
// unchanged.
//
// Once the monitor has tripped, Protect fails immediately without running f:
// no further guest access proceeds after detection.
func (m *Monitor) Protect(f func()) (err error) {
	if m.State() == Faulted {
		return ExhaustionError{Addr: m.faultAddr.Load()}
	}

	// Faults over the protected access become recoverable panics rather
	// than killing the process.
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		r := recover()
		if r == nil {
			return
		}
		re, ok := r.(runtime.Error)
		if !ok {
			panic(r)
		}
		// A fault panic carries the faulting address; anything else is a
		// genuine runtime error from f and must not be swallowed.
		fe, ok := re.(interface{ Addr() uintptr })
		if !ok {
			panic(r)
		}
		addr := fe.Addr()
		first := m.trip(addr)
		err = ExhaustionError{Addr: addr}
		if first && m.onFault != nil {
			m.onFault(ExhaustionError{Addr: addr})
		}
	}()

	f()
	return nil
}

// Copy copies between guest memory and an ordinary buffer under the
// monitor's protection, returning the number of bytes copied.
func (m *Monitor) Copy(dst, src []byte) (int, error) {
	var n int
	err := m.Protect(func() {
		n = copy(dst, src)
	})
	return n, err
}
