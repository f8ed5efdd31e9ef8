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

// Package hostplatform declares the collaborators that stay explicitly
// external to the monitor's core: the physical memory allocator, the
// page-table builder, and the platform isolation hooks (PMP or
// equivalent). The core
// in pkg/enclave and pkg/monitor only ever talks to these through the
// interfaces here — never to a concrete allocator or MMU implementation —
// so that the lifecycle state machine and the world-switch engine can be
// exercised against the in-memory Fake in fake.go.
package hostplatform

import "fmt"

// HostPtr is an opaque pointer into host memory, as seen from the monitor:
// an address the host gave us (e.g. an eid_ptr or an OCALL argument slot),
// never dereferenced directly by core code. Only a HostWriter knows how
// to resolve one.
type HostPtr uint64

// IsZero reports whether p is the null host pointer.
func (p HostPtr) IsZero() bool { return p == 0 }

// MemAllocator is the mm_alloc/mm_free seam, specialized to a single
// element type; it is never asked to carve raw bytes, since Go slices
// already own their own layout. pkg/slab grows the enclave registry
// through its own slab.Allocator, which is the Alloc half of this
// interface.
type MemAllocator[E any] interface {
	Alloc(n int) ([]E, error)
	Free(s []E) error
}

// AccessController grants and revokes a host process's ability to touch an
// enclave's physical memory — the grant_enclave_access/
// retrieve_enclave_access hooks, backed on real hardware by PMP (or an
// IOMMU/EPT equivalent) and in Fake by mprotect.
type AccessController interface {
	// Grant installs isolation so that only the enclave (not the host) may
	// access [paddr, paddr+size). Called on host->enclave world switch.
	Grant(eid int, paddr, size uint64) error
	// Retrieve reverses Grant. Called on enclave->host world switch.
	Retrieve(eid int, paddr, size uint64) error
}

// HartIsolation is the per-hart half of the platform hooks invoked by
// pkg/enclave's WorldState: enter/exit additionally arm or
// disarm whatever hart-local isolation state the platform needs (e.g.
// per-hart PMP register contents), and Confirm lets
// check_in_enclave_world cross-check the software bookkeeping against the
// actual hardware configuration.
type HartIsolation interface {
	Enter(hartID, eid int) error
	Leave(hartID int) error
	Confirm(hartID int) bool
}

// VMAKind classifies a virtual memory area the way enclave creation does
// when it walks the enclave's initial page tables looking for the text
// and stack regions.
type VMAKind int

const (
	VMAOther VMAKind = iota
	VMAText
	VMAStack
)

// VMA is a virtual memory area as reported by a PageTableBuilder's
// TraverseVMAs, mirroring struct vm_area_struct's va_start/va_end fields.
type VMA struct {
	Start uint64
	End   uint64
	Kind  VMAKind
}

func (v VMA) String() string {
	return fmt.Sprintf("[%#x,%#x)", v.Start, v.End)
}

// PageTableBuilder is the mmap/traverse_vmas seam: the core treats both
// page-table construction and enumeration as opaque. It is used exactly
// twice during creation: once to discover the text and stack VMAs the
// host's loader already built, and once to map the shared kbuffer into
// the enclave's address space.
type PageTableBuilder interface {
	// TraverseVMAs walks the page table rooted at rootPT and returns the
	// VMAs the host's loader has already populated (text/data/bss and
	// stack). The core assumes there is exactly one text VMA and one
	// stack VMA to find.
	TraverseVMAs(rootPT uint64) ([]VMA, error)
	// Mmap maps the physical range [paddr, paddr+size) at virtual address
	// vaddr within the page table rooted at rootPT.
	Mmap(rootPT uint64, vaddr, paddr, size uint64) error
}

// HostWriter is the explicit host-memory-writer capability that replaces
// copy_word_to_host/copy_dword_to_host: the only way the monitor ever
// writes into host memory (the eid_ptr word on create, and the OCALL
// slots on sys_write).
type HostWriter interface {
	WriteWord(ptr HostPtr, value uint32) error
	WriteDWord(ptr HostPtr, value uint64) error
}

// MemoryScrubber zeroes a physical range before the monitor returns it to
// the pool of reusable enclave memory, so a later enclave (or the host)
// never observes the bytes of a destroyed one.
type MemoryScrubber interface {
	Scrub(paddr, size uint64) error
}

// Platform bundles every external collaborator the monitor needs. A single
// implementation (Fake, or a real platform-specific one) usually satisfies
// all five.
type Platform interface {
	AccessController
	HartIsolation
	PageTableBuilder
	HostWriter
	MemoryScrubber
}
