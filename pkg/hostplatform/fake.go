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

package hostplatform

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Fake is a Linux-backed stand-in for a real PMP/IOMMU platform, good
// enough to drive pkg/enclave and pkg/monitor in tests and in the
// enclavectl demo CLI without real RISC-V hardware underneath. Physical
// memory is modeled as one anonymous mmap arena; Grant/Retrieve toggle
// PROT_NONE over the relevant byte range with mprotect the same way a PMP
// reconfiguration would toggle hardware access, and host memory writes
// land directly in that arena.
type Fake struct {
	mu    sync.Mutex
	arena []byte
	base  uint64

	harts map[int]int // hartID -> eid, entered harts only
}

// NewFake mmaps an arena of size bytes to stand in for the machine's
// physical memory and returns a Fake rooted at it. base is the fake
// physical address of arena[0]; callers address into the arena using
// ordinary physical addresses (base..base+size) the way they would
// address real DRAM.
func NewFake(size int, base uint64) (*Fake, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hostplatform: mmap arena: %w", err)
	}
	return &Fake{arena: b, base: base, harts: make(map[int]int)}, nil
}

// Close unmaps the arena. Safe to call once after the Fake is no longer
// needed.
func (f *Fake) Close() error {
	return unix.Munmap(f.arena)
}

// Base returns the fake physical base address of the arena.
func (f *Fake) Base() uint64 { return f.base }

// Size returns the arena's size in bytes.
func (f *Fake) Size() int { return len(f.arena) }

func (f *Fake) slice(paddr, size uint64) ([]byte, error) {
	if paddr < f.base || paddr+size > f.base+uint64(len(f.arena)) || paddr+size < paddr {
		return nil, fmt.Errorf("hostplatform: range [%#x,%#x) outside arena [%#x,%#x)",
			paddr, paddr+size, f.base, f.base+uint64(len(f.arena)))
	}
	off := paddr - f.base
	return f.arena[off : off+size], nil
}

// Grant implements AccessController by mprotecting the range PROT_NONE,
// simulating a PMP entry that now excludes the host.
func (f *Fake) Grant(eid int, paddr, size uint64) error {
	b, err := f.slice(paddr, size)
	if err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

// Retrieve implements AccessController by restoring read/write access.
func (f *Fake) Retrieve(eid int, paddr, size uint64) error {
	b, err := f.slice(paddr, size)
	if err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
}

// Scrub implements MemoryScrubber by zeroing the byte range in the arena.
// Callers must have already restored read/write access via Retrieve.
func (f *Fake) Scrub(paddr, size uint64) error {
	b, err := f.slice(paddr, size)
	if err != nil {
		return err
	}
	for i := range b {
		b[i] = 0
	}
	return nil
}

// Enter implements HartIsolation by recording that hartID now belongs to
// eid, so Confirm can later cross-check pkg/enclave's own bookkeeping.
func (f *Fake) Enter(hartID, eid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.harts[hartID] = eid
	return nil
}

// Leave implements HartIsolation by clearing the hart's isolation record.
func (f *Fake) Leave(hartID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.harts, hartID)
	return nil
}

// Confirm implements HartIsolation.
func (f *Fake) Confirm(hartID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.harts[hartID]
	return ok
}

// TraverseVMAs returns a single synthetic text VMA followed by a synthetic
// stack VMA anchored at rootPT, standing in for the real page-table walk a
// host loader's page table would yield. This is sufficient for enclave
// creation, which only records the text and stack VMAs' extents and needs
// no real translations.
func (f *Fake) TraverseVMAs(rootPT uint64) ([]VMA, error) {
	const textSize = 4 * PageSizeFake
	const stackSize = 2 * PageSizeFake
	return []VMA{
		{Start: rootPT, End: rootPT + textSize, Kind: VMAText},
		{Start: rootPT + textSize, End: rootPT + textSize + stackSize, Kind: VMAStack},
	}, nil
}

// PageSizeFake mirrors csr.PageSize as a local constant, so hostplatform
// does not import pkg/csr.
const PageSizeFake = 4096

// Mmap is a no-op in the fake: there is no real page table to edit, only
// the flat arena every physical address already addresses directly. It
// still validates the range the way a real implementation would reject an
// out-of-bounds request.
func (f *Fake) Mmap(rootPT uint64, vaddr, paddr, size uint64) error {
	_, err := f.slice(paddr, size)
	return err
}

// WriteWord implements HostWriter.
func (f *Fake) WriteWord(ptr HostPtr, value uint32) error {
	b, err := f.slice(uint64(ptr), 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, value)
	return nil
}

// WriteDWord implements HostWriter.
func (f *Fake) WriteDWord(ptr HostPtr, value uint64) error {
	b, err := f.slice(uint64(ptr), 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, value)
	return nil
}

// Debug returns the arena's backing bytes for [paddr, paddr+size), for
// tests that need to inspect raw memory content (e.g. confirming a scrub
// actually zeroed the bytes) rather than going through a HostWriter/Reader
// method. The returned slice aliases the arena: mutating it mutates what
// the Fake sees as physical memory.
func (f *Fake) Debug(paddr, size uint64) ([]byte, error) {
	return f.slice(paddr, size)
}

// ReadDWord is a test/demo convenience not required by any core interface:
// it lets callers observe what the monitor wrote through a HostPtr (e.g.
// asserting on the eid written back to eid_ptr).
func (f *Fake) ReadDWord(ptr HostPtr) (uint64, error) {
	b, err := f.slice(uint64(ptr), 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

var _ Platform = (*Fake)(nil)

// PageAllocator is a bounded slab.Allocator[E] for pkg/slab to grow the
// registry with: it counts the elements handed out against a fixed
// capacity and returns fresh slices from make(). It does not touch a
// Fake's arena. It has no Free method, so it implements neither
// slab.Freer nor MemAllocator: the registry never shrinks during normal
// operation.
type PageAllocator[E any] struct {
	mu   sync.Mutex
	next int
	max  int
}

// NewPageAllocator returns an Allocator that can produce up to maxElems
// total elements of type E before failing, modeling a bounded
// backing-store capacity that reports resource exhaustion once spent.
func NewPageAllocator[E any](maxElems int) *PageAllocator[E] {
	return &PageAllocator[E]{max: maxElems}
}

// Alloc implements slab.Allocator.
func (p *PageAllocator[E]) Alloc(n int) ([]E, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next+n > p.max {
		return nil, fmt.Errorf("hostplatform: page allocator exhausted (%d/%d elements)", p.next, p.max)
	}
	p.next += n
	return make([]E, n), nil
}
