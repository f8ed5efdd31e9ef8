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
	"fmt"

	"github.com/riscv-sm/enclave-monitor/pkg/csr"
	"github.com/riscv-sm/enclave-monitor/pkg/hostplatform"
)

// ErrKBufferOutOfRange is returned by NewDescriptor when the requested
// kbuffer does not fall entirely within the enclave's reserved physical
// range, mirroring the original create_enclave's kbuffer bounds check.
var ErrKBufferOutOfRange = errors.New("enclave: kbuffer range outside enclave memory")

// ErrInvalidFreeMem is returned by NewDescriptor when free_mem isn't a
// page-aligned address inside [paddr, paddr+size), mirroring
// create_enclave's pma->free_mem bounds check (ENCLAVE_ERROR).
var ErrInvalidFreeMem = errors.New("enclave: free_mem outside enclave memory or misaligned")

// NoEID is the call-chain sentinel meaning "absent": CallerEID,
// TopCallerEID, and CurCalleeEID all read NoEID when there is no link.
const NoEID = -1

// CreateParams bundles every host-supplied field NewDescriptor needs to
// build a Descriptor, translated out of abi.CreateArgs at the
// pkg/monitor boundary so this package never needs to import pkg/abi.
type CreateParams struct {
	RootPT, PAddr, Size uint64
	EntryPoint          uint64
	KBuffer             uint64
	KBufferSize         uint64

	// FreeMem is the low-water physical address (inclusive) the
	// free-page pool is carved down to; it must lie in [PAddr,
	// PAddr+Size) and be page-aligned.
	FreeMem uint64

	// UntrustedPtr/UntrustedSize describe the host-owned buffer handed
	// to the enclave as regs[12]/regs[13] on its first Run.
	UntrustedPtr  uint64
	UntrustedSize uint64

	// OCallFuncID/OCallArg0/OCallArg1/OCallSyscallNum are host addresses
	// (the original's ecall_arg0..3). An OCALL writes its function ID to
	// OCallFuncID, in addition to the monitor's own OCall bookkeeping; the
	// other three are recorded but not written.
	OCallFuncID     hostplatform.HostPtr
	OCallArg0       hostplatform.HostPtr
	OCallArg1       hostplatform.HostPtr
	OCallSyscallNum hostplatform.HostPtr
}

// Descriptor is one enclave's complete metadata, equivalent to the C
// original's struct enclave. A Descriptor never outlives its slot in a
// Registry: Free zeroes it in place before handing the slot back
// (memory scrubbing on destruction).
type Descriptor struct {
	EID   int
	State State

	// RootPT is the physical address of the enclave's root page table,
	// as supplied by the host at creation; Ptbr is the satp value derived
	// from it.
	RootPT uint64
	Ptbr   uint64

	// PAddr/Size bound the enclave's entire reserved physical memory
	// range, the same range AccessController.Grant/Retrieve operate over.
	PAddr uint64
	Size  uint64

	EntryPoint uint64

	// KBuffer/KBufferSize describe the shared argument buffer mapped into
	// the enclave's address space; KBufferVAddr is where it was mapped.
	KBuffer      uint64
	KBufferSize  uint64
	KBufferVAddr uint64

	// UntrustedPtr/UntrustedSize describe the host buffer handed to the
	// enclave on its first Run as regs[12]/regs[13], mirroring
	// run_enclave's untrusted_ptr/untrusted_size parameter pair.
	UntrustedPtr  uint64
	UntrustedSize uint64

	// FreeMem is the low-water mark FreePages was carved down to.
	// FreePages is the free-page pool itself, carved at creation: every
	// page-aligned address in [FreeMem, PAddr+Size), walked from the top
	// of the region down, stored as a LIFO stack so enclave_mmap-style
	// growth (even though the actual mapping side effect is a Non-goal)
	// has somewhere to draw pages from.
	FreeMem   uint64
	FreePages []uint64

	// TextVMA/StackVMA are the two VMAs create_enclave's traversal
	// expects the host's loader to have already populated; StackTop is
	// the stack's current low edge (it only ever grows down in the
	// original, a Non-goal here). HeapVMA/MmapVMA start empty and
	// HeapTop sits at a fixed default base; both grow only via the
	// (Non-goal) enclave_mmap path.
	TextVMA  *hostplatform.VMA
	StackVMA *hostplatform.VMA
	StackTop uint64
	HeapVMA  []hostplatform.VMA
	MmapVMA  []hostplatform.VMA
	HeapTop  uint64

	// Ctx holds the snapshot of the peer world's state that csr.Swap
	// exchanges against the live CPU on every switch.
	Ctx csr.ThreadContext

	// HostPTBR is the satp value of the host process that created this
	// enclave. Host-invoked operations must present a matching value
	// or be rejected, independent
	// of the per-hart authentication world.go performs.
	HostPTBR uint64

	// EIDPtr records the host pointer the assigned eid is written back to.
	// Monitor.Create performs that write from its own arguments after
	// Registry.Alloc has returned and released its lock; it does not read
	// this field.
	EIDPtr hostplatform.HostPtr

	// RetVal is a slot for the enclave's return value. Nothing in
	// pkg/monitor writes it: Monitor.Exit reads the enclave's a0 at exit
	// time and only logs it.
	RetVal uint64

	// OCall carries the pending callback request recorded when the
	// enclave is Ocalling: which function (an abi.OCallID, kept as a bare
	// uint64 here so this package doesn't need to import pkg/abi) and
	// what single argument.
	OCall struct {
		Func uint64
		Arg  uint64
	}

	// OCallFuncID/OCallArg0/OCallArg1/OCallSyscallNum are host-memory
	// addresses supplied at creation time (ecall_arg0..3 in the
	// original). An OCALL writes its function ID to OCallFuncID, for the
	// host to read out of shared memory rather than through the OCall
	// bookkeeping above; the other three are recorded but not written.
	OCallFuncID     hostplatform.HostPtr
	OCallArg0       hostplatform.HostPtr
	OCallArg1       hostplatform.HostPtr
	OCallSyscallNum hostplatform.HostPtr

	// CallerEID/TopCallerEID/CurCalleeEID place this enclave in an
	// inter-enclave call chain: NoEID in all three means neither calling
	// nor called. pkg/monitor's Call/Return are the only writers.
	CallerEID    int
	TopCallerEID int
	CurCalleeEID int
}

// NewDescriptor builds a Fresh Descriptor from host-supplied creation
// parameters, carving the free-page pool the way the original source's
// create_enclave does: validate free_mem and the kbuffer range, traverse
// the loader's page tables to find the VMAs it already populated, then
// walk backward from the top of the reservation down to free_mem for the
// free pool.
func NewDescriptor(eid int, p CreateParams, hostPtbr uint64, pt hostplatform.PageTableBuilder) (*Descriptor, error) {
	if p.FreeMem < p.PAddr || p.FreeMem >= p.PAddr+p.Size || p.FreeMem%csr.PageSize != 0 {
		return nil, ErrInvalidFreeMem
	}
	if p.KBuffer < p.PAddr || p.KBuffer+p.KBufferSize > p.PAddr+p.Size || p.KBuffer+p.KBufferSize < p.KBuffer {
		return nil, ErrKBufferOutOfRange
	}

	vmas, err := pt.TraverseVMAs(p.RootPT)
	if err != nil {
		return nil, fmt.Errorf("enclave: traverse vmas: %w", err)
	}

	d := &Descriptor{
		EID:             eid,
		State:           Fresh,
		RootPT:          p.RootPT,
		Ptbr:            csr.PTBRFromPPN(p.RootPT),
		PAddr:           p.PAddr,
		Size:            p.Size,
		EntryPoint:      p.EntryPoint,
		KBuffer:         p.KBuffer,
		KBufferSize:     p.KBufferSize,
		UntrustedPtr:    p.UntrustedPtr,
		UntrustedSize:   p.UntrustedSize,
		FreeMem:         p.FreeMem,
		HeapTop:         csr.DefaultHeapBase,
		HostPTBR:        hostPtbr,
		OCallFuncID:     p.OCallFuncID,
		OCallArg0:       p.OCallArg0,
		OCallArg1:       p.OCallArg1,
		OCallSyscallNum: p.OCallSyscallNum,
		CallerEID:       NoEID,
		TopCallerEID:    NoEID,
		CurCalleeEID:    NoEID,
	}
	for i := range vmas {
		switch vmas[i].Kind {
		case hostplatform.VMAText:
			d.TextVMA = &vmas[i]
		case hostplatform.VMAStack:
			d.StackVMA = &vmas[i]
			d.StackTop = vmas[i].Start
		}
	}
	d.FreePages = carveFreePages(p.PAddr, p.Size, p.FreeMem)
	return d, nil
}

// carveFreePages returns, in descending address order (so popping from
// the tail of the slice yields ascending addresses — a LIFO stack), every
// page-aligned address in [freeMem, paddr+size), walked backward from the
// top of the region one page at a time, exactly as create_enclave's
// free-page loop does. Unlike a VMA-gap scan, this never depends on what
// the loader's page table happens to already map.
func carveFreePages(paddr, size, freeMem uint64) []uint64 {
	const pageSize = csr.PageSize
	var free []uint64
	for p := paddr + size - pageSize; p >= freeMem; p -= pageSize {
		free = append(free, p)
	}
	return free
}

// PopFreePage removes and returns the next available physical page from
// d's free pool, or (0, false) if it is exhausted.
func (d *Descriptor) PopFreePage() (uint64, bool) {
	if len(d.FreePages) == 0 {
		return 0, false
	}
	p := d.FreePages[len(d.FreePages)-1]
	d.FreePages = d.FreePages[:len(d.FreePages)-1]
	return p, true
}

// PushFreePage returns a physical page to d's free pool.
func (d *Descriptor) PushFreePage(p uint64) {
	d.FreePages = append(d.FreePages, p)
}

// Scrub zeroes every field of d in place, the Go equivalent of the
// original free_enclave's explicit memset over the enclave's metadata:
// destruction scrubs descriptor state as well as enclave memory.
func (d *Descriptor) Scrub() {
	*d = Descriptor{}
}
