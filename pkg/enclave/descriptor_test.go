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
	"testing"

	"github.com/riscv-sm/enclave-monitor/pkg/csr"
	"github.com/riscv-sm/enclave-monitor/pkg/hostplatform"
)

type fakePT struct {
	vmas []hostplatform.VMA
	err  error
}

func (f *fakePT) TraverseVMAs(rootPT uint64) ([]hostplatform.VMA, error) {
	return f.vmas, f.err
}

func (f *fakePT) Mmap(rootPT, vaddr, paddr, size uint64) error { return nil }

func TestNewDescriptorCarvesFreePages(t *testing.T) {
	const paddr = 0x80000000
	const size = 8 * csr.PageSize
	const freeMem = paddr + 4*csr.PageSize
	pt := &fakePT{vmas: []hostplatform.VMA{
		{Start: paddr, End: paddr + 2*csr.PageSize, Kind: hostplatform.VMAText},
		{Start: paddr + 6*csr.PageSize, End: paddr + 8*csr.PageSize, Kind: hostplatform.VMAStack},
	}}
	d, err := NewDescriptor(1, CreateParams{
		RootPT:      paddr,
		PAddr:       paddr,
		Size:        size,
		EntryPoint:  paddr,
		KBuffer:     paddr + 2*csr.PageSize,
		KBufferSize: csr.PageSize,
		FreeMem:     freeMem,
	}, 0x1000, pt)
	if err != nil {
		t.Fatalf("NewDescriptor: %v", err)
	}
	if d.TextVMA == nil || d.TextVMA.Start != paddr {
		t.Fatalf("TextVMA = %+v, want start %#x", d.TextVMA, paddr)
	}
	if d.StackVMA == nil || d.StackTop != paddr+6*csr.PageSize {
		t.Fatalf("StackVMA/StackTop = %+v/%#x, want top %#x", d.StackVMA, d.StackTop, paddr+6*csr.PageSize)
	}
	// Free pages are carved from [freeMem, paddr+size), independent of
	// where the VMAs above happen to sit.
	if got, want := len(d.FreePages), 4; got != want {
		t.Fatalf("len(FreePages) = %d, want %d", got, want)
	}
	want := []uint64{paddr + 4*csr.PageSize, paddr + 5*csr.PageSize, paddr + 6*csr.PageSize, paddr + 7*csr.PageSize}
	for _, w := range want {
		got, ok := d.PopFreePage()
		if !ok || got != w {
			t.Fatalf("PopFreePage() = %#x, ok=%v, want %#x", got, ok, w)
		}
	}
	if _, ok := d.PopFreePage(); ok {
		t.Fatalf("free pool should be exhausted")
	}
}

func TestNewDescriptorKBufferOutOfRange(t *testing.T) {
	pt := &fakePT{}
	_, err := NewDescriptor(1, CreateParams{
		RootPT:      0x1000,
		PAddr:       0x1000,
		Size:        csr.PageSize,
		EntryPoint:  0x1000,
		KBuffer:     0x5000,
		KBufferSize: csr.PageSize,
		FreeMem:     0x1000,
	}, 0x2000, pt)
	if err != ErrKBufferOutOfRange {
		t.Fatalf("err = %v, want ErrKBufferOutOfRange", err)
	}
}

func TestNewDescriptorInvalidFreeMemRejected(t *testing.T) {
	pt := &fakePT{}
	const paddr = 0x80000000
	const size = 4 * csr.PageSize
	base := CreateParams{
		RootPT:      paddr,
		PAddr:       paddr,
		Size:        size,
		EntryPoint:  paddr,
		KBuffer:     paddr,
		KBufferSize: csr.PageSize,
	}
	cases := []struct {
		name    string
		freeMem uint64
	}{
		{"below paddr", paddr - csr.PageSize},
		{"at or past top", paddr + size},
		{"misaligned", paddr + csr.PageSize + 1},
	}
	for _, c := range cases {
		p := base
		p.FreeMem = c.freeMem
		if _, err := NewDescriptor(1, p, 0x1, pt); err != ErrInvalidFreeMem {
			t.Fatalf("%s: err = %v, want ErrInvalidFreeMem", c.name, err)
		}
	}
}

func TestScrubZeroesDescriptor(t *testing.T) {
	d := &Descriptor{EID: 5, State: Running, PAddr: 0x1000}
	d.Scrub()
	if d.EID != 0 || d.State != Invalid || d.PAddr != 0 {
		t.Fatalf("Scrub left non-zero fields: %+v", d)
	}
}
