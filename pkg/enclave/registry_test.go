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
)

type fakeDescAlloc struct{}

func (fakeDescAlloc) Alloc(n int) ([]Descriptor, error) {
	return make([]Descriptor, n), nil
}

func TestRegistryAllocUniqueEIDs(t *testing.T) {
	r, err := NewRegistry(fakeDescAlloc{}, 2)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	seen := map[int]bool{}
	for i := 0; i < 5; i++ {
		eid, err := r.Alloc(func(eid int) (*Descriptor, error) {
			return &Descriptor{EID: eid, State: Fresh, HostPTBR: 0xAAAA}, nil
		})
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if seen[eid] {
			t.Fatalf("eid %d reused while still live", eid)
		}
		seen[eid] = true
	}
	if got, want := r.Len(), 6; got != want {
		t.Fatalf("Len() = %d, want %d (registry should have grown)", got, want)
	}
}

func TestRegistryFreeAndReuseSlot(t *testing.T) {
	r, err := NewRegistry(fakeDescAlloc{}, 2)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	eid, err := r.Alloc(func(eid int) (*Descriptor, error) {
		return &Descriptor{EID: eid, State: Fresh}, nil
	})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := r.Free(eid); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := r.Get(eid); err != ErrNotFound {
		t.Fatalf("Get after Free: err = %v, want ErrNotFound", err)
	}
	// Capacity must not have grown: the freed slot is reusable.
	if got, want := r.Len(), 2; got != want {
		t.Fatalf("Len() = %d, want %d", got, want)
	}
}

// TestRegistryAllocReusesLowestFreedEID exercises the free/reuse property
// directly: eid must be derived from slot position, so freeing a slot and
// then Allocing again hands back that same eid rather than a fresh,
// strictly-higher one.
func TestRegistryAllocReusesLowestFreedEID(t *testing.T) {
	r, err := NewRegistry(fakeDescAlloc{}, 4)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	var eids []int
	for i := 0; i < 3; i++ {
		eid, err := r.Alloc(func(eid int) (*Descriptor, error) {
			return &Descriptor{EID: eid, State: Fresh}, nil
		})
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		eids = append(eids, eid)
	}
	// Free the middle slot; the next Alloc must reoccupy exactly that eid,
	// not append a new, higher one.
	if err := r.Free(eids[1]); err != nil {
		t.Fatalf("Free: %v", err)
	}
	got, err := r.Alloc(func(eid int) (*Descriptor, error) {
		return &Descriptor{EID: eid, State: Fresh}, nil
	})
	if err != nil {
		t.Fatalf("Alloc after Free: %v", err)
	}
	if got != eids[1] {
		t.Fatalf("Alloc after Free = %d, want reused eid %d", got, eids[1])
	}
}

func TestRegistryDoubleFreeRejected(t *testing.T) {
	r, err := NewRegistry(fakeDescAlloc{}, 2)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	eid, err := r.Alloc(func(eid int) (*Descriptor, error) {
		return &Descriptor{EID: eid, State: Fresh}, nil
	})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := r.Free(eid); err != nil {
		t.Fatalf("first Free: %v", err)
	}
	// The slot is now Invalid; a second Free must fail rather than
	// silently succeed or corrupt the slot.
	if err := r.Free(eid); err == nil {
		t.Fatalf("double Free should fail")
	}
}

func TestRegistryForeignHostRejected(t *testing.T) {
	r, err := NewRegistry(fakeDescAlloc{}, 2)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	eid, err := r.Alloc(func(eid int) (*Descriptor, error) {
		return &Descriptor{EID: eid, State: Fresh, HostPTBR: 0x1}, nil
	})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	err = r.With(eid, 0x2, true, func(d *Descriptor) error { return nil })
	if err != ErrForeignHost {
		t.Fatalf("With foreign host: err = %v, want ErrForeignHost", err)
	}
}

func TestRegistryGetNotFound(t *testing.T) {
	r, err := NewRegistry(fakeDescAlloc{}, 2)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := r.Get(99); err != ErrNotFound {
		t.Fatalf("Get(99): err = %v, want ErrNotFound", err)
	}
}
