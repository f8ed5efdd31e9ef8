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

package slab

import (
	"errors"
	"testing"
)

type fakeAllocator struct {
	fail  bool
	freed int
}

func (a *fakeAllocator) Alloc(n int) ([]int, error) {
	if a.fail {
		return nil, errors.New("backing store exhausted")
	}
	return make([]int, n), nil
}

func (a *fakeAllocator) Free(s []int) error {
	a.freed++
	return nil
}

func TestNewAndAt(t *testing.T) {
	a := &fakeAllocator{}
	l, err := New[int](a, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", l.Len())
	}
	for i := 0; i < 4; i++ {
		p, ok := l.At(i)
		if !ok {
			t.Fatalf("At(%d) not found", i)
		}
		*p = i * 10
	}
	for i := 0; i < 4; i++ {
		p, ok := l.At(i)
		if !ok || *p != i*10 {
			t.Fatalf("At(%d) = %v, ok=%v, want %d", i, p, ok, i*10)
		}
	}
	if _, ok := l.At(4); ok {
		t.Fatalf("At(4) should be out of range before growth")
	}
	if _, ok := l.At(-1); ok {
		t.Fatalf("At(-1) should be out of range")
	}
}

func TestAppendGrows(t *testing.T) {
	a := &fakeAllocator{}
	l, err := New[int](a, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := l.Append(); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if l.Len() != 8 {
		t.Fatalf("Len() = %d, want 8", l.Len())
	}
	p, ok := l.At(4)
	if !ok {
		t.Fatalf("At(4) not found after growth")
	}
	*p = 99
	p2, ok := l.At(4)
	if !ok || *p2 != 99 {
		t.Fatalf("At(4) = %v after write, want 99", p2)
	}
}

func TestNewAllocFailure(t *testing.T) {
	a := &fakeAllocator{fail: true}
	if _, err := New[int](a, 4); err == nil {
		t.Fatalf("New with failing allocator should fail")
	}
}

func TestAppendAllocFailure(t *testing.T) {
	a := &fakeAllocator{}
	l, err := New[int](a, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.fail = true
	if _, err := l.Append(); err == nil {
		t.Fatalf("Append with failing allocator should fail")
	}
	// List must remain usable at its pre-growth size.
	if l.Len() != 4 {
		t.Fatalf("Len() = %d, want 4 after failed append", l.Len())
	}
}

func TestRemoveHeadAndMiddle(t *testing.T) {
	a := &fakeAllocator{}
	l, err := New[int](a, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n2, err := l.Append()
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	n3, err := l.Append()
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := l.Remove(n2); err != nil {
		t.Fatalf("Remove(middle): %v", err)
	}
	if l.Len() != 4 {
		t.Fatalf("Len() = %d, want 4 after removing middle node", l.Len())
	}
	if a.freed != 1 {
		t.Fatalf("freed = %d, want 1", a.freed)
	}

	head := l.Head()
	if err := l.Remove(head); err != nil {
		t.Fatalf("Remove(head): %v", err)
	}
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 after removing head", l.Len())
	}
	if l.Head() != n3 {
		t.Fatalf("Head() after removing old head should be the remaining node")
	}
}

func TestRemoveNotFound(t *testing.T) {
	a := &fakeAllocator{}
	l, err := New[int](a, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	other := &Node[int]{Slab: make([]int, 2)}
	if err := l.Remove(other); err == nil {
		t.Fatalf("Remove of a node not in the list should fail")
	}
}
