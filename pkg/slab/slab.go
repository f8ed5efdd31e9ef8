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

// Package slab implements a grow-only slab-linked-list allocator: a list
// of fixed-size slabs that hands out stable integer indices, used by
// pkg/enclave's registry to back enclave descriptors.
//
// Unlike the C original, there is no manual header-plus-carve arithmetic:
// Go already owns slice memory layout, so a "slab" is simply a slice of N
// zero-valued elements. What the allocator still owns is append-only
// growth, stable (node, offset) -> global index arithmetic, and an
// Allocator seam so the backing store (mm_alloc in the original) stays an
// opaque, swappable interface.
package slab

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrInvalidSlabSize is returned by New when slabNum is not positive.
var ErrInvalidSlabSize = errors.New("slab: slabNum must be positive")

// ErrAllocFailed is returned when the backing Allocator cannot produce a
// new slab, even after retrying. This is a resource-exhaustion error.
var ErrAllocFailed = errors.New("slab: backing allocator exhausted")

// Allocator is the opaque backing-store interface the C original calls
// mm_alloc/mm_free, consumed here purely as an opaque interface. Alloc
// must return a slice of exactly n zero-valued elements, or an error if
// the backing store cannot satisfy the request.
type Allocator[E any] interface {
	Alloc(n int) ([]E, error)
}

// Freer is an optional capability an Allocator may implement to reclaim a
// removed node's backing slice. Allocators that can't or don't need to
// free anything (e.g. a plain make()-based allocator) simply don't
// implement it.
type Freer[E any] interface {
	Free(slab []E) error
}

// Node is one link in the slab chain. Its Slab field holds slabNum
// elements; index i within the overall list lives in the node that
// contains cumulative offset i, the arithmetic List.At uses.
type Node[E any] struct {
	Slab []E
	next *Node[E]
}

// List is a growable, append-only chain of equal-size slabs.
type List[E any] struct {
	alloc   Allocator[E]
	slabNum int
	head    *Node[E]
	tail    *Node[E]
}

// New allocates the first node and returns a ready List, mirroring
// init(mem_size, slab_size) in the C original. It fails when slabNum is
// not positive, or when the backing allocator still fails after
// allocWithRetry's retries.
func New[E any](alloc Allocator[E], slabNum int) (*List[E], error) {
	if slabNum <= 0 {
		return nil, ErrInvalidSlabSize
	}
	slab, err := allocWithRetry(alloc, slabNum)
	if err != nil {
		return nil, err
	}
	head := &Node[E]{Slab: slab}
	return &List[E]{alloc: alloc, slabNum: slabNum, head: head, tail: head}, nil
}

// allocWithRetry wraps alloc.Alloc with a short bounded exponential
// backoff, so a transient backing-store failure (e.g. a momentarily
// contended host mmap) doesn't immediately surface as ErrAllocFailed —
// only a sustained failure does.
func allocWithRetry[E any](alloc Allocator[E], n int) ([]E, error) {
	var slab []E
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = 50 * time.Millisecond
	op := func() error {
		s, err := alloc.Alloc(n)
		if err != nil {
			return err
		}
		slab = s
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, ErrAllocFailed
	}
	return slab, nil
}

// SlabNum returns the number of elements per node.
func (l *List[E]) SlabNum() int {
	return l.slabNum
}

// Head returns the first node in the chain.
func (l *List[E]) Head() *Node[E] {
	return l.head
}

// Next returns the node following n, or nil at the end of the chain.
func (l *List[E]) Next(n *Node[E]) *Node[E] {
	return n.next
}

// Append grows the list by one node, mirroring append(tail) in the C
// original: the new node's layout mirrors the head's (same slabNum).
func (l *List[E]) Append() (*Node[E], error) {
	slab, err := allocWithRetry(l.alloc, l.slabNum)
	if err != nil {
		return nil, err
	}
	n := &Node[E]{Slab: slab}
	l.tail.next = n
	l.tail = n
	return n, nil
}

// At locates the element at global index i, returning a pointer to it (so
// callers can mutate in place) and true, or (nil, false) if i is out of
// range. This is O(length) in the number of nodes: it locates by
// cumulative index arithmetic across nodes.
func (l *List[E]) At(i int) (*E, bool) {
	if i < 0 {
		return nil, false
	}
	count := 0
	for n := l.head; n != nil; n = n.next {
		if i < count+len(n.Slab) {
			return &n.Slab[i-count], true
		}
		count += len(n.Slab)
	}
	return nil, false
}

// Len returns the total element capacity across all nodes (not the number
// of elements in any particular state — callers track occupancy
// themselves, as the C original does via the state field).
func (l *List[E]) Len() int {
	count := 0
	for n := l.head; n != nil; n = n.next {
		count += len(n.Slab)
	}
	return count
}

// Remove unlinks node n from the list and returns its backing slice to the
// allocator if it supports Freer. Mirrors remove(head*, node) in the C
// original: O(length), and it is the caller's responsibility to ensure the
// node is empty (no descriptor within it is pinned) before calling this.
// Nodes are freed only when the whole node is empty; normal operation
// never shrinks the list.
func (l *List[E]) Remove(n *Node[E]) error {
	if l.head == n {
		l.head = n.next
		if l.tail == n {
			l.tail = l.head
		}
		return l.free(n)
	}
	for cur := l.head; cur != nil; cur = cur.next {
		if cur.next == n {
			cur.next = n.next
			if l.tail == n {
				l.tail = cur
			}
			return l.free(n)
		}
	}
	return errors.New("slab: node not found in list")
}

func (l *List[E]) free(n *Node[E]) error {
	if f, ok := l.alloc.(Freer[E]); ok {
		return f.Free(n.Slab)
	}
	return nil
}
