// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package set provides a small generic set, trimmed from the teacher's
// fuller collection-utility package down to the handful of operations
// package allowlist actually needs to hold Ed25519 P2P public keys
// (spec.md §4.2): replace-the-whole-set on every snapshot, then
// membership checks on the hot connection-gate path.
package set

import (
	"golang.org/x/exp/maps"
)

// minSetSize is the smallest map capacity Add bothers pre-sizing to; an
// epoch's client list is rarely below this.
const minSetSize = 16

// Set is a set of elements.
type Set[T comparable] map[T]struct{}

// NewSet returns a new set with initial capacity [size].
// More or less than [size] elements can be added to this set.
// Using NewSet() rather than Set[T]{} is just an optimization that can
// be used if you know how many elements will be put in this set.
func NewSet[T comparable](size int) Set[T] {
	if size < 0 {
		return Set[T]{}
	}
	return make(map[T]struct{}, size)
}

func (s *Set[T]) resize(size int) {
	if *s == nil {
		if minSetSize > size {
			size = minSetSize
		}
		*s = make(map[T]struct{}, size)
	}
}

// Add all the elements to this set.
// If the element is already in the set, nothing happens.
func (s *Set[T]) Add(elts ...T) {
	s.resize(2 * len(elts))
	for _, elt := range elts {
		(*s)[elt] = struct{}{}
	}
}

// Contains returns true iff the set contains this element.
func (s *Set[T]) Contains(elt T) bool {
	_, contains := (*s)[elt]
	return contains
}

// Len returns the number of elements in this set.
func (s Set[_]) Len() int {
	return len(s)
}

// List converts this set into a list. Order is unspecified.
func (s Set[T]) List() []T {
	return maps.Keys(s)
}
