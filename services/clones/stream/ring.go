// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

// defaultRingCapacity is the initial lookahead capacity.
const defaultRingCapacity = 8

// ring is a growable circular FIFO.
//
// # Description
//
// O(1) push and pop. Unlike a fixed ring it never overwrites: a push into
// a full ring doubles the capacity, so every buffered item is delivered.
//
// # Thread Safety
//
// NOT safe for concurrent use; caller must synchronize.
type ring[T any] struct {
	data  []T
	tail  int // First element position
	count int // Current number of elements
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &ring[T]{data: make([]T, capacity)}
}

// push appends an item at the newest end.
func (r *ring[T]) push(item T) {
	if r.count == len(r.data) {
		r.grow()
	}
	r.data[(r.tail+r.count)%len(r.data)] = item
	r.count++
}

// pop removes and returns the oldest item.
func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	item := r.data[r.tail]
	r.data[r.tail] = zero // Clear reference
	r.tail = (r.tail + 1) % len(r.data)
	r.count--
	return item, true
}

// at returns the i-th oldest item (0-based). i must be < len.
func (r *ring[T]) at(i int) T {
	return r.data[(r.tail+i)%len(r.data)]
}

func (r *ring[T]) len() int {
	return r.count
}

// clear drops all items, keeping the capacity.
func (r *ring[T]) clear() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.tail = 0
	r.count = 0
}

func (r *ring[T]) grow() {
	data := make([]T, 2*len(r.data))
	// Copy from tail to end, then from start to the wrap point
	n := copy(data, r.data[r.tail:])
	copy(data[n:], r.data[:r.tail])
	r.data = data
	r.tail = 0
}
