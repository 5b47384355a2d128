// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream provides pull-based lazy iteration with lookahead.
//
// A Cursor wraps a producer function and buffers produced items in a ring
// so callers can peek ahead without consuming. A Provider adds the
// Init-once lifecycle on top of a Source, for producers that need a root
// (a file, an element) before they can produce.
//
// Everything here is single-threaded and synchronous: each call runs to
// completion and no goroutines are started.
package stream

import (
	"errors"
	"fmt"
)

// ErrInvalidLookahead is returned by Peek for distances below 1.
var ErrInvalidLookahead = errors.New("stream: lookahead distance must be >= 1")

// Cursor is a lazy sequence with lookahead.
//
// # Description
//
// Items come from produce, which is only called when the lookahead buffer
// cannot satisfy a request. Once produce reports exhaustion it is never
// called again and the cursor stays exhausted. A producer error is sticky:
// items buffered before it are still served, after which every call
// returns the error.
//
// # Thread Safety
//
// NOT safe for concurrent use.
type Cursor[T any] struct {
	produce func() (T, bool, error)
	buf     *ring[T]
	done    bool
	err     error
}

// NewCursor creates a cursor over produce.
//
// produce returns (item, true, nil) for each item, (_, false, nil) once
// exhausted, or a non-nil error.
func NewCursor[T any](produce func() (T, bool, error)) *Cursor[T] {
	return &Cursor[T]{produce: produce, buf: newRing[T](defaultRingCapacity)}
}

// Next consumes and returns the next item.
//
// Outputs:
//
//	T - The item.
//	bool - False once the sequence is exhausted or has failed.
//	error - The sticky producer error, if any.
func (c *Cursor[T]) Next() (T, bool, error) {
	if c.buf.len() == 0 {
		c.fill(1)
	}
	if item, ok := c.buf.pop(); ok {
		return item, true, nil
	}
	var zero T
	return zero, false, c.err
}

// Peek returns the item n positions ahead (1-based) without consuming it.
// Peek(1) returns what the next Next call will return.
func (c *Cursor[T]) Peek(n int) (T, bool, error) {
	var zero T
	if n < 1 {
		return zero, false, fmt.Errorf("%w: got %d", ErrInvalidLookahead, n)
	}
	c.fill(n)
	if c.buf.len() >= n {
		return c.buf.at(n - 1), true, nil
	}
	return zero, false, c.err
}

// Buffered returns the number of produced but unconsumed items.
func (c *Cursor[T]) Buffered() int {
	return c.buf.len()
}

// Err returns the sticky producer error, if any.
func (c *Cursor[T]) Err() error {
	return c.err
}

// fill produces until n items are buffered or the producer stops.
func (c *Cursor[T]) fill(n int) {
	for c.buf.len() < n && !c.done && c.err == nil {
		item, ok, err := c.produce()
		switch {
		case err != nil:
			c.err = err
		case !ok:
			c.done = true
		default:
			c.buf.push(item)
		}
	}
}

// reset drops buffered items and state, keeping the producer.
func (c *Cursor[T]) reset() {
	c.buf.clear()
	c.done = false
	c.err = nil
}

// FromSlice returns a producer yielding items in order.
func FromSlice[T any](items []T) func() (T, bool, error) {
	i := 0
	return func() (T, bool, error) {
		if i >= len(items) {
			var zero T
			return zero, false, nil
		}
		i++
		return items[i-1], true, nil
	}
}

// Drain calls next until exhaustion and returns the items it produced.
// Pass a Cursor's Next or a Provider's GetNext.
func Drain[T any](next func() (T, bool, error)) ([]T, error) {
	var out []T
	for {
		item, ok, err := next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, item)
	}
}
