// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package repetition finds periodic repetitions in a sequence.
//
// A repetition is a motif of `period` elements repeated `count` times
// back to back. Elements are compared with a caller-supplied Equator,
// which need not be identity (e.g. "same statement shape, ignore
// literals"). Detected repetitions are typically masked out before
// chunking so that mechanically repeated code does not produce clones.
//
// The finder is pure and single-threaded: it holds no state between
// calls and never mutates the sequence.
package repetition

import (
	"fmt"
	"slices"
)

// Equator decides whether two elements are equivalent.
type Equator[T any] interface {
	Equals(a, b T) bool
}

// EquatorFunc adapts a function to Equator.
type EquatorFunc[T any] func(a, b T) bool

// Equals calls f(a, b).
func (f EquatorFunc[T]) Equals(a, b T) bool { return f(a, b) }

// Equal returns the native equality equator.
func Equal[T comparable]() Equator[T] {
	return EquatorFunc[T](func(a, b T) bool { return a == b })
}

// Repetition is a motif of Period elements starting at Start and repeated
// Count times.
type Repetition struct {
	Start  int
	Period int
	Count  int
}

// Length returns the number of elements covered.
func (r Repetition) Length() int { return r.Count * r.Period }

// End returns the exclusive end index.
func (r Repetition) End() int { return r.Start + r.Length() }

// Covers reports whether index i lies inside the repetition.
func (r Repetition) Covers(i int) bool { return i >= r.Start && i < r.End() }

func (r Repetition) String() string {
	return fmt.Sprintf("[%d,%d) period %d x%d", r.Start, r.End(), r.Period, r.Count)
}

// Finder searches one sequence for repetitions.
//
// Thread Safety: Safe for concurrent use if the sequence is not modified
// and the equator is safe for concurrent use.
type Finder[T any] struct {
	seq            []T
	eq             Equator[T]
	minTotalLength int
	minRepeatCount int
}

// New creates a finder over seq.
//
// Inputs:
//
//	seq - The sequence to search. Not copied; must not change while in use.
//	eq - Element equivalence.
//	minTotalLength - Minimum count*period of a reported repetition. Must be >= 1.
//	minRepeatCount - Minimum count of a reported repetition. Must be >= 2;
//	  a single block is never a repetition.
//
// Panics if minTotalLength < 1 or minRepeatCount < 2.
func New[T any](seq []T, eq Equator[T], minTotalLength, minRepeatCount int) *Finder[T] {
	if minTotalLength < 1 {
		panic(fmt.Sprintf("repetition: minTotalLength %d < 1", minTotalLength))
	}
	if minRepeatCount < 2 {
		panic(fmt.Sprintf("repetition: minRepeatCount %d < 2", minRepeatCount))
	}
	return &Finder[T]{
		seq:            seq,
		eq:             eq,
		minTotalLength: minTotalLength,
		minRepeatCount: minRepeatCount,
	}
}

// FindRepetitionFor returns the repetitions of exactly the given period.
//
// Description:
//
//	Scans left to right. At each position the candidate is extended one
//	block at a time while the next block is element-wise equivalent to
//	the previous one. A candidate is reported if count >= minRepeatCount
//	and count*period >= minTotalLength; scanning then resumes after it,
//	so results never overlap and are ordered by start. Otherwise the scan
//	advances by one element.
//
// Outputs:
//
//	[]Repetition - Non-overlapping repetitions. Nil for period < 1.
func (f *Finder[T]) FindRepetitionFor(period int) []Repetition {
	if period < 1 {
		return nil
	}
	return f.scan(period, make([]bool, len(f.seq)))
}

// FindRepetitions returns the repetitions with a period in
// [minPeriod, maxPeriod].
//
// Every period from 1 up to maxPeriod is scanned in increasing order, and
// elements claimed at a shorter period are excluded at all longer ones, so
// a finer motif always wins over an overlapping coarser one. Periods below
// minPeriod still claim their elements but are not reported; otherwise a
// run of a short motif would resurface as a longer one. The result is
// ordered by start index.
func (f *Finder[T]) FindRepetitions(minPeriod, maxPeriod int) []Repetition {
	claimed := make([]bool, len(f.seq))

	var out []Repetition
	for p := 1; p <= maxPeriod; p++ {
		reps := f.scan(p, claimed)
		if p >= minPeriod {
			out = append(out, reps...)
		}
	}
	slices.SortFunc(out, func(a, b Repetition) int { return a.Start - b.Start })
	return out
}

// scan finds repetitions of period p among unclaimed elements and marks
// the accepted ones as claimed.
func (f *Finder[T]) scan(p int, claimed []bool) []Repetition {
	n := len(f.seq)
	var out []Repetition
	for i := 0; i+p <= n; {
		if !free(claimed, i, i+p) {
			i++
			continue
		}
		count := 1
		for {
			next := i + count*p
			if next+p > n || !free(claimed, next, next+p) || !f.blockEquals(next-p, next, p) {
				break
			}
			count++
		}
		if count >= f.minRepeatCount && count*p >= f.minTotalLength {
			r := Repetition{Start: i, Period: p, Count: count}
			out = append(out, r)
			for j := r.Start; j < r.End(); j++ {
				claimed[j] = true
			}
			i = r.End()
			continue
		}
		i++
	}
	return out
}

func (f *Finder[T]) blockEquals(a, b, p int) bool {
	for j := 0; j < p; j++ {
		if !f.eq.Equals(f.seq[a+j], f.seq[b+j]) {
			return false
		}
	}
	return true
}

func free(claimed []bool, from, to int) bool {
	for _, c := range claimed[from:to] {
		if c {
			return false
		}
	}
	return true
}

// Mask returns a slice of length n with true at every index covered by one
// of reps. Indexes outside [0, n) are ignored.
func Mask(n int, reps []Repetition) []bool {
	mask := make([]bool, n)
	for _, r := range reps {
		for i := max(r.Start, 0); i < min(r.End(), n); i++ {
			mask[i] = true
		}
	}
	return mask
}
