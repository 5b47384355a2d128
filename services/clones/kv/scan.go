// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kv

import (
	"bytes"
	"context"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultScanWorkers is the worker limit used when a backend is configured
// with a non-positive worker count.
var DefaultScanWorkers = runtime.GOMAXPROCS(0)

// RangeScanFunc scans one key range. Backends pass their ScanRange here.
type RangeScanFunc func(ctx context.Context, begin, end []byte, fn ScanFunc) error

// PrefixEnd returns the smallest key greater than every key starting with
// prefix, or nil if no such key exists (empty prefix or all 0xFF bytes).
func PrefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// CompactPrefixes sorts prefixes and drops every prefix that is covered by
// a shorter prefix in the same set, including exact duplicates.
//
// The result scans the same keyspace as the input with every key visited
// exactly once.
func CompactPrefixes(prefixes [][]byte) [][]byte {
	if len(prefixes) == 0 {
		return nil
	}
	sorted := slices.Clone(prefixes)
	slices.SortFunc(sorted, bytes.Compare)

	out := make([][]byte, 0, len(sorted))
	for _, p := range sorted {
		if n := len(out); n > 0 && bytes.HasPrefix(p, out[n-1]) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ScanPrefixesParallel runs one range scan per prefix on a bounded pool.
//
// Description:
//
//	Prefixes are compacted first so no entry is delivered twice. Each
//	remaining prefix is turned into the range [prefix, PrefixEnd(prefix))
//	and handed to scanOne on its own goroutine, at most workers at a time.
//	The first error cancels the remaining scans and is returned.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	prefixes - Prefixes to scan. Empty is a no-op.
//	workers - Maximum concurrent scans. Non-positive means DefaultScanWorkers.
//	scanOne - The backend's range scan.
//	fn - Callback. Invoked concurrently.
//
// Outputs:
//
//	error - First scan or callback error.
func ScanPrefixesParallel(ctx context.Context, prefixes [][]byte, workers int, scanOne RangeScanFunc, fn ScanFunc) error {
	compact := CompactPrefixes(prefixes)
	if len(compact) == 0 {
		return nil
	}
	if workers <= 0 {
		workers = DefaultScanWorkers
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, prefix := range compact {
		g.Go(func() error {
			return scanOne(gctx, prefix, PrefixEnd(prefix), fn)
		})
	}
	return g.Wait()
}

// Collector accumulates scanned pairs behind a mutex.
//
// Its Collect method is a ScanFunc that is safe for concurrent use, so it
// can be passed directly to ScanPrefixes.
type Collector struct {
	mu    sync.Mutex
	pairs []Pair
}

// Collect appends one pair. Safe for concurrent use.
func (c *Collector) Collect(key, value []byte) error {
	c.mu.Lock()
	c.pairs = append(c.pairs, Pair{Key: key, Value: value})
	c.mu.Unlock()
	return nil
}

// Pairs returns the collected pairs. Call after the scan has returned.
func (c *Collector) Pairs() []Pair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairs
}

// Sorted returns the collected pairs ordered by key.
func (c *Collector) Sorted() []Pair {
	pairs := slices.Clone(c.Pairs())
	slices.SortFunc(pairs, func(a, b Pair) int { return bytes.Compare(a.Key, b.Key) })
	return pairs
}

// Len returns the number of collected pairs.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pairs)
}
