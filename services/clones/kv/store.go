// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kv defines the key-value contract every clone index backend
// must satisfy.
//
// The clone index only ever depends on the Store interface. Concrete
// backends live in sub-packages and are selected at configuration time:
//
//	memory   - ordered in-process B-tree (tests, single runs)
//	badger   - embedded LSM store (local persistent index)
//	redis    - shared Redis deployment
//	postgres - shared PostgreSQL deployment
//
// # Ordering
//
// Keys are ordered byte-lexicographically ascending over their raw bytes.
// Range scans include the begin key and exclude the end key.
//
// # Absent vs. Empty
//
// A nil value denotes an absent key. Present keys are always returned as a
// non-nil slice, which may be empty.
//
// # Thread Safety
//
// Implementations are safe for concurrent use. ScanFunc callbacks passed to
// ScanPrefixes may be invoked from several goroutines at once and must
// synchronize their own state (see Collector).
package kv

import "context"

// Pair is a single key-value entry.
type Pair struct {
	Key   []byte
	Value []byte
}

// ScanFunc receives one entry of a scan.
//
// The key and value slices are owned by the callee and may be retained.
// Returning a non-nil error aborts the scan; the error is returned from the
// scan call unchanged.
type ScanFunc func(key, value []byte) error

// Store is the minimal contract of a clone index backend.
//
// Description:
//
//	Single-key and batched reads and writes plus two kinds of scans.
//	Batched writes are applied as one unit: readers observe either all of
//	a batch or none of it. Failures are reported as errors matching
//	ErrStorage; timeouts and unavailability additionally match
//	ErrUnavailable so callers may retry.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key, or nil if the key is absent.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key, value []byte) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key []byte) error

	// BatchGet returns one value per key, in input order. Absent keys
	// yield nil entries.
	BatchGet(ctx context.Context, keys [][]byte) ([][]byte, error)

	// BatchPut stores all pairs as one unit. If a key occurs more than
	// once the last pair wins.
	BatchPut(ctx context.Context, pairs []Pair) error

	// BatchRemove deletes all keys as one unit.
	BatchRemove(ctx context.Context, keys [][]byte) error

	// ScanRange visits every entry with begin <= key < end in key order.
	// A nil end scans to the end of the keyspace.
	ScanRange(ctx context.Context, begin, end []byte, fn ScanFunc) error

	// ScanPrefixes visits every entry whose key starts with any of the
	// given prefixes. Delivery order is unspecified and fn may be called
	// concurrently. Each entry is delivered at most once.
	ScanPrefixes(ctx context.Context, prefixes [][]byte, fn ScanFunc) error

	// Close releases backend resources. Safe to call multiple times.
	Close() error
}
