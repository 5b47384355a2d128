// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory provides an in-process kv.Store backed by an ordered B-tree.
//
// Nothing is persisted. The store is intended for tests and for single
// analysis runs whose index does not outlive the process.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/AleutianAI/cloneindex/services/clones/kv"
)

// degree is the B-tree branching factor.
const degree = 32

type entry struct {
	key   []byte
	value []byte
}

func lessEntry(a, b entry) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Option configures a Store.
type Option func(*Store)

// WithScanWorkers bounds the number of concurrent prefix scans.
func WithScanWorkers(n int) Option {
	return func(s *Store) {
		s.workers = n
	}
}

// Store is an in-memory kv.Store.
//
// Batched writes are applied under a single write lock and are therefore
// atomic for readers. Scans copy the matching entries under a read lock and
// invoke the callback after releasing it, so callbacks may write to the
// store.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	tree    *btree.BTreeG[entry]
	closed  bool
	workers int
}

var _ kv.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		tree:    btree.NewG(degree, lessEntry),
		workers: kv.DefaultScanWorkers,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// cloneValue copies v and never returns nil, so present keys stay
// distinguishable from absent ones.
func cloneValue(v []byte) []byte {
	return append(make([]byte, 0, len(v)), v...)
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, kv.Wrap("get", key, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	e, ok := s.tree.Get(entry{key: key})
	if !ok {
		return nil, nil
	}
	return cloneValue(e.value), nil
}

// Put implements kv.Store.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	return s.BatchPut(ctx, []kv.Pair{{Key: key, Value: value}})
}

// Remove implements kv.Store.
func (s *Store) Remove(ctx context.Context, key []byte) error {
	return s.BatchRemove(ctx, [][]byte{key})
}

// BatchGet implements kv.Store.
func (s *Store) BatchGet(ctx context.Context, keys [][]byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, kv.Wrap("batch_get", nil, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if e, ok := s.tree.Get(entry{key: k}); ok {
			out[i] = cloneValue(e.value)
		}
	}
	return out, nil
}

// BatchPut implements kv.Store.
func (s *Store) BatchPut(ctx context.Context, pairs []kv.Pair) error {
	if len(pairs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return kv.Wrap("batch_put", nil, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	for _, p := range pairs {
		s.tree.ReplaceOrInsert(entry{key: bytes.Clone(p.Key), value: cloneValue(p.Value)})
	}
	return nil
}

// BatchRemove implements kv.Store.
func (s *Store) BatchRemove(ctx context.Context, keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return kv.Wrap("batch_remove", nil, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	for _, k := range keys {
		s.tree.Delete(entry{key: k})
	}
	return nil
}

// ScanRange implements kv.Store.
func (s *Store) ScanRange(ctx context.Context, begin, end []byte, fn kv.ScanFunc) error {
	matches, err := s.snapshot(ctx, begin, end)
	if err != nil {
		return err
	}
	for _, e := range matches {
		if err := ctx.Err(); err != nil {
			return kv.Wrap("scan_range", nil, err)
		}
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

// ScanPrefixes implements kv.Store.
func (s *Store) ScanPrefixes(ctx context.Context, prefixes [][]byte, fn kv.ScanFunc) error {
	return kv.ScanPrefixesParallel(ctx, prefixes, s.workers, s.ScanRange, fn)
}

// snapshot copies every entry in [begin, end) under the read lock.
func (s *Store) snapshot(ctx context.Context, begin, end []byte) ([]entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, kv.Wrap("scan_range", nil, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrClosed
	}

	var matches []entry
	visit := func(e entry) bool {
		matches = append(matches, entry{key: bytes.Clone(e.key), value: cloneValue(e.value)})
		return true
	}
	if end == nil {
		s.tree.AscendGreaterOrEqual(entry{key: begin}, visit)
	} else {
		s.tree.AscendRange(entry{key: begin}, entry{key: end}, visit)
	}
	return matches, nil
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Close drops all entries. Safe to call multiple times.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.tree.Clear(false)
	}
	return nil
}
