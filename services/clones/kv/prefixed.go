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
	"context"
	"errors"
)

// PrefixedStore is a namespaced view of another Store.
//
// Every key is transparently prefixed with the namespace on the way in and
// stripped on the way out, so several clone indexes can share one backend
// without seeing each other's entries.
//
// Closing a PrefixedStore does not close the shared backend.
type PrefixedStore struct {
	base      Store
	namespace []byte
}

// Prefixed returns a view of base restricted to keys under namespace.
//
// Inputs:
//
//	base - The shared backend. Must not be nil.
//	namespace - Non-empty key prefix for this view.
//
// Outputs:
//
//	*PrefixedStore - The view.
//	error - Non-nil if base is nil or namespace is empty.
func Prefixed(base Store, namespace []byte) (*PrefixedStore, error) {
	if base == nil {
		return nil, errors.New("base store must not be nil")
	}
	if len(namespace) == 0 {
		return nil, errors.New("namespace must not be empty")
	}
	ns := make([]byte, len(namespace))
	copy(ns, namespace)
	return &PrefixedStore{base: base, namespace: ns}, nil
}

func (p *PrefixedStore) key(k []byte) []byte {
	out := make([]byte, 0, len(p.namespace)+len(k))
	out = append(out, p.namespace...)
	return append(out, k...)
}

func (p *PrefixedStore) keys(ks [][]byte) [][]byte {
	out := make([][]byte, len(ks))
	for i, k := range ks {
		out[i] = p.key(k)
	}
	return out
}

func (p *PrefixedStore) strip(fn ScanFunc) ScanFunc {
	n := len(p.namespace)
	return func(key, value []byte) error {
		return fn(key[n:], value)
	}
}

// Get implements Store.
func (p *PrefixedStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	return p.base.Get(ctx, p.key(key))
}

// Put implements Store.
func (p *PrefixedStore) Put(ctx context.Context, key, value []byte) error {
	return p.base.Put(ctx, p.key(key), value)
}

// Remove implements Store.
func (p *PrefixedStore) Remove(ctx context.Context, key []byte) error {
	return p.base.Remove(ctx, p.key(key))
}

// BatchGet implements Store.
func (p *PrefixedStore) BatchGet(ctx context.Context, keys [][]byte) ([][]byte, error) {
	return p.base.BatchGet(ctx, p.keys(keys))
}

// BatchPut implements Store.
func (p *PrefixedStore) BatchPut(ctx context.Context, pairs []Pair) error {
	prefixed := make([]Pair, len(pairs))
	for i, pair := range pairs {
		prefixed[i] = Pair{Key: p.key(pair.Key), Value: pair.Value}
	}
	return p.base.BatchPut(ctx, prefixed)
}

// BatchRemove implements Store.
func (p *PrefixedStore) BatchRemove(ctx context.Context, keys [][]byte) error {
	return p.base.BatchRemove(ctx, p.keys(keys))
}

// ScanRange implements Store. A nil end is bounded by the namespace.
func (p *PrefixedStore) ScanRange(ctx context.Context, begin, end []byte, fn ScanFunc) error {
	var upper []byte
	if end == nil {
		upper = PrefixEnd(p.namespace)
	} else {
		upper = p.key(end)
	}
	return p.base.ScanRange(ctx, p.key(begin), upper, p.strip(fn))
}

// ScanPrefixes implements Store.
func (p *PrefixedStore) ScanPrefixes(ctx context.Context, prefixes [][]byte, fn ScanFunc) error {
	return p.base.ScanPrefixes(ctx, p.keys(prefixes), p.strip(fn))
}

// Close is a no-op; the shared backend is owned by the caller of Prefixed.
func (p *PrefixedStore) Close() error {
	return nil
}
