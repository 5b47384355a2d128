// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kvtest is a conformance suite for kv.Store backends.
//
// Every backend test calls Run with a factory that returns a fresh, empty
// store. The suite checks ordering, range bounds, absent vs. empty values,
// batch ordering and concurrent prefix scans.
package kvtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cloneindex/services/clones/kv"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) kv.Store

// Run executes the conformance suite against stores produced by open.
func Run(t *testing.T, open Factory) {
	t.Helper()

	t.Run("get absent returns nil", func(t *testing.T) {
		s := open(t)
		v, err := s.Get(context.Background(), []byte("missing"))
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("put then get", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, []byte("k"), []byte("v1")))
		require.NoError(t, s.Put(ctx, []byte("k"), []byte("v2")))

		v, err := s.Get(ctx, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), v)
	})

	t.Run("empty value is present", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, []byte("empty"), []byte{}))

		v, err := s.Get(ctx, []byte("empty"))
		require.NoError(t, err)
		assert.NotNil(t, v)
		assert.Len(t, v, 0)
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, []byte("k"), []byte("v")))
		require.NoError(t, s.Remove(ctx, []byte("k")))
		require.NoError(t, s.Remove(ctx, []byte("k")))

		v, err := s.Get(ctx, []byte("k"))
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("batch get preserves input order", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.BatchPut(ctx, []kv.Pair{
			{Key: []byte("a"), Value: []byte("1")},
			{Key: []byte("c"), Value: []byte("3")},
		}))

		vals, err := s.BatchGet(ctx, [][]byte{[]byte("c"), []byte("b"), []byte("a"), []byte("c")})
		require.NoError(t, err)
		require.Len(t, vals, 4)
		assert.Equal(t, []byte("3"), vals[0])
		assert.Nil(t, vals[1])
		assert.Equal(t, []byte("1"), vals[2])
		assert.Equal(t, []byte("3"), vals[3])
	})

	t.Run("batch put last write wins", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.BatchPut(ctx, []kv.Pair{
			{Key: []byte("dup"), Value: []byte("first")},
			{Key: []byte("dup"), Value: []byte("second")},
		}))
		v, err := s.Get(ctx, []byte("dup"))
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), v)
	})

	t.Run("empty batches are no-ops", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.BatchPut(ctx, nil))
		require.NoError(t, s.BatchRemove(ctx, nil))
		vals, err := s.BatchGet(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, vals)
		require.NoError(t, s.ScanPrefixes(ctx, nil, func(_, _ []byte) error {
			return errors.New("must not be called")
		}))
	})

	t.Run("batch remove", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		seed(t, s, "a", "b", "c")
		require.NoError(t, s.BatchRemove(ctx, [][]byte{[]byte("a"), []byte("c"), []byte("zz")}))

		assert.Equal(t, []string{"b"}, scanKeys(t, s, nil, nil))
	})

	t.Run("scan range is ordered and end exclusive", func(t *testing.T) {
		s := open(t)
		seed(t, s, "b", "a", "d", "c", "e")
		assert.Equal(t, []string{"b", "c"}, scanKeys(t, s, []byte("b"), []byte("d")))
	})

	t.Run("scan range open end", func(t *testing.T) {
		s := open(t)
		seed(t, s, "b", "a", "d", "c")
		assert.Equal(t, []string{"c", "d"}, scanKeys(t, s, []byte("c"), nil))
		assert.Equal(t, []string{"a", "b", "c", "d"}, scanKeys(t, s, nil, nil))
	})

	t.Run("scan range orders raw bytes", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		keys := [][]byte{{0x80}, {0x00, 0xFF}, {0x7F}, {0x00}, {0xFF, 0x00}}
		for _, k := range keys {
			require.NoError(t, s.Put(ctx, k, []byte("x")))
		}
		var got [][]byte
		require.NoError(t, s.ScanRange(ctx, nil, nil, func(k, _ []byte) error {
			got = append(got, k)
			return nil
		}))
		assert.Equal(t, [][]byte{{0x00}, {0x00, 0xFF}, {0x7F}, {0x80}, {0xFF, 0x00}}, got)
	})

	t.Run("scan callback error aborts", func(t *testing.T) {
		s := open(t)
		seed(t, s, "a", "b", "c")
		stop := errors.New("stop")
		calls := 0
		err := s.ScanRange(context.Background(), nil, nil, func(_, _ []byte) error {
			calls++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)
	})

	t.Run("scan prefixes union without duplicates", func(t *testing.T) {
		s := open(t)
		seed(t, s, "ha1", "ha2", "hb1", "hc1", "f1", "o1")

		var c kv.Collector
		err := s.ScanPrefixes(context.Background(),
			[][]byte{[]byte("ha"), []byte("hc"), []byte("ha"), []byte("ha1")}, c.Collect)
		require.NoError(t, err)

		var got []string
		for _, p := range c.Sorted() {
			got = append(got, string(p.Key))
			assert.Equal(t, "v:"+string(p.Key), string(p.Value))
		}
		assert.Equal(t, []string{"ha1", "ha2", "hc1"}, got)
	})

	t.Run("scan prefixes many concurrent", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		var pairs []kv.Pair
		var prefixes [][]byte
		for i := 0; i < 32; i++ {
			prefix := fmt.Sprintf("p%02d/", i)
			prefixes = append(prefixes, []byte(prefix))
			for j := 0; j < 5; j++ {
				pairs = append(pairs, kv.Pair{Key: []byte(fmt.Sprintf("%s%d", prefix, j)), Value: []byte("x")})
			}
		}
		require.NoError(t, s.BatchPut(ctx, pairs))

		var c kv.Collector
		require.NoError(t, s.ScanPrefixes(ctx, prefixes, c.Collect))
		assert.Equal(t, len(pairs), c.Len())
	})

	t.Run("scanned slices may be retained", func(t *testing.T) {
		s := open(t)
		seed(t, s, "a", "b", "c")
		var kept [][]byte
		require.NoError(t, s.ScanRange(context.Background(), nil, nil, func(k, _ []byte) error {
			kept = append(kept, k)
			return nil
		}))
		assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, kept)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
	})
}

// seed stores "v:<key>" under each key.
func seed(t *testing.T, s kv.Store, keys ...string) {
	t.Helper()
	pairs := make([]kv.Pair, len(keys))
	for i, k := range keys {
		pairs[i] = kv.Pair{Key: []byte(k), Value: []byte("v:" + k)}
	}
	require.NoError(t, s.BatchPut(context.Background(), pairs))
}

func scanKeys(t *testing.T, s kv.Store, begin, end []byte) []string {
	t.Helper()
	var keys []string
	var last []byte
	err := s.ScanRange(context.Background(), begin, end, func(k, _ []byte) error {
		if last != nil && bytes.Compare(last, k) >= 0 {
			return fmt.Errorf("keys out of order: %q then %q", last, k)
		}
		last = k
		keys = append(keys, string(k))
		return nil
	})
	require.NoError(t, err)
	return keys
}
