// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cloneindex/services/clones/kv"
	"github.com/AleutianAI/cloneindex/services/clones/kv/kvtest"
)

func TestStore_Conformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s := New(WithScanWorkers(4))
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

// TestStore_CopiesInputs verifies that mutating caller slices after a write
// does not change stored data.
func TestStore_CopiesInputs(t *testing.T) {
	s := New()
	ctx := context.Background()

	key := []byte("key")
	value := []byte("value")
	require.NoError(t, s.Put(ctx, key, value))
	key[0] = 'X'
	value[0] = 'X'

	got, err := s.Get(ctx, []byte("key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	got[0] = 'Y'
	again, err := s.Get(ctx, []byte("key"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), again)
}

// TestStore_ClosedOperations verifies that a closed store rejects calls.
func TestStore_ClosedOperations(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, s.Close())

	_, err := s.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, kv.ErrClosed)
	assert.ErrorIs(t, err, kv.ErrStorage)

	err = s.Put(ctx, []byte("k"), []byte("v"))
	assert.ErrorIs(t, err, kv.ErrClosed)
	assert.Equal(t, 0, s.Len())
}

// TestStore_CallbackMayWrite verifies scans do not hold the lock while the
// callback runs.
func TestStore_CallbackMayWrite(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.BatchPut(ctx, []kv.Pair{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}))

	err := s.ScanRange(ctx, nil, nil, func(k, v []byte) error {
		return s.Put(ctx, append([]byte("copy/"), k...), v)
	})
	require.NoError(t, err)
	assert.Equal(t, 4, s.Len())
}

// TestStore_CancelledContext verifies cancellation surfaces as a storage error.
func TestStore_CancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, kv.ErrStorage)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, kv.IsRetryable(err))
}
