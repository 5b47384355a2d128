// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/cloneindex/services/clones/kv"
)

// Store is a kv.Store on top of BadgerDB.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db       *badger.DB
	gcRunner *GCRunner
	path     string
	inMemory bool
	workers  int

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ kv.Store = (*Store)(nil)

// Open opens a Badger-backed store with full lifecycle management.
//
// Description:
//
//	Opens the database and starts a GC runner if GCInterval is configured
//	and the database is persistent.
//
// Inputs:
//
//	cfg - Store configuration.
//
// Outputs:
//
//	*Store - The store. Call Close() when done.
//	error - Non-nil if the database cannot be opened.
//
// Thread Safety: The returned store is safe for concurrent use.
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:       db,
		path:     cfg.Path,
		inMemory: cfg.InMemory,
		workers:  cfg.ScanWorkers,
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		s.gcRunner = runner
		runner.Start()
	}
	return s, nil
}

// OpenInMemory opens an in-memory store for testing.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Path returns the database path, or empty string for in-memory databases.
func (s *Store) Path() string {
	return s.path
}

// InMemory returns true if this is an in-memory database.
func (s *Store) InMemory() bool {
	return s.inMemory
}

// Sync flushes pending writes to disk. A no-op for in-memory databases.
func (s *Store) Sync() error {
	if s.inMemory {
		return nil
	}
	if s.closed.Load() {
		return kv.ErrClosed
	}
	return kv.Wrap("sync", nil, s.db.Sync())
}

// Close stops garbage collection and closes the database.
// Safe to call multiple times.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.gcRunner != nil {
			s.gcRunner.Stop()
		}
		s.closeErr = kv.Wrap("close", nil, s.db.Close())
	})
	return s.closeErr
}

// wrap classifies Badger errors. Transaction conflicts are transient.
func wrap(op string, key []byte, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrConflict) {
		return kv.Unavailable(op, key, err)
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return kv.ErrClosed
	}
	return kv.Wrap(op, key, err)
}

func (s *Store) check(ctx context.Context, op string) error {
	if s.closed.Load() {
		return kv.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return kv.Wrap(op, nil, err)
	}
	return nil
}

// readValue copies an item value. Present keys never yield nil.
func readValue(item *badger.Item) ([]byte, error) {
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := s.check(ctx, "get"); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		value, err = readValue(item)
		return err
	})
	if err != nil {
		return nil, wrap("get", key, err)
	}
	return value, nil
}

// Put implements kv.Store.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	return s.BatchPut(ctx, []kv.Pair{{Key: key, Value: value}})
}

// Remove implements kv.Store.
func (s *Store) Remove(ctx context.Context, key []byte) error {
	return s.BatchRemove(ctx, [][]byte{key})
}

// BatchGet implements kv.Store. All keys are read from one snapshot.
func (s *Store) BatchGet(ctx context.Context, keys [][]byte) ([][]byte, error) {
	if err := s.check(ctx, "batch_get"); err != nil {
		return nil, err
	}
	out := make([][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	err := s.db.View(func(txn *badger.Txn) error {
		for i, k := range keys {
			item, err := txn.Get(k)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if out[i], err = readValue(item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap("batch_get", nil, err)
	}
	return out, nil
}

// BatchPut implements kv.Store.
//
// All pairs are written in a single transaction. Badger returns
// ErrTxnTooBig if the batch exceeds its transaction limit; that error is
// surfaced as a non-retryable storage error.
func (s *Store) BatchPut(ctx context.Context, pairs []kv.Pair) error {
	if len(pairs) == 0 {
		return nil
	}
	if err := s.check(ctx, "batch_put"); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, p := range pairs {
			// Badger retains the slices until commit.
			if err := txn.Set(bytes.Clone(p.Key), bytes.Clone(p.Value)); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("batch_put", nil, err)
}

// BatchRemove implements kv.Store.
func (s *Store) BatchRemove(ctx context.Context, keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.check(ctx, "batch_remove"); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(bytes.Clone(k)); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("batch_remove", nil, err)
}

// ScanRange implements kv.Store. The scan reads one consistent snapshot.
func (s *Store) ScanRange(ctx context.Context, begin, end []byte, fn kv.ScanFunc) error {
	if err := s.check(ctx, "scan_range"); err != nil {
		return err
	}

	var callbackErr error
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		if len(begin) > 0 && end != nil {
			// Restrict table lookups to tables overlapping the shared prefix.
			opts.Prefix = commonPrefix(begin, end)
		}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(begin); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := item.KeyCopy(nil)
			if end != nil && bytes.Compare(key, end) >= 0 {
				return nil
			}
			value, err := readValue(item)
			if err != nil {
				return err
			}
			if err := fn(key, value); err != nil {
				callbackErr = err
				return err
			}
		}
		return nil
	})
	if callbackErr != nil {
		return callbackErr
	}
	return wrap("scan_range", nil, err)
}

// ScanPrefixes implements kv.Store. Each prefix is scanned in its own
// read transaction on the worker pool.
func (s *Store) ScanPrefixes(ctx context.Context, prefixes [][]byte, fn kv.ScanFunc) error {
	return kv.ScanPrefixesParallel(ctx, prefixes, s.workers, s.ScanRange, fn)
}

// commonPrefix returns the longest common prefix of a and b.
func commonPrefix(a, b []byte) []byte {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}
