// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redis provides a kv.Store on a shared Redis deployment.
//
// # Layout
//
// Two Redis keys hold one store:
//
//	{namespace}:keys   - sorted set, every member scored 0, ordered by ZRANGEBYLEX
//	{namespace}:values - hash from raw key bytes to value bytes
//
// Redis compares lex-range members with memcmp, which is exactly the
// byte-lexicographic order kv.Store requires. The namespace is wrapped in
// a hash tag so both keys land in the same cluster slot and MULTI/EXEC
// batches stay valid on Redis Cluster.
//
// # Consistency
//
// Batched writes are sent as one MULTI/EXEC transaction. Range scans are
// paged and are not snapshot-isolated: an entry removed between pages is
// skipped, never reported with a missing value.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"

	goredis "github.com/redis/go-redis/v9"

	"github.com/AleutianAI/cloneindex/services/clones/kv"
)

// Config configures a Redis-backed store.
type Config struct {
	// Addr is the Redis address (host:port). Used by Open only.
	Addr string

	// Password for AUTH. Optional.
	Password string

	// DB is the logical database number. Used by Open only.
	DB int

	// Namespace separates stores sharing one Redis. Default: "cloneindex".
	Namespace string

	// PageSize is the number of keys fetched per ZRANGEBYLEX page.
	// Default: 512.
	PageSize int64

	// ScanWorkers bounds concurrent prefix scans.
	ScanWorkers int
}

// DefaultConfig returns a local development configuration.
func DefaultConfig() Config {
	return Config{
		Addr:      "localhost:6379",
		Namespace: "cloneindex",
		PageSize:  512,
	}
}

// Store is a kv.Store on Redis.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	client    goredis.UniversalClient
	keysKey   string
	valuesKey string
	pageSize  int64
	workers   int

	closeOnce sync.Once
	closeErr  error
}

var _ kv.Store = (*Store)(nil)

// Open connects to Redis and verifies the connection.
//
// Inputs:
//
//	ctx - Context for the initial PING.
//	cfg - Connection and layout configuration.
//
// Outputs:
//
//	*Store - The store. Owns the client; Close() closes it.
//	error - Retryable if Redis cannot be reached.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, kv.Unavailable("ping", nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err))
	}
	return New(client, cfg), nil
}

// New wraps an existing client. The store takes ownership of the client.
func New(client goredis.UniversalClient, cfg Config) *Store {
	ns := cfg.Namespace
	if ns == "" {
		ns = "cloneindex"
	}
	page := cfg.PageSize
	if page <= 0 {
		page = 512
	}
	tag := "{" + ns + "}"
	return &Store{
		client:    client,
		keysKey:   tag + ":keys",
		valuesKey: tag + ":values",
		pageSize:  page,
		workers:   cfg.ScanWorkers,
	}
}

// wrap classifies go-redis errors.
func wrap(op string, key []byte, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.ErrClosed):
		return kv.ErrClosed
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return kv.Unavailable(op, key, err)
	default:
		return kv.Wrap(op, key, err)
	}
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	v, err := s.client.HGet(ctx, s.valuesKey, string(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get", key, err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
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
	out := make([][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	values, err := s.hmget(ctx, keys)
	if err != nil {
		return nil, wrap("batch_get", nil, err)
	}
	return values, nil
}

// hmget fetches values for keys; absent keys yield nil entries.
func (s *Store) hmget(ctx context.Context, keys [][]byte) ([][]byte, error) {
	fields := make([]string, len(keys))
	for i, k := range keys {
		fields[i] = string(k)
	}
	raw, err := s.client.HMGet(ctx, s.valuesKey, fields...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(keys))
	for i, v := range raw {
		if str, ok := v.(string); ok {
			out[i] = []byte(str)
		}
	}
	return out, nil
}

// BatchPut implements kv.Store.
func (s *Store) BatchPut(ctx context.Context, pairs []kv.Pair) error {
	if len(pairs) == 0 {
		return nil
	}
	members := make([]goredis.Z, len(pairs))
	fields := make([]any, 0, 2*len(pairs))
	for i, p := range pairs {
		members[i] = goredis.Z{Score: 0, Member: string(p.Key)}
		fields = append(fields, string(p.Key), string(p.Value))
	}
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAdd(ctx, s.keysKey, members...)
		pipe.HSet(ctx, s.valuesKey, fields...)
		return nil
	})
	return wrap("batch_put", nil, err)
}

// BatchRemove implements kv.Store.
func (s *Store) BatchRemove(ctx context.Context, keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]any, len(keys))
	fields := make([]string, len(keys))
	for i, k := range keys {
		members[i] = string(k)
		fields[i] = string(k)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, s.keysKey, members...)
		pipe.HDel(ctx, s.valuesKey, fields...)
		return nil
	})
	return wrap("batch_remove", nil, err)
}

// ScanRange implements kv.Store.
func (s *Store) ScanRange(ctx context.Context, begin, end []byte, fn kv.ScanFunc) error {
	lower := "-"
	if len(begin) > 0 {
		lower = "[" + string(begin)
	}
	upper := "+"
	if end != nil {
		upper = "(" + string(end)
	}

	for {
		members, err := s.client.ZRangeByLex(ctx, s.keysKey, &goredis.ZRangeBy{
			Min:   lower,
			Max:   upper,
			Count: s.pageSize,
		}).Result()
		if err != nil {
			return wrap("scan_range", nil, err)
		}
		if len(members) == 0 {
			return nil
		}

		keys := make([][]byte, len(members))
		for i, m := range members {
			keys[i] = []byte(m)
		}
		values, err := s.hmget(ctx, keys)
		if err != nil {
			return wrap("scan_range", nil, err)
		}
		for i, k := range keys {
			if values[i] == nil {
				continue
			}
			if err := fn(k, values[i]); err != nil {
				return err
			}
		}

		if int64(len(members)) < s.pageSize {
			return nil
		}
		lower = "(" + members[len(members)-1]
	}
}

// ScanPrefixes implements kv.Store.
func (s *Store) ScanPrefixes(ctx context.Context, prefixes [][]byte, fn kv.ScanFunc) error {
	return kv.ScanPrefixesParallel(ctx, prefixes, s.workers, s.ScanRange, fn)
}

// Close closes the client. Safe to call multiple times.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = wrap("close", nil, s.client.Close())
	})
	return s.closeErr
}
