// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package postgres provides a kv.Store on a shared PostgreSQL database.
//
// Entries live in a single two-column table:
//
//	CREATE TABLE kv_entries (k BYTEA PRIMARY KEY, v BYTEA NOT NULL)
//
// BYTEA comparison is bytewise, so ORDER BY k yields the byte-lexicographic
// order kv.Store requires and range scans use the primary key index.
// Batched writes are single statements over arrays (unnest / ANY) and are
// therefore atomic without an explicit transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AleutianAI/cloneindex/services/clones/kv"
)

// DB is the subset of pgxpool.Pool used by the store.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config configures a PostgreSQL-backed store.
type Config struct {
	// DSN is the connection string. Used by Open only.
	DSN string

	// Table is the entry table name. Default: "kv_entries".
	Table string

	// ScanWorkers bounds concurrent prefix scans.
	ScanWorkers int
}

// Store is a kv.Store on PostgreSQL.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db      DB
	closer  func()
	workers int

	selectOne   string
	selectMany  string
	upsertMany  string
	deleteMany  string
	scanFrom    string
	scanBetween string
	createTable string

	closeOnce sync.Once
}

var _ kv.Store = (*Store)(nil)

// Open connects a pool, verifies it and creates the table if needed.
//
// Inputs:
//
//	ctx - Context for connecting and schema creation.
//	cfg - Connection configuration. DSN is required.
//
// Outputs:
//
//	*Store - The store. Owns the pool; Close() closes it.
//	error - Retryable if the database cannot be reached.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, kv.Wrap("open", nil, fmt.Errorf("parse postgres config: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, kv.Unavailable("ping", nil, fmt.Errorf("connect to postgres: %w", err))
	}

	s := New(pool, cfg)
	s.closer = pool.Close
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. The caller keeps ownership of db.
func New(db DB, cfg Config) *Store {
	table := cfg.Table
	if table == "" {
		table = "kv_entries"
	}
	t := pgx.Identifier{table}.Sanitize()
	return &Store{
		db:          db,
		workers:     cfg.ScanWorkers,
		selectOne:   fmt.Sprintf("SELECT v FROM %s WHERE k = $1", t),
		selectMany:  fmt.Sprintf("SELECT k, v FROM %s WHERE k = ANY($1)", t),
		upsertMany:  fmt.Sprintf("INSERT INTO %s (k, v) SELECT * FROM unnest($1::bytea[], $2::bytea[]) ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v", t),
		deleteMany:  fmt.Sprintf("DELETE FROM %s WHERE k = ANY($1)", t),
		scanFrom:    fmt.Sprintf("SELECT k, v FROM %s WHERE k >= $1 ORDER BY k", t),
		scanBetween: fmt.Sprintf("SELECT k, v FROM %s WHERE k >= $1 AND k < $2 ORDER BY k", t),
		createTable: fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (k BYTEA PRIMARY KEY, v BYTEA NOT NULL)", t),
	}
}

// EnsureSchema creates the entry table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, s.createTable)
	return wrap("create_table", nil, err)
}

// retryableCodes are SQLSTATE codes for transient failures.
var retryableCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement_timeout)
	"57P01": true, // admin_shutdown
	"57P03": true, // cannot_connect_now
}

// wrap classifies pgx errors.
func wrap(op string, key []byte, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if retryableCodes[pgErr.Code] || strings.HasPrefix(pgErr.Code, "08") {
			return kv.Unavailable(op, key, err)
		}
		return kv.Wrap(op, key, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return kv.Unavailable(op, key, err)
	}
	return kv.Wrap(op, key, err)
}

func nonNil(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return v
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow(ctx, s.selectOne, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get", key, err)
	}
	return nonNil(v), nil
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
	rows, err := s.db.Query(ctx, s.selectMany, keys)
	if err != nil {
		return nil, wrap("batch_get", nil, err)
	}
	defer rows.Close()

	found := make(map[string][]byte, len(keys))
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, wrap("batch_get", nil, err)
		}
		found[string(k)] = nonNil(v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("batch_get", nil, err)
	}
	for i, k := range keys {
		out[i] = found[string(k)]
	}
	return out, nil
}

// BatchPut implements kv.Store.
//
// Duplicate keys are collapsed before the statement is sent (last pair
// wins) because ON CONFLICT cannot update the same row twice.
func (s *Store) BatchPut(ctx context.Context, pairs []kv.Pair) error {
	if len(pairs) == 0 {
		return nil
	}
	last := make(map[string]int, len(pairs))
	for i, p := range pairs {
		last[string(p.Key)] = i
	}
	keys := make([][]byte, 0, len(last))
	values := make([][]byte, 0, len(last))
	for i, p := range pairs {
		if last[string(p.Key)] != i {
			continue
		}
		keys = append(keys, p.Key)
		values = append(values, nonNil(p.Value))
	}
	_, err := s.db.Exec(ctx, s.upsertMany, keys, values)
	return wrap("batch_put", nil, err)
}

// BatchRemove implements kv.Store.
func (s *Store) BatchRemove(ctx context.Context, keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, s.deleteMany, keys)
	return wrap("batch_remove", nil, err)
}

// ScanRange implements kv.Store. Rows are streamed from one statement and
// therefore from one snapshot.
func (s *Store) ScanRange(ctx context.Context, begin, end []byte, fn kv.ScanFunc) error {
	lower := nonNil(begin)
	var (
		rows pgx.Rows
		err  error
	)
	if end == nil {
		rows, err = s.db.Query(ctx, s.scanFrom, lower)
	} else {
		rows, err = s.db.Query(ctx, s.scanBetween, lower, end)
	}
	if err != nil {
		return wrap("scan_range", nil, err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return wrap("scan_range", nil, err)
		}
		if err := fn(k, nonNil(v)); err != nil {
			return err
		}
	}
	return wrap("scan_range", nil, rows.Err())
}

// ScanPrefixes implements kv.Store.
func (s *Store) ScanPrefixes(ctx context.Context, prefixes [][]byte, fn kv.ScanFunc) error {
	return kv.ScanPrefixesParallel(ctx, prefixes, s.workers, s.ScanRange, fn)
}

// Close closes the pool if the store opened it. Safe to call multiple times.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closer()
		}
	})
	return nil
}
