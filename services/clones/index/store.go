// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index implements the clone index store on top of a kv.Store.
//
// Three kinds of entries share one keyspace:
//
//	'o' || name                             option value (CBOR)
//	'f' || origin                           compressed per-origin chunk list
//	'h' || hash || origin || be_u32(index)  one entry per chunk
//
// The content hash leads the chunk-entry key so a prefix scan on
// 'h' || hash answers "which chunks anywhere have this content" without a
// secondary index. The per-origin list serves listing and deletion by
// origin.
//
// # Consistency
//
// The store holds no in-process cache. BatchInsertChunks and RemoveChunks
// each issue exactly one backend batch, so readers see the per-origin list
// and its chunk entries change together.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/cloneindex/services/clones/chunk"
	"github.com/AleutianAI/cloneindex/services/clones/kv"
)

var (
	// ErrCorruptEntry is returned when a stored list, entry or option cannot
	// be decoded. It is a storage error.
	ErrCorruptEntry = fmt.Errorf("%w: corrupt index entry", kv.ErrStorage)

	// ErrNilStore is returned by New when no backend is given.
	ErrNilStore = errors.New("index: nil kv store")
)

var (
	optionEnc cbor.EncMode
	optionDec cbor.DecMode
)

func init() {
	var err error
	optionEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("index: CBOR encoder initialization failed: " + err.Error())
	}
	optionDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("index: CBOR decoder initialization failed: " + err.Error())
	}
}

// Store is the clone index store.
//
// Thread Safety: Safe for concurrent use as far as the backend is; the
// store itself keeps no mutable state besides its closed flag.
type Store struct {
	kv     kv.Store
	logger *slog.Logger
	closer func() error

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCloser replaces the function Close calls to release the backend.
// Used when the kv.Store is a view (see kv.Prefixed) over a backend that
// must be closed separately.
func WithCloser(closer func() error) Option {
	return func(s *Store) {
		if closer != nil {
			s.closer = closer
		}
	}
}

// Stats summarizes the index contents.
type Stats struct {
	Origins int `json:"origins"`
	Chunks  int `json:"chunks"`
	Options int `json:"options"`
}

// New creates a clone index store over backend.
//
// The store takes ownership of backend: Close closes it.
func New(backend kv.Store, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, ErrNilStore
	}
	s := &Store{kv: backend, logger: slog.Default(), closer: backend.Close}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SetOption stores value under name, serialized as deterministic CBOR.
func (s *Store) SetOption(ctx context.Context, name string, value any) (err error) {
	ctx, span, start := startOp(ctx, opSetOption, attribute.String("index.option", name))
	defer func() { endOp(span, opSetOption, start, 0, err) }()

	data, err := optionEnc.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode option %q: %w", name, err)
	}
	return s.kv.Put(ctx, chunk.OptionKey(name), data)
}

// GetOption decodes the option stored under name into out.
//
// Outputs:
//
//	bool - False if the option was never set; out is untouched.
//	error - ErrCorruptEntry if the stored value cannot be decoded into out.
func (s *Store) GetOption(ctx context.Context, name string, out any) (found bool, err error) {
	ctx, span, start := startOp(ctx, opGetOption, attribute.String("index.option", name))
	defer func() { endOp(span, opGetOption, start, 0, err) }()

	data, err := s.kv.Get(ctx, chunk.OptionKey(name))
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := optionDec.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("%w: option %q: %w", ErrCorruptEntry, name, err)
	}
	return true, nil
}

// BatchInsertChunks writes the chunks of one origin.
//
// Description:
//
//	Writes the compressed per-origin list and one chunk entry per chunk in
//	a single backend batch. The list replaces any list previously stored
//	for the origin; use ReplaceChunks to also drop stale chunk entries.
//
// Inputs:
//
//	chunks - Chunks of exactly one origin. Empty input is a no-op.
//
// Outputs:
//
//	error - ErrInvalidChunk for malformed chunks, or a storage error.
//
// Panics if the chunks belong to more than one origin.
func (s *Store) BatchInsertChunks(ctx context.Context, chunks []chunk.Chunk) (err error) {
	if len(chunks) == 0 {
		return nil
	}
	origin := sameOrigin(chunks)

	ctx, span, start := startOp(ctx, opInsert, attribute.String("index.origin", origin))
	defer func() { endOp(span, opInsert, start, len(chunks), err) }()

	for _, c := range chunks {
		if err := c.Validate(); err != nil {
			return err
		}
	}

	list, err := chunk.EncodeOriginList(chunks)
	if err != nil {
		return kv.Wrap("insert", chunk.OriginKey(origin), err)
	}
	pairs := make([]kv.Pair, 0, len(chunks)+1)
	pairs = append(pairs, kv.Pair{Key: chunk.OriginKey(origin), Value: list})
	for _, c := range chunks {
		pairs = append(pairs, kv.Pair{Key: chunk.EntryKey(c), Value: chunk.EntryValue(c)})
	}
	if err := s.kv.BatchPut(ctx, pairs); err != nil {
		return err
	}

	s.logger.Debug("inserted chunks",
		slog.String("origin", origin),
		slog.Int("chunks", len(chunks)),
		slog.Int("list_bytes", len(list)))
	return nil
}

func sameOrigin(chunks []chunk.Chunk) string {
	origin := chunks[0].OriginID
	for _, c := range chunks[1:] {
		if c.OriginID != origin {
			panic(fmt.Sprintf("index: batch mixes origins %q and %q", origin, c.OriginID))
		}
	}
	return origin
}

// ChunksByOrigin returns the stored chunks of an origin in stored order.
//
// Outputs:
//
//	[]chunk.Chunk - Chunks of the origin.
//	bool - False if the origin was never inserted (or has been removed).
//	error - ErrCorruptEntry if the list cannot be decoded, or a storage error.
func (s *Store) ChunksByOrigin(ctx context.Context, originID string) (chunks []chunk.Chunk, found bool, err error) {
	ctx, span, start := startOp(ctx, opByOrigin, attribute.String("index.origin", originID))
	defer func() { endOp(span, opByOrigin, start, len(chunks), err) }()

	return s.readOrigin(ctx, originID)
}

func (s *Store) readOrigin(ctx context.Context, originID string) ([]chunk.Chunk, bool, error) {
	data, err := s.kv.Get(ctx, chunk.OriginKey(originID))
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		return nil, false, nil
	}
	chunks, err := chunk.DecodeOriginList(originID, data)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrCorruptEntry, err)
	}
	return chunks, true, nil
}

// ChunksByHashes returns every stored chunk whose hash is in hashes.
//
// Description:
//
//	Builds one 17-byte prefix per distinct hash and issues a single
//	multi-prefix scan. The backend may deliver entries from several
//	workers; they are gathered in a kv.Collector. Result order is
//	unspecified.
//
// Inputs:
//
//	hashes - Hashes to look up. Duplicates are collapsed.
//
// Outputs:
//
//	[]chunk.Chunk - Matching chunks from all origins.
//	error - ErrCorruptEntry for undecodable entries, or a storage error.
func (s *Store) ChunksByHashes(ctx context.Context, hashes []chunk.Hash) (chunks []chunk.Chunk, err error) {
	ctx, span, start := startOp(ctx, opByHashes, attribute.Int("index.hashes", len(hashes)))
	defer func() { endOp(span, opByHashes, start, len(chunks), err) }()

	if len(hashes) == 0 {
		return nil, nil
	}

	seen := make(map[chunk.Hash]struct{}, len(hashes))
	prefixes := make([][]byte, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		prefixes = append(prefixes, chunk.EntryPrefix(h))
	}

	var collected kv.Collector
	if err := s.kv.ScanPrefixes(ctx, prefixes, collected.Collect); err != nil {
		return nil, err
	}

	pairs := collected.Pairs()
	chunks = make([]chunk.Chunk, 0, len(pairs))
	for _, p := range pairs {
		c, err := chunk.DecodeEntry(p.Key, p.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptEntry, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// RemoveChunks deletes an origin's list and every chunk entry it indexes.
//
// Description:
//
//	Chunk-entry keys encode hash and unit index, so they are recovered from
//	the per-origin list. The list key and all entry keys are removed in one
//	backend batch. Removing an origin that was never inserted is a no-op.
//
// Outputs:
//
//	error - ErrCorruptEntry if the list cannot be decoded, or a storage error.
func (s *Store) RemoveChunks(ctx context.Context, originID string) (err error) {
	removed := 0
	ctx, span, start := startOp(ctx, opRemove, attribute.String("index.origin", originID))
	defer func() { endOp(span, opRemove, start, removed, err) }()

	removed, err = s.removeOrigin(ctx, originID)
	return err
}

func (s *Store) removeOrigin(ctx context.Context, originID string) (int, error) {
	chunks, found, err := s.readOrigin(ctx, originID)
	if err != nil || !found {
		return 0, err
	}

	keys := make([][]byte, 0, len(chunks)+1)
	keys = append(keys, chunk.OriginKey(originID))
	for _, c := range chunks {
		keys = append(keys, chunk.EntryKey(c))
	}
	if err := s.kv.BatchRemove(ctx, keys); err != nil {
		return 0, err
	}

	s.logger.Debug("removed chunks",
		slog.String("origin", originID),
		slog.Int("chunks", len(chunks)))
	return len(chunks), nil
}

// ReplaceChunks re-indexes an origin: its stored chunks are removed and
// chunks are inserted in their place.
//
// The removal and the insertion are two backend batches, so the pair is
// not atomic as a whole; a reader may briefly see the origin absent.
// Empty chunks leaves the origin removed.
//
// Panics if any chunk belongs to an origin other than originID.
func (s *Store) ReplaceChunks(ctx context.Context, originID string, chunks []chunk.Chunk) (err error) {
	for _, c := range chunks {
		if c.OriginID != originID {
			panic(fmt.Sprintf("index: replacing %q with a chunk of %q", originID, c.OriginID))
		}
	}

	ctx, span, start := startOp(ctx, opReplace, attribute.String("index.origin", originID))
	defer func() { endOp(span, opReplace, start, len(chunks), err) }()

	if _, err := s.removeOrigin(ctx, originID); err != nil {
		return fmt.Errorf("replace %q: %w", originID, err)
	}
	if err := s.BatchInsertChunks(ctx, chunks); err != nil {
		return fmt.Errorf("replace %q: %w", originID, err)
	}
	return nil
}

// Origins returns the ids of all indexed origins in key order.
func (s *Store) Origins(ctx context.Context) ([]string, error) {
	var origins []string
	begin := []byte{chunk.TagOrigin}
	err := s.kv.ScanRange(ctx, begin, kv.PrefixEnd(begin), func(key, _ []byte) error {
		origin, err := chunk.OriginFromKey(key)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptEntry, err)
		}
		origins = append(origins, origin)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return origins, nil
}

// Stats counts options, origin lists and chunk entries with full scans of
// their key ranges. Intended for diagnostics, not the hot path.
func (s *Store) Stats(ctx context.Context) (stats Stats, err error) {
	ctx, span, start := startOp(ctx, opStats)
	defer func() { endOp(span, opStats, start, 0, err) }()

	count := func(tag byte, n *int) error {
		begin := []byte{tag}
		return s.kv.ScanRange(ctx, begin, kv.PrefixEnd(begin), func(_, _ []byte) error {
			*n++
			return nil
		})
	}
	if err := count(chunk.TagOption, &stats.Options); err != nil {
		return Stats{}, err
	}
	if err := count(chunk.TagOrigin, &stats.Origins); err != nil {
		return Stats{}, err
	}
	if err := count(chunk.TagEntry, &stats.Chunks); err != nil {
		return Stats{}, err
	}
	span.SetAttributes(
		attribute.Int("index.origins", stats.Origins),
		attribute.Int("index.entries", stats.Chunks),
	)
	return stats, nil
}

// Close closes the backend. Safe to call multiple times; later calls
// return the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.closer()
		if s.closeErr != nil {
			s.logger.Warn("closing clone index backend failed", slog.String("error", s.closeErr.Error()))
		}
	})
	return s.closeErr
}
