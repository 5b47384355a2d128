// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chunker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/AleutianAI/cloneindex/services/clones/chunk"
	"github.com/AleutianAI/cloneindex/services/clones/config"
	"github.com/AleutianAI/cloneindex/services/clones/repetition"
	"github.com/AleutianAI/cloneindex/services/clones/stream"
)

// ErrInvalidPolicy is returned for policies that cannot produce chunks.
var ErrInvalidPolicy = errors.New("invalid chunking policy")

// Policy groups a stream of units into chunks for one origin.
type Policy interface {
	Chunks(originID string, units *stream.Cursor[Unit]) ([]chunk.Chunk, error)
}

// FixedWindow cuts consecutive, non-overlapping windows of Size units.
// A trailing window with fewer than Size units is dropped.
type FixedWindow struct {
	Size int
}

// Chunks implements Policy.
func (w FixedWindow) Chunks(originID string, units *stream.Cursor[Unit]) ([]chunk.Chunk, error) {
	if w.Size < 1 {
		return nil, fmt.Errorf("%w: window size %d", ErrInvalidPolicy, w.Size)
	}

	var (
		chunks []chunk.Chunk
		hasher = chunk.NewHasher()
	)
	for {
		// a complete window must be available before anything is consumed
		if _, ok, err := units.Peek(w.Size); err != nil {
			return nil, err
		} else if !ok {
			return chunks, nil
		}

		hasher.Reset()
		var first, last Unit
		for i := 0; i < w.Size; i++ {
			u, _, err := units.Next()
			if err != nil {
				return nil, err
			}
			if i == 0 {
				first = u
			}
			last = u
			hasher.Add(u.Content)
		}
		chunks = append(chunks, chunk.Chunk{
			OriginID:       originID,
			Hash:           hasher.Sum(),
			FirstUnitIndex: uint32(first.Index),
			FirstRawLine:   uint32(first.Line),
			LastRawLine:    uint32(last.Line),
			RawStartOffset: uint32(first.StartOffset),
			RawEndOffset:   uint32(last.EndOffset),
			ElementUnits:   uint32(w.Size),
		})
	}
}

// RepetitionFilter removes units covered by repetitions of equal content.
type RepetitionFilter struct {
	MinTotalLength int
	MinRepeatCount int
	MinPeriod      int
	MaxPeriod      int
}

// Find returns the repetitions among units, compared by content.
func (f RepetitionFilter) Find(units []Unit) []repetition.Repetition {
	contents := make([]string, len(units))
	for i, u := range units {
		contents[i] = u.Content
	}
	finder := repetition.New(contents, repetition.Equal[string](), f.MinTotalLength, f.MinRepeatCount)
	return finder.FindRepetitions(f.MinPeriod, f.MaxPeriod)
}

// Apply returns the units not covered by any repetition, in order, and the
// repetitions that were removed. Kept units retain their original Index.
func (f RepetitionFilter) Apply(units []Unit) ([]Unit, []repetition.Repetition) {
	reps := f.Find(units)
	if len(reps) == 0 {
		return units, nil
	}
	mask := repetition.Mask(len(units), reps)
	kept := make([]Unit, 0, len(units))
	for i, u := range units {
		if !mask[i] {
			kept = append(kept, u)
		}
	}
	return kept, reps
}

// Builder runs the unit pipeline for one origin at a time.
//
// Thread Safety: Safe for concurrent use; each Build call has its own
// source and provider.
type Builder struct {
	// Policy groups units into chunks.
	Policy Policy

	// Filter, if non-nil, removes repeated units before chunking.
	Filter *RepetitionFilter

	// Logger for diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// NewBuilder creates a builder from configuration: fixed windows of
// UnitsPerChunk and the repetition filter if enabled.
func NewBuilder(cfg config.Config, logger *slog.Logger) *Builder {
	b := &Builder{
		Policy: FixedWindow{Size: cfg.Chunking.UnitsPerChunk},
		Logger: logger,
	}
	if cfg.Repetition.Enabled {
		b.Filter = &RepetitionFilter{
			MinTotalLength: cfg.Repetition.MinTotalLength,
			MinRepeatCount: cfg.Repetition.MinRepeatCount,
			MinPeriod:      cfg.Repetition.MinPeriod,
			MaxPeriod:      cfg.Repetition.MaxPeriod,
		}
	}
	return b
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

// Units reads and normalizes all units of r.
func (b *Builder) Units(r io.Reader) ([]Unit, error) {
	p, err := b.provider(r)
	if err != nil {
		return nil, err
	}
	return stream.Drain(p.GetNext)
}

func (b *Builder) provider(r io.Reader) (*stream.Provider[io.Reader, Unit], error) {
	p := stream.NewProvider[io.Reader, Unit](&LineSource{})
	if err := p.Init(r, b.logger()); err != nil {
		return nil, err
	}
	return p, nil
}

// Build chunks the text read from r as origin originID.
//
// Description:
//
//	Without a filter, units are pulled lazily from the provider as the
//	policy asks for them. With a filter, the unit stream is materialized
//	first because repetition detection needs random access.
//
// Outputs:
//
//	[]chunk.Chunk - Chunks in unit order; empty if the text has fewer
//	  units than one chunk.
//	error - Read or policy failure.
func (b *Builder) Build(originID string, r io.Reader) ([]chunk.Chunk, error) {
	if b.Policy == nil {
		return nil, fmt.Errorf("%w: no policy", ErrInvalidPolicy)
	}
	p, err := b.provider(r)
	if err != nil {
		return nil, err
	}

	var units *stream.Cursor[Unit]
	if b.Filter == nil {
		units = stream.NewCursor(p.GetNext)
	} else {
		all, err := stream.Drain(p.GetNext)
		if err != nil {
			return nil, err
		}
		kept, reps := b.Filter.Apply(all)
		if len(reps) > 0 {
			b.logger().Debug("filtered repetitions",
				slog.String("origin", originID),
				slog.Int("repetitions", len(reps)),
				slog.Int("units_removed", len(all)-len(kept)))
		}
		units = stream.NewCursor(stream.FromSlice(kept))
	}

	chunks, err := b.Policy.Chunks(originID, units)
	if err != nil {
		return nil, fmt.Errorf("chunk %q: %w", originID, err)
	}
	return chunks, nil
}
