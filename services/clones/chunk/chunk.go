// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chunk defines the content-addressed chunk and its binary layout.
//
// A chunk is a contiguous span of normalized units inside one origin (a
// file or element). Its Hash is computed over the normalized content only,
// so two chunks with equal hashes are clones of each other under
// normalization regardless of their raw formatting.
//
// # Ownership Model
//
// Chunks are plain values. Batches are built per origin by a chunk
// builder and handed to the index as an immutable slice; the index never
// mutates them.
package chunk

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
)

// HashSize is the width of a content hash in bytes.
const HashSize = 16

// Hash is a 128-bit content hash over normalized units.
type Hash [HashSize]byte

// String returns the lowercase hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses the 32-character hex form produced by String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != 2*HashSize {
		return h, fmt.Errorf("hash %q: want %d hex characters, got %d", s, 2*HashSize, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("hash %q: %w", s, err)
	}
	return h, nil
}

// ErrInvalidChunk is returned for chunks failing Validate.
var ErrInvalidChunk = errors.New("invalid chunk")

// Chunk is a contiguous span of normalized units within one origin.
//
// Identity is (Hash, OriginID, FirstUnitIndex). The raw coordinates are
// for reporting only.
type Chunk struct {
	// OriginID identifies the owning source unit.
	OriginID string

	// Hash is the content hash of the normalized units.
	Hash Hash

	// FirstUnitIndex is the index of the first normalized unit within
	// the origin's unit stream.
	FirstUnitIndex uint32

	// FirstRawLine and LastRawLine are the raw line span.
	FirstRawLine uint32
	LastRawLine  uint32

	// RawStartOffset and RawEndOffset are the raw character span.
	RawStartOffset uint32
	RawEndOffset   uint32

	// ElementUnits is the number of normalized units covered.
	ElementUnits uint32
}

// Validate checks the chunk's internal consistency.
func (c Chunk) Validate() error {
	switch {
	case c.OriginID == "":
		return fmt.Errorf("%w: empty origin id", ErrInvalidChunk)
	case c.LastRawLine < c.FirstRawLine:
		return fmt.Errorf("%w: %s@%d: last line %d before first line %d",
			ErrInvalidChunk, c.OriginID, c.FirstUnitIndex, c.LastRawLine, c.FirstRawLine)
	case c.RawEndOffset < c.RawStartOffset:
		return fmt.Errorf("%w: %s@%d: end offset %d before start offset %d",
			ErrInvalidChunk, c.OriginID, c.FirstUnitIndex, c.RawEndOffset, c.RawStartOffset)
	case c.ElementUnits == 0:
		return fmt.Errorf("%w: %s@%d: covers no units", ErrInvalidChunk, c.OriginID, c.FirstUnitIndex)
	}
	return nil
}

// String returns a compact diagnostic form.
func (c Chunk) String() string {
	return fmt.Sprintf("%s@%d[%s lines %d-%d units %d]",
		c.OriginID, c.FirstUnitIndex, c.Hash, c.FirstRawLine, c.LastRawLine, c.ElementUnits)
}

// SortByUnitIndex orders chunks by origin, then by first unit index.
func SortByUnitIndex(chunks []Chunk) {
	slices.SortFunc(chunks, func(a, b Chunk) int {
		if a.OriginID != b.OriginID {
			if a.OriginID < b.OriginID {
				return -1
			}
			return 1
		}
		switch {
		case a.FirstUnitIndex < b.FirstUnitIndex:
			return -1
		case a.FirstUnitIndex > b.FirstUnitIndex:
			return 1
		}
		return 0
	})
}

// Hashes returns the distinct hashes of chunks in first-seen order.
func Hashes(chunks []Chunk) []Hash {
	seen := make(map[Hash]struct{}, len(chunks))
	out := make([]Hash, 0, len(chunks))
	for _, c := range chunks {
		if _, ok := seen[c.Hash]; ok {
			continue
		}
		seen[c.Hash] = struct{}{}
		out = append(out, c.Hash)
	}
	return out
}
