// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chunk

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// hashContext is the BLAKE3 key-derivation context for chunk hashes.
// Changing it invalidates every stored hash.
const hashContext = "aleutian.clones.chunk.v1"

// Hasher computes content hashes incrementally over normalized units.
//
// Each unit is length-prefixed before hashing so that unit boundaries are
// part of the content: ["ab", "c"] and ["a", "bc"] hash differently.
//
// Thread Safety: Not safe for concurrent use.
type Hasher struct {
	h      *blake3.Hasher
	lenBuf [binary.MaxVarintLen64]byte
}

// NewHasher returns an empty hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.NewDeriveKey(hashContext)}
}

// Add appends one normalized unit.
func (h *Hasher) Add(unit string) {
	n := binary.PutUvarint(h.lenBuf[:], uint64(len(unit)))
	_, _ = h.h.Write(h.lenBuf[:n])
	_, _ = h.h.Write([]byte(unit))
}

// Sum returns the 128-bit hash of the units added so far.
func (h *Hasher) Sum() Hash {
	var out Hash
	sum := h.h.Sum(nil)
	copy(out[:], sum[:HashSize])
	return out
}

// Reset clears all added units.
func (h *Hasher) Reset() {
	h.h.Reset()
}

// HashUnits returns the content hash of a unit sequence.
func HashUnits(units []string) Hash {
	h := NewHasher()
	for _, u := range units {
		h.Add(u)
	}
	return h.Sum()
}
