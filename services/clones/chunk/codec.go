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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Key tags. These are on-disk format constants shared with existing
// stores; changing them breaks compatibility.
const (
	TagOption byte = 'o'
	TagOrigin byte = 'f'
	TagEntry  byte = 'h'
)

const (
	// EntryPrefixSize is the length of a hash-lookup prefix (tag + hash).
	EntryPrefixSize = 1 + HashSize

	// EntryValueSize is the length of a chunk-entry value (5 x be_u32).
	EntryValueSize = 5 * 4

	// listRecordSize is one per-origin list record: hash, unit index and
	// the five entry-value integers.
	listRecordSize = HashSize + 4 + EntryValueSize

	// MaxOriginChunks bounds the record count accepted when decoding a
	// per-origin list, so a corrupted count cannot force a huge allocation.
	MaxOriginChunks = 1 << 24
)

// ErrCorrupt is returned when a key or value does not match the layout.
var ErrCorrupt = errors.New("corrupt chunk encoding")

// OptionKey returns 'o' || name.
func OptionKey(name string) []byte {
	return tagged(TagOption, name)
}

// OriginKey returns 'f' || originID.
func OriginKey(originID string) []byte {
	return tagged(TagOrigin, originID)
}

// OriginFromKey extracts the origin id from a per-origin key.
func OriginFromKey(key []byte) (string, error) {
	if len(key) < 1 || key[0] != TagOrigin {
		return "", fmt.Errorf("%w: not an origin key", ErrCorrupt)
	}
	return string(key[1:]), nil
}

func tagged(tag byte, s string) []byte {
	key := make([]byte, 1+len(s))
	key[0] = tag
	copy(key[1:], s)
	return key
}

// EntryPrefix returns 'h' || hash, the prefix shared by every chunk entry
// with this hash across all origins.
func EntryPrefix(h Hash) []byte {
	p := make([]byte, EntryPrefixSize)
	p[0] = TagEntry
	copy(p[1:], h[:])
	return p
}

// EntryKey returns 'h' || hash || originID || be_u32(firstUnitIndex).
func EntryKey(c Chunk) []byte {
	key := make([]byte, EntryPrefixSize+len(c.OriginID)+4)
	key[0] = TagEntry
	copy(key[1:], c.Hash[:])
	copy(key[EntryPrefixSize:], c.OriginID)
	binary.BigEndian.PutUint32(key[len(key)-4:], c.FirstUnitIndex)
	return key
}

// EntryValue returns the five raw coordinates as big-endian uint32s.
func EntryValue(c Chunk) []byte {
	v := make([]byte, EntryValueSize)
	putCoordinates(v, c)
	return v
}

func putCoordinates(dst []byte, c Chunk) {
	binary.BigEndian.PutUint32(dst[0:], c.FirstRawLine)
	binary.BigEndian.PutUint32(dst[4:], c.LastRawLine)
	binary.BigEndian.PutUint32(dst[8:], c.RawStartOffset)
	binary.BigEndian.PutUint32(dst[12:], c.RawEndOffset)
	binary.BigEndian.PutUint32(dst[16:], c.ElementUnits)
}

func readCoordinates(src []byte, c *Chunk) {
	c.FirstRawLine = binary.BigEndian.Uint32(src[0:])
	c.LastRawLine = binary.BigEndian.Uint32(src[4:])
	c.RawStartOffset = binary.BigEndian.Uint32(src[8:])
	c.RawEndOffset = binary.BigEndian.Uint32(src[12:])
	c.ElementUnits = binary.BigEndian.Uint32(src[16:])
}

// DecodeEntry rebuilds a chunk from a chunk-entry key and value.
//
// The origin id is whatever lies between the hash and the trailing
// four-byte index, so origin ids of any length round-trip.
func DecodeEntry(key, value []byte) (Chunk, error) {
	var c Chunk
	if len(key) < EntryPrefixSize+4 || key[0] != TagEntry {
		return c, fmt.Errorf("%w: entry key of %d bytes", ErrCorrupt, len(key))
	}
	if len(value) != EntryValueSize {
		return c, fmt.Errorf("%w: entry value of %d bytes, want %d", ErrCorrupt, len(value), EntryValueSize)
	}
	copy(c.Hash[:], key[1:EntryPrefixSize])
	c.OriginID = string(key[EntryPrefixSize : len(key)-4])
	c.FirstUnitIndex = binary.BigEndian.Uint32(key[len(key)-4:])
	readCoordinates(value, &c)
	return c, nil
}

// EncodeOriginList serializes an origin's chunks as the compressed list.
//
// Description:
//
//	Uncompressed layout: be_u32 count, then count records of
//	hash(16) || firstUnitIndex || firstRawLine || lastRawLine ||
//	rawStartOffset || rawEndOffset || elementUnits (all be_u32).
//	The origin id is omitted; it is constant for the list. The stream is
//	gzip-framed (magic 1f 8b), as existing stores expect.
//
// Inputs:
//
//	chunks - Chunks of one origin.
//
// Outputs:
//
//	[]byte - Compressed list.
//	error - Non-nil if compression fails.
func EncodeOriginList(chunks []Chunk) ([]byte, error) {
	raw := make([]byte, 4+len(chunks)*listRecordSize)
	binary.BigEndian.PutUint32(raw, uint32(len(chunks)))
	off := 4
	for _, c := range chunks {
		copy(raw[off:], c.Hash[:])
		binary.BigEndian.PutUint32(raw[off+HashSize:], c.FirstUnitIndex)
		putCoordinates(raw[off+HashSize+4:], c)
		off += listRecordSize
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress origin list: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress origin list: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeOriginList decompresses a list produced by EncodeOriginList.
//
// Inputs:
//
//	originID - Origin the list belongs to; set on every returned chunk.
//	data - Compressed list.
//
// Outputs:
//
//	[]Chunk - Chunks in stored order.
//	error - ErrCorrupt if the stream is malformed or has trailing data.
func DecodeOriginList(originID string, data []byte) ([]Chunk, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: origin list %q: %v", ErrCorrupt, originID, err)
	}
	defer zr.Close()

	var header [4]byte
	if _, err := io.ReadFull(zr, header[:]); err != nil {
		return nil, fmt.Errorf("%w: origin list %q header: %v", ErrCorrupt, originID, err)
	}
	count := binary.BigEndian.Uint32(header[:])
	if count > MaxOriginChunks {
		return nil, fmt.Errorf("%w: origin list %q claims %d chunks", ErrCorrupt, originID, count)
	}

	raw := make([]byte, int(count)*listRecordSize)
	if _, err := io.ReadFull(zr, raw); err != nil {
		return nil, fmt.Errorf("%w: origin list %q records: %v", ErrCorrupt, originID, err)
	}
	var extra [1]byte
	n, err := zr.Read(extra[:])
	if n != 0 {
		return nil, fmt.Errorf("%w: origin list %q has trailing data", ErrCorrupt, originID)
	}
	// the CRC-32 and size trailer are verified when the reader reaches the end of the stream
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: origin list %q: %v", ErrCorrupt, originID, err)
	}

	chunks := make([]Chunk, count)
	off := 0
	for i := range chunks {
		c := &chunks[i]
		c.OriginID = originID
		copy(c.Hash[:], raw[off:off+HashSize])
		c.FirstUnitIndex = binary.BigEndian.Uint32(raw[off+HashSize:])
		readCoordinates(raw[off+HashSize+4:], c)
		off += listRecordSize
	}
	return chunks, nil
}
