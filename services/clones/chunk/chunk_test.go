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
	"fmt"
	"hash/crc32"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleChunk(origin string, index uint32) Chunk {
	return Chunk{
		OriginID:       origin,
		Hash:           HashUnits([]string{origin, fmt.Sprint(index)}),
		FirstUnitIndex: index,
		FirstRawLine:   10 + index,
		LastRawLine:    14 + index,
		RawStartOffset: 100 * index,
		RawEndOffset:   100*index + 80,
		ElementUnits:   5,
	}
}

func TestEntryKey_Layout(t *testing.T) {
	c := Chunk{OriginID: "src/a.go", FirstUnitIndex: 0x01020304}
	for i := range c.Hash {
		c.Hash[i] = byte(0xA0 + i)
	}

	key := EntryKey(c)
	require.Len(t, key, 1+16+len("src/a.go")+4)
	assert.Equal(t, byte('h'), key[0])
	assert.Equal(t, c.Hash[:], key[1:17])
	assert.Equal(t, []byte("src/a.go"), key[17:25])
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, key[25:])

	assert.True(t, bytes.HasPrefix(key, EntryPrefix(c.Hash)))
	assert.Len(t, EntryPrefix(c.Hash), EntryPrefixSize)
}

func TestEntryValue_Layout(t *testing.T) {
	c := Chunk{FirstRawLine: 1, LastRawLine: 2, RawStartOffset: 3, RawEndOffset: 4, ElementUnits: 0x01000005}
	assert.Equal(t, []byte{
		0, 0, 0, 1,
		0, 0, 0, 2,
		0, 0, 0, 3,
		0, 0, 0, 4,
		1, 0, 0, 5,
	}, EntryValue(c))
}

func TestTaggedKeys(t *testing.T) {
	assert.Equal(t, []byte("oversion"), OptionKey("version"))
	assert.Equal(t, []byte("fsrc/a.go"), OriginKey("src/a.go"))

	origin, err := OriginFromKey(OriginKey("src/a.go"))
	require.NoError(t, err)
	assert.Equal(t, "src/a.go", origin)

	_, err = OriginFromKey([]byte("hxyz"))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDecodeEntry_RoundTrip(t *testing.T) {
	tests := []Chunk{
		sampleChunk("a", 0),
		sampleChunk("some/longer/path/file.java", 4242),
		sampleChunk("x", 0xFFFFFFFF),
		{OriginID: "", Hash: HashUnits(nil), ElementUnits: 1},
	}
	for _, c := range tests {
		t.Run(c.OriginID, func(t *testing.T) {
			got, err := DecodeEntry(EntryKey(c), EntryValue(c))
			require.NoError(t, err)
			assert.Equal(t, c, got)
		})
	}
}

func TestDecodeEntry_Corrupt(t *testing.T) {
	c := sampleChunk("a", 1)
	tests := []struct {
		name  string
		key   []byte
		value []byte
	}{
		{"short key", []byte("h123"), EntryValue(c)},
		{"wrong tag", append([]byte{'f'}, EntryKey(c)[1:]...), EntryValue(c)},
		{"short value", EntryKey(c), EntryValue(c)[:19]},
		{"long value", EntryKey(c), append(EntryValue(c), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEntry(tt.key, tt.value)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestOriginList_RoundTrip(t *testing.T) {
	t.Run("many chunks", func(t *testing.T) {
		var chunks []Chunk
		for i := uint32(0); i < 2000; i++ {
			chunks = append(chunks, sampleChunk("big.c", i*5))
		}
		data, err := EncodeOriginList(chunks)
		require.NoError(t, err)

		got, err := DecodeOriginList("big.c", data)
		require.NoError(t, err)
		assert.Equal(t, chunks, got)
	})

	t.Run("empty list", func(t *testing.T) {
		data, err := EncodeOriginList(nil)
		require.NoError(t, err)
		got, err := DecodeOriginList("e", data)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("origin comes from caller", func(t *testing.T) {
		data, err := EncodeOriginList([]Chunk{sampleChunk("stored", 3)})
		require.NoError(t, err)
		got, err := DecodeOriginList("renamed", data)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "renamed", got[0].OriginID)
	})
}

func TestOriginList_Layout(t *testing.T) {
	c := sampleChunk("o", 7)
	data, err := EncodeOriginList([]Chunk{c})
	require.NoError(t, err)

	require.Greater(t, len(data), 2)
	assert.Equal(t, []byte{0x1f, 0x8b}, data[:2], "gzip magic")

	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	var raw bytes.Buffer
	_, err = raw.ReadFrom(zr)
	require.NoError(t, err)

	b := raw.Bytes()
	require.Len(t, b, 4+16+4+20)
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(b[0:4]))
	assert.Equal(t, c.Hash[:], b[4:20])
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(b[20:24]))
	assert.Equal(t, EntryValue(c), b[24:44])
}

// gzipMember frames raw as a single gzip member with a minimal header and
// OS byte 0, the way java.util.zip.GZIPOutputStream writes it.
func gzipMember(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write([]byte{0x1f, 0x8b, 8, 0, 0, 0, 0, 0, 0, 0})
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = fw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	var trailer [8]byte
	binary.LittleEndian.PutUint32(trailer[0:], crc32.ChecksumIEEE(raw))
	binary.LittleEndian.PutUint32(trailer[4:], uint32(len(raw)))
	buf.Write(trailer[:])
	return buf.Bytes()
}

func TestDecodeOriginList_ExistingStoreFormat(t *testing.T) {
	// be_u32 count, then hash(16) and six be_u32 fields per record.
	var raw bytes.Buffer
	_ = binary.Write(&raw, binary.BigEndian, uint32(2))
	var want []Chunk
	for i, f := range [][6]uint32{{3, 10, 12, 100, 180, 5}, {8, 14, 20, 190, 300, 5}} {
		var h Hash
		for j := range h {
			h[j] = byte(16*i + j + 1)
		}
		raw.Write(h[:])
		_ = binary.Write(&raw, binary.BigEndian, f)
		want = append(want, Chunk{
			OriginID:       "a.java",
			Hash:           h,
			FirstUnitIndex: f[0],
			FirstRawLine:   f[1],
			LastRawLine:    f[2],
			RawStartOffset: f[3],
			RawEndOffset:   f[4],
			ElementUnits:   f[5],
		})
	}

	got, err := DecodeOriginList("a.java", gzipMember(t, raw.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// and our encoding decompresses to the same bytes
	data, err := EncodeOriginList(want)
	require.NoError(t, err)
	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	var ours bytes.Buffer
	_, err = ours.ReadFrom(zr)
	require.NoError(t, err)
	assert.Equal(t, raw.Bytes(), ours.Bytes())
}

func TestDecodeOriginList_Corrupt(t *testing.T) {
	compress := func(raw []byte) []byte {
		return gzipMember(t, raw)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"not gzip", []byte("plain bytes")},
		{"zlib framed", []byte{0x78, 0x9c, 0x03, 0x00, 0x00, 0x00, 0x00, 0x01}},
		{"truncated header", compress([]byte{0, 0})},
		{"count exceeds records", compress([]byte{0, 0, 0, 2, 1, 2, 3})},
		{"trailing data", compress(append([]byte{0, 0, 0, 0}, 9))},
		{"absurd count", compress([]byte{0xFF, 0xFF, 0xFF, 0xFF})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeOriginList("o", tt.data)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}

	t.Run("flipped trailer", func(t *testing.T) {
		data, err := EncodeOriginList([]Chunk{sampleChunk("o", 1)})
		require.NoError(t, err)
		data[len(data)-1] ^= 0xFF
		_, err = DecodeOriginList("o", data)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestHash(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, HashUnits([]string{"a", "b"}), HashUnits([]string{"a", "b"}))
	})

	t.Run("unit boundaries matter", func(t *testing.T) {
		assert.NotEqual(t, HashUnits([]string{"ab", "c"}), HashUnits([]string{"a", "bc"}))
	})

	t.Run("incremental equals batch", func(t *testing.T) {
		h := NewHasher()
		h.Add("x")
		h.Add("y")
		assert.Equal(t, HashUnits([]string{"x", "y"}), h.Sum())

		h.Reset()
		h.Add("z")
		assert.Equal(t, HashUnits([]string{"z"}), h.Sum())
	})

	t.Run("string round trip", func(t *testing.T) {
		h := HashUnits([]string{"q"})
		parsed, err := ParseHash(h.String())
		require.NoError(t, err)
		assert.Equal(t, h, parsed)
		assert.False(t, h.IsZero())
		assert.True(t, Hash{}.IsZero())
	})

	t.Run("parse rejects bad input", func(t *testing.T) {
		_, err := ParseHash("abc")
		assert.Error(t, err)
		_, err = ParseHash("zz" + HashUnits(nil).String()[2:])
		assert.Error(t, err)
	})
}

func TestChunk_Validate(t *testing.T) {
	valid := sampleChunk("a", 1)
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Chunk)
	}{
		{"empty origin", func(c *Chunk) { c.OriginID = "" }},
		{"inverted lines", func(c *Chunk) { c.LastRawLine = c.FirstRawLine - 1 }},
		{"inverted offsets", func(c *Chunk) { c.RawEndOffset = c.RawStartOffset - 1 }},
		{"no units", func(c *Chunk) { c.ElementUnits = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidChunk)
		})
	}
}

func TestSortAndHashes(t *testing.T) {
	a0, a5, b1 := sampleChunk("a", 0), sampleChunk("a", 5), sampleChunk("b", 1)
	dup := a0
	dup.OriginID = "c"

	chunks := []Chunk{b1, a5, dup, a0}
	SortByUnitIndex(chunks)
	assert.Equal(t, []Chunk{a0, a5, b1, dup}, chunks)

	assert.Equal(t, []Hash{a0.Hash, a5.Hash, b1.Hash}, Hashes(chunks))
}
