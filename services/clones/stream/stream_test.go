// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingProducer yields 1..n and records how often it was called.
type countingProducer struct {
	n     int
	calls int
}

func (p *countingProducer) produce() (int, bool, error) {
	p.calls++
	if p.calls > p.n {
		return 0, false, nil
	}
	return p.calls, true, nil
}

func TestCursor_Next(t *testing.T) {
	c := NewCursor(FromSlice([]string{"a", "b"}))

	for _, want := range []string{"a", "b"} {
		got, ok, err := c.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	for range 3 {
		_, ok, err := c.Next()
		require.NoError(t, err)
		assert.False(t, ok, "exhaustion is permanent")
	}
}

func TestCursor_Peek(t *testing.T) {
	p := &countingProducer{n: 5}
	c := NewCursor(p.produce)

	v, ok, err := c.Peek(3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, v)
	assert.Equal(t, 3, p.calls)
	assert.Equal(t, 3, c.Buffered())

	t.Run("buffered items are served first", func(t *testing.T) {
		v, _, _ := c.Next()
		assert.Equal(t, 1, v)
		assert.Equal(t, 3, p.calls, "no production while buffer is non-empty")

		v, _, _ = c.Peek(1)
		assert.Equal(t, 2, v)
		v, _, _ = c.Peek(2)
		assert.Equal(t, 3, v)
		assert.Equal(t, 3, p.calls)
	})

	t.Run("peek past the end", func(t *testing.T) {
		_, ok, err := c.Peek(10)
		require.NoError(t, err)
		assert.False(t, ok)
		calls := p.calls

		rest, err := Drain(c.Next)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3, 4, 5}, rest)
		assert.Equal(t, calls, p.calls, "producer not called after exhaustion")
	})

	t.Run("invalid distance", func(t *testing.T) {
		_, _, err := c.Peek(0)
		assert.ErrorIs(t, err, ErrInvalidLookahead)
	})
}

func TestCursor_GrowsRing(t *testing.T) {
	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}
	c := NewCursor(FromSlice(items))

	// interleave consumption so the ring wraps before it grows
	for i := 0; i < 5; i++ {
		v, _, _ := c.Next()
		assert.Equal(t, i, v)
	}
	v, ok, err := c.Peek(60)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 64, v)

	rest, err := Drain(c.Next)
	require.NoError(t, err)
	assert.Equal(t, items[5:], rest)
}

func TestCursor_StickyError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	c := NewCursor(func() (int, bool, error) {
		calls++
		if calls == 3 {
			return 0, false, boom
		}
		return calls, true, nil
	})

	_, ok, err := c.Peek(3)
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)

	// items produced before the failure are still delivered
	v, ok, err := c.Next()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	v, _, _ = c.Next()
	assert.Equal(t, 2, v)

	_, ok, err = c.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
	_, _, err = c.Next()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, c.Err(), boom)
}

func TestRing(t *testing.T) {
	r := newRing[int](2)
	r.push(1)
	r.push(2)
	v, _ := r.pop()
	assert.Equal(t, 1, v)
	r.push(3) // wraps
	r.push(4) // grows
	assert.Equal(t, 3, r.len())
	assert.Equal(t, []int{2, 3, 4}, []int{r.at(0), r.at(1), r.at(2)})

	r.clear()
	_, ok := r.pop()
	assert.False(t, ok)
}

// lettersSource produces the bytes of its root string.
type lettersSource struct {
	text  string
	pos   int
	inits int
}

func (s *lettersSource) Init(root string, logger *slog.Logger) error {
	if root == "" {
		return errors.New("empty root")
	}
	s.inits++
	s.text = root
	s.pos = 0
	return nil
}

func (s *lettersSource) ProvideNext() (byte, bool, error) {
	if s.pos >= len(s.text) {
		return 0, false, nil
	}
	s.pos++
	return s.text[s.pos-1], true, nil
}

func TestProvider(t *testing.T) {
	t.Run("lifecycle", func(t *testing.T) {
		src := &lettersSource{}
		p := NewProvider[string, byte](src)

		_, _, err := p.GetNext()
		assert.ErrorIs(t, err, ErrNotInitialized)
		_, _, err = p.Lookahead(1)
		assert.ErrorIs(t, err, ErrNotInitialized)

		require.NoError(t, p.Init("abc", nil))
		assert.ErrorIs(t, p.Init("xyz", nil), ErrAlreadyInitialized)
		assert.Equal(t, 1, src.inits)

		v, ok, err := p.Lookahead(2)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, byte('b'), v)

		got, err := Drain(p.GetNext)
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), got)

		_, ok, err = p.GetNext()
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("failed init leaves provider uninitialized", func(t *testing.T) {
		p := NewProvider[string, byte](&lettersSource{})
		assert.Error(t, p.Init("", nil))
		_, _, err := p.GetNext()
		assert.ErrorIs(t, err, ErrNotInitialized)
		require.NoError(t, p.Init("z", nil))
	})
}
