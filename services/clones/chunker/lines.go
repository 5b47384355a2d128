// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chunker turns source text into chunk batches for the clone index.
//
// It is a reference pipeline: a line normalizer feeding a stream.Provider,
// an optional repetition filter, and a pluggable windowing Policy. Real
// deployments may swap the normalizer for a language tokenizer; the index
// only depends on the resulting chunks.
package chunker

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// MaxLineBytes bounds a single raw line. Longer lines fail the scan.
const MaxLineBytes = 1 << 20

// Unit is one normalized unit of an origin.
type Unit struct {
	// Index is the position in the origin's unit stream (0-based).
	Index int

	// Content is the normalized text.
	Content string

	// Line is the raw line number (1-based).
	Line int

	// StartOffset and EndOffset are the raw byte span of the line,
	// excluding the terminator. EndOffset is exclusive.
	StartOffset int
	EndOffset   int
}

// Normalize collapses runs of whitespace to one space and trims the ends.
func Normalize(line string) string {
	return strings.Join(strings.Fields(line), " ")
}

// LineSource produces one Unit per non-blank line of a reader.
//
// It implements stream.Source[io.Reader, Unit]; the reader is consumed
// lazily, one line per ProvideNext call. The caller owns the reader and
// closes it.
type LineSource struct {
	scanner *bufio.Scanner
	logger  *slog.Logger

	line    int
	offset  int
	index   int
	advance int
}

// Init starts reading root.
func (s *LineSource) Init(root io.Reader, logger *slog.Logger) error {
	if root == nil {
		return fmt.Errorf("line source: nil reader")
	}
	s.scanner = bufio.NewScanner(root)
	s.scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	s.scanner.Split(s.split)
	s.logger = logger
	s.line, s.offset, s.index = 0, 0, 0
	return nil
}

// split is bufio.ScanLines that remembers how many raw bytes it consumed,
// so offsets account for "\n" and "\r\n" terminators.
func (s *LineSource) split(data []byte, atEOF bool) (int, []byte, error) {
	advance, token, err := bufio.ScanLines(data, atEOF)
	s.advance = advance
	return advance, token, err
}

// ProvideNext returns the next non-blank normalized line.
func (s *LineSource) ProvideNext() (Unit, bool, error) {
	for s.scanner.Scan() {
		raw := s.scanner.Text()
		start := s.offset
		s.offset += s.advance
		s.line++

		content := Normalize(raw)
		if content == "" {
			continue
		}
		u := Unit{
			Index:       s.index,
			Content:     content,
			Line:        s.line,
			StartOffset: start,
			EndOffset:   start + len(raw),
		}
		s.index++
		return u, true, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Unit{}, false, fmt.Errorf("read line %d: %w", s.line+1, err)
	}
	if s.logger != nil {
		s.logger.Debug("line source exhausted",
			slog.Int("lines", s.line),
			slog.Int("units", s.index))
	}
	return Unit{}, false, nil
}
