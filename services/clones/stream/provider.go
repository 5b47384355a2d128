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
)

var (
	// ErrNotInitialized is returned when a Provider is used before Init.
	ErrNotInitialized = errors.New("stream: provider not initialized")

	// ErrAlreadyInitialized is returned if Init is called more than once.
	ErrAlreadyInitialized = errors.New("stream: provider already initialized")
)

// Source produces the items of a Provider.
//
// Implementations supply only the production step; buffering and
// lookahead belong to the Provider.
type Source[R, T any] interface {
	// Init prepares the source to produce items for root.
	Init(root R, logger *slog.Logger) error

	// ProvideNext returns the next item, or false once exhausted. It is
	// only called when the lookahead buffer is empty and is never called
	// again after returning false or an error.
	ProvideNext() (T, bool, error)
}

// Provider drives a Source with an Init-once lifecycle and lookahead.
//
// # Thread Safety
//
// NOT safe for concurrent use.
type Provider[R, T any] struct {
	src         Source[R, T]
	cursor      *Cursor[T]
	initialized bool
}

// NewProvider wraps src. Init must be called before any other method.
func NewProvider[R, T any](src Source[R, T]) *Provider[R, T] {
	p := &Provider[R, T]{src: src}
	p.cursor = NewCursor(src.ProvideNext)
	return p
}

// Init resets the provider and initializes the source for root.
//
// Outputs:
//
//	error - ErrAlreadyInitialized on a second call, or the source's error.
func (p *Provider[R, T]) Init(root R, logger *slog.Logger) error {
	if p.initialized {
		return ErrAlreadyInitialized
	}
	if logger == nil {
		logger = slog.Default()
	}
	p.cursor.reset()
	if err := p.src.Init(root, logger); err != nil {
		return err
	}
	p.initialized = true
	return nil
}

// GetNext consumes and returns the next item; false once exhausted.
// Exhaustion is permanent.
func (p *Provider[R, T]) GetNext() (T, bool, error) {
	if !p.initialized {
		var zero T
		return zero, false, ErrNotInitialized
	}
	return p.cursor.Next()
}

// Lookahead returns the item n positions ahead (1-based) without
// consuming it. Items buffered here are served by later GetNext calls.
func (p *Provider[R, T]) Lookahead(n int) (T, bool, error) {
	if !p.initialized {
		var zero T
		return zero, false, ErrNotInitialized
	}
	return p.cursor.Peek(n)
}
