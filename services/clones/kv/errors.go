// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kv

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for key-value operations.
var (
	// ErrStorage matches every backend failure: I/O, serialization or
	// protocol errors.
	ErrStorage = errors.New("storage error")

	// ErrUnavailable matches timeouts and unavailability. It also matches
	// ErrStorage. Callers may treat it as retryable.
	ErrUnavailable = fmt.Errorf("%w: backend unavailable", ErrStorage)

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = fmt.Errorf("%w: store is closed", ErrStorage)
)

// Error describes a failed key-value operation.
//
// Error unwraps to ErrStorage (or ErrUnavailable when Retryable is set) and
// to the underlying backend error, so both errors.Is(err, kv.ErrStorage)
// and errors.Is(err, badger.ErrConflict) style checks work.
type Error struct {
	// Op is the store operation, e.g. "get", "batch_put", "scan_prefixes".
	Op string

	// Key is the key involved, if the operation concerned a single key.
	Key []byte

	// Err is the underlying backend error.
	Err error

	// Retryable marks timeouts and unavailability.
	Retryable bool
}

// Error returns a human-readable description.
func (e *Error) Error() string {
	kind := "storage error"
	if e.Retryable {
		kind = "backend unavailable"
	}
	if len(e.Key) > 0 {
		return fmt.Sprintf("kv %s %q: %s: %v", e.Op, e.Key, kind, e.Err)
	}
	return fmt.Sprintf("kv %s: %s: %v", e.Op, kind, e.Err)
}

// Unwrap returns the classification sentinel and the underlying error.
func (e *Error) Unwrap() []error {
	if e.Retryable {
		return []error{ErrUnavailable, e.Err}
	}
	return []error{ErrStorage, e.Err}
}

// Wrap classifies a backend error and wraps it as *Error.
//
// Description:
//
//	Returns nil for a nil err. Errors that already are *Error are returned
//	unchanged so that wrapping is idempotent across layers. Context
//	deadlines, network timeouts and errors already matching
//	ErrUnavailable are marked retryable.
//
// Inputs:
//
//	op - Operation name for diagnostics.
//	key - Key involved, or nil.
//	err - Backend error.
//
// Outputs:
//
//	error - nil, or an error matching ErrStorage.
func Wrap(op string, key []byte, err error) error {
	if err == nil {
		return nil
	}
	var kvErr *Error
	if errors.As(err, &kvErr) {
		return err
	}
	return &Error{Op: op, Key: key, Err: err, Retryable: isTimeout(err)}
}

// Unavailable wraps err as a retryable *Error regardless of its type.
//
// Backends use it for native errors they know to be transient
// (transaction conflicts, pool exhaustion, connection refusal).
func Unavailable(op string, key []byte, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Key: key, Err: err, Retryable: true}
}

// IsRetryable reports whether err is a timeout or unavailability error.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrUnavailable) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
