// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cloneindex/services/clones/kv"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock, Config{Table: "clone_kv"}), mock
}

func TestStore_Get(t *testing.T) {
	t.Run("present", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT v FROM "clone_kv" WHERE k = $1`)).
			WithArgs([]byte("key")).
			WillReturnRows(pgxmock.NewRows([]string{"v"}).AddRow([]byte("value")))

		v, err := s.Get(context.Background(), []byte("key"))
		require.NoError(t, err)
		assert.Equal(t, []byte("value"), v)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("absent", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT v FROM "clone_kv" WHERE k = $1`)).
			WithArgs([]byte("missing")).
			WillReturnError(pgx.ErrNoRows)

		v, err := s.Get(context.Background(), []byte("missing"))
		require.NoError(t, err)
		assert.Nil(t, v)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_BatchGet(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT k, v FROM "clone_kv" WHERE k = ANY($1)`)).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"k", "v"}).
			AddRow([]byte("a"), []byte("1")).
			AddRow([]byte("c"), []byte("3")))

	vals, err := s.BatchGet(context.Background(), [][]byte{[]byte("c"), []byte("b"), []byte("a")})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("3"), nil, []byte("1")}, vals)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_BatchPut(t *testing.T) {
	t.Run("single statement with duplicates collapsed", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "clone_kv" (k, v) SELECT * FROM unnest($1::bytea[], $2::bytea[])`)).
			WithArgs(
				[][]byte{[]byte("b"), []byte("a")},
				[][]byte{[]byte("2"), []byte("new")},
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 2))

		err := s.BatchPut(context.Background(), []kv.Pair{
			{Key: []byte("a"), Value: []byte("old")},
			{Key: []byte("b"), Value: []byte("2")},
			{Key: []byte("a"), Value: []byte("new")},
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty batch sends nothing", func(t *testing.T) {
		s, mock := newMockStore(t)
		require.NoError(t, s.BatchPut(context.Background(), nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("serialization failure is retryable", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})

		err := s.Put(context.Background(), []byte("k"), []byte("v"))
		require.Error(t, err)
		assert.True(t, kv.IsRetryable(err))
		assert.ErrorIs(t, err, kv.ErrStorage)
	})

	t.Run("constraint violation is not retryable", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(&pgconn.PgError{Code: "23502", Message: "null value"})

		err := s.Put(context.Background(), []byte("k"), []byte("v"))
		require.Error(t, err)
		assert.False(t, kv.IsRetryable(err))
		assert.ErrorIs(t, err, kv.ErrStorage)
	})
}

func TestStore_BatchRemove(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "clone_kv" WHERE k = ANY($1)`)).
		WithArgs([][]byte{[]byte("a"), []byte("b")}).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, s.BatchRemove(context.Background(), [][]byte{[]byte("a"), []byte("b")}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ScanRange(t *testing.T) {
	t.Run("bounded", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT k, v FROM "clone_kv" WHERE k >= $1 AND k < $2 ORDER BY k`)).
			WithArgs([]byte("b"), []byte("d")).
			WillReturnRows(pgxmock.NewRows([]string{"k", "v"}).
				AddRow([]byte("b"), []byte("2")).
				AddRow([]byte("c"), []byte("3")))

		var c kv.Collector
		require.NoError(t, s.ScanRange(context.Background(), []byte("b"), []byte("d"), c.Collect))
		assert.Equal(t, []kv.Pair{
			{Key: []byte("b"), Value: []byte("2")},
			{Key: []byte("c"), Value: []byte("3")},
		}, c.Pairs())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("open end", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT k, v FROM "clone_kv" WHERE k >= $1 ORDER BY k`)).
			WithArgs([]byte{}).
			WillReturnRows(pgxmock.NewRows([]string{"k", "v"}).AddRow([]byte("a"), []byte("1")))

		var c kv.Collector
		require.NoError(t, s.ScanRange(context.Background(), nil, nil, c.Collect))
		assert.Equal(t, 1, c.Len())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("callback error stops the scan", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("SELECT k, v FROM").
			WithArgs(pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows([]string{"k", "v"}).
				AddRow([]byte("a"), []byte("1")).
				AddRow([]byte("b"), []byte("2")))

		stop := errors.New("stop")
		calls := 0
		err := s.ScanRange(context.Background(), []byte("a"), nil, func(_, _ []byte) error {
			calls++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)
	})

	t.Run("deadline is retryable", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("SELECT k, v FROM").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(context.DeadlineExceeded)

		err := s.ScanRange(context.Background(), []byte("a"), []byte("b"), func(_, _ []byte) error { return nil })
		assert.True(t, kv.IsRetryable(err))
	})
}

func TestStore_EnsureSchema(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "clone_kv" (k BYTEA PRIMARY KEY, v BYTEA NOT NULL)`)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

func TestStore_CloseWithoutOwnedPool(t *testing.T) {
	s, _ := newMockStore(t)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
