// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend opens the configured kv.Store.
//
// This is the only place that knows about concrete backends; everything
// else depends on kv.Store.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/cloneindex/services/clones/config"
	"github.com/AleutianAI/cloneindex/services/clones/kv"
	"github.com/AleutianAI/cloneindex/services/clones/kv/badger"
	"github.com/AleutianAI/cloneindex/services/clones/kv/memory"
	"github.com/AleutianAI/cloneindex/services/clones/kv/postgres"
	"github.com/AleutianAI/cloneindex/services/clones/kv/redis"
)

// Open creates the backend named by cfg.Type.
//
// Description:
//
//	Opens the backend and, if cfg.Namespace is set, wraps it in a
//	namespaced view. The returned close function closes the backend
//	itself, not only the view.
//
// Inputs:
//
//	ctx - Context for connection setup.
//	cfg - Backend configuration (validated).
//	logger - Logger for backend diagnostics. Nil uses slog.Default().
//
// Outputs:
//
//	kv.Store - The store to hand to the clone index.
//	func() error - Closes the underlying backend. Safe to call more than once.
//	error - Non-nil if the backend cannot be opened.
func Open(ctx context.Context, cfg config.BackendConfig, logger *slog.Logger) (kv.Store, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		store kv.Store
		err   error
	)
	switch cfg.Type {
	case config.BackendMemory:
		store = memory.New(memory.WithScanWorkers(cfg.ScanWorkers))
	case config.BackendBadger:
		store, err = badger.Open(badger.Config{
			Path:              cfg.Badger.Path,
			InMemory:          cfg.Badger.InMemory,
			SyncWrites:        cfg.Badger.SyncWrites,
			Logger:            logger.With(slog.String("component", "badger")),
			NumVersionsToKeep: 1,
			GCInterval:        cfg.Badger.GCInterval,
			GCDiscardRatio:    cfg.Badger.GCDiscardRatio,
			ScanWorkers:       cfg.ScanWorkers,
		})
	case config.BackendRedis:
		store, err = redis.Open(ctx, redis.Config{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			Namespace:   cfg.Namespace,
			PageSize:    cfg.Redis.PageSize,
			ScanWorkers: cfg.ScanWorkers,
		})
	case config.BackendPostgres:
		store, err = postgres.Open(ctx, postgres.Config{
			DSN:         cfg.Postgres.DSN,
			Table:       cfg.Postgres.Table,
			ScanWorkers: cfg.ScanWorkers,
		})
	default:
		return nil, nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s backend: %w", cfg.Type, err)
	}
	logger.Info("clone index backend opened", slog.String("backend", cfg.Type))

	closeFn := store.Close
	// Redis namespaces natively; the others share one keyspace.
	if cfg.Namespace != "" && cfg.Type != config.BackendRedis {
		view, err := kv.Prefixed(store, []byte(cfg.Namespace+"/"))
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return view, closeFn, nil
	}
	return store, closeFn, nil
}
