// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/cloneindex/pkg/logging"
	"github.com/AleutianAI/cloneindex/services/clones/backend"
	"github.com/AleutianAI/cloneindex/services/clones/chunker"
	"github.com/AleutianAI/cloneindex/services/clones/config"
	"github.com/AleutianAI/cloneindex/services/clones/index"
)

// app holds the per-run state shared by all commands.
type app struct {
	configPath string
	logLevel   string
	logJSON    bool
	logWriter  io.Writer // nil means stderr

	cfg     config.Config
	log     *logging.Logger
	logger  *slog.Logger
	builder *chunker.Builder

	mu        sync.Mutex
	idx       *index.Store
	closeOnce sync.Once
}

// setup loads configuration and creates the logger. Called once before
// any command runs.
func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logJSON {
		cfg.Logging.JSON = true
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}

	a.log, err = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.LogDir,
		Service: "clonectl",
		JSON:    cfg.Logging.JSON,
		Writer:  a.logWriter,
	})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = a.log.Slog().With(slog.String("run_id", uuid.NewString()))
	a.builder = chunker.NewBuilder(cfg, a.logger)
	return nil
}

// index opens the configured backend on first use.
func (a *app) index(ctx context.Context) (*index.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.idx != nil {
		return a.idx, nil
	}

	store, closeFn, err := backend.Open(ctx, a.cfg.Backend, a.logger)
	if err != nil {
		return nil, err
	}
	idx, err := index.New(store, index.WithLogger(a.logger), index.WithCloser(closeFn))
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	a.idx = idx
	return idx, nil
}

// close releases the index and the log file. Safe to call from the signal
// handler and the normal exit path.
func (a *app) close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		idx := a.idx
		a.mu.Unlock()
		if idx != nil {
			if err := idx.Close(); err != nil && a.logger != nil {
				a.logger.Error("close index", slog.String("error", err.Error()))
			}
		}
		if a.log != nil {
			_ = a.log.Close()
		}
	})
}

// originID maps a file path to its origin id.
func originID(path string) string {
	return filepath.ToSlash(filepath.Clean(path))
}

// indexFile chunks one file and replaces its stored chunks.
func (a *app) indexFile(ctx context.Context, idx *index.Store, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	origin := originID(path)
	chunks, err := a.builder.Build(origin, f)
	if err != nil {
		return 0, err
	}
	if err := idx.ReplaceChunks(ctx, origin, chunks); err != nil {
		return 0, err
	}
	a.logger.Info("indexed",
		slog.String("origin", origin),
		slog.Int("chunks", len(chunks)))
	return len(chunks), nil
}

// sourceFiles expands paths into regular files, walking directories and
// skipping hidden entries below them.
func sourceFiles(paths []string) ([]string, error) {
	var files []string
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path != root && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type().IsRegular() {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	return files, nil
}
