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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// DefaultDebounce is how long the watcher waits after the last event before
// re-indexing.
const DefaultDebounce = 200 * time.Millisecond

// changeKind classifies a filesystem event for the index.
type changeKind int

const (
	changeUpdate changeKind = iota
	changeDelete
)

// convertOp maps an fsnotify op to a change kind. Chmod-only events are
// ignored.
func convertOp(op fsnotify.Op) (changeKind, bool) {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return changeDelete, true
	case op.Has(fsnotify.Create), op.Has(fsnotify.Write):
		return changeUpdate, true
	default:
		return 0, false
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var debounce time.Duration
	var initial bool

	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Keep the index in sync with a directory until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if initial {
				if err := a.runIndex(cmd, args); err != nil {
					return err
				}
			}
			w, err := newDirWatcher(args[0], debounce, a.logger)
			if err != nil {
				return err
			}
			defer w.close()

			fmt.Fprintf(cmd.OutOrStdout(), "watching %s\n", args[0])
			return w.run(ctx, func(ctx context.Context, changes map[string]changeKind) error {
				return a.applyChanges(ctx, changes)
			})
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", DefaultDebounce, "quiet period before applying changes")
	cmd.Flags().BoolVar(&initial, "initial", true, "index the directory before watching")
	return cmd
}

// applyChanges re-indexes updated files and removes deleted ones. A file
// that vanished between the event and the re-index counts as deleted.
func (a *app) applyChanges(ctx context.Context, changes map[string]changeKind) error {
	idx, err := a.index(ctx)
	if err != nil {
		return err
	}

	for _, path := range sortedPaths(changes) {
		kind := changes[path]
		if kind == changeUpdate {
			_, err := a.indexFile(ctx, idx, path)
			if err == nil {
				continue
			}
			if !errors.Is(err, fs.ErrNotExist) {
				a.logger.Warn("re-index failed",
					slog.String("path", path),
					slog.String("error", err.Error()))
				continue
			}
		}
		if err := idx.RemoveChunks(ctx, originID(path)); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		a.logger.Info("removed", slog.String("origin", originID(path)))
	}
	return nil
}

// =============================================================================
// dirWatcher
// =============================================================================

// dirWatcher watches a directory tree and batches events by path.
//
// Thread Safety: run must be called from a single goroutine.
type dirWatcher struct {
	root     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
}

func newDirWatcher(root string, debounce time.Duration, logger *slog.Logger) (*dirWatcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &dirWatcher{root: root, debounce: debounce, watcher: watcher, logger: logger}
	if err := w.addTree(root); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return w, nil
}

// addTree registers dir and every non-hidden subdirectory.
func (w *dirWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// run delivers debounced batches of changes to apply until ctx is done or
// apply fails. Within a batch the last event for a path wins.
func (w *dirWatcher) run(ctx context.Context, apply func(context.Context, map[string]changeKind) error) error {
	pending := make(map[string]changeKind)
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.handleEvent(event, pending) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			batch := pending
			pending = make(map[string]changeKind)
			w.logger.Debug("applying changes", slog.Int("paths", len(batch)))
			if err := apply(ctx, batch); err != nil {
				return err
			}
		}
	}
}

// handleEvent records an event in pending and reports whether it counts.
// New directories are added to the watch set instead of being recorded.
func (w *dirWatcher) handleEvent(event fsnotify.Event, pending map[string]changeKind) bool {
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	kind, ok := convertOp(event.Op)
	if !ok {
		return false
	}
	if kind == changeUpdate {
		info, err := os.Stat(event.Name)
		if err == nil && info.IsDir() {
			if event.Op.Has(fsnotify.Create) {
				if err := w.addTree(event.Name); err != nil {
					w.logger.Warn("watch new directory", slog.String("error", err.Error()))
				}
			}
			return false
		}
		if err == nil && !info.Mode().IsRegular() {
			return false
		}
	}
	pending[event.Name] = kind
	return true
}

// sortedPaths returns the keys of changes in order.
func sortedPaths(changes map[string]changeKind) []string {
	return slices.Sorted(maps.Keys(changes))
}

func (w *dirWatcher) close() error {
	return w.watcher.Close()
}
