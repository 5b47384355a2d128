// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Backend.Type)
	assert.Equal(t, 5, cfg.Chunking.UnitsPerChunk)
	assert.True(t, cfg.Repetition.Enabled)
}

func TestParse(t *testing.T) {
	t.Run("empty document yields defaults", func(t *testing.T) {
		cfg, err := Parse(strings.NewReader(""))
		require.NoError(t, err)
		want := Default()
		want.Backend.Badger.Path = ExpandHome(want.Backend.Badger.Path)
		assert.Equal(t, want, cfg)
	})

	t.Run("overrides merge over defaults", func(t *testing.T) {
		doc := `
backend:
  type: badger
  scan_workers: 8
  badger:
    path: /tmp/clones
    gc_interval: 1m
repetition:
  min_total_length: 12
chunking:
  units_per_chunk: 7
logging:
  level: debug
  json: true
`
		cfg, err := Parse(strings.NewReader(doc))
		require.NoError(t, err)
		assert.Equal(t, BackendBadger, cfg.Backend.Type)
		assert.Equal(t, 8, cfg.Backend.ScanWorkers)
		assert.Equal(t, "/tmp/clones", cfg.Backend.Badger.Path)
		assert.Equal(t, time.Minute, cfg.Backend.Badger.GCInterval)
		assert.True(t, cfg.Backend.Badger.SyncWrites, "default kept")
		assert.Equal(t, 12, cfg.Repetition.MinTotalLength)
		assert.Equal(t, 3, cfg.Repetition.MinRepeatCount, "default kept")
		assert.Equal(t, 7, cfg.Chunking.UnitsPerChunk)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.True(t, cfg.Logging.JSON)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		_, err := Parse(strings.NewReader("backend:\n  tyep: redis\n"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown backend", func(c *Config) { c.Backend.Type = "cassandra" }, "oneof"},
		{"period order", func(c *Config) { c.Repetition.MinPeriod = 5; c.Repetition.MaxPeriod = 2 }, "exceeds max_period"},
		{"repeat count", func(c *Config) { c.Repetition.MinRepeatCount = 1 }, "MinRepeatCount"},
		{"chunk size", func(c *Config) { c.Chunking.UnitsPerChunk = 0 }, "UnitsPerChunk"},
		{"redis addr", func(c *Config) { c.Backend.Type = BackendRedis; c.Backend.Redis.Addr = "" }, "redis.addr"},
		{"postgres dsn", func(c *Config) { c.Backend.Type = BackendPostgres }, "postgres.dsn"},
		{"badger path", func(c *Config) { c.Backend.Type = BackendBadger; c.Backend.Badger.Path = "" }, "badger.path"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "Level"},
		{"discard ratio", func(c *Config) { c.Backend.Badger.GCDiscardRatio = 2 }, "GCDiscardRatio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("badger in memory needs no path", func(t *testing.T) {
		cfg := Default()
		cfg.Backend.Type = BackendBadger
		cfg.Backend.Badger.Path = ""
		cfg.Backend.Badger.InMemory = true
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoad(t *testing.T) {
	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "clones.yaml")
		require.NoError(t, os.WriteFile(path, []byte("chunking:\n  units_per_chunk: 9\n"), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9, cfg.Chunking.UnitsPerChunk)
	})

	t.Run("from environment", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "env.yaml")
		require.NoError(t, os.WriteFile(path, []byte("chunking:\n  units_per_chunk: 11\n"), 0o600))
		t.Setenv(EnvConfigPath, path)

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 11, cfg.Chunking.UnitsPerChunk)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("no path and no env", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, BackendMemory, cfg.Backend.Type)
	})
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".aleutian"), ExpandHome("~/.aleutian"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
	assert.Equal(t, "~user/x", ExpandHome("~user/x"))
}
