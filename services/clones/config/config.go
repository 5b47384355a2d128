// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config provides configuration loading for the clone index.
//
// Configuration is a single YAML document. Every field has a default, so an
// absent file yields a working in-memory setup:
//
//	backend:
//	  type: badger
//	  scan_workers: 8
//	  badger:
//	    path: ~/.aleutian/clones
//	repetition:
//	  min_total_length: 20
//	  min_repeat_count: 3
//	chunking:
//	  units_per_chunk: 5
//	logging:
//	  level: info
//
// Thread Safety:
//
//	Config values are plain data; Load and Validate are safe for
//	concurrent use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "CLONEINDEX_CONFIG"

// MaxConfigFileSize is the maximum accepted config file size (1MB).
const MaxConfigFileSize = 1024 * 1024

// Backend type names.
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the root configuration document.
type Config struct {
	Backend    BackendConfig    `yaml:"backend"`
	Repetition RepetitionConfig `yaml:"repetition"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// BackendConfig selects and configures the key-value backend.
type BackendConfig struct {
	// Type is one of memory, badger, redis, postgres.
	Type string `yaml:"type" validate:"required,oneof=memory badger redis postgres"`

	// Namespace optionally scopes the index inside a shared backend.
	Namespace string `yaml:"namespace"`

	// ScanWorkers bounds concurrent prefix scans. 0 means GOMAXPROCS.
	ScanWorkers int `yaml:"scan_workers" validate:"gte=0,lte=256"`

	Badger   BadgerConfig   `yaml:"badger"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// BadgerConfig configures the embedded backend.
type BadgerConfig struct {
	Path           string        `yaml:"path"`
	InMemory       bool          `yaml:"in_memory"`
	SyncWrites     bool          `yaml:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gte=0,lte=1"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	PageSize int64  `yaml:"page_size" validate:"gte=0"`
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// RepetitionConfig configures mechanical-repetition filtering.
type RepetitionConfig struct {
	Enabled        bool `yaml:"enabled"`
	MinTotalLength int  `yaml:"min_total_length" validate:"gte=1"`
	MinRepeatCount int  `yaml:"min_repeat_count" validate:"gte=2"`
	MinPeriod      int  `yaml:"min_period" validate:"gte=1"`
	MaxPeriod      int  `yaml:"max_period" validate:"gte=1"`
}

// ChunkingConfig configures the reference chunk builder.
type ChunkingConfig struct {
	UnitsPerChunk int `yaml:"units_per_chunk" validate:"gte=1,lte=10000"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON   bool   `yaml:"json"`
	LogDir string `yaml:"log_dir"`
}

// Default returns the built-in configuration.
//
// Outputs:
//
//	Config - In-memory backend, repetition filtering on, five-unit chunks.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			Type: BackendMemory,
			Badger: BadgerConfig{
				Path:           "~/.aleutian/clones",
				SyncWrites:     true,
				GCInterval:     5 * time.Minute,
				GCDiscardRatio: 0.5,
			},
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PageSize: 512,
			},
			Postgres: PostgresConfig{
				Table: "kv_entries",
			},
		},
		Repetition: RepetitionConfig{
			Enabled:        true,
			MinTotalLength: 20,
			MinRepeatCount: 3,
			MinPeriod:      1,
			MaxPeriod:      10,
		},
		Chunking: ChunkingConfig{
			UnitsPerChunk: 5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
//
// Outputs:
//
//	error - Non-nil describing every violated constraint.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	if c.Repetition.MinPeriod > c.Repetition.MaxPeriod {
		errs = append(errs, fmt.Errorf("repetition: min_period %d exceeds max_period %d",
			c.Repetition.MinPeriod, c.Repetition.MaxPeriod))
	}

	switch c.Backend.Type {
	case BackendBadger:
		if !c.Backend.Badger.InMemory && c.Backend.Badger.Path == "" {
			errs = append(errs, errors.New("backend.badger.path is required unless in_memory is set"))
		}
	case BackendRedis:
		if c.Backend.Redis.Addr == "" {
			errs = append(errs, errors.New("backend.redis.addr is required"))
		}
	case BackendPostgres:
		if c.Backend.Postgres.DSN == "" {
			errs = append(errs, errors.New("backend.postgres.dsn is required"))
		}
	}
	return errors.Join(errs...)
}

// Parse decodes YAML over the defaults and validates the result.
//
// Unknown fields are rejected so that typos do not silently fall back to
// defaults.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Backend.Badger.Path = ExpandHome(cfg.Backend.Badger.Path)
	cfg.Logging.LogDir = ExpandHome(cfg.Logging.LogDir)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads configuration from path.
//
// Description:
//
//	An empty path falls back to $CLONEINDEX_CONFIG. If neither is set the
//	validated defaults are returned.
//
// Inputs:
//
//	path - Path to a YAML file, or "".
//
// Outputs:
//
//	Config - The loaded configuration.
//	error - Non-nil if the file cannot be read, is too large, or is invalid.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return Parse(strings.NewReader(""))
	}

	path = ExpandHome(path)
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, fmt.Errorf("stat config %s: %w", path, err)
	}
	if info.Size() > MaxConfigFileSize {
		return Config{}, fmt.Errorf("config %s is %d bytes, limit is %d", path, info.Size(), MaxConfigFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(bytes.NewReader(data))
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
