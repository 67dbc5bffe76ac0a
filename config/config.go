// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the settings shared by trace analyses.
package config // import "go.opentelemetry.io/ctfstate/config"

import (
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/ctfstate/checkpoint"
	"go.opentelemetry.io/ctfstate/statesystem/backend"
)

// Config is the configuration of trace analyses.
type Config struct {
	// CacheDirectory receives history and checkpoint files. Analyses keep their history
	// in memory when it is empty.
	CacheDirectory     string        `mapstructure:"cache_directory"`
	CheckpointInterval uint64        `mapstructure:"checkpoint_interval"`
	BlockSize          int           `mapstructure:"block_size"`
	MaxChildren        int           `mapstructure:"max_children"`
	NodeCacheSize      uint32        `mapstructure:"node_cache_size"`
	ReadCacheSize      uint          `mapstructure:"read_cache_size"`
	CompressHistory    bool          `mapstructure:"compress_history"`
	ChunkSize          uint64        `mapstructure:"chunk_size"`
	ProgressInterval   time.Duration `mapstructure:"progress_interval"`
	VerboseMode        bool          `mapstructure:"verbose_mode"`
}

// Default returns the configuration used by the command line tool.
func Default() Config {
	ht := backend.DefaultHistoryTreeConfig()
	return Config{
		CheckpointInterval: checkpoint.DefaultInterval,
		BlockSize:          ht.BlockSize,
		MaxChildren:        ht.MaxChildren,
		NodeCacheSize:      ht.NodeCacheSize,
		ReadCacheSize:      ht.ReadCacheSize,
		ChunkSize:          256 * 1024,
		ProgressInterval:   5 * time.Second,
	}
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (cfg *Config) Validate() error {
	if cfg.CheckpointInterval == 0 {
		return errors.New("checkpoint interval must be > 0")
	}
	if cfg.BlockSize < 4096 || cfg.BlockSize%4096 != 0 {
		return fmt.Errorf("invalid block size: %d", cfg.BlockSize)
	}
	if cfg.MaxChildren < 2 || cfg.MaxChildren*12 > cfg.BlockSize/2 {
		return fmt.Errorf("invalid max children: %d", cfg.MaxChildren)
	}
	if cfg.NodeCacheSize == 0 || cfg.ReadCacheSize == 0 {
		return errors.New("cache sizes must be > 0")
	}
	if cfg.CompressHistory && cfg.ChunkSize < uint64(cfg.BlockSize) {
		return fmt.Errorf("chunk size %d is smaller than a block", cfg.ChunkSize)
	}
	if cfg.ProgressInterval < 100*time.Millisecond {
		return errors.New("the progress interval has to be set to at least 100ms")
	}
	return nil
}

// HistoryTree returns the history file settings for a provider version and trace
// fingerprint.
func (cfg *Config) HistoryTree(version uint32, fingerprint string) backend.HistoryTreeConfig {
	return backend.HistoryTreeConfig{
		BlockSize:       cfg.BlockSize,
		MaxChildren:     cfg.MaxChildren,
		ProviderVersion: version,
		Fingerprint:     fingerprint,
		NodeCacheSize:   cfg.NodeCacheSize,
		ReadCacheSize:   cfg.ReadCacheSize,
	}
}
