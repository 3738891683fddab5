// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package config is cmd/chaindatad's configuration surface: a flat,
// JSON-backed Config loaded through an afero.Fs (so tests can supply an
// in-memory filesystem instead of touching disk), overridden by whatever
// pflag.FlagSet the CLI layer bound, and turned into the option structs
// chainstore/table, chainstore/compact and chainstore/kv actually want.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/erigontech/chaindata/chainstore/compact"
	"github.com/erigontech/chaindata/chainstore/table"
)

// Config is cmd/chaindatad's full configuration. Every field has a
// sensible Default, so a deployment only needs to override what differs.
type Config struct {
	// DataDir is where the kv engine's backing store (and, in a future
	// on-disk chainstore/kv implementation, its files) lives.
	DataDir string `json:"data_dir"`

	// BlockCacheEntries sizes the LRU fronting table reads, as an entry
	// count; 0 disables the cache entirely (kv.NewDBWithBlockCache treats
	// a non-positive size as no cache).
	BlockCacheEntries int `json:"block_cache_entries"`

	// PageSize and RowGroupSize feed every dataset kind's table.Options
	// unless a kind-specific override is added later.
	PageSize     datasize.ByteSize `json:"page_size"`
	RowGroupSize int               `json:"row_group_size"`

	// CompactMinChunkSize/CompactMaxChunkSize are spec §4.5's
	// MIN_CHUNK_SIZE/MAX_CHUNK_SIZE, in blocks.
	CompactMinChunkSize int64 `json:"compact_min_chunk_size"`
	CompactMaxChunkSize int64 `json:"compact_max_chunk_size"`

	// LogLevel is one of zapcore's level names (debug/info/warn/error);
	// LogJSON selects zap's JSON encoder over its console one.
	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`

	// MetricsAddr is read from the config file and --metrics-addr;
	// cmd/chaindatad does not use it and serves no /metrics endpoint.
	MetricsAddr string `json:"metrics_addr"`
}

// Default returns the fallback configuration every field above is
// measured against: chainstore/table.DefaultOptions and
// chainstore/compact.DefaultOptions's own defaults, a modest block
// cache, and human-readable logging.
func Default() Config {
	tableDefaults := table.DefaultOptions()
	compactDefaults := compact.DefaultOptions()
	return Config{
		DataDir:             "./chaindata",
		BlockCacheEntries:   4096,
		PageSize:            tableDefaults.DefaultPageSize,
		RowGroupSize:        tableDefaults.RowGroupSize,
		CompactMinChunkSize: compactDefaults.MinChunkSize,
		CompactMaxChunkSize: compactDefaults.MaxChunkSize,
		LogLevel:            "info",
		LogJSON:             false,
		MetricsAddr:         "",
	}
}

// Load reads path through fs as JSON, starting from Default() and
// overwriting only the fields present in the file - a missing path
// simply yields Default() unchanged.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return Config{}, fmt.Errorf("config: checking %s: %w", path, err)
	}
	if !exists {
		return cfg, nil
	}
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// BindFlags registers every Config field as a persistent flag on fs,
// using cfg's current values (typically Default(), or whatever Load
// returned) as each flag's default - the standard cobra/pflag pattern of
// file-then-flags layering, flags always winning last.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory backing the kv engine")
	fs.IntVar(&cfg.BlockCacheEntries, "block-cache-entries", cfg.BlockCacheEntries, "LRU entries fronting table reads (0 disables)")
	fs.Var(&byteSizeValue{&cfg.PageSize}, "page-size", "default table page size (e.g. 256KB)")
	fs.IntVar(&cfg.RowGroupSize, "row-group-size", cfg.RowGroupSize, "target rows per row group (0 = unbounded)")
	fs.Int64Var(&cfg.CompactMinChunkSize, "compact-min-chunk-size", cfg.CompactMinChunkSize, "minimum blocks in a compactable run")
	fs.Int64Var(&cfg.CompactMaxChunkSize, "compact-max-chunk-size", cfg.CompactMaxChunkSize, "maximum blocks a compacted chunk may reach")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "emit JSON-encoded logs")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "metrics address (accepted, not used by chaindatad)")
}

// byteSizeValue adapts datasize.ByteSize to pflag.Value so "--page-size
// 256KB" parses the same human-readable suffixes datasize.ByteSize's own
// UnmarshalText understands.
type byteSizeValue struct{ v *datasize.ByteSize }

func (b *byteSizeValue) String() string {
	if b.v == nil {
		return ""
	}
	return b.v.HumanReadable()
}

func (b *byteSizeValue) Set(s string) error { return b.v.UnmarshalText([]byte(s)) }

func (b *byteSizeValue) Type() string { return "byteSize" }

// TableOptions turns the size/layout fields into a table.Options,
// leaving ColumnsWithStats/DictionaryColumns/SortKey for a caller to
// overlay per dataset kind.
func (c Config) TableOptions() table.Options {
	opts := table.DefaultOptions()
	opts.DefaultPageSize = c.PageSize
	opts.RowGroupSize = c.RowGroupSize
	return opts
}

// CompactOptions turns the chunk-size bounds into a compact.Options.
func (c Config) CompactOptions() compact.Options {
	opts := compact.DefaultOptions()
	opts.MinChunkSize = c.CompactMinChunkSize
	opts.MaxChunkSize = c.CompactMaxChunkSize
	return opts
}

// BuildLogger constructs the *zap.Logger every long-lived component in
// this repo takes as an injected dependency - never a package-level
// global (spec.md §9).
func (c Config) BuildLogger() (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("config: invalid log level %q: %w", c.LogLevel, err)
	}
	zapCfg := zap.NewProductionConfig()
	if !c.LogJSON {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
