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

package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingPathReturnsDefault(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg, err := Load(fs, "/etc/chaindatad/config.json")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg, err := Load(fs, "")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverlaysOnlyPresentFields(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/config.json", []byte(`{"data_dir":"/var/lib/chaindatad","log_level":"debug"}`), 0o644))

	cfg, err := Load(fs, "/config.json")
	require.NoError(t, err)
	require.Equal(t, "/var/lib/chaindatad", cfg.DataDir)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, Default().BlockCacheEntries, cfg.BlockCacheEntries)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/config.json", []byte(`not json`), 0o644))

	_, err := Load(fs, "/config.json")
	require.Error(t, err)
}

func TestBindFlagsOverridesLoadedValue(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs, &cfg)
	require.NoError(t, fs.Parse([]string{"--log-level=error", "--page-size=1MB"}))

	require.Equal(t, "error", cfg.LogLevel)
	require.Equal(t, uint64(1048576), uint64(cfg.PageSize))
}

func TestTableOptionsAndCompactOptionsReflectConfig(t *testing.T) {
	cfg := Default()
	cfg.RowGroupSize = 100
	cfg.CompactMinChunkSize = 10
	cfg.CompactMaxChunkSize = 20

	require.Equal(t, 100, cfg.TableOptions().RowGroupSize)
	require.Equal(t, int64(10), cfg.CompactOptions().MinChunkSize)
	require.Equal(t, int64(20), cfg.CompactOptions().MaxChunkSize)
}

func TestBuildLoggerRejectsInvalidLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "not-a-level"
	_, err := cfg.BuildLogger()
	require.Error(t, err)
}

func TestBuildLoggerAcceptsValidLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "warn"
	logger, err := cfg.BuildLogger()
	require.NoError(t, err)
	require.NotNil(t, logger)
}
