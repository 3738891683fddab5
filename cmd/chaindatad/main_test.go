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

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/chaindata/chainstore/config"
)

func runCmd(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCmd(config.Default())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute())
	return out.String()
}

func TestVersionCommandPrintsVersion(t *testing.T) {
	out := runCmd(t, "version")
	require.Contains(t, out, Version)
}

func TestCreateDatasetSucceeds(t *testing.T) {
	runCmd(t, "create-dataset", "eth-mainnet", "--kind", "evm")
}

// Each CLI invocation gets its own process-lifetime kv.DB (the in-memory
// engine has no on-disk persistence), so compacting a dataset this
// invocation never created still runs - it just finds nothing to do.
func TestCompactWithNoChunksReportsNothingToCompact(t *testing.T) {
	out := runCmd(t, "compact", "eth-mainnet")
	require.Contains(t, out, "nothing_to_compact")
}

func TestCreateDatasetRejectsUnknownKind(t *testing.T) {
	root := newRootCmd(config.Default())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"create-dataset", "eth-mainnet", "--kind", "not-a-kind"})
	require.Error(t, root.Execute())
}
