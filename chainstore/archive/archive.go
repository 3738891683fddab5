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

// Package archive describes the boundary between a retired chunk and
// cold storage (Parquet files in production, out of scope here): once
// chainstore/compact or chainstore/dataset.Manager.DeleteChunk has
// decided a chunk is no longer needed in the live kv.DB, a Writer is the
// sink it hands the chunk's tables to before the kv-resident copy is
// dropped. Writer has no concrete implementation in this repo; a
// production deployment brings its own Parquet encoder.
package archive

import (
	"context"

	"github.com/apache/arrow/go/v17/arrow"

	"github.com/erigontech/chaindata/chainstore/common"
)

// Manifest describes one archived chunk: enough to locate and verify it
// without re-reading the archived files.
type Manifest struct {
	DatasetID       common.DatasetId
	FirstBlock      common.BlockNumber
	LastBlock       common.BlockNumber
	LastBlockHash   common.Hash
	ParentBlockHash common.Hash
	Tables          []string
}

// Writer archives one table's worth of a chunk's rows as a named record
// batch, then finalizes the chunk once every table has been written.
type Writer interface {
	// WriteTable archives rec under tableName for the chunk identified
	// by manifest. Implementations may buffer across calls for the same
	// chunk; Finish is what must make the result durable.
	WriteTable(ctx context.Context, manifest Manifest, tableName string, rec arrow.Record) error

	// Finish marks a chunk's archive as complete once every table named
	// in manifest.Tables has been written.
	Finish(ctx context.Context, manifest Manifest) error
}
