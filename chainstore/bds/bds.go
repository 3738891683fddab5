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

// Package bds describes the boundary between ingest and a raw block
// staging store (Cassandra-backed in production, out of scope here): a
// place an ingest.DataClient may consult for blocks older than what its
// own upstream retains, before a chunk has ever been built for them.
// RawBlockStore has no concrete implementation in this repo; callers
// that need one bring their own Cassandra driver.
package bds

import (
	"context"

	"github.com/erigontech/chaindata/chainstore/common"
)

// RawBlock is one block as the staging store holds it: opaque bytes in
// whatever wire encoding the chain family's DataClient produced, keyed
// by number and hash so a caller can verify continuity before trusting
// it.
type RawBlock struct {
	Number common.BlockNumber
	Hash   common.Hash
	Data   []byte
}

// RawBlockStore is the out-of-scope collaborator an ingest.DataClient
// may optionally consult when its own upstream has already pruned a
// requested range.
type RawBlockStore interface {
	// GetRange returns every stored raw block with number in
	// [first, last], ascending by number. A short result (fewer blocks
	// than the range implies) means the store doesn't have the rest;
	// it is not an error.
	GetRange(ctx context.Context, first, last common.BlockNumber) ([]RawBlock, error)

	// Put stages blocks for later retrieval. Implementations are free
	// to deduplicate by (Number, Hash).
	Put(ctx context.Context, blocks []RawBlock) error
}
