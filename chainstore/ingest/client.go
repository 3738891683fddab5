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

// Package ingest is the multi-endpoint pull-based block source of spec
// §4.7: a single-threaded, cooperative per-endpoint state machine that
// merges N upstream DataClients into one canonical event sequence, with
// fork quorum detection and exponential-table backoff on transient
// errors.
package ingest

import (
	"context"
	"fmt"

	"github.com/erigontech/chaindata/chainstore/common"
)

// Block is one upstream block as a DataClient reports it.
type Block interface {
	Number() common.BlockNumber
	Hash() common.Hash
	ParentHash() common.Hash
	// Timestamp returns the block's time as Unix milliseconds, if the
	// chain family carries one.
	Timestamp() (unixMilli int64, ok bool)
	// DataAvailabilityMask distinguishes blocks whose payload covers a
	// different set of entities (e.g. a reorg to a lighter sync mode);
	// the chunk builder closes the current chunk whenever it changes.
	DataAvailabilityMask() uint64
}

// BlockStreamRequest asks an endpoint to resume at FirstBlock, optionally
// asserting the parent hash it expects to find there.
type BlockStreamRequest struct {
	FirstBlock      common.BlockNumber
	ParentBlockHash *common.Hash
}

// BlockStream yields Blocks in arrival order. Next returns io.EOF when
// the endpoint has nothing more to say for now (not necessarily a
// permanent end - the caller re-Streams to resume).
type BlockStream interface {
	Next(ctx context.Context) (Block, error)
}

// StreamResponse is Stream's non-Fork, non-error outcome.
type StreamResponse struct {
	// FinalizedHead is this endpoint's current view of finality, if it
	// has one.
	FinalizedHead *common.BlockRef
	Blocks        BlockStream
}

// ForkError is Stream's (or a BlockStream's) third outcome: the endpoint
// disagrees with the chain ingest believes it is extending. PrevBlocks
// is ordered ascending by number and is the endpoint's suggested list of
// blocks ingest might still have in common with it.
type ForkError struct {
	PrevBlocks []common.BlockRef
}

func (e *ForkError) Error() string {
	return fmt.Sprintf("ingest: fork reported with %d candidate prior block(s)", len(e.PrevBlocks))
}

// DataClient is one upstream endpoint (spec §6's consumed data-client
// contract).
type DataClient interface {
	Stream(ctx context.Context, req BlockStreamRequest) (StreamResponse, error)
	// IsRetryable reports whether err, returned from Stream or from the
	// BlockStream it handed back, should be retried with backoff rather
	// than treated as a fatal Source error.
	IsRetryable(err error) bool
}
