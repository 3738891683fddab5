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

// Package writecontroller is the write-side half of ingest (spec §4.8):
// it owns one dataset's append/fork/retain/finalize lifecycle, computing
// where a reported fork must roll back to and merging finalized-head
// updates against what is already durable.
package writecontroller

import (
	"context"
	"fmt"

	"github.com/erigontech/chaindata/chainstore/chainerr"
	"github.com/erigontech/chaindata/chainstore/common"
	"github.com/erigontech/chaindata/chainstore/dataset"
)

// Rollback tells the ingest source where to resume after a fork: Reposition
// the source at FirstBlock with ParentBlockHash (nil if resuming at a
// fresh/genesis position), and FinalizedHead carries forward whatever
// finalized pointer survived the rollback.
type Rollback struct {
	FirstBlock      common.BlockNumber
	ParentBlockHash *common.Hash
	FinalizedHead   *common.BlockRef
}

// WriteController drives one dataset's chunk lifecycle on top of
// chainstore/dataset.Manager.
type WriteController struct {
	mgr  *dataset.Manager
	id   common.DatasetId
	kind common.DatasetKind

	// firstBlock/headHash mirror the controller's in-memory view of the
	// durable head, kept current by NewChunk and RetainHead so callers
	// don't need a round trip to read it back.
	firstBlock common.BlockNumber
	headHash   *common.Hash

	// originFirstBlock is the position New() was constructed with. It
	// never changes, and is ComputeRollback's last-resort fallback when
	// no stored chunk shares anything with the endpoint's candidates.
	originFirstBlock common.BlockNumber
}

// New creates the dataset if it doesn't already exist, then seeds the
// controller's position from the current last chunk (or firstBlock/nil if
// the dataset is empty), retaining anything below firstBlock.
func New(ctx context.Context, mgr *dataset.Manager, id common.DatasetId, kind common.DatasetKind, firstBlock common.BlockNumber) (*WriteController, error) {
	if err := mgr.CreateDatasetIfNotExists(ctx, id, kind); err != nil {
		return nil, err
	}
	wc := &WriteController{mgr: mgr, id: id, kind: kind, firstBlock: firstBlock, originFirstBlock: firstBlock}
	if err := wc.RetainHead(ctx, firstBlock); err != nil {
		return nil, err
	}
	last, err := mgr.GetLastChunk(ctx, id)
	if err != nil {
		return nil, err
	}
	if last != nil {
		wc.firstBlock = last.LastBlock + 1
		h := last.LastBlockHash
		wc.headHash = &h
	}
	return wc, nil
}

// NextBlock and HeadHash describe the controller's current position -
// what the ingest source should be told to Reposition to.
func (wc *WriteController) NextBlock() common.BlockNumber { return wc.firstBlock }
func (wc *WriteController) HeadHash() *common.Hash        { return wc.headHash }
func (wc *WriteController) DatasetID() common.DatasetId   { return wc.id }

// RetainHead deletes every chunk entirely below fromBlock (spec §4.4's
// retention operation, applied here as the write side's "forget anything
// older than we're now re-ingesting from").
func (wc *WriteController) RetainHead(ctx context.Context, fromBlock common.BlockNumber) error {
	chunks, err := wc.mgr.ListChunks(ctx, wc.id, 0, nil, false)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if c.LastBlock < fromBlock {
			if err := wc.mgr.DeleteChunk(ctx, wc.id, c.FirstBlock); err != nil {
				return err
			}
		}
	}
	return nil
}

// ComputeRollback finds where ingest must resume given the fork-reporting
// endpoint's suggested prevBlocks (ascending by number, as ForkError
// documents). It first discards candidates below the finalized head,
// erroring if that empties the list or if the candidate sitting exactly
// at the finalized height disagrees with its hash. It then walks stored
// chunks newest-first, skipping any chunk entirely past the newest
// remaining candidate, discarding candidates newer than the chunk under
// consideration, and looking for an exact number+hash match against that
// chunk's last block. A match resumes right after it; if candidates run
// out while a chunk is still newer than all of them, rollback lands at
// the end of that chunk (nothing older could match either); if nothing
// at all matches, rollback falls back to firstBlock with no parent hash.
//
// Grounded on write_controller.rs's compute_rollback.
func (wc *WriteController) ComputeRollback(ctx context.Context, prevBlocks []common.BlockRef) (Rollback, error) {
	for i := 1; i < len(prevBlocks); i++ {
		if prevBlocks[i].Number <= prevBlocks[i-1].Number {
			return Rollback{}, fmt.Errorf("writecontroller: prevBlocks must be strictly ascending by number")
		}
	}

	label, err := wc.mgr.GetLabel(ctx, wc.id)
	if err != nil {
		return Rollback{}, err
	}

	// Drop any candidate below the finalized head: ingest can never roll
	// back past finality. Find the first candidate at or above it; if one
	// sits exactly at the finalized height, its hash must agree with the
	// finalized head or the endpoint is lying about history. If every
	// candidate lies below finality, there's nothing eligible to resume
	// from at all.
	//
	// Grounded on write_controller.rs's compute_rollback boundary check.
	if label.FinalizedHead != nil {
		pos := -1
		for i, b := range prevBlocks {
			if b.Number >= label.FinalizedHead.Number {
				pos = i
				break
			}
		}
		if pos < 0 {
			return Rollback{}, fmt.Errorf("%w: all passed prev blocks lie below finalized head", chainerr.ErrLowFinalizedHead)
		}
		if prevBlocks[pos].Number == label.FinalizedHead.Number && prevBlocks[pos].Hash != label.FinalizedHead.Hash {
			return Rollback{}, fmt.Errorf("%w: candidate at finalized height %d has hash %s, finalized head has %s",
				chainerr.ErrLowFinalizedHead, label.FinalizedHead.Number, prevBlocks[pos].Hash, label.FinalizedHead.Hash)
		}
		prevBlocks = prevBlocks[pos:]
	}

	chunks, err := wc.mgr.ListChunks(ctx, wc.id, 0, nil, true) // newest first
	if err != nil {
		return Rollback{}, err
	}

	remaining := prevBlocks
	for _, chunk := range chunks {
		// This chunk is entirely newer than every remaining candidate -
		// nothing here can match, move to an older chunk.
		if len(remaining) > 0 && remaining[len(remaining)-1].Number < chunk.LastBlock {
			continue
		}
		// Discard candidates newer than this chunk's last block: they
		// can't match this chunk or any older one either.
		for len(remaining) > 0 && remaining[len(remaining)-1].Number > chunk.LastBlock {
			remaining = remaining[:len(remaining)-1]
		}
		if len(remaining) == 0 {
			// This chunk's tail is the last thing that might still be
			// shared; with no candidate left to confirm it, resume right
			// after it.
			h := chunk.LastBlockHash
			return Rollback{FirstBlock: chunk.LastBlock + 1, ParentBlockHash: &h, FinalizedHead: label.FinalizedHead}, nil
		}
		last := remaining[len(remaining)-1]
		if last.Number == chunk.LastBlock && last.Hash == chunk.LastBlockHash {
			h := last.Hash
			return Rollback{FirstBlock: last.Number + 1, ParentBlockHash: &h, FinalizedHead: label.FinalizedHead}, nil
		}
		// Candidate at this exact height didn't match the hash; it (and
		// anything newer) is definitely wrong, drop it and keep walking
		// older chunks with whatever candidates remain below it.
		remaining = remaining[:len(remaining)-1]
	}

	return Rollback{FirstBlock: wc.originFirstBlock, ParentBlockHash: nil, FinalizedHead: nil}, nil
}

// Finalize merges a newly observed finalized head with whatever is
// currently durable: a no-op if the dataset has no chunks yet, ignored if
// it would move backwards, and capped at the current head chunk's last
// block (ingest can't finalize blocks it hasn't written).
//
// Grounded on write_controller.rs's finalize.
func (wc *WriteController) Finalize(ctx context.Context, ref common.BlockRef) error {
	head, err := wc.mgr.GetLastChunk(ctx, wc.id)
	if err != nil {
		return err
	}
	if head == nil {
		return nil
	}
	if ref.Number > head.LastBlock {
		ref = head.Ref()
	}
	return wc.mgr.SetFinalizedHead(ctx, wc.id, ref)
}

// NewChunk appends a freshly built chunk, merges finalizedHead against the
// dataset's current one, and inserts via InsertFork unconditionally -
// write_controller.rs's new_chunk always calls insert_fork rather than
// distinguishing a plain append from an actual fork, since InsertFork
// already degrades to a plain append when chunk directly continues the
// current head.
func (wc *WriteController) NewChunk(ctx context.Context, chunk dataset.Chunk, finalizedHead *common.BlockRef) error {
	if err := wc.mgr.InsertFork(ctx, wc.id, chunk); err != nil {
		return err
	}
	wc.firstBlock = chunk.LastBlock + 1
	h := chunk.LastBlockHash
	wc.headHash = &h
	if finalizedHead != nil {
		if err := wc.Finalize(ctx, *finalizedHead); err != nil {
			return err
		}
	}
	return nil
}
