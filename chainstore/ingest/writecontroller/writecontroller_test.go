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

package writecontroller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/chaindata/chainstore/chainerr"
	"github.com/erigontech/chaindata/chainstore/common"
	"github.com/erigontech/chaindata/chainstore/dataset"
	"github.com/erigontech/chaindata/chainstore/kv"
	"github.com/erigontech/chaindata/chainstore/table"
)

func byteHash(b byte) common.Hash {
	var h common.Hash
	h[31] = b
	return h
}

func mkChunk(first, last uint64, lastHash, parentHash byte) dataset.Chunk {
	return dataset.Chunk{
		FirstBlock:      common.BlockNumber(first),
		LastBlock:       common.BlockNumber(last),
		LastBlockHash:   byteHash(lastHash),
		ParentBlockHash: byteHash(parentHash),
		Tables:          map[string]table.Ref{},
	}
}

func newTestController(ctx context.Context, t *testing.T) (*WriteController, *dataset.Manager) {
	t.Helper()
	mgr := dataset.NewManager(kv.NewDB())
	wc, err := New(ctx, mgr, "eth-mainnet", common.KindEVM, 0)
	require.NoError(t, err)
	return wc, mgr
}

func TestNewChunkAppendsAndFinalizes(t *testing.T) {
	ctx := context.Background()
	wc, mgr := newTestController(ctx, t)

	c0 := mkChunk(0, 9, 10, 0)
	require.NoError(t, wc.NewChunk(ctx, c0, nil))
	require.Equal(t, common.BlockNumber(10), wc.NextBlock())
	require.Equal(t, byteHash(10), *wc.HeadHash())

	c1 := mkChunk(10, 19, 20, 10)
	ref := c1.Ref()
	require.NoError(t, wc.NewChunk(ctx, c1, &ref))

	label, err := mgr.GetLabel(ctx, "eth-mainnet")
	require.NoError(t, err)
	require.NotNil(t, label.FinalizedHead)
	require.Equal(t, common.BlockNumber(19), label.FinalizedHead.Number)
}

func TestComputeRollbackMatchesSharedChunkTail(t *testing.T) {
	ctx := context.Background()
	wc, _ := newTestController(ctx, t)

	require.NoError(t, wc.NewChunk(ctx, mkChunk(0, 9, 10, 0), nil))
	require.NoError(t, wc.NewChunk(ctx, mkChunk(10, 19, 20, 10), nil))

	// The endpoint still agrees on block 9 (the end of the first chunk)
	// but not on anything in the second - rollback must resume right
	// after the shared tail.
	rb, err := wc.ComputeRollback(ctx, []common.BlockRef{{Number: 9, Hash: byteHash(10)}})
	require.NoError(t, err)
	require.Equal(t, common.BlockNumber(10), rb.FirstBlock)
	require.Equal(t, byteHash(10), *rb.ParentBlockHash)
}

func TestComputeRollbackNoMatchFallsBackToFirstBlock(t *testing.T) {
	ctx := context.Background()
	wc, _ := newTestController(ctx, t)

	require.NoError(t, wc.NewChunk(ctx, mkChunk(0, 9, 10, 0), nil))

	rb, err := wc.ComputeRollback(ctx, []common.BlockRef{{Number: 3, Hash: byteHash(99)}})
	require.NoError(t, err)
	require.Equal(t, common.BlockNumber(0), rb.FirstBlock)
	require.Nil(t, rb.ParentBlockHash)
}

func TestComputeRollbackExhaustedCandidatesResumesAtChunkEnd(t *testing.T) {
	ctx := context.Background()
	wc, _ := newTestController(ctx, t)

	require.NoError(t, wc.NewChunk(ctx, mkChunk(0, 9, 10, 0), nil))
	require.NoError(t, wc.NewChunk(ctx, mkChunk(10, 19, 20, 10), nil))

	// Endpoint's candidates are all newer than the first chunk's tail but
	// none of them matched the second chunk - the only usable rollback
	// point is the first chunk's end.
	rb, err := wc.ComputeRollback(ctx, []common.BlockRef{{Number: 15, Hash: byteHash(77)}})
	require.NoError(t, err)
	require.Equal(t, common.BlockNumber(10), rb.FirstBlock)
	require.Equal(t, byteHash(10), *rb.ParentBlockHash)
}

func TestComputeRollbackAllCandidatesBelowFinalizedHeadErrors(t *testing.T) {
	ctx := context.Background()
	wc, _ := newTestController(ctx, t)

	c0 := mkChunk(0, 9, 10, 0)
	require.NoError(t, wc.NewChunk(ctx, c0, nil))
	c1 := mkChunk(10, 19, 20, 10)
	ref := c1.Ref()
	require.NoError(t, wc.NewChunk(ctx, c1, &ref)) // finalizes at block 19

	_, err := wc.ComputeRollback(ctx, []common.BlockRef{{Number: 5, Hash: byteHash(99)}})
	require.ErrorIs(t, err, chainerr.ErrLowFinalizedHead)
}

func TestComputeRollbackFinalizedHeadHashMismatchErrors(t *testing.T) {
	ctx := context.Background()
	wc, _ := newTestController(ctx, t)

	c0 := mkChunk(0, 9, 10, 0)
	require.NoError(t, wc.NewChunk(ctx, c0, nil))
	c1 := mkChunk(10, 19, 20, 10)
	ref := c1.Ref()
	require.NoError(t, wc.NewChunk(ctx, c1, &ref)) // finalizes at block 19, hash byteHash(20)

	_, err := wc.ComputeRollback(ctx, []common.BlockRef{{Number: 19, Hash: byteHash(99)}})
	require.ErrorIs(t, err, chainerr.ErrLowFinalizedHead)
}

func TestFinalizeCapsAtHeadChunk(t *testing.T) {
	ctx := context.Background()
	wc, mgr := newTestController(ctx, t)

	require.NoError(t, wc.NewChunk(ctx, mkChunk(0, 9, 10, 0), nil))

	require.NoError(t, wc.Finalize(ctx, common.BlockRef{Number: 1000, Hash: byteHash(1)}))

	label, err := mgr.GetLabel(ctx, "eth-mainnet")
	require.NoError(t, err)
	require.Equal(t, common.BlockNumber(9), label.FinalizedHead.Number)
	require.Equal(t, byteHash(10), label.FinalizedHead.Hash)
}

func TestFinalizeNoopWithoutChunks(t *testing.T) {
	ctx := context.Background()
	wc, _ := newTestController(ctx, t)

	require.NoError(t, wc.Finalize(ctx, common.BlockRef{Number: 5, Hash: byteHash(1)}))
}

func TestRetainHeadDropsChunksBelowFromBlock(t *testing.T) {
	ctx := context.Background()
	wc, mgr := newTestController(ctx, t)

	require.NoError(t, wc.NewChunk(ctx, mkChunk(0, 9, 10, 0), nil))
	require.NoError(t, wc.NewChunk(ctx, mkChunk(10, 19, 20, 10), nil))

	require.NoError(t, wc.RetainHead(ctx, 10))

	chunks, err := mgr.ListChunks(ctx, "eth-mainnet", 0, nil, false)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, common.BlockNumber(10), chunks[0].FirstBlock)
}
