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

package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/chaindata/chainstore/common"
	"github.com/erigontech/chaindata/chainstore/dataset"
	"github.com/erigontech/chaindata/chainstore/ingest/chunkbuilder"
	"github.com/erigontech/chaindata/chainstore/ingest/writecontroller"
	"github.com/erigontech/chaindata/chainstore/kv"
	"github.com/erigontech/chaindata/chainstore/table"
)

// rowBlock is a fakeBlock that also satisfies RowProvider, standing in
// for a concrete chain adapter's block type.
type rowBlock struct {
	fakeBlock
	rows map[string][]chunkbuilder.Row
}

func (b rowBlock) Rows() map[string][]chunkbuilder.Row { return b.rows }

func blockRows(number uint64, hash, parent common.Hash) map[string][]chunkbuilder.Row {
	return map[string][]chunkbuilder.Row{
		"blocks": {{
			"number":      common.BlockNumber(number),
			"hash":        []byte(hash[:]),
			"parent_hash": []byte(parent[:]),
		}},
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, *dataset.Manager) {
	t.Helper()
	db := kv.NewDB()
	mgr := dataset.NewManager(db)
	ctx := context.Background()
	wc, err := writecontroller.New(ctx, mgr, "eth-mainnet", common.KindEVM, 0)
	require.NoError(t, err)
	cb := chunkbuilder.New(common.KindEVM, table.DefaultOptions())
	p := NewPipeline(nil, db, wc, cb, WithMaxRows(1))
	return p, mgr
}

func TestApplyBlockFlushesAtMaxRows(t *testing.T) {
	p, mgr := newTestPipeline(t)
	ctx := context.Background()

	h0 := hashByte(1)
	h1 := hashByte(2)

	require.NoError(t, p.apply(ctx, Event{Kind: EventBlock, Block: rowBlock{
		fakeBlock: fakeBlock{number: 0, hash: h0},
		rows:      blockRows(0, h0, common.Hash{}),
	}}))
	// maxRows is 1, and the blocks table alone produces one row per
	// block - the second push must cross the threshold and flush.
	require.NoError(t, p.apply(ctx, Event{Kind: EventBlock, Block: rowBlock{
		fakeBlock:  fakeBlock{number: 1, hash: h1, parentHash: h0},
		rows:       blockRows(1, h1, h0),
	}}))

	last, err := mgr.GetLastChunk(ctx, "eth-mainnet")
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, common.BlockNumber(1), last.LastBlock)
	require.Equal(t, 0, p.cb.NumRows())
}

func TestApplyBlockRejectsNonRowProvider(t *testing.T) {
	p, _ := newTestPipeline(t)
	err := p.apply(context.Background(), Event{Kind: EventBlock, Block: fakeBlock{number: 0}})
	require.Error(t, err)
}

func TestApplyMaybeOnHeadFlushesPartialChunk(t *testing.T) {
	p, mgr := newTestPipeline(t)
	ctx := context.Background()

	h0 := hashByte(1)
	require.NoError(t, p.apply(ctx, Event{Kind: EventBlock, Block: rowBlock{
		fakeBlock: fakeBlock{number: 0, hash: h0},
		rows:      blockRows(0, h0, common.Hash{}),
	}}))
	require.Equal(t, 1, p.cb.NumRows())

	require.NoError(t, p.apply(ctx, Event{Kind: EventMaybeOnHead}))

	require.Equal(t, 0, p.cb.NumRows())
	last, err := mgr.GetLastChunk(ctx, "eth-mainnet")
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, common.BlockNumber(0), last.LastBlock)
}

func TestApplyMaybeOnHeadIsNoopWhenEmpty(t *testing.T) {
	p, mgr := newTestPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.apply(ctx, Event{Kind: EventMaybeOnHead}))

	last, err := mgr.GetLastChunk(ctx, "eth-mainnet")
	require.NoError(t, err)
	require.Nil(t, last)
}

func TestApplyBlockCarriesFinalizedHeadIntoFlush(t *testing.T) {
	p, mgr := newTestPipeline(t)
	ctx := context.Background()

	h0 := hashByte(1)
	require.NoError(t, p.apply(ctx, Event{
		Kind:    EventBlock,
		Block:   rowBlock{fakeBlock: fakeBlock{number: 0, hash: h0}, rows: blockRows(0, h0, common.Hash{})},
		IsFinal: true,
	}))
	require.NoError(t, p.apply(ctx, Event{Kind: EventMaybeOnHead}))

	label, err := mgr.GetLabel(ctx, "eth-mainnet")
	require.NoError(t, err)
	require.NotNil(t, label.FinalizedHead)
	require.Equal(t, common.BlockNumber(0), label.FinalizedHead.Number)
}

func TestApplyFinalizedHeadEventCallsFinalize(t *testing.T) {
	p, mgr := newTestPipeline(t)
	ctx := context.Background()

	h0 := hashByte(1)
	require.NoError(t, p.apply(ctx, Event{Kind: EventBlock, Block: rowBlock{
		fakeBlock: fakeBlock{number: 0, hash: h0},
		rows:      blockRows(0, h0, common.Hash{}),
	}}))
	require.NoError(t, p.apply(ctx, Event{Kind: EventMaybeOnHead}))

	require.NoError(t, p.apply(ctx, Event{Kind: EventFinalizedHead, FinalizedHead: common.BlockRef{Number: 0, Hash: h0}}))

	label, err := mgr.GetLabel(ctx, "eth-mainnet")
	require.NoError(t, err)
	require.NotNil(t, label.FinalizedHead)
	require.Equal(t, common.BlockNumber(0), label.FinalizedHead.Number)
}

func TestApplyForkClearsBuilderAndRepositions(t *testing.T) {
	p, mgr := newTestPipeline(t)
	ctx := context.Background()

	h0 := hashByte(1)
	require.NoError(t, p.apply(ctx, Event{Kind: EventBlock, Block: rowBlock{
		fakeBlock: fakeBlock{number: 0, hash: h0},
		rows:      blockRows(0, h0, common.Hash{}),
	}}))
	require.NoError(t, p.apply(ctx, Event{Kind: EventMaybeOnHead}))
	require.NoError(t, p.apply(ctx, Event{Kind: EventFinalizedHead, FinalizedHead: common.BlockRef{Number: 0, Hash: h0}}))

	// Start a second, still-buffered chunk so applyFork has something to
	// discard.
	h1 := hashByte(2)
	require.NoError(t, p.apply(ctx, Event{Kind: EventBlock, Block: rowBlock{
		fakeBlock: fakeBlock{number: 1, hash: h1, parentHash: h0},
		rows:      blockRows(1, h1, h0),
	}}))
	require.Equal(t, 1, p.cb.NumRows())

	source := NewSource([]DataClient{}, 0, nil)
	p.source = source

	require.NoError(t, p.apply(ctx, Event{Kind: EventFork, ForkChain: []common.BlockRef{{Number: 0, Hash: h0}}}))

	require.Equal(t, 0, p.cb.NumRows())
	require.Equal(t, common.BlockNumber(1), source.firstBlock)
	require.NotNil(t, source.parentBlockHash)
	require.Equal(t, h0, *source.parentBlockHash)

	// The discarded in-flight chunk must never have been finalized.
	label, err := mgr.GetLabel(ctx, "eth-mainnet")
	require.NoError(t, err)
	require.Equal(t, common.BlockNumber(0), label.FinalizedHead.Number)
}

func TestApplyUnknownEventKindErrors(t *testing.T) {
	p, _ := newTestPipeline(t)
	err := p.apply(context.Background(), Event{Kind: EventKind(99)})
	require.Error(t, err)
}

func TestRunDrivesSourceUntilContextCancelled(t *testing.T) {
	p, mgr := newTestPipeline(t)

	h0 := hashByte(1)
	h1 := hashByte(2)
	blocks := []Block{
		rowBlock{fakeBlock: fakeBlock{number: 0, hash: h0}, rows: blockRows(0, h0, common.Hash{})},
		rowBlock{fakeBlock: fakeBlock{number: 1, hash: h1, parentHash: h0}, rows: blockRows(1, h1, h0)},
	}
	client := &fakeClient{
		stream: func(ctx context.Context, req BlockStreamRequest) (StreamResponse, error) {
			return StreamResponse{Blocks: &sliceStream{blocks: blocks}}, nil
		},
		retryable: func(error) bool { return false },
	}
	p.source = NewSource([]DataClient{client}, 0, nil, WithPollWait(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := p.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// maxRows(1) is crossed exactly when the second block lands, so the
	// chunk should already be durable by the time the loop is cancelled.
	last, err2 := mgr.GetLastChunk(context.Background(), "eth-mainnet")
	require.NoError(t, err2)
	require.NotNil(t, last)
	require.Equal(t, common.BlockNumber(1), last.LastBlock)
}
