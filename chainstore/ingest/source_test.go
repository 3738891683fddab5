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
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/chaindata/chainstore/common"
)

type fakeBlock struct {
	number     common.BlockNumber
	hash       common.Hash
	parentHash common.Hash
}

func (b fakeBlock) Number() common.BlockNumber      { return b.number }
func (b fakeBlock) Hash() common.Hash                { return b.hash }
func (b fakeBlock) ParentHash() common.Hash          { return b.parentHash }
func (b fakeBlock) Timestamp() (int64, bool)         { return 0, false }
func (b fakeBlock) DataAvailabilityMask() uint64      { return 0 }

func hashByte(n byte) common.Hash {
	var h common.Hash
	h[0] = n
	return h
}

// sliceStream replays a fixed list of blocks once, then reports io.EOF
// forever after.
type sliceStream struct {
	blocks []Block
	i      int
}

func (s *sliceStream) Next(ctx context.Context) (Block, error) {
	if s.i >= len(s.blocks) {
		return nil, io.EOF
	}
	b := s.blocks[s.i]
	s.i++
	return b, nil
}

// blockingStream never produces anything; Next only returns once ctx is
// done, simulating an endpoint that is still streaming with nothing new.
type blockingStream struct{}

func (blockingStream) Next(ctx context.Context) (Block, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type streamFunc func(ctx context.Context, req BlockStreamRequest) (StreamResponse, error)

type fakeClient struct {
	stream    streamFunc
	retryable func(error) bool
}

func (c *fakeClient) Stream(ctx context.Context, req BlockStreamRequest) (StreamResponse, error) {
	return c.stream(ctx, req)
}

func (c *fakeClient) IsRetryable(err error) bool {
	if c.retryable != nil {
		return c.retryable(err)
	}
	return true
}

func TestSourceEmitsBlocksInOrder(t *testing.T) {
	blocks := []Block{
		fakeBlock{number: 0, hash: hashByte(10), parentHash: common.Hash{}},
		fakeBlock{number: 1, hash: hashByte(11), parentHash: hashByte(10)},
	}
	client := &fakeClient{stream: func(ctx context.Context, req BlockStreamRequest) (StreamResponse, error) {
		return StreamResponse{Blocks: &sliceStream{blocks: blocks}}, nil
	}}
	src := NewSource([]DataClient{client}, 0, nil, WithPollWait(5*time.Millisecond))

	ev, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, EventBlock, ev.Kind)
	require.Equal(t, common.BlockNumber(0), ev.Block.Number())

	ev, err = src.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, EventBlock, ev.Kind)
	require.Equal(t, common.BlockNumber(1), ev.Block.Number())

	// the stream is now exhausted; since this endpoint has accepted
	// blocks and the position is canonical, the next event is
	// MaybeOnHead rather than another EventBlock.
	ev, err = src.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, EventMaybeOnHead, ev.Kind)
}

func TestSourceRejectsBlockBelowFirstBlock(t *testing.T) {
	blocks := []Block{
		fakeBlock{number: 5, hash: hashByte(1), parentHash: common.Hash{}},
		fakeBlock{number: 10, hash: hashByte(2), parentHash: hashByte(9)},
	}
	client := &fakeClient{stream: func(ctx context.Context, req BlockStreamRequest) (StreamResponse, error) {
		return StreamResponse{Blocks: &sliceStream{blocks: blocks}}, nil
	}}
	src := NewSource([]DataClient{client}, 10, nil, WithPollWait(5*time.Millisecond))

	ev, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, EventBlock, ev.Kind)
	require.Equal(t, common.BlockNumber(10), ev.Block.Number())
}

func TestSourceRestartsOnParentHashMismatch(t *testing.T) {
	wrongParent := hashByte(99)
	blocks := []Block{
		fakeBlock{number: 0, hash: hashByte(1), parentHash: wrongParent},
	}
	var calls int32
	client := &fakeClient{stream: func(ctx context.Context, req BlockStreamRequest) (StreamResponse, error) {
		atomic.AddInt32(&calls, 1)
		return StreamResponse{Blocks: &sliceStream{blocks: blocks}}, nil
	}}
	expectedParent := hashByte(0)
	src := NewSource([]DataClient{client}, 0, &expectedParent, WithPollWait(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_, err := src.Poll(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2), "endpoint should have restarted at Ready and re-streamed")
}

func TestSourceNeverEmitsMaybeOnHeadForEndpointThatNeverCommitted(t *testing.T) {
	client := &fakeClient{stream: func(ctx context.Context, req BlockStreamRequest) (StreamResponse, error) {
		return StreamResponse{Blocks: &sliceStream{}}, nil
	}}
	src := NewSource([]DataClient{client}, 0, nil, WithPollWait(2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := src.Poll(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSourceBacksOffRetryableErrorThenRecovers(t *testing.T) {
	var calls int32
	client := &fakeClient{
		stream: func(ctx context.Context, req BlockStreamRequest) (StreamResponse, error) {
			n := atomic.AddInt32(&calls, 1)
			if n == 1 {
				return StreamResponse{}, errors.New("connection reset")
			}
			return StreamResponse{Blocks: &sliceStream{blocks: []Block{
				fakeBlock{number: 0, hash: hashByte(1), parentHash: common.Hash{}},
			}}}, nil
		},
		retryable: func(error) bool { return true },
	}
	src := NewSource([]DataClient{client}, 0, nil, WithPollWait(2*time.Millisecond))

	ev, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, EventBlock, ev.Kind)
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestSourceFatalOnNonRetryableError(t *testing.T) {
	boom := errors.New("permanently misconfigured endpoint")
	client := &fakeClient{
		stream: func(ctx context.Context, req BlockStreamRequest) (StreamResponse, error) {
			return StreamResponse{}, boom
		},
		retryable: func(error) bool { return false },
	}
	src := NewSource([]DataClient{client}, 0, nil, WithPollWait(5*time.Millisecond))

	_, err := src.Poll(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "permanently misconfigured endpoint")
}

// TestSourceForkQuorumNotMetWithOneOfThree exercises spec.md test #6's
// first half: three active endpoints, only one reports Fork at the
// current request position, the other two are still streaming. A single
// vote out of three active endpoints doesn't meet the majority-of-three
// requirement (2), so no Fork event fires.
func TestSourceForkQuorumNotMetWithOneOfThree(t *testing.T) {
	chainA := []common.BlockRef{{Number: 100, Hash: hashByte(1)}}
	clientA := &fakeClient{stream: func(ctx context.Context, req BlockStreamRequest) (StreamResponse, error) {
		return StreamResponse{}, &ForkError{PrevBlocks: chainA}
	}}
	clientB := &fakeClient{stream: func(ctx context.Context, req BlockStreamRequest) (StreamResponse, error) {
		return StreamResponse{Blocks: blockingStream{}}, nil
	}}
	clientC := &fakeClient{stream: func(ctx context.Context, req BlockStreamRequest) (StreamResponse, error) {
		return StreamResponse{Blocks: blockingStream{}}, nil
	}}

	src := NewSource([]DataClient{clientA, clientB, clientC}, 0, nil, WithPollWait(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	_, err := src.Poll(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestSourceForkQuorumMetWithTwoOfThree covers the second half of spec.md
// test #6: once two of three active endpoints agree on a fork at the same
// request position (majority of three), Fork fires with the longest
// reported chain, even though the third endpoint is still streaming.
func TestSourceForkQuorumMetWithTwoOfThree(t *testing.T) {
	chainA := []common.BlockRef{{Number: 100, Hash: hashByte(1)}}
	chainB := []common.BlockRef{{Number: 100, Hash: hashByte(1)}, {Number: 99, Hash: hashByte(2)}}

	clientA := &fakeClient{stream: func(ctx context.Context, req BlockStreamRequest) (StreamResponse, error) {
		return StreamResponse{}, &ForkError{PrevBlocks: chainA}
	}}
	clientB := &fakeClient{stream: func(ctx context.Context, req BlockStreamRequest) (StreamResponse, error) {
		return StreamResponse{}, &ForkError{PrevBlocks: chainB}
	}}
	clientC := &fakeClient{stream: func(ctx context.Context, req BlockStreamRequest) (StreamResponse, error) {
		return StreamResponse{Blocks: blockingStream{}}, nil
	}}

	src := NewSource([]DataClient{clientA, clientB, clientC}, 0, nil, WithPollWait(5*time.Millisecond))

	ev, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, EventFork, ev.Kind)
	require.Equal(t, chainB, ev.ForkChain)
}

func TestSourceReposition(t *testing.T) {
	client := &fakeClient{stream: func(ctx context.Context, req BlockStreamRequest) (StreamResponse, error) {
		return StreamResponse{Blocks: blockingStream{}}, nil
	}}
	src := NewSource([]DataClient{client}, 50, nil, WithPollWait(2*time.Millisecond))

	newParent := hashByte(7)
	src.Reposition(51, &newParent)
	require.Equal(t, common.BlockNumber(51), src.firstBlock)
	require.True(t, src.canonical)
	require.Equal(t, stateReady, src.clients[0].state)
}
