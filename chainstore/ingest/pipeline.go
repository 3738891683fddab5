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
	"fmt"

	"go.uber.org/zap"

	"github.com/erigontech/chaindata/chainstore/common"
	"github.com/erigontech/chaindata/chainstore/dataset"
	"github.com/erigontech/chaindata/chainstore/ingest/chunkbuilder"
	"github.com/erigontech/chaindata/chainstore/ingest/writecontroller"
	"github.com/erigontech/chaindata/chainstore/kv"
)

// RowProvider is implemented by a Block that also carries the entity rows
// a chunkbuilder.Builder needs - Source's own fork quorum/continuity
// logic never needs row data, so Block itself stays narrow and every
// concrete chain adapter additionally satisfies this interface.
type RowProvider interface {
	Rows() map[string][]chunkbuilder.Row
}

// flush thresholds from spec §4.7: a chunk closes once it holds more than
// 200,000 rows or more than 30MiB of buffered column data, whichever
// comes first.
const (
	defaultMaxRows          = 200_000
	defaultMaxBufferedBytes = 30 * 1024 * 1024
)

// PipelineOption configures a Pipeline at construction.
type PipelineOption func(*Pipeline)

func WithMaxRows(n int) PipelineOption {
	return func(p *Pipeline) { p.maxRows = n }
}

func WithMaxBufferedBytes(n int64) PipelineOption {
	return func(p *Pipeline) { p.maxBufferedBytes = n }
}

func WithPipelineLogger(l *zap.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// Pipeline is the Go counterpart of ingest_generic.rs's IngestGeneric: it
// drives a Source's event stream, accumulates blocks into a
// chunkbuilder.Builder, and hands finished chunks to a
// writecontroller.WriteController, reconciling forks by recomputing a
// rollback and repositioning the source.
type Pipeline struct {
	source *Source
	db     *kv.DB
	wc     *writecontroller.WriteController
	cb     *chunkbuilder.Builder

	maxRows          int
	maxBufferedBytes int64
	logger           *zap.Logger

	pendingFinalizedHead *common.BlockRef
}

// NewPipeline wires together an already-positioned Source, the kv.DB its
// chunks are written into, a WriteController for the target dataset, and
// a chunkbuilder.Builder matching that dataset's kind.
func NewPipeline(source *Source, db *kv.DB, wc *writecontroller.WriteController, cb *chunkbuilder.Builder, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		source:           source,
		db:               db,
		wc:               wc,
		cb:               cb,
		maxRows:          defaultMaxRows,
		maxBufferedBytes: defaultMaxBufferedBytes,
		logger:           zap.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run polls the source forever, applying each Event, until ctx is
// cancelled or a fatal error occurs. A context cancellation is not
// itself treated as an error by callers driving Run in a background
// goroutine; Run returns ctx.Err() so they can tell the two apart from a
// real ingest failure.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		ev, err := p.source.Poll(ctx)
		if err != nil {
			return err
		}
		if err := p.apply(ctx, ev); err != nil {
			return err
		}
	}
}

func (p *Pipeline) apply(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventBlock:
		return p.applyBlock(ctx, ev)
	case EventFinalizedHead:
		return p.wc.Finalize(ctx, ev.FinalizedHead)
	case EventFork:
		return p.applyFork(ctx, ev)
	case EventMaybeOnHead:
		if err := p.flush(ctx); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("ingest: pipeline received unknown event kind %d", ev.Kind)
	}
}

func (p *Pipeline) applyBlock(ctx context.Context, ev Event) error {
	rp, ok := ev.Block.(RowProvider)
	if !ok {
		return fmt.Errorf("ingest: block %d does not implement RowProvider", ev.Block.Number())
	}

	blk := chunkbuilder.Block{
		Number:               ev.Block.Number(),
		Hash:                 ev.Block.Hash(),
		ParentHash:           ev.Block.ParentHash(),
		DataAvailabilityMask: ev.Block.DataAvailabilityMask(),
		Rows:                 rp.Rows(),
	}
	if ts, ok := ev.Block.Timestamp(); ok {
		blk.Timestamp = ts
		blk.HasTimestamp = true
	}

	if p.cb.ShouldClose(blk.DataAvailabilityMask) {
		if err := p.flush(ctx); err != nil {
			return err
		}
	}

	if err := p.cb.PushBlock(blk); err != nil {
		return err
	}

	if ev.IsFinal {
		ref := common.BlockRef{Number: blk.Number, Hash: blk.Hash}
		p.pendingFinalizedHead = &ref
	}

	if p.cb.NumRows() > p.maxRows || p.cb.BufferedBytes() > p.maxBufferedBytes {
		return p.flush(ctx)
	}
	return nil
}

func (p *Pipeline) applyFork(ctx context.Context, ev Event) error {
	// Every row buffered for the chunk being built belongs to the branch
	// the fork just invalidated; there's nothing durable to preserve.
	p.cb.Clear()
	p.pendingFinalizedHead = nil

	rb, err := p.wc.ComputeRollback(ctx, ev.ForkChain)
	if err != nil {
		return err
	}
	p.source.Reposition(rb.FirstBlock, rb.ParentBlockHash)
	return nil
}

// flush is a no-op when nothing is buffered (e.g. a MaybeOnHead that
// arrives with an empty builder). Otherwise it pages the builder's tables
// into a fresh kv.DB transaction, then hands the resulting chunk to the
// write controller, which inserts it and merges in any finalized head
// observed since the last flush.
//
// The table write and the chunk-metadata insert are deliberately two
// separate commits rather than one: an orphaned table write that never
// gets a chunk record pointing at it is inert and harmless, whereas
// reversing the order could let a committed chunk reference table data
// that was never durably written.
func (p *Pipeline) flush(ctx context.Context) error {
	if p.cb.NumRows() == 0 {
		return nil
	}

	var chunk dataset.Chunk
	err := p.db.Update(ctx, func(tx *kv.RwTx) error {
		c, err := p.cb.Finish(tx, p.wc.DatasetID())
		if err != nil {
			return err
		}
		chunk = c
		return nil
	})
	if err != nil {
		return err
	}
	p.cb.Clear()

	finalizedHead := p.pendingFinalizedHead
	p.pendingFinalizedHead = nil
	return p.wc.NewChunk(ctx, chunk, finalizedHead)
}
