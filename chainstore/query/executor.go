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

package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"github.com/erigontech/chaindata/chainstore/chainerr"
	"github.com/erigontech/chaindata/chainstore/common"
	"github.com/erigontech/chaindata/chainstore/dataset"
	"github.com/erigontech/chaindata/chainstore/kv"
	"github.com/erigontech/chaindata/chainstore/table"
)

const defaultTimeLimit = 10 * time.Second

// RunOptions are the per-call knobs of spec §5/§9: OnlyFinalized caps the
// query at the dataset's finalized head rather than its live head;
// TimeLimit bounds wall-clock time, returning whatever chunks finished
// before it rather than erroring (supplemented from
// crates/hotblocks/src/query/running.rs).
type RunOptions struct {
	OnlyFinalized bool
	TimeLimit     time.Duration
}

// Stats mirrors the teacher's RunningQueryStats: how much of the dataset
// a single Run actually touched, for metrics and client-side pagination.
type Stats struct {
	ChunksRead uint64
	BlocksRead uint64
}

// Result is the concatenation of every chunk's BlockWriter a Run
// produced, plus the dataset's finalized head as observed at the start
// of the run. LastBlock() of the final writer is the caller's resume
// point for the next page.
type Result struct {
	Writers       []BlockWriter
	FinalizedHead *common.BlockRef
	Stats         Stats

	// Delivered is the set of block numbers actually written to Writers,
	// tracked with a RoaringBitmap. Run stops at the first chunk gap (see
	// the gap-detection break in Run), so the delivered blocks always
	// form one contiguous range.
	Delivered *roaring.Bitmap
}

func (r *Result) Release() {
	for _, w := range r.Writers {
		w.Release()
	}
}

// CoversContiguously reports whether Delivered is one unbroken range
// starting at first - the common case a paging client checks before
// trusting LastBlock() as a safe resume point.
func (r *Result) CoversContiguously(first common.BlockNumber) bool {
	last, ok := r.LastBlock()
	if !ok {
		return false
	}
	want := roaring.New()
	want.AddRange(uint64(first), uint64(last)+1)
	want.Xor(r.Delivered)
	return want.IsEmpty()
}

// LastBlock returns the last block number actually delivered, or false
// if the run produced no output at all (e.g. an empty dataset range).
func (r *Result) LastBlock() (common.BlockNumber, bool) {
	if len(r.Writers) == 0 {
		return 0, false
	}
	return r.Writers[len(r.Writers)-1].LastBlock(), true
}

type executorMetrics struct {
	blocksRead *prometheus.HistogramVec
	chunksRead *prometheus.HistogramVec
	busyTotal  prometheus.Counter
}

func newExecutorMetrics(reg prometheus.Registerer) *executorMetrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &executorMetrics{
		blocksRead: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "chainstore_query_blocks_read",
			Help: "Blocks read per query run.",
		}, []string{"dataset_id"}),
		chunksRead: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "chainstore_query_chunks_read",
			Help: "Chunks read per query run.",
		}, []string{"dataset_id"}),
		busyTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chainstore_query_busy_total",
			Help: "Queries rejected for lack of a free executor slot.",
		}),
	}
}

// Executor runs a Plan across however many chunks its requested block
// range spans, bounding both the number of concurrently running queries
// (the teacher's Busy semaphore, crates/hotblocks/src/api.rs) and each
// run's wall-clock time (crates/hotblocks/src/query/running.rs).
type Executor struct {
	mgr     *dataset.Manager
	db      *kv.DB
	sem     *semaphore.Weighted
	metrics *executorMetrics
}

// NewExecutor wires a bounded query-slot semaphore of maxConcurrent and,
// if reg is non-nil, registers this executor's metrics with it - metrics
// are always optional (spec.md §1's "no Prometheus in core").
func NewExecutor(mgr *dataset.Manager, db *kv.DB, maxConcurrent int64, reg prometheus.Registerer) *Executor {
	return &Executor{
		mgr:     mgr,
		db:      db,
		sem:     semaphore.NewWeighted(maxConcurrent),
		metrics: newExecutorMetrics(reg),
	}
}

// Run executes plan against id's chunks from plan.FirstBlock onward,
// stopping at plan.LastBlock (or the finalized head, under
// OnlyFinalized), at the configured time limit, or when a chunk gap is
// hit - whichever comes first. It never blocks waiting for a slot: with
// none free it returns chainerr.ErrBusy immediately.
func (e *Executor) Run(ctx context.Context, id common.DatasetId, plan *Plan, opts RunOptions) (*Result, error) {
	if !e.sem.TryAcquire(1) {
		if e.metrics != nil {
			e.metrics.busyTotal.Inc()
		}
		return nil, chainerr.ErrBusy
	}
	defer e.sem.Release(1)

	timeLimit := opts.TimeLimit
	if timeLimit <= 0 {
		timeLimit = defaultTimeLimit
	}
	deadline := time.Now().Add(timeLimit)

	label, err := e.mgr.GetLabel(ctx, id)
	if err != nil {
		return nil, err
	}

	chunks, err := e.mgr.ListChunks(ctx, id, 0, nil, false)
	if err != nil {
		return nil, err
	}
	startIdx := sort.Search(len(chunks), func(i int) bool { return chunks[i].LastBlock >= plan.FirstBlock })
	if startIdx >= len(chunks) {
		return nil, chainerr.ErrQueryAboveHead
	}
	first := chunks[startIdx]
	if first.FirstBlock > plan.FirstBlock {
		return nil, chainerr.ErrBlockRangeMissing
	}

	lastBlock := plan.LastBlock
	if opts.OnlyFinalized {
		if label.FinalizedHead == nil {
			return nil, fmt.Errorf("%w: finalized head not available yet", chainerr.ErrTransientIO)
		}
		capped := label.FinalizedHead.Number
		if lastBlock == nil || *lastBlock > capped {
			lastBlock = &capped
		}
	}

	// The caller-supplied parent hash is only meaningful against the
	// very first chunk touched, and only when the query starts exactly
	// on that chunk's first block (otherwise it's resuming mid-chunk).
	if plan.ParentBlockHash != nil && first.FirstBlock == plan.FirstBlock {
		if first.ParentBlockHash != *plan.ParentBlockHash {
			return nil, &chainerr.UnexpectedBaseBlockError{
				PrevBlocks:   []common.BlockRef{{Number: first.FirstBlock - 1, Hash: first.ParentBlockHash}},
				ExpectedHash: *plan.ParentBlockHash,
			}
		}
	}

	snap := e.db.Snapshot()
	res := &Result{FinalizedHead: label.FinalizedHead, Delivered: roaring.New()}
	remainingFirst := plan.FirstBlock

	for i := startIdx; i < len(chunks); i++ {
		if time.Now().After(deadline) {
			break
		}
		chunk := chunks[i]
		if i > startIdx {
			prev := chunks[i-1]
			if prev.LastBlock+1 != chunk.FirstBlock {
				break // gap between chunks: stop, return what's collected so far
			}
		}
		if lastBlock != nil && chunk.FirstBlock > *lastBlock {
			break
		}

		readers, err := openReaders(snap, chunk, plan)
		if err != nil {
			return nil, err
		}

		chunkPlan := *plan
		chunkPlan.FirstBlock = remainingFirst
		if lastBlock != nil && *lastBlock < chunk.LastBlock {
			b := *lastBlock
			chunkPlan.LastBlock = &b
		} else {
			chunkPlan.LastBlock = nil
		}
		chunkPlan.ParentBlockHash = nil

		w, err := chunkPlan.Execute(ctx, readers)
		if err != nil {
			return nil, fmt.Errorf("chunk [%d,%d]: %w", chunk.FirstBlock, chunk.LastBlock, err)
		}
		res.Stats.ChunksRead++
		if w == nil {
			break
		}
		res.Stats.BlocksRead += uint64(w.LastBlock()-remainingFirst) + 1
		res.Writers = append(res.Writers, w)
		res.Delivered.AddRange(uint64(remainingFirst), uint64(w.LastBlock())+1)

		if w.LastBlock() < chunk.LastBlock {
			// the weight budget was exhausted before the whole chunk was
			// consumed: stop here, the caller resumes from LastBlock()+1.
			break
		}
		remainingFirst = chunk.LastBlock + 1
		if lastBlock != nil && remainingFirst > *lastBlock {
			break
		}
	}

	if e.metrics != nil {
		e.metrics.blocksRead.WithLabelValues(string(id)).Observe(float64(res.Stats.BlocksRead))
		e.metrics.chunksRead.WithLabelValues(string(id)).Observe(float64(res.Stats.ChunksRead))
	}
	return res, nil
}

func openReaders(tx kv.Getter, chunk dataset.Chunk, plan *Plan) (map[string]*table.Reader, error) {
	names := map[string]struct{}{}
	for _, s := range plan.Scans {
		names[s.Table] = struct{}{}
	}
	for _, o := range plan.Outputs {
		names[o.Table] = struct{}{}
	}
	out := make(map[string]*table.Reader, len(names))
	for name := range names {
		ref, ok := chunk.Tables[name]
		if !ok {
			continue
		}
		r, err := table.NewReader(tx, ref)
		if err != nil {
			return nil, fmt.Errorf("table %q: %w", name, err)
		}
		out[name] = r
	}
	return out, nil
}
