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

// Package compact implements the compaction engine (spec §4.5): it merges
// a maximal run of adjacent small chunks in one dataset into a single
// larger chunk, unioning per-table schemas and optionally re-sorting rows
// by a table's configured sort key.
package compact

import (
	"context"
	"fmt"
	"sort"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"

	arrowx "github.com/erigontech/chaindata/chainstore/arrow"
	"github.com/erigontech/chaindata/chainstore/chainerr"
	"github.com/erigontech/chaindata/chainstore/common"
	"github.com/erigontech/chaindata/chainstore/dataset"
	"github.com/erigontech/chaindata/chainstore/kv"
	"github.com/erigontech/chaindata/chainstore/table"
	"github.com/erigontech/chaindata/chainstore/table/cast"
)

// Compactor runs compaction passes over one dataset at a time.
type Compactor struct {
	mgr  *dataset.Manager
	opts Options
}

func NewCompactor(mgr *dataset.Manager, opts Options) *Compactor {
	return &Compactor{mgr: mgr, opts: opts}
}

// Compact finds one maximal compactable run in id and, if found, merges it
// atomically. Restarting after a crash before commit is safe: the source
// chunks are untouched until the swap's single Update commits (spec §4.5:
// "idempotent and restartable").
func (c *Compactor) Compact(ctx context.Context, id common.DatasetId) (CompactionStatus, error) {
	chunks, err := c.mgr.ListChunks(ctx, id, 0, nil, false)
	if err != nil {
		return NothingToCompact, err
	}
	start, end, ok := findCompactableRun(chunks, c.opts.MinChunkSize, c.opts.MaxChunkSize)
	if !ok {
		return NothingToCompact, nil
	}
	run := chunks[start:end]

	err = c.mgr.Compact(ctx, id, run, func(tx *kv.RwTx) (dataset.Chunk, error) {
		return c.mergeRun(ctx, tx, id, run)
	})
	if err != nil {
		return NothingToCompact, err
	}
	return Ok, nil
}

// findCompactableRun finds the first maximal contiguous run of at least
// two chunks whose combined width (last-first+1, summed) fits within
// maxSize and reaches at least minSize (spec §4.5 phase 0).
func findCompactableRun(chunks []dataset.Chunk, minSize, maxSize int64) (start, end int, ok bool) {
	n := len(chunks)
	for s := 0; s < n; s++ {
		sum := int64(0)
		e := s
		for e < n {
			w := chunkWidth(chunks[e])
			if sum+w > maxSize {
				break
			}
			sum += w
			e++
		}
		if e > s+1 && sum >= minSize {
			return s, e, true
		}
	}
	return 0, 0, false
}

func chunkWidth(c dataset.Chunk) int64 {
	return int64(c.LastBlock) - int64(c.FirstBlock) + 1
}

// mergeRun performs phases 1-3 of spec §4.5 for every table name appearing
// anywhere in run, and assembles the resulting Chunk metadata. tx is the
// same transaction the caller's atomic swap (phase 4) runs in.
func (c *Compactor) mergeRun(ctx context.Context, tx *kv.RwTx, id common.DatasetId, run []dataset.Chunk) (dataset.Chunk, error) {
	tableNames := collectTableNames(run)
	mergedTables := make(map[string]table.Ref, len(tableNames))

	for _, name := range tableNames {
		ref, err := c.mergeTable(ctx, tx, id, name, run)
		if err != nil {
			return dataset.Chunk{}, fmt.Errorf("compacting table %q: %w", name, err)
		}
		mergedTables[name] = ref
	}

	first := run[0]
	last := run[len(run)-1]
	return dataset.Chunk{
		FirstBlock:      first.FirstBlock,
		LastBlock:       last.LastBlock,
		LastBlockHash:   last.LastBlockHash,
		ParentBlockHash: first.ParentBlockHash,
		Tables:          mergedTables,
	}, nil
}

func collectTableNames(run []dataset.Chunk) []string {
	seen := map[string]bool{}
	var names []string
	for _, c := range run {
		for name := range c.Tables {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// rowRef names one output row by the source chunk (index into run) and row
// index within that chunk's table.
type rowRef struct{ chunk, row int }

// chunkSpan is spec §4.5 phase 2's ChunkRange marker (chunk_id, offset,
// len): a maximal run of the output permutation drawn from consecutive
// rows of a single source chunk, streamed as one unit instead of row by
// row.
type chunkSpan struct {
	chunk, offset, len int
}

// toChunkSpans collapses a row permutation into ChunkRange markers.
// Concatenation order (no sort key) collapses to exactly one span per
// source chunk; a sort-key permutation still collapses runs wherever the
// sort happened to preserve source adjacency.
func toChunkSpans(rows []rowRef) []chunkSpan {
	var spans []chunkSpan
	for _, rr := range rows {
		if n := len(spans); n > 0 {
			last := &spans[n-1]
			if last.chunk == rr.chunk && last.offset+last.len == rr.row {
				last.len++
				continue
			}
		}
		spans = append(spans, chunkSpan{chunk: rr.chunk, offset: rr.row, len: 1})
	}
	return spans
}

// mergeTable implements spec §4.5 phases 1-3 for a single table name:
// schema union, (optional) sort-key permutation, concatenation/index-cast,
// and a Finish under tx.
func (c *Compactor) mergeTable(ctx context.Context, tx *kv.RwTx, id common.DatasetId, name string, run []dataset.Chunk) (table.Ref, error) {
	mem := memory.NewGoAllocator()

	readers := make([]*table.Reader, len(run))
	var schemas []*arrow.Schema
	for i, ch := range run {
		ref, ok := ch.Tables[name]
		if !ok {
			continue
		}
		r, err := table.NewReader(tx, ref)
		if err != nil {
			return nil, err
		}
		readers[i] = r
		schemas = append(schemas, r.Schema())
	}

	schema, err := unionSchemas(schemas)
	if err != nil {
		return nil, err
	}

	opts := c.opts.tableOptions(name)
	rows, err := c.buildRowOrder(ctx, readers, schema, opts.SortKey, mem)
	if err != nil {
		return nil, err
	}
	spans := toChunkSpans(rows)

	outCols := make([]arrow.Array, len(schema.Fields()))
	for colIdx, field := range schema.Fields() {
		col, err := c.buildColumn(ctx, readers, field, spans, mem)
		if err != nil {
			return nil, err
		}
		outCols[colIdx] = col
	}

	rec := array.NewRecord(schema, outCols, int64(len(rows)))
	for _, col := range outCols {
		col.Release()
	}
	defer rec.Release()

	w := table.NewWriter(schema, opts)
	if err := w.WriteRecordBatch(rec); err != nil {
		return nil, err
	}
	return w.Finish(tx, id, name)
}

// buildRowOrder returns the permutation assembling the merged table's rows:
// a stable sort by sortKey columns (phase 2's sort_table_to_indexes) when
// sortKey is non-empty, otherwise the identity concatenation order (phase
// 2's "otherwise" branch).
func (c *Compactor) buildRowOrder(ctx context.Context, readers []*table.Reader, schema *arrow.Schema, sortKey []string, mem memory.Allocator) ([]rowRef, error) {
	var rows []rowRef
	for ci, r := range readers {
		if r == nil {
			continue
		}
		for ri := int64(0); ri < r.NumRows(); ri++ {
			rows = append(rows, rowRef{chunk: ci, row: int(ri)})
		}
	}
	if len(sortKey) == 0 {
		return rows, nil
	}

	keyCols := make([][]arrow.Array, len(sortKey))
	for ki, keyName := range sortKey {
		fieldIdx := fieldIndex(schema, keyName)
		if fieldIdx < 0 {
			return nil, fmt.Errorf("%w: sort key column %q not in merged schema", chainerr.ErrSchema, keyName)
		}
		target := schema.Field(fieldIdx).Type
		cols := make([]arrow.Array, len(readers))
		for ci, r := range readers {
			if r == nil {
				continue
			}
			srcIdx := fieldIndex(r.Schema(), keyName)
			if srcIdx < 0 {
				return nil, fmt.Errorf("%w: sort key column %q missing from a source chunk", chainerr.ErrSchema, keyName)
			}
			arr, err := r.ReadColumn(ctx, srcIdx, nil)
			if err != nil {
				return nil, err
			}
			cols[ci] = widenIfNeeded(arr, target, mem)
		}
		keyCols[ki] = cols
	}
	defer func() {
		for _, cols := range keyCols {
			for _, a := range cols {
				if a != nil {
					a.Release()
				}
			}
		}
	}()

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		for _, cols := range keyCols {
			va := table.ScalarAt(cols[a.chunk], a.row)
			vb := table.ScalarAt(cols[b.chunk], b.row)
			if va.Less(vb) {
				return true
			}
			if vb.Less(va) {
				return false
			}
		}
		return false
	})
	return rows, nil
}

// buildColumn assembles one output column by streaming each ChunkRange
// span of the output permutation through the owning chunk's
// table.ColumnReader (spec §4.5 phase 2/3: "stream each non-sort-key
// column through a ChunkedReader following the same permutation via
// ChunkRange markers"), widening each batch up to the merged schema's
// type via cast.IndexCastReader, then concatenating every span's pieces.
// A span whose chunk lacks the column entirely reads as a run of nulls.
func (c *Compactor) buildColumn(ctx context.Context, readers []*table.Reader, field arrow.Field, spans []chunkSpan, mem memory.Allocator) (arrow.Array, error) {
	if len(spans) == 0 {
		b := array.NewBuilder(mem, field.Type)
		defer b.Release()
		return b.NewArray(), nil
	}

	var pieces []arrow.Array
	defer func() {
		for _, p := range pieces {
			p.Release()
		}
	}()

	for _, sp := range spans {
		r := readers[sp.chunk]
		srcIdx := -1
		if r != nil {
			srcIdx = fieldIndex(r.Schema(), field.Name)
		}
		if r == nil || srcIdx < 0 {
			pieces = append(pieces, nullArray(field.Type, sp.len, mem))
			continue
		}
		cr, err := r.CreateColumnReader(srcIdx, table.RowRangeList{{Start: int64(sp.offset), End: int64(sp.offset + sp.len)}})
		if err != nil {
			return nil, err
		}
		for {
			batch, err := cr.Next(ctx)
			if err != nil {
				return nil, err
			}
			if batch == nil {
				break
			}
			widened, err := widenBatch(ctx, batch, field.Type, mem)
			if err != nil {
				return nil, err
			}
			pieces = append(pieces, widened)
		}
	}

	if len(pieces) == 1 {
		pieces[0].Retain()
		return pieces[0], nil
	}
	return array.Concatenate(pieces, mem)
}

// nullArray builds a length-n all-null array of dt, for ChunkRange spans
// whose owning chunk never had the column at all.
func nullArray(dt arrow.DataType, n int, mem memory.Allocator) arrow.Array {
	b := array.NewBuilder(mem, dt)
	defer b.Release()
	for i := 0; i < n; i++ {
		b.AppendNull()
	}
	return b.NewArray()
}

// widenBatch widens one ColumnReader batch up to target by draining it
// through cast.IndexCastReader - the genuine per-span, per-batch casting
// point spec §4.5 phase 3 describes ("casts before forwarding"). When the
// batch's type already matches target, arr itself is returned with no
// extra Retain; otherwise arr is released and the widened array returned.
func widenBatch(ctx context.Context, arr arrow.Array, target arrow.DataType, mem memory.Allocator) (arrow.Array, error) {
	if arrow.TypeEqual(arr.DataType(), target) {
		return arr, nil
	}
	defer arr.Release()

	cr, err := cast.NewIndexCastReader(arr, target)
	if err != nil {
		return nil, err
	}
	var pieces []arrow.Array
	defer func() {
		for _, p := range pieces {
			p.Release()
		}
	}()
	for {
		piece, err := cr.Next(ctx)
		if err != nil {
			return nil, err
		}
		if piece == nil {
			break
		}
		pieces = append(pieces, piece)
	}
	if len(pieces) == 1 {
		pieces[0].Retain()
		return pieces[0], nil
	}
	return array.Concatenate(pieces, mem)
}

// widenIfNeeded casts arr up to target when the two differ (an older
// chunk's narrower integer column meeting the unioned wider type); when the
// types already match it returns arr itself, with no extra Retain. Used
// only for buildRowOrder's sort-key columns, which buildRowOrder already
// reads in full to sort by - widenBatch is the streaming counterpart
// buildColumn uses for the output columns themselves. Errors from
// cast.CastInteger are deliberately swallowed by returning arr unchanged:
// unionSchemas
// already guarantees integer-widening is the only mismatch this function
// is ever asked to bridge.
func widenIfNeeded(arr arrow.Array, target arrow.DataType, mem memory.Allocator) arrow.Array {
	if arrow.TypeEqual(arr.DataType(), target) {
		return arr
	}
	casted, err := cast.CastInteger(arr, target, mem)
	if err != nil {
		return arr
	}
	arr.Release()
	return casted
}

func fieldIndex(schema *arrow.Schema, name string) int {
	for i, f := range schema.Fields() {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// unionSchemas implements spec §4.5 phase 1: start from the last chunk's
// schema and fold backward, widening integer columns and tolerating
// columns absent from older chunks (which become nullable in the result).
func unionSchemas(schemas []*arrow.Schema) (*arrow.Schema, error) {
	if len(schemas) == 0 {
		return arrow.NewSchema(nil, nil), nil
	}
	var order []string
	byName := map[string]arrow.Field{}
	presentIn := map[string]int{}

	for i := len(schemas) - 1; i >= 0; i-- {
		seen := map[string]bool{}
		for _, f := range schemas[i].Fields() {
			if !seen[f.Name] {
				seen[f.Name] = true
				presentIn[f.Name]++
			}
			existing, ok := byName[f.Name]
			if !ok {
				byName[f.Name] = f
				order = append(order, f.Name)
				continue
			}
			merged, err := widerType(existing.Type, f.Type)
			if err != nil {
				return nil, fmt.Errorf("%w: column %q: %v", chainerr.ErrSchema, f.Name, err)
			}
			existing.Type = merged
			existing.Nullable = existing.Nullable || f.Nullable
			byName[f.Name] = existing
		}
	}

	fields := make([]arrow.Field, 0, len(order))
	for _, name := range order {
		f := byName[name]
		if presentIn[name] < len(schemas) {
			f.Nullable = true
		}
		fields = append(fields, f)
	}
	return arrow.NewSchema(fields, nil), nil
}

func widerType(a, b arrow.DataType) (arrow.DataType, error) {
	if arrow.TypeEqual(a, b) {
		return a, nil
	}
	if arrowx.IsInteger(a) && arrowx.IsInteger(b) {
		if arrowx.FixedWidth(a) >= arrowx.FixedWidth(b) {
			return a, nil
		}
		return b, nil
	}
	return nil, fmt.Errorf("incompatible types %s and %s", a, b)
}
