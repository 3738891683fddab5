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

package table

import (
	"context"
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"golang.org/x/sync/errgroup"

	arrowx "github.com/erigontech/chaindata/chainstore/arrow"
	"github.com/erigontech/chaindata/chainstore/chainerr"
	"github.com/erigontech/chaindata/chainstore/kv"
)

// Reader opens a previously-finished table for projected, row-range
// filtered reads (spec §4.2).
type Reader struct {
	tx            kv.Getter
	ref           Ref
	schema        *arrow.Schema
	rowGroupSizes []int64
	mem           memory.Allocator
}

func NewReader(tx kv.Getter, ref Ref) (*Reader, error) {
	raw, ok := tx.Get(kv.CFTables, schemaKey(ref))
	if !ok {
		return nil, fmt.Errorf("%w: table %s has no schema blob", chainerr.ErrCorruptPage, ref)
	}
	schema, rowGroupSizes, err := decodeSchema(raw)
	if err != nil {
		return nil, err
	}
	return &Reader{tx: tx, ref: ref, schema: schema, rowGroupSizes: rowGroupSizes, mem: memory.NewGoAllocator()}, nil
}

func (r *Reader) Schema() *arrow.Schema { return r.schema }

func (r *Reader) NumRows() int64 {
	var n int64
	for _, s := range r.rowGroupSizes {
		n += s
	}
	return n
}

// GetColumnStats returns the per-row-group Stats recorded for col, or
// false if the column was not configured for statistics.
func (r *Reader) GetColumnStats(col int) ([]Stats, bool) {
	raw, ok := r.tx.Get(kv.CFTables, statsKey(r.ref, col))
	if !ok {
		return nil, false
	}
	stats, err := decodeStats(raw)
	if err != nil {
		return nil, false
	}
	return stats, true
}

// GetColumnPageStats returns the physical-page-granularity PageStats
// recorded for col, or false if none were recorded - either the column
// wasn't configured for statistics, or it's a variable-width/nested type
// for which writer.go only ever produces row-group-level Stats (see
// readColumnSpan's doc comment).
func (r *Reader) GetColumnPageStats(col int) ([]PageStats, bool) {
	raw, ok := r.tx.Get(kv.CFTables, pageStatsKey(r.ref, col))
	if !ok {
		return nil, false
	}
	stats, err := decodePageStats(raw)
	if err != nil {
		return nil, false
	}
	return stats, true
}

// RowGroupBounds returns the [start,end) row range covered by each row
// group, in the order row groups were written.
func (r *Reader) RowGroupBounds() []RowRange {
	bounds := make([]RowRange, 0, len(r.rowGroupSizes))
	off := int64(0)
	for _, n := range r.rowGroupSizes {
		bounds = append(bounds, RowRange{Start: off, End: off + n})
		off += n
	}
	return bounds
}

// ReadColumn returns the array for column col restricted to ranges (or
// the full column if ranges is nil). It first computes the smallest span
// covering every requested range, fetches only that span from KV (see
// readColumnSpan - for fixed-width leaf columns this means only the
// pages whose byte/bit extent overlaps the span ever leave KV), then
// slices/concatenates the individual ranges out of that span in memory.
func (r *Reader) ReadColumn(ctx context.Context, col int, ranges RowRangeList) (arrow.Array, error) {
	field := r.schema.Field(col)
	total := r.NumRows()
	span := RowRange{Start: 0, End: total}
	if ranges != nil {
		span = boundingSpan(ranges, total)
	}

	data, err := readColumnSpan(ctx, r.tx, r.ref, col, field.Type, span.Start, span.End-span.Start, total)
	if err != nil {
		return nil, err
	}
	full := array.MakeFromData(data)
	data.Release()
	defer full.Release()

	if ranges == nil {
		full.Retain()
		return full, nil
	}
	pieces := make([]arrow.Array, 0, len(ranges))
	for _, rg := range ranges {
		pieces = append(pieces, array.NewSlice(full, rg.Start-span.Start, rg.End-span.Start))
	}
	defer func() {
		for _, p := range pieces {
			p.Release()
		}
	}()
	if len(pieces) == 1 {
		pieces[0].Retain()
		return pieces[0], nil
	}
	return array.Concatenate(pieces, r.mem)
}

// boundingSpan returns the smallest RowRange covering every range in rs,
// clamped to total, so callers can restrict page fetches to one window
// before slicing out the (possibly disjoint) individual ranges in
// memory.
func boundingSpan(rs RowRangeList, total int64) RowRange {
	if len(rs) == 0 {
		return RowRange{}
	}
	span := rs[0]
	for _, rg := range rs[1:] {
		if rg.Start < span.Start {
			span.Start = rg.Start
		}
		if rg.End > span.End {
			span.End = rg.End
		}
	}
	if span.End > total {
		span.End = total
	}
	return span
}

// ArrayReader streams a column's values in bounded batches rather than
// materializing the whole requested range at once (spec §4.1:
// "create_column_reader(col) -> ArrayReader (streaming, for
// compaction)").
type ArrayReader interface {
	// Next returns the next batch, or a nil array with a nil error once
	// every range has been exhausted.
	Next(ctx context.Context) (arrow.Array, error)
}

// columnReaderBatchRows bounds how many rows ColumnReader.Next
// materializes per call. Matches cast.IndexCastReader's own step size
// so a cast layered on top of a batch never has to re-split it.
const columnReaderBatchRows = 1000

// ColumnReader is the ArrayReader CreateColumnReader hands back: it walks
// ranges in order, handing out columnReaderBatchRows-row (or smaller,
// at a range boundary) pieces, each fetched through ReadColumn so fixed-
// width leaf columns still only pull the pages that batch overlaps.
type ColumnReader struct {
	r      *Reader
	col    int
	ranges RowRangeList
	ri     int
	cur    int64
}

// CreateColumnReader returns a streaming reader over col restricted to
// ranges (or the whole column if ranges is nil) - the compaction engine's
// ChunkedReader building block (spec §4.5 phase 2/3's "stream each
// non-sort-key column through a ChunkedReader").
func (r *Reader) CreateColumnReader(col int, ranges RowRangeList) (*ColumnReader, error) {
	if col < 0 || col >= len(r.schema.Fields()) {
		return nil, fmt.Errorf("%w: column index %d out of range", chainerr.ErrSchema, col)
	}
	if ranges == nil {
		ranges = RowRangeList{{Start: 0, End: r.NumRows()}}
	}
	cr := &ColumnReader{r: r, col: col, ranges: ranges}
	if len(ranges) > 0 {
		cr.cur = ranges[0].Start
	}
	return cr, nil
}

func (cr *ColumnReader) Next(ctx context.Context) (arrow.Array, error) {
	for cr.ri < len(cr.ranges) && cr.cur >= cr.ranges[cr.ri].End {
		cr.ri++
		if cr.ri < len(cr.ranges) {
			cr.cur = cr.ranges[cr.ri].Start
		}
	}
	if cr.ri >= len(cr.ranges) {
		return nil, nil
	}
	start := cr.cur
	end := start + columnReaderBatchRows
	if end > cr.ranges[cr.ri].End {
		end = cr.ranges[cr.ri].End
	}
	cr.cur = end
	return cr.r.ReadColumn(ctx, cr.col, RowRangeList{{Start: start, End: end}})
}

// ReadTable projects the given columns (nil = all) over the given ranges
// and assembles a Record. Predicate evaluation and stats-based pruning
// live in chainstore/predicate and are applied by callers before ranges
// is constructed; ReadTable itself only materializes the requested slice.
func (r *Reader) ReadTable(ctx context.Context, projection []int, ranges RowRangeList) (arrow.Record, error) {
	if projection == nil {
		projection = make([]int, len(r.schema.Fields()))
		for i := range projection {
			projection[i] = i
		}
	}
	cols := make([]arrow.Array, len(projection))
	fields := make([]arrow.Field, len(projection))
	g, gctx := errgroup.WithContext(ctx)
	for i, col := range projection {
		i, col := i, col
		fields[i] = r.schema.Field(col)
		g.Go(func() error {
			arr, err := r.ReadColumn(gctx, col, ranges)
			if err != nil {
				return err
			}
			cols[i] = arr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	n := ranges.Len()
	if ranges == nil {
		n = r.NumRows()
	}
	schema := arrow.NewSchema(fields, nil)
	rec := array.NewRecord(schema, cols, n)
	for _, c := range cols {
		c.Release()
	}
	return rec, nil
}

// readColumnSpan materializes rows [rowOffset, rowOffset+rowCount) of
// column col out of a total of total rows. Fixed-width leaf types (bool
// and every numeric kind) fetch only the pages whose byte/bit extent
// overlaps that row window directly from KV - spec §4.1/§4.2's paged
// partial-I/O column store. Variable-width (binary/string) and nested
// (list/struct) columns still read the whole column once via
// readColumnBuffers and slice the window out in memory: a page of a
// variable-width value buffer doesn't align to row boundaries (writer.go
// pages it by raw byte count, not element count), so restricting the
// fetch would require rewriting the offsets buffer relative to a
// trimmed values window; a list column's child row range additionally
// depends on decoding the parent's own offsets first. Both are real,
// buildable extensions, just out of scope for this pass - see
// DESIGN.md's ReadColumn entry.
func readColumnSpan(ctx context.Context, tx kv.Getter, ref Ref, col int, dt arrow.DataType, rowOffset, rowCount, total int64) (arrow.ArrayData, error) {
	if isFixedWidthLeaf(dt) {
		return readFixedWidthBuffers(ctx, tx, ref, col, dt, rowOffset, rowCount)
	}
	data, _, err := readColumnBuffers(ctx, tx, ref, col, 0, dt, total)
	if err != nil {
		return nil, err
	}
	if rowOffset == 0 && rowCount == total {
		return data, nil
	}
	full := array.MakeFromData(data)
	data.Release()
	sliced := array.NewSlice(full, rowOffset, rowOffset+rowCount)
	full.Release()
	out := sliced.Data()
	out.Retain()
	sliced.Release()
	return out, nil
}

func isFixedWidthLeaf(dt arrow.DataType) bool {
	switch dt.(type) {
	case *arrow.BooleanType,
		*arrow.Int8Type, *arrow.Int16Type, *arrow.Int32Type, *arrow.Int64Type,
		*arrow.Uint8Type, *arrow.Uint16Type, *arrow.Uint32Type, *arrow.Uint64Type,
		*arrow.Float32Type, *arrow.Float64Type:
		return true
	default:
		return false
	}
}

// readFixedWidthBuffers reads only the pages of the validity bitmask and
// (for bool, the value bitmask; otherwise the native value buffer) that
// cover [rowOffset, rowOffset+rowCount), trims them to that exact window,
// and assembles ArrayData at offset 0 - the caller never sees a buffer
// wider than what it asked for, so no Arrow-level array offset bookkeeping
// leaks out of this function.
func readFixedWidthBuffers(ctx context.Context, tx kv.Getter, ref Ref, col int, dt arrow.DataType, rowOffset, rowCount int64) (arrow.ArrayData, error) {
	bufBase := 0
	validDir, err := readDirectory(tx, ref, col, bufBase)
	if err != nil {
		return nil, err
	}
	var validBuf *memory.Buffer
	nullN := 0
	if !isAllValidSentinel(validDir) {
		raw, bitOff, err := readBitmaskPagesRange(tx, ref, col, bufBase, validDir, rowOffset, rowOffset+rowCount)
		if err != nil {
			return nil, err
		}
		bools := unpackBitsAt(raw, bitOff, int(rowCount))
		for _, v := range bools {
			if !v {
				nullN++
			}
		}
		validBuf = memory.NewBufferBytes(packBits(bools))
	}
	bufBase++

	if _, ok := dt.(*arrow.BooleanType); ok {
		dir, err := readDirectory(tx, ref, col, bufBase)
		if err != nil {
			return nil, err
		}
		raw, bitOff, err := readBitmaskPagesRange(tx, ref, col, bufBase, dir, rowOffset, rowOffset+rowCount)
		if err != nil {
			return nil, err
		}
		bools := unpackBitsAt(raw, bitOff, int(rowCount))
		buffers := []*memory.Buffer{validBuf, memory.NewBufferBytes(packBits(bools))}
		return array.NewData(dt, int(rowCount), buffers, nil, nullN, 0), nil
	}

	width := arrowx.FixedWidth(dt)
	raw, err := readNativePagesRange(ctx, tx, ref, col, bufBase, rowOffset, rowOffset+rowCount, width)
	if err != nil {
		return nil, err
	}
	buffers := []*memory.Buffer{validBuf, memory.NewBufferBytes(raw)}
	return array.NewData(dt, int(rowCount), buffers, nil, nullN, 0), nil
}

// readNativePagesRange fetches only the pages of a native value buffer
// overlapping the byte window [startElem*elemSize, endElem*elemSize),
// trimmed to exactly that window. Relies on writeNativeBuffer always
// paging in whole elements (bisectAtByteSize), so the window's byte
// bounds always land exactly on page-relative element boundaries and no
// array-level offset is needed.
func readNativePagesRange(ctx context.Context, tx kv.Getter, ref Ref, col, buf int, startElem, endElem int64, elemSize int) ([]byte, error) {
	dir, err := readDirectory(tx, ref, col, buf)
	if err != nil {
		return nil, err
	}
	startByte := startElem * int64(elemSize)
	endByte := endElem * int64(elemSize)
	first, last := dir.pagesOverlapping(startByte, endByte)
	if first >= last {
		return []byte{}, nil
	}
	pages := make([][]byte, last-first)
	g, _ := errgroup.WithContext(ctx)
	for i := first; i < last; i++ {
		i := i
		g.Go(func() error {
			raw, ok := tx.Get(kv.CFTables, pageKey(ref, col, buf, i))
			if !ok {
				return fmt.Errorf("%w: missing page %d", chainerr.ErrCorruptPage, i)
			}
			pages[i-first] = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []byte
	for _, p := range pages {
		out = append(out, p...)
	}
	lo := startByte - int64(dir.lengths[first])
	hi := lo + (endByte - startByte)
	if hi > int64(len(out)) {
		hi = int64(len(out))
	}
	return out[lo:hi], nil
}

// readBitmaskPagesRange fetches only the pages of a bitmask buffer
// overlapping bit window [startRow, endRow), returning the raw fetched
// bytes together with the bit offset of startRow within them (page
// boundaries are byte-granular, so startRow need not itself fall on a
// byte boundary).
func readBitmaskPagesRange(tx kv.Getter, ref Ref, col, buf int, dir *directory, startRow, endRow int64) ([]byte, int, error) {
	first, last := dir.pagesOverlapping(startRow, endRow)
	if first >= last {
		return nil, 0, nil
	}
	var out []byte
	for p := first; p < last; p++ {
		raw, ok := tx.Get(kv.CFTables, pageKey(ref, col, buf, p))
		if !ok {
			return nil, 0, fmt.Errorf("%w: missing page %d", chainerr.ErrCorruptPage, p)
		}
		out = append(out, raw...)
	}
	return out, int(startRow - int64(dir.lengths[first])), nil
}

func readColumnBuffers(ctx context.Context, tx kv.Getter, ref Ref, col, bufBase int, dt arrow.DataType, rowCount int64) (arrow.ArrayData, int, error) {
	validDir, err := readDirectory(tx, ref, col, bufBase)
	if err != nil {
		return nil, 0, err
	}
	var validBuf *memory.Buffer
	nullN := 0
	if isAllValidSentinel(validDir) {
		validBuf = nil
	} else {
		bits, err := readBitmaskPages(tx, ref, col, bufBase, validDir)
		if err != nil {
			return nil, 0, err
		}
		validBuf = memory.NewBufferBytes(bits)
		for i := 0; i < int(rowCount); i++ {
			if bits[i/8]&(1<<uint(i%8)) == 0 {
				nullN++
			}
		}
	}
	bufBase++

	switch t := dt.(type) {
	case *arrow.BooleanType:
		dir, err := readDirectory(tx, ref, col, bufBase)
		if err != nil {
			return nil, 0, err
		}
		bits, err := readBitmaskPages(tx, ref, col, bufBase, dir)
		if err != nil {
			return nil, 0, err
		}
		bufBase++
		buffers := []*memory.Buffer{validBuf, memory.NewBufferBytes(bits)}
		return array.NewData(dt, int(rowCount), buffers, nil, nullN, 0), bufBase, nil

	case *arrow.Int8Type, *arrow.Int16Type, *arrow.Int32Type, *arrow.Int64Type,
		*arrow.Uint8Type, *arrow.Uint16Type, *arrow.Uint32Type, *arrow.Uint64Type,
		*arrow.Float32Type, *arrow.Float64Type:
		raw, err := readNativePages(ctx, tx, ref, col, bufBase)
		if err != nil {
			return nil, 0, err
		}
		bufBase++
		buffers := []*memory.Buffer{validBuf, memory.NewBufferBytes(raw)}
		return array.NewData(dt, int(rowCount), buffers, nil, nullN, 0), bufBase, nil

	case *arrow.BinaryType, *arrow.StringType:
		offRaw, err := readNativePages(ctx, tx, ref, col, bufBase)
		if err != nil {
			return nil, 0, err
		}
		bufBase++
		valRaw, err := readNativePages(ctx, tx, ref, col, bufBase)
		if err != nil {
			return nil, 0, err
		}
		bufBase++
		buffers := []*memory.Buffer{validBuf, memory.NewBufferBytes(offRaw), memory.NewBufferBytes(valRaw)}
		return array.NewData(dt, int(rowCount), buffers, nil, nullN, 0), bufBase, nil

	case *arrow.ListType:
		offRaw, err := readNativePages(ctx, tx, ref, col, bufBase)
		if err != nil {
			return nil, 0, err
		}
		bufBase++
		childLen := int64(0)
		if len(offRaw) >= 4 {
			childLen = int64(leU32(offRaw[len(offRaw)-4:]))
		}
		childData, nextBase, err := readColumnBuffers(ctx, tx, ref, col, bufBase, t.Elem(), childLen)
		bufBase = nextBase
		if err != nil {
			return nil, 0, err
		}
		buffers := []*memory.Buffer{validBuf, memory.NewBufferBytes(offRaw)}
		data := array.NewData(dt, int(rowCount), buffers, []arrow.ArrayData{childData}, nullN, 0)
		childData.Release()
		return data, bufBase, nil

	case *arrow.StructType:
		children := make([]arrow.ArrayData, 0, len(t.Fields()))
		for _, f := range t.Fields() {
			childData, nextBase, err := readColumnBuffers(ctx, tx, ref, col, bufBase, f.Type, rowCount)
			bufBase = nextBase
			if err != nil {
				return nil, 0, err
			}
			children = append(children, childData)
		}
		buffers := []*memory.Buffer{validBuf}
		data := array.NewData(dt, int(rowCount), buffers, children, nullN, 0)
		for _, c := range children {
			c.Release()
		}
		return data, bufBase, nil

	default:
		return nil, 0, fmt.Errorf("%w: unsupported column type %s", chainerr.ErrSchema, dt)
	}
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func readDirectory(tx kv.Getter, ref Ref, col, buf int) (*directory, error) {
	raw, ok := tx.Get(kv.CFTables, offsetsKey(ref, col, buf))
	if !ok {
		return nil, fmt.Errorf("%w: missing offsets directory for column %d buffer %d", chainerr.ErrCorruptPage, col, buf)
	}
	return decodeDirectory(raw), nil
}

func readBitmaskPages(tx kv.Getter, ref Ref, col, buf int, dir *directory) ([]byte, error) {
	var out []byte
	for p := 0; p < dir.pages(); p++ {
		raw, ok := tx.Get(kv.CFTables, pageKey(ref, col, buf, p))
		if !ok {
			return nil, fmt.Errorf("%w: missing page %d", chainerr.ErrCorruptPage, p)
		}
		out = append(out, raw...)
	}
	return out, nil
}

// readNativePages concatenates every page of a native/offset/value buffer
// using an errgroup.Group to fetch pages concurrently - spec §4.2's
// read_native_par, simplified from the original's divide-and-conquer
// destination-buffer slicing to a concurrent fetch-then-concatenate. Used
// by the readColumnBuffers full-column path: variable-width and nested
// columns (see readColumnSpan) always go through here since their pages
// don't carry a usable row-aligned byte window; readNativePagesRange is
// the range-restricted counterpart used for fixed-width leaf columns.
func readNativePages(ctx context.Context, tx kv.Getter, ref Ref, col, buf int) ([]byte, error) {
	dir, err := readDirectory(tx, ref, col, buf)
	if err != nil {
		return nil, err
	}
	n := dir.pages()
	pages := make([][]byte, n)
	g, _ := errgroup.WithContext(ctx)
	for p := 0; p < n; p++ {
		p := p
		g.Go(func() error {
			raw, ok := tx.Get(kv.CFTables, pageKey(ref, col, buf, p))
			if !ok {
				return fmt.Errorf("%w: missing page %d", chainerr.ErrCorruptPage, p)
			}
			pages[p] = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []byte
	for _, p := range pages {
		out = append(out, p...)
	}
	return out, nil
}
