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

// Package query is the query executor core (spec §4.6): a Plan compiles a
// DAG of table scans, pure row-index relations (Join/Children/Stack/Sub)
// and per-table outputs, executed against one chunk's table.Readers at a
// time. Formatting the selected rows into a wire response is an external
// collaborator's job (BlockWriter); this package only guarantees every
// requested table's RecordBatch is aligned on the block_number primary key
// and trimmed to the weight-budget-selected block range.
package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/apache/arrow/go/v17/arrow"

	"github.com/erigontech/chaindata/chainstore/chainerr"
	"github.com/erigontech/chaindata/chainstore/common"
	"github.com/erigontech/chaindata/chainstore/predicate"
	"github.com/erigontech/chaindata/chainstore/table"
)

const defaultWeightBudget = 20 * 1024 * 1024

// Scan is a per-table projected read with an optional row predicate. Its
// row selection feeds every relation named in Relations and, unless
// Output is empty, the matching Output's row set directly.
type Scan struct {
	Name      string
	Table     string
	Predicate predicate.Predicate
	Relations []string
	Output    string
}

// Output gathers the final selected rows of one table, computes a
// per-row weight (WeightPerRow fixed bytes plus the value of each stored
// WeightColumns entry - e.g. a precomputed calldata length), and is
// trimmed to the weight-budget-selected block range. Key[0] names the
// table's block_number column; outputs[0] in Plan.Outputs is the header
// table driving block selection.
type Output struct {
	Table         string
	Key           []string
	Projection    []string
	WeightPerRow  int64
	WeightColumns []string
}

// Plan is the compiled, mutable query of spec §4.6: Scans/Relations/
// Outputs form the DAG, FirstBlock/LastBlock/ParentBlockHash bound which
// blocks are in scope.
type Plan struct {
	FirstBlock      common.BlockNumber
	LastBlock       *common.BlockNumber
	ParentBlockHash *common.Hash

	Scans     []*Scan
	Relations []Relation
	Outputs   []*Output

	WeightBudget int64
}

// NewPlan returns an empty plan with the spec's default 20 MiB weight
// budget. header is Outputs[0] - the block table driving block selection.
func NewPlan(header *Output) *Plan {
	return &Plan{Outputs: []*Output{header}, WeightBudget: defaultWeightBudget}
}

// AddScan appends a scan over table and returns a builder for attaching
// relations to it, mirroring the teacher's fluent PlanBuilder.add_scan.
func (p *Plan) AddScan(name, tbl string, pred predicate.Predicate) *ScanBuilder {
	s := &Scan{Name: name, Table: tbl, Predicate: pred, Output: tbl}
	p.Scans = append(p.Scans, s)
	return &ScanBuilder{plan: p, scan: s}
}

// AddOutput registers a non-header output table.
func (p *Plan) AddOutput(o *Output) { p.Outputs = append(p.Outputs, o) }

type ScanBuilder struct {
	plan *Plan
	scan *Scan
}

func (b *ScanBuilder) WithNoOutput() *ScanBuilder {
	b.scan.Output = ""
	return b
}

func (b *ScanBuilder) Join(name, outputTable string, outputKey, inputKey []string) *ScanBuilder {
	b.plan.Relations = append(b.plan.Relations, &Join{
		RelName: name, SrcTable: b.scan.Table, InputKey: inputKey,
		DstTable: outputTable, OutputKey: outputKey,
	})
	b.scan.Relations = append(b.scan.Relations, name)
	return b
}

func (b *ScanBuilder) IncludeChildren(name string, key []string) *ScanBuilder {
	b.plan.Relations = append(b.plan.Relations, &Children{RelName: name, Table: b.scan.Table, Key: key})
	b.scan.Relations = append(b.scan.Relations, name)
	return b
}

func (b *ScanBuilder) IncludeStack(name string, key []string) *ScanBuilder {
	b.plan.Relations = append(b.plan.Relations, &Stack{RelName: name, Table: b.scan.Table, Key: key})
	b.scan.Relations = append(b.scan.Relations, name)
	return b
}

func (b *ScanBuilder) IncludeSubItems(name, outputTable string, outputKey, inputKey []string) *ScanBuilder {
	b.plan.Relations = append(b.plan.Relations, &Sub{
		RelName: name, SrcTable: b.scan.Table, InputKey: inputKey,
		DstTable: outputTable, OutputKey: outputKey,
	})
	b.scan.Relations = append(b.scan.Relations, name)
	return b
}

// Execute runs the whole DAG against one chunk's readers and returns the
// resulting BlockWriter, or (nil, nil) when the chunk has no rows in the
// plan's block range - spec §4.6's `Option<BlockWriter>` none case.
func (p *Plan) Execute(ctx context.Context, readers map[string]*table.Reader) (BlockWriter, error) {
	relationInputs := map[string]table.RowRangeList{}
	outputInputs := map[string]table.RowRangeList{}

	for _, s := range p.Scans {
		r, ok := readers[s.Table]
		var sel table.RowRangeList
		if ok {
			var err error
			sel, err = evaluateScan(ctx, r, s.Predicate)
			if err != nil {
				return nil, fmt.Errorf("scan %q: %w", s.Name, err)
			}
		}
		for _, relName := range s.Relations {
			relationInputs[relName] = relationInputs[relName].Union(sel)
		}
		if s.Output != "" {
			outputInputs[s.Output] = outputInputs[s.Output].Union(sel)
		}
	}

	for _, rel := range p.Relations {
		input := relationInputs[rel.RelationName()]
		if input.Len() == 0 {
			continue
		}
		r, ok := readers[inputTableOf(rel)]
		if !ok {
			continue
		}
		out, err := rel.Eval(ctx, readers, r, input)
		if err != nil {
			return nil, fmt.Errorf("relation %q: %w", rel.RelationName(), err)
		}
		outputInputs[rel.OutputTable()] = outputInputs[rel.OutputTable()].Union(out)
	}

	return p.pack(ctx, readers, outputInputs)
}

// pack implements spec §4.6's weight-budget packing: header blocks are the
// only candidates (spec.md's "scan of the header table"), each weighted by
// its own row weight plus every non-header output's weight for that same
// block number, accumulated in ascending block order until the budget is
// exceeded (falling back to exactly one block when even the first is over
// budget, per the worked example in the original implementation).
func (p *Plan) pack(ctx context.Context, readers map[string]*table.Reader, outputInputs map[string]table.RowRangeList) (BlockWriter, error) {
	header := p.Outputs[0]
	headerReader, ok := readers[header.Table]
	if !ok {
		return nil, nil
	}
	headerGroups, err := groupRowsByBlock(ctx, headerReader, outputInputs[header.Table], header.Key[0])
	if err != nil {
		return nil, err
	}
	headerGroups = boundToRange(headerGroups, p.FirstBlock, p.LastBlock)
	if len(headerGroups) == 0 {
		return nil, nil
	}

	weights, err := weightOf(ctx, headerReader, header, headerGroups)
	if err != nil {
		return nil, err
	}

	type outputState struct {
		out    *Output
		reader *table.Reader
		groups map[common.BlockNumber][]int64
	}
	states := make([]outputState, 0, len(p.Outputs)-1)
	for _, out := range p.Outputs[1:] {
		r, ok := readers[out.Table]
		if !ok {
			continue
		}
		groups, err := groupRowsByBlock(ctx, r, outputInputs[out.Table], out.Key[0])
		if err != nil {
			return nil, err
		}
		ow, err := weightOf(ctx, r, out, groups)
		if err != nil {
			return nil, err
		}
		for bn, w := range ow {
			if _, ok := headerGroups[bn]; ok {
				weights[bn] += w
			}
		}
		states = append(states, outputState{out: out, reader: r, groups: groups})
	}

	blocks := make([]common.BlockNumber, 0, len(headerGroups))
	for bn := range headerGroups {
		blocks = append(blocks, bn)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

	var cum int64
	lastIdx := -1
	for i, bn := range blocks {
		cum += weights[bn]
		if cum > p.WeightBudget {
			break
		}
		lastIdx = i
	}
	if lastIdx < 0 {
		lastIdx = 0
	}
	lastBlock := blocks[lastIdx]

	out := &recordBlockWriter{lastBlock: lastBlock, tables: map[string]arrow.Record{}}
	headerRanges := rowsUpTo(headerGroups, blocks[:lastIdx+1])
	rec, err := headerReader.ReadTable(ctx, projectionOf(headerReader, header.Projection), headerRanges)
	if err != nil {
		return nil, err
	}
	out.tables[header.Table] = rec

	for _, st := range states {
		ranges := rowsUpTo(st.groups, blocks[:lastIdx+1])
		if ranges.Len() == 0 {
			continue
		}
		rec, err := st.reader.ReadTable(ctx, projectionOf(st.reader, st.out.Projection), ranges)
		if err != nil {
			return nil, err
		}
		out.tables[st.out.Table] = rec
	}
	return out, nil
}

func boundToRange(groups map[common.BlockNumber][]int64, first common.BlockNumber, last *common.BlockNumber) map[common.BlockNumber][]int64 {
	out := make(map[common.BlockNumber][]int64, len(groups))
	for bn, rows := range groups {
		if bn < first {
			continue
		}
		if last != nil && bn > *last {
			continue
		}
		out[bn] = rows
	}
	return out
}

func rowsUpTo(groups map[common.BlockNumber][]int64, blocks []common.BlockNumber) table.RowRangeList {
	var ranges []table.RowRange
	for _, bn := range blocks {
		for _, abs := range groups[bn] {
			ranges = append(ranges, table.RowRange{Start: abs, End: abs + 1})
		}
	}
	return table.NewRowRangeList(ranges)
}

func weightOf(ctx context.Context, r *table.Reader, o *Output, groups map[common.BlockNumber][]int64) (map[common.BlockNumber]int64, error) {
	weights := make(map[common.BlockNumber]int64, len(groups))
	for bn, rows := range groups {
		weights[bn] = o.WeightPerRow * int64(len(rows))
	}
	for _, colName := range o.WeightColumns {
		idx := colIndex(r.Schema(), colName)
		if idx < 0 {
			continue
		}
		arr, err := r.ReadColumn(ctx, idx, nil)
		if err != nil {
			return nil, err
		}
		for bn, rows := range groups {
			for _, abs := range rows {
				if arr.IsNull(int(abs)) {
					continue
				}
				weights[bn] += int64(scalarAsUint64(table.ScalarAt(arr, int(abs))))
			}
		}
		arr.Release()
	}
	return weights, nil
}

func projectionOf(r *table.Reader, names []string) []int {
	if len(names) == 0 {
		return nil
	}
	out := make([]int, 0, len(names))
	for _, n := range names {
		if idx := colIndex(r.Schema(), n); idx >= 0 {
			out = append(out, idx)
		}
	}
	return out
}

// evaluateScan resolves a (possibly nil) predicate against r's own
// columns. predicate.And/Or expose their operands as plain exported
// fields, so a tree spanning several columns is evaluated by walking it
// here and reading each leaf's single referenced column on demand,
// intersecting/unioning as the combinator dictates - the top-level
// Predicate.Evaluate(col, arr) signature only ever receives one column at
// a time, by construction of every leaf predicate in this package.
func evaluateScan(ctx context.Context, r *table.Reader, p predicate.Predicate) (table.RowRangeList, error) {
	if p == nil {
		return table.RowRangeList{{Start: 0, End: r.NumRows()}}, nil
	}
	switch pp := p.(type) {
	case *predicate.And:
		l, err := evaluateScan(ctx, r, pp.Left)
		if err != nil {
			return nil, err
		}
		rr, err := evaluateScan(ctx, r, pp.Right)
		if err != nil {
			return nil, err
		}
		return l.Intersect(rr), nil
	case *predicate.Or:
		l, err := evaluateScan(ctx, r, pp.Left)
		if err != nil {
			return nil, err
		}
		rr, err := evaluateScan(ctx, r, pp.Right)
		if err != nil {
			return nil, err
		}
		return l.Union(rr), nil
	default:
		cols := p.Columns()
		if len(cols) != 1 {
			return nil, fmt.Errorf("%w: leaf predicate must reference exactly one column", chainerr.ErrSchema)
		}
		idx := colIndex(r.Schema(), cols[0])
		if idx < 0 {
			return nil, fmt.Errorf("%w: predicate column %q not in table", chainerr.ErrSchema, cols[0])
		}
		return evaluateLeaf(ctx, r, p, cols[0], idx)
	}
}

// evaluateLeaf runs spec §4.2's two-level stats-pruning pass before
// reading any actual data: row-group stats first narrow the scan to the
// row groups that could possibly match, then (where available) page
// stats narrow further within each surviving row group, and only the
// ranges that pass both levels are ever fetched and exactly evaluated.
// A row group (or page) lacking stats is always kept as a candidate -
// missing stats can't rule anything out.
func evaluateLeaf(ctx context.Context, r *table.Reader, p predicate.Predicate, col string, idx int) (table.RowRangeList, error) {
	candidates := table.RowRangeList(r.RowGroupBounds())
	if rowGroupStats, ok := r.GetColumnStats(idx); ok {
		candidates = narrowByStats(p, col, candidates, rowGroupStats)
	}
	if pageStats, ok := r.GetColumnPageStats(idx); ok {
		candidates = narrowByPageStats(p, col, candidates, pageStats)
	}

	var out table.RowRangeList
	for _, rg := range candidates {
		if rg.Start >= rg.End {
			continue
		}
		arr, err := r.ReadColumn(ctx, idx, table.RowRangeList{rg})
		if err != nil {
			return nil, err
		}
		local := p.Evaluate(col, arr)
		arr.Release()
		for _, lr := range local {
			out = append(out, table.RowRange{Start: lr.Start + rg.Start, End: lr.End + rg.Start})
		}
	}
	return table.NewRowRangeList(out), nil
}

// narrowByStats applies one row-group-granularity stats check per
// candidate range; ranges is expected to line up 1:1 with stats by
// index (both are row-group ordered), as RowGroupBounds/GetColumnStats
// guarantee.
func narrowByStats(p predicate.Predicate, col string, ranges table.RowRangeList, stats []table.Stats) table.RowRangeList {
	out := make(table.RowRangeList, 0, len(ranges))
	for i, rg := range ranges {
		if i >= len(stats) {
			out = append(out, rg)
			continue
		}
		narrowed, ok := p.EvaluateStats(col, stats[i], rg)
		if !ok {
			out = append(out, rg)
			continue
		}
		out = append(out, narrowed...)
	}
	return out
}

// narrowByPageStats applies the finer page-level stats pass: each
// surviving row-group-level range is intersected against whatever page
// ranges it overlaps, pruning by that page's stats.
func narrowByPageStats(p predicate.Predicate, col string, ranges table.RowRangeList, pages []table.PageStats) table.RowRangeList {
	var out table.RowRangeList
	for _, rg := range ranges {
		for _, page := range pages {
			overlap := table.RowRange{Start: maxI64(rg.Start, page.Rows.Start), End: minI64(rg.End, page.Rows.End)}
			if overlap.Start >= overlap.End {
				continue
			}
			narrowed, ok := p.EvaluateStats(col, page.Stats, overlap)
			if !ok {
				out = append(out, overlap)
				continue
			}
			out = append(out, narrowed...)
		}
	}
	return table.NewRowRangeList(out)
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func colIndex(schema *arrow.Schema, name string) int {
	for i, f := range schema.Fields() {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func groupRowsByBlock(ctx context.Context, r *table.Reader, ranges table.RowRangeList, blockCol string) (map[common.BlockNumber][]int64, error) {
	idx := colIndex(r.Schema(), blockCol)
	if idx < 0 {
		return nil, fmt.Errorf("%w: block number column %q not in table", chainerr.ErrSchema, blockCol)
	}
	arr, err := r.ReadColumn(ctx, idx, ranges)
	if err != nil {
		return nil, err
	}
	defer arr.Release()

	idxs := expandRanges(ranges, r.NumRows())
	out := map[common.BlockNumber][]int64{}
	for i, abs := range idxs {
		if arr.IsNull(i) {
			continue
		}
		bn := common.BlockNumber(scalarAsUint64(table.ScalarAt(arr, i)))
		out[bn] = append(out[bn], abs)
	}
	return out, nil
}

// expandRanges enumerates absolute row indices in the same order
// ReadColumn concatenates ranges' values - the inverse of rowsUpTo's
// range construction, needed to re-attach a read column's values to the
// row indices they came from.
func expandRanges(ranges table.RowRangeList, total int64) []int64 {
	if ranges == nil {
		out := make([]int64, total)
		for i := range out {
			out[i] = int64(i)
		}
		return out
	}
	var out []int64
	for _, rg := range ranges {
		for i := rg.Start; i < rg.End; i++ {
			out = append(out, i)
		}
	}
	return out
}

func scalarAsUint64(v table.Scalar) uint64 {
	switch v.Kind {
	case arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return v.U64
	default:
		return uint64(v.I64)
	}
}
