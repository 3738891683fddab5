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

// Package predicate is the row/array predicate tree (spec §4.3): leaf
// comparisons over one column, combined with And/Or, each able to
// evaluate directly over an Arrow array or, cheaper, over a column's
// recorded Stats to prune whole row groups/pages.
package predicate

import (
	"github.com/apache/arrow/go/v17/arrow"

	"github.com/erigontech/chaindata/chainstore/table"
)

// Predicate is the common interface every leaf and combinator implements.
type Predicate interface {
	// Columns lists the columns this predicate reads (for And/Or, every
	// operand's columns, left operand first); used to decide which
	// columns' Stats to fetch.
	Columns() []string
	// Evaluate returns the set of row indices (relative to arr's start)
	// satisfying the predicate.
	Evaluate(col string, arr arrow.Array) table.RowRangeList
	// EvaluateStats attempts to prune using only {min,max,null_count};
	// ok=false means "no pruning possible, must scan".
	EvaluateStats(col string, stats table.Stats, rowRange table.RowRange) (ranges table.RowRangeList, ok bool)
}

// scalarPredicate is the shared shape of Eq/GtEq/LtEq: one column, one
// scalar, compared with a fixed relation.
type scalarPredicate struct {
	column string
	value  table.Scalar
	rel    relation
}

type relation int

const (
	relEq relation = iota
	relGtEq
	relLtEq
)

func Eq(column string, value table.Scalar) Predicate   { return &scalarPredicate{column, value, relEq} }
func GtEq(column string, value table.Scalar) Predicate { return &scalarPredicate{column, value, relGtEq} }
func LtEq(column string, value table.Scalar) Predicate { return &scalarPredicate{column, value, relLtEq} }

func (p *scalarPredicate) Columns() []string { return []string{p.column} }

func (p *scalarPredicate) Evaluate(col string, arr arrow.Array) table.RowRangeList {
	cast, inRange, above := towerCast(p.value, arr.DataType())
	if !inRange {
		if p.rel.shortcutAll(above) {
			return table.RowRangeList{{Start: 0, End: int64(arr.Len())}}
		}
		return nil
	}
	var out []table.RowRange
	n := arr.Len()
	inRun := false
	runStart := 0
	flush := func(i int) {
		if inRun {
			out = append(out, table.RowRange{Start: int64(runStart), End: int64(i)})
			inRun = false
		}
	}
	for i := 0; i < n; i++ {
		if arr.IsNull(i) {
			flush(i)
			continue
		}
		v := table.ScalarAt(arr, i)
		match := compareRel(v, cast, p.rel)
		if match && !inRun {
			inRun = true
			runStart = i
		} else if !match {
			flush(i)
		}
	}
	flush(n)
	return table.NewRowRangeList(out)
}

func (p *scalarPredicate) EvaluateStats(col string, stats table.Stats, rowRange table.RowRange) (table.RowRangeList, bool) {
	cast, inRange, above := towerCast(p.value, kindOf(stats.Min))
	if !inRange {
		if p.rel.shortcutAll(above) {
			return table.RowRangeList{rowRange}, true
		}
		return nil, true
	}
	switch p.rel {
	case relEq:
		if cast.Less(stats.Min) || stats.Max.Less(cast) {
			return nil, true
		}
	case relGtEq:
		if stats.Max.Less(cast) {
			return nil, true
		}
	case relLtEq:
		if cast.Less(stats.Min) {
			return nil, true
		}
	}
	return table.RowRangeList{rowRange}, true
}

func kindOf(s table.Scalar) arrow.DataType {
	switch s.Kind {
	case arrow.INT8:
		return arrow.PrimitiveTypes.Int8
	case arrow.INT16:
		return arrow.PrimitiveTypes.Int16
	case arrow.INT32:
		return arrow.PrimitiveTypes.Int32
	case arrow.INT64:
		return arrow.PrimitiveTypes.Int64
	case arrow.UINT8:
		return arrow.PrimitiveTypes.Uint8
	case arrow.UINT16:
		return arrow.PrimitiveTypes.Uint16
	case arrow.UINT32:
		return arrow.PrimitiveTypes.Uint32
	case arrow.UINT64:
		return arrow.PrimitiveTypes.Uint64
	default:
		return arrow.PrimitiveTypes.Int64
	}
}

// In matches any of values.
type In struct {
	column string
	values []table.Scalar
}

func NewIn(column string, values []table.Scalar) Predicate { return &In{column, values} }

func (p *In) Columns() []string { return []string{p.column} }

func (p *In) Evaluate(col string, arr arrow.Array) table.RowRangeList {
	var combined table.RowRangeList
	for _, v := range p.values {
		combined = combined.Union((&scalarPredicate{p.column, v, relEq}).Evaluate(col, arr))
	}
	return combined
}

func (p *In) EvaluateStats(col string, stats table.Stats, rowRange table.RowRange) (table.RowRangeList, bool) {
	for _, v := range p.values {
		cast, inRange, _ := towerCast(v, kindOf(stats.Min))
		if !inRange {
			continue
		}
		if !cast.Less(stats.Min) && !stats.Max.Less(cast) {
			return table.RowRangeList{rowRange}, true
		}
	}
	return nil, true
}

// And/Or combine by intersection/union of RowRangeLists (spec §4.3).
type And struct{ Left, Right Predicate }
type Or struct{ Left, Right Predicate }

func (p *And) Columns() []string { return append(p.Left.Columns(), p.Right.Columns()...) }
func (p *Or) Columns() []string  { return append(p.Left.Columns(), p.Right.Columns()...) }

func (p *And) Evaluate(col string, arr arrow.Array) table.RowRangeList {
	return p.Left.Evaluate(col, arr).Intersect(p.Right.Evaluate(col, arr))
}
func (p *Or) Evaluate(col string, arr arrow.Array) table.RowRangeList {
	return p.Left.Evaluate(col, arr).Union(p.Right.Evaluate(col, arr))
}

func (p *And) EvaluateStats(col string, stats table.Stats, rowRange table.RowRange) (table.RowRangeList, bool) {
	l, lok := p.Left.EvaluateStats(col, stats, rowRange)
	r, rok := p.Right.EvaluateStats(col, stats, rowRange)
	if !lok || !rok {
		return nil, false
	}
	return l.Intersect(r), true
}
func (p *Or) EvaluateStats(col string, stats table.Stats, rowRange table.RowRange) (table.RowRangeList, bool) {
	l, lok := p.Left.EvaluateStats(col, stats, rowRange)
	r, rok := p.Right.EvaluateStats(col, stats, rowRange)
	if !lok || !rok {
		return nil, false
	}
	return l.Union(r), true
}

func compareRel(v, cast table.Scalar, rel relation) bool {
	switch rel {
	case relEq:
		return !v.Less(cast) && !cast.Less(v)
	case relGtEq:
		return !v.Less(cast)
	case relLtEq:
		return !cast.Less(v)
	default:
		return false
	}
}
