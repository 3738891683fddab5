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

import "sort"

// RowRange is a half-open [Start, End) interval over logical row indices.
type RowRange struct {
	Start, End int64
}

func (r RowRange) Len() int64 { return r.End - r.Start }

// RowRangeList is a sorted, coalesced list of disjoint RowRanges - the
// representation predicate.evaluate_stats and the reader's row-range
// pagination share (spec §4.2/§4.3).
type RowRangeList []RowRange

// NewRowRangeList sorts and coalesces arbitrary, possibly-overlapping
// ranges into the canonical disjoint form.
func NewRowRangeList(rs []RowRange) RowRangeList {
	if len(rs) == 0 {
		return nil
	}
	cp := append([]RowRange(nil), rs...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Start < cp[j].Start })
	out := make(RowRangeList, 0, len(cp))
	cur := cp[0]
	for _, r := range cp[1:] {
		if r.Start <= cur.End {
			if r.End > cur.End {
				cur.End = r.End
			}
			continue
		}
		out = append(out, cur)
		cur = r
	}
	out = append(out, cur)
	return out
}

// Len returns the total number of rows covered.
func (rs RowRangeList) Len() int64 {
	var n int64
	for _, r := range rs {
		n += r.Len()
	}
	return n
}

// Intersect returns the set intersection of two disjoint, sorted lists.
func (rs RowRangeList) Intersect(other RowRangeList) RowRangeList {
	var out RowRangeList
	i, j := 0, 0
	for i < len(rs) && j < len(other) {
		a, b := rs[i], other[j]
		start := max64(a.Start, b.Start)
		end := min64(a.End, b.End)
		if start < end {
			out = append(out, RowRange{Start: start, End: end})
		}
		if a.End < b.End {
			i++
		} else {
			j++
		}
	}
	return out
}

// Union returns the set union of two lists, coalesced.
func (rs RowRangeList) Union(other RowRangeList) RowRangeList {
	merged := append(append([]RowRange(nil), rs...), other...)
	return NewRowRangeList(merged)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
