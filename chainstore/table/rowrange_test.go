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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRowRangeListSortsAndCoalescesOverlaps(t *testing.T) {
	in := []RowRange{{Start: 10, End: 20}, {Start: 0, End: 5}, {Start: 18, End: 25}, {Start: 6, End: 10}}
	out := NewRowRangeList(in)
	require.Equal(t, RowRangeList{{Start: 0, End: 5}, {Start: 6, End: 25}}, out)
}

func TestNewRowRangeListEmptyInputYieldsNil(t *testing.T) {
	require.Nil(t, NewRowRangeList(nil))
}

func TestRowRangeListLenSumsDisjointRanges(t *testing.T) {
	rs := RowRangeList{{Start: 0, End: 5}, {Start: 10, End: 12}}
	require.EqualValues(t, 7, rs.Len())
}

func TestRowRangeListIntersect(t *testing.T) {
	a := RowRangeList{{Start: 0, End: 10}, {Start: 20, End: 30}}
	b := RowRangeList{{Start: 5, End: 25}}
	got := a.Intersect(b)
	require.Equal(t, RowRangeList{{Start: 5, End: 10}, {Start: 20, End: 25}}, got)
}

func TestRowRangeListIntersectDisjointIsEmpty(t *testing.T) {
	a := RowRangeList{{Start: 0, End: 5}}
	b := RowRangeList{{Start: 10, End: 15}}
	require.Empty(t, a.Intersect(b))
}

func TestRowRangeListUnionCoalescesAdjacentRanges(t *testing.T) {
	a := RowRangeList{{Start: 0, End: 5}}
	b := RowRangeList{{Start: 5, End: 10}}
	require.Equal(t, RowRangeList{{Start: 0, End: 10}}, a.Union(b))
}
