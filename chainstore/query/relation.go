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
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"

	"github.com/erigontech/chaindata/chainstore/chainerr"
	"github.com/erigontech/chaindata/chainstore/table"
)

// Relation is a pure transform between one scan's row-index set and
// another (or the same) table's row-index set (spec §4.6).
type Relation interface {
	RelationName() string
	InputTable() string
	OutputTable() string
	Eval(ctx context.Context, readers map[string]*table.Reader, inputReader *table.Reader, input table.RowRangeList) (table.RowRangeList, error)
}

func inputTableOf(r Relation) string { return r.InputTable() }

// Join is a semi-join on a key tuple: every row in DstTable whose
// OutputKey tuple matches some selected SrcTable row's InputKey tuple.
type Join struct {
	RelName             string
	SrcTable, DstTable  string
	InputKey, OutputKey []string
}

func (j *Join) RelationName() string { return j.RelName }
func (j *Join) InputTable() string   { return j.SrcTable }
func (j *Join) OutputTable() string  { return j.DstTable }

func (j *Join) Eval(ctx context.Context, readers map[string]*table.Reader, inputReader *table.Reader, input table.RowRangeList) (table.RowRangeList, error) {
	keys, err := readTuples(ctx, inputReader, j.InputKey, input)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}

	outReader, ok := readers[j.DstTable]
	if !ok {
		return nil, nil
	}
	allKeys, err := readTuples(ctx, outReader, j.OutputKey, nil)
	if err != nil {
		return nil, err
	}
	var ranges []table.RowRange
	for i, k := range allKeys {
		if _, ok := set[k]; ok {
			ranges = append(ranges, table.RowRange{Start: int64(i), End: int64(i) + 1})
		}
	}
	return table.NewRowRangeList(ranges), nil
}

// Children finds, within one table, every row that is a hierarchical
// descendant (per the address-path prefix rule) of a selected input row.
type Children struct {
	RelName string
	Table   string
	Key     []string // leading group columns..., trailing address-path column
}

func (c *Children) RelationName() string { return c.RelName }
func (c *Children) InputTable() string   { return c.Table }
func (c *Children) OutputTable() string  { return c.Table }

func (c *Children) Eval(ctx context.Context, readers map[string]*table.Reader, inputReader *table.Reader, input table.RowRangeList) (table.RowRangeList, error) {
	stack, err := buildAddressStack(ctx, inputReader, c.Key)
	if err != nil {
		return nil, err
	}
	parents := rowSet(input)
	rows := findChildren(stack, parents, false)
	return rowsToRangeList(rows), nil
}

// Stack is Children's inverse: every ancestor (inclusive of itself) of a
// selected input row, via a stack-based single pass over each address
// group sorted by address.
type Stack struct {
	RelName string
	Table   string
	Key     []string
}

func (s *Stack) RelationName() string { return s.RelName }
func (s *Stack) InputTable() string   { return s.Table }
func (s *Stack) OutputTable() string  { return s.Table }

func (s *Stack) Eval(ctx context.Context, readers map[string]*table.Reader, inputReader *table.Reader, input table.RowRangeList) (table.RowRangeList, error) {
	stack, err := buildAddressStack(ctx, inputReader, s.Key)
	if err != nil {
		return nil, err
	}
	children := rowSet(input)
	rows := findParents(stack, children)
	return rowsToRangeList(rows), nil
}

// Sub is a foreign-key join into DstTable followed by a Children walk
// (inclusive of the joined row itself) from the matched node.
type Sub struct {
	RelName             string
	SrcTable, DstTable  string
	InputKey, OutputKey []string
}

func (sub *Sub) RelationName() string { return sub.RelName }
func (sub *Sub) InputTable() string   { return sub.SrcTable }
func (sub *Sub) OutputTable() string  { return sub.DstTable }

func (sub *Sub) Eval(ctx context.Context, readers map[string]*table.Reader, inputReader *table.Reader, input table.RowRangeList) (table.RowRangeList, error) {
	inputTuples, err := readTuples(ctx, inputReader, sub.InputKey, input)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(inputTuples))
	for _, t := range inputTuples {
		wanted[t] = struct{}{}
	}

	outReader, ok := readers[sub.DstTable]
	if !ok {
		return nil, nil
	}
	itemTuples, err := readTuples(ctx, outReader, sub.OutputKey, nil)
	if err != nil {
		return nil, err
	}
	parents := map[int64]struct{}{}
	for i, t := range itemTuples {
		if _, ok := wanted[t]; ok {
			parents[int64(i)] = struct{}{}
		}
	}

	stack, err := buildAddressStack(ctx, outReader, sub.OutputKey)
	if err != nil {
		return nil, err
	}
	rows := findChildren(stack, parents, true)
	return rowsToRangeList(rows), nil
}

// addressGroup is one leading-key group: rows sorted by address path,
// each paired with its absolute row index in the source table.
type addressGroup struct {
	addresses [][]int64
	rows      []int64
}

// buildAddressStack reads the whole table's key columns (leading group
// columns plus a trailing address-path column), groups rows by equal
// leading-column tuples, and sorts each group by address - the shared
// setup for Children, Stack and Sub's descendant/ancestor walks.
func buildAddressStack(ctx context.Context, r *table.Reader, key []string) ([]addressGroup, error) {
	if len(key) < 2 {
		return nil, fmt.Errorf("%w: address-path key needs at least one group column and an address column", chainerr.ErrSchema)
	}
	groupCols := key[:len(key)-1]
	addrCol := key[len(key)-1]

	groupTuples, err := readTuples(ctx, r, groupCols, nil)
	if err != nil {
		return nil, err
	}
	idx := colIndex(r.Schema(), addrCol)
	if idx < 0 {
		return nil, fmt.Errorf("%w: address column %q not in table", chainerr.ErrSchema, addrCol)
	}
	addrArr, err := r.ReadColumn(ctx, idx, nil)
	if err != nil {
		return nil, err
	}
	defer addrArr.Release()
	addresses, err := addressList(addrArr)
	if err != nil {
		return nil, err
	}

	order := map[string]int{}
	var groups []addressGroup
	for i, key := range groupTuples {
		gi, ok := order[key]
		if !ok {
			gi = len(groups)
			order[key] = gi
			groups = append(groups, addressGroup{})
		}
		groups[gi].addresses = append(groups[gi].addresses, addresses[i])
		groups[gi].rows = append(groups[gi].rows, int64(i))
	}
	for gi := range groups {
		g := &groups[gi]
		ord := make([]int, len(g.rows))
		for i := range ord {
			ord[i] = i
		}
		sort.Slice(ord, func(a, b int) bool { return lessAddress(g.addresses[ord[a]], g.addresses[ord[b]]) })
		sortedAddrs := make([][]int64, len(ord))
		sortedRows := make([]int64, len(ord))
		for i, o := range ord {
			sortedAddrs[i] = g.addresses[o]
			sortedRows[i] = g.rows[o]
		}
		g.addresses, g.rows = sortedAddrs, sortedRows
	}
	return groups, nil
}

func lessAddress(a, b []int64) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func isParentAddress(parent, child []int64) bool {
	if len(parent) > len(child) {
		return false
	}
	for i, v := range parent {
		if child[i] != v {
			return false
		}
	}
	return true
}

// findChildren walks each address-sorted group once: whenever a row is a
// known parent, every immediately-following row whose address extends it
// (per isParentAddress) is a descendant, up to the first row that breaks
// the prefix relation.
func findChildren(groups []addressGroup, parents map[int64]struct{}, includeParent bool) []int64 {
	var children []int64
	for _, g := range groups {
		i := 0
		for i < len(g.rows) {
			if _, ok := parents[g.rows[i]]; ok {
				if includeParent {
					children = append(children, g.rows[i])
				}
				parentAddr := g.addresses[i]
				i++
				for i < len(g.rows) && isParentAddress(parentAddr, g.addresses[i]) {
					children = append(children, g.rows[i])
					i++
				}
			} else {
				i++
			}
		}
	}
	return children
}

// findParents is Stack's single pass: maintain a stack of addresses on
// the current root-to-here path; whenever the current row is a selected
// child, every address still on the stack (including the row itself) is
// one of its ancestors.
func findParents(groups []addressGroup, children map[int64]struct{}) []int64 {
	seen := map[int64]struct{}{}
	var parents []int64
	for _, g := range groups {
		var stack []int
		for i := 0; i < len(g.rows); i++ {
			addr := g.addresses[i]
			for len(stack) > 0 && !isParentAddress(g.addresses[stack[len(stack)-1]], addr) {
				stack = stack[:len(stack)-1]
			}
			stack = append(stack, i)
			if _, ok := children[g.rows[i]]; ok {
				for _, si := range stack {
					row := g.rows[si]
					if _, dup := seen[row]; !dup {
						seen[row] = struct{}{}
						parents = append(parents, row)
					}
				}
			}
		}
	}
	return parents
}

func rowSet(ranges table.RowRangeList) map[int64]struct{} {
	out := map[int64]struct{}{}
	for _, rg := range ranges {
		for i := rg.Start; i < rg.End; i++ {
			out[i] = struct{}{}
		}
	}
	return out
}

func rowsToRangeList(rows []int64) table.RowRangeList {
	ranges := make([]table.RowRange, 0, len(rows))
	for _, r := range rows {
		ranges = append(ranges, table.RowRange{Start: r, End: r + 1})
	}
	return table.NewRowRangeList(ranges)
}

// readTuples reads cols over ranges (nil = whole table) and returns one
// encoded key string per row, in the same absolute-row order ranges
// enumerates - used both for Join's equality set and for grouping rows
// by their leading address-path key.
func readTuples(ctx context.Context, r *table.Reader, cols []string, ranges table.RowRangeList) ([]string, error) {
	arrs := make([]arrow.Array, len(cols))
	for i, name := range cols {
		idx := colIndex(r.Schema(), name)
		if idx < 0 {
			return nil, fmt.Errorf("%w: key column %q not in table", chainerr.ErrSchema, name)
		}
		arr, err := r.ReadColumn(ctx, idx, ranges)
		if err != nil {
			return nil, err
		}
		arrs[i] = arr
	}
	defer func() {
		for _, a := range arrs {
			a.Release()
		}
	}()

	n := int(expandedLen(ranges, r.NumRows()))
	out := make([]string, n)
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.Reset()
		for _, a := range arrs {
			if a.IsNull(i) {
				b.WriteString("\x00N\x1f")
				continue
			}
			fmt.Fprintf(&b, "%v\x1f", table.ScalarAt(a, i))
		}
		out[i] = b.String()
	}
	return out, nil
}

func expandedLen(ranges table.RowRangeList, total int64) int64 {
	if ranges == nil {
		return total
	}
	return ranges.Len()
}

// addressList decodes a List-of-integer column into one []int64 per row
// (nil for a null list), the representation Children/Stack/Sub walk.
func addressList(arr arrow.Array) ([][]int64, error) {
	list, ok := arr.(*array.List)
	if !ok {
		return nil, fmt.Errorf("%w: expected a list column for an address path, got %s", chainerr.ErrSchema, arr.DataType())
	}
	child := list.ListValues()
	offsets := list.Offsets()
	out := make([][]int64, list.Len())
	for i := 0; i < list.Len(); i++ {
		if list.IsNull(i) {
			continue
		}
		start, end := offsets[i], offsets[i+1]
		addr := make([]int64, 0, end-start)
		for j := start; j < end; j++ {
			addr = append(addr, int64(scalarAsUint64(table.ScalarAt(child, int(j)))))
		}
		out[i] = addr
	}
	return out, nil
}
