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

import "github.com/c2h5oh/datasize"

// Options is a table's write-time configuration (spec §4.1). DefaultPageSize
// uses datasize.ByteSize the way the teacher sizes its own on-disk buffers
// and caches, so operators can write "256KB" in config instead of a raw
// integer.
type Options struct {
	DefaultPageSize datasize.ByteSize

	// RowGroupSize is the target row count per row group; 0 means
	// unbounded (a single row group spanning the whole table).
	RowGroupSize int

	// ColumnsWithStats names columns that get per-page/per-row-group
	// min/max/null_count stats. Only types arrowx.CanHaveStats admits may
	// be listed; Writer validates this at construction.
	ColumnsWithStats map[string]struct{}

	// DictionaryColumns names columns for dictionary encoding. The page
	// writer does not dictionary-encode (see DESIGN.md); listing a column
	// here is accepted and has no effect, and the list is not stored with
	// the table.
	DictionaryColumns map[string]struct{}

	// SortKey is the ordered list of column names defining row order
	// within the table, consulted by the compactor's merge-write phase.
	SortKey []string
}

// DefaultOptions mirrors the fallback values documented in DESIGN.md for
// spec.md §9's open compaction-bounds question: a page size generous
// enough for production (256KiB) but a row group size left unbounded,
// since most chain-family schemas (EVM transactions/logs in particular)
// have no natural row-group-aligned secondary index yet.
func DefaultOptions() Options {
	return Options{
		DefaultPageSize:  256 * datasize.KB,
		RowGroupSize:     0,
		ColumnsWithStats: map[string]struct{}{},
		DictionaryColumns: map[string]struct{}{},
	}
}

func (o Options) hasStats(col string) bool {
	_, ok := o.ColumnsWithStats[col]
	return ok
}
