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
	"sort"

	"github.com/apache/arrow/go/v17/arrow"

	"github.com/erigontech/chaindata/chainstore/common"
)

// BlockWriter is one Plan.Execute result: the per-table RecordBatches
// selected for one chunk, trimmed to the weight-budget-chosen block
// range, plus the last block number actually included. A caller driving
// a multi-chunk query (Executor) concatenates successive BlockWriters'
// tables and resumes the next chunk's scan at LastBlock()+1.
type BlockWriter interface {
	LastBlock() common.BlockNumber
	Tables() map[string]arrow.Record
	Table(name string) (arrow.Record, bool)
	Release()
}

type recordBlockWriter struct {
	lastBlock common.BlockNumber
	tables    map[string]arrow.Record
}

func (w *recordBlockWriter) LastBlock() common.BlockNumber { return w.lastBlock }

func (w *recordBlockWriter) Tables() map[string]arrow.Record { return w.tables }

func (w *recordBlockWriter) Table(name string) (arrow.Record, bool) {
	rec, ok := w.tables[name]
	return rec, ok
}

func (w *recordBlockWriter) Release() {
	for _, rec := range w.tables {
		rec.Release()
	}
}

// sortedTableNames returns a BlockWriter's table names in sorted order,
// for deterministic iteration over its tables.
func sortedTableNames(tables map[string]arrow.Record) []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
