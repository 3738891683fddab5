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
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/chaindata/chainstore/common"
	"github.com/erigontech/chaindata/chainstore/kv"
	"github.com/erigontech/chaindata/chainstore/predicate"
	"github.com/erigontech/chaindata/chainstore/table"
)

// writeInt64Table builds a single int64-column table ("block_number" plus
// whatever extra columns are given) and commits it, returning a Reader
// opened against the same snapshot - mirroring compact's test helpers.
func writeInt64Table(t *testing.T, db *kv.DB, name string, cols map[string][]int64) *table.Reader {
	t.Helper()
	ctx := context.Background()
	mem := memory.NewGoAllocator()

	names := make([]string, 0, len(cols))
	for c := range cols {
		names = append(names, c)
	}
	fields := make([]arrow.Field, len(names))
	arrs := make([]arrow.Array, len(names))
	var numRows int64
	for i, c := range names {
		fields[i] = arrow.Field{Name: c, Type: arrow.PrimitiveTypes.Int64}
		b := array.NewInt64Builder(mem)
		b.AppendValues(cols[c], nil)
		arrs[i] = b.NewArray()
		numRows = int64(len(cols[c]))
		b.Release()
	}
	schema := arrow.NewSchema(fields, nil)
	rec := array.NewRecord(schema, arrs, numRows)
	for _, a := range arrs {
		a.Release()
	}
	defer rec.Release()

	w := table.NewWriter(schema, table.DefaultOptions())
	require.NoError(t, w.WriteRecordBatch(rec))

	var ref table.Ref
	require.NoError(t, db.Update(ctx, func(tx *kv.RwTx) error {
		r, err := w.Finish(tx, "test-dataset", name)
		if err != nil {
			return err
		}
		ref = r
		return nil
	}))

	var reader *table.Reader
	require.NoError(t, db.View(ctx, func(tx *kv.Tx) error {
		r, err := table.NewReader(tx, ref)
		if err != nil {
			return err
		}
		reader = r
		return nil
	}))
	return reader
}

func TestPlanExecuteHeaderOnlyWithinBudget(t *testing.T) {
	db := kv.NewDB()
	reader := writeInt64Table(t, db, "blocks", map[string][]int64{
		"block_number": {0, 1, 2, 3, 4},
	})

	header := &Output{Table: "blocks", Key: []string{"block_number"}, WeightPerRow: 1}
	plan := NewPlan(header)
	plan.AddScan("blocks_scan", "blocks", nil)

	w, err := plan.Execute(context.Background(), map[string]*table.Reader{"blocks": reader})
	require.NoError(t, err)
	require.NotNil(t, w)
	require.Equal(t, common.BlockNumber(4), w.LastBlock())

	rec, ok := w.Table("blocks")
	require.True(t, ok)
	require.EqualValues(t, 5, rec.NumRows())
}

func TestPlanExecuteWeightBudgetStopsEarly(t *testing.T) {
	db := kv.NewDB()
	reader := writeInt64Table(t, db, "blocks", map[string][]int64{
		"block_number": {0, 1, 2, 3, 4},
	})

	header := &Output{Table: "blocks", Key: []string{"block_number"}, WeightPerRow: 1}
	plan := NewPlan(header)
	plan.WeightBudget = 2 // forces a cutoff after the second block
	plan.AddScan("blocks_scan", "blocks", nil)

	w, err := plan.Execute(context.Background(), map[string]*table.Reader{"blocks": reader})
	require.NoError(t, err)
	require.NotNil(t, w)
	require.Less(t, w.LastBlock(), common.BlockNumber(4))

	rec, ok := w.Table("blocks")
	require.True(t, ok)
	require.Less(t, rec.NumRows(), int64(5))
}

func TestPlanExecuteWeightBudgetIncludesAtLeastOneBlock(t *testing.T) {
	db := kv.NewDB()
	reader := writeInt64Table(t, db, "blocks", map[string][]int64{
		"block_number": {0, 1, 2},
	})

	header := &Output{Table: "blocks", Key: []string{"block_number"}, WeightPerRow: 1000}
	plan := NewPlan(header)
	plan.WeightBudget = 1 // even the first block is over budget
	plan.AddScan("blocks_scan", "blocks", nil)

	w, err := plan.Execute(context.Background(), map[string]*table.Reader{"blocks": reader})
	require.NoError(t, err)
	require.NotNil(t, w)
	require.Equal(t, common.BlockNumber(0), w.LastBlock())
}

func TestPlanExecuteScanPredicateFiltersRows(t *testing.T) {
	db := kv.NewDB()
	reader := writeInt64Table(t, db, "blocks", map[string][]int64{
		"block_number": {0, 1, 2, 3, 4},
	})

	header := &Output{Table: "blocks", Key: []string{"block_number"}, WeightPerRow: 1}
	plan := NewPlan(header)
	plan.AddScan("blocks_scan", "blocks", predicate.GtEq("block_number", table.Scalar{Kind: arrow.INT64, I64: 2}))

	w, err := plan.Execute(context.Background(), map[string]*table.Reader{"blocks": reader})
	require.NoError(t, err)
	require.NotNil(t, w)

	rec, ok := w.Table("blocks")
	require.True(t, ok)
	require.EqualValues(t, 3, rec.NumRows()) // blocks 2, 3, 4
}

func TestPlanExecuteNoMatchingRowsReturnsNilWriter(t *testing.T) {
	db := kv.NewDB()
	reader := writeInt64Table(t, db, "blocks", map[string][]int64{
		"block_number": {0, 1, 2},
	})

	header := &Output{Table: "blocks", Key: []string{"block_number"}, WeightPerRow: 1}
	plan := NewPlan(header)
	plan.FirstBlock = 100
	plan.AddScan("blocks_scan", "blocks", nil)

	w, err := plan.Execute(context.Background(), map[string]*table.Reader{"blocks": reader})
	require.NoError(t, err)
	require.Nil(t, w)
}

func TestJoinRelationSelectsMatchingForeignRows(t *testing.T) {
	db := kv.NewDB()
	blocks := writeInt64Table(t, db, "blocks", map[string][]int64{
		"block_number": {0, 1, 2},
	})
	logs := writeInt64Table(t, db, "logs", map[string][]int64{
		"block_number": {0, 0, 1, 2, 2},
	})

	header := &Output{Table: "blocks", Key: []string{"block_number"}, WeightPerRow: 1}
	plan := NewPlan(header)
	plan.AddOutput(&Output{Table: "logs", Key: []string{"block_number"}, WeightPerRow: 1})

	plan.AddScan("blocks_scan", "blocks", predicate.Eq("block_number", table.Scalar{Kind: arrow.INT64, I64: 0})).
		Join("blocks_to_logs", "logs", []string{"block_number"}, []string{"block_number"})

	readers := map[string]*table.Reader{"blocks": blocks, "logs": logs}
	w, err := plan.Execute(context.Background(), readers)
	require.NoError(t, err)
	require.NotNil(t, w)

	logsRec, ok := w.Table("logs")
	require.True(t, ok)
	require.EqualValues(t, 2, logsRec.NumRows()) // the two logs at block 0
}
