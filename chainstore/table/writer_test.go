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
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/chaindata/chainstore/chainerr"
	"github.com/erigontech/chaindata/chainstore/common"
	"github.com/erigontech/chaindata/chainstore/kv"
)

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "number", Type: arrow.PrimitiveTypes.Int64},
	{Name: "hash", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

func buildTestRecord(mem memory.Allocator, numbers []int64, hashes []string, hashValid []bool) arrow.Record {
	nb := array.NewInt64Builder(mem)
	defer nb.Release()
	nb.AppendValues(numbers, nil)
	numCol := nb.NewArray()
	defer numCol.Release()

	hb := array.NewStringBuilder(mem)
	defer hb.Release()
	hb.AppendValues(hashes, hashValid)
	hashCol := hb.NewArray()
	defer hashCol.Release()

	return array.NewRecord(testSchema, []arrow.Array{numCol, hashCol}, int64(len(numbers)))
}

func writeCommitted(t *testing.T, db *kv.DB, opts Options, rec arrow.Record) Ref {
	t.Helper()
	ctx := context.Background()
	var ref Ref
	require.NoError(t, db.Update(ctx, func(tx *kv.RwTx) error {
		w := NewWriter(testSchema, opts)
		if err := w.WriteRecordBatch(rec); err != nil {
			return err
		}
		r, err := w.Finish(tx, "eth-mainnet", "blocks")
		if err != nil {
			return err
		}
		ref = r
		return nil
	}))
	return ref
}

func TestWriterReaderRoundTripsValuesAndNulls(t *testing.T) {
	mem := memory.NewGoAllocator()
	rec := buildTestRecord(mem, []int64{0, 1, 2, 3}, []string{"a", "", "c", "d"}, []bool{true, false, true, true})
	defer rec.Release()

	db := kv.NewDB()
	opts := DefaultOptions()
	opts.ColumnsWithStats = map[string]struct{}{"number": {}}
	ref := writeCommitted(t, db, opts, rec)

	ctx := context.Background()
	require.NoError(t, db.View(ctx, func(tx *kv.Tx) error {
		r, err := NewReader(tx, ref)
		require.NoError(t, err)
		require.True(t, r.Schema().Equal(testSchema))
		require.EqualValues(t, 4, r.NumRows())

		out, err := r.ReadTable(ctx, nil, nil)
		require.NoError(t, err)
		defer out.Release()

		numCol := out.Column(0).(*array.Int64)
		require.Equal(t, []int64{0, 1, 2, 3}, numCol.Int64Values())

		hashCol := out.Column(1).(*array.String)
		require.False(t, hashCol.IsNull(0))
		require.Equal(t, "a", hashCol.Value(0))
		require.True(t, hashCol.IsNull(1))
		require.Equal(t, "c", hashCol.Value(2))
		return nil
	}))
}

func TestWriterReaderRoundTripsWithMultiplePagesAtSmallPageSize(t *testing.T) {
	mem := memory.NewGoAllocator()
	numbers := make([]int64, 0, 500)
	hashes := make([]string, 0, 500)
	valid := make([]bool, 0, 500)
	for i := int64(0); i < 500; i++ {
		numbers = append(numbers, i)
		hashes = append(hashes, "h")
		valid = append(valid, true)
	}
	rec := buildTestRecord(mem, numbers, hashes, valid)
	defer rec.Release()

	db := kv.NewDB()
	opts := DefaultOptions()
	opts.DefaultPageSize = 32 * datasize.B // force many small pages
	ref := writeCommitted(t, db, opts, rec)

	ctx := context.Background()
	require.NoError(t, db.View(ctx, func(tx *kv.Tx) error {
		r, err := NewReader(tx, ref)
		require.NoError(t, err)
		require.EqualValues(t, 500, r.NumRows())

		arr, err := r.ReadColumn(ctx, 0, nil)
		require.NoError(t, err)
		defer arr.Release()
		numCol := arr.(*array.Int64)
		require.Equal(t, numbers, numCol.Int64Values())
		return nil
	}))
}

func TestWriterRowGroupSizingCreatesMultipleRowGroups(t *testing.T) {
	mem := memory.NewGoAllocator()
	numbers := make([]int64, 0, 25)
	hashes := make([]string, 0, 25)
	valid := make([]bool, 0, 25)
	for i := int64(0); i < 25; i++ {
		numbers = append(numbers, i)
		hashes = append(hashes, "h")
		valid = append(valid, true)
	}
	rec := buildTestRecord(mem, numbers, hashes, valid)
	defer rec.Release()

	db := kv.NewDB()
	opts := DefaultOptions()
	opts.RowGroupSize = 10
	ref := writeCommitted(t, db, opts, rec)

	ctx := context.Background()
	require.NoError(t, db.View(ctx, func(tx *kv.Tx) error {
		r, err := NewReader(tx, ref)
		require.NoError(t, err)
		bounds := r.RowGroupBounds()
		require.Greater(t, len(bounds), 1)
		require.EqualValues(t, 0, bounds[0].Start)
		require.EqualValues(t, 25, bounds[len(bounds)-1].End)
		return nil
	}))
}

func TestWriterStatsAreRecordedOnlyForConfiguredColumns(t *testing.T) {
	mem := memory.NewGoAllocator()
	rec := buildTestRecord(mem, []int64{5, 1, 9, 3}, []string{"a", "b", "c", "d"}, []bool{true, true, true, true})
	defer rec.Release()

	db := kv.NewDB()
	opts := DefaultOptions()
	opts.ColumnsWithStats = map[string]struct{}{"number": {}}
	ref := writeCommitted(t, db, opts, rec)

	ctx := context.Background()
	require.NoError(t, db.View(ctx, func(tx *kv.Tx) error {
		r, err := NewReader(tx, ref)
		require.NoError(t, err)

		stats, ok := r.GetColumnStats(0)
		require.True(t, ok)
		require.Len(t, stats, 1)
		require.Equal(t, int64(1), stats[0].Min.I64)
		require.Equal(t, int64(9), stats[0].Max.I64)

		_, ok = r.GetColumnStats(1)
		require.False(t, ok)
		return nil
	}))
}

func TestReadColumnAppliesRowRanges(t *testing.T) {
	mem := memory.NewGoAllocator()
	rec := buildTestRecord(mem, []int64{0, 1, 2, 3, 4, 5}, []string{"a", "b", "c", "d", "e", "f"}, []bool{true, true, true, true, true, true})
	defer rec.Release()

	db := kv.NewDB()
	ref := writeCommitted(t, db, DefaultOptions(), rec)

	ctx := context.Background()
	require.NoError(t, db.View(ctx, func(tx *kv.Tx) error {
		r, err := NewReader(tx, ref)
		require.NoError(t, err)

		ranges := RowRangeList{{Start: 1, End: 3}, {Start: 4, End: 5}}
		arr, err := r.ReadColumn(ctx, 0, ranges)
		require.NoError(t, err)
		defer arr.Release()
		require.Equal(t, []int64{1, 2, 4}, arr.(*array.Int64).Int64Values())
		return nil
	}))
}

func TestWriteRecordBatchRejectsMismatchedSchemaAndTaints(t *testing.T) {
	mem := memory.NewGoAllocator()
	otherSchema := arrow.NewSchema([]arrow.Field{{Name: "x", Type: arrow.PrimitiveTypes.Int32}}, nil)
	b := array.NewInt32Builder(mem)
	b.AppendValues([]int32{1}, nil)
	col := b.NewArray()
	rec := array.NewRecord(otherSchema, []arrow.Array{col}, 1)
	b.Release()
	defer col.Release()
	defer rec.Release()

	w := NewWriter(testSchema, DefaultOptions())
	err := w.WriteRecordBatch(rec)
	require.ErrorIs(t, err, chainerr.ErrSchema)

	// The writer is tainted: further calls fail without touching storage.
	err = w.WriteRecordBatch(rec)
	require.ErrorIs(t, err, chainerr.ErrWriterTainted)

	db := kv.NewDB()
	require.NoError(t, db.Update(context.Background(), func(tx *kv.RwTx) error {
		_, err := w.Finish(tx, "eth-mainnet", "blocks")
		require.ErrorIs(t, err, chainerr.ErrWriterTainted)
		return nil
	}))
}

func TestFinishConsumesTheWriter(t *testing.T) {
	mem := memory.NewGoAllocator()
	rec := buildTestRecord(mem, []int64{0}, []string{"a"}, []bool{true})
	defer rec.Release()

	db := kv.NewDB()
	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(tx *kv.RwTx) error {
		w := NewWriter(testSchema, DefaultOptions())
		require.NoError(t, w.WriteRecordBatch(rec))
		_, err := w.Finish(tx, "eth-mainnet", "blocks")
		require.NoError(t, err)

		_, err = w.Finish(tx, "eth-mainnet", "blocks")
		require.ErrorIs(t, err, chainerr.ErrWriterTainted)
		return nil
	}))
}

func TestCommonDatasetIdUsedInRefIsOpaqueString(t *testing.T) {
	mem := memory.NewGoAllocator()
	rec := buildTestRecord(mem, []int64{0}, []string{"a"}, []bool{true})
	defer rec.Release()

	db := kv.NewDB()
	ref := writeCommitted(t, db, DefaultOptions(), rec)
	require.Contains(t, ref.String(), string(common.DatasetId("eth-mainnet")))
}
