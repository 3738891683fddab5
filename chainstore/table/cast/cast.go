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

// Package cast is the schema-patch / index-cast library (spec §4.5 phase
// 3): it widens a narrow integer column read from an older chunk to the
// wider type the compactor's unioned schema settled on.
package cast

import (
	"context"
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/erigontech/chaindata/chainstore/chainerr"
	arrowx "github.com/erigontech/chaindata/chainstore/arrow"
)

// stepSize bounds how many rows IndexCastReader converts per call, per
// spec §4.5: "reads in steps of ≤1000 rows and casts before forwarding".
const stepSize = 1000

// IndexCastReader streams a source integer array, widening it to target
// in batches of at most stepSize rows.
type IndexCastReader struct {
	src    arrow.Array
	target arrow.DataType
	mem    memory.Allocator
	pos    int
}

func NewIndexCastReader(src arrow.Array, target arrow.DataType) (*IndexCastReader, error) {
	if !arrowx.IsInteger(src.DataType()) || !arrowx.IsInteger(target) {
		return nil, fmt.Errorf("%w: index-cast only supports integer widening", chainerr.ErrSchema)
	}
	if arrowx.FixedWidth(target) < arrowx.FixedWidth(src.DataType()) {
		return nil, fmt.Errorf("%w: index-cast target %s narrower than source %s", chainerr.ErrSchema, target, src.DataType())
	}
	return &IndexCastReader{src: src, target: target, mem: memory.NewGoAllocator()}, nil
}

// Next returns the next widened batch, or nil when exhausted.
func (r *IndexCastReader) Next(ctx context.Context) (arrow.Array, error) {
	if r.pos >= r.src.Len() {
		return nil, nil
	}
	end := r.pos + stepSize
	if end > r.src.Len() {
		end = r.src.Len()
	}
	slice := array.NewSlice(r.src, int64(r.pos), int64(end))
	defer slice.Release()
	r.pos = end
	return CastInteger(slice, r.target, r.mem)
}

// CastInteger widens arr (an integer array) to target, element by
// element, preserving nulls. It does not range-check values: a value
// outside target's range is truncated. NewIndexCastReader is the entry
// point that rejects a narrower target before calling it.
func CastInteger(arr arrow.Array, target arrow.DataType, mem memory.Allocator) (arrow.Array, error) {
	_, _, unsigned := arrowx.IntegerBounds(target)
	n := arr.Len()

	get := func(i int) (int64, uint64) {
		switch a := arr.(type) {
		case *array.Int8:
			return int64(a.Value(i)), uint64(a.Value(i))
		case *array.Int16:
			return int64(a.Value(i)), uint64(a.Value(i))
		case *array.Int32:
			return int64(a.Value(i)), uint64(a.Value(i))
		case *array.Int64:
			return a.Value(i), uint64(a.Value(i))
		case *array.Uint8:
			return int64(a.Value(i)), uint64(a.Value(i))
		case *array.Uint16:
			return int64(a.Value(i)), uint64(a.Value(i))
		case *array.Uint32:
			return int64(a.Value(i)), uint64(a.Value(i))
		case *array.Uint64:
			return int64(a.Value(i)), a.Value(i)
		default:
			return 0, 0
		}
	}

	switch target.ID() {
	case arrow.INT16:
		b := array.NewInt16Builder(mem)
		defer b.Release()
		for i := 0; i < n; i++ {
			if arr.IsNull(i) {
				b.AppendNull()
				continue
			}
			s, u := get(i)
			if unsigned {
				s = int64(u)
			}
			b.Append(int16(s))
		}
		return b.NewArray(), nil
	case arrow.INT32:
		b := array.NewInt32Builder(mem)
		defer b.Release()
		for i := 0; i < n; i++ {
			if arr.IsNull(i) {
				b.AppendNull()
				continue
			}
			s, u := get(i)
			if unsigned {
				s = int64(u)
			}
			b.Append(int32(s))
		}
		return b.NewArray(), nil
	case arrow.INT64:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		for i := 0; i < n; i++ {
			if arr.IsNull(i) {
				b.AppendNull()
				continue
			}
			s, u := get(i)
			if unsigned {
				s = int64(u)
			}
			b.Append(s)
		}
		return b.NewArray(), nil
	case arrow.UINT16:
		b := array.NewUint16Builder(mem)
		defer b.Release()
		for i := 0; i < n; i++ {
			if arr.IsNull(i) {
				b.AppendNull()
				continue
			}
			_, u := get(i)
			b.Append(uint16(u))
		}
		return b.NewArray(), nil
	case arrow.UINT32:
		b := array.NewUint32Builder(mem)
		defer b.Release()
		for i := 0; i < n; i++ {
			if arr.IsNull(i) {
				b.AppendNull()
				continue
			}
			_, u := get(i)
			b.Append(uint32(u))
		}
		return b.NewArray(), nil
	case arrow.UINT64:
		b := array.NewUint64Builder(mem)
		defer b.Release()
		for i := 0; i < n; i++ {
			if arr.IsNull(i) {
				b.AppendNull()
				continue
			}
			_, u := get(i)
			b.Append(u)
		}
		return b.NewArray(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported index-cast target %s", chainerr.ErrSchema, target)
	}
}
