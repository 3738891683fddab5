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
	"encoding/binary"
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"

	"github.com/erigontech/chaindata/chainstore/chainerr"
)

// encodeSchema serializes an arrow.Schema to the bytes stored at
// `table_ref/'S'`. This is a small self-describing format rather than
// Arrow's own IPC schema message: the core never needs to exchange this
// blob with a non-Go Arrow reader (it round-trips through this package
// alone), so a minimal encoding keeps the write path free of an IPC
// writer dependency.
func encodeSchema(schema *arrow.Schema, rowGroupSizes []int64) []byte {
	var buf []byte
	buf = appendUvarint(buf, uint64(len(schema.Fields())))
	for _, f := range schema.Fields() {
		buf = encodeField(buf, f)
	}
	buf = appendUvarint(buf, uint64(len(rowGroupSizes)))
	for _, n := range rowGroupSizes {
		buf = appendUvarint(buf, uint64(n))
	}
	return buf
}

func encodeField(buf []byte, f arrow.Field) []byte {
	buf = appendUvarint(buf, uint64(len(f.Name)))
	buf = append(buf, f.Name...)
	nullable := byte(0)
	if f.Nullable {
		nullable = 1
	}
	buf = append(buf, nullable)
	return encodeType(buf, f.Type)
}

func encodeType(buf []byte, dt arrow.DataType) []byte {
	buf = append(buf, byte(dt.ID()))
	switch t := dt.(type) {
	case *arrow.ListType:
		return encodeField(buf, t.ElemField())
	case *arrow.StructType:
		buf = appendUvarint(buf, uint64(len(t.Fields())))
		for _, f := range t.Fields() {
			buf = encodeField(buf, f)
		}
		return buf
	default:
		return buf
	}
}

func decodeSchema(data []byte) (*arrow.Schema, []int64, error) {
	r := &byteReader{b: data}
	n, err := r.uvarint()
	if err != nil {
		return nil, nil, err
	}
	fields := make([]arrow.Field, 0, n)
	for i := uint64(0); i < n; i++ {
		f, err := decodeField(r)
		if err != nil {
			return nil, nil, err
		}
		fields = append(fields, f)
	}
	rgCount, err := r.uvarint()
	if err != nil {
		return nil, nil, err
	}
	rowGroupSizes := make([]int64, 0, rgCount)
	for i := uint64(0); i < rgCount; i++ {
		n, err := r.uvarint()
		if err != nil {
			return nil, nil, err
		}
		rowGroupSizes = append(rowGroupSizes, int64(n))
	}
	if r.err != nil {
		return nil, nil, r.err
	}
	return arrow.NewSchema(fields, nil), rowGroupSizes, nil
}

func decodeField(r *byteReader) (arrow.Field, error) {
	nameLen, err := r.uvarint()
	if err != nil {
		return arrow.Field{}, err
	}
	name := string(r.bytes(int(nameLen)))
	nullable := r.byte() == 1
	dt, err := decodeType(r)
	if err != nil {
		return arrow.Field{}, err
	}
	return arrow.Field{Name: name, Type: dt, Nullable: nullable}, r.err
}

func decodeType(r *byteReader) (arrow.DataType, error) {
	id := arrow.Type(r.byte())
	switch id {
	case arrow.BOOL:
		return arrow.FixedWidthTypes.Boolean, r.err
	case arrow.INT8:
		return arrow.PrimitiveTypes.Int8, r.err
	case arrow.INT16:
		return arrow.PrimitiveTypes.Int16, r.err
	case arrow.INT32:
		return arrow.PrimitiveTypes.Int32, r.err
	case arrow.INT64:
		return arrow.PrimitiveTypes.Int64, r.err
	case arrow.UINT8:
		return arrow.PrimitiveTypes.Uint8, r.err
	case arrow.UINT16:
		return arrow.PrimitiveTypes.Uint16, r.err
	case arrow.UINT32:
		return arrow.PrimitiveTypes.Uint32, r.err
	case arrow.UINT64:
		return arrow.PrimitiveTypes.Uint64, r.err
	case arrow.FLOAT32:
		return arrow.PrimitiveTypes.Float32, r.err
	case arrow.FLOAT64:
		return arrow.PrimitiveTypes.Float64, r.err
	case arrow.BINARY:
		return arrow.BinaryTypes.Binary, r.err
	case arrow.STRING:
		return arrow.BinaryTypes.String, r.err
	case arrow.LIST:
		elem, err := decodeField(r)
		if err != nil {
			return nil, err
		}
		return arrow.ListOfField(elem), r.err
	case arrow.STRUCT:
		n, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		fields := make([]arrow.Field, 0, n)
		for i := uint64(0); i < n; i++ {
			f, err := decodeField(r)
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
		}
		return arrow.StructOf(fields...), r.err
	default:
		return nil, fmt.Errorf("%w: unknown arrow type id %d", chainerr.ErrSchema, id)
	}
}

func appendUvarint(buf []byte, v uint64) []byte {
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tmp, v)
	return append(buf, tmp[:n]...)
}

// byteReader is a minimal cursor for decodeSchema; it sticks the first
// error and becomes a no-op afterwards, matching the teacher's habit of
// small io.Reader-like helpers that don't return an error for every call.
type byteReader struct {
	b   []byte
	off int
	err error
}

func (r *byteReader) byte() byte {
	if r.err != nil || r.off >= len(r.b) {
		r.err = fmt.Errorf("%w: truncated schema blob", chainerr.ErrCorruptPage)
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *byteReader) bytes(n int) []byte {
	if r.err != nil || r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: truncated schema blob", chainerr.ErrCorruptPage)
		return nil
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v
}

func (r *byteReader) uvarint() (uint64, error) {
	if r.err != nil {
		return 0, r.err
	}
	v, n := binary.Uvarint(r.b[r.off:])
	if n <= 0 {
		r.err = fmt.Errorf("%w: bad varint in schema blob", chainerr.ErrCorruptPage)
		return 0, r.err
	}
	r.off += n
	return v, nil
}
