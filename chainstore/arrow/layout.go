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

// Package arrowx adapts github.com/apache/arrow/go/v17 arrays to the
// paged-page layout spec §3 describes: a fixed number of (offsets,
// page-blob) buffer pairs per column, determined by the column's Arrow
// type. Arrow arrays already are the tagged-variant-over-leaf-types value
// model spec §9 asks for (one Go concrete type per DataType.ID(), dispatch
// by a type switch) - this package only adds the bookkeeping the teacher's
// own Arrow-adjacent code (polarsignals/frostdb, SnellerInc/sneller) needs
// on top: buffer counts, byte widths, and whether a type carries min/max
// statistics.
package arrowx

import (
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
)

// NumBuffers returns how many (column, buffer) slots - each with its own
// offsets blob and page blobs (spec §3) - a value of this Arrow type
// occupies: bool=2 (validity+bits), primitive=2 (validity+native),
// binary/utf8=3 (validity+offsets+values), list=2+child, struct=1+Σchild.
func NumBuffers(dt arrow.DataType) int {
	switch dt.ID() {
	case arrow.BOOL:
		return 2
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64,
		arrow.FLOAT32, arrow.FLOAT64:
		return 2
	case arrow.BINARY, arrow.STRING:
		return 3
	case arrow.LIST:
		lt := dt.(*arrow.ListType)
		return 2 + NumBuffers(lt.Elem())
	case arrow.STRUCT:
		st := dt.(*arrow.StructType)
		n := 1
		for _, f := range st.Fields() {
			n += NumBuffers(f.Type)
		}
		return n
	default:
		panic(fmt.Sprintf("arrowx: unsupported data type %s", dt))
	}
}

// IsBitmask reports whether buffer index bufIdx of a column with type dt
// is bit-packed (the null mask, always buffer 0, and - for Boolean - the
// value buffer, buffer 1).
func IsBitmask(dt arrow.DataType, bufIdx int) bool {
	if bufIdx == 0 {
		return true // validity bitmap
	}
	return dt.ID() == arrow.BOOL && bufIdx == 1
}

// FixedWidth returns the byte width of one element of a fixed-width
// primitive type; it panics for variable-width or nested types, which
// callers must special-case.
func FixedWidth(dt arrow.DataType) int {
	switch dt.ID() {
	case arrow.INT8, arrow.UINT8:
		return 1
	case arrow.INT16, arrow.UINT16:
		return 2
	case arrow.INT32, arrow.UINT32, arrow.FLOAT32:
		return 4
	case arrow.INT64, arrow.UINT64, arrow.FLOAT64:
		return 8
	default:
		panic(fmt.Sprintf("arrowx: %s has no fixed element width", dt))
	}
}

// CanHaveStats reports whether spec §3's "columns flagged for statistics"
// rule admits this type: bool, integers, binary/utf8.
func CanHaveStats(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.BOOL,
		arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64,
		arrow.BINARY, arrow.STRING:
		return true
	default:
		return false
	}
}

// IsInteger reports whether dt is one of the eight fixed-width integer
// types the tower-cast rules (predicate package) operate over.
func IsInteger(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return true
	default:
		return false
	}
}

// IntegerBounds returns the representable [min,max] range of an integer
// Arrow type, widened to int64/uint64 host range semantics used by the
// tower-cast shortcut (predicate.towerCast).
func IntegerBounds(dt arrow.DataType) (min, max int64, unsigned bool) {
	switch dt.ID() {
	case arrow.INT8:
		return -1 << 7, 1<<7 - 1, false
	case arrow.INT16:
		return -1 << 15, 1<<15 - 1, false
	case arrow.INT32:
		return -1 << 31, 1<<31 - 1, false
	case arrow.INT64:
		return -1 << 63, 1<<63 - 1, false
	case arrow.UINT8:
		return 0, 1<<8 - 1, true
	case arrow.UINT16:
		return 0, 1<<16 - 1, true
	case arrow.UINT32:
		return 0, 1<<32 - 1, true
	case arrow.UINT64:
		return 0, 1<<63 - 1, true // conservative: callers treat uint64 max specially
	default:
		panic(fmt.Sprintf("arrowx: %s is not an integer type", dt))
	}
}
