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
	"math"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
)

// Scalar is a column min/max value, tagged by the Arrow type it came from.
// It is the storage core's equivalent of a dynamically-typed scalar
// (spec §9: avoid per-element virtual dispatch - Scalar carries enough
// type information for the predicate package's tower-cast to compare two
// Scalars of different integer widths without reflection).
type Scalar struct {
	Kind  arrow.Type
	I64   int64   // signed integer kinds
	U64   uint64  // unsigned integer kinds
	F64   float64 // float kinds
	Bool  bool
	Bytes []byte // binary/utf8
}

// Less reports whether s sorts before o; both must share the same Kind
// (the caller - predicate's tower-cast - is responsible for casting one
// side to the other's type first).
func (s Scalar) Less(o Scalar) bool { return s.less(o) }

func (s Scalar) less(o Scalar) bool {
	switch s.Kind {
	case arrow.BOOL:
		return !s.Bool && o.Bool
	case arrow.FLOAT32, arrow.FLOAT64:
		return s.F64 < o.F64
	case arrow.BINARY, arrow.STRING:
		return compareBytes(s.Bytes, o.Bytes) < 0
	default:
		if isUnsignedKind(s.Kind) {
			return s.U64 < o.U64
		}
		return s.I64 < o.I64
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

func isUnsignedKind(k arrow.Type) bool {
	switch k {
	case arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return true
	default:
		return false
	}
}

// Stats is the {min, max, null_count} triple spec §3 attaches to a table
// column at both row-group and page granularity.
type Stats struct {
	Min, Max  Scalar
	NullCount int64
	set       bool
}

func (s *Stats) merge(o Stats) {
	if !o.set {
		return
	}
	if !s.set || o.Min.less(s.Min) {
		s.Min = o.Min
	}
	if !s.set || s.Max.less(o.Max) {
		s.Max = o.Max
	}
	s.NullCount += o.NullCount
	s.set = true
}

// StatsBuilder accumulates Stats across fragments of a column's data as
// the writer pages it out. Spec §4.1 calls for a "partitioned" builder
// that merges fragments smaller than a partition target; this
// implementation merges every fragment eagerly; the resulting Stats are
// identical (min/max/null_count are associative reductions), only the
// intermediate merge granularity differs, which has no externally
// observable effect and is noted as a simplification in DESIGN.md.
type StatsBuilder struct {
	col   arrow.DataType
	inner Stats
}

func NewStatsBuilder(dt arrow.DataType) *StatsBuilder {
	return &StatsBuilder{col: dt}
}

// Add folds one arrow.Array fragment's values into the running stats.
func (b *StatsBuilder) Add(arr arrow.Array) {
	s := statsOf(arr)
	b.inner.merge(s)
}

func (b *StatsBuilder) Finish() Stats { return b.inner }

// ScalarAt extracts the value at row i of arr as a Scalar, dispatching by
// concrete Arrow array type. Used by both predicate evaluation and the
// compactor's sort-key permutation (spec §4.5's `sort_table_to_indexes`).
func ScalarAt(arr arrow.Array, i int) Scalar {
	switch a := arr.(type) {
	case *array.Boolean:
		return Scalar{Kind: arrow.BOOL, Bool: a.Value(i)}
	case *array.Int8:
		return Scalar{Kind: arrow.INT8, I64: int64(a.Value(i))}
	case *array.Int16:
		return Scalar{Kind: arrow.INT16, I64: int64(a.Value(i))}
	case *array.Int32:
		return Scalar{Kind: arrow.INT32, I64: int64(a.Value(i))}
	case *array.Int64:
		return Scalar{Kind: arrow.INT64, I64: a.Value(i)}
	case *array.Uint8:
		return Scalar{Kind: arrow.UINT8, U64: uint64(a.Value(i))}
	case *array.Uint16:
		return Scalar{Kind: arrow.UINT16, U64: uint64(a.Value(i))}
	case *array.Uint32:
		return Scalar{Kind: arrow.UINT32, U64: uint64(a.Value(i))}
	case *array.Uint64:
		return Scalar{Kind: arrow.UINT64, U64: a.Value(i)}
	case *array.Float32:
		return Scalar{Kind: arrow.FLOAT32, F64: float64(a.Value(i))}
	case *array.Float64:
		return Scalar{Kind: arrow.FLOAT64, F64: a.Value(i)}
	case *array.Binary:
		return Scalar{Kind: arrow.BINARY, Bytes: a.Value(i)}
	case *array.String:
		return Scalar{Kind: arrow.STRING, Bytes: []byte(a.Value(i))}
	default:
		return Scalar{}
	}
}

// statsOf computes {min,max,null_count} over one array in full.
func statsOf(arr arrow.Array) Stats {
	var s Stats
	s.NullCount = int64(arr.NullN())
	n := arr.Len()
	switch a := arr.(type) {
	case *array.Boolean:
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				continue
			}
			v := Scalar{Kind: arrow.BOOL, Bool: a.Value(i)}
			s.merge(Stats{Min: v, Max: v, set: true})
		}
	case *array.Int8:
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				continue
			}
			v := Scalar{Kind: arrow.INT8, I64: int64(a.Value(i))}
			s.merge(Stats{Min: v, Max: v, set: true})
		}
	case *array.Int16:
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				continue
			}
			v := Scalar{Kind: arrow.INT16, I64: int64(a.Value(i))}
			s.merge(Stats{Min: v, Max: v, set: true})
		}
	case *array.Int32:
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				continue
			}
			v := Scalar{Kind: arrow.INT32, I64: int64(a.Value(i))}
			s.merge(Stats{Min: v, Max: v, set: true})
		}
	case *array.Int64:
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				continue
			}
			v := Scalar{Kind: arrow.INT64, I64: a.Value(i)}
			s.merge(Stats{Min: v, Max: v, set: true})
		}
	case *array.Uint8:
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				continue
			}
			v := Scalar{Kind: arrow.UINT8, U64: uint64(a.Value(i))}
			s.merge(Stats{Min: v, Max: v, set: true})
		}
	case *array.Uint16:
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				continue
			}
			v := Scalar{Kind: arrow.UINT16, U64: uint64(a.Value(i))}
			s.merge(Stats{Min: v, Max: v, set: true})
		}
	case *array.Uint32:
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				continue
			}
			v := Scalar{Kind: arrow.UINT32, U64: uint64(a.Value(i))}
			s.merge(Stats{Min: v, Max: v, set: true})
		}
	case *array.Uint64:
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				continue
			}
			v := Scalar{Kind: arrow.UINT64, U64: a.Value(i)}
			s.merge(Stats{Min: v, Max: v, set: true})
		}
	case *array.Float32:
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				continue
			}
			v := Scalar{Kind: arrow.FLOAT32, F64: float64(a.Value(i))}
			s.merge(Stats{Min: v, Max: v, set: true})
		}
	case *array.Float64:
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				continue
			}
			v := Scalar{Kind: arrow.FLOAT64, F64: a.Value(i)}
			s.merge(Stats{Min: v, Max: v, set: true})
		}
	case *array.Binary:
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				continue
			}
			v := Scalar{Kind: arrow.BINARY, Bytes: append([]byte(nil), a.Value(i)...)}
			s.merge(Stats{Min: v, Max: v, set: true})
		}
	case *array.String:
		for i := 0; i < n; i++ {
			if a.IsNull(i) {
				continue
			}
			v := Scalar{Kind: arrow.STRING, Bytes: []byte(a.Value(i))}
			s.merge(Stats{Min: v, Max: v, set: true})
		}
	default:
		// Non-statable type (list/struct); leave zero-value Stats.
		return Stats{NullCount: s.NullCount}
	}
	return s
}

// PageStats pairs one physical page's {min,max,null_count} with the
// absolute row range it covers - spec §4.1/§4.2's second, finer level of
// the row-group/page stats-pruning hierarchy. Only produced for
// fixed-width leaf columns (bool, every numeric kind): a variable-width
// value buffer's physical pages don't land on row boundaries (writer.go
// pages those by raw byte count), so there is no clean per-page row
// range to pair a Stats with.
type PageStats struct {
	Rows  RowRange
	Stats Stats
}

// encodePageStats/decodePageStats serialize one column's PageStats list
// for the page-granularity stats key. Format: uvarint count, then per
// entry the row range (two uvarints) followed by the same
// tag+min+max+null_count layout encodeStats uses for a single Stats.
func encodePageStats(list []PageStats) []byte {
	var buf []byte
	buf = appendUvarint(buf, uint64(len(list)))
	for _, ps := range list {
		buf = appendUvarint(buf, uint64(ps.Rows.Start))
		buf = appendUvarint(buf, uint64(ps.Rows.End))
		buf = append(buf, byte(ps.Stats.Min.Kind))
		buf = encodeScalar(buf, ps.Stats.Min)
		buf = encodeScalar(buf, ps.Stats.Max)
		buf = appendUvarint(buf, uint64(ps.Stats.NullCount))
	}
	return buf
}

func decodePageStats(data []byte) ([]PageStats, error) {
	r := &byteReader{b: data}
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	out := make([]PageStats, 0, n)
	for i := uint64(0); i < n; i++ {
		start, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		end, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		kind := arrow.Type(r.byte())
		min, err := decodeScalar(r, kind)
		if err != nil {
			return nil, err
		}
		max, err := decodeScalar(r, kind)
		if err != nil {
			return nil, err
		}
		nullCount, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		out = append(out, PageStats{
			Rows:  RowRange{Start: int64(start), End: int64(end)},
			Stats: Stats{Min: min, Max: max, NullCount: int64(nullCount), set: true},
		})
	}
	return out, r.err
}

// encodeStats/decodeStats serialize one row-group-granularity Stats list
// for the `'T'` key. Format: uvarint count, then per entry a fixed tag
// byte (arrow.Type), the two Scalars, and the null count.
func encodeStats(list []Stats) []byte {
	var buf []byte
	buf = appendUvarint(buf, uint64(len(list)))
	for _, s := range list {
		buf = append(buf, byte(s.Min.Kind))
		buf = encodeScalar(buf, s.Min)
		buf = encodeScalar(buf, s.Max)
		buf = appendUvarint(buf, uint64(s.NullCount))
	}
	return buf
}

func encodeScalar(buf []byte, s Scalar) []byte {
	switch s.Kind {
	case arrow.BOOL:
		b := byte(0)
		if s.Bool {
			b = 1
		}
		return append(buf, b)
	case arrow.FLOAT32, arrow.FLOAT64:
		return appendUvarint(buf, math.Float64bits(s.F64))
	case arrow.BINARY, arrow.STRING:
		buf = appendUvarint(buf, uint64(len(s.Bytes)))
		return append(buf, s.Bytes...)
	default:
		if isUnsignedKind(s.Kind) {
			return appendUvarint(buf, s.U64)
		}
		return appendUvarint(buf, uint64(s.I64))
	}
}

func decodeStats(data []byte) ([]Stats, error) {
	r := &byteReader{b: data}
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	out := make([]Stats, 0, n)
	for i := uint64(0); i < n; i++ {
		kind := arrow.Type(r.byte())
		min, err := decodeScalar(r, kind)
		if err != nil {
			return nil, err
		}
		max, err := decodeScalar(r, kind)
		if err != nil {
			return nil, err
		}
		nullCount, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		out = append(out, Stats{Min: min, Max: max, NullCount: int64(nullCount), set: true})
	}
	return out, r.err
}

func decodeScalar(r *byteReader, kind arrow.Type) (Scalar, error) {
	switch kind {
	case arrow.BOOL:
		return Scalar{Kind: kind, Bool: r.byte() == 1}, r.err
	case arrow.FLOAT32, arrow.FLOAT64:
		bits, err := r.uvarint()
		if err != nil {
			return Scalar{}, err
		}
		return Scalar{Kind: kind, F64: math.Float64frombits(bits)}, nil
	case arrow.BINARY, arrow.STRING:
		n, err := r.uvarint()
		if err != nil {
			return Scalar{}, err
		}
		return Scalar{Kind: kind, Bytes: append([]byte(nil), r.bytes(int(n))...)}, r.err
	default:
		v, err := r.uvarint()
		if err != nil {
			return Scalar{}, err
		}
		if isUnsignedKind(kind) {
			return Scalar{Kind: kind, U64: v}, nil
		}
		return Scalar{Kind: kind, I64: int64(v)}, nil
	}
}

// roundFloat maps NaN to 0 and returns every other value, including
// -0.0, unchanged.
func roundFloat(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return f
}
