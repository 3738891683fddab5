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

// Package table is the paged columnar table store: it persists Arrow
// record batches as per-column, per-buffer, per-page blobs in the TABLES
// column family of a chainstore/kv store, with row-group/page statistics
// and projected, row-range-filtered reads.
package table

import (
	"encoding/binary"
)

// Ref is the opaque key-prefix identifying a persisted table, matching
// spec §6's `table_ref`. It has no lifecycle of its own: the dataset
// manager mints one per (chunk, table_name) pair and stores it in the
// Chunk's table map.
type Ref []byte

func (r Ref) String() string { return string(r) }

const (
	tagSchema    = 'S'
	tagOffset    = 'O'
	tagPage      = 'P'
	tagStats     = 'T'
	tagStatsM    = 'M'
	tagStatsPage = 'G'
)

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// schemaKey -> `table_ref / 'S'`.
func schemaKey(ref Ref) []byte {
	return append(append([]byte{}, ref...), tagSchema)
}

// offsetsKey -> `table_ref / 'O' / col_be / buf_be`.
func offsetsKey(ref Ref, col, buf int) []byte {
	k := append([]byte{}, ref...)
	k = append(k, tagOffset)
	k = append(k, be32(uint32(col))...)
	k = append(k, be32(uint32(buf))...)
	return k
}

// pageKey -> `table_ref / 'P' / col_be / buf_be / page_be`.
func pageKey(ref Ref, col, buf, page int) []byte {
	k := append([]byte{}, ref...)
	k = append(k, tagPage)
	k = append(k, be32(uint32(col))...)
	k = append(k, be32(uint32(buf))...)
	k = append(k, be32(uint32(page))...)
	return k
}

// statsKey -> `table_ref / 'T' / col_be / 'M'`.
func statsKey(ref Ref, col int) []byte {
	k := append([]byte{}, ref...)
	k = append(k, tagStats)
	k = append(k, be32(uint32(col))...)
	k = append(k, tagStatsM)
	return k
}

// pageStatsKey -> `table_ref / 'T' / col_be / 'G'`, the physical-page
// granularity sibling of statsKey.
func pageStatsKey(ref Ref, col int) []byte {
	k := append([]byte{}, ref...)
	k = append(k, tagStats)
	k = append(k, be32(uint32(col))...)
	k = append(k, tagStatsPage)
	return k
}
