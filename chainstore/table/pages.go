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

import "encoding/binary"

// directory is the in-memory form of a (column, buffer)'s `'O'` offsets
// blob: a monotonic cumulative-length array starting at 0, one entry per
// page boundary plus a trailing total (spec §3, §8: "length = pages + 1").
// Units are bytes for every buffer kind except bitmasks, which count bits.
type directory struct {
	lengths []uint32 // cumulative, len(lengths) == pages+1
}

func newDirectory() *directory { return &directory{lengths: []uint32{0}} }

func (d *directory) addPage(length uint32) {
	d.lengths = append(d.lengths, d.lengths[len(d.lengths)-1]+length)
}

func (d *directory) pages() int { return len(d.lengths) - 1 }

func (d *directory) pageLen(page int) uint32 { return d.lengths[page+1] - d.lengths[page] }

// pagesOverlapping returns the half-open page index range [first,last)
// whose cumulative-length span intersects [start,end) on the directory's
// own axis (bytes for native/offset/value buffers, bits for bitmasks).
// Returns first >= last when nothing overlaps.
func (d *directory) pagesOverlapping(start, end int64) (first, last int) {
	n := d.pages()
	total := int64(d.lengths[n])
	if start < 0 {
		start = 0
	}
	if end > total {
		end = total
	}
	if start >= end {
		return 0, 0
	}
	first = -1
	for p := 0; p < n; p++ {
		lo, hi := int64(d.lengths[p]), int64(d.lengths[p+1])
		if hi <= start {
			continue
		}
		if lo >= end {
			break
		}
		if first < 0 {
			first = p
		}
		last = p + 1
	}
	if first < 0 {
		return 0, 0
	}
	return first, last
}

func (d *directory) encode() []byte {
	buf := make([]byte, 4*len(d.lengths))
	for i, v := range d.lengths {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

func decodeDirectory(b []byte) *directory {
	d := &directory{lengths: make([]uint32, len(b)/4)}
	for i := range d.lengths {
		d.lengths[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return d
}

// isAllValidSentinel reports the spec §3/§4.2 "all valid" null-mask
// elision: an offsets array of exactly 2 entries (0, 0) with no pages.
func isAllValidSentinel(d *directory) bool {
	return len(d.lengths) == 2 && d.lengths[1] == 0
}

func allValidDirectory() *directory {
	return &directory{lengths: []uint32{0, 0}}
}

// packBits bit-packs a []bool into LSB-first bytes, the layout
// array.NewBooleanData's validity/value buffers use.
func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func unpackBits(b []byte, n int) []bool {
	out := make([]bool, n)
	for i := 0; i < n; i++ {
		out[i] = b[i/8]&(1<<uint(i%8)) != 0
	}
	return out
}

// unpackBitsAt is unpackBits starting at a bit offset rather than bit 0,
// for a fetched page window whose first byte doesn't necessarily carry
// bit 0 of the logical row range being read.
func unpackBitsAt(b []byte, bitOff, n int) []bool {
	out := make([]bool, n)
	for i := 0; i < n; i++ {
		bit := bitOff + i
		out[i] = b[bit/8]&(1<<uint(bit%8)) != 0
	}
	return out
}

// bisectAtByteSize finds, by binary search on element count, the largest
// prefix length (at most totalElems, at least 1) whose encoding does not
// exceed target bytes - spec §4.1's `bisect_at_byte_size`. elemSize is the
// byte width of one element (use 1 for already-byte-granular data such as
// a bit-packed buffer measured in bytes, or a variable-width value buffer
// sliced by its own cumulative byte offsets rather than by element count).
func bisectAtByteSize(totalElems int, elemSize int, target int) int {
	if elemSize <= 0 || target <= 0 {
		return totalElems
	}
	maxElems := target / elemSize
	if maxElems <= 0 {
		maxElems = 1
	}
	if maxElems > totalElems {
		return totalElems
	}
	lo, hi := 1, maxElems
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if mid*elemSize <= target {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}
