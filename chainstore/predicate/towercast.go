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

package predicate

import (
	"github.com/apache/arrow/go/v17/arrow"

	arrowx "github.com/erigontech/chaindata/chainstore/arrow"
	"github.com/erigontech/chaindata/chainstore/table"
)

// towerCast casts value to target's integer width (spec §4.3). When
// target is not an integer type (or value isn't one), the cast is a
// no-op safe-mode cast: values compare at native precision. When value
// is out of target's representable range, inRange is false and above
// reports which side it overflowed - callers translate that into their
// own relation's all-true/all-false shortcut (Eq always shortcuts to
// "no match" out of range; GtEq/LtEq shortcut to whichever side makes
// every value satisfy or none do).
func towerCast(value table.Scalar, target arrow.DataType) (cast table.Scalar, inRange bool, above bool) {
	if !arrowx.IsInteger(target) || !isIntegerScalarKind(value.Kind) {
		return value, true, false
	}

	min, max, unsigned := arrowx.IntegerBounds(target)
	targetKind := target.ID()

	if isUnsignedScalarKind(value.Kind) {
		v := value.U64
		if unsigned {
			if v > uint64(max) {
				return table.Scalar{}, false, true
			}
			return table.Scalar{Kind: targetKind, U64: v}, true, false
		}
		if v > uint64(max) {
			return table.Scalar{}, false, true
		}
		return table.Scalar{Kind: targetKind, I64: int64(v)}, true, false
	}

	v := value.I64
	if unsigned {
		if v < 0 {
			return table.Scalar{}, false, false
		}
		if uint64(v) > uint64(max) {
			return table.Scalar{}, false, true
		}
		return table.Scalar{Kind: targetKind, U64: uint64(v)}, true, false
	}
	if v < min {
		return table.Scalar{}, false, false
	}
	if v > max {
		return table.Scalar{}, false, true
	}
	return table.Scalar{Kind: targetKind, I64: v}, true, false
}

func isIntegerScalarKind(k arrow.Type) bool {
	switch k {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return true
	default:
		return false
	}
}

func isUnsignedScalarKind(k arrow.Type) bool {
	switch k {
	case arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return true
	default:
		return false
	}
}

// shortcutAll resolves an out-of-range tower-cast into this relation's
// all-true/all-false verdict. above is as returned by towerCast.
func (rel relation) shortcutAll(above bool) bool {
	switch rel {
	case relEq:
		return false
	case relGtEq:
		// value >= target: if value overflowed above max, nothing is
		// >= it; if it underflowed below min, everything is.
		return !above
	case relLtEq:
		return above
	default:
		return false
	}
}
