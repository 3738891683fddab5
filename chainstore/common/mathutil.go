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

package common

// CeilDiv returns ceil(x/y), 0 if y is 0. Used by the table writer's
// row-group sizing (table.computeRowGroupSizes).
func CeilDiv(x, y int) int {
	if y == 0 {
		return 0
	}
	return (x + y - 1) / y
}

// AbsoluteDifference returns |x-y| for two uint64s without risking
// underflow.
func AbsoluteDifference(x, y uint64) uint64 {
	if x > y {
		return x - y
	}
	return y - x
}
