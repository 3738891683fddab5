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
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/chaindata/chainstore/table"
)

func TestTowerCastNonIntegerIsNoop(t *testing.T) {
	v := table.Scalar{Kind: arrow.STRING, Bytes: []byte("x")}
	cast, inRange, _ := towerCast(v, arrow.BinaryTypes.String)
	require.True(t, inRange)
	require.Equal(t, v, cast)
}

func TestTowerCastWithinRangeNarrowsKind(t *testing.T) {
	v := table.Scalar{Kind: arrow.INT64, I64: 100}
	cast, inRange, above := towerCast(v, arrow.PrimitiveTypes.Int8)
	require.True(t, inRange)
	require.False(t, above)
	require.Equal(t, arrow.INT8, cast.Kind)
	require.Equal(t, int64(100), cast.I64)
}

func TestTowerCastAboveRangeReportsAbove(t *testing.T) {
	v := table.Scalar{Kind: arrow.INT64, I64: 1000}
	_, inRange, above := towerCast(v, arrow.PrimitiveTypes.Int8)
	require.False(t, inRange)
	require.True(t, above)
}

func TestTowerCastBelowRangeReportsNotAbove(t *testing.T) {
	v := table.Scalar{Kind: arrow.INT64, I64: -1000}
	_, inRange, above := towerCast(v, arrow.PrimitiveTypes.Int8)
	require.False(t, inRange)
	require.False(t, above)
}

func TestTowerCastNegativeIntoUnsignedTargetOutOfRange(t *testing.T) {
	v := table.Scalar{Kind: arrow.INT64, I64: -1}
	_, inRange, above := towerCast(v, arrow.PrimitiveTypes.Uint32)
	require.False(t, inRange)
	require.False(t, above)
}

func TestTowerCastUnsignedValueIntoSignedTarget(t *testing.T) {
	v := table.Scalar{Kind: arrow.UINT64, U64: 42}
	cast, inRange, _ := towerCast(v, arrow.PrimitiveTypes.Int32)
	require.True(t, inRange)
	require.Equal(t, int64(42), cast.I64)
}

func TestTowerCastUnsignedOverflowsUnsignedTarget(t *testing.T) {
	v := table.Scalar{Kind: arrow.UINT64, U64: 1 << 40}
	_, inRange, above := towerCast(v, arrow.PrimitiveTypes.Uint8)
	require.False(t, inRange)
	require.True(t, above)
}

func TestShortcutAllForEqIsAlwaysFalse(t *testing.T) {
	require.False(t, relEq.shortcutAll(true))
	require.False(t, relEq.shortcutAll(false))
}

func TestShortcutAllForGtEq(t *testing.T) {
	require.False(t, relGtEq.shortcutAll(true))
	require.True(t, relGtEq.shortcutAll(false))
}

func TestShortcutAllForLtEq(t *testing.T) {
	require.True(t, relLtEq.shortcutAll(true))
	require.False(t, relLtEq.shortcutAll(false))
}
