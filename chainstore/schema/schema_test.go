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

package schema

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/chaindata/chainstore/common"
)

func TestEveryChainFamilyIsRegistered(t *testing.T) {
	for _, kind := range []common.DatasetKind{
		common.KindEVM, common.KindSolana, common.KindBitcoin, common.KindFuel,
		common.KindSubstrate, common.KindStarknet, common.KindHyperliquid,
	} {
		d, ok := Get(kind)
		require.True(t, ok, "kind %s not registered", kind)
		_, ok = d.Table("blocks")
		require.True(t, ok, "kind %s has no blocks table", kind)
	}
}

func TestEVMDescriptorHasTransactionsAndLogs(t *testing.T) {
	d := MustGet(common.KindEVM)
	require.Equal(t, []string{"blocks", "transactions", "logs"}, d.TableNames())

	txs, ok := d.Table("transactions")
	require.True(t, ok)
	require.Equal(t, []string{"block_number", "transaction_index"}, txs.SortKey)

	logs, ok := d.Table("logs")
	require.True(t, ok)
	field, found := logs.Schema.FieldsByName("topics")
	require.True(t, found)
	require.Len(t, field, 1)
}

func TestMustGetPanicsOnUnregisteredKind(t *testing.T) {
	require.Panics(t, func() {
		MustGet(common.DatasetKind(200))
	})
}
