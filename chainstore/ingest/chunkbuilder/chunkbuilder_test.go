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

package chunkbuilder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/chaindata/chainstore/chainerr"
	"github.com/erigontech/chaindata/chainstore/common"
	"github.com/erigontech/chaindata/chainstore/dataset"
	"github.com/erigontech/chaindata/chainstore/kv"
	"github.com/erigontech/chaindata/chainstore/table"
)

func byteHash(b byte) common.Hash {
	var h common.Hash
	h[31] = b
	return h
}

func blockRow(number uint64, hash, parent common.Hash) Row {
	return Row{
		"number":      common.BlockNumber(number),
		"hash":        []byte(hash[:]),
		"parent_hash": []byte(parent[:]),
	}
}

func TestPushBlockAndFinishProducesChunk(t *testing.T) {
	b := New(common.KindEVM, table.DefaultOptions())

	h0 := byteHash(1)
	h1 := byteHash(2)

	require.NoError(t, b.PushBlock(Block{
		Number:     0,
		Hash:       h0,
		ParentHash: common.Hash{},
		Rows: map[string][]Row{
			"blocks": {blockRow(0, h0, common.Hash{})},
			"transactions": {{
				"block_number":      common.BlockNumber(0),
				"transaction_index": uint32(0),
				"hash":              []byte(byteHash(10)[:]),
				"from":              []byte(byteHash(11)[:]),
				"value":             []byte{0x01},
				"input":             []byte{},
				"gas":               uint64(21000),
			}},
			"logs": {{
				"block_number":      common.BlockNumber(0),
				"log_index":         uint32(0),
				"transaction_index": uint32(0),
				"address":           []byte(byteHash(12)[:]),
				"topics":            [][]byte{byteHash(13)[:], byteHash(14)[:]},
				"data":              []byte{0xde, 0xad},
			}},
		},
	}))
	require.NoError(t, b.PushBlock(Block{
		Number:     1,
		Hash:       h1,
		ParentHash: h0,
		Rows: map[string][]Row{
			"blocks": {blockRow(1, h1, h0)},
		},
	}))

	require.Equal(t, 4, b.NumRows())
	require.Greater(t, b.BufferedBytes(), int64(0))

	db := kv.NewDB()
	var chunk dataset.Chunk
	err := db.Update(context.Background(), func(tx *kv.RwTx) error {
		c, err := b.Finish(tx, "eth-mainnet")
		if err != nil {
			return err
		}
		chunk = c
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, common.BlockRef{Number: 1, Hash: h1}, chunk.Ref())
	require.Equal(t, common.BlockNumber(0), chunk.FirstBlock)
	require.Contains(t, chunk.Tables, "blocks")
	require.Contains(t, chunk.Tables, "transactions")
	require.Contains(t, chunk.Tables, "logs")
}

func TestPushBlockRejectsDiscontinuousParent(t *testing.T) {
	b := New(common.KindEVM, table.DefaultOptions())

	h0 := byteHash(1)
	require.NoError(t, b.PushBlock(Block{
		Number: 0, Hash: h0,
		Rows: map[string][]Row{"blocks": {blockRow(0, h0, common.Hash{})}},
	}))

	err := b.PushBlock(Block{
		Number: 1, Hash: byteHash(2), ParentHash: byteHash(99),
		Rows: map[string][]Row{"blocks": {blockRow(1, byteHash(2), byteHash(99))}},
	})
	require.ErrorIs(t, err, chainerr.ErrContinuity)
}

func TestPushBlockRejectsUnknownTable(t *testing.T) {
	b := New(common.KindEVM, table.DefaultOptions())

	err := b.PushBlock(Block{
		Number: 0,
		Rows:   map[string][]Row{"not_a_real_table": {{"x": 1}}},
	})
	require.ErrorIs(t, err, chainerr.ErrSchema)
}

func TestShouldCloseOnDataAvailabilityChange(t *testing.T) {
	b := New(common.KindEVM, table.DefaultOptions())
	require.False(t, b.ShouldClose(0))

	require.NoError(t, b.PushBlock(Block{
		Number: 0, Hash: byteHash(1), DataAvailabilityMask: 0x1,
		Rows: map[string][]Row{"blocks": {blockRow(0, byteHash(1), common.Hash{})}},
	}))

	require.False(t, b.ShouldClose(0x1))
	require.True(t, b.ShouldClose(0x3))
}

func TestClearResetsBuilder(t *testing.T) {
	b := New(common.KindEVM, table.DefaultOptions())
	require.NoError(t, b.PushBlock(Block{
		Number: 0, Hash: byteHash(1),
		Rows: map[string][]Row{"blocks": {blockRow(0, byteHash(1), common.Hash{})}},
	}))
	require.Equal(t, 1, b.NumRows())

	b.Clear()
	require.Equal(t, 0, b.NumRows())
	require.Equal(t, int64(0), b.BufferedBytes())
}
