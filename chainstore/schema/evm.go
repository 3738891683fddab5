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
	"github.com/apache/arrow/go/v17/arrow"

	"github.com/erigontech/chaindata/chainstore/common"
)

// EVM is the only chain family wired end-to-end (blocks, transactions,
// logs): the two entity tables spec.md §1 names plus the block header
// every dataset kind carries.
func init() {
	Register(Descriptor{
		Kind: common.KindEVM,
		Tables: []TableDescriptor{
			{
				Name: "blocks",
				Schema: arrow.NewSchema([]arrow.Field{
					{Name: "number", Type: arrow.PrimitiveTypes.Uint64},
					{Name: "hash", Type: arrow.BinaryTypes.Binary},
					{Name: "parent_hash", Type: arrow.BinaryTypes.Binary},
					{Name: "timestamp", Type: arrow.PrimitiveTypes.Uint64, Nullable: true},
					{Name: "gas_used", Type: arrow.PrimitiveTypes.Uint64, Nullable: true},
					{Name: "gas_limit", Type: arrow.PrimitiveTypes.Uint64, Nullable: true},
					{Name: "base_fee_per_gas", Type: arrow.BinaryTypes.Binary, Nullable: true},
				}, nil),
				SortKey: []string{"number"},
			},
			{
				Name: "transactions",
				Schema: arrow.NewSchema([]arrow.Field{
					{Name: "block_number", Type: arrow.PrimitiveTypes.Uint64},
					{Name: "transaction_index", Type: arrow.PrimitiveTypes.Uint32},
					{Name: "hash", Type: arrow.BinaryTypes.Binary},
					{Name: "from", Type: arrow.BinaryTypes.Binary},
					{Name: "to", Type: arrow.BinaryTypes.Binary, Nullable: true},
					{Name: "value", Type: arrow.BinaryTypes.Binary},
					{Name: "input", Type: arrow.BinaryTypes.Binary},
					{Name: "gas", Type: arrow.PrimitiveTypes.Uint64},
					{Name: "gas_price", Type: arrow.BinaryTypes.Binary, Nullable: true},
					{Name: "status", Type: arrow.PrimitiveTypes.Uint8, Nullable: true},
				}, nil),
				SortKey: []string{"block_number", "transaction_index"},
			},
			{
				Name: "logs",
				Schema: arrow.NewSchema([]arrow.Field{
					{Name: "block_number", Type: arrow.PrimitiveTypes.Uint64},
					{Name: "log_index", Type: arrow.PrimitiveTypes.Uint32},
					{Name: "transaction_index", Type: arrow.PrimitiveTypes.Uint32},
					{Name: "address", Type: arrow.BinaryTypes.Binary},
					{Name: "topics", Type: arrow.ListOf(arrow.BinaryTypes.Binary)},
					{Name: "data", Type: arrow.BinaryTypes.Binary},
				}, nil),
				SortKey: []string{"block_number", "log_index"},
			},
		},
	})
}
