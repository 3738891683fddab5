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

// Solana registers only the block header table: a slot-keyed descriptor
// sufficient for chunkbuilder/table/query to exercise the family, but
// (per spec.md §1's dataset-specific projection DSL non-goal) no
// bespoke instruction/account-delta tables or ingest data client.
func init() {
	Register(Descriptor{
		Kind: common.KindSolana,
		Tables: []TableDescriptor{
			{
				Name: "blocks",
				Schema: arrow.NewSchema([]arrow.Field{
					{Name: "number", Type: arrow.PrimitiveTypes.Uint64}, // slot
					{Name: "hash", Type: arrow.BinaryTypes.Binary},
					{Name: "parent_hash", Type: arrow.BinaryTypes.Binary},
					{Name: "timestamp", Type: arrow.PrimitiveTypes.Uint64, Nullable: true},
					{Name: "parent_slot", Type: arrow.PrimitiveTypes.Uint64},
				}, nil),
				SortKey: []string{"number"},
			},
		},
	})
}
