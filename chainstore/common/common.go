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

// Package common holds the small cross-cutting types shared by every
// chainstore subpackage: block numbers, hashes and block references.
package common

import (
	"encoding/hex"
	"fmt"
)

// BlockNumber is a canonical chain height. Zero is a valid genesis height.
type BlockNumber uint64

// Hash is a chain-family-agnostic block/parent hash. EVM and most other
// supported families use 32-byte hashes; callers that need shorter hashes
// (e.g. some Substrate configurations) left-pad.
type Hash [32]byte

func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	s := string(text)
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	v, err := HashFromBytes(b)
	if err != nil {
		return err
	}
	*h = v
	return nil
}

func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("common: expected %d-byte hash, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// BlockRef pairs a height with the hash observed at that height, used for
// finalized-head pointers and fork reconciliation.
type BlockRef struct {
	Number BlockNumber
	Hash   Hash
}

func (r BlockRef) String() string {
	return fmt.Sprintf("#%d(%s)", r.Number, r.Hash)
}

// DatasetId is a short interned identifier naming a dataset. It is a plain
// string (mirrors the teacher's use of plain string table names) rather
// than a hash, since dataset ids are operator-chosen, human-meaningful
// names ("eth-mainnet", "solana-mainnet-beta", ...).
type DatasetId string

// DatasetKind tags the chain family a dataset stores.
type DatasetKind uint8

const (
	KindEVM DatasetKind = iota
	KindSolana
	KindBitcoin
	KindFuel
	KindSubstrate
	KindStarknet
	KindHyperliquid
)

func (k DatasetKind) String() string {
	switch k {
	case KindEVM:
		return "evm"
	case KindSolana:
		return "solana"
	case KindBitcoin:
		return "bitcoin"
	case KindFuel:
		return "fuel"
	case KindSubstrate:
		return "substrate"
	case KindStarknet:
		return "starknet"
	case KindHyperliquid:
		return "hyperliquid"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}
