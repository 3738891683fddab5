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

// Package chainerr is the small, fixed vocabulary of error kinds the core
// dispatches on. These are tags, not an exception hierarchy: callers use
// errors.Is against the sentinels below, and the two kinds that carry a
// payload (UnexpectedBaseBlockError, LowFinalizedHeadError) expose it as a
// plain exported struct.
package chainerr

import (
	"errors"
	"fmt"

	"github.com/erigontech/chaindata/chainstore/common"
)

var (
	// ErrSchema - Arrow schema mismatch or unknown column. Never retried.
	ErrSchema = errors.New("chainstore: schema mismatch")

	// ErrContinuity - parent-hash mismatch or numeric gap between chunks
	// or ingested blocks. Fatal to the producing stage; triggers fork
	// reconciliation upstream.
	ErrContinuity = errors.New("chainstore: continuity violation")

	// ErrLowFinalizedHead - a proposed fork base lies below the current
	// finalized head.
	ErrLowFinalizedHead = errors.New("chainstore: fork base below finalized head")

	// ErrBlockRangeMissing - query first_block precedes the first chunk.
	ErrBlockRangeMissing = errors.New("chainstore: requested range missing (pruned or never ingested)")

	// ErrQueryAboveHead - query first_block exceeds the current head.
	ErrQueryAboveHead = errors.New("chainstore: query starts above the head")

	// ErrBusy - no free query executor slot.
	ErrBusy = errors.New("chainstore: executor busy")

	// ErrTransientIO - KV or network I/O failure, safe to retry.
	ErrTransientIO = errors.New("chainstore: transient I/O error")

	// ErrCorruptPage - a page byte-length or monotonicity invariant was
	// violated. Fatal; halts the reader.
	ErrCorruptPage = errors.New("chainstore: corrupt page")

	// ErrWriterTainted - a write_record_batch call failed and the writer
	// must be discarded.
	ErrWriterTainted = errors.New("chainstore: writer not usable")

	// ErrDatasetExists / ErrDatasetNotFound - dataset lifecycle errors.
	ErrDatasetExists   = errors.New("chainstore: dataset already exists")
	ErrDatasetNotFound = errors.New("chainstore: dataset not found")
	ErrKindMismatch    = errors.New("chainstore: dataset kind mismatch")

	// ErrConflict - optimistic transaction lost a write-write race; the
	// caller's Update loop retries.
	ErrConflict = errors.New("chainstore: optimistic transaction conflict")
)

// UnexpectedBaseBlockError surfaces the chunk manager's rejection of a
// query whose caller-supplied parent_block_hash doesn't match the first
// chunk actually stored.
type UnexpectedBaseBlockError struct {
	PrevBlocks   []common.BlockRef
	ExpectedHash common.Hash
}

func (e *UnexpectedBaseBlockError) Error() string {
	return fmt.Sprintf("chainstore: unexpected base block: expected parent hash %s", e.ExpectedHash)
}

func (e *UnexpectedBaseBlockError) Is(target error) bool {
	_, ok := target.(*UnexpectedBaseBlockError)
	return ok
}
