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

package dataset

import (
	"context"
	"fmt"

	"github.com/erigontech/chaindata/chainstore/chainerr"
	"github.com/erigontech/chaindata/chainstore/common"
	"github.com/erigontech/chaindata/chainstore/kv"
)

// Manager exposes the atomic dataset operations of spec §4.4 over a
// chainstore/kv.DB. All mutations go through (*kv.DB).Update, so they
// inherit the engine's single-writer-per-commit optimistic retry.
type Manager struct {
	db *kv.DB
}

func NewManager(db *kv.DB) *Manager { return &Manager{db: db} }

// CreateDataset registers a brand-new, empty dataset.
func (m *Manager) CreateDataset(ctx context.Context, id common.DatasetId, kind common.DatasetKind) error {
	return m.db.Update(ctx, func(tx *kv.RwTx) error {
		if _, ok := tx.Get(kv.CFDatasets, labelKey(id)); ok {
			return chainerr.ErrDatasetExists
		}
		tx.Put(kv.CFDatasets, labelKey(id), encodeLabel(Label{Kind: kind, Version: 1}))
		return nil
	})
}

// CreateDatasetIfNotExists is CreateDataset's idempotent sibling: if the
// dataset exists its kind must match.
func (m *Manager) CreateDatasetIfNotExists(ctx context.Context, id common.DatasetId, kind common.DatasetKind) error {
	return m.db.Update(ctx, func(tx *kv.RwTx) error {
		if raw, ok := tx.Get(kv.CFDatasets, labelKey(id)); ok {
			label, err := decodeLabel(raw)
			if err != nil {
				return err
			}
			if label.Kind != kind {
				return chainerr.ErrKindMismatch
			}
			return nil
		}
		tx.Put(kv.CFDatasets, labelKey(id), encodeLabel(Label{Kind: kind, Version: 1}))
		return nil
	})
}

// GetLabel returns the dataset's current label.
func (m *Manager) GetLabel(ctx context.Context, id common.DatasetId) (Label, error) {
	var out Label
	err := m.db.View(ctx, func(tx *kv.Tx) error {
		raw, ok := tx.Get(kv.CFDatasets, labelKey(id))
		if !ok {
			return chainerr.ErrDatasetNotFound
		}
		l, err := decodeLabel(raw)
		if err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

// GetFirstChunk / GetLastChunk / ListChunks are snapshot reads (spec §4.4).
func (m *Manager) GetFirstChunk(ctx context.Context, id common.DatasetId) (*Chunk, error) {
	var out *Chunk
	err := m.db.View(ctx, func(tx *kv.Tx) error {
		prefix := chunkKeyPrefix(id)
		tx.Iterate(kv.CFChunks, prefix, false, func(k, v []byte) bool {
			if !hasPrefix(k, prefix) {
				return false
			}
			c, err := decodeChunk(v)
			if err == nil {
				out = &c
			}
			return false
		})
		return nil
	})
	return out, err
}

func (m *Manager) GetLastChunk(ctx context.Context, id common.DatasetId) (*Chunk, error) {
	var out *Chunk
	err := m.db.View(ctx, func(tx *kv.Tx) error {
		prefix := chunkKeyPrefix(id)
		tx.Iterate(kv.CFChunks, chunkKeyPrefixUpperBound(id), true, func(k, v []byte) bool {
			if !hasPrefix(k, prefix) {
				return false
			}
			c, err := decodeChunk(v)
			if err == nil {
				out = &c
			}
			return false
		})
		return nil
	})
	return out, err
}

// ListChunks returns chunks with FirstBlock in [first, last] (last=nil
// means unbounded), forward or reverse ordered.
func (m *Manager) ListChunks(ctx context.Context, id common.DatasetId, first common.BlockNumber, last *common.BlockNumber, reverse bool) ([]Chunk, error) {
	var out []Chunk
	err := m.db.View(ctx, func(tx *kv.Tx) error {
		prefix := chunkKeyPrefix(id)
		from := chunkKey(id, first)
		if reverse {
			from = chunkKeyPrefixUpperBound(id)
		}
		tx.Iterate(kv.CFChunks, from, reverse, func(k, v []byte) bool {
			if !hasPrefix(k, prefix) {
				return false
			}
			c, err := decodeChunk(v)
			if err != nil {
				return true
			}
			if last != nil && c.FirstBlock > *last {
				if reverse {
					return true
				}
				return false
			}
			if c.FirstBlock < first {
				return !reverse
			}
			out = append(out, c)
			return true
		})
		return nil
	})
	return out, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// InsertChunk validates continuity against the current head (or against
// prevHash when the dataset is empty) and atomically writes the chunk
// plus a label version bump.
func (m *Manager) InsertChunk(ctx context.Context, id common.DatasetId, chunk Chunk, prevHash *common.Hash) error {
	return m.db.Update(ctx, func(tx *kv.RwTx) error {
		label, err := mustLabel(tx, id)
		if err != nil {
			return err
		}
		head, err := lastChunkTx(tx, id)
		if err != nil {
			return err
		}
		if head != nil {
			if chunk.FirstBlock != head.LastBlock+1 || chunk.ParentBlockHash != head.LastBlockHash {
				return fmt.Errorf("%w: chunk [%d,%d] does not continue head ending at %d",
					chainerr.ErrContinuity, chunk.FirstBlock, chunk.LastBlock, head.LastBlock)
			}
		} else if prevHash != nil && chunk.ParentBlockHash != *prevHash {
			return fmt.Errorf("%w: chunk parent hash does not match seed hash", chainerr.ErrContinuity)
		}
		tx.Put(kv.CFChunks, chunkKey(id, chunk.FirstBlock), encodeChunk(chunk))
		label.Version++
		tx.Put(kv.CFDatasets, labelKey(id), encodeLabel(label))
		return nil
	})
}

// InsertFork finds the first chunk whose LastBlock >= chunk.FirstBlock,
// deletes from there to the head, then inserts chunk if its parent hash
// matches the new head (spec §4.4).
func (m *Manager) InsertFork(ctx context.Context, id common.DatasetId, chunk Chunk) error {
	return m.db.Update(ctx, func(tx *kv.RwTx) error {
		label, err := mustLabel(tx, id)
		if err != nil {
			return err
		}
		chunks, err := listChunksTx(tx, id, 0, nil, false)
		if err != nil {
			return err
		}
		cutAt := -1
		for i, c := range chunks {
			if c.LastBlock >= chunk.FirstBlock {
				cutAt = i
				break
			}
		}
		if cutAt < 0 {
			// No stored chunk reaches chunk.FirstBlock: nothing is cut and
			// chunk is appended onto the current head (or is the first
			// chunk of an empty dataset).
			cutAt = len(chunks)
		}
		if label.FinalizedHead != nil {
			for i := cutAt; i < len(chunks); i++ {
				if chunks[i].FirstBlock <= label.FinalizedHead.Number {
					return chainerr.ErrLowFinalizedHead
				}
			}
		}
		for i := cutAt; i < len(chunks); i++ {
			for _, ref := range chunks[i].Tables {
				tx.DeletePrefix(kv.CFTables, ref)
			}
			tx.Delete(kv.CFChunks, chunkKey(id, chunks[i].FirstBlock))
		}
		var newHead *Chunk
		if cutAt > 0 {
			newHead = &chunks[cutAt-1]
		}
		if newHead != nil && chunk.ParentBlockHash != newHead.LastBlockHash {
			return fmt.Errorf("%w: fork chunk parent hash does not match new head", chainerr.ErrContinuity)
		}
		tx.Put(kv.CFChunks, chunkKey(id, chunk.FirstBlock), encodeChunk(chunk))
		label.Version++
		tx.Put(kv.CFDatasets, labelKey(id), encodeLabel(label))
		return nil
	})
}

// DeleteChunk removes a chunk and its table blobs in its own transaction
// (used by retention). Manager.Compact does not call it: the compactor's
// swap deletes the merged run's chunks inside its own Update.
func (m *Manager) DeleteChunk(ctx context.Context, id common.DatasetId, first common.BlockNumber) error {
	return m.db.Update(ctx, func(tx *kv.RwTx) error {
		label, err := mustLabel(tx, id)
		if err != nil {
			return err
		}
		raw, ok := tx.Get(kv.CFChunks, chunkKey(id, first))
		if !ok {
			return nil // no-op: spec §8 "retention below first chunk: no-op"
		}
		c, err := decodeChunk(raw)
		if err != nil {
			return err
		}
		for _, ref := range c.Tables {
			tx.DeletePrefix(kv.CFTables, ref)
		}
		tx.Delete(kv.CFChunks, chunkKey(id, first))
		label.Version++
		tx.Put(kv.CFDatasets, labelKey(id), encodeLabel(label))
		return nil
	})
}

// SetFinalizedHead advances the finalized head; it must be monotonic in
// block number and the hash must match the chunk stored at that height.
func (m *Manager) SetFinalizedHead(ctx context.Context, id common.DatasetId, ref common.BlockRef) error {
	return m.db.Update(ctx, func(tx *kv.RwTx) error {
		label, err := mustLabel(tx, id)
		if err != nil {
			return err
		}
		if label.FinalizedHead != nil && ref.Number <= label.FinalizedHead.Number {
			return nil // non-decreasing, not an error: a stale update is ignored
		}
		chunks, err := listChunksTx(tx, id, 0, nil, false)
		if err != nil {
			return err
		}
		matched := false
		for _, c := range chunks {
			if c.LastBlock == ref.Number && c.LastBlockHash == ref.Hash {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("%w: finalized head %s matches no stored chunk", chainerr.ErrContinuity, ref)
		}
		label.FinalizedHead = &ref
		label.Version++
		tx.Put(kv.CFDatasets, labelKey(id), encodeLabel(label))
		return nil
	})
}

// Compact runs build inside a single optimistic transaction, then deletes
// replaced's CHUNKS rows and table blobs, writes the chunk build returned,
// and bumps the label version - the atomic swap of spec §4.5 phase 4. build
// is responsible for writing the merged table(s) via table.Writer.Finish(tx,
// ...) and returning the resulting Chunk; it runs inside the same
// transaction as the delete/insert so the whole compaction is one commit.
func (m *Manager) Compact(ctx context.Context, id common.DatasetId, replaced []Chunk, build func(tx *kv.RwTx) (Chunk, error)) error {
	return m.db.Update(ctx, func(tx *kv.RwTx) error {
		label, err := mustLabel(tx, id)
		if err != nil {
			return err
		}
		newChunk, err := build(tx)
		if err != nil {
			return err
		}
		for _, ch := range replaced {
			for _, ref := range ch.Tables {
				tx.DeletePrefix(kv.CFTables, ref)
			}
			tx.Delete(kv.CFChunks, chunkKey(id, ch.FirstBlock))
		}
		tx.Put(kv.CFChunks, chunkKey(id, newChunk.FirstBlock), encodeChunk(newChunk))
		label.Version++
		tx.Put(kv.CFDatasets, labelKey(id), encodeLabel(label))
		return nil
	})
}

func mustLabel(tx *kv.RwTx, id common.DatasetId) (Label, error) {
	raw, ok := tx.Get(kv.CFDatasets, labelKey(id))
	if !ok {
		return Label{}, chainerr.ErrDatasetNotFound
	}
	return decodeLabel(raw)
}

func lastChunkTx(tx *kv.RwTx, id common.DatasetId) (*Chunk, error) {
	chunks, err := listChunksTx(tx, id, 0, nil, true)
	if err != nil || len(chunks) == 0 {
		return nil, err
	}
	return &chunks[0], nil
}

func listChunksTx(tx *kv.RwTx, id common.DatasetId, first common.BlockNumber, last *common.BlockNumber, reverse bool) ([]Chunk, error) {
	var out []Chunk
	prefix := chunkKeyPrefix(id)
	from := prefix
	if reverse {
		from = chunkKeyPrefixUpperBound(id)
	}
	var decodeErr error
	tx.Iterate(kv.CFChunks, from, reverse, func(k, v []byte) bool {
		if !hasPrefix(k, prefix) {
			return false
		}
		c, err := decodeChunk(v)
		if err != nil {
			decodeErr = err
			return false
		}
		if last != nil && c.FirstBlock > *last {
			return !reverse
		}
		if !reverse && c.FirstBlock < first {
			return true
		}
		out = append(out, c)
		return true
	})
	return out, decodeErr
}
