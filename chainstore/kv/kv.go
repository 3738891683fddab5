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

// Package kv is the ordered key-value engine chainstore is layered on: a
// prefix-ordered byte store with snapshot isolation and optimistic,
// single-writer-per-dataset transactions (spec §3, §6).
//
// Naming follows erigon-lib/kv: Tx is a read-only view, RwTx adds writes,
// DB is the process-wide handle. Unlike erigon-lib/kv (which wraps MDBX),
// the backing store here is an in-process COW B-tree
// (github.com/google/btree) - there is no on-disk page cache or external
// engine dependency, which keeps the core testable without cgo.
package kv

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/erigontech/chaindata/chainstore/chainerr"
)

// CF names the four column families spec §3 requires.
type CF byte

const (
	CFDatasets CF = iota
	CFChunks
	CFTables
	CFDirtyTables
)

const btreeDegree = 32

// entry is the unit stored in the backing btree: a column-family-prefixed
// key plus its value.
type entry struct {
	key   []byte // cf byte + caller key
	value []byte
}

func (e *entry) Less(than btree.Item) bool {
	return bytes.Compare(e.key, than.(*entry).key) < 0
}

func cfKey(cf CF, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(cf)
	copy(out[1:], key)
	return out
}

// Getter is satisfied by both Tx and RwTx.
type Getter interface {
	Get(cf CF, key []byte) ([]byte, bool)
	// Iterate visits the CF's entries with key >= fromKey in ascending
	// order or, if reverse is true, those with key <= fromKey in
	// descending order (all entries of the CF if fromKey is nil).
	// Visiting stops when fn returns false.
	Iterate(cf CF, fromKey []byte, reverse bool, fn func(key, value []byte) bool)
}

// Tx is a read-only snapshot view: a ReadSnapshot in spec terms.
type Tx struct {
	tree       *btree.BTree
	blockCache *lru.Cache[string, []byte]
}

// Get reads cf/key. CFTables entries are immutable once written (a table's
// blobs are never mutated, only superseded by a new chunk), so they are
// safe to serve from the DB's block cache across snapshots.
func (tx *Tx) Get(cf CF, key []byte) ([]byte, bool) {
	ck := cfKey(cf, key)
	if cf == CFTables && tx.blockCache != nil {
		if v, ok := tx.blockCache.Get(string(ck)); ok {
			return v, true
		}
	}
	item := tx.tree.Get(&entry{key: ck})
	if item == nil {
		return nil, false
	}
	v := item.(*entry).value
	if cf == CFTables && tx.blockCache != nil {
		tx.blockCache.Add(string(ck), v)
	}
	return v, true
}

func (tx *Tx) Iterate(cf CF, fromKey []byte, reverse bool, fn func(key, value []byte) bool) {
	start := cfKey(cf, fromKey)
	visit := func(i btree.Item) bool {
		e := i.(*entry)
		if len(e.key) == 0 || e.key[0] != byte(cf) {
			return false
		}
		return fn(e.key[1:], e.value)
	}
	if reverse {
		// DescendLessOrEqual starting from the top of this CF's key
		// space: cf+1 sorts after every key with prefix cf.
		top := &entry{key: []byte{byte(cf) + 1}}
		if len(fromKey) > 0 {
			top = &entry{key: start}
		}
		tx.tree.DescendLessOrEqual(top, visit)
		return
	}
	tx.tree.AscendGreaterOrEqual(&entry{key: start}, visit)
}

// RwTx is a single, optimistic read-write transaction. It buffers writes
// in an overlay; nothing is visible to other transactions until Commit
// succeeds. The closure passed to (*DB).Update must be idempotent: it may
// run more than once if Commit loses a write-write race (spec §9's
// `run(|tx| ...)` retry combinator).
type RwTx struct {
	base    *btree.BTree // the tree this transaction was opened against
	overlay *btree.BTree // base.Clone(); mutated in place, swapped in on commit
	baseVer uint64
}

func (tx *RwTx) Get(cf CF, key []byte) ([]byte, bool) {
	item := tx.overlay.Get(&entry{key: cfKey(cf, key)})
	if item == nil {
		return nil, false
	}
	return item.(*entry).value, true
}

func (tx *RwTx) Iterate(cf CF, fromKey []byte, reverse bool, fn func(key, value []byte) bool) {
	(&Tx{tree: tx.overlay}).Iterate(cf, fromKey, reverse, fn)
}

func (tx *RwTx) Put(cf CF, key, value []byte) {
	v := append([]byte(nil), value...)
	tx.overlay.ReplaceOrInsert(&entry{key: cfKey(cf, key), value: v})
}

func (tx *RwTx) Delete(cf CF, key []byte) {
	tx.overlay.Delete(&entry{key: cfKey(cf, key)})
}

// DeletePrefix removes every key in cf starting with prefix. Used to drop
// an entire table's pages/offsets/stats blobs when a chunk is deleted.
func (tx *RwTx) DeletePrefix(cf CF, prefix []byte) {
	var toDelete [][]byte
	tx.Iterate(cf, prefix, false, func(k, _ []byte) bool {
		if !bytes.HasPrefix(k, prefix) {
			return false
		}
		toDelete = append(toDelete, append([]byte(nil), k...))
		return true
	})
	for _, k := range toDelete {
		tx.Delete(cf, k)
	}
}

// DB is the process-wide, reference-counted KV handle (spec §5: "The KV
// handle is process-wide and shared via reference counting").
type DB struct {
	mu      sync.Mutex
	tree    *btree.BTree
	version uint64

	// blockCache is the "small LRU block cache (configurable in MiB)"
	// spec §5 fronts the TABLES column family with. It is sized in
	// entries, not bytes: config.Config.BlockCacheEntries is passed
	// through as the entry count, with no MiB budget conversion.
	blockCache *lru.Cache[string, []byte]
}

func NewDB() *DB {
	return &DB{tree: btree.New(btreeDegree)}
}

// NewDBWithBlockCache is NewDB plus a bounded LRU in front of CFTables
// reads, shared by every snapshot taken from this DB. cacheEntries <= 0
// disables the cache.
func NewDBWithBlockCache(cacheEntries int) *DB {
	db := &DB{tree: btree.New(btreeDegree)}
	if cacheEntries > 0 {
		if c, err := lru.New[string, []byte](cacheEntries); err == nil {
			db.blockCache = c
		}
	}
	return db
}

// Snapshot fixes the engine's current view; later mutations are invisible
// to it (spec §5's ReadSnapshot guarantee).
func (db *DB) Snapshot() *Tx {
	db.mu.Lock()
	defer db.mu.Unlock()
	return &Tx{tree: db.tree.Clone(), blockCache: db.blockCache}
}

// View runs f against a fresh read-only snapshot.
func (db *DB) View(_ context.Context, f func(tx *Tx) error) error {
	return f(db.Snapshot())
}

// maxOptimisticRetries bounds the optimistic-commit retry loop (spec §7:
// "retried by transactions via optimistic-commit loop up to a small
// bound").
const maxOptimisticRetries = 64

// Update opens a read-write transaction, runs f, and commits. On a
// write-write conflict (another Update committed in between) it re-runs f
// against a fresh transaction, up to maxOptimisticRetries times.
func (db *DB) Update(_ context.Context, f func(tx *RwTx) error) error {
	for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
		db.mu.Lock()
		base := db.tree
		baseVer := db.version
		db.mu.Unlock()

		tx := &RwTx{base: base, overlay: base.Clone(), baseVer: baseVer}
		if err := f(tx); err != nil {
			return err
		}

		db.mu.Lock()
		if db.version == tx.baseVer {
			db.tree = tx.overlay
			db.version++
			db.mu.Unlock()
			return nil
		}
		db.mu.Unlock()
		// Lost the race: another writer committed first. Retry with a
		// fresh base, per the optimistic-commit contract.
	}
	return chainerr.ErrConflict
}

// Close releases the in-memory engine. Present for interface parity with
// on-disk engines; there is nothing to flush.
func (db *DB) Close() {}
