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

// Package chunkbuilder accumulates ingested blocks' rows into Arrow record
// batches, schema-driven from chainstore/schema, and pages them into a
// fresh Chunk on Finish - the in-memory half of spec §4.7/§4.8's ingest
// pipeline sitting between the data source and chainstore/table.
package chunkbuilder

import (
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/erigontech/chaindata/chainstore/chainerr"
	"github.com/erigontech/chaindata/chainstore/common"
	"github.com/erigontech/chaindata/chainstore/dataset"
	"github.com/erigontech/chaindata/chainstore/kv"
	"github.com/erigontech/chaindata/chainstore/schema"
	"github.com/erigontech/chaindata/chainstore/table"
)

// Row is one entity row keyed by column name; Builder routes each value
// into the matching table's Arrow column builder via appendValue. Chain
// adapters (outside this package) are responsible for populating Rows
// from whatever wire format an endpoint speaks.
type Row map[string]interface{}

// Block is one ingested block's rows, grouped by table name, handed to
// PushBlock.
type Block struct {
	Number               common.BlockNumber
	Hash                 common.Hash
	ParentHash           common.Hash
	Timestamp            int64
	HasTimestamp         bool
	DataAvailabilityMask uint64
	Rows                 map[string][]Row
}

// Builder is one in-progress chunk: one Arrow RecordBuilder per table in
// the dataset kind's schema.Descriptor, plus the running block-range and
// size bookkeeping Finish needs to produce a dataset.Chunk.
type Builder struct {
	kind    common.DatasetKind
	desc    schema.Descriptor
	mem     memory.Allocator
	opts    table.Options
	builders map[string]*array.RecordBuilder

	numRows int
	bytes   int64

	hasBlocks       bool
	firstBlock      common.BlockNumber
	firstParentHash common.Hash
	lastBlock       common.BlockNumber
	lastBlockHash   common.Hash

	haveMask             bool
	dataAvailabilityMask uint64
}

// New creates an empty Builder for kind using schema.MustGet(kind) and
// opts as every table.Writer's write-time configuration - callers are
// expected to have already validated the kind when the dataset was
// created.
func New(kind common.DatasetKind, opts table.Options) *Builder {
	desc := schema.MustGet(kind)
	mem := memory.NewGoAllocator()
	return &Builder{
		kind:     kind,
		desc:     desc,
		mem:      mem,
		opts:     opts,
		builders: newRecordBuilders(mem, desc),
	}
}

func newRecordBuilders(mem memory.Allocator, desc schema.Descriptor) map[string]*array.RecordBuilder {
	out := make(map[string]*array.RecordBuilder, len(desc.Tables))
	for _, t := range desc.Tables {
		out[t.Name] = array.NewRecordBuilder(mem, t.Schema)
	}
	return out
}

// ShouldClose reports whether the caller should Finish the current chunk
// before pushing a block whose DataAvailabilityMask differs from every
// block pushed so far - spec §4.7's "a data-availability change closes
// the chunk" rule, left to the caller (the ingest pipeline) since only it
// knows whether flushing now is acceptable (e.g. mid-retry it may not
// be).
func (b *Builder) ShouldClose(nextMask uint64) bool {
	return b.haveMask && b.dataAvailabilityMask != nextMask
}

// PushBlock appends blk's rows to the in-progress batches, enforcing
// continuity: blk's parent hash must equal the last pushed block's hash.
// The very first block of a fresh Builder is not checked here - the
// caller (writecontroller/the pipeline) is responsible for having already
// validated it against the dataset's stored head.
func (b *Builder) PushBlock(blk Block) error {
	if b.hasBlocks && blk.ParentHash != b.lastBlockHash {
		return fmt.Errorf("%w: block %d's parent hash does not continue chunk ending at %d",
			chainerr.ErrContinuity, blk.Number, b.lastBlock)
	}

	for tableName, rows := range blk.Rows {
		rb, ok := b.builders[tableName]
		if !ok {
			return fmt.Errorf("%w: table %q is not part of dataset kind %s's schema", chainerr.ErrSchema, tableName, b.kind)
		}
		td, _ := b.desc.Table(tableName)
		for _, row := range rows {
			if err := appendRow(rb, td.Schema, row); err != nil {
				return fmt.Errorf("table %q: %w", tableName, err)
			}
			b.numRows++
		}
	}
	b.bytes += estimateBlockBytes(blk)

	if !b.hasBlocks {
		b.firstBlock = blk.Number
		b.firstParentHash = blk.ParentHash
		b.hasBlocks = true
	}
	b.lastBlock = blk.Number
	b.lastBlockHash = blk.Hash
	b.dataAvailabilityMask = blk.DataAvailabilityMask
	b.haveMask = true
	return nil
}

// NumRows is the total row count buffered across every table, the first
// half of spec §4.7's flush threshold (">200,000 rows").
func (b *Builder) NumRows() int { return b.numRows }

// BufferedBytes is an approximate in-memory size, the second half of
// spec §4.7's flush threshold (">30MiB buffered").
func (b *Builder) BufferedBytes() int64 { return b.bytes }

// Finish builds each table's accumulated rows into an Arrow record,
// writes it through a table.Writer into tx, and returns the resulting
// Chunk - ready for writecontroller.NewChunk. Empty tables (no rows
// pushed for them this chunk) are skipped rather than written as an empty
// table. The Builder must not be reused after Finish; call Clear first if
// the pipeline wants to keep ingesting into a new chunk.
func (b *Builder) Finish(tx *kv.RwTx, datasetId common.DatasetId) (dataset.Chunk, error) {
	if !b.hasBlocks {
		return dataset.Chunk{}, fmt.Errorf("chunkbuilder: Finish called with no blocks pushed")
	}

	refs := make(map[string]table.Ref, len(b.desc.Tables))
	for _, td := range b.desc.Tables {
		rb := b.builders[td.Name]
		rec := rb.NewRecord()
		if rec.NumRows() == 0 {
			rec.Release()
			continue
		}
		w := table.NewWriter(td.Schema, b.opts)
		if err := w.WriteRecordBatch(rec); err != nil {
			rec.Release()
			return dataset.Chunk{}, fmt.Errorf("table %q: %w", td.Name, err)
		}
		rec.Release()
		ref, err := w.Finish(tx, datasetId, td.Name)
		if err != nil {
			return dataset.Chunk{}, fmt.Errorf("table %q: %w", td.Name, err)
		}
		refs[td.Name] = ref
	}

	return dataset.Chunk{
		FirstBlock:      b.firstBlock,
		LastBlock:       b.lastBlock,
		LastBlockHash:   b.lastBlockHash,
		ParentBlockHash: b.firstParentHash,
		Tables:          refs,
	}, nil
}

// Clear releases every table's buffered batches and allocates fresh
// RecordBuilders, resetting the Builder to empty without losing its
// dataset-kind schema.
func (b *Builder) Clear() {
	for _, rb := range b.builders {
		rb.Release()
	}
	b.builders = newRecordBuilders(b.mem, b.desc)
	b.numRows = 0
	b.bytes = 0
	b.hasBlocks = false
	b.haveMask = false
}

func estimateBlockBytes(blk Block) int64 {
	var n int64
	for _, rows := range blk.Rows {
		for _, row := range rows {
			for _, v := range row {
				n += estimateValueBytes(v)
			}
		}
	}
	return n
}

func estimateValueBytes(v interface{}) int64 {
	switch val := v.(type) {
	case []byte:
		return int64(len(val))
	case string:
		return int64(len(val))
	case [][]byte:
		var n int64
		for _, b := range val {
			n += int64(len(b))
		}
		return n
	default:
		return 8 // every other supported column type is a fixed-width scalar
	}
}

// appendRow routes row's values into rb by column name and Arrow type,
// appending a null for any schema field the row doesn't supply (only
// valid for Nullable fields - a missing required field is an error).
func appendRow(rb *array.RecordBuilder, sch *arrow.Schema, row Row) error {
	for i, field := range sch.Fields() {
		v, ok := row[field.Name]
		if !ok {
			if !field.Nullable {
				return fmt.Errorf("%w: missing required field %q", chainerr.ErrSchema, field.Name)
			}
			appendNull(rb.Field(i))
			continue
		}
		if err := appendValue(rb.Field(i), field, v); err != nil {
			return fmt.Errorf("field %q: %w", field.Name, err)
		}
	}
	return nil
}

func appendNull(fb array.Builder) {
	fb.AppendNull()
}

func appendValue(fb array.Builder, field arrow.Field, v interface{}) error {
	switch bld := fb.(type) {
	case *array.Uint64Builder:
		n, err := toUint64(v)
		if err != nil {
			return err
		}
		bld.Append(n)
	case *array.Uint32Builder:
		n, err := toUint64(v)
		if err != nil {
			return err
		}
		bld.Append(uint32(n))
	case *array.Uint8Builder:
		n, err := toUint64(v)
		if err != nil {
			return err
		}
		bld.Append(uint8(n))
	case *array.Int64Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		bld.Append(n)
	case *array.BooleanBuilder:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		bld.Append(b)
	case *array.BinaryBuilder:
		b, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("expected []byte, got %T", v)
		}
		bld.Append(b)
	case *array.StringBuilder:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		bld.Append(s)
	case *array.ListBuilder:
		items, ok := v.([][]byte)
		if !ok {
			return fmt.Errorf("expected [][]byte for list field, got %T", v)
		}
		bld.Append(true)
		elem, ok := bld.ValueBuilder().(*array.BinaryBuilder)
		if !ok {
			return fmt.Errorf("unsupported list element builder %T", bld.ValueBuilder())
		}
		for _, item := range items {
			elem.Append(item)
		}
	default:
		return fmt.Errorf("unsupported column builder %T for field %q", fb, field.Name)
	}
	return nil
}

func toUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case int:
		return uint64(n), nil
	case common.BlockNumber:
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("expected an unsigned integer, got %T", v)
	}
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected a signed integer, got %T", v)
	}
}
