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

package compact

import "github.com/erigontech/chaindata/chainstore/table"

// Options configures one dataset's compaction policy. MinChunkSize and
// MaxChunkSize are spec §4.5's MIN_CHUNK_SIZE/MAX_CHUNK_SIZE, measured in
// blocks (a chunk's own unit of size - FirstBlock..LastBlock width), left
// as an explicit configuration knob per spec.md §9's open question rather
// than a hardcoded constant.
type Options struct {
	MinChunkSize int64
	MaxChunkSize int64

	// TableOptions overrides the table.Options the merged table is
	// written with, keyed by table name; tables absent from this map use
	// table.DefaultOptions(). SortKey on the relevant entry drives
	// phase 2's sort-key merge; a zero/absent SortKey means "concatenate
	// in source-chunk order" (phase 2's "otherwise" branch).
	TableOptions map[string]table.Options
}

// DefaultOptions returns a conservative default: a 512-block floor keeps
// unit tests/small datasets fast, a 128Ki-block ceiling is a plausible
// production chunk size (spec.md §9 open question, resolved as
// configurable with this fallback).
func DefaultOptions() Options {
	return Options{
		MinChunkSize: 512,
		MaxChunkSize: 128 * 1024,
		TableOptions: map[string]table.Options{},
	}
}

func (o Options) tableOptions(name string) table.Options {
	if opts, ok := o.TableOptions[name]; ok {
		return opts
	}
	return table.DefaultOptions()
}

// CompactionStatus reports whether Compact found and merged a run.
type CompactionStatus int

const (
	NothingToCompact CompactionStatus = iota
	Ok
)

func (s CompactionStatus) String() string {
	if s == Ok {
		return "ok"
	}
	return "nothing_to_compact"
}
